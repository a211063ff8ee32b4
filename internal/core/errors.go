package core

import "errors"

var (
	// ErrConfiguration marks programmer or setup mistakes: negative digit
	// counts, unknown exchange identities, missing credentials.
	ErrConfiguration = errors.New("configuration error")
	// ErrNetwork marks transport failures and non-success exchange replies.
	ErrNetwork = errors.New("network error")
	// ErrParse marks payloads that do not have the expected shape.
	ErrParse = errors.New("parse error")
	// ErrOrderRejected indicates the exchange answered but refused the request.
	ErrOrderRejected = errors.New("order rejected")
)
