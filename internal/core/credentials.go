package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
)

// Credentials is a public/private API key pair. The private half lives in an
// encrypted memguard enclave and is only decrypted for the duration of
// WithSecret.
type Credentials struct {
	Key    string
	secret *memguard.Enclave
}

// NewCredentials seals secret into an enclave. memguard wipes the passed
// slice, so callers must not reuse it.
func NewCredentials(key string, secret []byte) (Credentials, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(secret) == 0 {
		return Credentials{}, fmt.Errorf("%w: api key and secret are required", ErrConfiguration)
	}
	return Credentials{Key: key, secret: memguard.NewEnclave(secret)}, nil
}

func (c Credentials) Empty() bool {
	return c.Key == "" || c.secret == nil
}

// WithSecret opens the enclave, hands the plaintext to fn and destroys the
// buffer before returning. fn must not retain the slice.
func (c Credentials) WithSecret(fn func(secret []byte) error) error {
	if c.Empty() {
		return fmt.Errorf("%w: credentials not set", ErrConfiguration)
	}
	buf, err := c.secret.Open()
	if err != nil {
		return fmt.Errorf("open secret enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// SecretString copies the secret out as a string. Only for SDKs that insist
// on holding their own copy.
func (c Credentials) SecretString() (string, error) {
	var out string
	err := c.WithSecret(func(secret []byte) error {
		if len(secret) == 0 {
			return errors.New("empty secret")
		}
		out = string(secret)
		return nil
	})
	return out, err
}
