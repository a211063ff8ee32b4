package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"order-planner/internal/core"
)

const maxErrorBody = 512

type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.Status, e.Body)
}

// Form is an insertion-ordered set of form fields. Several exchanges sign
// the encoded body verbatim, so field order has to survive encoding.
type Form struct {
	keys   []string
	values map[string]string
}

func NewForm() *Form {
	return &Form{values: make(map[string]string)}
}

// Set appends key, or replaces its value in place if already present.
func (f *Form) Set(key, value string) *Form {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
	return f
}

func (f *Form) Get(key string) string { return f.values[key] }

func (f *Form) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func (f *Form) Encode() string {
	var b strings.Builder
	for i, k := range f.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.values[k]))
	}
	return b.String()
}

// Transport issues HTTP requests for one adapter instance through its
// Throttle.
type Transport struct {
	exchange string
	client   *http.Client
	throttle *Throttle
	logger   *zap.Logger
}

func NewTransport(exchange string, client *http.Client, throttle *Throttle, logger *zap.Logger) *Transport {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		exchange: exchange,
		client:   client,
		throttle: throttle,
		logger:   logger,
	}
}

func (t *Transport) Throttle() *Throttle { return t.throttle }

// Signer builds the body and headers of an authenticated request. It runs
// inside the throttle slot, so nonces follow call order.
type Signer func() (*Form, http.Header, error)

func (t *Transport) Get(ctx context.Context, op, rawURL string, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	return t.do(ctx, op, http.MethodGet, rawURL, nil)
}

func (t *Transport) PostForm(ctx context.Context, op, rawURL string, form *Form, header http.Header) ([]byte, error) {
	return t.PostSigned(ctx, op, rawURL, func() (*Form, http.Header, error) {
		return form, header, nil
	})
}

func (t *Transport) PostSigned(ctx context.Context, op, rawURL string, sign Signer) ([]byte, error) {
	return t.do(ctx, op, http.MethodPost, rawURL, sign)
}

func (t *Transport) do(ctx context.Context, op, method, rawURL string, sign Signer) ([]byte, error) {
	var out []byte
	err := t.throttle.Do(ctx, op, func(ctx context.Context) error {
		var (
			reader io.Reader
			header http.Header
		)
		if sign != nil {
			form, h, err := sign()
			if err != nil {
				return err
			}
			header = h
			if form != nil {
				reader = strings.NewReader(form.Encode())
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return errors.Join(core.ErrConfiguration, err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if method == http.MethodPost {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return errors.Join(core.ErrNetwork, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Join(core.ErrNetwork, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := string(data)
			if len(snippet) > maxErrorBody {
				snippet = snippet[:maxErrorBody]
			}
			return errors.Join(core.ErrNetwork, &HTTPError{Status: resp.StatusCode, Body: snippet})
		}
		out = data
		return nil
	})
	if err != nil {
		t.logger.Warn("exchange request failed",
			zap.String("exchange", t.exchange),
			zap.String("op", op),
			zap.String("method", method),
			zap.Error(err),
		)
		return nil, err
	}
	t.logger.Debug("exchange request sent",
		zap.String("exchange", t.exchange),
		zap.String("op", op),
		zap.String("method", method),
		zap.Int("bytes", len(out)),
	)
	return out, nil
}

// DecodeJSON unmarshals an exchange payload, classifying failures as
// core.ErrParse.
func DecodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(core.ErrParse, err)
	}
	return nil
}

// RawString renders an id field that some exchanges send as a JSON string and
// others as a bare number.
func RawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return nil, false
	}
	return httpErr, true
}
