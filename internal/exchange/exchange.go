// Package exchange defines what the planner and the dispatcher need from a
// venue, plus the plumbing every REST adapter shares: a per-instance call
// throttle, a throttled HTTP transport and book-side ordering.
package exchange

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"order-planner/internal/core"
)

// DepthSource is the read-only slice of an adapter the planner walks.
type DepthSource interface {
	Market() core.Market
	Depth(ctx context.Context) (core.Depth, error)
}

// Adapter is implemented once per exchange. Every network call an adapter
// makes goes through its own Throttle.
type Adapter interface {
	DepthSource
	Name() string
	Balances(ctx context.Context, creds core.Credentials) (core.Balances, error)
	PlaceOrder(ctx context.Context, creds core.Credentials, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, creds core.Credentials, orderID string) error
}

// Options carries construction-time settings shared by all factories.
type Options struct {
	// BaseURL overrides the adapter's REST endpoint.
	BaseURL string
	// StreamURL enables websocket depth on adapters that support it.
	StreamURL  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
	// Throttle is shared by every adapter on one exchange identity. The
	// Dispatcher sets it; nil gives the adapter a throttle of its own.
	Throttle *Throttle
}

const defaultTimeout = 15 * time.Second

func (o Options) Client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (o Options) Log() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) URL(fallback string) string {
	if o.BaseURL != "" {
		return o.BaseURL
	}
	return fallback
}

// ThrottleFor returns the shared throttle if one was supplied, otherwise a
// new one spacing calls by span.
func (o Options) ThrottleFor(span time.Duration, logger *zap.Logger) *Throttle {
	if o.Throttle != nil {
		return o.Throttle
	}
	return NewThrottle(span, logger)
}
