package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"order-planner/internal/core"
	"order-planner/internal/safety"
)

var ErrUnknownExchange = fmt.Errorf("%w: unknown exchange", core.ErrConfiguration)

// Factory builds an adapter for one market.
type Factory func(market core.Market, opts Options) (Adapter, error)

// Registry maps exchange identities to adapter factories. Entries are added
// once at startup; lookups are resolved when an adapter is opened, never per
// call.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func normalizeExchange(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (r *Registry) Register(exchange string, factory Factory) error {
	id := normalizeExchange(exchange)
	if id == "" || factory == nil {
		return fmt.Errorf("%w: register needs an exchange id and a factory", core.ErrConfiguration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[id]; dup {
		return fmt.Errorf("%w: exchange %q registered twice", core.ErrConfiguration, id)
	}
	r.factories[id] = factory
	return nil
}

func (r *Registry) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Open(market core.Market, opts Options) (Adapter, error) {
	if err := market.Validate(); err != nil {
		return nil, err
	}
	id := normalizeExchange(market.Exchange)
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q for market %q", ErrUnknownExchange, market.Exchange, market.ID)
	}
	return factory(market, opts)
}

// Dispatcher owns one adapter per configured market and routes account
// operations to it. Order submission and cancellation pass through the
// breaker.
type Dispatcher struct {
	adapters map[string]Adapter
	order    []string
	breaker  *safety.Breaker
	logger   *zap.Logger
}

// MarketOptions returns per-market Options; nil means use the shared Options
// for every market.
type MarketOptions func(market core.Market) Options

func NewDispatcher(registry *Registry, markets []core.Market, opts MarketOptions, breaker *safety.Breaker, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		adapters: make(map[string]Adapter, len(markets)),
		breaker:  breaker,
		logger:   logger,
	}
	throttles := sharedThrottles(markets, logger)
	for _, market := range markets {
		if _, dup := d.adapters[market.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate market id %q", core.ErrConfiguration, market.ID)
		}
		var o Options
		if opts != nil {
			o = opts(market)
		}
		if o.Logger == nil {
			o.Logger = logger
		}
		if o.Throttle == nil {
			o.Throttle = throttles[normalizeExchange(market.Exchange)]
		}
		adapter, err := registry.Open(market, o)
		if err != nil {
			return nil, err
		}
		d.adapters[market.ID] = adapter
		d.order = append(d.order, market.ID)
	}
	return d, nil
}

// sharedThrottles builds one throttle per exchange identity, spaced by the
// longest api_available_span among that exchange's markets.
func sharedThrottles(markets []core.Market, logger *zap.Logger) map[string]*Throttle {
	spans := make(map[string]time.Duration)
	for _, m := range markets {
		id := normalizeExchange(m.Exchange)
		if span, ok := spans[id]; !ok || m.APIAvailableSpan > span {
			spans[id] = m.APIAvailableSpan
		}
	}
	out := make(map[string]*Throttle, len(spans))
	for id, span := range spans {
		out[id] = NewThrottle(span, logger.With(zap.String("exchange", id)))
	}
	return out
}

func (d *Dispatcher) Markets() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func (d *Dispatcher) Adapter(marketID string) (Adapter, error) {
	adapter, ok := d.adapters[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: market %q is not configured", core.ErrConfiguration, marketID)
	}
	return adapter, nil
}

func (d *Dispatcher) Balances(ctx context.Context, marketID string, creds core.Credentials) (core.Balances, error) {
	adapter, err := d.Adapter(marketID)
	if err != nil {
		return nil, err
	}
	return adapter.Balances(ctx, creds)
}

func (d *Dispatcher) PlaceOrder(ctx context.Context, marketID string, creds core.Credentials, order core.Order) (core.Order, error) {
	adapter, err := d.Adapter(marketID)
	if err != nil {
		return order, err
	}
	placed := order
	err = d.breaker.Guard(safety.ActionPlace, func() error {
		var placeErr error
		placed, placeErr = adapter.PlaceOrder(ctx, creds, order)
		return placeErr
	})
	if err != nil {
		return placed, err
	}
	d.logger.Info("order placed",
		zap.String("market", marketID),
		zap.String("exchange", adapter.Name()),
		zap.String("order_id", placed.ID),
		zap.String("side", string(placed.Side)),
		zap.String("price", placed.Price.String()),
		zap.String("qty", placed.Qty.String()),
	)
	return placed, nil
}

func (d *Dispatcher) CancelOrder(ctx context.Context, marketID string, creds core.Credentials, orderID string) error {
	adapter, err := d.Adapter(marketID)
	if err != nil {
		return err
	}
	err = d.breaker.Guard(safety.ActionCancel, func() error {
		return adapter.CancelOrder(ctx, creds, orderID)
	})
	if err != nil {
		return err
	}
	d.logger.Info("order canceled",
		zap.String("market", marketID),
		zap.String("exchange", adapter.Name()),
		zap.String("order_id", orderID),
	)
	return nil
}

// AllBalances queries every exchange that has credentials, once per
// exchange, concurrently. Results are keyed by exchange identity.
func (d *Dispatcher) AllBalances(ctx context.Context, creds map[string]core.Credentials) (map[string]core.Balances, error) {
	targets := make(map[string]Adapter)
	for _, id := range d.order {
		adapter := d.adapters[id]
		exchangeID := normalizeExchange(adapter.Market().Exchange)
		if _, seen := targets[exchangeID]; seen {
			continue
		}
		c, ok := creds[exchangeID]
		if !ok || c.Empty() {
			d.logger.Debug("skipping balances, no credentials", zap.String("exchange", exchangeID))
			continue
		}
		targets[exchangeID] = adapter
	}

	var mu sync.Mutex
	out := make(map[string]core.Balances, len(targets))
	group, gctx := errgroup.WithContext(ctx)
	for exchangeID, adapter := range targets {
		group.Go(func() error {
			balances, err := adapter.Balances(gctx, creds[exchangeID])
			if err != nil {
				return fmt.Errorf("%s balances: %w", exchangeID, err)
			}
			mu.Lock()
			out[exchangeID] = balances
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
