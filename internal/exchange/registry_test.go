package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"order-planner/internal/core"
	"order-planner/internal/safety"
)

type fakeAdapter struct {
	market   core.Market
	opts     Options
	placeErr error
	places   atomic.Int32
	cancels  atomic.Int32
	balances atomic.Int32
}

func (f *fakeAdapter) Market() core.Market { return f.market }
func (f *fakeAdapter) Name() string        { return f.market.Exchange }

func (f *fakeAdapter) Depth(context.Context) (core.Depth, error) { return core.Depth{}, nil }

func (f *fakeAdapter) Balances(context.Context, core.Credentials) (core.Balances, error) {
	f.balances.Add(1)
	return core.Balances{f.market.Base: {Free: decimal.NewFromInt(1)}}, nil
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, _ core.Credentials, order core.Order) (core.Order, error) {
	f.places.Add(1)
	if f.placeErr != nil {
		return order, f.placeErr
	}
	order.ID = "42"
	return order, nil
}

func (f *fakeAdapter) CancelOrder(context.Context, core.Credentials, string) error {
	f.cancels.Add(1)
	return nil
}

func fakeMarket(id, exchange string) core.Market {
	return core.Market{ID: id, Exchange: exchange, Base: "btc", Counter: "jpy"}
}

func newFakeRegistry(t *testing.T, built map[string]*fakeAdapter) *Registry {
	t.Helper()
	reg := NewRegistry()
	factory := func(market core.Market, opts Options) (Adapter, error) {
		a := &fakeAdapter{market: market, opts: opts}
		built[market.ID] = a
		return a, nil
	}
	for _, id := range []string{"alpha", "beta"} {
		if err := reg.Register(id, factory); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	return reg
}

func testCreds(t *testing.T) core.Credentials {
	t.Helper()
	creds, err := core.NewCredentials("key", []byte("secret"))
	if err != nil {
		t.Fatalf("NewCredentials() error = %v", err)
	}
	return creds
}

func TestRegistryOpenUnknownExchange(t *testing.T) {
	reg := newFakeRegistry(t, map[string]*fakeAdapter{})
	_, err := reg.Open(fakeMarket("m", "gamma"), Options{})
	if !errors.Is(err, ErrUnknownExchange) || !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Open() error = %v, want ErrUnknownExchange wrapping ErrConfiguration", err)
	}
	if err := reg.Register(" ALPHA ", func(core.Market, Options) (Adapter, error) { return nil, nil }); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Register(duplicate) error = %v, want ErrConfiguration", err)
	}
	if got := reg.Exchanges(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("Exchanges() = %v", got)
	}
}

func TestRegistryOpenValidatesMarket(t *testing.T) {
	reg := newFakeRegistry(t, map[string]*fakeAdapter{})
	market := fakeMarket("m", "alpha")
	market.MinTradeUnit = -1
	if _, err := reg.Open(market, Options{}); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Open() error = %v, want ErrConfiguration", err)
	}
}

func TestDispatcherRoutesByMarket(t *testing.T) {
	built := map[string]*fakeAdapter{}
	reg := newFakeRegistry(t, built)
	d, err := NewDispatcher(reg, []core.Market{fakeMarket("a1", "alpha"), fakeMarket("b1", "Beta")}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	creds := testCreds(t)
	order := core.Order{Side: core.Buy, Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(1)}
	placed, err := d.PlaceOrder(context.Background(), "b1", creds, order)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if placed.ID != "42" || built["b1"].places.Load() != 1 || built["a1"].places.Load() != 0 {
		t.Fatalf("PlaceOrder() routed wrongly: placed=%+v", placed)
	}
	if err := d.CancelOrder(context.Background(), "a1", creds, "42"); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if built["a1"].cancels.Load() != 1 {
		t.Fatalf("CancelOrder() did not reach a1")
	}
	if _, err := d.Balances(context.Background(), "zz", creds); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Balances(unknown market) error = %v, want ErrConfiguration", err)
	}
}

func TestDispatcherRejectsDuplicateMarket(t *testing.T) {
	reg := newFakeRegistry(t, map[string]*fakeAdapter{})
	_, err := NewDispatcher(reg, []core.Market{fakeMarket("a1", "alpha"), fakeMarket("a1", "beta")}, nil, nil, nil)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("NewDispatcher() error = %v, want ErrConfiguration", err)
	}
}

func TestDispatcherAllBalancesOncePerExchange(t *testing.T) {
	built := map[string]*fakeAdapter{}
	reg := newFakeRegistry(t, built)
	markets := []core.Market{fakeMarket("a1", "alpha"), fakeMarket("a2", "alpha"), fakeMarket("b1", "beta")}
	d, err := NewDispatcher(reg, markets, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	got, err := d.AllBalances(context.Background(), map[string]core.Credentials{"alpha": testCreds(t)})
	if err != nil {
		t.Fatalf("AllBalances() error = %v", err)
	}
	if len(got) != 1 || got["alpha"] == nil {
		t.Fatalf("AllBalances() = %v, want only alpha", got)
	}
	if calls := built["a1"].balances.Load() + built["a2"].balances.Load(); calls != 1 {
		t.Fatalf("balance calls for alpha = %d, want 1", calls)
	}
	if built["b1"].balances.Load() != 0 {
		t.Fatal("beta queried without credentials")
	}
}

func TestDispatcherSharesThrottlePerExchange(t *testing.T) {
	built := map[string]*fakeAdapter{}
	reg := newFakeRegistry(t, built)
	a1 := fakeMarket("a1", "alpha")
	a1.APIAvailableSpan = time.Second
	a2 := fakeMarket("a2", "Alpha")
	a2.APIAvailableSpan = 3 * time.Second
	b1 := fakeMarket("b1", "beta")
	b1.APIAvailableSpan = 2 * time.Second
	if _, err := NewDispatcher(reg, []core.Market{a1, a2, b1}, nil, nil, nil); err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	alpha := built["a1"].opts.Throttle
	if alpha == nil || built["a2"].opts.Throttle != alpha {
		t.Fatalf("alpha markets got throttles %p and %p, want one shared", alpha, built["a2"].opts.Throttle)
	}
	if alpha.Span() != 3*time.Second {
		t.Fatalf("alpha span = %s, want the longest market span 3s", alpha.Span())
	}
	beta := built["b1"].opts.Throttle
	if beta == nil || beta == alpha {
		t.Fatal("beta must have its own throttle")
	}
	if beta.Span() != 2*time.Second {
		t.Fatalf("beta span = %s, want 2s", beta.Span())
	}
}

func TestOptionsThrottleFor(t *testing.T) {
	shared := NewThrottle(time.Second, nil)
	if got := (Options{Throttle: shared}).ThrottleFor(time.Minute, nil); got != shared {
		t.Fatal("ThrottleFor ignored the shared throttle")
	}
	if got := (Options{}).ThrottleFor(time.Minute, nil); got == nil || got.Span() != time.Minute {
		t.Fatalf("ThrottleFor() = %v, want a fresh one-minute throttle", got)
	}
}

func TestDispatcherBreakerStopsSubmission(t *testing.T) {
	built := map[string]*fakeAdapter{}
	reg := newFakeRegistry(t, built)
	breaker := safety.NewBreaker(safety.Settings{Enabled: true, MaxPlaceFailures: 1, MaxCancelFailures: 1}, nil)
	d, err := NewDispatcher(reg, []core.Market{fakeMarket("a1", "alpha")}, nil, breaker, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	built["a1"].placeErr = core.ErrNetwork
	order := core.Order{Side: core.Sell, Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(1)}
	creds := testCreds(t)

	if _, err := d.PlaceOrder(context.Background(), "a1", creds, order); !errors.Is(err, safety.ErrCircuitOpen) {
		t.Fatalf("PlaceOrder(first) error = %v, want ErrCircuitOpen", err)
	}
	if _, err := d.PlaceOrder(context.Background(), "a1", creds, order); !errors.Is(err, safety.ErrCircuitOpen) {
		t.Fatalf("PlaceOrder(second) error = %v, want ErrCircuitOpen", err)
	}
	if n := built["a1"].places.Load(); n != 1 {
		t.Fatalf("adapter PlaceOrder calls = %d, want 1", n)
	}
}
