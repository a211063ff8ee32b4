package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"order-planner/internal/core"
	"order-planner/internal/exchange"
)

func testMarket() core.Market {
	return core.Market{
		ID:             "binance-btc-usdt",
		Exchange:       Name,
		Base:           "btc",
		Counter:        "usdt",
		MinPriceUnit:   2,
		MinTradeUnit:   5,
		MinTradeAmount: decimal.RequireFromString("0.0001"),
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(testMarket(), exchange.Options{BaseURL: srv.URL, HTTPClient: srv.Client()})
}

func testCreds(t *testing.T) core.Credentials {
	t.Helper()
	creds, err := core.NewCredentials("pub", []byte("priv"))
	if err != nil {
		t.Fatalf("NewCredentials() error = %v", err)
	}
	return creds
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestDepth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/depth" || r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected request %s", r.URL)
		}
		writeJSON(w, http.StatusOK, `{"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"],["4.00000100","3.5"]]}`)
	})
	depth, err := c.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if len(depth.Bids) != 1 || len(depth.Asks) != 2 {
		t.Fatalf("Depth() = %+v", depth)
	}
	if !depth.Asks[1].Qty.Equal(decimal.RequireFromString("3.5")) {
		t.Fatalf("ask qty = %s", depth.Asks[1].Qty)
	}
}

func TestDepthServerErrorIsNetwork(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests."}`)
	})
	if _, err := c.Depth(context.Background()); !errors.Is(err, core.ErrNetwork) {
		t.Fatalf("Depth() error = %v, want ErrNetwork", err)
	}
}

func TestBalancesSkipsEmptyAssets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "pub" {
			t.Errorf("api key header = %q", r.Header.Get("X-MBX-APIKEY"))
		}
		writeJSON(w, http.StatusOK, `{"balances":[{"asset":"BTC","free":"0.5","locked":"0.1"},{"asset":"ETH","free":"0.00000000","locked":"0.00000000"}]}`)
	})
	got, err := c.Balances(context.Background(), testCreds(t))
	if err != nil {
		t.Fatalf("Balances() error = %v", err)
	}
	if len(got) != 1 || !got["btc"].Total().Equal(decimal.RequireFromString("0.6")) {
		t.Fatalf("Balances() = %+v", got)
	}
}

func TestPlaceOrder(t *testing.T) {
	var price, qty, side string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		price, qty, side = r.Form.Get("price"), r.Form.Get("quantity"), r.Form.Get("side")
		writeJSON(w, http.StatusOK, `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"x","transactTime":1507725176595,"price":"64000.12","origQty":"0.12345","executedQty":"0","status":"NEW","type":"LIMIT","side":"BUY"}`)
	})
	order := core.Order{Side: core.Buy, Price: decimal.RequireFromString("64000.129"), Qty: decimal.RequireFromString("0.123456")}
	placed, err := c.PlaceOrder(context.Background(), testCreds(t), order)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if placed.ID != "28" {
		t.Fatalf("placed.ID = %q, want 28", placed.ID)
	}
	if price != "64000.12" || qty != "0.12345" || side != "BUY" {
		t.Fatalf("price=%q qty=%q side=%q", price, qty, side)
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`)
	})
	order := core.Order{Side: core.Sell, Price: decimal.NewFromInt(64000), Qty: decimal.NewFromInt(1)}
	if _, err := c.PlaceOrder(context.Background(), testCreds(t), order); !errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("PlaceOrder() error = %v, want ErrOrderRejected", err)
	}
}

func TestCancelOrderRequiresNumericID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	if err := c.CancelOrder(context.Background(), testCreds(t), "abc"); !errors.Is(err, core.ErrInvalidOrder) {
		t.Fatalf("CancelOrder() error = %v, want ErrInvalidOrder", err)
	}
}
