package allcoin

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"order-planner/internal/core"
	"order-planner/internal/exchange"
)

func testMarket() core.Market {
	return core.Market{
		ID:             "allcoin-doge-btc",
		Exchange:       Name,
		Base:           "doge",
		Counter:        "btc",
		MinPriceUnit:   8,
		MinTradeUnit:   0,
		MinTradeAmount: decimal.NewFromInt(1),
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(testMarket(), exchange.Options{BaseURL: srv.URL, HTTPClient: srv.Client()})
	c.now = func() time.Time { return time.Unix(1420000000, 0) }
	return c
}

func testCreds(t *testing.T) core.Credentials {
	t.Helper()
	creds, err := core.NewCredentials("pub", []byte("priv"))
	if err != nil {
		t.Fatalf("NewCredentials() error = %v", err)
	}
	return creds
}

func TestDepth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api2/orderbook/DOGE_BTC" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":1,"data":{"sell":[{"price":"0.00000066","amount":1524976.1445662},{"price":"6.7e-7","amount":2961630.0806241}],"buy":[{"price":"0.00000065","amount":760991.062875}]}}`))
	})
	depth, err := c.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if len(depth.Asks) != 2 || len(depth.Bids) != 1 {
		t.Fatalf("Depth() = %+v", depth)
	}
	if !depth.Asks[1].Price.Equal(decimal.RequireFromString("0.00000067")) {
		t.Fatalf("ask price = %s", depth.Asks[1].Price)
	}
	if !depth.Asks[0].Qty.Equal(decimal.RequireFromString("1524976.1445662")) {
		t.Fatalf("ask qty = %s", depth.Asks[0].Qty)
	}
}

func TestDepthErrorCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"error":"market closed"}`))
	})
	if _, err := c.Depth(context.Background()); !errors.Is(err, core.ErrNetwork) {
		t.Fatalf("Depth() error = %v, want ErrNetwork", err)
	}
}

func TestBuyCoinSignature(t *testing.T) {
	var form url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		_, _ = w.Write([]byte(`{"code":1,"data":{"order_id":5521}}`))
	})
	order := core.Order{Side: core.Buy, Price: decimal.RequireFromString("0.000000659"), Qty: decimal.RequireFromString("1000.7")}
	placed, err := c.PlaceOrder(context.Background(), testCreds(t), order)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if placed.ID != "5521" {
		t.Fatalf("placed.ID = %q", placed.ID)
	}
	if form.Get("method") != "buy_coin" || form.Get("price") != "0.00000065" || form.Get("num") != "1000" {
		t.Fatalf("form = %v", form)
	}
	if form.Has("secret_key") {
		t.Fatal("secret_key must not be sent")
	}
	payload := "access_key=pub&created=1420000000&exchange=BTC&method=buy_coin&num=1000&price=0.00000065&secret_key=priv&type=DOGE"
	sum := md5.Sum([]byte(payload))
	if got, want := form.Get("sign"), hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("sign = %q, want %q", got, want)
	}
}

func TestBalancesAndRejection(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_, _ = w.Write([]byte(`{"code":1,"data":{"balance":{"BTC":"0.5","DOGE":1000},"balance_hold":{"BTC":"0.1","LTC":2}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":-4,"error":"order not found"}`))
	})
	got, err := c.Balances(context.Background(), testCreds(t))
	if err != nil {
		t.Fatalf("Balances() error = %v", err)
	}
	if !got["btc"].Locked.Equal(decimal.RequireFromString("0.1")) || !got["doge"].Free.Equal(decimal.NewFromInt(1000)) || !got["ltc"].Locked.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("Balances() = %+v", got)
	}
	if err := c.CancelOrder(context.Background(), testCreds(t), "9"); !errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("CancelOrder() error = %v, want ErrOrderRejected", err)
	}
}
