package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
	"wavebot/internal/exchange"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		APIKey:         "key",
		APISecret:      "secret",
		RestBaseURL:    srv.URL,
		RequestsPerSec: 100,
		RetryWait:      time.Millisecond,
		Now:            func() time.Time { return fixedNow },
	})
}

func writeResult(w http.ResponseWriter, result string) {
	_, _ = io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":`+result+`}`)
}

func TestSignedGetHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get("X-BAPI-TIMESTAMP")
		recv := r.Header.Get("X-BAPI-RECV-WINDOW")
		if r.Header.Get("X-BAPI-API-KEY") != "key" || ts != "1772366400000" || recv != "5000" {
			t.Errorf("headers = %v", r.Header)
		}
		want := sign("secret", ts+"key"+recv+r.URL.RawQuery)
		if got := r.Header.Get("X-BAPI-SIGN"); got != want {
			t.Errorf("sign = %s, want %s", got, want)
		}
		writeResult(w, `{"list":[{"symbol":"BTCUSDT","positionIdx":1,"side":"Buy","size":"0.02","avgPrice":"60000","updatedTime":"1772366400000"},{"symbol":"BTCUSDT","positionIdx":2,"side":"Sell","size":"0.01","avgPrice":"61000"}]}`)
	})
	pos, err := c.Positions(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Positions() error = %v", err)
	}
	if !pos.Long.Qty.Equal(decimal.RequireFromString("0.02")) || !pos.Short.AvgPrice.Equal(decimal.RequireFromString("61000")) {
		t.Fatalf("positions = %+v", pos)
	}
	if !pos.Long.UpdatedAt.Equal(fixedNow) {
		t.Fatalf("updated = %s", pos.Long.UpdatedAt)
	}
}

func TestPlaceOrderBody(t *testing.T) {
	var body createOrderRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v5/order/create" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		want := sign("secret", r.Header.Get("X-BAPI-TIMESTAMP")+"key"+r.Header.Get("X-BAPI-RECV-WINDOW")+string(raw))
		if r.Header.Get("X-BAPI-SIGN") != want {
			t.Errorf("body signature mismatch")
		}
		_ = json.Unmarshal(raw, &body)
		writeResult(w, `{"orderId":"abc","orderLinkId":"W1_GRID_A_-1_LONG_x"}`)
	})
	ord, err := c.PlaceOrder(context.Background(), core.Order{
		ClientID: "W1_GRID_A_-1_LONG_x", Symbol: "BTCUSDT", Side: core.Sell, Type: core.Limit,
		Slot: core.SlotShort, Price: decimal.RequireFromString("60150.5"), Qty: decimal.RequireFromString("0.003"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if ord.ID != "abc" || ord.Status != core.OrderNew {
		t.Fatalf("order = %+v", ord)
	}
	if body.Side != "Sell" || body.OrderType != "Limit" || body.PositionIdx != 2 || body.Price != "60150.5" || body.Qty != "0.003" || body.TimeInForce != "GTC" || body.Category != "linear" {
		t.Fatalf("body = %+v", body)
	}
}

func TestMarketOrderOmitsPrice(t *testing.T) {
	var raw string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		writeResult(w, `{"orderId":"m1"}`)
	})
	_, err := c.PlaceOrder(context.Background(), core.Order{
		Symbol: "BTCUSDT", Side: core.Sell, Type: core.Market, Slot: core.SlotLong, ReduceOnly: true,
		Qty: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if strings.Contains(raw, `"price"`) || !strings.Contains(raw, `"reduceOnly":true`) || !strings.Contains(raw, `"timeInForce":"IOC"`) {
		t.Fatalf("body = %s", raw)
	}
}

func TestRetCodeClassification(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{110072, core.ErrDuplicateOrder},
		{110017, core.ErrReduceOnlyRejected},
		{110007, core.ErrInsufficientBalance},
		{110001, core.ErrOrderNotFound},
	}
	for _, tc := range cases {
		code := tc.code
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"retCode": code, "retMsg": "nope", "result": map[string]any{}})
		})
		_, err := c.PlaceOrder(context.Background(), core.Order{Symbol: "BTCUSDT", Side: core.Buy, Type: core.Market, Slot: core.SlotLong, Qty: decimal.RequireFromString("1")})
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %d error = %v, want %v", code, err, tc.want)
		}
		if !IsRetCode(err, code) {
			t.Fatalf("code %d not preserved in %v", code, err)
		}
	}
}

func TestRetriesRateLimitCode(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = io.WriteString(w, `{"retCode":10006,"retMsg":"Too many visits!","result":{}}`)
			return
		}
		writeResult(w, `{"list":[{"symbol":"BTCUSDT","lastPrice":"60012.3"}]}`)
	})
	price, err := c.Ticker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Ticker() error = %v", err)
	}
	if !price.Equal(decimal.RequireFromString("60012.3")) || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("price=%s calls=%d", price, atomic.LoadInt32(&calls))
	}
}

func TestPostIsNotRetriedOnServerError(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})
	err := c.CancelOrder(context.Background(), "BTCUSDT", "x")
	if err == nil || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("CancelOrder() err=%v calls=%d", err, atomic.LoadInt32(&calls))
	}
}

func TestCandlesOldestFirst(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "240" {
			t.Errorf("interval = %s", r.URL.Query().Get("interval"))
		}
		writeResult(w, `{"list":[["1772380800000","3","4","2","3.5","10","0"],["1772366400000","1","2","0.5","1.5","20","0"]]}`)
	})
	candles, err := c.Candles(context.Background(), "BTCUSDT", exchange.Interval4h, 2)
	if err != nil {
		t.Fatalf("Candles() error = %v", err)
	}
	if len(candles) != 2 || !candles[0].OpenTime.Equal(fixedNow) || !candles[1].Close.Equal(decimal.RequireFromString("3.5")) {
		t.Fatalf("candles = %+v", candles)
	}
}

func TestQueryOrderFallsBackToHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/order/realtime":
			writeResult(w, `{"list":[]}`)
		case "/v5/order/history":
			if r.URL.Query().Get("orderId") == "gone" {
				writeResult(w, `{"list":[]}`)
				return
			}
			writeResult(w, `{"list":[{"orderId":"o1","symbol":"BTCUSDT","side":"Buy","orderType":"Limit","price":"60000","qty":"0.01","cumExecQty":"0.004","orderStatus":"PartiallyFilledCanceled","positionIdx":1}]}`)
		}
	})
	ord, err := c.QueryOrder(context.Background(), "BTCUSDT", "o1")
	if err != nil {
		t.Fatalf("QueryOrder() error = %v", err)
	}
	if ord.Status != core.OrderCanceled || !ord.Remaining().Equal(decimal.RequireFromString("0.006")) || ord.Slot != core.SlotLong {
		t.Fatalf("order = %+v", ord)
	}
	if _, err := c.QueryOrder(context.Background(), "BTCUSDT", "gone"); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("QueryOrder(gone) error = %v", err)
	}
}

func TestRulesAreCached(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("X-BAPI-SIGN") != "" {
			t.Errorf("public endpoint was signed")
		}
		writeResult(w, `{"list":[{"symbol":"BTCUSDT","priceFilter":{"tickSize":"0.10"},"lotSizeFilter":{"minOrderQty":"0.001","qtyStep":"0.001","minNotionalValue":"5"}}]}`)
	})
	for i := 0; i < 2; i++ {
		rules, err := c.GetRules(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("GetRules() error = %v", err)
		}
		if !rules.PriceTick.Equal(decimal.RequireFromString("0.1")) || !rules.MinNotional.Equal(decimal.NewFromInt(5)) {
			t.Fatalf("rules = %+v", rules)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestBalancesUnified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `{"list":[{"accountType":"UNIFIED","totalEquity":"10250.5","totalAvailableBalance":"8000"}]}`)
	})
	bal, err := c.Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances() error = %v", err)
	}
	if !bal.Total.Equal(decimal.RequireFromString("10250.5")) || !bal.Available.Equal(decimal.NewFromInt(8000)) {
		t.Fatalf("balance = %+v", bal)
	}
}
