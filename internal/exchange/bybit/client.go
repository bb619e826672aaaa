package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"wavebot/internal/core"
	"wavebot/internal/exchange"
)

const (
	defaultRestBaseURL = "https://api.bybit.com"
	defaultRecvWindow  = 5 * time.Second
	maxRetries         = 3
	settleCoin         = "USDT"
)

type Options struct {
	APIKey         string
	APISecret      string
	RestBaseURL    string
	WSBaseURL      string
	Category       string
	RecvWindow     time.Duration
	HTTPTimeout    time.Duration
	RequestsPerSec int
	PingInterval   time.Duration
	RetryWait      time.Duration
	Now            func() time.Time
}

// Client is the Bybit v5 REST adapter for linear perpetuals in hedge mode.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	wsBaseURL  string
	category   string
	recvWindow time.Duration
	ping       time.Duration
	retryWait  time.Duration
	now        func() time.Time

	httpClient *http.Client
	limiter    *rate.Limiter

	mu        sync.Mutex
	ruleCache map[string]core.Rules
}

func NewClient(opts Options) *Client {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	recv := opts.RecvWindow
	if recv <= 0 {
		recv = defaultRecvWindow
	}
	perSec := opts.RequestsPerSec
	if perSec <= 0 {
		perSec = 10
	}
	base := strings.TrimRight(opts.RestBaseURL, "/")
	if base == "" {
		base = defaultRestBaseURL
	}
	category := opts.Category
	if category == "" {
		category = "linear"
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 20 * time.Second
	}
	retryWait := opts.RetryWait
	if retryWait <= 0 {
		retryWait = 250 * time.Millisecond
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		baseURL:    base,
		wsBaseURL:  strings.TrimSpace(opts.WSBaseURL),
		category:   category,
		recvWindow: recv,
		ping:       ping,
		retryWait:  retryWait,
		now:        now,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(perSec), perSec),
		ruleCache:  make(map[string]core.Rules),
	}
}

var _ exchange.Exchange = (*Client)(nil)

func (c *Client) Name() string { return "bybit" }

func (c *Client) GetRules(ctx context.Context, symbol string) (core.Rules, error) {
	c.mu.Lock()
	if rules, ok := c.ruleCache[symbol]; ok {
		c.mu.Unlock()
		return rules, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	var res listResult[instrumentEntry]
	if err := c.do(ctx, http.MethodGet, "/v5/market/instruments-info", params, nil, false, &res); err != nil {
		return core.Rules{}, err
	}
	if len(res.List) == 0 {
		return core.Rules{}, fmt.Errorf("bybit: instrument %s not found", symbol)
	}
	rules := res.List[0].rules()
	c.mu.Lock()
	c.ruleCache[symbol] = rules
	c.mu.Unlock()
	return rules, nil
}

func (c *Client) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	var res listResult[tickerEntry]
	if err := c.do(ctx, http.MethodGet, "/v5/market/tickers", params, nil, false, &res); err != nil {
		return decimal.Zero, err
	}
	if len(res.List) == 0 {
		return decimal.Zero, fmt.Errorf("bybit: no ticker for %s", symbol)
	}
	price := dec(res.List[0].LastPrice)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("bybit: invalid last price %q", res.List[0].LastPrice)
	}
	return price, nil
}

func klineInterval(iv exchange.Interval) (string, error) {
	switch iv {
	case exchange.Interval1m:
		return "1", nil
	case exchange.Interval4h:
		return "240", nil
	}
	return "", fmt.Errorf("bybit: unsupported interval %q", iv)
}

// Candles returns oldest first. The venue lists newest first and includes
// the candle still forming.
func (c *Client) Candles(ctx context.Context, symbol string, interval exchange.Interval, limit int) ([]core.Candle, error) {
	iv, err := klineInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("interval", iv)
	params.Set("limit", strconv.Itoa(limit))
	var res listResult[[]string]
	if err := c.do(ctx, http.MethodGet, "/v5/market/kline", params, nil, false, &res); err != nil {
		return nil, err
	}
	out := make([]core.Candle, 0, len(res.List))
	for _, row := range res.List {
		if len(row) < 6 {
			continue
		}
		out = append(out, core.Candle{
			OpenTime: msTime(row[0]),
			Open:     dec(row[1]),
			High:     dec(row[2]),
			Low:      dec(row[3]),
			Close:    dec(row[4]),
			Volume:   dec(row[5]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (c *Client) Balances(ctx context.Context) (core.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	var res listResult[walletEntry]
	if err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, true, &res); err != nil {
		return core.Balance{}, err
	}
	if len(res.List) == 0 {
		return core.Balance{}, errors.New("bybit: empty wallet balance")
	}
	return res.List[0].balance(settleCoin), nil
}

func (c *Client) Positions(ctx context.Context, symbol string) (core.Positions, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	var res listResult[positionEntry]
	if err := c.do(ctx, http.MethodGet, "/v5/position/list", params, nil, true, &res); err != nil {
		return core.Positions{}, err
	}
	return positions(res.List), nil
}

func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if !order.Slot.Valid() {
		return core.Order{}, core.ErrInvalidOrder
	}
	req := createOrderRequest{
		Category:    c.category,
		Symbol:      order.Symbol,
		Side:        venueSide(order.Side),
		OrderType:   venueOrderType(order.Type),
		Qty:         order.Qty.String(),
		TimeInForce: "GTC",
		PositionIdx: int(order.Slot),
		ReduceOnly:  order.ReduceOnly,
		OrderLinkID: order.ClientID,
	}
	if order.Type == core.Market {
		req.TimeInForce = "IOC"
	} else {
		req.Price = order.Price.String()
	}
	var ack orderAck
	if err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, req, true, &ack); err != nil {
		return core.Order{}, err
	}
	now := c.now().UTC()
	order.ID = ack.OrderID
	if ack.OrderLinkID != "" {
		order.ClientID = ack.OrderLinkID
	}
	order.Status = core.OrderNew
	order.FilledQty = decimal.Zero
	order.CreatedAt = now
	order.UpdatedAt = now
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	req := cancelOrderRequest{Category: c.category, Symbol: symbol, OrderID: orderID}
	var ack orderAck
	return c.do(ctx, http.MethodPost, "/v5/order/cancel", nil, req, true, &ack)
}

// QueryOrder looks in the realtime book first, then in history for orders
// that left it.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		params := url.Values{}
		params.Set("category", c.category)
		params.Set("symbol", symbol)
		params.Set("orderId", orderID)
		var res listResult[orderEntry]
		if err := c.do(ctx, http.MethodGet, path, params, nil, true, &res); err != nil {
			return core.Order{}, err
		}
		for _, o := range res.List {
			if o.OrderID == orderID {
				return o.order(), nil
			}
		}
	}
	return core.Order{}, fmt.Errorf("bybit: order %s: %w", orderID, core.ErrOrderNotFound)
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	var out []core.Order
	cursor := ""
	for page := 0; page < 20; page++ {
		params := url.Values{}
		params.Set("category", c.category)
		params.Set("symbol", symbol)
		params.Set("openOnly", "0")
		params.Set("limit", "50")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var res listResult[orderEntry]
		if err := c.do(ctx, http.MethodGet, "/v5/order/realtime", params, nil, true, &res); err != nil {
			return nil, err
		}
		for _, o := range res.List {
			ord := o.order()
			if ord.Open() {
				out = append(out, ord)
			}
		}
		if res.NextPageCursor == "" || len(res.List) == 0 {
			break
		}
		cursor = res.NextPageCursor
	}
	return out, nil
}

// do sends one request. Reads are retried on transport errors, 429 and 5xx;
// every method is retried on retCode 10006 since the venue did not process
// the call.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, signed bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bybit: marshal %s: %w", path, err)
		}
	}
	query := ""
	if params != nil {
		query = params.Encode()
	}
	idempotent := method == http.MethodGet

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("bybit: rate limiter: %w", err)
		}
		status, raw, err := c.roundTrip(ctx, method, path, query, payload, signed)
		if err != nil {
			lastErr = err
			if idempotent && ctx.Err() == nil {
				continue
			}
			return err
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("bybit http error %d: %s", status, strings.TrimSpace(string(raw)))
			if status == http.StatusTooManyRequests {
				lastErr = errors.Join(lastErr, core.ErrRateLimited)
			}
			if idempotent {
				continue
			}
			return lastErr
		}
		if status/100 != 2 {
			return fmt.Errorf("bybit http error %d: %s", status, strings.TrimSpace(string(raw)))
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("bybit: decode %s: %w", path, err)
		}
		if env.RetCode != retOK {
			lastErr = classify(env.RetCode, env.RetMsg)
			if env.RetCode == retTooManyVisits {
				continue
			}
			return lastErr
		}
		if out == nil || len(env.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("bybit: decode %s result: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("bybit: %s failed after %d retries: %w", path, maxRetries, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, method, path, query string, payload []byte, signed bool) (int, []byte, error) {
	target := c.baseURL + path
	if query != "" {
		target += "?" + query
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.apiKey == "" || c.apiSecret == "" {
			return 0, nil, errors.New("bybit: api_key/api_secret required")
		}
		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		recv := strconv.FormatInt(c.recvWindow.Milliseconds(), 10)
		signPayload := query
		if payload != nil {
			signPayload = string(payload)
		}
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recv)
		req.Header.Set("X-BAPI-SIGN", sign(c.apiSecret, ts+c.apiKey+recv+signPayload))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	wait := c.retryWait << (attempt - 1)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
