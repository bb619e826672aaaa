package bybit

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
)

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "bybit api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type listResult[T any] struct {
	Category       string `json:"category"`
	List           []T    `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

type tickerEntry struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
}

type instrumentEntry struct {
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		MinOrderQty      string `json:"minOrderQty"`
		QtyStep          string `json:"qtyStep"`
		MinNotionalValue string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
}

type walletEntry struct {
	AccountType           string `json:"accountType"`
	TotalEquity           string `json:"totalEquity"`
	TotalAvailableBalance string `json:"totalAvailableBalance"`
	Coin                  []struct {
		Coin                string `json:"coin"`
		Equity              string `json:"equity"`
		WalletBalance       string `json:"walletBalance"`
		AvailableToWithdraw string `json:"availableToWithdraw"`
	} `json:"coin"`
}

type positionEntry struct {
	Symbol      string `json:"symbol"`
	PositionIdx int    `json:"positionIdx"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	AvgPrice    string `json:"avgPrice"`
	EntryPrice  string `json:"entryPrice"`
	UpdatedTime string `json:"updatedTime"`
}

type orderEntry struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	OrderStatus string `json:"orderStatus"`
	PositionIdx int    `json:"positionIdx"`
	ReduceOnly  bool   `json:"reduceOnly"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

type createOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce"`
	PositionIdx int    `json:"positionIdx"`
	ReduceOnly  bool   `json:"reduceOnly"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

type cancelOrderRequest struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"orderId"`
}

type orderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func venueSide(s core.Side) string {
	if s == core.Sell {
		return "Sell"
	}
	return "Buy"
}

func coreSide(s string) core.Side {
	if strings.EqualFold(s, "Sell") {
		return core.Sell
	}
	return core.Buy
}

func venueOrderType(t core.OrderType) string {
	if t == core.Market {
		return "Market"
	}
	return "Limit"
}

func coreOrderType(t string) core.OrderType {
	if strings.EqualFold(t, "Market") {
		return core.Market
	}
	return core.Limit
}

func coreStatus(s string) core.OrderStatus {
	switch s {
	case "New", "Created", "Untriggered":
		return core.OrderNew
	case "PartiallyFilled":
		return core.OrderPartiallyFilled
	case "Filled":
		return core.OrderFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return core.OrderCanceled
	case "Rejected":
		return core.OrderRejected
	}
	return core.OrderStatus(strings.ToUpper(s))
}

func (o orderEntry) order() core.Order {
	return core.Order{
		ID:         o.OrderID,
		ClientID:   o.OrderLinkID,
		Symbol:     o.Symbol,
		Side:       coreSide(o.Side),
		Type:       coreOrderType(o.OrderType),
		Price:      dec(o.Price),
		Qty:        dec(o.Qty),
		FilledQty:  dec(o.CumExecQty),
		Status:     coreStatus(o.OrderStatus),
		ReduceOnly: o.ReduceOnly,
		Slot:       core.PositionSlot(o.PositionIdx),
		CreatedAt:  msTime(o.CreatedTime),
		UpdatedAt:  msTime(o.UpdatedTime),
	}
}

// positions folds hedge-mode entries into both legs. Index 1 is the long
// leg and index 2 the short leg; one-way entries (index 0) use the side.
func positions(entries []positionEntry) core.Positions {
	var out core.Positions
	for _, p := range entries {
		size := dec(p.Size).Abs()
		if size.IsZero() {
			continue
		}
		avg := dec(p.AvgPrice)
		if avg.IsZero() {
			avg = dec(p.EntryPrice)
		}
		dir := core.Long
		switch {
		case p.PositionIdx == int(core.SlotShort):
			dir = core.Short
		case p.PositionIdx == 0 && strings.EqualFold(p.Side, "Sell"):
			dir = core.Short
		}
		out.Set(dir, core.Position{Qty: size, AvgPrice: avg, UpdatedAt: msTime(p.UpdatedTime)})
	}
	return out
}

func (w walletEntry) balance(coin string) core.Balance {
	total := dec(w.TotalEquity)
	avail := dec(w.TotalAvailableBalance)
	if total.IsZero() {
		for _, c := range w.Coin {
			if c.Coin == coin {
				total = dec(c.Equity)
				if total.IsZero() {
					total = dec(c.WalletBalance)
				}
				avail = dec(c.AvailableToWithdraw)
			}
		}
	}
	return core.Balance{Total: total, Available: avail}
}

func (i instrumentEntry) rules() core.Rules {
	return core.Rules{
		MinQty:      dec(i.LotSizeFilter.MinOrderQty),
		MinNotional: dec(i.LotSizeFilter.MinNotionalValue),
		PriceTick:   dec(i.PriceFilter.TickSize),
		QtyStep:     dec(i.LotSizeFilter.QtyStep),
	}
}
