package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wavebot/internal/core"
	"wavebot/internal/exchange"
	"wavebot/internal/intent"
)

const maxLinkIDLen = 36

type Config struct {
	Symbol         string
	Rules          core.Rules
	MakerTimeout   time.Duration
	TakerTimeout   time.Duration
	PollInterval   time.Duration
	CancelSettle   time.Duration
	SliceThreshold decimal.Decimal
	SliceCount     int
	SliceOffsetBps decimal.Decimal
	SliceDelay     time.Duration
	DedupTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Symbol:         "BTCUSDT",
		MakerTimeout:   60 * time.Second,
		TakerTimeout:   time.Second,
		PollInterval:   200 * time.Millisecond,
		CancelSettle:   50 * time.Millisecond,
		SliceThreshold: decimal.NewFromInt(5000),
		SliceCount:     5,
		SliceOffsetBps: decimal.NewFromInt(2),
		SliceDelay:     200 * time.Millisecond,
		DedupTTL:       15 * time.Second,
	}
}

// Recorder receives execution counters. Nil is allowed.
type Recorder interface {
	OrderPlaced(src core.Source, typ core.OrderType)
	OrderSkipped(reason string)
	MarketFallback(src core.Source)
	Reposted()
}

// Result describes what happened to one requested order.
type Result struct {
	Spec    core.OrderSpec
	Orders  []core.Order
	Filled  decimal.Decimal
	Pending bool
	Skipped string
	Err     error
}

type pendingOrder struct {
	spec     core.OrderSpec
	order    core.Order
	deadline time.Time
}

type fingerprint struct {
	side       core.Side
	price      string
	slot       core.PositionSlot
	reduceOnly bool
}

// Executor turns order specs into exchange orders. It is driven from the
// tick goroutine only and is not safe for concurrent use.
type Executor struct {
	cfg      Config
	ex       exchange.Exchange
	intents  *intent.Registry
	clock    Clock
	recorder Recorder
	recent   map[fingerprint]time.Time
	pending  map[string]*pendingOrder
	newID    func() string
}

func NewExecutor(cfg Config, ex exchange.Exchange, intents *intent.Registry, clock Clock) *Executor {
	def := DefaultConfig()
	if cfg.MakerTimeout <= 0 {
		cfg.MakerTimeout = def.MakerTimeout
	}
	if cfg.TakerTimeout <= 0 {
		cfg.TakerTimeout = def.TakerTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CancelSettle < 0 {
		cfg.CancelSettle = 0
	}
	if cfg.SliceThreshold.Cmp(decimal.Zero) <= 0 {
		cfg.SliceThreshold = def.SliceThreshold
	}
	if cfg.SliceCount <= 0 {
		cfg.SliceCount = def.SliceCount
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Executor{
		cfg:     cfg,
		ex:      ex,
		intents: intents,
		clock:   clock,
		recent:  make(map[fingerprint]time.Time),
		pending: make(map[string]*pendingOrder),
		newID:   func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

func (e *Executor) SetRecorder(r Recorder) {
	e.recorder = r
}

func (e *Executor) SetRules(rules core.Rules) {
	e.cfg.Rules = rules
}

// Execute runs every spec in order. Open orders are read once for the
// duplicate guard; a failed read only disables that half of the guard.
func (e *Executor) Execute(ctx context.Context, specs []core.OrderSpec) []Result {
	if len(specs) == 0 {
		return nil
	}
	open := e.openFingerprints(ctx)
	results := make([]Result, 0, len(specs))
	for _, spec := range specs {
		if ctx.Err() != nil {
			results = append(results, Result{Spec: spec, Err: ctx.Err()})
			continue
		}
		results = append(results, e.executeOne(ctx, spec, open))
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, spec core.OrderSpec, open map[fingerprint]struct{}) Result {
	res := Result{Spec: spec}
	normalized, err := core.NormalizeOrder(spec.Order(e.cfg.Symbol), e.cfg.Rules)
	if err != nil {
		return e.skip(res, "normalize", err)
	}
	if err := core.ValidateSlot(normalized); err != nil {
		log.Printf("level=ERROR event=order_slot_mismatch tag=%s side=%s slot=%d reduce_only=%t", spec.Tag, spec.Side, spec.Slot, spec.ReduceOnly)
		return e.skip(res, "slot_mismatch", err)
	}
	spec.Price = normalized.Price
	spec.Qty = normalized.Qty
	res.Spec = spec

	fp := e.fingerprint(spec)
	now := e.clock.Now()
	if _, ok := open[fp]; ok {
		return e.skip(res, "duplicate_open", nil)
	}
	if e.recentHit(fp, now) {
		return e.skip(res, "duplicate_recent", nil)
	}
	e.recent[fp] = now
	open[fp] = struct{}{}

	pieces := e.slices(spec)
	if len(pieces) > 1 {
		log.Printf("level=INFO event=order_sliced tag=%s slices=%d notional=%s", spec.Tag, len(pieces), spec.Notional().StringFixed(2))
	}
	res.Filled = decimal.Zero
	for i, piece := range pieces {
		if i > 0 {
			if err := e.clock.Sleep(ctx, e.cfg.SliceDelay); err != nil {
				res.Err = err
				return res
			}
		}
		part := e.single(ctx, piece)
		res.Orders = append(res.Orders, part.Orders...)
		res.Filled = res.Filled.Add(part.Filled)
		res.Pending = res.Pending || part.Pending
		if part.Err != nil {
			res.Err = errors.Join(res.Err, part.Err)
		}
	}
	if res.Err != nil && len(res.Orders) == 0 {
		// Nothing reached the venue; the next tick may retry it.
		delete(e.recent, fp)
	}
	return res
}

func (e *Executor) skip(res Result, reason string, err error) Result {
	res.Skipped = reason
	res.Err = err
	if err != nil {
		log.Printf("level=WARN event=order_skipped reason=%s tag=%s side=%s price=%s qty=%s err=%q", reason, res.Spec.Tag, res.Spec.Side, res.Spec.Price, res.Spec.Qty, err)
	} else {
		log.Printf("level=INFO event=order_skipped reason=%s tag=%s side=%s price=%s qty=%s", reason, res.Spec.Tag, res.Spec.Side, res.Spec.Price, res.Spec.Qty)
	}
	if e.recorder != nil {
		e.recorder.OrderSkipped(reason)
	}
	return res
}

// single runs the limit -> timeout -> cancel -> complete protocol for one
// order or slice.
func (e *Executor) single(ctx context.Context, spec core.OrderSpec) Result {
	res := Result{Spec: spec, Filled: decimal.Zero}
	if spec.Type == core.Market {
		ord, err := e.place(ctx, spec, core.Market, spec.Qty)
		if err != nil {
			res.Err = err
			return res
		}
		res.Orders = append(res.Orders, ord)
		res.Filled = ord.FilledQty
		return res
	}

	ord, err := e.place(ctx, spec, core.Limit, spec.Qty)
	if err != nil {
		if spec.Mode != core.ModeAggressive {
			log.Printf("level=WARN event=order_dropped tag=%s mode=%s err=%q", spec.Tag, spec.Mode, err)
			res.Err = err
			return res
		}
		log.Printf("level=WARN event=order_market_fallback tag=%s reason=limit_rejected err=%q", spec.Tag, err)
		if e.recorder != nil {
			e.recorder.MarketFallback(spec.Source)
		}
		mkt, mErr := e.place(ctx, spec, core.Market, spec.Qty)
		if mErr != nil {
			res.Err = errors.Join(err, mErr)
			return res
		}
		res.Orders = append(res.Orders, mkt)
		res.Filled = mkt.FilledQty
		return res
	}
	res.Orders = append(res.Orders, ord)

	if spec.Mode != core.ModeAggressive {
		e.pending[ord.ID] = &pendingOrder{spec: spec, order: ord, deadline: e.clock.Now().Add(e.cfg.MakerTimeout)}
		res.Pending = true
		return res
	}

	filled, err := e.await(ctx, ord, e.clock.Now().Add(e.cfg.TakerTimeout))
	if err != nil {
		res.Err = err
		return res
	}
	if filled.GreaterThanOrEqual(ord.Qty) {
		res.Filled = filled
		return res
	}
	filled = e.cancelRemainder(ctx, ord, filled)
	res.Filled = filled
	remaining := ord.Qty.Sub(filled)
	if !remaining.IsPositive() {
		return res
	}
	if err := e.clock.Sleep(ctx, e.cfg.CancelSettle); err != nil {
		res.Err = err
		return res
	}
	if e.recorder != nil {
		e.recorder.MarketFallback(spec.Source)
	}
	log.Printf("level=INFO event=order_market_fallback tag=%s reason=timeout remaining=%s", spec.Tag, remaining)
	mkt, err := e.place(ctx, spec, core.Market, remaining)
	if err != nil {
		res.Err = err
		return res
	}
	res.Orders = append(res.Orders, mkt)
	res.Filled = res.Filled.Add(mkt.FilledQty)
	return res
}

// await polls the order until it is fully filled or the deadline passes.
func (e *Executor) await(ctx context.Context, ord core.Order, deadline time.Time) (decimal.Decimal, error) {
	filled := decimal.Zero
	for {
		now := e.clock.Now()
		if !now.Before(deadline) {
			return filled, nil
		}
		wait := e.cfg.PollInterval
		if rem := deadline.Sub(now); rem < wait {
			wait = rem
		}
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return filled, err
		}
		status, err := e.ex.QueryOrder(ctx, e.cfg.Symbol, ord.ID)
		if err != nil {
			log.Printf("level=WARN event=order_query_failed order_id=%s err=%q", ord.ID, err)
			continue
		}
		filled = status.FilledQty
		if filled.GreaterThanOrEqual(ord.Qty) || !status.Open() {
			return filled, nil
		}
	}
}

// cancelRemainder cancels a resting order and returns its final filled qty.
func (e *Executor) cancelRemainder(ctx context.Context, ord core.Order, filled decimal.Decimal) decimal.Decimal {
	if err := e.ex.CancelOrder(ctx, e.cfg.Symbol, ord.ID); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
		log.Printf("level=WARN event=order_cancel_failed order_id=%s err=%q", ord.ID, err)
	}
	status, err := e.ex.QueryOrder(ctx, e.cfg.Symbol, ord.ID)
	if err != nil {
		return filled
	}
	if status.FilledQty.GreaterThan(filled) {
		return status.FilledQty
	}
	return filled
}

func (e *Executor) place(ctx context.Context, spec core.OrderSpec, typ core.OrderType, qty decimal.Decimal) (core.Order, error) {
	order := spec.Order(e.cfg.Symbol)
	order.Type = typ
	order.Qty = qty
	order.ClientID = e.linkID(spec.Tag)
	placed, err := e.ex.PlaceOrder(ctx, order)
	if err != nil {
		return core.Order{}, fmt.Errorf("place %s %s: %w", typ, spec.Tag, err)
	}
	if placed.ClientID == "" {
		placed.ClientID = order.ClientID
	}
	if placed.Tag == "" {
		placed.Tag = spec.Tag
	}
	if e.intents != nil {
		e.intents.Register(ctx, placed.ID, placed.ClientID, spec.Source, spec.Tag)
	}
	if e.recorder != nil {
		e.recorder.OrderPlaced(spec.Source, typ)
	}
	log.Printf("level=INFO event=order_placed order_id=%s link_id=%s type=%s side=%s slot=%d reduce_only=%t price=%s qty=%s source=%s mode=%s",
		placed.ID, placed.ClientID, typ, spec.Side, spec.Slot, spec.ReduceOnly, placed.Price, qty, spec.Source, spec.Mode)
	return placed, nil
}

// Service handles maker orders whose timeout elapsed: the filled part is
// kept, the remainder is canceled and reposted at the same price.
func (e *Executor) Service(ctx context.Context) []Result {
	if len(e.pending) == 0 {
		return nil
	}
	now := e.clock.Now()
	ids := make([]string, 0, len(e.pending))
	for id, p := range e.pending {
		if !now.Before(p.deadline) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		p := e.pending[id]
		delete(e.pending, id)
		res := Result{Spec: p.spec, Filled: decimal.Zero}

		status, err := e.ex.QueryOrder(ctx, e.cfg.Symbol, id)
		if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			// Unknown state: try again next cycle rather than double the order.
			e.pending[id] = p
			log.Printf("level=WARN event=order_query_failed order_id=%s err=%q", id, err)
			continue
		}
		if err == nil {
			res.Filled = status.FilledQty
			if res.Filled.GreaterThanOrEqual(p.order.Qty) || status.Status == core.OrderFilled {
				results = append(results, res)
				continue
			}
			if status.Open() {
				res.Filled = e.cancelRemainder(ctx, p.order, res.Filled)
			}
		}
		remaining := p.order.Qty.Sub(res.Filled)
		if !remaining.IsPositive() {
			results = append(results, res)
			continue
		}
		ord, err := e.place(ctx, p.spec, core.Limit, remaining)
		if err != nil {
			log.Printf("level=WARN event=order_repost_failed order_id=%s tag=%s err=%q", id, p.spec.Tag, err)
			res.Err = err
			results = append(results, res)
			continue
		}
		if e.recorder != nil {
			e.recorder.Reposted()
		}
		log.Printf("level=INFO event=order_reposted old_order_id=%s order_id=%s price=%s qty=%s", id, ord.ID, ord.Price, remaining)
		e.pending[ord.ID] = &pendingOrder{spec: p.spec, order: ord, deadline: e.clock.Now().Add(e.cfg.MakerTimeout)}
		res.Orders = append(res.Orders, ord)
		res.Pending = true
		results = append(results, res)
	}
	return results
}

// Pending returns the maker orders awaiting their repost check.
func (e *Executor) Pending() []core.Order {
	out := make([]core.Order, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CancelPending cancels every tracked maker order. Used when the grid the
// orders belong to is replaced.
func (e *Executor) CancelPending(ctx context.Context) int {
	n := 0
	for id := range e.pending {
		if err := e.ex.CancelOrder(ctx, e.cfg.Symbol, id); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			log.Printf("level=WARN event=order_cancel_failed order_id=%s err=%q", id, err)
			continue
		}
		delete(e.pending, id)
		n++
	}
	return n
}

// slices splits a large order into equal parts around its price. The last
// part absorbs the rounding so the total is unchanged.
func (e *Executor) slices(spec core.OrderSpec) []core.OrderSpec {
	n := e.cfg.SliceCount
	if n < 2 || spec.Notional().LessThan(e.cfg.SliceThreshold) {
		return []core.OrderSpec{spec}
	}
	each := core.RoundDown(spec.Qty.Div(decimal.NewFromInt(int64(n))), e.cfg.Rules.QtyStep)
	if !each.IsPositive() || (e.cfg.Rules.MinQty.IsPositive() && each.LessThan(e.cfg.Rules.MinQty)) {
		return []core.OrderSpec{spec}
	}
	offset := spec.Price.Mul(e.cfg.SliceOffsetBps).Div(decimal.NewFromInt(10000))
	out := make([]core.OrderSpec, 0, n)
	assigned := decimal.Zero
	for i := 0; i < n; i++ {
		piece := spec
		piece.Qty = each
		if i == n-1 {
			piece.Qty = spec.Qty.Sub(assigned)
		}
		assigned = assigned.Add(piece.Qty)
		if spec.Type == core.Limit {
			step := decimal.NewFromInt(int64(i - n/2))
			piece.Price = core.RoundToStep(spec.Price.Add(offset.Mul(step)), e.cfg.Rules.PriceTick)
		}
		out = append(out, piece)
	}
	return out
}

func (e *Executor) fingerprint(spec core.OrderSpec) fingerprint {
	price := ""
	if spec.Type == core.Limit {
		price = core.RoundToStep(spec.Price, e.cfg.Rules.PriceTick).String()
	}
	return fingerprint{side: spec.Side, price: price, slot: spec.Slot, reduceOnly: spec.ReduceOnly}
}

func (e *Executor) openFingerprints(ctx context.Context) map[fingerprint]struct{} {
	out := make(map[fingerprint]struct{})
	open, err := e.ex.OpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		log.Printf("level=WARN event=open_orders_failed err=%q", err)
		return out
	}
	for _, ord := range open {
		if ord.Type == core.Market || !ord.Price.IsPositive() || !ord.Slot.Valid() {
			continue
		}
		out[e.fingerprint(core.OrderSpec{Side: ord.Side, Type: core.Limit, Price: ord.Price, Slot: ord.Slot, ReduceOnly: ord.ReduceOnly})] = struct{}{}
	}
	return out
}

func (e *Executor) recentHit(fp fingerprint, now time.Time) bool {
	for key, at := range e.recent {
		if now.Sub(at) >= e.cfg.DedupTTL {
			delete(e.recent, key)
		}
	}
	_, ok := e.recent[fp]
	return ok
}

// linkID is the tag plus a random suffix, within the venue's 36 char limit.
func (e *Executor) linkID(tag string) string {
	tag = strings.TrimSpace(tag)
	if len(tag) > maxLinkIDLen-9 {
		tag = tag[:maxLinkIDLen-9]
	}
	suffix := e.newID()
	room := maxLinkIDLen - len(tag)
	if tag != "" {
		room--
	}
	if len(suffix) > room {
		suffix = suffix[:room]
	}
	if tag == "" {
		return suffix
	}
	return tag + "_" + suffix
}
