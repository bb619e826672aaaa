package wave

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/alert"
	"wavebot/internal/capital"
	"wavebot/internal/core"
	"wavebot/internal/escape"
	"wavebot/internal/exchange"
	"wavebot/internal/execution"
	"wavebot/internal/grid"
	"wavebot/internal/intent"
	"wavebot/internal/market"
	"wavebot/internal/risk"
	"wavebot/internal/state"
	"wavebot/internal/store"
)

var ErrNoBalance = errors.New("no balance to seed a wave")

type Config struct {
	Symbol            string
	SafeFactor        decimal.Decimal
	GapATRFactor      decimal.Decimal
	GapFloor          decimal.Decimal
	ATRPeriod         int
	FlatDebounceTicks int
	RecenterIdle      time.Duration
	RecenterMinLine   int
	StreamMaxAge      time.Duration
	RiskCandles       int
}

func DefaultConfig() Config {
	return Config{
		Symbol:            "BTCUSDT",
		SafeFactor:        decimal.NewFromInt(1),
		GapATRFactor:      decimal.RequireFromString("0.15"),
		GapFloor:          decimal.NewFromInt(100),
		ATRPeriod:         42,
		FlatDebounceTicks: 2,
		RecenterIdle:      2 * time.Hour,
		RecenterMinLine:   6,
		StreamMaxAge:      5 * time.Second,
		RiskCandles:       30,
	}
}

// Recorder receives wave level observations. metrics.Metrics implements it.
type Recorder interface {
	WaveStarted()
	EscapeEvent(event string, dir core.Direction)
	FillRecorded(src core.Source)
	ObserveWave(st state.State, pos core.Positions, line int)
	PendingMaker(n int)
	TickDone(result string)
	CircuitState(action, st string)
}

type nopRecorder struct{}

func (nopRecorder) WaveStarted() {}
func (nopRecorder) EscapeEvent(string, core.Direction) {}
func (nopRecorder) FillRecorded(core.Source) {}
func (nopRecorder) ObserveWave(state.State, core.Positions, int) {}
func (nopRecorder) PendingMaker(int) {}
func (nopRecorder) TickDone(string) {}
func (nopRecorder) CircuitState(string, string) {}

type Deps struct {
	Exchange exchange.Exchange
	// Cache is the streamed account view. Nil means REST on every tick.
	Cache    *exchange.Cache
	Executor *execution.Executor
	Grid     *grid.Engine
	Escape   *escape.Engine
	Gate     *risk.Gate
	Store    store.Persister
	Intents  *intent.Registry
	Clock    execution.Clock
	Alerts   alert.Alerter
	Recorder Recorder
}

// Orchestrator owns the wave state and runs one decision tick at a time.
// It is driven from a single goroutine.
type Orchestrator struct {
	cfg  Config
	deps Deps
	st   state.State

	filled       map[string]decimal.Decimal
	restFallback bool
}

// TickReport summarizes one tick for the runner and tests.
type TickReport struct {
	Price    decimal.Decimal
	Line     int
	Skipped  string
	Started  bool
	Recenter bool
	FullExit bool
	Risk     risk.Decision
	Results  []execution.Result
}

func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.SafeFactor.Cmp(decimal.Zero) <= 0 {
		cfg.SafeFactor = def.SafeFactor
	}
	if cfg.GapATRFactor.Cmp(decimal.Zero) <= 0 {
		cfg.GapATRFactor = def.GapATRFactor
	}
	if cfg.GapFloor.Cmp(decimal.Zero) <= 0 {
		cfg.GapFloor = def.GapFloor
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = def.ATRPeriod
	}
	if cfg.FlatDebounceTicks <= 0 {
		cfg.FlatDebounceTicks = def.FlatDebounceTicks
	}
	if cfg.RecenterIdle <= 0 {
		cfg.RecenterIdle = def.RecenterIdle
	}
	if cfg.RecenterMinLine <= 0 {
		cfg.RecenterMinLine = def.RecenterMinLine
	}
	if cfg.StreamMaxAge <= 0 {
		cfg.StreamMaxAge = def.StreamMaxAge
	}
	if cfg.RiskCandles <= 0 {
		cfg.RiskCandles = def.RiskCandles
	}
	if deps.Clock == nil {
		deps.Clock = execution.SystemClock{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Gate == nil {
		deps.Gate = risk.NewGate(risk.DefaultConfig())
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		st:     state.Default(),
		filled: make(map[string]decimal.Decimal),
	}
}

func (o *Orchestrator) Restore(st state.State) {
	o.st = st
}

func (o *Orchestrator) State() state.State {
	return o.st
}

func (o *Orchestrator) lines() grid.Lines {
	return grid.Lines{Center: o.st.Center, Gap: o.st.Gap}
}

// Tick runs one decision cycle: account refresh, lifecycle, risk, escape,
// grid, execution and a single state write.
func (o *Orchestrator) Tick(ctx context.Context) (TickReport, error) {
	now := o.deps.Clock.Now()
	var rep TickReport

	price, err := o.deps.Exchange.Ticker(ctx, o.cfg.Symbol)
	if err != nil || !price.IsPositive() {
		rep.Skipped = "no_price"
		log.Printf("level=WARN event=tick_skipped reason=no_price wave_id=%d mode=%s err=%q", o.st.WaveID, o.st.Mode, errText(err))
		return rep, nil
	}
	rep.Price = price

	pos, bal, err := o.account(ctx, now)
	if err != nil {
		rep.Skipped = "no_positions"
		log.Printf("level=WARN event=tick_skipped reason=no_positions wave_id=%d mode=%s price=%s err=%q", o.st.WaveID, o.st.Mode, price, err)
		return rep, nil
	}
	o.ingestStreamed(ctx, now)
	o.reconcile(pos, price, now)

	started, recenter, err := o.lifecycle(ctx, now, price, pos, bal)
	if err != nil {
		return rep, err
	}
	rep.Started, rep.Recenter = started, recenter
	line := o.lines().IndexForPrice(price)
	rep.Line = line

	rep.Risk = o.evaluateRisk(ctx, now, price, line)

	escDec := o.deps.Escape.Evaluate(escape.Input{
		Now:       now,
		Price:     price,
		PrevPrice: o.st.LastPrice,
		Lines:     o.lines(),
		Positions: pos,
		Long:      o.st.Long,
		Short:     o.st.Short,
		Mode:      o.st.Mode,
		Available: bal.Available,
	})
	o.reportEscape(escDec, price, line)
	escDelta := escDec.Delta
	if len(escDec.Orders) > 0 {
		results := o.execute(ctx, escDec.Orders, now)
		rep.Results = append(rep.Results, results...)
		escDelta = o.settle("escape", escDelta, escDec.Requires, results)
	}
	if escDec.FullExit {
		rep.FullExit = true
		for _, dir := range []core.Direction{core.Long, core.Short} {
			sd := escDelta.Side(dir)
			sd.LastLine = state.IntPtr(line)
			escDelta.SetSide(dir, sd)
		}
		if err := o.st.Apply(escDelta); err != nil {
			log.Printf("level=ERROR event=state_delta_rejected stage=full_exit wave_id=%d err=%q", o.st.WaveID, err)
		}
		o.st.SyncEscapeMode()
		log.Printf("level=WARN event=full_exit wave_id=%d mode=%s price=%s line=%d", o.st.WaveID, o.st.Mode, price, line)
		return rep, o.finish(now, price, pos, bal, line)
	}

	preview := o.st
	_ = preview.Apply(escDelta)
	locked := preview.EscapeActive()

	gridDec := o.deps.Grid.Evaluate(grid.Input{
		WaveID:       o.st.WaveID,
		Price:        price,
		Lines:        o.lines(),
		PrevLine:     o.st.Long.LastLine,
		Positions:    pos,
		Long:         o.st.Long,
		Short:        o.st.Short,
		TotalBalance: bal.Total,
		AllowEntries: rep.Risk.AllowEntries && !locked,
		AllowTP:      rep.Risk.AllowTP && !locked,
	})
	for _, skip := range gridDec.Skips {
		log.Printf("level=INFO event=grid_skip wave_id=%d dir=%s kind=%s line=%d reason=%s price=%s", o.st.WaveID, skip.Dir, skip.Kind, skip.Line, skip.Reason, price)
	}
	gridDelta := gridDec.Delta
	if len(gridDec.Orders) > 0 {
		results := o.execute(ctx, gridDec.Orders, now)
		rep.Results = append(rep.Results, results...)
		gridDelta = o.settle("grid", gridDelta, gridDec.Requires, results)
	}
	rep.Results = append(rep.Results, o.afterExecute(ctx, o.deps.Executor.Service(ctx), now)...)

	if err := o.st.Apply(state.Merge(gridDelta, escDelta)); err != nil {
		log.Printf("level=ERROR event=state_delta_rejected stage=merge wave_id=%d mode=%s price=%s line=%d err=%q", o.st.WaveID, o.st.Mode, price, line, err)
	}
	o.st.SyncEscapeMode()
	return rep, o.finish(now, price, pos, bal, line)
}

// account prefers the streamed view and falls back to REST when it is stale.
// A failed balance read keeps the last known balance.
func (o *Orchestrator) account(ctx context.Context, now time.Time) (core.Positions, core.Balance, error) {
	var (
		pos    core.Positions
		bal    core.Balance
		posOK  bool
		balOK  bool
		source = "stream"
	)
	if o.deps.Cache != nil {
		pos, posOK = o.deps.Cache.Positions(now, o.cfg.StreamMaxAge)
		bal, balOK = o.deps.Cache.Balance(now, o.cfg.StreamMaxAge)
	}
	if !posOK {
		source = "rest"
		p, err := o.deps.Exchange.Positions(ctx, o.cfg.Symbol)
		if err != nil {
			return core.Positions{}, core.Balance{}, fmt.Errorf("positions: %w", err)
		}
		pos = p
	}
	if !balOK {
		b, err := o.deps.Exchange.Balances(ctx)
		if err != nil {
			log.Printf("level=WARN event=balance_unavailable wave_id=%d err=%q", o.st.WaveID, err)
			b = core.Balance{Total: o.st.TotalBalance, Available: o.st.FreeBalance}
		}
		bal = b
	}
	if o.deps.Cache != nil && (source == "rest") != o.restFallback {
		o.restFallback = source == "rest"
		log.Printf("level=INFO event=account_source_changed source=%s wave_id=%d max_age=%s", source, o.st.WaveID, o.cfg.StreamMaxAge)
	}
	return pos, bal, nil
}

func (o *Orchestrator) ingestStreamed(ctx context.Context, now time.Time) {
	if o.deps.Cache == nil {
		return
	}
	for _, ord := range o.deps.Cache.DrainOrders() {
		if o.deps.Intents != nil {
			o.deps.Intents.Ingest(ctx, ord)
		}
		o.recordFill(ord, now)
	}
}

// reconcile folds the latest positions into each direction: full closes
// reset k and line memory, PnL sign changes may clear line memory.
func (o *Orchestrator) reconcile(pos core.Positions, price decimal.Decimal, now time.Time) {
	for _, dir := range []core.Direction{core.Long, core.Short} {
		side := o.st.Side(dir)
		p := pos.Get(dir)
		if !p.Qty.Equal(side.PrevQty) {
			o.st.LastFillAt = now
		}
		sd, res := grid.Reconcile(side, p.Qty, core.PnL(dir, p, price))
		switch {
		case res.FullClose:
			log.Printf("level=INFO event=direction_reset wave_id=%d dir=%s k=%d price=%s", o.st.WaveID, dir, side.K, price)
		case res.Reset:
			log.Printf("level=INFO event=line_memory_cleared wave_id=%d dir=%s reason=pnl_turned_negative lines=%v", o.st.WaveID, dir, side.LineMemory)
		}
		if sd.Empty() {
			continue
		}
		var d state.Delta
		d.SetSide(dir, sd)
		if err := o.st.Apply(d); err != nil {
			log.Printf("level=ERROR event=state_delta_rejected stage=reconcile wave_id=%d dir=%s err=%q", o.st.WaveID, dir, err)
		}
	}
}

// lifecycle ends a wave after the flat debounce and starts the next one.
// The first wave starts as soon as the account is flat; later waves only
// recenter after a fill-free idle period with price far from the center.
func (o *Orchestrator) lifecycle(ctx context.Context, now time.Time, price decimal.Decimal, pos core.Positions, bal core.Balance) (bool, bool, error) {
	flat := pos.Flat() && !o.st.EscapeActive()
	if flat {
		o.st.FlatTicks++
	} else {
		o.st.FlatTicks = 0
	}
	debounced := o.st.FlatTicks >= o.cfg.FlatDebounceTicks

	switch {
	case o.st.Phase == state.PhaseActive && flat && debounced && o.st.Mode == state.ModeNormal:
		o.st.Phase = state.PhaseNoWave
		log.Printf("level=INFO event=wave_ended wave_id=%d mode=%s price=%s flat_ticks=%d", o.st.WaveID, o.st.Mode, price, o.st.FlatTicks)
	case o.st.Phase == state.PhaseNoWave && !pos.Flat() && o.st.WaveID > 0:
		o.st.Phase = state.PhaseActive
		log.Printf("level=INFO event=wave_resumed wave_id=%d mode=%s price=%s", o.st.WaveID, o.st.Mode, price)
	}

	if o.st.Phase == state.PhaseActive || !flat || !debounced {
		return false, false, nil
	}
	if o.st.Mode != state.ModeStartup && o.st.Mode != state.ModeNormal {
		return false, false, nil
	}
	recenter, ok := o.shouldStart(now, price)
	if !ok {
		return false, false, nil
	}
	if err := o.startWave(ctx, now, price, bal, recenter); err != nil {
		if errors.Is(err, ErrNoBalance) {
			log.Printf("level=WARN event=wave_start_blocked wave_id=%d reason=no_balance total=%s", o.st.WaveID, bal.Total)
			return false, false, nil
		}
		return false, false, err
	}
	return true, recenter, nil
}

func (o *Orchestrator) shouldStart(now time.Time, price decimal.Decimal) (recenter bool, ok bool) {
	if o.st.WaveID == 0 || !o.lines().Valid() {
		return false, true
	}
	if !o.st.PausedUntil.IsZero() {
		return true, false
	}
	if _, blocked := o.deps.Gate.NewsBlocked(now); blocked {
		return true, false
	}
	if !o.st.LastFillAt.IsZero() && now.Sub(o.st.LastFillAt) < o.cfg.RecenterIdle {
		return true, false
	}
	idx := o.lines().IndexForPrice(price)
	if idx < 0 {
		idx = -idx
	}
	if idx < o.cfg.RecenterMinLine {
		return true, false
	}
	return true, true
}

// startWave replaces the wave state. A recenter keeps gap, ATR and seeds
// and only moves the center.
func (o *Orchestrator) startWave(ctx context.Context, now time.Time, price decimal.Decimal, bal core.Balance, recenter bool) error {
	prev := o.st
	next := state.Default()
	next.WaveID = prev.WaveID + 1
	next.Phase = state.PhaseActive
	next.Mode = state.ModeNormal
	next.Center = price
	next.FreeBalance = bal.Available
	next.PausedUntil = prev.PausedUntil
	next.LastFillAt = prev.LastFillAt
	next.LastPrice = prev.LastPrice
	next.StartedAt = now
	next.UpdatedAt = now

	reason := "bootstrap"
	if recenter {
		reason = "recenter_idle_far_from_center"
		next.Gap = prev.Gap
		next.ATR = prev.ATR
		next.Reserve = prev.Reserve
		next.TotalBalance = prev.TotalBalance
		next.Long.Allocated, next.Long.Unit = prev.Long.Allocated, prev.Long.Unit
		next.Short.Allocated, next.Short.Unit = prev.Short.Allocated, prev.Short.Unit
	} else {
		snap := capital.ComputeWithFactor(bal.Total, o.cfg.SafeFactor)
		if !snap.UnitLong.IsPositive() || !snap.UnitShort.IsPositive() {
			return ErrNoBalance
		}
		atr := o.atr(ctx)
		next.ATR = atr
		next.Gap = grid.Gap(atr, o.cfg.GapATRFactor, o.cfg.GapFloor)
		next.Reserve = snap.Reserve
		next.TotalBalance = snap.Total
		next.Long.Allocated, next.Long.Unit = snap.AllocatedLong, snap.UnitLong
		next.Short.Allocated, next.Short.Unit = snap.AllocatedShort, snap.UnitShort
	}

	if n := o.deps.Executor.CancelPending(ctx); n > 0 {
		log.Printf("level=INFO event=wave_orders_canceled wave_id=%d count=%d", prev.WaveID, n)
	}
	o.st = next
	log.Printf("level=INFO event=wave_started wave_id=%d prev_wave_id=%d reason=%s center=%s gap=%s atr=%s total=%s unit_long=%s unit_short=%s",
		next.WaveID, prev.WaveID, reason, next.Center, next.Gap, next.ATR.StringFixed(4), next.TotalBalance, next.Long.Unit, next.Short.Unit)
	o.alert("wave_started", map[string]string{
		"wave_id": strconv.FormatInt(next.WaveID, 10),
		"reason":  reason,
		"center":  next.Center.String(),
		"gap":     next.Gap.String(),
	})
	o.deps.Recorder.WaveStarted()
	return nil
}

// atr is the 4h ATR; a missing or short history falls back to the gap floor.
func (o *Orchestrator) atr(ctx context.Context) decimal.Decimal {
	limit := o.cfg.ATRPeriod*3 + 1
	candles, err := o.deps.Exchange.Candles(ctx, o.cfg.Symbol, exchange.Interval4h, limit)
	if err != nil {
		log.Printf("level=WARN event=atr_unavailable err=%q", err)
		return decimal.Zero
	}
	atr, ok := market.ATR(candles, o.cfg.ATRPeriod)
	if !ok {
		log.Printf("level=WARN event=atr_unavailable reason=short_history candles=%d period=%d", len(candles), o.cfg.ATRPeriod)
		return decimal.Zero
	}
	return atr
}

func (o *Orchestrator) evaluateRisk(ctx context.Context, now time.Time, price decimal.Decimal, line int) risk.Decision {
	candles, err := o.deps.Exchange.Candles(ctx, o.cfg.Symbol, exchange.Interval1m, o.cfg.RiskCandles)
	if err != nil {
		log.Printf("level=WARN event=candles_unavailable interval=1m err=%q", err)
		candles = nil
	}
	dec := o.deps.Gate.Evaluate(risk.Input{
		Now:         now,
		Candles:     candles,
		Center:      o.st.Center,
		Gap:         o.st.Gap,
		PausedUntil: o.st.PausedUntil,
	})
	o.st.PausedUntil = dec.PausedUntil
	if dec.Tripped {
		log.Printf("level=WARN event=risk_paused wave_id=%d mode=%s price=%s line=%d reason=%q until=%s", o.st.WaveID, o.st.Mode, price, line, dec.Reason, dec.PausedUntil.Format(time.RFC3339))
		o.alert("risk_paused", map[string]string{"reason": dec.Reason, "until": dec.PausedUntil.Format(time.RFC3339)})
	}
	if dec.Resumed {
		log.Printf("level=INFO event=risk_resumed wave_id=%d price=%s line=%d", o.st.WaveID, price, line)
		o.alert("risk_resumed", map[string]string{"price": price.String()})
	}
	switch {
	case dec.State == risk.StatePause && o.st.Mode != state.ModeEscape:
		o.st.Mode = state.ModePause
	case dec.State == risk.StateNormal && o.st.Mode == state.ModePause:
		o.st.Mode = state.ModeNormal
	}
	return dec
}

func (o *Orchestrator) reportEscape(dec escape.Decision, price decimal.Decimal, line int) {
	for _, ev := range dec.Events {
		log.Printf("level=INFO event=%s wave_id=%d dir=%s price=%s line=%d %s", ev.Name, o.st.WaveID, ev.Dir, price, line, ev.Detail)
		o.deps.Recorder.EscapeEvent(ev.Name, ev.Dir)
		switch ev.Name {
		case "escape_active", "escape_full_exit", "escape_hedge_breakeven", "escape_hedge_unavailable":
			o.alert(ev.Name, map[string]string{
				"wave_id": strconv.FormatInt(o.st.WaveID, 10),
				"dir":     string(ev.Dir),
				"price":   price.String(),
				"detail":  ev.Detail,
			})
		}
	}
	if dec.Breakout != "" {
		log.Printf("level=INFO event=breakout wave_id=%d dir=%s price=%s line=%d", o.st.WaveID, dec.Breakout, price, line)
	}
	if dec.Fakeout {
		log.Printf("level=INFO event=breakout_fakeout wave_id=%d price=%s line=%d", o.st.WaveID, price, line)
	}
}

func (o *Orchestrator) execute(ctx context.Context, specs []core.OrderSpec, now time.Time) []execution.Result {
	return o.afterExecute(ctx, o.deps.Executor.Execute(ctx, specs), now)
}

func (o *Orchestrator) afterExecute(_ context.Context, results []execution.Result, now time.Time) []execution.Result {
	for _, res := range results {
		if res.Err != nil && res.Skipped == "" {
			log.Printf("level=WARN event=order_failed wave_id=%d tag=%s source=%s err=%q", o.st.WaveID, res.Spec.Tag, res.Spec.Source, res.Err)
		}
		for _, ord := range res.Orders {
			o.recordFill(ord, now)
		}
	}
	return results
}

// recordFill appends the newly filled part of an order to the fills log.
// The key is the cumulative filled qty so replays of one update are dropped.
func (o *Orchestrator) recordFill(ord core.Order, now time.Time) {
	if ord.ID == "" || !ord.FilledQty.IsPositive() {
		return
	}
	prev := o.filled[ord.ID]
	delta := ord.FilledQty.Sub(prev)
	if !delta.IsPositive() {
		return
	}
	if ord.Open() {
		o.filled[ord.ID] = ord.FilledQty
	} else {
		delete(o.filled, ord.ID)
	}
	src := core.SourceUnknown
	tag := ord.Tag
	if o.deps.Intents != nil {
		if rec, ok := o.deps.Intents.Lookup(ord.ID, ord.ClientID); ok {
			src = rec.Source
			if tag == "" {
				tag = rec.Tag
			}
		}
	}
	at := ord.UpdatedAt
	if at.IsZero() {
		at = now
	}
	trade := core.Trade{
		OrderID:  ord.ID,
		TradeID:  "fill-" + ord.FilledQty.String(),
		ClientID: ord.ClientID,
		Symbol:   ord.Symbol,
		Side:     ord.Side,
		Slot:     ord.Slot,
		Price:    ord.Price,
		Qty:      delta,
		Status:   ord.Status,
		Tag:      tag,
		Time:     at,
	}
	fresh := true
	if o.deps.Store != nil {
		var err error
		fresh, err = o.deps.Store.RecordFill("order:"+ord.ID+"|filled:"+ord.FilledQty.String(), trade)
		if err != nil {
			log.Printf("level=WARN event=fill_record_failed order_id=%s err=%q", ord.ID, err)
		}
	}
	if !fresh {
		return
	}
	o.st.LastFillAt = now
	o.deps.Recorder.FillRecorded(src)
	log.Printf("level=INFO event=fill_recorded wave_id=%d order_id=%s side=%s slot=%d price=%s qty=%s source=%s tag=%s", o.st.WaveID, ord.ID, ord.Side, ord.Slot, ord.Price, delta, src, tag)
}

// finish stamps the per-tick bookkeeping and writes state once.
func (o *Orchestrator) finish(now time.Time, price decimal.Decimal, pos core.Positions, bal core.Balance, line int) error {
	for _, dir := range []core.Direction{core.Long, core.Short} {
		side := o.st.Side(dir)
		p := pos.Get(dir)
		side.PrevQty = p.Qty
		side.PrevPnL = core.PnL(dir, p, price)
		o.st.SetSide(dir, side)
	}
	o.st.LastPrice = price
	o.st.FreeBalance = bal.Available
	o.st.UpdatedAt = now

	pending := o.deps.Executor.Pending()
	o.deps.Recorder.ObserveWave(o.st, pos, line)
	o.deps.Recorder.PendingMaker(len(pending))
	if o.deps.Store == nil {
		return nil
	}
	if _, err := o.deps.Store.SaveWave(o.st); err != nil {
		return fmt.Errorf("save wave: %w", err)
	}
	if err := o.deps.Store.SavePendingOrders(pending); err != nil {
		return fmt.Errorf("save pending orders: %w", err)
	}
	return nil
}

// Recover cancels the bot's own resting orders left by a previous process,
// since their repost deadlines were lost with it. Manual and external
// orders are only recorded.
func (o *Orchestrator) Recover(ctx context.Context, persisted []core.Order) (int, error) {
	open, err := o.deps.Exchange.OpenOrders(ctx, o.cfg.Symbol)
	if err != nil {
		return 0, fmt.Errorf("open orders: %w", err)
	}
	ours := make(map[string]struct{}, len(persisted))
	for _, ord := range persisted {
		ours[ord.ID] = struct{}{}
	}
	canceled := 0
	for _, ord := range open {
		rec := core.SourceUnknown
		if o.deps.Intents != nil {
			rec = o.deps.Intents.Ingest(ctx, ord).Source
		}
		_, persistedOrder := ours[ord.ID]
		if !persistedOrder && intent.Tier(rec) < 2 {
			log.Printf("level=INFO event=startup_order_kept order_id=%s link_id=%s source=%s", ord.ID, ord.ClientID, rec)
			continue
		}
		if err := o.deps.Exchange.CancelOrder(ctx, o.cfg.Symbol, ord.ID); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			log.Printf("level=WARN event=startup_cancel_failed order_id=%s err=%q", ord.ID, err)
			continue
		}
		canceled++
		log.Printf("level=INFO event=startup_order_canceled order_id=%s link_id=%s source=%s price=%s qty=%s", ord.ID, ord.ClientID, rec, ord.Price, ord.Remaining())
	}
	return canceled, nil
}

// settle withholds the changes of every direction whose orders were not all
// accepted by the venue, leaving the ledger as it was so the next tick
// retries. A Mode A order left resting counts as accepted.
func (o *Orchestrator) settle(stage string, d state.Delta, requires map[core.Direction][]string, results []execution.Result) state.Delta {
	if len(requires) == 0 {
		return d
	}
	accepted := make(map[string]bool, len(results))
	for _, res := range results {
		accepted[res.Spec.Tag] = res.Err == nil && res.Skipped == ""
	}
	for _, dir := range []core.Direction{core.Long, core.Short} {
		for _, tag := range requires[dir] {
			if accepted[tag] {
				continue
			}
			log.Printf("level=WARN event=state_change_withheld stage=%s wave_id=%d dir=%s tag=%s", stage, o.st.WaveID, dir, tag)
			d = d.Withhold(dir)
			break
		}
	}
	return d
}

func (o *Orchestrator) alert(event string, fields map[string]string) {
	if o.deps.Alerts == nil {
		return
	}
	o.deps.Alerts.Important(event, fields)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
