package wave

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
	"wavebot/internal/escape"
	"wavebot/internal/exchange"
	"wavebot/internal/exchange/paper"
	"wavebot/internal/execution"
	"wavebot/internal/grid"
	"wavebot/internal/intent"
	"wavebot/internal/risk"
	"wavebot/internal/state"
	"wavebot/internal/store"
)

const testSymbol = "BTCUSDT"

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func testRules() core.Rules {
	return core.Rules{
		MinQty:      d("0.001"),
		MinNotional: d("5"),
		PriceTick:   d("0.1"),
		QtyStep:     d("0.001"),
	}
}

type spyRecorder struct {
	nopRecorder
	waves    int
	fills    map[core.Source]int
	escapes  []string
	observed int
	lastLine int
}

func newSpyRecorder() *spyRecorder {
	return &spyRecorder{fills: make(map[core.Source]int)}
}

func (s *spyRecorder) WaveStarted()                 { s.waves++ }
func (s *spyRecorder) FillRecorded(src core.Source) { s.fills[src]++ }

func (s *spyRecorder) EscapeEvent(ev string, _ core.Direction) {
	s.escapes = append(s.escapes, ev)
}

func (s *spyRecorder) ObserveWave(_ state.State, _ core.Positions, line int) {
	s.observed++
	s.lastLine = line
}

type harness struct {
	clock   *execution.ManualClock
	px      *paper.Exchange
	store   *store.Store
	cache   *exchange.Cache
	intents *intent.Registry
	exec    *execution.Executor
	rec     *spyRecorder
	orch    *Orchestrator
}

func newHarness(t *testing.T, gate *risk.Gate) *harness {
	t.Helper()
	clock := execution.NewManualClock(testStart)
	px := paper.New(testSymbol, d("10000"), testRules())
	px.SetClock(clock.Now)
	px.SetLeverage(d("7"))
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	cache := exchange.NewCache()
	px.Subscribe(cache.Apply)
	intents := intent.NewRegistry(nil)
	exec := execution.NewExecutor(execution.Config{
		Symbol:         testSymbol,
		Rules:          testRules(),
		SliceThreshold: d("1000000000"),
	}, px, intents, clock)
	rec := newSpyRecorder()
	orch := New(Config{Symbol: testSymbol}, Deps{
		Exchange: px,
		Cache:    cache,
		Executor: exec,
		Grid: grid.NewEngine(grid.Config{
			Leverage:          d("7"),
			MaxAllocationRate: d("0.25"),
			Rules:             testRules(),
		}),
		Escape:   escape.NewEngine(escape.Config{Rules: testRules()}),
		Gate:     gate,
		Store:    st,
		Intents:  intents,
		Clock:    clock,
		Recorder: rec,
	})
	return &harness{clock: clock, px: px, store: st, cache: cache, intents: intents, exec: exec, rec: rec, orch: orch}
}

func (h *harness) tick(t *testing.T, price string) TickReport {
	t.Helper()
	if price != "" {
		h.px.Match(d(price))
	}
	rep, err := h.orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	h.clock.Advance(time.Second)
	return rep
}

func flatCandles(n int, high, low string) []core.Candle {
	out := make([]core.Candle, n)
	for i := range out {
		out[i] = core.Candle{
			OpenTime: testStart.Add(time.Duration(i-n) * 4 * time.Hour),
			Open:     d("60000"),
			High:     d(high),
			Low:      d(low),
			Close:    d("60000"),
			Volume:   d("10"),
		}
	}
	return out
}

func TestTickSkipsWithoutPrice(t *testing.T) {
	h := newHarness(t, nil)
	rep := h.tick(t, "")
	if rep.Skipped != "no_price" {
		t.Fatalf("Skipped = %q, want no_price", rep.Skipped)
	}
	if _, ok, _ := h.store.LoadWaveSnapshot(); ok {
		t.Fatalf("state persisted on a skipped tick")
	}
	if h.orch.State().FlatTicks != 0 {
		t.Fatalf("flat ticks advanced on a skipped tick: %d", h.orch.State().FlatTicks)
	}
}

func TestTickStartsWaveAfterFlatDebounce(t *testing.T) {
	h := newHarness(t, nil)

	first := h.tick(t, "60000")
	if first.Started {
		t.Fatalf("wave started on the first flat tick")
	}
	second := h.tick(t, "60000")
	if !second.Started || second.Recenter {
		t.Fatalf("second tick started=%t recenter=%t, want bootstrap start", second.Started, second.Recenter)
	}

	st := h.orch.State()
	if st.WaveID != 1 || st.Phase != state.PhaseActive || st.Mode != state.ModeNormal {
		t.Fatalf("state = wave %d %s %s", st.WaveID, st.Phase, st.Mode)
	}
	if !st.Center.Equal(d("60000")) {
		t.Fatalf("center = %s, want 60000", st.Center)
	}
	if !st.Gap.Equal(d("100")) {
		t.Fatalf("gap = %s, want floor 100 without 4h history", st.Gap)
	}
	if !st.Long.Unit.Equal(d("192.30769230")) {
		t.Fatalf("unit = %s", st.Long.Unit)
	}
	if st.Long.K != 1 || st.Short.K != 1 {
		t.Fatalf("k = %d/%d, want 1/1 after startup orders", st.Long.K, st.Short.K)
	}
	if h.rec.waves != 1 {
		t.Fatalf("waves recorded = %d, want 1", h.rec.waves)
	}

	open, err := h.px.OpenOrders(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("OpenOrders() error = %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open orders = %d, want 2", len(open))
	}
	for _, ord := range open {
		if ord.Type != core.Limit || !ord.Price.Equal(d("60000")) || ord.ReduceOnly {
			t.Fatalf("unexpected startup order: %+v", ord)
		}
	}

	saved, restored := h.store.LoadWave()
	if !restored || saved.WaveID != 1 || saved.Long.K != 1 {
		t.Fatalf("persisted state = %+v restored=%t", saved, restored)
	}
	pending, ok, err := h.store.LoadPendingOrders()
	if err != nil || !ok {
		t.Fatalf("LoadPendingOrders() ok=%t err=%v", ok, err)
	}
	if len(pending.Orders) != 2 {
		t.Fatalf("pending orders persisted = %d, want 2", len(pending.Orders))
	}
}

func TestWaveGapFollowsATR(t *testing.T) {
	h := newHarness(t, nil)
	h.px.SetCandles(exchange.Interval4h, flatCandles(127, "60500", "59500"))

	h.tick(t, "60000")
	h.tick(t, "60000")

	st := h.orch.State()
	if !st.ATR.Equal(d("1000")) {
		t.Fatalf("atr = %s, want 1000", st.ATR)
	}
	if !st.Gap.Equal(d("150")) {
		t.Fatalf("gap = %s, want 150", st.Gap)
	}
}

func TestStreamedFillsAreRecordedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.tick(t, "60000")
	h.tick(t, "60000")

	h.px.Match(d("60000"))
	var filled []core.Order
	for _, f := range h.px.Fills() {
		ord, err := h.px.QueryOrder(context.Background(), testSymbol, f.Trade.OrderID)
		if err != nil {
			t.Fatalf("QueryOrder() error = %v", err)
		}
		filled = append(filled, ord)
	}
	if len(filled) != 2 {
		t.Fatalf("paper fills = %d, want 2", len(filled))
	}

	rep := h.tick(t, "")
	if rep.Skipped != "" {
		t.Fatalf("tick skipped: %s", rep.Skipped)
	}
	if got := h.rec.fills[core.SourceGrid]; got != 2 {
		t.Fatalf("grid fills = %d, want 2", got)
	}
	st := h.orch.State()
	if st.LastFillAt.IsZero() {
		t.Fatalf("last fill time not set")
	}
	if st.Phase != state.PhaseActive {
		t.Fatalf("phase = %s, want ACTIVE while positions are open", st.Phase)
	}

	// A replayed update for the same cumulative fill is dropped.
	h.cache.Apply(exchange.AccountEvent{Orders: filled, Time: h.clock.Now()})
	h.tick(t, "")
	if got := h.rec.fills[core.SourceGrid]; got != 2 {
		t.Fatalf("grid fills after replay = %d, want 2", got)
	}
}

func recenterState(lastFill time.Time) state.State {
	st := state.Default()
	st.WaveID = 1
	st.Phase = state.PhaseNoWave
	st.Mode = state.ModeNormal
	st.Center = d("60000")
	st.Gap = d("100")
	st.ATR = d("500")
	st.TotalBalance = d("10000")
	st.Reserve = d("5000")
	st.Long.Allocated, st.Long.Unit = d("2500"), d("192.30769230")
	st.Short.Allocated, st.Short.Unit = d("2500"), d("192.30769230")
	st.LastFillAt = lastFill
	return st
}

func TestRecenterAfterIdleFarFromCenter(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.Restore(recenterState(testStart.Add(-3 * time.Hour)))

	h.tick(t, "60900")
	rep := h.tick(t, "60900")
	if !rep.Started || !rep.Recenter {
		t.Fatalf("started=%t recenter=%t, want recenter", rep.Started, rep.Recenter)
	}
	st := h.orch.State()
	if st.WaveID != 2 || !st.Center.Equal(d("60900")) {
		t.Fatalf("wave %d center %s, want wave 2 at 60900", st.WaveID, st.Center)
	}
	if !st.Gap.Equal(d("100")) || !st.ATR.Equal(d("500")) {
		t.Fatalf("recenter changed gap/atr: %s/%s", st.Gap, st.ATR)
	}
	if !st.Long.Unit.Equal(d("192.30769230")) {
		t.Fatalf("recenter changed unit: %s", st.Long.Unit)
	}
}

func TestRecenterBlocked(t *testing.T) {
	cases := []struct {
		name  string
		price string
		fill  time.Duration
		gate  *risk.Gate
	}{
		{name: "recent fill", price: "60900", fill: time.Hour},
		{name: "near center", price: "60300", fill: 3 * time.Hour},
		{name: "news window", price: "60900", fill: 3 * time.Hour, gate: risk.NewGate(risk.Config{
			NewsEvents: []time.Time{testStart.Add(10 * time.Minute)},
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.gate)
			h.orch.Restore(recenterState(testStart.Add(-tc.fill)))
			for i := 0; i < 3; i++ {
				if rep := h.tick(t, tc.price); rep.Started {
					t.Fatalf("tick %d started a wave", i)
				}
			}
			if st := h.orch.State(); st.WaveID != 1 || !st.Center.Equal(d("60000")) {
				t.Fatalf("wave %d center %s, want unchanged", st.WaveID, st.Center)
			}
		})
	}
}

func TestRecoverCancelsBotOrdersOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.px.Match(d("60000"))
	ctx := context.Background()
	place := func(clientID string) core.Order {
		ord, err := h.px.PlaceOrder(ctx, core.Order{
			ClientID: clientID,
			Symbol:   testSymbol,
			Side:     core.Buy,
			Type:     core.Limit,
			Price:    d("59000"),
			Qty:      d("0.01"),
			Slot:     core.SlotLong,
		})
		if err != nil {
			t.Fatalf("PlaceOrder(%s) error = %v", clientID, err)
		}
		return ord
	}
	place("W1_GRID_DCA_-10_LONG_8f2c")
	manual := place("MANUAL_1")
	persisted := place("x-17")

	n, err := h.orch.Recover(ctx, []core.Order{persisted})
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("canceled = %d, want 2", n)
	}
	open, err := h.px.OpenOrders(ctx, testSymbol)
	if err != nil {
		t.Fatalf("OpenOrders() error = %v", err)
	}
	if len(open) != 1 || open[0].ID != manual.ID {
		t.Fatalf("open after recover = %+v, want only the manual order", open)
	}
	if rec, ok := h.intents.Lookup(manual.ID, ""); !ok || rec.Source != core.SourceManual {
		t.Fatalf("manual order attribution = %+v ok=%t", rec, ok)
	}
}

func TestRiskPauseBlocksEntries(t *testing.T) {
	h := newHarness(t, nil)
	h.tick(t, "60000")
	h.tick(t, "60000")

	st := h.orch.State()
	st.PausedUntil = h.clock.Now().Add(10 * time.Minute)
	h.orch.Restore(st)
	rep := h.tick(t, "59800")
	if rep.Risk.AllowEntries {
		t.Fatalf("entries allowed during pause")
	}
	if got := h.orch.State().Mode; got != state.ModePause {
		t.Fatalf("mode = %s, want PAUSE", got)
	}
	for _, res := range rep.Results {
		if res.Spec.Source == core.SourceGrid && !res.Spec.ReduceOnly {
			t.Fatalf("grid entry placed during pause: %+v", res.Spec)
		}
	}
}

type refusingVenue struct {
	*paper.Exchange
	refuse bool
}

func (v *refusingVenue) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if v.refuse {
		return core.Order{}, core.ErrOrderRejected
	}
	return v.Exchange.PlaceOrder(ctx, order)
}

// routeOrders sends executor placements through venue while reads keep
// going to the paper account.
func (h *harness) routeOrders(venue exchange.Exchange) {
	h.exec = execution.NewExecutor(execution.Config{
		Symbol:         testSymbol,
		Rules:          testRules(),
		SliceThreshold: d("1000000000"),
	}, venue, h.intents, h.clock)
	h.orch.deps.Executor = h.exec
}

func TestRefusedStartupLeavesLedgerAndRetries(t *testing.T) {
	h := newHarness(t, nil)
	venue := &refusingVenue{Exchange: h.px, refuse: true}
	h.routeOrders(venue)

	h.tick(t, "60000")
	rep := h.tick(t, "60000")
	if !rep.Started {
		t.Fatalf("wave not started")
	}
	st := h.orch.State()
	if st.Long.K != 0 || st.Short.K != 0 {
		t.Fatalf("k = %d/%d after refused startup, want 0/0", st.Long.K, st.Short.K)
	}
	if len(st.Long.LineMemory) != 0 || len(st.Short.LineMemory) != 0 {
		t.Fatalf("line memory = %v/%v after refused startup", st.Long.LineMemory, st.Short.LineMemory)
	}
	if st.Long.LastLine == nil || *st.Long.LastLine != 0 {
		t.Fatalf("last line = %v, want 0 even when orders are refused", st.Long.LastLine)
	}

	venue.refuse = false
	h.tick(t, "60000")
	st = h.orch.State()
	if st.Long.K != 1 || st.Short.K != 1 {
		t.Fatalf("k = %d/%d after retry, want 1/1", st.Long.K, st.Short.K)
	}
	open, err := h.px.OpenOrders(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("OpenOrders() error = %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open orders after retry = %d, want 2", len(open))
	}
}

// openBothLegs starts a wave at 60000 and fills both startup orders.
func openBothLegs(t *testing.T, h *harness) core.Positions {
	t.Helper()
	h.tick(t, "60000")
	h.tick(t, "60000")
	h.tick(t, "60000")
	pos, err := h.px.Positions(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("Positions() error = %v", err)
	}
	if pos.Long.Flat() || pos.Short.Flat() {
		t.Fatalf("startup orders not filled: %+v", pos)
	}
	return pos
}

func TestEscapeActiveLocksGrid(t *testing.T) {
	for _, locked := range []bool{false, true} {
		name := "unlocked"
		if locked {
			name = "locked"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			pos := openBothLegs(t, h)
			if locked {
				st := h.orch.State()
				st.Mode = state.ModeEscape
				st.Long.Escape = state.Escape{
					Status:      state.EscapeActive,
					HedgeSize:   pos.Short.Qty,
					Exposure:    d("1000000"),
					ActivatedAt: h.clock.Now(),
				}
				h.orch.Restore(st)
			}
			before := h.orch.State()

			rep := h.tick(t, "59900")
			var gridOrders []string
			for _, res := range rep.Results {
				if res.Spec.Source == core.SourceGrid || res.Spec.Source == core.SourceTP {
					gridOrders = append(gridOrders, res.Spec.Tag)
				}
			}
			after := h.orch.State()
			if !locked {
				if len(gridOrders) != 1 || gridOrders[0] != "W1_GRID_DCA_-1_LONG" {
					t.Fatalf("grid orders = %v, want the long DCA", gridOrders)
				}
				if after.Long.K != before.Long.K+1 {
					t.Fatalf("k = %d, want %d", after.Long.K, before.Long.K+1)
				}
				return
			}
			if len(gridOrders) != 0 {
				t.Fatalf("grid orders while escape is active: %v", gridOrders)
			}
			if after.Long.K != before.Long.K || len(after.Long.LineMemory) != len(before.Long.LineMemory) {
				t.Fatalf("ledger moved under lockout: k %d->%d memory %v->%v", before.Long.K, after.Long.K, before.Long.LineMemory, after.Long.LineMemory)
			}
			if after.Mode != state.ModeEscape {
				t.Fatalf("mode = %s, want ESCAPE", after.Mode)
			}
		})
	}
}

func TestFullExitSkipsGridAndClosesBothLegs(t *testing.T) {
	h := newHarness(t, nil)
	pos := openBothLegs(t, h)
	st := h.orch.State()
	st.Mode = state.ModeEscape
	st.Long.Escape = state.Escape{
		Status:      state.EscapeActive,
		TriggerLine: state.IntPtr(-11),
		HedgeSize:   pos.Short.Qty.Div(d("2")),
		Exposure:    d("10"),
		ActivatedAt: h.clock.Now(),
	}
	h.orch.Restore(st)

	rep := h.tick(t, "60100")
	if !rep.FullExit {
		t.Fatalf("full exit not taken: %+v", rep)
	}
	for _, res := range rep.Results {
		if res.Spec.Source != core.SourceEscape {
			t.Fatalf("non escape order on a full exit tick: %+v", res.Spec)
		}
		if res.Err != nil || res.Skipped != "" {
			t.Fatalf("full exit order failed: %+v", res)
		}
	}
	if len(rep.Results) != 2 {
		t.Fatalf("results = %d, want main and hedge close", len(rep.Results))
	}
	after, err := h.px.Positions(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("Positions() error = %v", err)
	}
	if !after.Flat() {
		t.Fatalf("positions after full exit = %+v, want flat", after)
	}

	got := h.orch.State()
	if got.Long.Escape.Status != state.EscapeDone || got.Mode != state.ModeNormal {
		t.Fatalf("escape %s mode %s, want DONE/NORMAL", got.Long.Escape.Status, got.Mode)
	}
	for _, side := range []state.Side{got.Long, got.Short} {
		if side.LastLine == nil || *side.LastLine != 1 {
			t.Fatalf("last line = %v, want 1 after a full exit tick", side.LastLine)
		}
	}
	saved, ok := h.store.LoadWave()
	if !ok || saved.Long.Escape.Status != state.EscapeDone {
		t.Fatalf("persisted escape = %+v ok=%t", saved.Long.Escape, ok)
	}
}

func TestRefusedHedgeKeepsEscapePending(t *testing.T) {
	h := newHarness(t, nil)
	pos := openBothLegs(t, h)
	st := h.orch.State()
	st.Long.K = 13
	st.Long.Escape = state.Escape{Status: state.EscapePending, TriggerLine: state.IntPtr(-1)}
	h.orch.Restore(st)
	venue := &refusingVenue{Exchange: h.px, refuse: true}
	h.routeOrders(venue)

	h.tick(t, "59900")
	got := h.orch.State()
	if got.Long.Escape.Status != state.EscapePending || !got.Long.Escape.HedgeSize.IsZero() {
		t.Fatalf("escape after refused hedge = %+v, want PENDING without hedge", got.Long.Escape)
	}
	if got.Mode == state.ModeEscape {
		t.Fatalf("mode moved to ESCAPE without a hedge")
	}

	venue.refuse = false
	h.tick(t, "59900")
	got = h.orch.State()
	if got.Long.Escape.Status != state.EscapeActive {
		t.Fatalf("escape after retry = %s, want ACTIVE", got.Long.Escape.Status)
	}
	after, _ := h.px.Positions(context.Background(), testSymbol)
	if !after.Short.Qty.GreaterThan(pos.Short.Qty) {
		t.Fatalf("hedge leg %s not above %s", after.Short.Qty, pos.Short.Qty)
	}
}
