package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/core"
	"wavebot/internal/exchange/paper"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type alertSpy struct {
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.events = append(a.events, event)
}

func newTestBreaker(place, cancel, stream int) (*Breaker, *fakeNow) {
	clock := &fakeNow{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker(Config{
		Enabled:           true,
		MaxPlaceFailures:  place,
		MaxCancelFailures: cancel,
		MaxStreamFailures: stream,
		Cooldown:          30 * time.Second,
	})
	b.SetClock(clock.Now)
	return b, clock
}

func TestBreakerStreamHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(5, 5, 2)
	spy := &alertSpy{}
	b.SetAlerter(spy)

	if err := b.RecordStream(errors.New("dial failed 1")); err != nil {
		t.Fatalf("RecordStream(first) error = %v, want nil", err)
	}
	if err := b.RecordStream(errors.New("dial failed 2")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordStream(second) error = %v, want ErrCircuitOpen", err)
	}
	if err := b.Allow(ActionStream); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() error = %v, want ErrCircuitOpen while cooling down", err)
	}
	if rem := b.CooldownRemaining(ActionStream); rem != 30*time.Second {
		t.Fatalf("CooldownRemaining() = %s, want 30s", rem)
	}

	clock.Advance(31 * time.Second)
	if err := b.Allow(ActionStream); err != nil {
		t.Fatalf("Allow(after cooldown) error = %v, want nil", err)
	}
	if got := b.State(ActionStream); got != "half_open" {
		t.Fatalf("State() = %q, want half_open", got)
	}
	b.ResetStream()
	if got := b.State(ActionStream); got != "closed" {
		t.Fatalf("State() = %q, want closed after trial call", got)
	}
	want := []string{"circuit_breaker_trip", "circuit_breaker_half_open", "circuit_breaker_recovered"}
	if len(spy.events) != len(want) {
		t.Fatalf("alerts = %v, want %v", spy.events, want)
	}
	for i := range want {
		if spy.events[i] != want[i] {
			t.Fatalf("alerts = %v, want %v", spy.events, want)
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, 5, 5)
	if err := b.RecordPlace(errors.New("timeout")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordPlace(trip) error = %v, want ErrCircuitOpen", err)
	}
	clock.Advance(time.Minute)
	if err := b.Allow(ActionPlace); err != nil {
		t.Fatalf("Allow(after cooldown) error = %v", err)
	}
	if err := b.RecordPlace(errors.New("trial call failed")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordPlace(half-open failure) error = %v, want ErrCircuitOpen", err)
	}
	if err := b.Allow(ActionPlace); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() error = %v, want ErrCircuitOpen after re-open", err)
	}
}

func TestBreakerIgnoresBusinessRejections(t *testing.T) {
	b, _ := newTestBreaker(2, 2, 2)
	for _, err := range []error{
		core.ErrReduceOnlyRejected,
		core.ErrDuplicateOrder,
		errors.Join(core.ErrOrderRejected, core.ErrInsufficientBalance),
		context.Canceled,
	} {
		if trip := b.RecordPlace(err); trip != nil {
			t.Fatalf("RecordPlace(%v) error = %v, want nil", err, trip)
		}
	}
	if got := b.State(ActionPlace); got != "closed" {
		t.Fatalf("State() = %q, want closed", got)
	}
	if trip := b.RecordCancel(core.ErrOrderNotFound); trip != nil {
		t.Fatalf("RecordCancel(not found) error = %v", trip)
	}
}

func TestBreakerDisabledNeverTrips(t *testing.T) {
	b := NewBreaker(Config{Enabled: false, MaxPlaceFailures: 1})
	for i := 0; i < 3; i++ {
		if err := b.RecordPlace(errors.New("boom")); err != nil {
			t.Fatalf("RecordPlace() error = %v, want nil when disabled", err)
		}
	}
	if err := b.Allow(ActionPlace); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
}

type flakyVenue struct {
	*paper.Exchange
	calls int
	fail  bool
}

func (f *flakyVenue) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	f.calls++
	if f.fail {
		return core.Order{}, errors.New("connection reset")
	}
	return f.Exchange.PlaceOrder(ctx, order)
}

func TestGuardedExchangeShortCircuitsWhenOpen(t *testing.T) {
	venue := paper.New("BTCUSDT", decimal.RequireFromString("10000"), core.Rules{
		MinQty:    decimal.RequireFromString("0.001"),
		PriceTick: decimal.RequireFromString("0.1"),
		QtyStep:   decimal.RequireFromString("0.001"),
	})
	venue.Match(decimal.RequireFromString("50000"))
	flaky := &flakyVenue{Exchange: venue, fail: true}
	b, clock := newTestBreaker(2, 2, 2)
	g := NewGuardedExchange(flaky, b)
	ctx := context.Background()
	order := core.Order{
		Symbol: "BTCUSDT", Side: core.Buy, Type: core.Market, Slot: core.SlotLong,
		Qty: decimal.RequireFromString("0.01"),
	}

	if _, err := g.PlaceOrder(ctx, order); err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("first PlaceOrder() error = %v, want plain venue error", err)
	}
	if _, err := g.PlaceOrder(ctx, order); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second PlaceOrder() error = %v, want ErrCircuitOpen", err)
	}
	if _, err := g.PlaceOrder(ctx, order); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("third PlaceOrder() error = %v, want ErrCircuitOpen", err)
	}
	if flaky.calls != 2 {
		t.Fatalf("venue calls = %d, want 2 (open circuit must not reach venue)", flaky.calls)
	}

	flaky.fail = false
	clock.Advance(time.Minute)
	placed, err := g.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("trial PlaceOrder() error = %v", err)
	}
	if placed.Status != core.OrderFilled {
		t.Fatalf("trial order = %+v, want filled", placed)
	}
	if got := b.State(ActionPlace); got != "closed" {
		t.Fatalf("State() = %q, want closed after successful trial call", got)
	}
	if g.Name() != "paper" {
		t.Fatalf("Name() = %q, want reads passed through", g.Name())
	}
}
