package safety

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"wavebot/internal/alert"
	"wavebot/internal/core"
	"wavebot/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type Action string

const (
	ActionPlace  Action = "place_order"
	ActionCancel Action = "cancel_order"
	ActionStream Action = "stream"
)

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type Config struct {
	Enabled           bool
	MaxPlaceFailures  int
	MaxCancelFailures int
	MaxStreamFailures int
	Cooldown          time.Duration
	HalfOpenSuccesses int
}

type circuit struct {
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

// Breaker counts consecutive venue failures per action. An open circuit
// rejects calls until the cooldown passes, then lets trial calls through.
type Breaker struct {
	enabled bool

	mu       sync.Mutex
	circuits map[Action]*circuit

	cooldown          time.Duration
	halfOpenSuccesses int
	now               func() time.Time

	alerter alert.Alerter
}

func NewBreaker(cfg Config) *Breaker {
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	successes := cfg.HalfOpenSuccesses
	if successes < 1 {
		successes = defaultHalfOpenSuccesses
	}
	return &Breaker{
		enabled: cfg.Enabled,
		circuits: map[Action]*circuit{
			ActionPlace:  {maxFailures: cfg.MaxPlaceFailures, state: circuitClosed},
			ActionCancel: {maxFailures: cfg.MaxCancelFailures, state: circuitClosed},
			ActionStream: {maxFailures: cfg.MaxStreamFailures, state: circuitClosed},
		},
		cooldown:          cooldown,
		halfOpenSuccesses: successes,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (b *Breaker) SetClock(now func() time.Time) {
	if b == nil || now == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

// State reports the circuit state for metrics and status output.
func (b *Breaker) State(action Action) string {
	if b == nil {
		return string(circuitClosed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuits[action]
	if c == nil {
		return string(circuitClosed)
	}
	return string(c.state)
}

// Allow returns ErrCircuitOpen while the circuit is cooling down. Once the
// cooldown has passed the circuit moves to half-open and calls go through.
func (b *Breaker) Allow(action Action) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c := b.circuits[action]
	if c == nil || c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, action)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	alerter := b.alerter
	cooldown := b.cooldown
	b.mu.Unlock()
	log.Printf("level=INFO event=circuit_breaker_half_open action=%q cooldown_sec=%d", action, int64(cooldown/time.Second))
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"action":       string(action),
			"cooldown_sec": strconv.FormatInt(int64(cooldown/time.Second), 10),
		})
	}
	return nil
}

// CooldownRemaining is zero unless the circuit is open.
func (b *Breaker) CooldownRemaining(action Action) time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuits[action]
	if c == nil || c.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(c.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

func (b *Breaker) RecordPlace(err error) error {
	return b.record(ActionPlace, err)
}

func (b *Breaker) RecordCancel(err error) error {
	return b.record(ActionCancel, err)
}

func (b *Breaker) RecordStream(err error) error {
	return b.record(ActionStream, err)
}

func (b *Breaker) ResetStream() {
	_ = b.RecordStream(nil)
}

// countsAsFailure separates venue health from business rejections. A
// duplicate link id or an order that already finished proves the venue
// answered.
func countsAsFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, core.ErrDuplicateOrder),
		errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrReduceOnlyRejected),
		errors.Is(err, core.ErrInsufficientBalance),
		errors.Is(err, ErrCircuitOpen):
		return false
	}
	return true
}

func (b *Breaker) record(action Action, err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	if err != nil && !countsAsFailure(err) {
		err = nil
	}

	b.mu.Lock()
	c := b.circuits[action]
	if c == nil || c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	alerter := b.alerter

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.halfOpenSuccesses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			log.Printf(
				"level=INFO event=circuit_breaker_recovered action=%q previous_consecutive_failures=%d from_state=%q",
				action,
				prevFailures,
				string(prevState),
			)
			if alerter != nil && prevState != circuitClosed {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        string(action),
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(action, c, err, 1, "half_open_trial_failed")
		b.mu.Unlock()
		logTrip(alerter, action, "half_open", 1, c.maxFailures, err)
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if limit > 1 && failures == limit-1 && action != ActionStream {
			log.Printf(
				"level=WARN event=circuit_breaker_near_trip action=%q consecutive_failures=%d threshold=%d last_error=%q",
				action,
				failures,
				limit,
				err.Error(),
			)
		}
		return nil
	}
	openErr := b.tripLocked(action, c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	logTrip(alerter, action, "closed", failures, limit, err)
	return openErr
}

func (b *Breaker) tripLocked(action Action, c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v", ErrCircuitOpen, action, failures, b.cooldown, reason, err)
	return c.openErr
}

func logTrip(alerter alert.Alerter, action Action, phase string, failures, limit int, err error) {
	log.Printf(
		"level=ERROR event=circuit_breaker_trip action=%q phase=%q consecutive_failures=%d threshold=%d last_error=%q",
		action,
		phase,
		failures,
		limit,
		err.Error(),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               string(action),
			"phase":                phase,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
}

// GuardedExchange routes order writes through the breaker. Reads pass
// straight to the venue.
type GuardedExchange struct {
	exchange.Exchange
	breaker *Breaker
}

func NewGuardedExchange(inner exchange.Exchange, breaker *Breaker) *GuardedExchange {
	return &GuardedExchange{Exchange: inner, breaker: breaker}
}

func (g *GuardedExchange) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := g.breaker.Allow(ActionPlace); err != nil {
		return core.Order{}, err
	}
	placed, err := g.Exchange.PlaceOrder(ctx, order)
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return placed, errors.Join(trip, err)
	}
	return placed, err
}

func (g *GuardedExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := g.breaker.Allow(ActionCancel); err != nil {
		return err
	}
	err := g.Exchange.CancelOrder(ctx, symbol, orderID)
	if trip := g.breaker.RecordCancel(err); trip != nil {
		return errors.Join(trip, err)
	}
	return err
}
