package wave

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"wavebot/internal/alert"
	"wavebot/internal/core"
	"wavebot/internal/exchange"
	"wavebot/internal/safety"
	"wavebot/internal/store"
)

var (
	ErrFatalLocal     = errors.New("fatal local error")
	ErrNoInitialPrice = errors.New("no initial price")
	errTickPanic      = errors.New("tick panic")
)

const maxStreamBackoff = 30 * time.Second

// AccountStream is a private account stream. Run owns one connection and
// returns when it drops; the runner reconnects.
type AccountStream interface {
	Run(ctx context.Context) error
	Seed(pos core.Positions)
	OnReady(fn func())
}

type Runner struct {
	Orchestrator *Orchestrator
	Exchange     exchange.Exchange
	Store        *store.Store
	Cache        *exchange.Cache
	Stream       AccountStream
	Breaker      *safety.Breaker
	Alerts       alert.Alerter
	Recorder     Recorder

	Symbol     string
	Mode       string
	InstanceID string

	Interval            time.Duration
	ErrorBackoff        time.Duration
	Heartbeat           time.Duration
	StartupPriceRetries int
	StartupPriceWait    time.Duration
	FatalOnMissingPrice bool

	startedAt  time.Time
	streamUp   atomic.Bool
	reconnects atomic.Int32
	downSince  atomic.Int64
}

func (r *Runner) Run(ctx context.Context) (runErr error) {
	r.startedAt = time.Now().UTC()
	if r.Recorder == nil {
		r.Recorder = nopRecorder{}
	}
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	backoff := r.ErrorBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	r.persistRuntimeStatus("starting", nil)
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.persistRuntimeStatus("stopped", err)
	}()

	price, err := r.initialPrice(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.FatalOnMissingPrice {
			log.Printf("level=ERROR event=runner_stopped reason=no_initial_price err=%q", err)
			r.alertImportant("runner_stopped", map[string]string{"reason": "no_initial_price", "detail": err.Error()})
			return fmt.Errorf("%w: %w: %v", ErrFatalLocal, ErrNoInitialPrice, err)
		}
		log.Printf("level=WARN event=initial_price_missing err=%q action=continue", err)
	}
	if err := r.restore(ctx, price); err != nil {
		return err
	}
	if r.Stream != nil {
		r.Stream.OnReady(r.streamReady)
		go r.runStream(ctx)
	}

	r.persistRuntimeStatus("running", nil)
	r.alertImportant("runner_started", map[string]string{
		"price":   price.String(),
		"wave_id": strconv.FormatInt(r.Orchestrator.State().WaveID, 10),
	})

	var heartbeat <-chan time.Time
	if r.Heartbeat > 0 {
		hb := time.NewTicker(r.Heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failing := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat:
			r.persistRuntimeStatus(r.runState(), nil)
		case <-ticker.C:
			rep, err := r.safeTick(ctx)
			r.observeCircuits()
			if err == nil {
				r.Recorder.TickDone("ok")
				if failing > 0 {
					log.Printf("level=INFO event=tick_recovered failures=%d", failing)
					r.alertImportant("tick_recovered", map[string]string{"failures": strconv.Itoa(failing)})
					r.persistRuntimeStatus(r.runState(), nil)
				}
				failing = 0
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrFatalLocal) {
				log.Printf("level=ERROR event=runner_stopped reason=%q", err.Error())
				r.alertImportant("runner_stopped", map[string]string{"reason": err.Error()})
				return err
			}
			result := "error"
			if errors.Is(err, errTickPanic) {
				result = "panic"
			}
			r.Recorder.TickDone(result)
			failing++
			st := r.Orchestrator.State()
			log.Printf("level=ERROR event=tick_failed wave_id=%d mode=%s price=%s line=%d failures=%d backoff=%s err=%q",
				st.WaveID, st.Mode, rep.Price, rep.Line, failing, backoff, err)
			if failing == 1 {
				r.alertImportant("tick_failed", map[string]string{"err": err.Error(), "wave_id": strconv.FormatInt(st.WaveID, 10)})
			}
			r.persistRuntimeStatus("degraded", err)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
		}
	}
}

// safeTick turns a panic inside a tick into an error so the loop survives it.
func (r *Runner) safeTick(ctx context.Context) (rep TickReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("level=ERROR event=tick_panic panic=%q stack=%q", fmt.Sprint(p), string(debug.Stack()))
			err = fmt.Errorf("%w: %v", errTickPanic, p)
		}
	}()
	return r.Orchestrator.Tick(ctx)
}

func (r *Runner) initialPrice(ctx context.Context) (decimal.Decimal, error) {
	attempts := r.StartupPriceRetries
	if attempts < 1 {
		attempts = 1
	}
	wait := r.StartupPriceWait
	if wait <= 0 {
		wait = time.Second
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		price, err := r.Exchange.Ticker(ctx, r.Symbol)
		if err == nil && price.IsPositive() {
			return price, nil
		}
		if err == nil {
			err = errors.New("non-positive price")
		}
		lastErr = err
		log.Printf("level=WARN event=initial_price_failed attempt=%d/%d err=%q", i, attempts, err)
		if i < attempts && !sleepCtx(ctx, wait) {
			return decimal.Zero, ctx.Err()
		}
	}
	return decimal.Zero, lastErr
}

// restore loads the persisted wave and clears the previous process' resting
// orders before the first tick.
func (r *Runner) restore(ctx context.Context, price decimal.Decimal) error {
	if r.Store == nil {
		return nil
	}
	st, restored := r.Store.LoadWave()
	r.Orchestrator.Restore(st)
	log.Printf("level=INFO event=state_loaded restored=%t wave_id=%d phase=%s mode=%s center=%s gap=%s k_long=%d k_short=%d price=%s",
		restored, st.WaveID, st.Phase, st.Mode, st.Center, st.Gap, st.Long.K, st.Short.K, price)

	pending, ok, err := r.Store.LoadPendingOrders()
	if err != nil {
		log.Printf("level=WARN event=pending_orders_load_failed err=%q", err)
	}
	if ok && restored {
		if snap, snapOK, _ := r.Store.LoadWaveSnapshot(); snapOK {
			stateID := strings.TrimSpace(snap.SnapshotID)
			ordersID := strings.TrimSpace(pending.SnapshotID)
			if ordersID != "" && stateID != ordersID {
				log.Printf("level=WARN event=snapshot_mismatch state_snapshot_id=%q pending_snapshot_id=%q", stateID, ordersID)
				r.alertImportant("snapshot_mismatch", map[string]string{
					"state_snapshot_id":   stateID,
					"pending_snapshot_id": ordersID,
				})
			}
		}
	}
	canceled, err := r.Orchestrator.Recover(ctx, pending.Orders)
	if err != nil {
		log.Printf("level=WARN event=startup_recover_failed err=%q", err)
		return nil
	}
	if canceled > 0 {
		r.alertImportant("startup_orders_canceled", map[string]string{"count": strconv.Itoa(canceled)})
	}
	return nil
}

// runStream keeps the account stream connected. Reconnects go through the
// stream circuit so a dead endpoint is not hammered.
func (r *Runner) runStream(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if err := r.Breaker.Allow(safety.ActionStream); err != nil {
			wait := time.Second
			if rem := r.Breaker.CooldownRemaining(safety.ActionStream); rem > wait {
				wait = rem
			}
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		if pos, err := r.Exchange.Positions(ctx, r.Symbol); err == nil {
			r.Stream.Seed(pos)
		}
		err := r.Stream.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("stream closed")
		}
		if r.streamUp.Swap(false) {
			backoff = time.Second
		}
		if r.downSince.CompareAndSwap(0, time.Now().UTC().UnixNano()) {
			r.alertImportant("stream_disconnected", map[string]string{"reason": err.Error()})
		}
		attempts := r.reconnects.Add(1)
		_ = r.Breaker.RecordStream(err)
		log.Printf("level=WARN event=stream_disconnected attempt=%d backoff=%s err=%q", attempts, backoff, err)
		if !sleepCtx(ctx, backoff) {
			return
		}
		if backoff < maxStreamBackoff {
			backoff = min(backoff*2, maxStreamBackoff)
		}
	}
}

func (r *Runner) streamReady() {
	r.streamUp.Store(true)
	r.Breaker.ResetStream()
	since := r.downSince.Swap(0)
	attempts := r.reconnects.Swap(0)
	if since == 0 {
		log.Printf("level=INFO event=stream_connected symbol=%s", r.Symbol)
		return
	}
	down := time.Since(time.Unix(0, since)).Round(time.Second)
	log.Printf("level=INFO event=stream_reconnected attempts=%d down=%s", attempts, down)
	r.alertImportant("stream_reconnected", map[string]string{
		"reconnect_attempts": strconv.Itoa(int(attempts)),
		"down_duration":      down.String(),
	})
}

// OnAccountEvent is the stream sink: it feeds the cache the tick reads.
func (r *Runner) OnAccountEvent(ev exchange.AccountEvent) {
	if r.Cache != nil {
		r.Cache.Apply(ev)
	}
}

func (r *Runner) runState() string {
	if r.Stream != nil && !r.streamUp.Load() {
		return "degraded"
	}
	return "running"
}

func (r *Runner) observeCircuits() {
	if r.Breaker == nil {
		return
	}
	for _, action := range []safety.Action{safety.ActionPlace, safety.ActionCancel, safety.ActionStream} {
		r.Recorder.CircuitState(string(action), r.Breaker.State(action))
	}
}

func (r *Runner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

func (r *Runner) persistRuntimeStatus(state string, lastErr error) {
	if r.Store == nil {
		return
	}
	mode := r.Mode
	if mode == "" {
		mode = "paper"
	}
	instanceID := r.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	startedAt := r.startedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	status := store.RuntimeStatus{
		Mode:              mode,
		Symbol:            r.Symbol,
		InstanceID:        instanceID,
		PID:               os.Getpid(),
		State:             state,
		StartedAt:         startedAt,
		ReconnectAttempts: int(r.reconnects.Load()),
	}
	if since := r.downSince.Load(); since != 0 {
		t := time.Unix(0, since).UTC()
		status.DisconnectedAt = &t
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		log.Printf("level=WARN event=runtime_status_write_failed err=%q", err.Error())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
