package alert

import (
	"bytes"
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	if n.entered != nil {
		n.once.Do(func() {
			close(n.entered)
		})
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func (n *notifierSpy) first() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return ""
	}
	return n.msgs[0]
}

func TestManagerCloseFlushesQueuedEvents(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("live", "BTCUSDT", spy)
	if m == nil {
		t.Fatalf("NewManager() returned nil")
	}

	m.Important("wave_started", map[string]string{"wave_id": "1"})
	m.Important("escape_activated", map[string]string{"side": "LONG"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if spy.count() != 2 {
		t.Fatalf("notified count = %d, want 2", spy.count())
	}
	msg := spy.first()
	if !strings.HasPrefix(msg, "[wavebot] wave_started\n") || !strings.Contains(msg, "wave_id: 1") {
		t.Fatalf("first message missing event, got %q", msg)
	}
}

// stalledManager returns a manager whose notifier is parked inside its
// first Notify call until release is closed.
func stalledManager(t *testing.T, opts ManagerOptions) (m *Manager, spy *notifierSpy, release chan struct{}) {
	t.Helper()
	release = make(chan struct{})
	spy = &notifierSpy{block: release, entered: make(chan struct{})}
	m = NewManagerWithOptions("live", "BTCUSDT", spy, opts)
	m.Important("tick_failed", map[string]string{"err": "positions: timeout"})
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier never started")
	}
	return m, spy, release
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerDropsInsteadOfBlockingTheTick(t *testing.T) {
	m, _, release := stalledManager(t, ManagerOptions{QueueSize: 1})

	done := make(chan struct{})
	go func() {
		m.Important("stream_disconnected", nil)
		for i := 0; i < 500; i++ {
			m.Important("order_failed", map[string]string{"n": strconv.Itoa(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Important() blocked on a full queue")
	}

	total, pending := m.droppedStats()
	if total != 500 || pending != 500 {
		t.Fatalf("dropped total=%d pending=%d, want 500/500", total, pending)
	}
	close(release)
	closeManager(t, m)
}

func TestManagerPeriodicDroppedReportEmitsAndResetsWindow(t *testing.T) {
	var logs bytes.Buffer
	origOutput, origFlags := log.Writer(), log.Flags()
	log.SetOutput(&logs)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	}()

	m, _, release := stalledManager(t, ManagerOptions{QueueSize: 1, DropReportInterval: 40 * time.Millisecond})
	m.Important("risk_paused", nil)
	for i := 0; i < 3; i++ {
		m.Important("escape_active", map[string]string{"dir": "LONG"})
	}

	deadline := time.Now().Add(800 * time.Millisecond)
	for !strings.Contains(logs.String(), "event=alert_queue_dropped_report") {
		if time.Now().After(deadline) {
			t.Fatalf("missing dropped report log, got logs: %s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, pending := m.droppedStats(); pending != 0 {
		t.Fatalf("dropped pending window = %d, want 0 after periodic report", pending)
	}
	close(release)
	closeManager(t, m)
}

func TestManagerSuppressesRepeatsInsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	spy := &notifierSpy{}
	m := NewManagerWithOptions("paper", "BTCUSDT", spy, ManagerOptions{
		RepeatWindow: time.Minute,
		Now:          clock,
	})

	m.Important("risk_paused", map[string]string{"reason": "candle_range"})
	m.Important("risk_paused", map[string]string{"reason": "candle_range"})
	m.Important("risk_paused", map[string]string{"reason": "volume_spike"})
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	m.Important("risk_paused", map[string]string{"reason": "candle_range"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if spy.count() != 3 {
		t.Fatalf("notified count = %d, want 3", spy.count())
	}
	if got := atomic.LoadUint64(&m.suppressedTotal); got != 1 {
		t.Fatalf("suppressed = %d, want 1", got)
	}
}

func TestManagerCloseInterruptsThrottle(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManagerWithOptions("live", "BTCUSDT", spy, ManagerOptions{
		SendEvery: time.Hour,
		SendBurst: 1,
	})
	m.Important("first", nil)
	m.Important("second", nil)

	deadline := time.Now().Add(time.Second)
	for spy.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("first alert was not sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if spy.count() != 1 {
		t.Fatalf("second alert bypassed the limiter")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if spy.count() != 2 {
		t.Fatalf("notified count = %d, want 2 after flush", spy.count())
	}
}

func TestNilManagerIsSafe(t *testing.T) {
	var m *Manager
	m.Important("anything", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if NewManager("paper", "BTCUSDT", nil) != nil {
		t.Fatalf("NewManager(nil notifier) should return nil")
	}
}
