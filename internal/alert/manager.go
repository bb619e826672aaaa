package alert

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	defaultSendEvery          = 2 * time.Second
	defaultSendBurst          = 5
	defaultRepeatWindow       = 5 * time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	// SendEvery spaces notifier calls; Telegram throttles bots that burst.
	SendEvery time.Duration
	SendBurst int
	// RepeatWindow collapses identical event+fields pairs. Zero disables it.
	RepeatWindow time.Duration
	Now          func() time.Time
}

// Manager fans wave events out to a Notifier without ever blocking the tick.
// Events that do not fit in the queue are dropped and counted.
type Manager struct {
	mode     string
	symbol   string
	notifier Notifier
	limiter  *rate.Limiter
	now      func() time.Time

	queue              chan alertEvent
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration
	repeatWindow       time.Duration

	droppedTotal         uint64
	droppedSinceReported uint64
	suppressedTotal      uint64

	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	seenMu   sync.Mutex
	lastSeen map[string]time.Time
}

type alertEvent struct {
	event  string
	fields map[string]string
	at     time.Time
}

func NewManager(mode, symbol string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, symbol, notifier, ManagerOptions{
		QueueSize:          defaultQueueSize,
		DropReportInterval: defaultDropReportInterval,
		SendEvery:          defaultSendEvery,
		SendBurst:          defaultSendBurst,
		RepeatWindow:       defaultRepeatWindow,
	})
}

func NewManagerWithOptions(mode, symbol string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	limit := rate.Inf
	if opts.SendEvery > 0 {
		limit = rate.Every(opts.SendEvery)
	}
	burst := opts.SendBurst
	if burst < 1 {
		burst = 1
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	repeat := opts.RepeatWindow
	if repeat < 0 {
		repeat = 0
	}
	m := &Manager{
		mode:               mode,
		symbol:             symbol,
		notifier:           notifier,
		limiter:            rate.NewLimiter(limit, burst),
		now:                now,
		queue:              make(chan alertEvent, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
		repeatWindow:       repeat,
		lastSeen:           make(map[string]time.Time),
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	at := m.now()
	if m.repeated(event, fields, at) {
		atomic.AddUint64(&m.suppressedTotal, 1)
		return
	}
	ev := alertEvent{
		event:  event,
		fields: cloneFields(fields),
		at:     at,
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		if droppedInWindow == 1 {
			log.Printf(
				"level=WARN event=alert_queue_dropped target_event=%q reason=%q dropped_total=%d queue_len=%d queue_cap=%d",
				event,
				"queue_full",
				droppedTotal,
				len(m.queue),
				cap(m.queue),
			)
		}
	}
}

// repeated reports whether the same event with the same fields was accepted
// inside the repeat window, and records it otherwise.
func (m *Manager) repeated(event string, fields map[string]string, at time.Time) bool {
	if m.repeatWindow <= 0 {
		return false
	}
	key := event + "|" + joinFields(fields, "=", ",")
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	if last, ok := m.lastSeen[key]; ok && at.Sub(last) < m.repeatWindow {
		return true
	}
	m.lastSeen[key] = at
	if len(m.lastSeen) > 4*defaultQueueSize {
		for k, seen := range m.lastSeen {
			if at.Sub(seen) >= m.repeatWindow {
				delete(m.lastSeen, k)
			}
		}
	}
	return false
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev, true)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev, false)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	log.Printf(
		"level=WARN event=alert_queue_dropped_report dropped_since_last=%d dropped_total=%d suppressed_total=%d report_interval_sec=%d queue_len=%d queue_cap=%d",
		dropped,
		atomic.LoadUint64(&m.droppedTotal),
		atomic.LoadUint64(&m.suppressedTotal),
		int64(m.dropReportInterval/time.Second),
		len(m.queue),
		cap(m.queue),
	)
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

// send waits for the limiter while running. During shutdown the queue is
// flushed without pacing so Close does not hang on a slow bucket.
func (m *Manager) send(ev alertEvent, paced bool) {
	if paced {
		waitCtx, cancelWait := context.WithCancel(context.Background())
		go func() {
			select {
			case <-m.stop:
				cancelWait()
			case <-waitCtx.Done():
			}
		}()
		err := m.limiter.Wait(waitCtx)
		cancelWait()
		if err != nil {
			log.Printf("level=WARN event=alert_throttle_interrupted target_event=%q err=%q", ev.event, err.Error())
		}
	}
	msg := m.buildMessage(ev)
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.event, err.Error())
	}
}

func (m *Manager) buildMessage(ev alertEvent) string {
	lines := []string{
		"[wavebot] " + ev.event,
		"time: " + ev.at.UTC().Format(time.RFC3339),
		"mode: " + m.mode,
		"symbol: " + m.symbol,
		"event: " + ev.event,
	}
	if body := joinFields(ev.fields, ": ", "\n"); body != "" {
		lines = append(lines, body)
	}
	return strings.Join(lines, "\n")
}

func joinFields(fields map[string]string, kv, sep string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+kv+fields[k])
	}
	return strings.Join(parts, sep)
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
