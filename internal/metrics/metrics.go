// Package metrics exposes wave and execution counters in the Prometheus
// text format on /metrics.
//
//	wavebot_orders_placed_total{source,type}  orders accepted by the venue
//	wavebot_orders_skipped_total{reason}      specs the executor refused
//	wavebot_market_fallbacks_total{source}    limit orders completed at market
//	wavebot_reposts_total                     maker remainders reposted
//	wavebot_ticks_total{result}               ok|error|panic
//	wavebot_wave_*                            current wave gauges
//	wavebot_circuit_state{action}             0 closed, 1 half_open, 2 open
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"wavebot/internal/core"
	"wavebot/internal/state"
)

var (
	modes          = []state.Mode{state.ModeStartup, state.ModeNormal, state.ModeEscape, state.ModePause}
	escapeStatuses = []state.EscapeStatus{state.EscapeNone, state.EscapePending, state.EscapeActive, state.EscapeDone}
)

type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced    *prometheus.CounterVec
	ordersSkipped   *prometheus.CounterVec
	marketFallbacks *prometheus.CounterVec
	reposts         prometheus.Counter
	ticks           *prometheus.CounterVec
	fills           *prometheus.CounterVec
	waves           prometheus.Counter
	escapeEvents    *prometheus.CounterVec

	waveID       prometheus.Gauge
	waveActive   prometheus.Gauge
	mode         *prometheus.GaugeVec
	seedK        *prometheus.GaugeVec
	position     *prometheus.GaugeVec
	escapeStatus *prometheus.GaugeVec
	price        prometheus.Gauge
	line         prometheus.Gauge
	gap          prometheus.Gauge
	balance      *prometheus.GaugeVec
	circuit      *prometheus.GaugeVec
	pendingMaker prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavebot_orders_placed_total",
			Help: "Orders accepted by the venue.",
		}, []string{"source", "type"}),
		ordersSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavebot_orders_skipped_total",
			Help: "Order specs refused before placement.",
		}, []string{"reason"}),
		marketFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavebot_market_fallbacks_total",
			Help: "Limit orders whose remainder was completed at market.",
		}, []string{"source"}),
		reposts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wavebot_reposts_total",
			Help: "Maker remainders reposted after their timeout.",
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavebot_ticks_total",
			Help: "Decision ticks by result.",
		}, []string{"result"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavebot_fills_total",
			Help: "Fills recorded, by order source.",
		}, []string{"source"}),
		waves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wavebot_waves_started_total",
			Help: "Waves started, recenters included.",
		}),
		escapeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavebot_escape_events_total",
			Help: "Escape state machine transitions.",
		}, []string{"event", "direction"}),
		waveID: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wavebot_wave_id",
			Help: "Current wave id.",
		}),
		waveActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wavebot_wave_active",
			Help: "1 while a wave is active.",
		}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wavebot_wave_mode",
			Help: "Wave mode indicator, one labeled series per mode.",
		}, []string{"mode"}),
		seedK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wavebot_wave_seed_k",
			Help: "Unit seeds committed per direction.",
		}, []string{"direction"}),
		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wavebot_position_qty",
			Help: "Open position quantity per direction.",
		}, []string{"direction"}),
		escapeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wavebot_escape_status",
			Help: "Escape status indicator per direction.",
		}, []string{"direction", "status"}),
		price: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wavebot_price",
			Help: "Last traded price seen by the tick.",
		}),
		line: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wavebot_wave_line",
			Help: "Current line index.",
		}),
		gap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wavebot_wave_gap",
			Help: "Grid gap of the current wave.",
		}),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wavebot_balance",
			Help: "Margin balance in quote units.",
		}, []string{"kind"}),
		circuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wavebot_circuit_state",
			Help: "API circuit state: 0 closed, 1 half_open, 2 open.",
		}, []string{"action"}),
		pendingMaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wavebot_pending_maker_orders",
			Help: "Maker orders awaiting their repost check.",
		}),
	}
	m.registry.MustRegister(
		m.ordersPlaced, m.ordersSkipped, m.marketFallbacks, m.reposts,
		m.ticks, m.fills, m.waves, m.escapeEvents,
		m.waveID, m.waveActive, m.mode, m.seedK, m.position, m.escapeStatus,
		m.price, m.line, m.gap, m.balance, m.circuit, m.pendingMaker,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OrderPlaced(src core.Source, typ core.OrderType) {
	m.ordersPlaced.WithLabelValues(string(src), string(typ)).Inc()
}

func (m *Metrics) OrderSkipped(reason string) {
	m.ordersSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) MarketFallback(src core.Source) {
	m.marketFallbacks.WithLabelValues(string(src)).Inc()
}

func (m *Metrics) Reposted() {
	m.reposts.Inc()
}

// TickDone counts one tick; result is ok, error or panic.
func (m *Metrics) TickDone(result string) {
	m.ticks.WithLabelValues(result).Inc()
}

func (m *Metrics) FillRecorded(src core.Source) {
	m.fills.WithLabelValues(string(src)).Inc()
}

func (m *Metrics) WaveStarted() {
	m.waves.Inc()
}

func (m *Metrics) EscapeEvent(event string, dir core.Direction) {
	m.escapeEvents.WithLabelValues(event, string(dir)).Inc()
}

func (m *Metrics) PendingMaker(n int) {
	m.pendingMaker.Set(float64(n))
}

// CircuitState maps a breaker state name onto the gauge.
func (m *Metrics) CircuitState(action, st string) {
	v := 0.0
	switch st {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.circuit.WithLabelValues(action).Set(v)
}

// ObserveWave refreshes every wave gauge from the state written this tick.
func (m *Metrics) ObserveWave(st state.State, pos core.Positions, line int) {
	m.waveID.Set(float64(st.WaveID))
	if st.Phase == state.PhaseActive {
		m.waveActive.Set(1)
	} else {
		m.waveActive.Set(0)
	}
	for _, md := range modes {
		v := 0.0
		if st.Mode == md {
			v = 1
		}
		m.mode.WithLabelValues(string(md)).Set(v)
	}
	for _, dir := range []core.Direction{core.Long, core.Short} {
		side := st.Side(dir)
		m.seedK.WithLabelValues(string(dir)).Set(float64(side.K))
		m.position.WithLabelValues(string(dir)).Set(toFloat(pos.Get(dir).Qty))
		for _, es := range escapeStatuses {
			v := 0.0
			if side.Escape.Status == es {
				v = 1
			}
			m.escapeStatus.WithLabelValues(string(dir), string(es)).Set(v)
		}
	}
	m.price.Set(toFloat(st.LastPrice))
	m.line.Set(float64(line))
	m.gap.Set(toFloat(st.Gap))
	m.balance.WithLabelValues("total").Set(toFloat(st.TotalBalance))
	m.balance.WithLabelValues("available").Set(toFloat(st.FreeBalance))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("level=INFO event=metrics_listening addr=%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
