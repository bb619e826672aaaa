package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavebot/internal/core"
	"wavebot/internal/execution"
	"wavebot/internal/state"
)

var _ execution.Recorder = (*Metrics)(nil)

func TestRecorderCounters(t *testing.T) {
	m := New()
	m.OrderPlaced(core.SourceGrid, core.Limit)
	m.OrderPlaced(core.SourceGrid, core.Limit)
	m.OrderPlaced(core.SourceHedge, core.Market)
	m.OrderSkipped("duplicate_open")
	m.MarketFallback(core.SourceHedge)
	m.Reposted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("grid", "LIMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("hedge", "MARKET")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersSkipped.WithLabelValues("duplicate_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.marketFallbacks.WithLabelValues("hedge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reposts))
}

func TestObserveWaveFlipsIndicators(t *testing.T) {
	m := New()
	st := state.Default()
	st.Phase = state.PhaseActive
	st.Mode = state.ModeEscape
	st.WaveID = 4
	st.Gap = decimal.NewFromInt(150)
	st.LastPrice = decimal.NewFromInt(60000)
	st.TotalBalance = decimal.NewFromInt(10000)
	st.Long.K = 13
	st.Long.Escape.Status = state.EscapeActive
	pos := core.Positions{Long: core.Position{Qty: decimal.RequireFromString("0.25")}}

	m.ObserveWave(st, pos, -13)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.waveID))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.waveActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mode.WithLabelValues("ESCAPE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.mode.WithLabelValues("NORMAL")))
	assert.Equal(t, 13.0, testutil.ToFloat64(m.seedK.WithLabelValues("LONG")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.position.WithLabelValues("LONG")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escapeStatus.WithLabelValues("LONG", "ACTIVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escapeStatus.WithLabelValues("SHORT", "NONE")))
	assert.Equal(t, -13.0, testutil.ToFloat64(m.line))

	st.Mode = state.ModeNormal
	m.ObserveWave(st, pos, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.mode.WithLabelValues("ESCAPE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mode.WithLabelValues("NORMAL")))
}

func TestCircuitStateValues(t *testing.T) {
	m := New()
	m.CircuitState("place_order", "open")
	m.CircuitState("stream", "half_open")
	m.CircuitState("cancel_order", "closed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuit.WithLabelValues("place_order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuit.WithLabelValues("stream")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.circuit.WithLabelValues("cancel_order")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.TickDone("ok")
	m.WaveStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `wavebot_ticks_total{result="ok"} 1`)
	assert.Contains(t, string(body), "wavebot_waves_started_total 1")
	assert.NotContains(t, string(body), "go_goroutines")
}
