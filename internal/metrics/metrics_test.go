package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())

	r.RecordItem("step3", "success")
	r.RecordItem("step3", "success")
	r.RecordItem("step3", "pending")
	r.RecordFetch("winticket", "ok")
	r.RecordRetry("yenjoy")
	r.RecordTransition("step4", "completed")

	assert.Equal(t, 2.0, counterValue(t, r.StageItems, "step3", "success"))
	assert.Equal(t, 1.0, counterValue(t, r.StageItems, "step3", "pending"))
	assert.Equal(t, 1.0, counterValue(t, r.FetchRequests, "winticket", "ok"))
	assert.Equal(t, 1.0, counterValue(t, r.FetchRetries, "yenjoy"))
	assert.Equal(t, 1.0, counterValue(t, r.LedgerTransitions, "step4", "completed"))
}

func TestStageTimer_RecordsHistogram(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())

	timer := r.StartStageTimer("step1")
	timer.Stop("success")

	h, err := r.StageDuration.GetMetricWithLabelValues("step1", "success")
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, h.(prometheus.Histogram).Write(m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestRegistry_SeparateRegisterers(t *testing.T) {
	// Two registries on distinct registerers must not collide.
	a := NewRegistry(prometheus.NewRegistry())
	b := NewRegistry(prometheus.NewRegistry())

	a.RecordItem("step1", "success")
	assert.Equal(t, 1.0, counterValue(t, a.StageItems, "step1", "success"))
	assert.Equal(t, 0.0, counterValue(t, b.StageItems, "step1", "success"))
}
