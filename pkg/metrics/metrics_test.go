package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CollectorRequestsTotal.WithLabelValues("assessor", "ok").Inc()
	m.CollectorRetriesTotal.WithLabelValues("mls_scrape").Inc()
	m.PipelineItemsTotal.WithLabelValues("assessor", "processed").Inc()
	m.LLMRequestsTotal.WithLabelValues("success").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRateLimitObserverIncrementsOnLimitHit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	obs := NewRateLimitObserver(m)

	obs.OnRequest("assessor")
	obs.OnLimitHit("assessor", 2*time.Second)
	obs.OnLimitHit("assessor", time.Second)
	obs.OnReset("assessor")

	assert.Equal(t, float64(2), counterValue(t, m.RateLimitHitsTotal.WithLabelValues("assessor")))
}
