package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	RequestsTotal.WithLabelValues("write_share_chunk", "ok").Inc()
	RequestDuration.WithLabelValues("write_share_chunk").Observe(0.02)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
		if f.GetName() == "grid_client_requests_total" {
			require.NotEmpty(t, f.GetMetric())
			assert.GreaterOrEqual(t, f.GetMetric()[0].GetCounter().GetValue(), 1.0)
		}
	}
	assert.True(t, names["grid_client_requests_total"])
	assert.True(t, names["grid_client_request_duration_seconds"])

	assert.Panics(t, func() { Register(reg) })
}
