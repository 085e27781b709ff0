package offload

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-keyoffload/internal/offload/driver/soft"
)

func TestPrometheusCollector(t *testing.T) {
	f := startFixture(t, soft.Options{Instances: 2}, SectionConfig{Name: "prom"})

	conn, err := Bind(f.section, []byte("key"))
	require.NoError(t, err)
	defer conn.Unbind()

	collector := NewPrometheusCollector(f.section)
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(collector))
	families, err := registry.Gather()
	require.NoError(t, err)

	assert.Len(t, families, 5)

	var users []float64
	for _, mf := range families {
		assert.Len(t, mf.GetMetric(), 2, mf.GetName())
		if mf.GetName() != "offload_handle_users" {
			continue
		}
		for _, m := range mf.GetMetric() {
			users = append(users, m.GetGauge().GetValue())
		}
	}
	assert.ElementsMatch(t, []float64{1, 0}, users)
}
