package offload

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/polisai/polis-keyoffload/internal/offload/driver"
	"github.com/polisai/polis-keyoffload/internal/offload/driver/soft"
)

func findSum(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsRecordedForOperations(t *testing.T) {
	testKeys(t)
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	f := startFixture(t, soft.Options{Instances: 1}, SectionConfig{Name: "metrics"})
	p := newTestProvider()

	conn, err := Bind(f.section, rsaDER)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("measured"))
	_, err = p.Sign(conn, driver.AlgorithmRSAPKCS1SHA256, digest[:])
	require.NoError(t, err)
	_, res, err := waitResult(t, p, conn)
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, res)

	_, err = p.Sign(conn, driver.AlgorithmRSAPKCS1v15Decrypt, digest[:])
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(1), findSum(t, rm, "offload_operations_total"))
	assert.Equal(t, int64(1), findSum(t, rm, "offload_submissions_rejected_total"))
	assert.Equal(t, int64(1), findSum(t, rm, "offload_bindings_active"))

	conn.Unbind()
	rm = metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(0), findSum(t, rm, "offload_bindings_active"))
}

func TestNilMetricsCollectorIsSafe(t *testing.T) {
	var c *MetricsCollector
	ctx := context.Background()
	assert.NotPanics(t, func() {
		c.RecordBind(ctx, "s")
		c.RecordRelease(ctx, "s")
		c.RecordBindFailure(ctx, "s")
		c.RecordHandleDrain(ctx, "s", ReasonSectionDrain)
		c.RecordPollFailure(ctx, "s", 0, driver.StatusFail)
		c.RecordSubmissionRejected(ctx, driver.OpSign, "x")
		c.RecordOperation(ctx, driver.OpSign, driver.AlgorithmRSAPKCS1SHA256, "success", 0)
	})
}
