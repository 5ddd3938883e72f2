package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader sdkmetric.Reader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string][]metricdata.DataPoint[int64]{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = append(out[m.Name], sum.DataPoints...)
			}
		}
	}
	return out
}

func TestSessionMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := NewSessionMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordLogin(ctx, "success")
	metrics.RecordLogin(ctx, "success")
	metrics.RecordLogin(ctx, "locked")
	metrics.RecordRefresh(ctx, "reuse")
	metrics.RecordRevocations(ctx, "logout-all", 3)
	metrics.RecordRevocations(ctx, "logout", 0)
	metrics.RecordLockout(ctx)

	sums := collectSums(t, reader)

	logins := map[string]int64{}
	for _, dp := range sums["auth.login.attempts"] {
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		logins[outcome.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"success": 2, "locked": 1}, logins)

	require.Len(t, sums["auth.token.revocations"], 1)
	assert.Equal(t, int64(3), sums["auth.token.revocations"][0].Value)
	require.Len(t, sums["auth.token.refreshes"], 1)
	require.Len(t, sums["auth.account.lockouts"], 1)
}

func TestNilSessionMetrics(t *testing.T) {
	var metrics *SessionMetrics
	assert.NotPanics(t, func() {
		metrics.RecordLogin(context.Background(), "success")
		metrics.RecordLockout(context.Background())
	})

	noop, err := NewSessionMetrics(nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { noop.RecordRefresh(context.Background(), "success") })
}
