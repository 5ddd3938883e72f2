package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/anushkaabajpaiii/auth-vault/auth"

// SessionMetrics counts session lifecycle outcomes. A nil *SessionMetrics is
// valid and records nothing.
type SessionMetrics struct {
	logins      metric.Int64Counter
	refreshes   metric.Int64Counter
	revocations metric.Int64Counter
	lockouts    metric.Int64Counter
}

func NewSessionMetrics(provider metric.MeterProvider) (*SessionMetrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &SessionMetrics{}
	var err error
	m.logins, err = meter.Int64Counter(
		"auth.login.attempts",
		metric.WithDescription("Password login attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create auth.login.attempts counter: %w", err)
	}

	m.refreshes, err = meter.Int64Counter(
		"auth.token.refreshes",
		metric.WithDescription("Refresh token rotations by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create auth.token.refreshes counter: %w", err)
	}

	m.revocations, err = meter.Int64Counter(
		"auth.token.revocations",
		metric.WithDescription("Refresh tokens revoked by logout"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create auth.token.revocations counter: %w", err)
	}

	m.lockouts, err = meter.Int64Counter(
		"auth.account.lockouts",
		metric.WithDescription("Accounts locked after repeated failed logins"),
		metric.WithUnit("{lockout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create auth.account.lockouts counter: %w", err)
	}

	return m, nil
}

func (m *SessionMetrics) RecordLogin(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *SessionMetrics) RecordRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *SessionMetrics) RecordRevocations(ctx context.Context, reason string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.revocations.Add(ctx, count, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *SessionMetrics) RecordLockout(ctx context.Context) {
	if m == nil {
		return
	}
	m.lockouts.Add(ctx, 1)
}
