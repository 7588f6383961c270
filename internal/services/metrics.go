package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/poofware/login-guard-service/internal/models"
)

const meterName = "github.com/poofware/login-guard-service"

// Metrics holds the service counters. A nil *Metrics records nothing.
type Metrics struct {
	sessionsCreated        metric.Int64Counter
	rateLimitDenied        metric.Int64Counter
	verificationsCompleted metric.Int64Counter
	wrongAnswers           metric.Int64Counter
	securityRejections     metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider, which is a
// no-op until the host installs an SDK provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.sessionsCreated, err = meter.Int64Counter("login_guard.sessions.created",
		metric.WithDescription("Verification sessions created")); err != nil {
		return nil, err
	}
	if m.rateLimitDenied, err = meter.Int64Counter("login_guard.rate_limit.denied",
		metric.WithDescription("Attempts denied by a per-action rate limit")); err != nil {
		return nil, err
	}
	if m.verificationsCompleted, err = meter.Int64Counter("login_guard.verifications.completed",
		metric.WithDescription("Sessions consumed by a correct challenge answer")); err != nil {
		return nil, err
	}
	if m.wrongAnswers, err = meter.Int64Counter("login_guard.answers.wrong",
		metric.WithDescription("Decoy codes submitted")); err != nil {
		return nil, err
	}
	if m.securityRejections, err = meter.Int64Counter("login_guard.security_policy.rejected",
		metric.WithDescription("Mobile confirmations rejected by IP binding")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) SessionCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsCreated.Add(ctx, 1)
}

func (m *Metrics) RateLimitDenied(ctx context.Context, action models.RateLimitAction) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
}

func (m *Metrics) VerificationCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.verificationsCompleted.Add(ctx, 1)
}

func (m *Metrics) WrongAnswer(ctx context.Context) {
	if m == nil {
		return
	}
	m.wrongAnswers.Add(ctx, 1)
}

func (m *Metrics) SecurityPolicyRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.securityRejections.Add(ctx, 1)
}
