package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the login flow.
type Metrics struct {
	LoginStarted      metric.Int64Counter
	CallbackProcessed metric.Int64Counter
	LoggedOut         metric.Int64Counter
	RateLimitExceeded metric.Int64Counter

	ProviderAPIDuration metric.Float64Histogram
	ProviderAPIErrors   metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	authMeter := inst.Meter("auth")
	providerMeter := inst.Meter("provider")

	var err error
	m.LoginStarted, err = authMeter.Int64Counter(
		"line.login.started",
		metric.WithDescription("Number of login flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login.started counter: %w", err)
	}

	m.CallbackProcessed, err = authMeter.Int64Counter(
		"line.callback.processed",
		metric.WithDescription("Number of provider callbacks processed, by outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.LoggedOut, err = authMeter.Int64Counter(
		"line.logout",
		metric.WithDescription("Number of logouts"),
		metric.WithUnit("{logout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout counter: %w", err)
	}

	m.RateLimitExceeded, err = authMeter.Int64Counter(
		"line.rate_limit.exceeded",
		metric.WithDescription("Number of requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"line.provider.duration",
		metric.WithDescription("LINE API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"line.provider.errors",
		metric.WithDescription("Number of failed LINE API calls, by error kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.errors counter: %w", err)
	}

	return m, nil
}

// RecordLoginStarted counts one InitiateLogin.
func (m *Metrics) RecordLoginStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.LoginStarted.Add(ctx, 1)
}

// RecordCallback counts one HandleCallback with its outcome, "success" or
// an error kind name.
func (m *Metrics) RecordCallback(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

// RecordLogout counts one logout.
func (m *Metrics) RecordLogout(ctx context.Context) {
	if m == nil {
		return
	}
	m.LoggedOut.Add(ctx, 1)
}

// RecordRateLimitExceeded counts one rejected request.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrHTTPRoute, route)))
}

// RecordProviderCall records the duration of one LINE API call and, when
// errKind is not empty, counts it as failed.
func (m *Metrics) RecordProviderCall(ctx context.Context, operation string, durationMs float64, errKind string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrProviderOperation, operation))
	m.ProviderAPIDuration.Record(ctx, durationMs, attrs)
	if errKind != "" {
		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String(AttrProviderOperation, operation),
			attribute.String(AttrProviderErrorType, errKind),
		))
	}
}
