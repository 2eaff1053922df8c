package otelx

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles every metric this module emits, created once per
// Provider and passed down to the components that record against them
// (C8's checker, C2's limiter, C3's rate limiter, C4's quota tracker, C11's
// supervisor). Grounded on the same "create instruments once, hand out the
// Provider" shape the teacher's otel.Provider uses for its Tracer/Meter.
type Metrics struct {
	CapabilityChecks  metric.Int64Counter
	CapabilityDenials metric.Int64Counter
	ResourceBreaches  metric.Int64Counter
	RateLimitThrottle metric.Int64Counter
	QuotaBreaches     metric.Int64Counter
	ComponentRestarts metric.Int64Counter
	ActiveComponents  metric.Int64UpDownCounter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	checks, err := meter.Int64Counter("wasmguard.capability.checks",
		metric.WithDescription("Total capability checks evaluated"))
	if err != nil {
		return nil, err
	}
	denials, err := meter.Int64Counter("wasmguard.capability.denials",
		metric.WithDescription("Total capability checks that were denied"))
	if err != nil {
		return nil, err
	}
	resourceBreaches, err := meter.Int64Counter("wasmguard.resource.breaches",
		metric.WithDescription("Total resource limit breaches (memory, fuel, table growth)"))
	if err != nil {
		return nil, err
	}
	throttles, err := meter.Int64Counter("wasmguard.rate.throttles",
		metric.WithDescription("Total calls rejected by the rate limiter"))
	if err != nil {
		return nil, err
	}
	quotaBreaches, err := meter.Int64Counter("wasmguard.quota.breaches",
		metric.WithDescription("Total quota-exceeded rejections"))
	if err != nil {
		return nil, err
	}
	restarts, err := meter.Int64Counter("wasmguard.supervisor.restarts",
		metric.WithDescription("Total child restarts performed by a supervisor"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("wasmguard.components.active",
		metric.WithDescription("Currently registered component actors"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		CapabilityChecks:  checks,
		CapabilityDenials: denials,
		ResourceBreaches:  resourceBreaches,
		RateLimitThrottle: throttles,
		QuotaBreaches:     quotaBreaches,
		ComponentRestarts: restarts,
		ActiveComponents:  active,
	}, nil
}

// RecordCapabilityCheck records one check_capability call outcome.
func (i *Metrics) RecordCapabilityCheck(ctx context.Context, granted bool, kind string) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	i.CapabilityChecks.Add(ctx, 1, attrs)
	if !granted {
		i.CapabilityDenials.Add(ctx, 1, attrs)
	}
}

// RecordResourceBreach records a resource-limit breach for dimension
// (e.g. "memory", "fuel", "table").
func (i *Metrics) RecordResourceBreach(ctx context.Context, dimension string) {
	i.ResourceBreaches.Add(ctx, 1, metric.WithAttributes(attribute.String("dimension", dimension)))
}

// RecordRateLimitThrottle records a rate-limiter rejection.
func (i *Metrics) RecordRateLimitThrottle(ctx context.Context) {
	i.RateLimitThrottle.Add(ctx, 1)
}

// RecordQuotaBreach records a quota-tracker rejection.
func (i *Metrics) RecordQuotaBreach(ctx context.Context) {
	i.QuotaBreaches.Add(ctx, 1)
}

// RecordRestart records a supervisor-driven child restart for strategy
// (e.g. "one_for_one", "one_for_all", "rest_for_one").
func (i *Metrics) RecordRestart(ctx context.Context, strategy string) {
	i.ComponentRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// ComponentRegistered increments the active-component gauge.
func (i *Metrics) ComponentRegistered(ctx context.Context) {
	i.ActiveComponents.Add(ctx, 1)
}

// ComponentUnregistered decrements the active-component gauge.
func (i *Metrics) ComponentUnregistered(ctx context.Context) {
	i.ActiveComponents.Add(ctx, -1)
}
