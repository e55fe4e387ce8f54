package storage

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-authserver/instrumentation"
)

// Observer records a span and the storage metrics around each backend call.
// The zero value records nothing.
type Observer struct {
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
	backend string
}

// NewObserver returns an Observer for backend. A nil inst yields the no-op
// zero value.
func NewObserver(inst *instrumentation.Instrumentation, backend string) Observer {
	if inst == nil {
		return Observer{}
	}
	return Observer{inst: inst, tracer: inst.Tracer("storage"), backend: backend}
}

// Start opens a span for operation. The returned func must be called with the
// operation's error, typically in a defer.
func (o Observer) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if o.inst == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOp, operation),
			attribute.String(instrumentation.AttrStorageType, o.backend),
		))

	return ctx, func(err error) {
		defer span.End()
		result := "success"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		durationMs := float64(time.Since(start).Microseconds()) / 1000
		o.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	}
}

// ObserverRef holds an Observer that can be replaced while the backend is
// serving. The zero value records nothing.
type ObserverRef struct {
	p atomic.Pointer[Observer]
}

// Set replaces the current Observer.
func (r *ObserverRef) Set(o Observer) {
	r.p.Store(&o)
}

// Start calls Start on the current Observer.
func (r *ObserverRef) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if o := r.p.Load(); o != nil {
		return o.Start(ctx, operation)
	}
	return Observer{}.Start(ctx, operation)
}
