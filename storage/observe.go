package storage

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/udibo/oauth2-server/instrumentation"
)

// Observer traces and measures the operations of a storage backend.
// The zero value of *Observer (nil) and an observer without
// instrumentation are both no-ops.
type Observer struct {
	storageType string

	mu              sync.RWMutex
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewObserver creates an observer labelling spans and metrics with storageType.
func NewObserver(storageType string) *Observer {
	return &Observer{storageType: storageType}
}

// SetInstrumentation enables spans and metrics. nil disables them.
func (o *Observer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.instrumentation = inst
	o.tracer = nil
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
}

// Instrumentation returns the configured instrumentation, if any.
func (o *Observer) Instrumentation() *instrumentation.Instrumentation {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.instrumentation
}

// Start begins a storage.<operation> span. Call the returned function with
// the operation's error when it completes:
//
//	ctx, done := o.Start(ctx, "get_token")
//	defer func() { done(err) }()
func (o *Observer) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if o == nil {
		return ctx, func(error) {}
	}
	o.mu.RLock()
	tracer, inst := o.tracer, o.instrumentation
	o.mu.RUnlock()
	if inst == nil || tracer == nil {
		return ctx, func(error) {}
	}

	startTime := time.Now()
	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, o.storageType)

	return ctx, func(err error) {
		defer span.End()
		result := "success"
		if err != nil {
			result = "error"
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))
		durationMs := float64(time.Since(startTime).Microseconds()) / 1000
		inst.Metrics().RecordStorageOperation(ctx, o.storageType, operation, result, durationMs)
	}
}
