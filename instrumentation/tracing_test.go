package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingInstrumentation(t *testing.T) (*Instrumentation, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{
		Enabled:        true,
		SpanProcessors: []sdktrace.SpanProcessor{recorder},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, recorder
}

func spanAttributes(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	return attrs
}

func TestSpanHelpers(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "oauth.token")
	AddOAuthFlowAttributes(span, "web", "", "read write")
	AddPKCEAttributes(span, "S256")
	AddHTTPAttributes(span, "POST", "/token", 200)
	AddStorageAttributes(span, "save_token", "memory")
	AddSecurityAttributes(span, "")
	SetSpanSuccess(span)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	got := ended[0]
	if got.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", got.Status().Code)
	}

	attrs := spanAttributes(got)
	want := map[attribute.Key]string{
		AttrClientID:         "web",
		AttrScope:            "read write",
		AttrPKCEMethod:       "S256",
		AttrHTTPMethod:       "POST",
		AttrHTTPEndpoint:     "/token",
		AttrStorageOperation: "save_token",
		AttrStorageType:      "memory",
	}
	for key, value := range want {
		if attrs[key].AsString() != value {
			t.Errorf("attribute %s = %q, want %q", key, attrs[key].AsString(), value)
		}
	}
	if _, ok := attrs[AttrUserID]; ok {
		t.Error("empty user id must not be recorded")
	}
	if _, ok := attrs[AttrClientIP]; ok {
		t.Error("empty client ip must not be recorded")
	}
	if attrs[AttrHTTPStatusCode].AsInt64() != 200 {
		t.Errorf("status code attribute = %v", attrs[AttrHTTPStatusCode])
	}
}

func TestRecordError(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "failing")
	RecordError(span, errors.New("invalid_grant: invalid code"))
	span.End()

	got := recorder.Ended()[0]
	if got.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", got.Status().Code)
	}
	if got.Status().Description != "invalid_grant: invalid code" {
		t.Errorf("description = %q", got.Status().Description)
	}
	if len(got.Events()) == 0 {
		t.Error("RecordError should add an exception event")
	}
}

func TestShouldLogClientIPs(t *testing.T) {
	for _, want := range []bool{true, false} {
		inst, err := New(Config{Enabled: true, LogClientIPs: want})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if got := inst.ShouldLogClientIPs(); got != want {
			t.Errorf("ShouldLogClientIPs() = %v, want %v", got, want)
		}
		_ = inst.Shutdown(context.Background())
	}
}

func TestNilSafeHelpers(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddOAuthFlowAttributes(nil, "c", "u", "s")
	AddPKCEAttributes(nil, "S256")
	AddStorageAttributes(nil, "op", "memory")
	AddHTTPAttributes(nil, "GET", "/", 200)
	AddSecurityAttributes(nil, "127.0.0.1")
}
