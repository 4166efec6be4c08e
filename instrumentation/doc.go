// Package instrumentation provides OpenTelemetry instrumentation for the OAuth servers.
//
// It wires a tracer provider and a meter provider and exposes pre-registered
// metric instruments through Metrics.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-oauth-service",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		SpanProcessors: []sdktrace.SpanProcessor{sdktrace.NewBatchSpanProcessor(exporter)},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is false every provider is a no-op.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Token and authorization endpoints:
//   - oauth.token.issued{grant_type, client_id, refresh_token}
//   - oauth.token.errors{grant_type, error}
//   - oauth.authorization.requests{client_id, outcome}
//   - oauth.authentication.failures{error}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{storage, operation, result}
//   - storage.operation.duration{storage, operation}
//   - storage.tokens.count, storage.codes.count
//
// # Security Considerations
//
// Never record token values, authorization codes, client secrets or PKCE
// verifiers in spans or metrics. client_id labels can produce high cardinality
// for deployments with many clients.
package instrumentation
