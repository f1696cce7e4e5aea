package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{SampleRate: 4}
	cfg.applyDefaults()

	if cfg.ServiceName != "caseload-server" {
		t.Errorf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Environment != "development" {
		t.Errorf("expected development, got %q", cfg.Environment)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected out-of-range sample rate to reset to 1, got %f", cfg.SampleRate)
	}
}

func TestInit_NoEndpoint(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Exporting() {
		t.Error("expected no exporter without an endpoint")
	}
}

func TestInit_WithEndpoint(t *testing.T) {
	p, err := Init(context.Background(), Config{OTLPEndpoint: "localhost:4318", OTLPInsecure: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Exporting() {
		t.Error("expected exporter to be configured")
	}
	// nothing was recorded, so shutdown does not need the collector
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInit_WithEndpointURL(t *testing.T) {
	p, err := Init(context.Background(), Config{OTLPEndpoint: "http://collector:4318"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Shutdown(context.Background())
	if !p.Exporting() {
		t.Error("expected exporter to be configured")
	}
}

func newRecordedServer(t *testing.T) (*echo.Echo, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	p, err := Init(context.Background(), Config{}, sdktrace.WithSpanProcessor(rec))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	e := echo.New()
	e.Use(Middleware())
	e.GET("/api/v1/admin/users/:id/assignments", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"ok": "yes"})
	})
	e.DELETE("/api/v1/admin/users/:id", func(c echo.Context) error {
		return errors.New("storage down")
	})
	return e, rec
}

func TestMiddleware_RecordsSpan(t *testing.T) {
	e, rec := newRecordedServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users/12/assignments", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "GET /api/v1/admin/users/:id/assignments" {
		t.Errorf("unexpected span name %q", span.Name())
	}
	if !hasAttr(span.Attributes(), "http.response.status_code", attribute.IntValue(200)) {
		t.Errorf("missing status attribute in %v", span.Attributes())
	}
	if w.Header().Get(TraceIDHeader) != span.SpanContext().TraceID().String() {
		t.Error("expected trace id response header")
	}
}

func TestMiddleware_ContinuesTrace(t *testing.T) {
	e, rec := newRecordedServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users/12/assignments", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	e.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected propagated trace id, got %s", got)
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	e, rec := newRecordedServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/users/12", nil)
	e.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status())
	}
	if !hasAttr(spans[0].Attributes(), "http.response.status_code", attribute.IntValue(500)) {
		t.Errorf("missing 500 status in %v", spans[0].Attributes())
	}
}

func hasAttr(attrs []attribute.KeyValue, key string, want attribute.Value) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key && kv.Value.Emit() == want.Emit() {
			return true
		}
	}
	return false
}
