package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observe swaps the global logger for an in-memory one.
func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := globalLogger
	globalLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	t.Cleanup(func() { globalLogger = prev })
	return logs
}

func TestMiddleware_GeneratesRequestID(t *testing.T) {
	logs := observe(t)

	var attached bool
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, attached = r.Context().Value(loggerKey).(*zap.Logger)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status", nil))

	if !attached {
		t.Fatal("handler context carries no request logger")
	}
	id := rec.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("no X-Request-ID header")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	done := logs.FilterMessage("request completed").All()
	if len(done) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(done))
	}
	if got := done[0].ContextMap()["request_id"]; got != id {
		t.Errorf("logged request_id = %v, want %q", got, id)
	}
	if got := done[0].ContextMap()["status"]; got != int64(http.StatusTeapot) {
		t.Errorf("logged status = %v", got)
	}
}

func TestMiddleware_KeepsClientRequestID(t *testing.T) {
	logs := observe(t)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WithContext(r.Context()).Info("inside handler")
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("header request id = %q, want abc-123", got)
	}
	inside := logs.FilterMessage("inside handler").All()
	if len(inside) != 1 || inside[0].ContextMap()["request_id"] != "abc-123" {
		t.Errorf("handler log missing request id: %+v", inside)
	}
}

func TestNamedReportsCaller(t *testing.T) {
	logs := observe(t)

	Named("catalog").Info("named entry")
	Info("helper entry")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].LoggerName != "catalog" {
		t.Errorf("logger name = %q, want catalog", entries[0].LoggerName)
	}
	for _, e := range entries {
		if got := filepath.Base(e.Caller.File); got != "logging_test.go" {
			t.Errorf("%q: caller = %s, want logging_test.go", e.Message, got)
		}
	}
}

func TestWithContextFallsBackToGlobal(t *testing.T) {
	logs := observe(t)

	WithContext(context.Background()).Warn("no request")
	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
}

func TestInitNopDiscards(t *testing.T) {
	prev := globalLogger
	t.Cleanup(func() { globalLogger = prev })

	InitNop()
	if L().Core().Enabled(zapcore.ErrorLevel) {
		t.Error("nop logger should not enable any level")
	}
}
