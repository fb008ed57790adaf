package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// recordSink collects records from every handler derived from it.
type recordSink struct {
	mu      sync.Mutex
	records []map[string]any
}

// captureHandler flattens pre-attached and record attributes into one map.
type captureHandler struct {
	sink  *recordSink
	attrs []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, rec slog.Record) error {
	m := map[string]any{"msg": rec.Message}
	for _, a := range h.attrs {
		m[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	h.sink.mu.Lock()
	h.sink.records = append(h.sink.records, m)
	h.sink.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &captureHandler{sink: h.sink, attrs: merged}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func newCapture() (*slog.Logger, *recordSink) {
	sink := &recordSink{}
	return slog.New(&captureHandler{sink: sink}), sink
}

func (s *recordSink) request(t *testing.T) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r["msg"] == "request" {
			return r
		}
	}
	t.Fatalf("no access log record among %d", len(s.records))
	return nil
}

func serve(t *testing.T, withRequestLogger bool, method, path string, h http.HandlerFunc) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	logger, sink := newCapture()
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if withRequestLogger {
		r.Use(RequestLoggerMiddleware(logger))
	}
	r.Use(AccessLogMiddleware(logger))
	r.Use(chimw.Recoverer)
	r.MethodFunc(method, path, h)

	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec, sink.request(t)
}

var accessLogFields = []string{"request_id", "method", "path", "client_ip", "status", "bytes", "duration_ms"}

func TestAccessLog_Fields(t *testing.T) {
	for _, withRequestLogger := range []bool{true, false} {
		_, rec := serve(t, withRequestLogger, "POST", "/api/v1/cycles", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"run_id":"x"}`))
		})
		for _, f := range accessLogFields {
			if _, ok := rec[f]; !ok {
				t.Errorf("request logger=%v: missing field %q", withRequestLogger, f)
			}
		}
		if rec["method"] != "POST" || rec["path"] != "/api/v1/cycles" || rec["client_ip"] != "127.0.0.1" {
			t.Errorf("request logger=%v: record = %v", withRequestLogger, rec)
		}
		if rec["status"] != int64(200) || rec["bytes"] != int64(14) {
			t.Errorf("request logger=%v: status/bytes = %v/%v", withRequestLogger, rec["status"], rec["bytes"])
		}
	}
}

func TestAccessLog_PanicLogs500(t *testing.T) {
	resp, rec := serve(t, true, "GET", "/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	if resp.Code != http.StatusInternalServerError {
		t.Errorf("response = %d", resp.Code)
	}
	if rec["status"] != int64(500) {
		t.Errorf("logged status = %v", rec["status"])
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"10.0.0.1:5555", "10.0.0.1"},
		{"[::1]:80", "::1"},
		{"10.0.0.2", "10.0.0.2"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remote
		if got := ClientIP(req); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

func TestRequestLogger_RealIPRewritesClientIP(t *testing.T) {
	logger, sink := newCapture()
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(RequestLoggerMiddleware(logger))
	r.Use(AccessLogMiddleware(logger))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Real-IP", "192.0.2.7")
	r.ServeHTTP(httptest.NewRecorder(), req)

	if got := sink.request(t)["client_ip"]; got != "192.0.2.7" {
		t.Errorf("client_ip = %v", got)
	}
}
