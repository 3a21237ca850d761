package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(&buf)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxLogger := GetLogger(r.Context())
		if ctxLogger == nil {
			t.Error("expected context logger to be available")
			return
		}

		requestID := GetRequestID(r.Context())
		if requestID == "" {
			t.Error("expected request id to be available")
			return
		}

		ctxLogger.Info("test handler executed", "request_id", requestID)

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test response"))
	})

	handler := RequestLogging(base, false, nil)(testHandler)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "test-request-123")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	if got := rr.Header().Get("X-Request-ID"); got != "test-request-123" {
		t.Errorf("expected X-Request-ID header to be 'test-request-123', got %q", got)
	}

	if got := rr.Body.String(); got != "test response" {
		t.Errorf("expected body %q, got %q", "test response", got)
	}
}

func TestRequestLogging_GeneratesIDWhenMissing(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(&buf)

	handler := RequestLogging(base, false, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/test?param=value", strings.NewReader("test body"))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = 9

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID header")
	}
}

func TestRequestLogging_ProxyPathsLogAtDebug(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(&buf)

	handler := RequestLogging(base, false, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/proxy/fetch", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("failed to decode log line: %v", err)
		}
		if entry["level"] != "DEBUG" {
			t.Errorf("expected proxy request logs at DEBUG, got %v", entry["level"])
		}
	}
}

func TestRequestLogging_NonProxyPathsLogAtInfo(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(&buf)

	handler := RequestLogging(base, false, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("failed to decode log line: %v", err)
		}
		if entry["level"] != "INFO" {
			t.Errorf("expected non-proxy request logs at INFO, got %v", entry["level"])
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0B"},
		{500, "500B"},
		{1024, "1.0KB"},
		{1536, "1.5KB"},
		{1048576, "1.0MB"},
		{1073741824, "1.0GB"},
		{1099511627776, "1.0TB"},
	}

	for _, test := range tests {
		result := FormatBytes(test.input)
		if result != test.expected {
			t.Errorf("FormatBytes(%d) = %s, want %s", test.input, result, test.expected)
		}
	}
}

func TestGetLoggerWithoutContext(t *testing.T) {
	ctx := context.Background()
	l := GetLogger(ctx)

	if l == nil {
		t.Error("expected default logger when no logger in context")
	}
}

func TestGetRequestIDWithoutContext(t *testing.T) {
	ctx := context.Background()
	requestID := GetRequestID(ctx)

	if requestID != "" {
		t.Errorf("expected empty request id when not in context, got %s", requestID)
	}
}
