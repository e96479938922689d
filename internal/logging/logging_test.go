package logging

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

func newBufLogger() (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	return &buf, slog.New(&RedactingHandler{base: base})
}

func TestRedactsCredentials(t *testing.T) {
	buf, logger := newBufLogger()
	logger.Info("test",
		slog.String("authorization", "Bearer sk-secret"),
		slog.String("api_key", "sk-12345"),
		slog.String("refresh_token", "rt-xyz"),
		slog.String("method", "POST"),
	)
	out := buf.String()
	for _, leaked := range []string{"sk-secret", "sk-12345", "rt-xyz"} {
		if strings.Contains(out, leaked) {
			t.Errorf("%q leaked into log output", leaked)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Error("expected [REDACTED] placeholder")
	}
	if !strings.Contains(out, "POST") {
		t.Error("non-sensitive values should survive")
	}
}

func TestRedactsPromptContent(t *testing.T) {
	buf, logger := newBufLogger()
	logger.Info("provider call",
		slog.String("prompt", "summarize this confidential memo"),
		slog.String("completion", "the memo says"),
		slog.String("provider", "openai"),
	)
	out := buf.String()
	if strings.Contains(out, "confidential memo") || strings.Contains(out, "the memo says") {
		t.Error("prompt/completion text must be redacted")
	}
	if !strings.Contains(out, "openai") {
		t.Error("provider name should be preserved")
	}
}

func TestWithAttrsRedacts(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	h := (&RedactingHandler{base: base}).WithAttrs([]slog.Attr{
		slog.String("x-api-key", "leaked"),
		slog.String("mode", "consensus"),
	})
	slog.New(h).Info("run")
	out := buf.String()
	if strings.Contains(out, "leaked") {
		t.Error("WithAttrs values must be redacted")
	}
	if !strings.Contains(out, "consensus") {
		t.Error("non-sensitive WithAttrs value should survive")
	}
}

func TestWithGroupKeepsRedaction(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	h := (&RedactingHandler{base: base}).WithGroup("run")
	slog.New(h).Info("test", slog.String("path", "/stats"))
	if !strings.Contains(buf.String(), "/stats") {
		t.Error("grouped attribute should be preserved")
	}
}

func TestEnabledDelegates(t *testing.T) {
	base := slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := &RedactingHandler{base: base}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn should be enabled")
	}
}

func TestSetLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		SetLevel(tc.in)
		if globalLevel.Level() != tc.want {
			t.Errorf("SetLevel(%q) = %v, want %v", tc.in, globalLevel.Level(), tc.want)
		}
	}
}

func TestRequestLoggerFields(t *testing.T) {
	buf, logger := newBufLogger()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := httptest.NewServer(RequestLogger(logger)(inner))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stats", nil)
	req.Header.Set("X-Request-ID", "run-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = resp.Body.Close()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "http_request" || entry["path"] != "/stats" {
		t.Fatalf("entry = %v", entry)
	}
	if status, _ := entry["status"].(float64); int(status) != 200 {
		t.Fatalf("status = %v", entry["status"])
	}
	if entry["request_id"] != "run-42" {
		t.Fatalf("request_id = %v", entry["request_id"])
	}
}
