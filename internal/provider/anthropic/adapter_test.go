package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelmux/modelmux/internal/provider"
)

func messagesServer(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("anthropic", "sk-ant", srv.URL)
}

func TestInvokeSuccess(t *testing.T) {
	var gotKey, gotVersion string
	var gotPayload map[string]any
	a := messagesServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "claude-sonnet-4-5",
			"content": []map[string]string{
				{"type": "text", "text": "hello from claude"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 9, "output_tokens": 4},
		})
	})

	resp, err := a.Invoke(context.Background(), &provider.Request{
		Model: "claude-sonnet-4-5",
		Messages: []provider.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotKey != "sk-ant" || gotVersion != apiVersion {
		t.Errorf("headers = %q %q", gotKey, gotVersion)
	}
	// System turns move to the top-level field.
	if gotPayload["system"] != "be terse" {
		t.Errorf("system = %v", gotPayload["system"])
	}
	if msgs := gotPayload["messages"].([]any); len(msgs) != 1 {
		t.Errorf("messages = %v", msgs)
	}
	// max_tokens is mandatory for this API.
	if gotPayload["max_tokens"] != float64(defaultMaxTokens) {
		t.Errorf("max_tokens = %v", gotPayload["max_tokens"])
	}
	if resp.Text != "hello from claude" || resp.FinishReason != "end_turn" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.Total != 13 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestInvokePromptOnly(t *testing.T) {
	var gotPayload map[string]any
	a := messagesServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "ok"}},
		})
	})

	if _, err := a.Invoke(context.Background(), &provider.Request{Model: "m", Prompt: "bare prompt"}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	msgs := gotPayload["messages"].([]any)
	first := msgs[0].(map[string]any)
	if first["role"] != "user" || first["content"] != "bare prompt" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestInvokeOverloadedClassified(t *testing.T) {
	a := messagesServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := a.Invoke(context.Background(), &provider.Request{Model: "m", Prompt: "p"})
	if k := provider.KindOf(err); k != provider.KindRetryable {
		t.Fatalf("kind = %s", k)
	}
}

func TestDefaultBaseURL(t *testing.T) {
	a := New("anthropic", "", "")
	if a.HealthEndpoint() != "https://api.anthropic.com/v1/messages" {
		t.Errorf("endpoint = %q", a.HealthEndpoint())
	}
}
