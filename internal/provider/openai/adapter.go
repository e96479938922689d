// Package openai implements provider.Provider for OpenAI-compatible chat
// completion APIs (OpenAI, OpenRouter, vLLM, Ollama's OpenAI endpoint).
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelmux/modelmux/internal/provider"
)

// Adapter calls a /v1/chat/completions endpoint.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client

	// Per-1K-token pricing; zero values disable cost estimation.
	inputPer1K  float64
	outputPer1K float64
}

// New creates an adapter. baseURL should not include the /v1 suffix.
func New(name, apiKey, baseURL string) *Adapter {
	return &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

// WithPricing sets per-1K-token USD pricing, enabling EstimateCost.
func (a *Adapter) WithPricing(inputPer1K, outputPer1K float64) *Adapter {
	a.inputPer1K = inputPer1K
	a.outputPer1K = outputPer1K
	return a
}

// WithHTTPClient replaces the HTTP client (used for otelhttp transports and
// test servers).
func (a *Adapter) WithHTTPClient(c *http.Client) *Adapter {
	a.client = c
	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() []string { return []string{"chat", "completion"} }

// HealthEndpoint returns the model listing URL, used by the health prober.
func (a *Adapter) HealthEndpoint() string {
	if a.baseURL == "" {
		return ""
	}
	return a.baseURL + "/v1/models"
}

// EstimateCost implements provider.CostEstimator.
func (a *Adapter) EstimateCost(tokensIn, tokensOut int) float64 {
	return (float64(tokensIn)/1000.0)*a.inputPer1K + (float64(tokensOut)/1000.0)*a.outputPer1K
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Invoke(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	messages := make([]map[string]string, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = map[string]string{"role": msg.Role, "content": msg.Content}
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	for k, v := range req.Options {
		payload[k] = v
	}

	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}

	start := time.Now()
	body, err := provider.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, headers)
	if err != nil {
		return nil, provider.Classify(err)
	}
	latency := time.Since(start).Milliseconds()

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &provider.Error{Kind: provider.KindRetryable, Reason: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &provider.Error{Kind: provider.KindRetryable, Reason: "response contained no choices"}
	}

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return &provider.Response{
		Text:         parsed.Choices[0].Message.Content,
		LatencyMs:    latency,
		Usage:        provider.NewTokenUsage(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
		Model:        model,
		FinishReason: parsed.Choices[0].FinishReason,
		Raw:          raw,
	}, nil
}
