// Package anthropic implements provider.Provider for the Anthropic Messages
// API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelmux/modelmux/internal/provider"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Adapter calls the /v1/messages endpoint.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client

	inputPer1K  float64
	outputPer1K float64
}

// New creates an adapter. baseURL should not include the /v1 suffix; empty
// means the public API.
func New(name, apiKey, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
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

// WithHTTPClient replaces the HTTP client.
func (a *Adapter) WithHTTPClient(c *http.Client) *Adapter {
	a.client = c
	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() []string { return []string{"chat"} }

// HealthEndpoint returns the messages URL; a GET gets 405 back, which
// proves reachability to the health prober.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/messages"
}

// EstimateCost implements provider.CostEstimator.
func (a *Adapter) EstimateCost(tokensIn, tokensOut int) float64 {
	return (float64(tokensIn)/1000.0)*a.inputPer1K + (float64(tokensOut)/1000.0)*a.outputPer1K
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Invoke(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	messages := make([]map[string]string, 0, len(req.Messages))
	var system string
	for _, msg := range req.Messages {
		// The Messages API takes the system prompt as a top-level field.
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		messages = append(messages, map[string]string{"role": msg.Role, "content": msg.Content})
	}
	if len(messages) == 0 && req.Prompt != "" {
		messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if system != "" {
		payload["system"] = system
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		// The API rejects requests without max_tokens.
		maxTokens = defaultMaxTokens
	}
	payload["max_tokens"] = maxTokens
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}
	for k, v := range req.Options {
		payload[k] = v
	}

	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": apiVersion,
	}

	start := time.Now()
	body, err := provider.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, headers)
	if err != nil {
		return nil, provider.Classify(err)
	}
	latency := time.Since(start).Milliseconds()

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &provider.Error{Kind: provider.KindRetryable, Reason: fmt.Sprintf("decode response: %v", err), Err: err}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" && len(parsed.Content) == 0 {
		return nil, &provider.Error{Kind: provider.KindRetryable, Reason: "response contained no content"}
	}

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return &provider.Response{
		Text:         text,
		LatencyMs:    latency,
		Usage:        provider.NewTokenUsage(parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
		Model:        model,
		FinishReason: parsed.StopReason,
		Raw:          raw,
	}, nil
}
