package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/modelmux/modelmux/internal/budget"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/provider"
)

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// HealthzHandler reports process liveness and provider availability.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		available := 0
		if d.Health != nil {
			for _, name := range d.Providers {
				if d.Health.IsAvailable(name) {
					available++
				}
			}
		} else {
			available = len(d.Providers)
		}

		status := "ok"
		code := http.StatusOK
		if len(d.Providers) == 0 || available == 0 {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"providers": len(d.Providers),
			"available": available,
		})
	}
}

// RunRequest is the dispatch submission body.
type RunRequest struct {
	Model       string             `json:"model"`
	Prompt      string             `json:"prompt,omitempty"`
	Messages    []provider.Message `json:"messages,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Options     map[string]any     `json:"options,omitempty"`
}

// RunResponse is the dispatch result body.
type RunResponse struct {
	Provider    string              `json:"provider"`
	Text        string              `json:"text"`
	Model       string              `json:"model,omitempty"`
	LatencyMs   int64               `json:"latency_ms"`
	TokensIn    int                 `json:"tokens_in"`
	TokensOut   int                 `json:"tokens_out"`
	Fingerprint string              `json:"fingerprint"`
	Consensus   *ConsensusBreakdown `json:"consensus,omitempty"`
}

// ConsensusBreakdown summarizes the vote for consensus-mode runs.
type ConsensusBreakdown struct {
	Votes    int            `json:"votes"`
	Quorum   int            `json:"quorum"`
	Tally    map[string]int `json:"tally,omitempty"`
	Rounds   int            `json:"rounds"`
	Decision string         `json:"decision,omitempty"`
}

// RunHandler submits a dispatch run.
func RunHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RunRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}

		res, err := d.Runner.Run(r.Context(), provider.Request{
			Model:       body.Model,
			Prompt:      body.Prompt,
			Messages:    body.Messages,
			MaxTokens:   body.MaxTokens,
			Temperature: body.Temperature,
			Options:     body.Options,
		})
		if err != nil {
			status := http.StatusBadGateway
			var pe *provider.Error
			var be *budget.ExceededError
			switch {
			case errors.As(err, &pe) && (pe.Kind == provider.KindConfig || pe.Kind == provider.KindAuth):
				status = http.StatusBadRequest
			case errors.As(err, &be):
				status = http.StatusPaymentRequired
			case errors.Is(err, r.Context().Err()) && r.Context().Err() != nil:
				status = 499 // client closed request
			}
			jsonError(w, err.Error(), status)
			return
		}

		out := RunResponse{
			Provider:    res.Provider,
			Fingerprint: res.Fingerprint,
		}
		if res.Response != nil {
			out.Text = res.Response.Text
			out.Model = res.Response.Model
			out.LatencyMs = res.Response.LatencyMs
			out.TokensIn = res.Response.Usage.Prompt
			out.TokensOut = res.Response.Usage.Completion
		}
		if res.Consensus != nil {
			out.Consensus = &ConsensusBreakdown{
				Votes:    res.Consensus.Votes,
				Quorum:   res.Consensus.Quorum,
				Tally:    res.Consensus.Tally,
				Rounds:   res.Consensus.Rounds,
				Decision: res.Consensus.Reason,
			}
		}
		writeJSON(w, out)
	}
}

// ProviderHealthHandler returns per-provider health state.
func ProviderHealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Health == nil {
			writeJSON(w, []health.Stats{})
			return
		}
		writeJSON(w, d.Health.AllStats())
	}
}

// StatsResponse is returned by /v1/stats.
type StatsResponse struct {
	Global     any `json:"global"`
	ByProvider any `json:"by_provider"`
	ByMode     any `json:"by_mode"`
}

// StatsHandler returns rolling-window aggregates.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Stats == nil {
			writeJSON(w, StatsResponse{Global: []any{}, ByProvider: map[string]any{}, ByMode: map[string]any{}})
			return
		}
		writeJSON(w, StatsResponse{
			Global:     d.Stats.Global(),
			ByProvider: d.Stats.ByProvider(),
			ByMode:     d.Stats.ByMode(),
		})
	}
}

// DispatchesHandler lists recent durable dispatch workflow executions from
// Temporal visibility.
func DispatchesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		status := r.URL.Query().Get("status")
		dispatches, err := d.Durable.ListDispatches(r.Context(), limit, status)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"dispatches": dispatches})
	}
}

// RunsListHandler pages through persisted run history.
func RunsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		runs, err := d.Store.ListRuns(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, runs)
	}
}

// RunGetHandler returns one run with its call attempts.
func RunGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := d.Store.GetRun(r.Context(), id)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if run == nil {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		calls, err := d.Store.ListCalls(r.Context(), id)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"run": run, "calls": calls})
	}
}
