package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/budget"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/consensus"
	"github.com/modelmux/modelmux/internal/durable"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/provider/anthropic"
	"github.com/modelmux/modelmux/internal/provider/mock"
	"github.com/modelmux/modelmux/internal/provider/openai"
	"github.com/modelmux/modelmux/internal/runner"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/tracing"
	"github.com/modelmux/modelmux/internal/vault"
)

// errEnv marks failures caused by the process environment (missing API
// keys, locked vault) so they map to exit code 3.
var errEnv = errors.New("environment error")

// app is the wired process: provider chain, runner, observability sinks,
// and the optional durable dispatch path.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	providers []provider.Provider
	byName    map[string]provider.Provider
	runner    *runner.Runner
	events    events.Logger

	store   store.Store
	metrics *metrics.Registry
	stats   *stats.Collector
	health  *health.Tracker
	bus     *events.Bus
	budget  *budget.Manager
	vault   *vault.Vault

	durable *durable.Manager
	breaker *circuitbreaker.Breaker

	stopTracing func(context.Context) error
}

// buildApp wires the process from configuration. selected narrows the
// provider chain to the named declarations; empty means all of them.
func buildApp(ctx context.Context, cfg config.Config, selected []string, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, byName: make(map[string]provider.Provider)}

	st, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		logger.Warn("store unavailable, continuing without persistence", slog.String("error", err.Error()))
	} else if err := st.Migrate(ctx); err != nil {
		logger.Warn("store migration failed, continuing without persistence", slog.String("error", err.Error()))
		_ = st.Close()
	} else {
		a.store = st
	}

	if err := a.openVault(ctx); err != nil {
		a.close()
		return nil, err
	}

	decls, err := selectProviders(cfg, selected)
	if err != nil {
		a.close()
		return nil, err
	}
	for _, decl := range decls {
		p, err := a.buildProvider(decl)
		if err != nil {
			a.close()
			return nil, err
		}
		a.providers = append(a.providers, p)
		a.byName[decl.Name] = p
	}

	if cfg.Otel.Enabled {
		stop, err := tracing.Setup(tracing.Config{
			Enabled:     true,
			Endpoint:    cfg.Otel.Endpoint,
			ServiceName: cfg.Otel.ServiceName,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("tracing setup: %w", err)
		}
		a.stopTracing = stop
	}

	a.metrics = metrics.New()
	a.stats = stats.NewCollector()
	a.health = health.NewTracker(health.DefaultConfig())
	a.bus = events.NewBus()
	sinks := []events.Logger{metrics.NewSink(a.metrics), a.stats, a.health, a.bus}
	if a.store != nil {
		sinks = append(sinks, store.NewSink(a.store, logger))
	}
	a.events = events.NewComposite(sinks...)

	opts := []runner.Option{runner.WithLogger(a.events)}
	if cfg.Shadow.Provider != "" {
		sp, ok := a.byName[cfg.Shadow.Provider]
		if !ok {
			decl, found := cfg.FindProvider(cfg.Shadow.Provider)
			if !found {
				a.close()
				return nil, fmt.Errorf("shadow provider %q is not configured", cfg.Shadow.Provider)
			}
			sp, err = a.buildProvider(decl)
			if err != nil {
				a.close()
				return nil, err
			}
		}
		opts = append(opts, runner.WithShadowProvider(sp))
	}
	if mgr := a.buildBudget(); mgr != nil {
		a.budget = mgr
		opts = append(opts, runner.WithBudget(mgr))
	}

	// The judge may sit outside the voting chain.
	if j := cfg.Consensus.Judge; j != "" && a.byName[j] == nil {
		decl, ok := cfg.FindProvider(j)
		if !ok {
			a.close()
			return nil, fmt.Errorf("consensus judge %q is not configured", j)
		}
		jp, err := a.buildProvider(decl)
		if err != nil {
			a.close()
			return nil, err
		}
		a.byName[j] = jp
	}

	rcfg := cfg.Runner
	rcfg.Consensus = a.consensusConfig()

	a.runner, err = runner.New(a.providers, rcfg, opts...)
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.Temporal.Enabled {
		mgr, err := durable.New(cfg.Temporal.Config, &durable.Activities{
			Providers: a.byName,
			Logger:    a.events,
			Health:    a.health,
		})
		if err != nil {
			logger.Warn("temporal unavailable, using in-process dispatch only", slog.String("error", err.Error()))
		} else if err := mgr.Start(); err != nil {
			logger.Warn("temporal worker failed to start", slog.String("error", err.Error()))
			mgr.Stop()
		} else {
			a.durable = mgr
			a.breaker = circuitbreaker.New()
		}
	}

	return a, nil
}

// openVault unlocks the encrypted key store from its persisted blob. A
// missing master password is an environment error only when the vault is
// the sole source of a needed key, so it degrades to a warning here.
func (a *app) openVault(ctx context.Context) error {
	if !a.cfg.Vault.Enabled {
		return nil
	}
	a.vault = vault.New(true)
	master := os.Getenv(a.cfg.Vault.MasterEnv)
	if master == "" {
		a.logger.Warn("vault enabled but master password is not set", slog.String("env", a.cfg.Vault.MasterEnv))
		return nil
	}
	if a.store != nil {
		salt, data, err := a.store.LoadVaultBlob(ctx)
		if err != nil {
			return fmt.Errorf("load vault: %w", err)
		}
		if salt != nil {
			if err := a.vault.Import(salt, data); err != nil {
				return fmt.Errorf("import vault: %w", err)
			}
		}
	}
	if err := a.vault.Unlock([]byte(master)); err != nil {
		return fmt.Errorf("unlock vault: %w: %w", err, errEnv)
	}
	return nil
}

// selectProviders resolves the requested provider names against the config.
// The name "mock" works without a declaration so the CLI is usable out of
// the box.
func selectProviders(cfg config.Config, selected []string) ([]config.Provider, error) {
	if len(selected) == 0 {
		if len(cfg.Providers) == 0 {
			return nil, errors.New("no providers configured; pass --provider or a config file")
		}
		return cfg.Providers, nil
	}
	decls := make([]config.Provider, 0, len(selected))
	for _, name := range selected {
		decl, ok := cfg.FindProvider(name)
		if !ok {
			if name == "mock" {
				decl = config.Provider{Name: "mock", Type: "mock"}
			} else {
				return nil, fmt.Errorf("unknown provider %q", name)
			}
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

func (a *app) buildProvider(decl config.Provider) (provider.Provider, error) {
	key := decl.APIKey
	if key == "" && a.vault != nil && !a.vault.IsLocked() {
		if v, err := a.vault.Get("provider/" + decl.Name); err == nil {
			key = v
		}
	}

	switch decl.Type {
	case "openai":
		// Hosted OpenAI needs a key; OpenAI-compatible local servers
		// (vLLM, Ollama) identified by base_url do not.
		if key == "" && decl.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: no API key (set api_key, %s, or the vault): %w",
				decl.Name, keyEnvHint(decl), errEnv)
		}
		ad := openai.New(decl.Name, key, decl.BaseURL)
		if decl.InputPer1K > 0 || decl.OutputPer1K > 0 {
			ad = ad.WithPricing(decl.InputPer1K, decl.OutputPer1K)
		}
		return ad, nil
	case "anthropic":
		if key == "" {
			return nil, fmt.Errorf("provider %s: no API key (set api_key, %s, or the vault): %w",
				decl.Name, keyEnvHint(decl), errEnv)
		}
		ad := anthropic.New(decl.Name, key, decl.BaseURL)
		if decl.InputPer1K > 0 || decl.OutputPer1K > 0 {
			ad = ad.WithPricing(decl.InputPer1K, decl.OutputPer1K)
		}
		return ad, nil
	case "mock":
		return mock.New(decl.Name), nil
	}
	return nil, fmt.Errorf("provider %s: unknown type %q", decl.Name, decl.Type)
}

func keyEnvHint(decl config.Provider) string {
	if decl.APIKeyEnv != "" {
		return decl.APIKeyEnv
	}
	return "api_key_env"
}

func (a *app) buildBudget() *budget.Manager {
	b := a.cfg.Budget
	if b.Default == (budget.Limits{}) && len(b.Providers) == 0 {
		return nil
	}
	var opts []budget.Option
	if a.store != nil {
		opts = append(opts, budget.WithStore(a.store))
	}
	return budget.New(b.Default, b.Providers, opts...)
}

// consensusConfig translates the file-level consensus section, resolving
// the judge name to a built provider. Per-provider weights declared on the
// provider entries merge under any explicit weights map.
func (a *app) consensusConfig() *consensus.Config {
	c := a.cfg.Consensus
	if a.cfg.Runner.Mode != runner.ModeConsensus {
		return nil
	}
	out := &consensus.Config{
		Strategy:     c.Aggregate,
		Quorum:       c.Quorum,
		TieBreaker:   c.TieBreaker,
		MaxRounds:    c.MaxRounds,
		MaxLatencyMs: c.MaxLatencyMs,
		MaxCostUSD:   c.MaxCostUSD,
	}
	if c.Schema != "" {
		out.Schema = json.RawMessage(c.Schema)
	}
	if c.Judge != "" {
		out.Judge = a.byName[c.Judge]
	}
	weights := make(map[string]float64)
	for _, decl := range a.cfg.Providers {
		if decl.Weight > 0 {
			weights[decl.Name] = decl.Weight
		}
	}
	for name, w := range c.Weights {
		weights[name] = w
	}
	if len(weights) > 0 {
		out.ProviderWeights = weights
	}
	return out
}

// dispatch runs one request, preferring the durable path when it is up.
// Durable failures trip the breaker and fall back to the in-process runner.
func (a *app) dispatch(ctx context.Context, req provider.Request) (*runner.Result, error) {
	if a.durable != nil && a.cfg.Runner.Mode == runner.ModeSequential {
		names := make([]string, len(a.providers))
		for i, p := range a.providers {
			names[i] = p.Name()
		}
		var out durable.DispatchOutput
		err := a.breaker.Do(func() error {
			var derr error
			out, derr = a.durable.Dispatch(ctx, durable.DispatchInput{
				RunID:      runner.Fingerprint(&req),
				Providers:  names,
				Request:    req,
				MaxRetries: a.cfg.Runner.Retries.Max,
				BackoffMs:  a.cfg.Runner.Retries.Backoff.Milliseconds(),
			})
			return derr
		})
		if err == nil {
			return durableResult(out), nil
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			a.logger.Warn("durable dispatch circuit open, using in-process runner")
		} else {
			a.logger.Warn("durable dispatch failed, using in-process runner", slog.String("error", err.Error()))
		}
	}
	return a.runner.Run(ctx, req)
}

func durableResult(out durable.DispatchOutput) *runner.Result {
	return &runner.Result{
		Provider: out.Provider,
		Response: &provider.Response{
			Text:      out.Text,
			Model:     out.Model,
			LatencyMs: out.LatencyMs,
			Usage:     provider.NewTokenUsage(out.TokensIn, out.TokensOut),
		},
	}
}

func (a *app) close() {
	if a.durable != nil {
		a.durable.Stop()
	}
	if a.runner != nil {
		_ = a.runner.Close()
	}
	if a.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.stopTracing(ctx)
		cancel()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// parseWeights parses "name=w,name=w" flag values.
func parseWeights(s string) (map[string]float64, error) {
	if s == "" {
		return nil, nil
	}
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("weight %q is not name=value", part)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || w < 0 {
			return nil, fmt.Errorf("weight %q: invalid value", part)
		}
		out[strings.TrimSpace(name)] = w
	}
	return out, nil
}
