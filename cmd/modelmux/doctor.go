package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/vault"
)

// cmdDoctor checks the configuration end to end: credentials, the event
// stream file, the run store, the vault, and provider reachability. It
// prints a report and returns the worst finding's exit code (environment
// problems outrank network ones).
func cmdDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "YAML config file")
	envFile := fs.String("env", "", "key=value file loaded into the environment")
	probe := fs.Bool("probe", true, "probe provider health endpoints")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitInput
	}

	if *envFile != "" {
		if err := loadEnvFile(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: load env file: %v\n", err)
			return exitEnv
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInput
	}

	var envProblem, netProblem bool

	fmt.Printf("config:   ok (%d providers, mode %s)\n", len(cfg.Providers), modeName(cfg))

	for _, decl := range cfg.Providers {
		switch decl.Type {
		case "mock":
			fmt.Printf("key:      %-16s not required (mock)\n", decl.Name)
		case "openai":
			if decl.APIKey == "" && decl.BaseURL == "" {
				fmt.Printf("key:      %-16s MISSING (set api_key or %s)\n", decl.Name, keyEnvHint(decl))
				envProblem = true
			} else {
				fmt.Printf("key:      %-16s ok\n", decl.Name)
			}
		case "anthropic":
			if decl.APIKey == "" {
				fmt.Printf("key:      %-16s MISSING (set api_key or %s)\n", decl.Name, keyEnvHint(decl))
				envProblem = true
			} else {
				fmt.Printf("key:      %-16s ok\n", decl.Name)
			}
		}
	}

	if path := cfg.Runner.MetricsPath; path != "" {
		if jl, err := events.NewJSONLLogger(path); err != nil {
			fmt.Printf("metrics:  %s NOT WRITABLE: %v\n", path, err)
			envProblem = true
		} else {
			_ = jl.Close()
			fmt.Printf("metrics:  %s writable\n", path)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var st store.Store
	if s, err := store.NewSQLite(cfg.DBDSN); err != nil {
		fmt.Printf("store:    %s FAILED: %v\n", cfg.DBDSN, err)
		envProblem = true
	} else if err := s.Migrate(ctx); err != nil {
		fmt.Printf("store:    %s MIGRATION FAILED: %v\n", cfg.DBDSN, err)
		envProblem = true
		_ = s.Close()
	} else {
		fmt.Printf("store:    %s ok\n", cfg.DBDSN)
		st = s
		defer func() { _ = s.Close() }()
	}

	if cfg.Vault.Enabled {
		if !checkVault(ctx, cfg, st) {
			envProblem = true
		}
	}

	// Temporal is only reported, not dialed; doctor should not require the
	// cluster to be up.
	if cfg.Temporal.Enabled {
		fmt.Printf("temporal: enabled (%s, queue %s)\n", cfg.Temporal.HostPort, cfg.Temporal.TaskQueue)
	}

	if *probe && len(cfg.Providers) > 0 {
		if !probeProviders(cfg) {
			netProblem = true
		}
	}

	switch {
	case envProblem:
		fmt.Println("\nproblems found")
		return exitEnv
	case netProblem:
		fmt.Println("\nproblems found")
		return exitNetwork
	}
	fmt.Println("\nall checks passed")
	return exitOK
}

func modeName(cfg config.Config) string {
	if cfg.Runner.Mode == "" {
		return "sequential"
	}
	return string(cfg.Runner.Mode)
}

func checkVault(ctx context.Context, cfg config.Config, st store.Store) bool {
	master := os.Getenv(cfg.Vault.MasterEnv)
	switch {
	case master == "":
		fmt.Printf("vault:    enabled, master password NOT SET (%s)\n", cfg.Vault.MasterEnv)
		return false
	case st == nil:
		fmt.Printf("vault:    enabled, store unavailable\n")
		return true
	}

	v := vault.New(true)
	salt, data, err := st.LoadVaultBlob(ctx)
	if err == nil && salt != nil {
		err = v.Import(salt, data)
	}
	if err == nil {
		err = v.Unlock([]byte(master))
	}
	if err != nil {
		fmt.Printf("vault:    UNLOCK FAILED: %v\n", err)
		return false
	}
	fmt.Printf("vault:    unlocked (%d keys)\n", len(v.Keys()))
	return true
}

// probeProviders hits each provider's health endpoint once and prints a
// reachability table. Returns false when any provider is unreachable.
func probeProviders(cfg config.Config) bool {
	logger := logging.Setup("error")
	a := &app{cfg: cfg, logger: logger}

	tracker := health.NewTracker(health.DefaultConfig())
	var targets []health.Probeable
	skipped := map[string]string{}
	for _, decl := range cfg.Providers {
		p, err := a.buildProvider(decl)
		if err != nil {
			skipped[decl.Name] = "no credentials"
			continue
		}
		if t, ok := p.(health.Probeable); ok && t.HealthEndpoint() != "" {
			targets = append(targets, t)
		} else {
			skipped[decl.Name] = "no health endpoint"
		}
	}

	prober := health.NewProber(health.DefaultProberConfig(), tracker, targets, logger)
	prober.ProbeAll()

	ok := true
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tLATENCY\tDETAIL")
	for _, decl := range cfg.Providers {
		if reason, skip := skipped[decl.Name]; skip {
			_, _ = fmt.Fprintf(tw, "%s\tskipped\t-\t%s\n", decl.Name, reason)
			continue
		}
		s := tracker.GetStats(decl.Name)
		detail := s.LastError
		if s.State == health.StateHealthy {
			detail = "reachable"
		} else {
			ok = false
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%.0fms\t%s\n", decl.Name, s.State, s.AvgLatencyMs, detail)
	}
	_ = tw.Flush()
	return ok
}
