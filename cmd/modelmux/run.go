package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/httpapi"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/runner"
)

// runFlags carries the parsed `run` command line.
type runFlags struct {
	configPath string
	envFile    string

	providers []string
	model     string

	prompt     string
	promptFile string
	prompts    string

	format string
	async  bool
	listen string

	mode           string
	rpm            int
	maxConcurrency int
	maxAttempts    int
	metricsPath    string

	aggregate    string
	quorum       int
	tieBreaker   string
	schema       string
	judge        string
	weights      string
	maxLatencyMs int64
	maxCostUSD   float64
}

func parseRunFlags(args []string) (*runFlags, error) {
	f := &runFlags{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.StringVar(&f.envFile, "env", "", "key=value file loaded into the environment")

	var prov, provs string
	fs.StringVar(&prov, "provider", "", "single provider name")
	fs.StringVar(&provs, "providers", "", "comma-separated provider chain")
	fs.StringVar(&f.model, "model", "", "model identifier sent to providers")

	fs.StringVar(&f.prompt, "prompt", "", "prompt text")
	fs.StringVar(&f.promptFile, "prompt-file", "", "file containing one prompt")
	fs.StringVar(&f.prompts, "prompts", "", "file with one prompt per line")

	fs.StringVar(&f.format, "format", "text", "output format: text, json, jsonl")
	fs.BoolVar(&f.async, "async-runner", false, "start all prompts concurrently")
	fs.StringVar(&f.listen, "listen", "", "serve the observability API on this address")

	fs.StringVar(&f.mode, "mode", "", "dispatch mode: sequential, parallel_any, parallel_all, consensus")
	fs.IntVar(&f.rpm, "rpm", -1, "requests-per-minute ceiling (0 disables)")
	fs.IntVar(&f.maxConcurrency, "max-concurrency", -1, "parallel worker bound")
	fs.IntVar(&f.maxAttempts, "max-attempts", -1, "total provider attempt cap")
	fs.StringVar(&f.metricsPath, "metrics", "", "JSONL event stream file")

	fs.StringVar(&f.aggregate, "aggregate", "", "consensus strategy: majority, weighted")
	fs.IntVar(&f.quorum, "quorum", -1, "consensus quorum (0 means all voters)")
	fs.StringVar(&f.tieBreaker, "tie-breaker", "", "consensus tie breaker")
	fs.StringVar(&f.schema, "schema", "", "JSON schema gate (inline or @file)")
	fs.StringVar(&f.judge, "judge", "", "judge provider name")
	fs.StringVar(&f.weights, "weights", "", "voter weights as name=w,name=w")
	fs.Int64Var(&f.maxLatencyMs, "max-latency-ms", -1, "consensus candidate latency gate")
	fs.Float64Var(&f.maxCostUSD, "max-cost-usd", -1, "consensus candidate cost gate")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	if prov != "" {
		f.providers = append(f.providers, prov)
	}
	for _, name := range strings.Split(provs, ",") {
		if name = strings.TrimSpace(name); name != "" {
			f.providers = append(f.providers, name)
		}
	}
	switch f.format {
	case "text", "json", "jsonl":
	default:
		return nil, fmt.Errorf("unknown format %q", f.format)
	}
	return f, nil
}

func cmdRun(args []string) int {
	f, err := parseRunFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInput
	}

	if f.envFile != "" {
		if err := loadEnvFile(f.envFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: load env file: %v\n", err)
			return exitEnv
		}
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInput
	}
	logger := logging.Setup(cfg.LogLevel)

	prompts, err := gatherPrompts(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInput
	}
	serving := f.listen != ""
	if len(prompts) == 0 && !serving {
		fmt.Fprintln(os.Stderr, "error: no prompt given (use --prompt, --prompt-file, or --prompts)")
		return exitInput
	}
	if len(prompts) > 0 && f.model == "" {
		fmt.Fprintln(os.Stderr, "error: --model is required")
		return exitInput
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, f.providers, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errEnv) {
			return exitEnv
		}
		return exitInput
	}
	defer a.close()

	if serving {
		names := make([]string, len(a.providers))
		for i, p := range a.providers {
			names[i] = p.Name()
		}
		srv := &http.Server{
			Addr: f.listen,
			Handler: httpapi.NewRouter(httpapi.Dependencies{
				Runner:    a.runner,
				Providers: names,
				Logger:    logger,
				Metrics:   a.metrics,
				Store:     a.store,
				Health:    a.health,
				Bus:       a.bus,
				Stats:     a.stats,
				Durable:   a.durable,
			}, cfg.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			logger.Info("serving observability API", "addr", f.listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("listen failed", "error", err.Error())
				stop()
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if len(prompts) == 0 {
		// Service mode: run until interrupted, then drain.
		<-ctx.Done()
		logger.Info("shutting down")
		return exitOK
	}

	code := runPrompts(ctx, a, f, prompts)
	if code == exitOK && serving {
		<-ctx.Done()
		logger.Info("shutting down")
	}
	return code
}

// loadConfig layers the config file, environment, and command-line flags.
// Flags win.
func loadConfig(f *runFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}

	if f.mode != "" {
		cfg.Runner.Mode = runner.Mode(f.mode)
	}
	if f.rpm >= 0 {
		cfg.Runner.RPM = f.rpm
	}
	if f.maxConcurrency >= 0 {
		cfg.Runner.MaxConcurrency = f.maxConcurrency
	}
	if f.maxAttempts >= 0 {
		cfg.Runner.MaxAttempts = f.maxAttempts
	}
	if f.metricsPath != "" {
		cfg.Runner.MetricsPath = f.metricsPath
	}

	if f.aggregate != "" {
		cfg.Consensus.Aggregate = f.aggregate
	}
	if f.quorum >= 0 {
		cfg.Consensus.Quorum = f.quorum
	}
	if f.tieBreaker != "" {
		cfg.Consensus.TieBreaker = f.tieBreaker
	}
	if f.judge != "" {
		cfg.Consensus.Judge = f.judge
	}
	if f.maxLatencyMs >= 0 {
		cfg.Consensus.MaxLatencyMs = f.maxLatencyMs
	}
	if f.maxCostUSD >= 0 {
		cfg.Consensus.MaxCostUSD = f.maxCostUSD
	}
	if f.weights != "" {
		w, err := parseWeights(f.weights)
		if err != nil {
			return cfg, err
		}
		cfg.Consensus.Weights = w
	}
	if f.schema != "" {
		schema := f.schema
		if strings.HasPrefix(schema, "@") {
			data, err := os.ReadFile(schema[1:])
			if err != nil {
				return cfg, fmt.Errorf("read schema: %w", err)
			}
			schema = string(data)
		}
		if !json.Valid([]byte(schema)) {
			return cfg, errors.New("--schema is not valid JSON")
		}
		cfg.Consensus.Schema = schema
	}

	if _, err := runner.ParseMode(string(cfg.Runner.Mode)); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func gatherPrompts(f *runFlags) ([]string, error) {
	sources := 0
	for _, s := range []string{f.prompt, f.promptFile, f.prompts} {
		if s != "" {
			sources++
		}
	}
	if sources > 1 {
		return nil, errors.New("--prompt, --prompt-file, and --prompts are mutually exclusive")
	}
	switch {
	case f.prompt != "":
		return []string{f.prompt}, nil
	case f.promptFile != "":
		data, err := os.ReadFile(f.promptFile)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return nil, errors.New("prompt file is empty")
		}
		return []string{text}, nil
	case f.prompts != "":
		data, err := os.ReadFile(f.prompts)
		if err != nil {
			return nil, fmt.Errorf("read prompts file: %w", err)
		}
		var out []string
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
				out = append(out, line)
			}
		}
		if len(out) == 0 {
			return nil, errors.New("prompts file is empty")
		}
		return out, nil
	}
	return nil, nil
}

func runPrompts(ctx context.Context, a *app, f *runFlags, prompts []string) int {
	requests := make([]provider.Request, len(prompts))
	for i, p := range prompts {
		requests[i] = provider.Request{Model: f.model, Prompt: p}
	}

	results := make([]*runner.Result, len(requests))
	errs := make([]error, len(requests))

	if f.async {
		handles := make([]*runner.Handle, len(requests))
		for i, req := range requests {
			handles[i] = a.runner.Go(ctx, req)
		}
		for i, h := range handles {
			results[i], errs[i] = h.Wait()
		}
	} else {
		for i, req := range requests {
			results[i], errs[i] = a.dispatch(ctx, req)
			if errs[i] != nil && ctx.Err() != nil {
				break
			}
		}
	}

	for i := range requests {
		if errs[i] != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", errs[i])
			return exitCodeFor(ctx, errs[i])
		}
		if results[i] == nil {
			// Interrupted before this prompt started.
			return exitInterrupt
		}
		printResult(f.format, results[i])
	}
	return exitOK
}

func printResult(format string, res *runner.Result) {
	switch format {
	case "text":
		fmt.Println(res.Response.Text)
	case "json":
		data, _ := json.MarshalIndent(resultOutput(res), "", "  ")
		fmt.Println(string(data))
	case "jsonl":
		data, _ := json.Marshal(resultOutput(res))
		fmt.Println(string(data))
	}
}

// runOutput is the machine-readable result shape.
type runOutput struct {
	Provider    string             `json:"provider"`
	Model       string             `json:"model,omitempty"`
	Text        string             `json:"text"`
	LatencyMs   int64              `json:"latency_ms"`
	TokensIn    int                `json:"tokens_in"`
	TokensOut   int                `json:"tokens_out"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Consensus   *consensusOutput   `json:"consensus,omitempty"`
	All         []invocationOutput `json:"all,omitempty"`
}

type consensusOutput struct {
	Votes    int            `json:"votes"`
	Quorum   int            `json:"quorum"`
	Rounds   int            `json:"rounds"`
	Tally    map[string]int `json:"tally,omitempty"`
	Decision string         `json:"decision,omitempty"`
}

type invocationOutput struct {
	Provider  string `json:"provider"`
	Text      string `json:"text,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

func resultOutput(res *runner.Result) runOutput {
	out := runOutput{
		Provider:    res.Provider,
		Fingerprint: res.Fingerprint,
	}
	if res.Response != nil {
		out.Model = res.Response.Model
		out.Text = res.Response.Text
		out.LatencyMs = res.Response.LatencyMs
		out.TokensIn = res.Response.Usage.Prompt
		out.TokensOut = res.Response.Usage.Completion
	}
	if res.Consensus != nil {
		out.Consensus = &consensusOutput{
			Votes:    res.Consensus.Votes,
			Quorum:   res.Consensus.Quorum,
			Rounds:   res.Consensus.Rounds,
			Tally:    res.Consensus.Tally,
			Decision: res.Consensus.Reason,
		}
	}
	if res.All != nil {
		for _, inv := range res.All.Invocations {
			o := invocationOutput{Provider: inv.ProviderID, LatencyMs: inv.LatencyMs}
			if inv.Response != nil {
				o.Text = inv.Response.Text
			}
			if inv.Err != nil {
				o.Error = inv.Err.Error()
			}
			out.All = append(out.All, o)
		}
	}
	return out
}

// exitCodeFor maps a run failure to the documented exit codes.
func exitCodeFor(ctx context.Context, err error) int {
	if err == nil {
		return exitOK
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return exitInterrupt
	}

	kind := worstKind(err)
	switch kind {
	case provider.KindRateLimit:
		return exitRateLimit
	case provider.KindTimeout:
		return exitNetwork
	}

	var ne net.Error
	var ue *url.Error
	if errors.As(err, &ne) || errors.As(err, &ue) {
		return exitNetwork
	}
	return exitProvider
}

// worstKind digs the most relevant error kind out of a run failure,
// preferring the last attempt's classification.
func worstKind(err error) provider.Kind {
	var afe *runner.AllFailedError
	if errors.As(err, &afe) && len(afe.Failures) > 0 {
		return provider.KindOf(afe.Failures[len(afe.Failures)-1].Err)
	}
	var pee *runner.ParallelExecutionError
	if errors.As(err, &pee) && len(pee.Failures) > 0 {
		return provider.KindOf(pee.Failures[len(pee.Failures)-1].Err)
	}
	return provider.KindOf(err)
}
