package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/runner"
)

func TestRunDispatchesCommands(t *testing.T) {
	if code := run([]string{"version"}); code != exitOK {
		t.Errorf("version = %d", code)
	}
	if code := run([]string{"bogus"}); code != exitInput {
		t.Errorf("bogus = %d", code)
	}
	if code := run(nil); code != exitInput {
		t.Errorf("empty = %d", code)
	}
}

func TestParseRunFlags(t *testing.T) {
	f, err := parseRunFlags([]string{
		"--provider", "a", "--providers", "b, c", "--model", "m",
		"--prompt", "hi", "--format", "jsonl", "--mode", "consensus",
		"--quorum", "2",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := f.providers; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("providers = %v", got)
	}
	if f.format != "jsonl" || f.mode != "consensus" || f.quorum != 2 {
		t.Errorf("flags = %+v", f)
	}

	if _, err := parseRunFlags([]string{"--format", "xml"}); err == nil {
		t.Error("bad format accepted")
	}
	if _, err := parseRunFlags([]string{"--prompt", "hi", "stray"}); err == nil {
		t.Error("stray argument accepted")
	}
}

func TestGatherPrompts(t *testing.T) {
	dir := t.TempDir()
	promptsFile := filepath.Join(dir, "prompts.txt")
	if err := os.WriteFile(promptsFile, []byte("one\n\n# comment\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := gatherPrompts(&runFlags{prompts: promptsFile})
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("prompts = %v", got)
	}

	if _, err := gatherPrompts(&runFlags{prompt: "a", promptFile: "b"}); err == nil {
		t.Error("mutually exclusive sources accepted")
	}
	if _, err := gatherPrompts(&runFlags{promptFile: filepath.Join(dir, "missing")}); err == nil {
		t.Error("missing prompt file accepted")
	}
}

func TestParseWeights(t *testing.T) {
	w, err := parseWeights("a=2, b=0.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w["a"] != 2 || w["b"] != 0.5 {
		t.Errorf("weights = %v", w)
	}
	if _, err := parseWeights("nope"); err == nil {
		t.Error("malformed weights accepted")
	}
	if _, err := parseWeights("a=-1"); err == nil {
		t.Error("negative weight accepted")
	}
}

func TestLoadEnvFilePrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "env")
	content := "# comment\nMODELMUX_TEST_A=from-file\nMODELMUX_TEST_B=from-file\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MODELMUX_TEST_A", "from-env")
	t.Setenv("MODELMUX_TEST_B", "")

	if err := loadEnvFile(envFile); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("MODELMUX_TEST_A"); got != "from-env" {
		t.Errorf("A = %q, explicit env should win", got)
	}
	if got := os.Getenv("MODELMUX_TEST_B"); got != "from-file" {
		t.Errorf("B = %q", got)
	}
}

func TestSelectProviders(t *testing.T) {
	cfg := config.Config{Providers: []config.Provider{
		{Name: "openai", Type: "openai"},
		{Name: "local", Type: "mock"},
	}}

	all, err := selectProviders(cfg, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %v, %v", all, err)
	}

	one, err := selectProviders(cfg, []string{"local"})
	if err != nil || len(one) != 1 || one[0].Name != "local" {
		t.Fatalf("one = %v, %v", one, err)
	}

	// "mock" works without a declaration.
	m, err := selectProviders(config.Config{}, []string{"mock"})
	if err != nil || m[0].Type != "mock" {
		t.Fatalf("mock = %v, %v", m, err)
	}

	if _, err := selectProviders(cfg, []string{"nope"}); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestExitCodeFor(t *testing.T) {
	ctx := context.Background()

	rate := &runner.AllFailedError{Failures: []runner.AttemptFailure{
		{Provider: "a", Attempt: 1, Err: &provider.Error{Kind: provider.KindFatal}},
		{Provider: "b", Attempt: 2, Err: &provider.Error{Kind: provider.KindRateLimit}},
	}}
	if code := exitCodeFor(ctx, rate); code != exitRateLimit {
		t.Errorf("rate limit = %d", code)
	}

	timeout := &runner.ParallelExecutionError{Failures: []runner.AttemptFailure{
		{Provider: "a", Attempt: 1, Err: &provider.Error{Kind: provider.KindTimeout}},
	}}
	if code := exitCodeFor(ctx, timeout); code != exitNetwork {
		t.Errorf("timeout = %d", code)
	}

	if code := exitCodeFor(ctx, &provider.Error{Kind: provider.KindFatal}); code != exitProvider {
		t.Errorf("fatal = %d", code)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if code := exitCodeFor(cancelled, errors.New("anything")); code != exitInterrupt {
		t.Errorf("interrupt = %d", code)
	}
}

func TestBuildAppRunsMockChain(t *testing.T) {
	cfg := config.Default()
	cfg.DBDSN = "file:" + filepath.Join(t.TempDir(), "doctor.sqlite")
	cfg.Providers = []config.Provider{
		{Name: "echo", Type: "mock"},
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, nil, logging.Setup("error"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()

	res, err := a.dispatch(ctx, provider.Request{Model: "m", Prompt: "ping"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Provider != "echo" || res.Response.Text != "echo: ping" {
		t.Errorf("result = %+v", res)
	}

	out := resultOutput(res)
	if out.Provider != "echo" || out.Text != "echo: ping" {
		t.Errorf("output = %+v", out)
	}
}

func TestBuildAppMissingKeyIsEnvError(t *testing.T) {
	cfg := config.Default()
	cfg.DBDSN = "file:" + filepath.Join(t.TempDir(), "keys.sqlite")
	cfg.Providers = []config.Provider{
		{Name: "openai", Type: "openai"},
	}

	_, err := buildApp(context.Background(), cfg, nil, logging.Setup("error"))
	if !errors.Is(err, errEnv) {
		t.Fatalf("err = %v, want environment error", err)
	}
}
