package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/modelmux/modelmux/internal/runner"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modelmux.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.LogLevel != "info" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Temporal.TaskQueue != "modelmux-dispatch" {
		t.Fatalf("temporal defaults = %+v", cfg.Temporal)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
runner:
  mode: consensus
  rpm: 30
  retries:
    max: 2
providers:
  - name: openai
    type: openai
    model: gpt-4o-mini
    api_key_env: TEST_OPENAI_KEY
    input_per_1k: 0.00015
  - name: judge
    type: mock
consensus:
  aggregate: weighted
  quorum: 2
  judge: judge
  weights:
    openai: 2.0
shadow:
  provider: judge
`)
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.Runner.Mode != runner.ModeConsensus || cfg.Runner.RPM != 30 || cfg.Runner.Retries.Max != 2 {
		t.Fatalf("runner = %+v", cfg.Runner)
	}
	p, ok := cfg.FindProvider("openai")
	if !ok || p.APIKey != "sk-from-env" {
		t.Fatalf("provider = %+v, ok = %v", p, ok)
	}
	if cfg.Consensus.Aggregate != "weighted" || cfg.Consensus.Weights["openai"] != 2.0 {
		t.Fatalf("consensus = %+v", cfg.Consensus)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "listen: \":9090\"\nrunner:\n  rpm: 10\n")
	t.Setenv("MODELMUX_LISTEN_ADDR", ":7070")
	t.Setenv("MODELMUX_RPM", "120")
	t.Setenv("MODELMUX_MODE", "parallel_any")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":7070" || cfg.Runner.RPM != 120 || cfg.Runner.Mode != runner.ModeParallelAny {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, "runner:\n  mode: fastest\n")
	if _, err := Load(path); err == nil {
		t.Fatal("unknown mode should fail validation")
	}
}

func TestValidateRejectsDuplicateProviders(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: a
    type: mock
  - name: a
    type: mock
`)
	if _, err := Load(path); err == nil {
		t.Fatal("duplicate provider names should fail validation")
	}
}

func TestValidateRejectsUnknownJudge(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: a
    type: mock
consensus:
  judge: missing
`)
	if _, err := Load(path); err == nil {
		t.Fatal("judge must reference a configured provider")
	}
}

func TestValidateRejectsUnknownProviderType(t *testing.T) {
	path := writeConfig(t, "providers:\n  - name: a\n    type: grpc\n")
	if _, err := Load(path); err == nil {
		t.Fatal("unknown provider type should fail validation")
	}
}
