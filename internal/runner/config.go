package runner

import (
	"fmt"
	"time"

	"github.com/modelmux/modelmux/internal/consensus"
)

// Mode selects the dispatch strategy.
type Mode string

const (
	ModeSequential  Mode = "sequential"
	ModeParallelAny Mode = "parallel_any"
	ModeParallelAll Mode = "parallel_all"
	ModeConsensus   Mode = "consensus"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSequential, ModeParallelAny, ModeParallelAll, ModeConsensus:
		return Mode(s), nil
	case "":
		return ModeSequential, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Backoff controls how failures steer the attempt loop.
type Backoff struct {
	// RateLimitSleep is slept before re-attempting after a rate_limit error.
	RateLimitSleep time.Duration `yaml:"rate_limit_sleep" json:"rate_limit_sleep"`
	// TimeoutNextProvider advances to the next provider after a timeout.
	TimeoutNextProvider bool `yaml:"timeout_next_provider" json:"timeout_next_provider"`
	// RetryableNextProvider advances after retryable errors exhaust their
	// budget.
	RetryableNextProvider bool `yaml:"retryable_next_provider" json:"retryable_next_provider"`
}

// Retries bounds per-provider re-attempts.
type Retries struct {
	Max     int           `yaml:"max" json:"max"`
	Backoff time.Duration `yaml:"backoff" json:"backoff"`
}

// Config drives one Runner. The zero value is a usable sequential
// configuration with no retries, no rate limit, and no ceilings.
type Config struct {
	Mode Mode `yaml:"mode" json:"mode"`
	// MaxAttempts caps total provider attempts across the whole run,
	// including retries. 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// MaxConcurrency bounds parallel workers. 0 means one worker per
	// provider.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// RPM paces provider calls through a shared token bucket. 0 disables.
	RPM int `yaml:"rpm" json:"rpm"`

	Backoff   Backoff           `yaml:"backoff" json:"backoff"`
	Retries   Retries           `yaml:"retries" json:"retries"`
	Consensus *consensus.Config `yaml:"-" json:"-"`

	// MetricsPath, when set, appends the JSONL event stream to this file.
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
}

func (c *Config) concurrency(providers int) int {
	n := c.MaxConcurrency
	if n <= 0 {
		n = providers
	}
	if n < 1 {
		n = 1
	}
	return n
}
