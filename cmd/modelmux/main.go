// Command modelmux dispatches generation requests across a chain of LLM
// providers. The `run` command executes prompts under the configured
// strategy (optionally serving the observability API); `doctor` checks the
// environment, provider reachability, and storage.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes. 130 follows the shell convention for SIGINT.
const (
	exitOK        = 0
	exitInput     = 2
	exitEnv       = 3
	exitNetwork   = 4
	exitProvider  = 5
	exitRateLimit = 6
	exitInterrupt = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return exitInput
	}
	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "run":
		return cmdRun(rest)
	case "doctor":
		return cmdDoctor(rest)
	case "version", "--version", "-v":
		fmt.Printf("modelmux %s\n", version)
		return exitOK
	case "help", "--help", "-h":
		usage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		return exitInput
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `modelmux — multi-provider LLM dispatch

Usage: modelmux <command> [flags]

Commands:
  run      Execute prompts through the provider chain
  doctor   Check configuration, credentials, and provider reachability
  version  Show version
  help     Show this help

Run 'modelmux <command> -h' for command flags.

Exit codes:
  0  success
  2  input error (bad flags, empty prompt set)
  3  environment error (missing API key, locked vault)
  4  network error (timeouts, unreachable providers)
  5  provider error
  6  rate limited
  130  interrupted
`)
}

// loadEnvFile reads a key=value file and sets any pairs not already present
// in the process environment. Explicit environment variables win.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if os.Getenv(k) == "" {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}
