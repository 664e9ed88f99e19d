// Package cmd provides the CLI commands for the agentos kernel.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imran-siddique/agentos/internal/config"
)

// Exit codes of the administrative command set.
const (
	exitOK        = 0
	exitViolation = 1
	exitConfig    = 2
	exitRuntime   = 3
)

var (
	cfgFile   string
	stateRoot string
)

var rootCmd = &cobra.Command{
	Use:   "agentos",
	Short: "agentos - governance kernel for AI-agent actions",
	Long: `agentos intercepts every tool invocation an LLM-driven agent attempts,
evaluates it against declarative policy, records it to a tamper-evident
audit trail, and either allows, blocks, defers for approval, or
terminates the agent.

Commands:
  init        Write a default policy into the state root
  start       Start the trust sidecar in front of the configured backend
  validate    Parse and type-check policy documents
  check       Static policy scan over policy files and source trees
  audit       Dump recent flight recorder entries
  status      Print kernel version and loaded policies
  version     Print version information

Configuration is read from the --config file when given; AGENTOS_CONFIG,
AGENTOS_LOG_LEVEL, and AGENTOS_RECORDER_DIR override it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries one of the documented exit codes through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func configErr(format string, args ...interface{}) error {
	return &exitError{code: exitConfig, msg: fmt.Sprintf(format, args...)}
}

func violationErr(format string, args ...interface{}) error {
	return &exitError{code: exitViolation, msg: fmt.Sprintf(format, args...)}
}

func runtimeErr(format string, args ...interface{}) error {
	return &exitError{code: exitRuntime, msg: fmt.Sprintf(format, args...)}
}

// Execute runs the root command and exits with the documented codes:
// 0 success, 1 policy violation found, 2 configuration error, 3
// runtime error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		code := exitRuntime
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "kernel config file")
	rootCmd.PersistentFlags().StringVar(&stateRoot, "state", "", "state root directory (default: ~/.agentos)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, configErr("%v", err)
	}
	if stateRoot != "" {
		cfg.StateRoot = stateRoot
	}
	return cfg, nil
}
