// Sandloop answers questions by letting an LLM write Python that runs in an
// isolated sandbox, with budget and egress controls around every step.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandloop/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "sandloop",
	Short: "Sandboxed code-executing LLM agent",
	Long: `Sandloop answers a question by letting a language model write Python,
running it in a locked-down container and feeding the output back until the
model states a final answer. Large context files are mounted read-only and
explored through code instead of being sent to the model.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (or SANDLOOP_CONFIG env, default ~/.sandloop/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	rootCmd.AddCommand(runCmd, serveCmd, mcpCmd, doctorCmd, runsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var ee *exitError
	switch {
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, config.ErrInvalid):
		return ExitConfig
	default:
		return ExitNoAnswer
	}
}
