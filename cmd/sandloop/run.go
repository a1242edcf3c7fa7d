package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandloop/internal/orchestrator"
	"github.com/jkaninda/sandloop/internal/security"
)

var (
	runContextPath   string
	runMaxIterations int
	runChat          bool
	runJSON          bool
	runShowSteps     bool
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Answer one query and exit",
	Long: `Run the agent loop once. The query is taken from the arguments, or from
stdin when the only argument is "-".

Examples:
  sandloop run "What is the 20th Fibonacci number?"
  sandloop run --context access.log "Which IP made the most requests?"
  sandloop run --chat "Explain gVisor in one sentence"

Exit codes:
  0  final answer found
  1  the agent did not answer
  2  budget exceeded
  3  sandbox infrastructure failure
  4  data leak blocked
  5  configuration or input error`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runContextPath, "context", "c", "", "text file mounted read-only at /mnt/context")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "override agent.max_iterations")
	runCmd.Flags().BoolVar(&runChat, "chat", false, "single model call, no code execution")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full run result as JSON")
	runCmd.Flags().BoolVar(&runShowSteps, "steps", false, "print each step to stderr as it happens")
}

func runRun(cmd *cobra.Command, args []string) error {
	if runMaxIterations < 0 {
		return &exitError{code: ExitConfig, err: errors.New("--max-iterations must not be negative")}
	}
	query, err := readQuery(args, cmd.InOrStdin())
	if err != nil {
		return &exitError{code: ExitConfig, err: err}
	}

	logger, err := newLogger(false)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := newApp(cfg, logger, appOptions{store: !runChat})
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = security.WithActor(ctx, "cli")

	out := cmd.OutOrStdout()
	o := app.Orchestrator(runMaxIterations)

	if runChat {
		_, err := o.ChatStream(ctx, query, func(delta string) { fmt.Fprint(out, delta) })
		fmt.Fprintln(out)
		if errors.Is(err, security.ErrBudgetExceeded) {
			return &exitError{code: ExitBudget, err: err}
		}
		return err
	}

	if runShowSteps {
		o.OnStep(func(s orchestrator.Step) { printStep(cmd.ErrOrStderr(), s) })
	}

	result := o.Run(ctx, query, runContextPath)

	if runJSON {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else if result.Success {
		fmt.Fprintln(out, result.FinalAnswer)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "run %s: %s after %d iteration(s), $%.4f spent\n",
		result.RunID, result.Outcome(), result.Iterations, result.Budget.CostUSD)

	if result.Success {
		return nil
	}
	return &exitError{code: resultExitCode(result), err: errors.New(result.Error)}
}

// resultExitCode maps a failed run to the documented exit status.
func resultExitCode(r *orchestrator.Result) int {
	switch r.ErrorKind {
	case orchestrator.KindBudget:
		return ExitBudget
	case orchestrator.KindInfrastructure:
		return ExitInfrastructure
	case orchestrator.KindLeak:
		return ExitLeak
	case orchestrator.KindInput:
		return ExitConfig
	default:
		return ExitNoAnswer
	}
}

func readQuery(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading query from stdin: %w", err)
		}
		args = []string{string(data)}
	}
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return "", errors.New("query is empty")
	}
	return query, nil
}

func printStep(w io.Writer, s orchestrator.Step) {
	status := "ok"
	if !s.Success {
		status = "failed"
	}
	fmt.Fprintf(w, "[%d] %s (%s)\n", s.Iteration, s.Action, status)
	detail := s.Output
	if s.Error != "" {
		detail = s.Error
	}
	if detail = strings.TrimSpace(detail); detail != "" {
		if len(detail) > 500 {
			detail = detail[:500] + "..."
		}
		for line := range strings.Lines(detail) {
			fmt.Fprintf(w, "    %s", line)
		}
		fmt.Fprintln(w)
	}
}
