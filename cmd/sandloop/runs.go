package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sandloop/internal/orchestrator"
	"github.com/jkaninda/sandloop/internal/storage"
)

var (
	runsLimit int
	runsJSON  bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "maximum number of runs")
	runsCmd.PersistentFlags().BoolVar(&runsJSON, "json", false, "print JSON")
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
}

// openRunStore opens the configured store without building a provider or sandbox.
func openRunStore() (storage.Store, error) {
	logger, err := newLogger(false)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := resolveSecrets(cfg); err != nil {
		return nil, &exitError{code: ExitConfig, err: err}
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	if runsLimit <= 0 {
		return &exitError{code: ExitConfig, err: errors.New("--limit must be positive")}
	}
	store, err := openRunStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs().ListRuns(context.Background(), runsLimit)
	if err != nil {
		return err
	}
	if runsJSON {
		return writeJSON(cmd.OutOrStdout(), runs)
	}
	printRunList(cmd.OutOrStdout(), runs)
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return &exitError{code: ExitConfig, err: fmt.Errorf("invalid run ID %q", args[0])}
	}
	store, err := openRunStore()
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Runs().GetRun(context.Background(), id)
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		return &exitError{code: ExitNoAnswer, err: fmt.Errorf("run %s not found", id)}
	}
	if err != nil {
		return err
	}
	if runsJSON {
		return writeJSON(cmd.OutOrStdout(), run)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run:        %s\n", run.RunID)
	fmt.Fprintf(out, "query:      %s\n", run.Query)
	fmt.Fprintf(out, "outcome:    %s\n", run.Outcome())
	fmt.Fprintf(out, "iterations: %d\n", run.Iterations)
	fmt.Fprintf(out, "cost:       $%.4f\n", run.Budget.CostUSD)
	if run.Error != "" {
		fmt.Fprintf(out, "error:      %s\n", run.Error)
	}
	fmt.Fprintln(out)
	for _, s := range run.Steps {
		printStep(out, s)
	}
	if run.Success {
		fmt.Fprintf(out, "\n%s\n", run.FinalAnswer)
	}
	return nil
}

func printRunList(w io.Writer, runs []orchestrator.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tOUTCOME\tITER\tCOST\tQUERY")
	for _, r := range runs {
		outcome := "success"
		if !r.Success {
			outcome = string(r.ErrorKind)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t$%.4f\t%s\n",
			r.RunID, r.StartedAt.Local().Format(time.DateTime), outcome, r.Iterations, r.CostUSD, truncateQuery(r.Query, 60))
	}
	_ = tw.Flush()
}

func truncateQuery(q string, n int) string {
	r := []rune(q)
	if len(r) <= n {
		return q
	}
	return string(r[:n-3]) + "..."
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
