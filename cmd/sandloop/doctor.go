package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the sandbox isolation settings",
	Long: `Ask the Docker daemon how the sandbox would actually run and report each
isolation check. Exits non-zero unless every check passes.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(false)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	_, docker, err := newSandbox(cfg, logger)
	if err != nil {
		return &exitError{code: ExitConfig, err: fmt.Errorf("initializing sandbox: %w", err)}
	}
	out := cmd.OutOrStdout()
	if docker == nil {
		fmt.Fprintf(out, "sandbox: %s\n", cfg.Sandbox.SandboxType())
		fmt.Fprintln(out, "  the process sandbox runs code on the host without isolation")
		return &exitError{code: ExitInfrastructure, err: errors.New("sandbox is not isolated")}
	}
	defer docker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report := docker.ValidateSecurity(ctx)

	if doctorJSON {
		if err := writeJSON(out, struct {
			Report any  `json:"report"`
			Secure bool `json:"secure"`
		}{report, report.Secure()}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "sandbox: docker (image %s)\n", docker.Config().Image)
		for _, c := range report.Checks() {
			mark := "ok"
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Fprintf(out, "  %-18s %s\n", c.Name, mark)
		}
		if report.Runtime != "" {
			fmt.Fprintf(out, "  runtime            %s\n", report.Runtime)
		}
		if report.Error != "" {
			fmt.Fprintf(out, "  error              %s\n", report.Error)
		}
	}

	if !report.Secure() {
		return &exitError{code: ExitInfrastructure, err: errors.New("sandbox security checks failed")}
	}
	return nil
}
