package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cli2rest/cli2rest/internal/endpoint"
	"github.com/cli2rest/cli2rest/internal/ledger"
	"github.com/cli2rest/cli2rest/internal/toolconfig"
)

// List bundled tools
func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the bundled tool configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range toolconfig.Bundled() {
				cfg, err := toolconfig.Resolve(name)
				if err != nil {
					fmt.Fprintf(w, "%s\t(invalid: %v)\n", name, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, cfg.DockerImage, cfg.Description)
			}
			return w.Flush()
		},
	}
}

// Print a resolved config
func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <config>",
		Short: "Print a tool config as resolved, with where it came from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := toolconfig.Resolve(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n", cfg.Source)
			if !strings.HasPrefix(cfg.Source, "bundled:") && toolconfig.IsBundled(args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "# shadows bundled tool %s\n", args[0])
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

// Probe a service
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health <url>",
		Short: "Check that a service answers GET /health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			interval, _ := cmd.Flags().GetDuration("poll-interval")
			m := endpoint.NewManager(nil, endpoint.WithHealthTimeout(timeout), endpoint.WithPollInterval(interval))
			ep, err := m.External(args[0])
			if err != nil {
				return err
			}
			if err := m.WaitHealthy(cmd.Context(), ep.BaseURL); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", ep.BaseURL)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 5*time.Second, "how long to keep probing")
	cmd.Flags().Duration("poll-interval", endpoint.DefaultPollInterval, "interval between probes")
	return cmd
}

// Show recorded runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List runs recorded with --ledger, or the files of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("ledger")
			limit, _ := cmd.Flags().GetInt("limit")
			if path == "" {
				return errors.New("--ledger is required")
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("ledger: %w", err)
			}
			store, err := ledger.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("ledger: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if len(args) == 1 {
				return printFiles(cmd.Context(), w, store, args[0])
			}
			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ID\tTOOL\tFILES\tOK\tFAILED\tSTARTED\tENDPOINT")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n", r.ID[:8], r.Tool, r.Files, r.Succeeded, r.Failed, r.StartedAt, r.Endpoint)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("ledger", "", "SQLite database written by run --ledger")
	cmd.Flags().Int("limit", 20, "show at most this many runs; 0 shows all")
	return cmd
}

func printFiles(ctx context.Context, w *tabwriter.Writer, store *ledger.Store, runID string) error {
	files, err := store.Files(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "FILE\tSTATUS\tOUTPUTS\tMISSING\tELAPSED\tERROR")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", f.InputFile, f.Status, f.Outputs, len(f.MissingFiles),
			time.Duration(f.ElapsedMS)*time.Millisecond, f.Error)
	}
	return w.Flush()
}
