package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadpipe/internal/config"
	"github.com/sells-group/leadpipe/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start, cancel and inspect extraction runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start <definition-id>",
	Short: "Start a run of a definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Service.StartRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "run start")
		}
		fmt.Fprintln(os.Stdout, run.ID)
		return nil
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pending or running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Service.CancelRun(ctx, args[0]); err != nil {
			return eris.Wrap(err, "run cancel")
		}
		fmt.Fprintf(os.Stdout, "run %s cancelled\n", args[0])
		return nil
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's status and counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Runs.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "run status")
		}
		if run == nil {
			return eris.Errorf("run %s not found", args[0])
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		}
		formatRunStatus(os.Stdout, run)
		return nil
	},
}

var runProgressCmd = &cobra.Command{
	Use:   "progress <run-id>",
	Short: "Count a run's staging rows by status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Staging.Progress(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "run progress")
		}
		formatProgress(os.Stdout, p)
		return nil
	},
}

var runLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Print a run's audit log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.AuditWriter.List(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "run logs")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No log entries found.")
			return nil
		}
		formatLogs(os.Stdout, entries)
		return nil
	},
}

func init() {
	runStatusCmd.Flags().Bool("json", false, "print the full run as JSON")
	runLogsCmd.Flags().Int("limit", 200, "max number of entries to display")

	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runCancelCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runProgressCmd)
	runCmd.AddCommand(runLogsCmd)
	rootCmd.AddCommand(runCmd)
}

// formatRunStatus writes a run's status and counters to out.
func formatRunStatus(out io.Writer, r *model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	_, _ = fmt.Fprintf(w, "Step:\t%d/%d (%s)\n", r.CompletedSteps, r.TotalSteps, model.StepName(r.CurrentStep))
	_, _ = fmt.Fprintf(w, "Location:\t%s\n", r.SearchLocation)
	_, _ = fmt.Fprintf(w, "Found:\t%d/%d\n", r.FoundQuantity, r.TargetQuantity)
	_, _ = fmt.Fprintf(w, "Created:\t%d\n", r.CreatedQuantity)
	_, _ = fmt.Fprintf(w, "Duplicates:\t%d\n", r.DuplicatesSkipped)
	_, _ = fmt.Fprintf(w, "Filtered:\t%d\n", r.FilteredOut)
	_, _ = fmt.Fprintf(w, "Pages:\t%d\n", r.PagesConsumed)
	_, _ = fmt.Fprintf(w, "Credits:\t%d\n", r.CreditsConsumed)
	if r.RetryCount > 0 {
		_, _ = fmt.Fprintf(w, "Retries:\t%d\n", r.RetryCount)
	}
	if r.ExecutionTimeMs != nil {
		dur := time.Duration(*r.ExecutionTimeMs) * time.Millisecond
		_, _ = fmt.Fprintf(w, "Duration:\t%s\n", dur.Round(time.Second))
	}
	if r.ErrorMessage != nil && *r.ErrorMessage != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", *r.ErrorMessage)
	}
	_ = w.Flush()
}

// formatProgress writes staging counts by status, sorted by status name.
func formatProgress(out io.Writer, p *model.Progress) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total:\t%d\n", p.Total)
	_, _ = fmt.Fprintf(w, "Migrated:\t%d\n", p.Migrated)

	_, _ = fmt.Fprintln(w, "EXTRACTION\tCOUNT")
	for _, k := range sortedKeys(p.ByExtraction) {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", k, p.ByExtraction[model.ExtractionStatus(k)])
	}
	_, _ = fmt.Fprintln(w, "ENRICHMENT\tCOUNT")
	for _, k := range sortedKeys(p.ByEnrichment) {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", k, p.ByEnrichment[model.EnrichmentStatus(k)])
	}
	_ = w.Flush()
}

// formatLogs writes audit entries in append order.
func formatLogs(out io.Writer, entries []model.LogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tSTEP\tLEVEL\tMESSAGE\tDETAILS")
	_, _ = fmt.Fprintln(w, "----\t----\t-----\t-------\t-------")
	for _, e := range entries {
		details := string(e.Details)
		if details == "" || details == "null" {
			details = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d %s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("15:04:05"),
			e.StepNumber, e.StepName,
			e.Level,
			e.Message,
			truncate(details, 80),
		)
	}
	_ = w.Flush()
}

func sortedKeys[K ~string](m map[K]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
