package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/aerobatch/pkg/history"
)

var (
	historyJSON  bool
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the run history database",
	Long: `Query the run history database.

Every run records its jobs, phase timings and divergence recoveries in
<data_dir>/history.db, or in the libsql database at history.url.

Examples:
  aerobatch history runs --limit 5
  aerobatch history jobs 3f2a9c1e
  aerobatch history phases car_a_20261018_091500
  aerobatch history recoveries car_a_20261018_091500`,
}

var historyRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: withHistory(func(ctx context.Context, w io.Writer, s *history.Store, _ []string) error {
		runs, err := s.Runs(ctx, historyLimit)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(w, runs)
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tJOBS\tOK\tPARTIAL\tFAILED\tSTOPPED\tMANIFEST")
		for _, r := range runs {
			dur := "running"
			if r.EndedAt != nil {
				dur = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				shortID(r.RunID), r.StartedAt.Local().Format(time.DateTime), dur,
				r.Jobs, r.Succeeded, r.Partial, r.Failed, r.Stopped, r.ManifestPath)
		}
		return tw.Flush()
	}),
}

var historyJobsCmd = &cobra.Command{
	Use:   "jobs <run-id>",
	Short: "List the jobs of one run",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(ctx context.Context, w io.Writer, s *history.Store, args []string) error {
		runID, err := resolveRunID(ctx, s, args[0])
		if err != nil {
			return err
		}
		jobs, err := s.Jobs(ctx, runID)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(w, jobs)
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "JOB\tVARIANT\tSTATUS\tDURATION\tCD\tCL\tCONTINUITY\tRECOVERIES\tERROR")
		for _, j := range jobs {
			errText := j.Error
			if errText == "" {
				errText = "-"
			} else if j.FailedPhase != "" {
				errText = j.FailedPhase + ": " + errText
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				j.Job, j.Variant, j.Status, j.Duration.Round(time.Second),
				fmtOpt(j.Cd), fmtOpt(j.Cl), fmtOpt(j.FinalContinuity), j.Recoveries, errText)
		}
		return tw.Flush()
	}),
}

var historyPhasesCmd = &cobra.Command{
	Use:   "phases <job>",
	Short: "Show phase timings of a job",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(ctx context.Context, w io.Writer, s *history.Store, args []string) error {
		phases, err := s.Phases(ctx, args[0])
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(w, phases)
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "RUN\tPHASE\tELAPSED\tERROR")
		for _, p := range phases {
			errText := p.Error
			if errText == "" {
				errText = "-"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", shortID(p.RunID), p.Phase, p.Elapsed.Round(time.Millisecond), errText)
		}
		return tw.Flush()
	}),
}

var historyRecoveriesCmd = &cobra.Command{
	Use:   "recoveries <job>",
	Short: "Show divergence recoveries of a job",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(ctx context.Context, w io.Writer, s *history.Store, args []string) error {
		recs, err := s.Recoveries(ctx, args[0])
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(w, recs)
		}
		if len(recs) == 0 {
			_, _ = fmt.Fprintln(w, "No recoveries.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "RUN\tSTAGE\tITERATIONS\tBEFORE\tAFTER\tCLEARED\tERROR")
		for _, r := range recs {
			stage := fmt.Sprint(r.Stage)
			if r.StageName != "" {
				stage += " (" + r.StageName + ")"
			}
			errText := r.Error
			if errText == "" {
				errText = "-"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%t\t%s\n",
				shortID(r.RunID), stage, r.Iterations, fmtOpt(r.ContinuityBefore), fmtOpt(r.ContinuityAfter), r.Cleared, errText)
		}
		return tw.Flush()
	}),
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyRunsCmd, historyJobsCmd, historyPhasesCmd, historyRecoveriesCmd)

	historyCmd.PersistentFlags().BoolVar(&historyJSON, "json", false, "Output as JSON")
	historyRunsCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum runs to show (0 for all)")
}

// withHistory opens the history store around fn.
func withHistory(fn func(ctx context.Context, w io.Writer, s *history.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cfg := getConfig()
		if !cfg.History.Enabled {
			return exitError(exitConfigError, "Run history is disabled (history.enabled)", nil)
		}
		s, err := history.Open(ctx, history.Config{
			Path:      cfg.HistoryPath(),
			URL:       cfg.History.URL,
			AuthToken: cfg.History.AuthToken,
		})
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open run history", err)
		}
		defer func() { _ = s.Close() }()

		if err := fn(ctx, cmd.OutOrStdout(), s, args); err != nil {
			var exitErr *ExitError
			if errors.As(err, &exitErr) {
				return err
			}
			return exitError(foundry.ExitFileReadError, "History query failed", err)
		}
		return nil
	}
}

// resolveRunID accepts a full run ID or a unique prefix of one.
func resolveRunID(ctx context.Context, s *history.Store, ref string) (string, error) {
	runs, err := s.Runs(ctx, 0)
	if err != nil {
		return "", err
	}
	var match string
	for _, r := range runs {
		if r.RunID == ref {
			return ref, nil
		}
		if strings.HasPrefix(r.RunID, ref) {
			if match != "" {
				return "", exitError(foundry.ExitInvalidArgument, "Ambiguous run ID", fmt.Errorf("%q matches several runs", ref))
			}
			match = r.RunID
		}
	}
	if match == "" {
		return "", exitError(foundry.ExitFileNotFound, "Run not found", fmt.Errorf("%s", ref))
	}
	return match, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
