package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/aerobatch/pkg/jobregistry"
)

var (
	jobsListJSON   bool
	jobsListRun    string
	jobsListState  string
	jobsStatusJSON bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs recorded in the local job registry",
	Long: `Inspect jobs recorded in the local job registry.

Every job a run has queued gets a job.json under <data_dir>/jobs/<job_id>/.
Records a killed process left queued or running are marked unknown by the
next run.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id|name>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsListCmd.Flags().BoolVar(&jobsListJSON, "json", false, "Output as JSON")
	jobsListCmd.Flags().StringVar(&jobsListRun, "run", "", "Only jobs of this run ID")
	jobsListCmd.Flags().StringVar(&jobsListState, "state", "", "Only jobs in this state (queued, running, success, partial, failed, stopped)")
	jobsStatusCmd.Flags().BoolVar(&jobsStatusJSON, "json", false, "Output as JSON")
}

func jobStore() (*jobregistry.Store, error) {
	cfg := getConfig()
	if cfg.DataDir == "" {
		return nil, exitError(exitConfigError, "data_dir is not configured", nil)
	}
	return jobregistry.NewStore(cfg.JobsDir()), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	store, err := jobStore()
	if err != nil {
		return err
	}

	var recs []jobregistry.JobRecord
	if jobsListRun != "" {
		recs, err = store.ListRun(jobsListRun)
	} else {
		recs, err = store.List()
	}
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job registry", err)
	}

	if jobsListState != "" {
		filtered := recs[:0]
		for _, r := range recs {
			if string(r.State) == jobsListState {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}

	out := cmd.OutOrStdout()
	if jobsListJSON {
		if recs == nil {
			recs = []jobregistry.JobRecord{}
		}
		return writeJSON(out, recs)
	}

	if len(recs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB ID\tNAME\tSTATE\tPHASE\tCREATED\tRUN")
	for _, r := range recs {
		phase := r.Phase
		if phase == "" {
			phase = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.JobID), r.Name, r.State, phase, r.CreatedAt.Local().Format(time.DateTime), shortID(r.RunID))
	}
	return tw.Flush()
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	store, err := jobStore()
	if err != nil {
		return err
	}
	rec, err := findJob(store, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jobsStatusJSON {
		return writeJSON(out, rec)
	}
	printJobRecord(out, rec)
	return nil
}

// findJob looks a job up by ID, then by name.
func findJob(store *jobregistry.Store, ref string) (*jobregistry.JobRecord, error) {
	rec, err := store.Get(ref)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, exitError(foundry.ExitFileReadError, "Failed to read job record", err)
	}
	rec, err = store.FindByName(ref)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(foundry.ExitFileNotFound, "Job not found", fmt.Errorf("%s", ref))
		}
		return nil, exitError(foundry.ExitFileReadError, "Failed to read job registry", err)
	}
	return rec, nil
}

func printJobRecord(w io.Writer, r *jobregistry.JobRecord) {
	kv := func(k, v string) {
		if v != "" {
			_, _ = fmt.Fprintf(w, "%s=%s\n", k, v)
		}
	}
	kv("job_id", r.JobID)
	kv("name", r.Name)
	kv("state", string(r.State))
	kv("run_id", r.RunID)
	kv("variant", r.Variant)
	kv("geometry", r.GeometryPath)
	kv("output_dir", r.OutputDir)
	kv("manifest", r.ManifestPath)
	kv("created_at", r.CreatedAt.Format(time.RFC3339))
	if r.StartedAt != nil {
		kv("started_at", r.StartedAt.Format(time.RFC3339))
	}
	if r.EndedAt != nil {
		kv("ended_at", r.EndedAt.Format(time.RFC3339))
		if r.StartedAt != nil {
			kv("duration", r.EndedAt.Sub(*r.StartedAt).Round(time.Second).String())
		}
	}
	if r.Phase != "" {
		kv("phase", fmt.Sprintf("%s (%d%%)", r.Phase, r.Percent))
	}
	kv("failed_phase", r.FailedPhase)
	kv("error", r.Error)
	if r.Results != nil {
		kv("cd", fmtOpt(r.Results.Cd))
		kv("cl", fmtOpt(r.Results.Cl))
		kv("scx", fmtOpt(r.Results.SCx))
		kv("scz", fmtOpt(r.Results.SCz))
		kv("projected_area", fmtOpt(r.Results.ProjectedArea))
	}
	if r.Recoveries > 0 {
		kv("recoveries", fmt.Sprint(r.Recoveries))
	}
	for _, warn := range r.Warnings {
		kv("warning", warn)
	}
	kv("events", r.EventsPath)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
