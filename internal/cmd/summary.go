package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/aerobatch/pkg/manifest"
	"github.com/3leaps/aerobatch/pkg/summary"
)

var (
	summaryJSON    bool
	summaryJobPath string
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Inspect batch summary files",
}

var summaryShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Show the rows of a summary CSV",
	Long: `Show the rows of a summary CSV as a table or JSON.

The path defaults to the summary of the manifest given with --job.

Examples:
  aerobatch summary show runs/summary.csv
  aerobatch summary show --job batch.yaml --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSummaryShow,
}

func init() {
	rootCmd.AddCommand(summaryCmd)
	summaryCmd.AddCommand(summaryShowCmd)

	summaryShowCmd.Flags().BoolVar(&summaryJSON, "json", false, "Output as JSON")
	summaryShowCmd.Flags().StringVarP(&summaryJobPath, "job", "j", "", "Read the summary of this batch manifest")
}

func runSummaryShow(cmd *cobra.Command, args []string) error {
	var path string
	switch {
	case len(args) == 1:
		path = args[0]
	case summaryJobPath != "":
		b, err := manifest.Load(summaryJobPath)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
		}
		path = b.SummaryPath()
	default:
		return exitError(foundry.ExitInvalidArgument, "Summary path or --job is required", nil)
	}

	rows, err := summary.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "Summary not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read summary", err)
	}

	out := cmd.OutOrStdout()
	if summaryJSON {
		return writeJSON(out, rows)
	}
	printSummary(out, rows)
	return nil
}

func printSummary(w io.Writer, rows []summary.Row) {
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w, "No rows.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB\tCD\tCL\tSCX\tSCZ\tAREA\tY+ MAX\tORTHO MIN\tSKEW MAX")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Job,
			fmtOpt(r.Cd), fmtOpt(r.Cl), fmtOpt(r.SCx), fmtOpt(r.SCz), fmtOpt(r.ProjectedArea),
			fmtOpt(r.YPlus.Max), fmtOpt(r.Orthogonality.Min), fmtOpt(r.Skewness.Max))
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "\n%d rows\n", len(rows))
}

func fmtOpt(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', 5, 64)
}
