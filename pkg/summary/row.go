// Package summary keeps the running results table of a batch: one CSV row
// per recorded job, appended durably so a crash after N jobs leaves exactly
// N complete rows.
package summary

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"

	"github.com/3leaps/aerobatch/pkg/pipeline"
)

// Header is the fixed column order of the summary file.
var Header = []string{
	"job", "Cd", "Cl", "SCx", "SCz", "projectedArea",
	"yplus_min", "yplus_avg", "yplus_max",
	"ortho_min", "ortho_avg", "ortho_max",
	"skew_min", "skew_avg", "skew_max",
}

// ErrBadHeader is returned by Read when the file does not start with Header.
var ErrBadHeader = errors.New("summary: unexpected header")

// Row is one summary line. Nil values are written as empty fields.
type Row struct {
	Job           string              `json:"job"`
	Cd            *float64            `json:"cd"`
	Cl            *float64            `json:"cl"`
	SCx           *float64            `json:"scx"`
	SCz           *float64            `json:"scz"`
	ProjectedArea *float64            `json:"projected_area"`
	YPlus         pipeline.StatsField `json:"yplus"`
	Orthogonality pipeline.StatsField `json:"orthogonality"`
	Skewness      pipeline.StatsField `json:"skewness"`
}

// RowFromResult builds the summary row for a job result.
func RowFromResult(job string, r *pipeline.JobResult) Row {
	return Row{
		Job:           job,
		Cd:            r.Cd,
		Cl:            r.Cl,
		SCx:           r.SCx,
		SCz:           r.SCz,
		ProjectedArea: r.ProjectedArea,
		YPlus:         r.YPlus,
		Orthogonality: r.Orthogonality,
		Skewness:      r.Skewness,
	}
}

func (r Row) values() []*float64 {
	return []*float64{
		r.Cd, r.Cl, r.SCx, r.SCz, r.ProjectedArea,
		r.YPlus.Min, r.YPlus.Avg, r.YPlus.Max,
		r.Orthogonality.Min, r.Orthogonality.Avg, r.Orthogonality.Max,
		r.Skewness.Min, r.Skewness.Avg, r.Skewness.Max,
	}
}

// Record returns the CSV fields of the row in Header order.
func (r Row) Record() []string {
	vals := r.values()
	out := make([]string, 0, len(Header))
	out = append(out, r.Job)
	for _, v := range vals {
		out = append(out, formatFloat(v))
	}
	return out
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func parseFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseRow(rec []string) (Row, error) {
	if len(rec) != len(Header) {
		return Row{}, fmt.Errorf("expected %d fields, got %d", len(Header), len(rec))
	}
	row := Row{Job: rec[0]}
	targets := []**float64{
		&row.Cd, &row.Cl, &row.SCx, &row.SCz, &row.ProjectedArea,
		&row.YPlus.Min, &row.YPlus.Avg, &row.YPlus.Max,
		&row.Orthogonality.Min, &row.Orthogonality.Avg, &row.Orthogonality.Max,
		&row.Skewness.Min, &row.Skewness.Avg, &row.Skewness.Max,
	}
	for i, dst := range targets {
		v, err := parseFloat(rec[i+1])
		if err != nil {
			return Row{}, fmt.Errorf("column %s: %w", Header[i+1], err)
		}
		*dst = v
	}
	return row, nil
}

// encode renders records as CSV lines.
func encode(records ...[]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
