// Package report flattens fit results into tabular records and run
// artifacts suitable for export and human-readable listings.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat"

	"specfit/internal/model"
)

// Record is one fitted parameter value with its discrete context.
type Record struct {
	RunID     string  `json:"run_id"`
	Component string  `json:"component"`
	Material  string  `json:"material"`
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
}

// ResidualSummary aggregates the per-sample residuals of one configuration.
type ResidualSummary struct {
	Dataset int     `json:"dataset"`
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	RMSE    float64 `json:"rmse"`
}

// Flatten expands a fit result into one record per fitted parameter, in
// sorted parameter order. Parameter names carry their component as a
// "<component>_" prefix, which locates the material for the record.
// Component names may themselves contain underscores, so a name like
// "src_low_voltage" is claimed by "src_low" over "src": the longest
// matching prefix wins.
func Flatten(runID string, fit model.FitResult) []Record {
	records := make([]Record, 0, len(fit.Params))
	for _, name := range fit.ParamNames() {
		rec := Record{
			RunID:     runID,
			Parameter: name,
			Value:     fit.Params[name],
		}
		for _, sel := range fit.Assignment {
			if strings.HasPrefix(name, sel.Component+"_") && len(sel.Component) > len(rec.Component) {
				rec.Component = sel.Component
				rec.Material = sel.Material.Formula
			}
		}
		records = append(records, rec)
	}
	return records
}

// Summarize computes residual statistics for each configuration of a fit.
func Summarize(fit model.FitResult) []ResidualSummary {
	summaries := make([]ResidualSummary, 0, len(fit.Residuals))
	for i, residuals := range fit.Residuals {
		s := ResidualSummary{Dataset: i, Samples: len(residuals)}
		if len(residuals) > 0 {
			s.Mean = stat.Mean(residuals, nil)
			s.StdDev = stat.StdDev(residuals, nil)
			if math.IsNaN(s.StdDev) {
				s.StdDev = 0
			}
			sq := 0.0
			for _, r := range residuals {
				sq += r * r
			}
			s.RMSE = math.Sqrt(sq / float64(len(residuals)))
		}
		summaries = append(summaries, s)
	}
	return summaries
}

// WriteCSV writes parameter records with a header row.
func WriteCSV(w io.Writer, records []Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"run_id", "component", "material", "parameter", "value"}); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writer.Write([]string{
			rec.RunID,
			rec.Component,
			rec.Material,
			rec.Parameter,
			strconv.FormatFloat(rec.Value, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// RunArtifacts is everything persisted to disk for one run. Only the
// winning fit is exported; invalid trials carry non-finite losses that JSON
// cannot represent.
type RunArtifacts struct {
	Run  model.RunRecord `json:"run"`
	Best model.FitResult `json:"best"`
}

// WriteRunArtifacts writes the run summary, trial list and parameter CSV
// under baseDir/<run id> and returns the run directory.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Run.ID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "run.json"), artifacts.Run); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "best.json"), artifacts.Best); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "residuals.json"), Summarize(artifacts.Best)); err != nil {
		return "", err
	}

	file, err := os.Create(filepath.Join(runDir, "parameters.csv"))
	if err != nil {
		return "", err
	}
	defer file.Close()
	if err := WriteCSV(file, Flatten(artifacts.Run.ID, artifacts.Best)); err != nil {
		return "", err
	}
	return runDir, nil
}

// ReadRunSummary loads a previously written run summary.
func ReadRunSummary(baseDir, runID string) (model.RunRecord, bool, error) {
	path := filepath.Join(baseDir, runID, "run.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}

	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, false, err
	}
	return run, true, nil
}

// ListingLine renders one run for terminal listings, newest-friendly,
// for example:
//
//	3f1c2d4e  filter=Al scint=CsI  loss=1.24e-05  12,400 evaluations  3 minutes ago
func ListingLine(run model.RunRecord, now time.Time) string {
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	age := "unknown age"
	if created, err := time.Parse(time.RFC3339, run.CreatedAtUTC); err == nil {
		age = humanize.RelTime(created, now, "ago", "from now")
	}
	return fmt.Sprintf("%s  %s  loss=%.3g  %s evaluations  %s",
		id,
		run.BestAssignment.String(),
		run.BestLoss,
		humanize.Comma(int64(run.Evaluations)),
		age,
	)
}

// SortRunsNewestFirst orders runs by creation time, breaking ties by ID so
// listings are stable.
func SortRunsNewestFirst(runs []model.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC == runs[j].CreatedAtUTC {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
	})
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
