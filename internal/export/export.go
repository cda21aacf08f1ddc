// Package export writes predictions, with their explanations, as CSV or XLSX.
package export

import (
	"encoding/csv"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "csv" or "xlsx" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", eris.Errorf("export: unknown format %q", s)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Row is one exported prediction. Explanation is nil for pending predictions.
type Row struct {
	Prediction  model.Prediction
	Explanation *model.Explanation
}

// Columns is the header of every export.
var Columns = []string{
	"id",
	"subject",
	"horizon",
	"reference_date",
	"shortage_probability",
	"severity",
	"predicted_shortage_date",
	"days_until_shortage",
	"predicted_peak_utilization",
	"confidence_score",
	"confidence_level",
	"priority_score",
	"is_critical",
	"status",
	"top_features",
	"explanation",
	"created_at",
}

// Write writes rows in format f.
func Write(w io.Writer, f Format, rows []Row) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, rows)
	case FormatXLSX:
		return WriteXLSX(w, rows)
	default:
		return eris.Errorf("export: unknown format %q", f)
	}
}

// WriteCSV writes a header line and one record per row.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range rows {
		if err := cw.Write(record(r)); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", r.Prediction.ID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// WriteXLSX writes a single "Predictions" sheet with typed numeric cells and
// a bold header.
func WriteXLSX(w io.Writer, rows []Row) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Predictions")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	bold := xlsx.NewStyle()
	bold.Font.Bold = true
	bold.ApplyFont = true

	header := sheet.AddRow()
	for _, c := range Columns {
		cell := header.AddCell()
		cell.SetString(c)
		cell.SetStyle(bold)
	}

	for _, r := range rows {
		p := r.Prediction
		row := sheet.AddRow()
		row.AddCell().SetString(p.ID)
		row.AddCell().SetString(p.Subject)
		row.AddCell().SetString(string(p.Horizon))
		row.AddCell().SetString(p.ReferenceDate.Format(model.DateLayout))
		row.AddCell().SetFloat(p.ShortageProbability)
		row.AddCell().SetString(string(p.Severity))
		row.AddCell().SetString(p.PredictedShortageDate.Format(model.DateLayout))
		row.AddCell().SetInt(p.DaysUntilShortage)
		row.AddCell().SetFloat(p.PredictedPeakUtilization)
		row.AddCell().SetFloat(p.ConfidenceScore)
		row.AddCell().SetString(string(p.ConfidenceLevel))
		row.AddCell().SetFloat(p.PriorityScore)
		row.AddCell().SetBool(p.IsCritical)
		row.AddCell().SetString(string(p.Status))
		row.AddCell().SetString(topFeatures(r.Explanation))
		row.AddCell().SetString(explanationText(r.Explanation))
		row.AddCell().SetString(p.CreatedAt.UTC().Format(time.RFC3339))
	}

	return eris.Wrap(f.Write(w), "export: write xlsx")
}

func record(r Row) []string {
	p := r.Prediction
	return []string{
		p.ID,
		p.Subject,
		string(p.Horizon),
		p.ReferenceDate.Format(model.DateLayout),
		formatFloat(p.ShortageProbability, 4),
		string(p.Severity),
		p.PredictedShortageDate.Format(model.DateLayout),
		strconv.Itoa(p.DaysUntilShortage),
		formatFloat(p.PredictedPeakUtilization, 2),
		formatFloat(p.ConfidenceScore, 2),
		string(p.ConfidenceLevel),
		formatFloat(p.PriorityScore, 2),
		strconv.FormatBool(p.IsCritical),
		string(p.Status),
		topFeatures(r.Explanation),
		explanationText(r.Explanation),
		p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// topFeatures renders the top features as "name:attribution" pairs joined by "; ".
func topFeatures(e *model.Explanation) string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, len(e.TopFeatures))
	for _, f := range e.TopFeatures {
		parts = append(parts, f.Feature+":"+formatFloat(f.AttributionValue, 4))
	}
	return strings.Join(parts, "; ")
}

func explanationText(e *model.Explanation) string {
	if e == nil {
		return ""
	}
	return e.ExplanationText
}
