package features

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// Column names shared by the tabular formats.
const (
	ColSubject       = "subject"
	ColReferenceDate = "reference_date"
	ColWeekEnding    = "week_ending"
)

type vectorRecord struct {
	Subject       string             `json:"subject"`
	ReferenceDate string             `json:"reference_date"`
	Features      map[string]float64 `json:"features"`
}

// ReadVectors loads feature vectors from a .json, .csv or .xlsx file.
//
// JSON is an array of {"subject", "reference_date": "YYYY-MM-DD", "features": {...}}.
// Tables carry subject and reference_date columns followed by one column per
// feature; an empty cell leaves that feature absent.
func ReadVectors(ctx context.Context, path string) ([]model.FeatureVector, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "features: open file")
		}
		defer f.Close() //nolint:errcheck
		return DecodeVectors(ctx, f)
	}

	header, rows, err := readTable(ctx, path)
	if err != nil {
		return nil, err
	}
	return vectorsFromTable(header, rows)
}

// DecodeVectors decodes a JSON array of vector records, one element at a time.
func DecodeVectors(ctx context.Context, r io.Reader) ([]model.FeatureVector, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, eris.Wrap(err, "features: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, eris.Errorf("features: expected '[', got %v", tok)
	}

	var out []model.FeatureVector
	for dec.More() {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "features: context cancelled")
		}
		var rec vectorRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, eris.Wrapf(err, "features: decode element %d", len(out))
		}
		ref, err := model.ParseDate(rec.ReferenceDate)
		if err != nil {
			return nil, eris.Wrapf(err, "features: element %d", len(out))
		}
		v := model.FeatureVector{Subject: rec.Subject, ReferenceDate: ref, Features: rec.Features}
		if err := v.Validate(); err != nil {
			return nil, eris.Wrapf(err, "features: element %d", len(out))
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadSnapshots loads weekly snapshots from a .csv or .xlsx file with columns
// subject, week_ending, enrollments, sessions, booked_hours, capacity_hours and
// tutors, in any order.
func ReadSnapshots(ctx context.Context, path string) ([]Snapshot, error) {
	header, rows, err := readTable(ctx, path)
	if err != nil {
		return nil, err
	}
	idx, err := columnIndex(header, ColSubject, ColWeekEnding, "enrollments", "sessions", "booked_hours", "capacity_hours", "tutors")
	if err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(rows))
	for i, row := range rows {
		line := i + 2
		p := rowParser{row: row, idx: idx, line: line}
		week, err := model.ParseDate(p.str(ColWeekEnding))
		if err != nil {
			return nil, eris.Wrapf(err, "features: row %d", line)
		}
		s := Snapshot{
			Subject:       p.str(ColSubject),
			WeekEnding:    week,
			Enrollments:   int(p.num("enrollments")),
			Sessions:      int(p.num("sessions")),
			BookedHours:   p.num("booked_hours"),
			CapacityHours: p.num("capacity_hours"),
			Tutors:        int(p.num("tutors")),
		}
		if p.err != nil {
			return nil, p.err
		}
		if s.Subject == "" {
			return nil, eris.Errorf("features: row %d: empty subject", line)
		}
		out = append(out, s)
	}
	return out, nil
}

type rowParser struct {
	row  []string
	idx  map[string]int
	line int
	err  error
}

func (p *rowParser) str(col string) string {
	i := p.idx[col]
	if i >= len(p.row) {
		return ""
	}
	return strings.TrimSpace(p.row[i])
}

func (p *rowParser) num(col string) float64 {
	s := p.str(col)
	if s == "" || p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = eris.Wrapf(err, "features: row %d column %s", p.line, col)
	}
	return v
}

func vectorsFromTable(header []string, rows [][]string) ([]model.FeatureVector, error) {
	idx, err := columnIndex(header, ColSubject, ColReferenceDate)
	if err != nil {
		return nil, err
	}

	out := make([]model.FeatureVector, 0, len(rows))
	for i, row := range rows {
		line := i + 2
		p := rowParser{row: row, idx: idx, line: line}
		ref, err := model.ParseDate(p.str(ColReferenceDate))
		if err != nil {
			return nil, eris.Wrapf(err, "features: row %d", line)
		}

		v := model.FeatureVector{Subject: p.str(ColSubject), ReferenceDate: ref, Features: map[string]float64{}}
		for c, name := range header {
			name = normalize(name)
			if name == ColSubject || name == ColReferenceDate || name == "" || c >= len(row) {
				continue
			}
			cell := strings.TrimSpace(row[c])
			if cell == "" {
				continue
			}
			val, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "features: row %d column %s", line, name)
			}
			v.Features[name] = val
		}
		if err := v.Validate(); err != nil {
			return nil, eris.Wrapf(err, "features: row %d", line)
		}
		out = append(out, v)
	}
	return out, nil
}

func normalize(col string) string {
	return strings.ToLower(strings.TrimSpace(col))
}

func columnIndex(header []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[normalize(h)] = i
	}
	var missing []string
	for _, r := range required {
		if _, ok := idx[r]; !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("features: missing columns: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

// readTable returns the header and data rows of a CSV file or the first
// sheet of an XLSX workbook.
func readTable(ctx context.Context, path string) ([]string, [][]string, error) {
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = readCSV(ctx, path)
	case ".xlsx":
		rows, err = readXLSX(path)
	default:
		return nil, nil, eris.Errorf("features: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, eris.Errorf("features: %s has no header row", path)
	}
	return rows[0], rows[1:], nil
}

func readCSV(ctx context.Context, path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "features: open file")
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "features: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "features: read csv row")
		}
		rows = append(rows, record)
	}
}

func readXLSX(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "features: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("features: workbook has no sheets")
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		if allEmpty(cells) {
			continue
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func allEmpty(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
