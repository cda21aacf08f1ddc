package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/shortage-forecast/internal/model"
)

func testRows() []Row {
	ref := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	active := model.Prediction{
		ID:                       "pred_aaaaaaaaaaaa",
		Subject:                  "physics",
		Horizon:                  model.Horizon2Week,
		ReferenceDate:            ref,
		ShortageProbability:      0.8123,
		Severity:                 model.SeverityHigh,
		PredictedShortageDate:    ref.AddDate(0, 0, 9),
		DaysUntilShortage:        9,
		PredictedPeakUtilization: 97.5,
		ConfidenceScore:          74.2,
		ConfidenceLevel:          model.ConfidenceMedium,
		PriorityScore:            57.71,
		IsCritical:               true,
		Status:                   model.StatusActive,
		CreatedAt:                time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC),
	}
	pending := active
	pending.ID = "pred_bbbbbbbbbbbb"
	pending.Subject = "chemistry"
	pending.IsCritical = false
	pending.Status = model.StatusPending

	return []Row{
		{
			Prediction: active,
			Explanation: &model.Explanation{
				PredictionID: active.ID,
				TopFeatures: []model.FeatureAttribution{
					{Feature: model.FeatureUtilizationTrend, AttributionValue: 0.31},
					{Feature: model.FeatureEnrollmentVelocity, AttributionValue: -0.125},
				},
				ExplanationText: "High likelihood of a physics shortage, within 2 weeks.",
			},
		},
		{Prediction: pending},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"csv", FormatCSV, false},
		{" XLSX ", FormatXLSX, false},
		{"json", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	f, err := FormatFromPath("/tmp/out/predictions.xlsx")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)
	_, err = FormatFromPath("predictions")
	assert.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, testRows()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, Columns, records[0])

	active := records[1]
	require.Len(t, active, len(Columns))
	assert.Equal(t, "pred_aaaaaaaaaaaa", active[0])
	assert.Equal(t, "2026-09-01", active[3])
	assert.Equal(t, "0.8123", active[4])
	assert.Equal(t, "2026-09-10", active[6])
	assert.Equal(t, "9", active[7])
	assert.Equal(t, "97.50", active[8])
	assert.Equal(t, "true", active[12])
	assert.Equal(t, "utilization_trend:0.3100; enrollment_velocity:-0.1250", active[14])
	assert.Equal(t, "High likelihood of a physics shortage, within 2 weeks.", active[15])
	assert.Equal(t, "2026-09-01T10:30:00Z", active[16])

	pending := records[2]
	assert.Equal(t, "pending", pending[13])
	assert.Empty(t, pending[14])
	assert.Empty(t, pending[15])
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{Columns}, records)
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatXLSX, testRows()))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	sheet := f.Sheets[0]
	assert.Equal(t, "Predictions", sheet.Name)
	require.Len(t, sheet.Rows, 3)

	var header []string
	for _, c := range sheet.Rows[0].Cells {
		header = append(header, c.String())
	}
	assert.Equal(t, Columns, header)

	row := sheet.Rows[1].Cells
	assert.Equal(t, "pred_aaaaaaaaaaaa", row[0].String())
	assert.Equal(t, "physics", row[1].String())
	assert.Equal(t, "2week", row[2].String())
	assert.Equal(t, "high", row[5].String())
	assert.Equal(t, "utilization_trend:0.3100; enrollment_velocity:-0.1250", row[14].String())
	assert.Equal(t, "chemistry", sheet.Rows[2].Cells[1].String())
}

func TestWrite_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Write(&buf, Format("pdf"), testRows()))
}
