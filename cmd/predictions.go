package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/shortage-forecast/internal/export"
	"github.com/sells-group/shortage-forecast/internal/model"
	"github.com/sells-group/shortage-forecast/internal/store"
)

var predictionsCmd = &cobra.Command{
	Use:     "predictions",
	Aliases: []string{"preds"},
	Short:   "Inspect, resolve and export shortage predictions",
}

// -- predictions list --

var predictionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List predictions, highest priority first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := predictionFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		preds, err := st.ListPredictions(ctx, f)
		if err != nil {
			return eris.Wrap(err, "predictions list")
		}
		if len(preds) == 0 {
			fmt.Fprintln(os.Stderr, "No predictions found.")
			return nil
		}

		formatPredictionsList(cmd.OutOrStdout(), preds)
		return nil
	},
}

// -- predictions show --

var predictionsShowCmd = &cobra.Command{
	Use:   "show <prediction-id>",
	Short: "Show a prediction with its explanation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		detail, err := loadDetail(ctx, st, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

// -- predictions resolve --

var predictionsResolveCmd = &cobra.Command{
	Use:   "resolve <prediction-id>",
	Short: "Close a prediction as resolved or expired",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		statusStr, _ := cmd.Flags().GetString("status")
		status := model.PredictionStatus(statusStr)
		if status != model.StatusResolved && status != model.StatusExpired {
			return eris.Errorf("invalid --status %q: must be resolved or expired", statusStr)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.UpdatePredictionStatus(ctx, args[0], status); err != nil {
			return eris.Wrap(err, "predictions resolve")
		}

		c, closer := initCache(ctx)
		if closer != nil {
			defer closer()
		}
		if err := c.Bump(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: cache not invalidated: %v\n", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], status)
		return nil
	},
}

// -- predictions export --

var predictionsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export predictions with explanations to CSV or XLSX",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		output, _ := cmd.Flags().GetString("output")
		formatStr, _ := cmd.Flags().GetString("format")

		format, err := exportFormat(formatStr, output)
		if err != nil {
			return err
		}
		f, err := predictionFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := collectExportRows(ctx, st, f)
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" && output != "-" {
			file, err := os.Create(output)
			if err != nil {
				return eris.Wrapf(err, "create %s", output)
			}
			defer file.Close() //nolint:errcheck
			w = file
		}

		if err := export.Write(w, format, rows); err != nil {
			return err
		}
		if output != "" && output != "-" {
			fmt.Fprintf(os.Stderr, "Exported %d predictions to %s\n", len(rows), output)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{predictionsListCmd, predictionsExportCmd} {
		c.Flags().String("subject", "", "filter by subject")
		c.Flags().String("urgency", "", "filter by urgency (critical, high, medium, low)")
		c.Flags().String("horizon", "", "filter by horizon (2week, 4week, 6week, 8week)")
		c.Flags().Float64("confidence-min", 0, "minimum confidence score (0-100)")
		c.Flags().String("status", "", "filter by status (pending, active, resolved, expired, any; default active)")
		c.Flags().Bool("critical", false, "only critical predictions")
		c.Flags().String("sort", "", "sort order (priority_desc, priority_asc, date_desc, confidence_desc)")
	}
	predictionsListCmd.Flags().Int("limit", store.DefaultLimit, "max number of predictions to display")
	predictionsListCmd.Flags().Int("offset", 0, "number of predictions to skip")

	predictionsExportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	predictionsExportCmd.Flags().String("format", "", "export format: csv or xlsx (default from output extension, else csv)")

	predictionsResolveCmd.Flags().String("status", string(model.StatusResolved), "closing status (resolved or expired)")

	predictionsCmd.AddCommand(predictionsListCmd)
	predictionsCmd.AddCommand(predictionsShowCmd)
	predictionsCmd.AddCommand(predictionsResolveCmd)
	predictionsCmd.AddCommand(predictionsExportCmd)
	rootCmd.AddCommand(predictionsCmd)
}

// predictionFilterFromFlags builds a normalized filter from the shared list
// and export flags.
func predictionFilterFromFlags(cmd *cobra.Command) (store.PredictionFilter, error) {
	subject, _ := cmd.Flags().GetString("subject")
	urgency, _ := cmd.Flags().GetString("urgency")
	horizon, _ := cmd.Flags().GetString("horizon")
	confMin, _ := cmd.Flags().GetFloat64("confidence-min")
	status, _ := cmd.Flags().GetString("status")
	sort, _ := cmd.Flags().GetString("sort")

	f := store.PredictionFilter{
		Subject:       subject,
		Urgency:       store.Urgency(urgency),
		Horizon:       model.Horizon(horizon),
		ConfidenceMin: confMin,
		Status:        model.PredictionStatus(status),
		Sort:          store.SortOrder(sort),
	}
	if cmd.Flags().Changed("critical") {
		critical, _ := cmd.Flags().GetBool("critical")
		f.Critical = &critical
	}
	if cmd.Flags().Lookup("limit") != nil {
		f.Limit, _ = cmd.Flags().GetInt("limit")
		f.Offset, _ = cmd.Flags().GetInt("offset")
	}
	return f.Normalize()
}

// exportFormat picks the explicit --format, then the output extension, then CSV.
func exportFormat(flag, output string) (export.Format, error) {
	if flag != "" {
		return export.ParseFormat(flag)
	}
	if output != "" && output != "-" {
		if f, err := export.FormatFromPath(output); err == nil {
			return f, nil
		}
	}
	return export.FormatCSV, nil
}

func loadDetail(ctx context.Context, st store.Store, id string) (*model.PredictionDetail, error) {
	p, err := st.GetPrediction(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "predictions show")
	}
	detail := &model.PredictionDetail{Prediction: *p}
	e, err := st.GetExplanation(ctx, id)
	switch {
	case err == nil:
		detail.Explanation = e
	case errors.Is(err, model.ErrNotFound):
	default:
		return nil, eris.Wrap(err, "predictions show")
	}
	return detail, nil
}

// collectExportRows pages through every prediction matching f and attaches
// each explanation.
func collectExportRows(ctx context.Context, st store.Store, f store.PredictionFilter) ([]export.Row, error) {
	f.Limit = store.MaxLimit
	f.Offset = 0

	var rows []export.Row
	for {
		page, err := st.ListPredictions(ctx, f)
		if err != nil {
			return nil, eris.Wrap(err, "predictions export")
		}
		for _, p := range page {
			row := export.Row{Prediction: p}
			e, err := st.GetExplanation(ctx, p.ID)
			switch {
			case err == nil:
				row.Explanation = e
			case errors.Is(err, model.ErrNotFound):
			default:
				return nil, eris.Wrap(err, "predictions export")
			}
			rows = append(rows, row)
		}
		if len(page) < f.Limit {
			return rows, nil
		}
		f.Offset += f.Limit
	}
}

var criticalColor = color.New(color.FgRed, color.Bold)

// formatPredictionsList writes a tabular list of predictions to w. Critical
// rows are highlighted when w is a color-capable terminal.
func formatPredictionsList(out io.Writer, preds []model.Prediction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSUBJECT\tHORIZON\tPROB\tSEVERITY\tDAYS\tCONF\tPRIORITY\tSTATUS\tCRITICAL")
	_, _ = fmt.Fprintln(w, "--\t-------\t-------\t----\t--------\t----\t----\t--------\t------\t--------")

	for _, p := range preds {
		critical := ""
		if p.IsCritical {
			critical = criticalColor.Sprint("yes")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%d\t%.1f\t%.1f\t%s\t%s\n",
			p.ID,
			p.Subject,
			p.Horizon,
			p.ShortageProbability,
			p.Severity,
			p.DaysUntilShortage,
			p.ConfidenceScore,
			p.PriorityScore,
			p.Status,
			critical,
		)
	}
	_ = w.Flush()
}
