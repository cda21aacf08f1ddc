package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/shortage-forecast/internal/model"
	"github.com/sells-group/shortage-forecast/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one prediction batch for a scenario date",
	Long:  "Scores every subject with features on or before the scenario date across all horizons, retries pending explanations and records the run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dateStr, _ := cmd.Flags().GetString("date")
		force, _ := cmd.Flags().GetBool("force")

		scenario, err := scenarioDate(dateStr, time.Now())
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Runner.Run(ctx, scenario, pipeline.Options{Force: force})
		if err != nil {
			return fmt.Errorf("run pipeline: %w", err)
		}

		printRunResult(cmd.OutOrStdout(), result)
		return nil
	},
}

// scenarioDate parses a YYYY-MM-DD flag value, defaulting to today in UTC.
func scenarioDate(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return model.DateOnly(now.UTC()), nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q: %w", s, err)
	}
	return d, nil
}

func printRunResult(w io.Writer, r *pipeline.RunResult) {
	fmt.Fprintf(w, "run %s for %s\n", r.RunID, r.ScenarioDate.Format(model.DateLayout))
	fmt.Fprintf(w, "  created:   %d\n", r.Created)
	fmt.Fprintf(w, "  skipped:   %d\n", r.Skipped)
	fmt.Fprintf(w, "  failed:    %d\n", r.Failed)
	fmt.Fprintf(w, "  deferred:  %d\n", r.Deferred)
	fmt.Fprintf(w, "  explained: %d\n", r.Explained)
	fmt.Fprintf(w, "  duration:  %s\n", r.Duration.Round(time.Millisecond))
	if r.TimedOut {
		fmt.Fprintln(w, "  timed out: unfinished subjects were skipped")
	}
}

func init() {
	runCmd.Flags().String("date", "", "scenario date (YYYY-MM-DD, default today)")
	runCmd.Flags().Bool("force", false, "recompute pending predictions and ignore the minimum probability change")
	rootCmd.AddCommand(runCmd)
}
