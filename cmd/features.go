package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/shortage-forecast/internal/features"
	"github.com/sells-group/shortage-forecast/internal/model"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Load and inspect per-subject feature vectors",
}

// -- features import --

var featuresImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import precomputed feature vectors from JSON, CSV or XLSX",
	Long: `Imports feature vectors into the store. JSON files hold an array of
{"subject", "reference_date", "features"} objects. CSV and XLSX files have
subject and reference_date columns followed by one column per feature.
Vectors already stored for a subject and date are left unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		vectors, err := features.ReadVectors(ctx, args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportFeatures(ctx, vectors)
		if err != nil {
			return eris.Wrap(err, "features import")
		}

		zap.L().Info("features imported", zap.String("file", args[0]), zap.Int("read", len(vectors)), zap.Int("new", n))
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d feature vectors (%d already stored).\n", n, len(vectors), len(vectors)-n)
		return nil
	},
}

// -- features derive --

var featuresDeriveCmd = &cobra.Command{
	Use:   "derive <snapshots-file>",
	Short: "Derive feature vectors from weekly subject snapshots and store them",
	Long: `Reads weekly snapshots (subject, week_ending, enrollments, sessions,
booked_hours, capacity_hours, tutors) and derives one feature vector per
subject as of --date.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dateStr, _ := cmd.Flags().GetString("date")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ref, err := scenarioDate(dateStr, time.Now())
		if err != nil {
			return err
		}

		snaps, err := features.ReadSnapshots(ctx, args[0])
		if err != nil {
			return err
		}
		vectors := features.DeriveAll(snaps, ref)
		if len(vectors) == 0 {
			fmt.Fprintf(os.Stderr, "No subjects have snapshots on or before %s.\n", ref.Format(model.DateLayout))
			return nil
		}

		if dryRun {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(vectors)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportFeatures(ctx, vectors)
		if err != nil {
			return eris.Wrap(err, "features derive")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Derived %d feature vectors for %s (%d new).\n", len(vectors), ref.Format(model.DateLayout), n)
		return nil
	},
}

// -- features show --

var featuresShowCmd = &cobra.Command{
	Use:   "show <subject>",
	Short: "Show the latest feature vector for a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dateStr, _ := cmd.Flags().GetString("date")
		ref, err := scenarioDate(dateStr, time.Now())
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		v, err := st.LatestFeatures(ctx, args[0], ref)
		if err != nil {
			return eris.Wrap(err, "features show")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	},
}

// -- features subjects --

var featuresSubjectsCmd = &cobra.Command{
	Use:   "subjects",
	Short: "List subjects with features on or before a date",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dateStr, _ := cmd.Flags().GetString("date")
		ref, err := scenarioDate(dateStr, time.Now())
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		subjects, err := st.ListSubjects(ctx, ref)
		if err != nil {
			return eris.Wrap(err, "features subjects")
		}
		for _, s := range subjects {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
		return nil
	},
}

func init() {
	featuresDeriveCmd.Flags().String("date", "", "reference date (YYYY-MM-DD, default today)")
	featuresDeriveCmd.Flags().Bool("dry-run", false, "print derived vectors without storing them")
	featuresShowCmd.Flags().String("date", "", "latest on or before this date (YYYY-MM-DD, default today)")
	featuresSubjectsCmd.Flags().String("date", "", "on or before this date (YYYY-MM-DD, default today)")

	featuresCmd.AddCommand(featuresImportCmd)
	featuresCmd.AddCommand(featuresDeriveCmd)
	featuresCmd.AddCommand(featuresShowCmd)
	featuresCmd.AddCommand(featuresSubjectsCmd)
	rootCmd.AddCommand(featuresCmd)
}
