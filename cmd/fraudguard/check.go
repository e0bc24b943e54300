package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fixbounty/fraudguard/internal/forensics"
	"github.com/fixbounty/fraudguard/internal/fraud"
	"github.com/fixbounty/fraudguard/internal/metadata"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/spf13/cobra"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var (
		lat, lon     float64
		submissionID string
		deep         bool
	)

	cmd := &cobra.Command{
		Use:   "check <image>",
		Short: "Run the fast fraud checks on an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			var expected *models.GPSPoint
			latSet, lonSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lon")
			if latSet != lonSet {
				return errors.New("--lat and --lon must be given together")
			}
			if latSet {
				expected = &models.GPSPoint{Latitude: lat, Longitude: lon}
			}

			a, err := newApp(ctx.config)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.engine.RunFastChecks(cmd.Context(), fraud.Request{
				SubmissionID: submissionID,
				Image:        data,
				ExpectedGPS:  expected,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderCheck(result))
			if deep {
				ai := forensics.NewDetector().Analyze(data, metadata.NewExtractor().Extract(data))
				fmt.Fprintln(out, renderForensics(ai))
			}
			fmt.Fprintln(out, fraud.Describe(result))
			return nil
		},
	}

	cmd.Flags().Float64Var(&lat, "lat", 0, "Expected latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "Expected longitude")
	cmd.Flags().StringVar(&submissionID, "submission", "", "Submission ID; when set the fingerprint is stored")
	cmd.Flags().BoolVar(&deep, "deep", false, "Also run the generative-image forensics")
	return cmd
}

func renderCheck(r *models.FraudCheckResult) string {
	t := &reportTable{header: [2]string{"Signal", "Score"}}
	if r.SubmissionID != "" {
		t.title = "Submission " + r.SubmissionID
	}
	t.add("exif", score(r.Scores.Exif))
	t.add("duplicate", score(r.Scores.Duplicate))
	t.add("gps", score(r.Scores.GPS))
	t.add("visual", score(r.Scores.Visual))
	t.setTotal("overall", score(r.Scores.Overall))

	s := t.render()
	if len(r.Flags) > 0 {
		s += "\nFlags: " + strings.Join(r.Flags, ", ")
	}
	if r.Fingerprint != "" {
		s += "\nFingerprint: " + string(r.Fingerprint)
	}
	return s
}

func renderForensics(r models.AiForensicsResult) string {
	t := &reportTable{header: [2]string{"AI forensics", "Value"}}
	for _, p := range r.Patterns {
		t.add("pattern", p)
	}
	t.setTotal("confidence", fmt.Sprintf("%.2f", r.Confidence))
	return t.render()
}

func score(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
