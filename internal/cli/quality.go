package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lazypower/memcore/internal/jobs"
	"github.com/lazypower/memcore/internal/quality"
)

var rateFeedback string

var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Inspect and adjust quality scores",
}

var qualityStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show quality score distribution",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		st, err := rt.engine.QualityStats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "total: %d  avg: %.3f  high: %d  needs improvement: %d\n",
			st.Total, st.AvgScore, st.HighQualityCount, st.NeedsImprovementCount)
		for _, t := range quality.Tiers {
			fmt.Fprintf(out, "  %-10s %5d\n", t, st.DistributionByTier[t])
		}
		return nil
	},
}

var qualityRateCmd = &cobra.Command{
	Use:   "rate [id] [1-5]",
	Short: "Rate a memory from 1 (useless) to 5 (essential)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("rating must be an integer: %w", err)
		}
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		score, err := rt.engine.RateMemory(cmd.Context(), args[0], rating, rateFeedback)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "quality score: %.3f\n", score)
		return nil
	},
}

var qualitySweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recompute scores for every live record now",
	RunE:  runJob(jobs.QualitySweep),
}

func init() {
	qualityRateCmd.Flags().StringVarP(&rateFeedback, "feedback", "f", "", "Free-text feedback stored with the rating")
	qualityCmd.AddCommand(qualityStatsCmd, qualityRateCmd, qualitySweepCmd)
}
