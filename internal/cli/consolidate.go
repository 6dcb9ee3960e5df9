package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/memcore/internal/consolidation"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/jobs"
)

var (
	consolidateDryRun    bool
	consolidateOlderThan int
	consolidatePreview   bool
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Merge near-duplicates, link superseded records and archive low-utility ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		if consolidatePreview {
			p, err := rt.engine.PreviewConsolidation(cmd.Context(), consolidateOlderThan)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), p)
			}
			out := cmd.OutOrStdout()
			for _, c := range p.Candidates {
				fmt.Fprintf(out, "%-9s %.3f  %s\n", c.Action, c.Similarity, strings.Join(c.IDs, ", "))
			}
			fmt.Fprintf(out, "estimated: %d consolidations, %d archives\n", p.EstimatedConsolidations, p.EstimatedArchives)
			return nil
		}

		rep, err := rt.engine.RunConsolidation(cmd.Context(), consolidation.Options{
			OlderThanDays: consolidateOlderThan,
			DryRun:        consolidateDryRun,
		})
		if err != nil && !(errs.IsAborted(err) && rep != nil) {
			return err
		}
		if jsonOutput {
			if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
				return perr
			}
			return err
		}
		out := cmd.OutOrStdout()
		mode := "committed"
		if rep.DryRun {
			mode = "dry run"
		}
		fmt.Fprintf(out, "%s: %d candidates, %d consolidated, %d superseded, %d archived\n",
			mode, rep.Candidates, rep.ConsolidatedCount, rep.SupersededCount, rep.ArchivedCount)
		if rep.RunID != "" {
			fmt.Fprintf(out, "run: %s\n", rep.RunID)
		}
		return err
	},
}

var jobCmd = &cobra.Command{
	Use:   "job [name]",
	Short: "Run a background job now (" + strings.Join([]string{jobs.QualitySweep, jobs.LifecycleSweep, jobs.Consolidation, jobs.EmbedMissing}, ", ") + ")",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(args[0])(cmd, nil)
	},
}

func init() {
	consolidateCmd.Flags().BoolVar(&consolidateDryRun, "dry-run", false, "Plan and report without writing")
	consolidateCmd.Flags().BoolVar(&consolidatePreview, "preview", false, "List candidate actions")
	consolidateCmd.Flags().IntVar(&consolidateOlderThan, "older-than", 0, "Only consider records created at least this many days ago")
}

// runJob returns a command body that triggers the named job and prints its
// result.
func runJob(name string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.engine.RunJob(cmd.Context(), name)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"job": name, "result": res})
	}
}
