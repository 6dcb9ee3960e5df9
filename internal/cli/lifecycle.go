package cli

import (
	"fmt"
	"os/user"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lazypower/memcore/internal/jobs"
	"github.com/lazypower/memcore/internal/store"
)

var (
	lifecycleActor  string
	lifecycleReason string
)

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Inspect and change memory lifecycle states",
}

var lifecycleSetCmd = &cobra.Command{
	Use:   "set [id] [state]",
	Short: "Force a record into a state (episodic, semantic, procedural, archived)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		rec, err := rt.engine.SetLifecycleState(cmd.Context(), args[0], store.State(args[1]), actor(), lifecycleReason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", rec.ID, rec.State)
		return nil
	},
}

var lifecycleHistoryCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show a record's state transitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		events, err := rt.engine.StateHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), events)
		}
		out := cmd.OutOrStdout()
		for _, ev := range events {
			fmt.Fprintf(out, "%d  %s  %s -> %s  by %s: %s\n",
				ev.Seq, ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.From, ev.To, ev.Actor, ev.Reason)
		}
		return nil
	},
}

var lifecycleUndoCmd = &cobra.Command{
	Use:   "undo [id]",
	Short: "Revert a record's most recent transition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		rec, err := rt.engine.UndoLastChange(cmd.Context(), args[0], actor())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", rec.ID, rec.State)
		return nil
	},
}

var lifecycleStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show state distribution and transition flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		st, err := rt.engine.LifecycleStats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "total: %d\n", st.Total)
		for _, s := range store.States {
			fmt.Fprintf(out, "  %-10s %5d  avg %.1fh\n", s, st.StateDistribution[s], st.AvgTimeInState[s])
		}
		flows := make([]string, 0, len(st.TransitionFlow))
		for f := range st.TransitionFlow {
			flows = append(flows, f)
		}
		sort.Strings(flows)
		for _, f := range flows {
			fmt.Fprintf(out, "  %-24s %5d\n", f, st.TransitionFlow[f])
		}
		return nil
	},
}

var lifecycleSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the promotion sweep now",
	RunE:  runJob(jobs.LifecycleSweep),
}

func init() {
	lifecycleCmd.PersistentFlags().StringVar(&lifecycleActor, "actor", "", "Actor recorded in the audit log (default current user)")
	lifecycleSetCmd.Flags().StringVarP(&lifecycleReason, "reason", "r", "", "Reason for the change")
	lifecycleSetCmd.MarkFlagRequired("reason")

	lifecycleCmd.AddCommand(lifecycleSetCmd, lifecycleHistoryCmd, lifecycleUndoCmd, lifecycleStatsCmd, lifecycleSweepCmd)
}

func actor() string {
	if lifecycleActor != "" {
		return lifecycleActor
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}
