package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/memcore/internal/store"
	"github.com/lazypower/memcore/internal/temporal"
)

var (
	temporalProject string
	temporalKinds   []string
	temporalLimit   int
	temporalHops    int
	obsoleteAt      string
)

var temporalCmd = &cobra.Command{
	Use:   "temporal",
	Short: "Query records by validity time",
}

var validAtCmd = &cobra.Command{
	Use:   "valid-at [time]",
	Short: "List records valid at a time (RFC 3339 or YYYY-MM-DD)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseTime(args[0])
		if err != nil {
			return err
		}
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		kinds := make([]store.Kind, len(temporalKinds))
		for i, k := range temporalKinds {
			kinds[i] = store.Kind(k)
		}
		recs, err := rt.engine.ValidAt(cmd.Context(), t, temporal.Filter{Project: temporalProject, Kinds: kinds}, temporalLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), recs)
		}
		out := cmd.OutOrStdout()
		for _, r := range recs {
			fmt.Fprintf(out, "%s [%s] %s\n", r.ID, r.Kind, preview(r.Content, 120))
		}
		return nil
	},
}

var obsoleteCmd = &cobra.Command{
	Use:   "obsolete [id]",
	Short: "Close a record's validity interval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var end *time.Time
		if obsoleteAt != "" {
			t, err := parseTime(obsoleteAt)
			if err != nil {
				return err
			}
			end = &t
		}
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		validTo, err := rt.engine.MarkObsolete(cmd.Context(), args[0], end)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s valid until %s\n", args[0], validTo.Format(time.RFC3339))
		return nil
	},
}

var relatedAtCmd = &cobra.Command{
	Use:   "related [id] [time]",
	Short: "Walk relations from a record, keeping only records valid at a time",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseTime(args[1])
		if err != nil {
			return err
		}
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		rels, err := rt.engine.RelatedAt(cmd.Context(), args[0], t, temporalHops, temporalLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), rels)
		}
		out := cmd.OutOrStdout()
		for _, r := range rels {
			fmt.Fprintf(out, "hop %d  %s -[%s %.2f]-> %s  %s\n",
				r.Hop, r.ParentID, r.RelationType, r.Weight, r.Record.ID, preview(r.Record.Content, 80))
		}
		return nil
	},
}

func init() {
	validAtCmd.Flags().StringVarP(&temporalProject, "project", "p", "", "Filter by project")
	validAtCmd.Flags().StringSliceVarP(&temporalKinds, "kind", "k", nil, "Filter by kind (repeatable)")
	temporalCmd.PersistentFlags().IntVarP(&temporalLimit, "limit", "n", 50, "Maximum number of records")
	relatedAtCmd.Flags().IntVar(&temporalHops, "hops", 1, "Traversal depth (1-5)")
	obsoleteCmd.Flags().StringVar(&obsoleteAt, "at", "", "End of validity (default now)")

	temporalCmd.AddCommand(validAtCmd, obsoleteCmd, relatedAtCmd)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%q is not an RFC 3339 time or YYYY-MM-DD date", v)
}
