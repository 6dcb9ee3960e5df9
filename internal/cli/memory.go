package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/memcore/internal/engine"
	"github.com/lazypower/memcore/internal/router"
	"github.com/lazypower/memcore/internal/store"
)

// --- search command ---

var (
	searchLimit   int
	searchProject string
	searchKinds   []string
	searchTags    []string
	searchAll     bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories",
	Long:  "Route the query by intent and rank records from vector, keyword and graph retrieval.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum number of results")
	searchCmd.Flags().StringVarP(&searchProject, "project", "p", "", "Filter by project")
	searchCmd.Flags().StringSliceVarP(&searchKinds, "kind", "k", nil, "Filter by kind (repeatable)")
	searchCmd.Flags().StringSliceVarP(&searchTags, "tag", "t", nil, "Filter by tag (repeatable)")
	searchCmd.Flags().BoolVar(&searchAll, "all", false, "Include archived and obsolete records")

	addCmd.Flags().StringVarP(&addKind, "kind", "k", string(store.KindInsight), "Record kind")
	addCmd.Flags().StringVarP(&addProject, "project", "p", "", "Project")
	addCmd.Flags().StringSliceVarP(&addTags, "tag", "t", nil, "Tag (repeatable)")
	addCmd.Flags().BoolVar(&addPinned, "pinned", false, "Protect from automatic archival")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	kinds := make([]store.Kind, len(searchKinds))
	for i, k := range searchKinds {
		kinds[i] = store.Kind(k)
	}
	resp, err := rt.engine.Search(ctx, engine.SearchRequest{
		Query: strings.Join(args, " "),
		Limit: searchLimit,
		Filters: router.Filters{
			Project:         searchProject,
			Kinds:           kinds,
			Tags:            searchTags,
			IncludeArchived: searchAll,
			IncludeObsolete: searchAll,
		},
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "intent: %s  strategy: %s\n", resp.Plan.Intent, resp.Plan.Strategy)
	if resp.Degraded {
		fmt.Fprintf(out, "degraded: %s\n", strings.Join(resp.DegradedSources, ", "))
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	for i, r := range resp.Results {
		via := ""
		if r.Expanded {
			via = fmt.Sprintf(" (hop %d via %s)", r.Hop, r.Via)
		}
		fmt.Fprintf(out, "%d. [%.3f] %s [%s, %s]%s\n", i+1, r.Score, r.Record.ID, r.Record.Kind, r.Record.State, via)
		fmt.Fprintf(out, "   %s\n\n", preview(r.Record.Content, 200))
	}
	return nil
}

// --- add command ---

var (
	addKind    string
	addProject string
	addTags    []string
	addPinned  bool
)

var addCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Store a new memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		rec, err := rt.engine.CreateMemory(cmd.Context(), engine.MemoryInput{
			Content: strings.Join(args, " "),
			Kind:    store.Kind(addKind),
			Project: addProject,
			Tags:    addTags,
			Pinned:  addPinned,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), rec)
		}
		fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
		return nil
	},
}

// --- get command ---

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		rec, err := rt.engine.GetMemory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
