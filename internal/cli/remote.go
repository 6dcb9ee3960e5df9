package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lazypower/memcore/internal/client"
)

var (
	serverURL      string
	contextProject string
	contextLimit   int
)

// contextCmd prints the memory digest a running server would inject at the
// start of an agent session.
var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print the session context digest from a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverURL)
		md, err := c.Context(cmd.Context(), contextProject, contextLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), md)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a memcore server is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverURL)
		h, err := c.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), h)
		}
		keys := make([]string, 0, len(h))
		for k := range h {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := cmd.OutOrStdout()
		for _, k := range keys {
			fmt.Fprintf(out, "%-10s %v\n", k+":", h[k])
		}
		return nil
	},
}

// The result cache lives in the server process, so these commands go over
// HTTP.
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear a running server's result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache hit rate and size",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := client.New(serverURL).Get(cmd.Context(), "/api/cache/stats")
		if err != nil {
			return err
		}
		var st map[string]any
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("decode cache stats: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached result",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := client.New(serverURL).Delete(cmd.Context(), "/api/cache")
		if err != nil {
			return err
		}
		var resp struct {
			Cleared int `json:"cleared"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("decode clear response: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %d entries\n", resp.Cleared)
		return nil
	},
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL (default $MEMCORE_URL or http://127.0.0.1:37778)")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	for _, c := range []*cobra.Command{contextCmd, statusCmd} {
		c.Flags().StringVar(&serverURL, "server", "", "Server URL (default $MEMCORE_URL or http://127.0.0.1:37778)")
	}
	contextCmd.Flags().StringVarP(&contextProject, "project", "p", "", "Project to build context for")
	contextCmd.Flags().IntVarP(&contextLimit, "limit", "n", 0, "Maximum number of items")
}
