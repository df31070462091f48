package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the result cache",
	Long: `Inspect or clear the result cache.

The memory backend lives only as long as one loopsmith process, so these
commands are mostly useful with cache_backend: redis, where results are
shared between runs and machines.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache settings and the number of stored results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := newStore(cmd.Context())
		if err != nil {
			return fmt.Errorf("result cache: %w", err)
		}
		defer closeStore()

		out := struct {
			Enabled  bool   `json:"enabled"`
			Backend  string `json:"backend,omitempty"`
			TTL      string `json:"ttl,omitempty"`
			Capacity int    `json:"capacity,omitempty"`
			Entries  int    `json:"entries"`
		}{Enabled: store != nil}
		if store != nil {
			out.Backend = cfg.CacheBackend
			out.TTL = cfg.CacheTTLDuration.String()
			out.Capacity = cfg.CacheCapacity
			out.Entries = store.Stats().Entries
		}

		if cfg.OutputFormat == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		w := cmd.OutOrStdout()
		if !out.Enabled {
			fmt.Fprintln(w, "cache: disabled")
			return nil
		}
		fmt.Fprintf(w, "backend:  %s\n", out.Backend)
		fmt.Fprintf(w, "ttl:      %s\n", out.TTL)
		fmt.Fprintf(w, "capacity: %d\n", out.Capacity)
		fmt.Fprintf(w, "entries:  %d\n", out.Entries)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := newStore(cmd.Context())
		if err != nil {
			return fmt.Errorf("result cache: %w", err)
		}
		defer closeStore()
		if store == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "cache: disabled, nothing to clear")
			return nil
		}
		n := store.Stats().Entries
		if err := store.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %d cached results (%s)\n", n, cfg.CacheBackend)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
