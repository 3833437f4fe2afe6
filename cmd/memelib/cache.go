package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	cachesqlite "github.com/memelib/memelib/pkg/cache/sqlite"
	"github.com/memelib/memelib/pkg/clock"
	"github.com/memelib/memelib/pkg/config"
	"github.com/memelib/memelib/pkg/models"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the cache",
	}

	var remote bool
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if remote {
				return printRemoteCacheStats(cmd.Context(), cfg)
			}

			b, err := cachesqlite.New(cfg.Cache.DBPath, clock.Real())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			stats, err := b.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("Persistent cache is empty.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAMESPACE\tENTRIES")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\n", s.Namespace, humanize.Comma(int64(s.Entries)))
			}
			return w.Flush()
		},
	}
	statsCmd.Flags().BoolVar(&remote, "remote", false, "query the running server instead of the persistent tier")

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear persistent cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			b, err := cachesqlite.New(cfg.Cache.DBPath, clock.Real())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			if err := b.Purge(cmd.Context(), expiredOnly); err != nil {
				return err
			}
			if expiredOnly {
				fmt.Println("Expired cache entries cleared.")
			} else {
				fmt.Println("All cache entries cleared.")
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	invalidateCmd := &cobra.Command{
		Use:   "invalidate <user-id>",
		Short: "Drop a user's cached searches and assets on the running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			var out map[string]int
			u := cfg.Server.URL + "/api/cache/users/" + url.PathEscape(args[0])
			if err := callServer(cmd.Context(), http.MethodDelete, u, &out); err != nil {
				return err
			}
			fmt.Printf("Removed %d cache entries for %s.\n", out["removed"], args[0])
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(statsCmd, clearCmd, invalidateCmd)
	return cmd
}

func printRemoteCacheStats(ctx context.Context, cfg *config.Config) error {
	var stats struct {
		models.CacheStats
		Namespaces []models.NamespaceStats `json:"namespaces"`
	}
	if err := callServer(ctx, http.MethodGet, cfg.Server.URL+"/api/cache/stats", &stats); err != nil {
		return err
	}

	fmt.Printf("Entries:    %s\n", humanize.Comma(stats.Entries))
	fmt.Printf("Hits:       %s\n", humanize.Comma(stats.Hits))
	fmt.Printf("Misses:     %s\n", humanize.Comma(stats.Misses))
	fmt.Printf("Hit rate:   %.1f%%\n", stats.HitRate*100)
	fmt.Printf("Evictions:  %s\n", humanize.Comma(stats.Evictions))
	fmt.Printf("Collisions: %s\n", humanize.Comma(stats.Collisions))
	fmt.Printf("Since:      %s\n", humanize.Time(stats.LastReset))

	if len(stats.Namespaces) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tENTRIES\tCAPACITY\tTTL")
	for _, ns := range stats.Namespaces {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ns.Namespace,
			humanize.Comma(int64(ns.Entries)), humanize.Comma(int64(ns.Capacity)), ns.TTL)
	}
	return w.Flush()
}

// callServer sends a bodiless request to the running server and decodes the
// JSON response into out.
func callServer(ctx context.Context, method, u string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
