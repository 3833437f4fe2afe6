package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memelib/memelib/pkg/cache"
	cachesqlite "github.com/memelib/memelib/pkg/cache/sqlite"
	"github.com/memelib/memelib/pkg/clock"
	"github.com/memelib/memelib/pkg/config"
	"github.com/memelib/memelib/pkg/embedding"
	"github.com/memelib/memelib/pkg/events"
	"github.com/memelib/memelib/pkg/limit"
	"github.com/memelib/memelib/pkg/metrics"
	"github.com/memelib/memelib/pkg/perf"
	"github.com/memelib/memelib/pkg/search"
	"github.com/memelib/memelib/pkg/server"
	"github.com/memelib/memelib/pkg/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the memelib API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			m := metrics.New()

			svc, closeCache, err := openCache(cfg, logger, m)
			if err != nil {
				return err
			}
			defer closeCache()

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer func() { _ = st.Close() }()

			var journal *events.Journal
			if cfg.Events.Enabled {
				journal, err = events.New(cfg.Events)
				if err != nil {
					return fmt.Errorf("init events: %w", err)
				}
				defer func() { _ = journal.Close() }()
			}

			var limits *limit.Enforcer
			if cfg.Limits.Enabled {
				limits, err = limit.New(cfg.Limits.Policies)
				if err != nil {
					return fmt.Errorf("init limits: %w", err)
				}
			}

			emb, err := embedding.New(cfg.Embedding)
			if err != nil {
				return fmt.Errorf("init embedder: %w", err)
			}
			idx, err := search.NewIndex(cfg.VectorIndex)
			if err != nil {
				return fmt.Errorf("init vector index: %w", err)
			}
			if c, ok := idx.(io.Closer); ok {
				defer func() { _ = c.Close() }()
			}

			searcher := search.NewSearcher(svc,
				embedding.NewCachedEmbedder(emb, svc, embedding.WithLogger(logger)),
				idx,
				search.WithAssets(st),
				search.WithPerf(perf.New(clock.Real(), logger, m)),
				search.WithLogger(logger),
			)

			srv := server.New(cfg, server.Deps{
				Store:    st,
				Cache:    svc,
				Journal:  journal,
				Limits:   limits,
				Searcher: searcher,
				Metrics:  m,
				Logger:   logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting memelib", "config", configPath, "persistent_cache", cfg.Cache.Persistent)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

// openCache builds the cache service. With a persistent cache configured the
// in-memory LRU is backed by the SQLite tier.
func openCache(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*cache.Service, func(), error) {
	clk := clock.Real()
	mem, err := cache.NewMemoryBackend(cfg.Cache.Namespaces, cache.WithMemoryClock(clk), cache.WithMemoryMetrics(m))
	if err != nil {
		return nil, nil, fmt.Errorf("init cache: %w", err)
	}

	var backend cache.Backend = mem
	closeFn := func() {}
	if cfg.Cache.Persistent {
		l2, err := cachesqlite.New(cfg.Cache.DBPath, clk)
		if err != nil {
			return nil, nil, fmt.Errorf("init persistent cache: %w", err)
		}
		backend = cache.NewTiered(mem, l2, clk, logger)
		closeFn = func() { _ = l2.Close() }
	}

	svc := cache.NewService(backend,
		cache.WithPolicies(cfg.Cache.Namespaces),
		cache.WithClock(clk),
		cache.WithLogger(logger),
		cache.WithMetrics(m),
	)
	return svc, closeFn, nil
}
