package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memelib/memelib/pkg/config"
	"github.com/memelib/memelib/pkg/models"
	"github.com/memelib/memelib/pkg/realtime"
	"github.com/memelib/memelib/pkg/status"
)

func newWatchCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "watch <asset-id>...",
		Short: "Follow embedding status of assets until they are ready or failed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fetcher := status.NewHTTPFetcher(cfg.Server.URL,
				status.WithUserID(cfg.Server.UserID),
				status.WithHTTPLogger(logger),
			)
			sm := status.NewManager(fetcher, status.WithConfig(cfg.Status), status.WithLogger(logger))
			defer sm.Stop()

			rtCfg := cfg.Realtime
			if rtCfg.URL == "" {
				rtCfg.URL = realtimeURL(cfg)
			}
			header := http.Header{}
			if cfg.Server.UserID != "" {
				header.Set("X-User-ID", cfg.Server.UserID)
			}
			rt := realtime.NewManager(rtCfg,
				realtime.WithDialer(&realtime.WebSocketDialer{Header: header}),
				realtime.WithLogger(logger),
			)
			defer rt.Disconnect()

			defer pollWhileOffline(rt, sm, logger)()

			done := make(chan struct{})
			var (
				mu        sync.Mutex
				remaining = make(map[string]bool, len(args))
			)
			for _, id := range args {
				remaining[id] = true
			}

			for _, id := range args {
				sm.Subscribe(id, func(assetID string, st models.EmbeddingStatus) {
					printStatus(assetID, st)
					if !st.Status.Terminal() {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if !remaining[assetID] {
						return
					}
					delete(remaining, assetID)
					if len(remaining) == 0 {
						close(done)
					}
				})
			}
			rt.SubscribeToAssets(args, func(ev models.StatusEvent) {
				sm.Apply(ev.AssetID, ev.EmbeddingStatus())
			})
			rt.Connect()

			if err := sm.Flush(ctx); err != nil {
				logger.Warn("initial status check failed", "err", err)
			}

			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

// pollWhileOffline pauses polling while rt is connected and resumes it when
// the connection drops or rt gives up. The returned func detaches both hooks.
func pollWhileOffline(rt *realtime.Manager, sm *status.Manager, logger *slog.Logger) func() {
	offState := rt.OnStateChange(func(s realtime.State) {
		logger.Debug("realtime state", "state", s)
		switch s {
		case realtime.StateConnected:
			sm.Stop()
		case realtime.StateReconnecting:
			sm.Start()
		}
	})
	offFallback := rt.OnFallback(func() {
		logger.Warn("realtime unavailable, relying on polling")
		sm.Start()
	})
	return func() {
		offState()
		offFallback()
	}
}

// realtimeURL derives the WebSocket endpoint from the server URL.
func realtimeURL(cfg *config.Config) string {
	u := strings.TrimSuffix(cfg.Server.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/ws"
}

func printStatus(assetID string, st models.EmbeddingStatus) {
	line := fmt.Sprintf("%s\t%s", assetID, st.Status)
	if st.Error != "" {
		line += "\t" + st.Error
	}
	if st.RetryCount > 0 {
		line += fmt.Sprintf("\t(retry %d)", st.RetryCount)
	}
	fmt.Println(line)
}

