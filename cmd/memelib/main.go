package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/memelib/memelib/pkg/config"
	"github.com/memelib/memelib/pkg/logging"
)

var version = "dev"

const defaultConfigPath = "memelib.yaml"

func main() {
	root := &cobra.Command{
		Use:           "memelib",
		Short:         "memelib: meme library search backend with embedding status tracking",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newCacheCmd(),
		newStatusCmd(),
		newEventsCmd(),
		newWatchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config at path and builds the logger it describes.
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
