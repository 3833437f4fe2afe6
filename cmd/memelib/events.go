package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/memelib/memelib/pkg/config"
	"github.com/memelib/memelib/pkg/events"
	"github.com/memelib/memelib/pkg/models"
)

func newEventsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query and manage the status event journal",
	}

	var (
		since   int64
		assetID string
		userID  string
		limit   int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled status events",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			evs, err := j.Since(cmd.Context(), models.EventQueryOpts{
				AfterSeq: since,
				AssetID:  assetID,
				UserID:   userID,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			if len(evs) == 0 {
				fmt.Println("No events found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tWHEN\tASSET\tUSER\tSTATUS\tERROR")
			for _, ev := range evs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					ev.Seq, humanize.Time(ev.CreatedAt), ev.AssetID, ev.UserID, ev.Status, ev.Error)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().Int64Var(&since, "since", 0, "only events after this sequence number")
	listCmd.Flags().StringVar(&assetID, "asset", "", "filter by asset id")
	listCmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	listCmd.Flags().IntVar(&limit, "limit", 50, "max events to show")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete events older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := j.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %s events.\n", humanize.Comma(n))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(listCmd, cleanupCmd)
	return cmd
}

func openJournal(configPath string) (*events.Journal, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Events.Enabled {
		return nil, nil, fmt.Errorf("event journal is disabled in config")
	}
	j, err := events.New(cfg.Events)
	if err != nil {
		return nil, nil, err
	}
	return j, func() { _ = j.Close() }, nil
}
