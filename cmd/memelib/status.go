package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/memelib/memelib/pkg/config"
	"github.com/memelib/memelib/pkg/status"
	"github.com/memelib/memelib/pkg/store"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		list       int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show embedding status of stored assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := store.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx := cmd.Context()

			if list > 0 {
				if userID == "" {
					return fmt.Errorf("--list requires --user")
				}
				assets, err := st.ListByUser(ctx, userID, list)
				if err != nil {
					return err
				}
				if len(assets) == 0 {
					fmt.Println("No assets found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ASSET\tSTATUS\tEMBEDDING\tRETRIES\tUPDATED\tERROR")
				for _, a := range assets {
					fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\t%s\n", a.ID, a.Status.Status, a.Status.HasEmbedding,
						a.Status.RetryCount, humanize.Time(a.UpdatedAt), a.Status.Error)
				}
				return w.Flush()
			}

			summary, err := st.Summary(ctx, userID)
			if err != nil {
				return err
			}
			if len(summary) == 0 {
				fmt.Println("No assets found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tASSETS")
			for _, s := range summary {
				fmt.Fprintf(w, "%s\t%s\n", s.Status, humanize.Comma(int64(s.Count)))
			}
			return w.Flush()
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry <asset-id>",
		Short: "Ask the running server to re-run embedding for an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			f := status.NewHTTPFetcher(cfg.Server.URL,
				status.WithUserID(cfg.Server.UserID),
				status.WithHTTPLogger(logger),
			)
			if err := f.RequestRetry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Retry requested for %s.\n", args[0])
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&userID, "user", "", "restrict to one user")
	cmd.Flags().IntVar(&list, "list", 0, "list the newest N assets of --user")
	cmd.AddCommand(retryCmd)
	return cmd
}
