package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/levitate/musicgen/internal/storage"
)

func newAssetsCommand(ctx *commandContext) *cobra.Command {
	assetsCmd := &cobra.Command{
		Use:   "assets",
		Short: "Inspect stored assets",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Catalog only; the data dir lock stays with the server.
			catalog, err := storage.OpenCatalog(cmd.Context(), ctx.cfg.Storage.DataDir)
			if err != nil {
				return err
			}
			defer catalog.Close()

			assets, err := catalog.ListAssets(cmd.Context(), time.Time{})
			if err != nil {
				return err
			}
			if len(assets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No assets")
				return nil
			}

			rows := make([][]string, 0, len(assets))
			for _, a := range assets {
				rows = append(rows, []string{
					a.ID,
					a.OriginalFilename,
					string(a.Format),
					strconv.FormatFloat(a.Duration, 'f', 1, 64),
					strconv.Itoa(a.SampleRate),
					string(a.Status),
					a.CreatedAt.Local().Format(time.DateTime),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Filename", "Format", "Duration", "Sample Rate", "Status", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}

	assetsCmd.AddCommand(listCmd)
	return assetsCmd
}
