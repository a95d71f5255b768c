package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/levitate/musicgen/internal/service"
	"github.com/levitate/musicgen/internal/storage"
)

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete assets, jobs and results older than a cutoff (server must be stopped)",
		Long: `Delete assets uploaded before the cutoff together with their embeddings,
jobs and generated results.

cleanup works offline: it takes the data directory lock, so it refuses to run
while serve is using the same data directory. To remove assets from a running
server use DELETE /api/assets/:assetId instead.

Jobs are looked up in the configured job store. Without Redis only results are
removed, since an in-memory job store starts empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := openStores(cmd.Context(), ctx.cfg, ctx.log)
			if errors.Is(err, storage.ErrLocked) {
				return fmt.Errorf("stop the server before running cleanup: %w", err)
			}
			if err != nil {
				return err
			}
			defer deps.Close()

			jobs := service.NewGenerationService(deps.assets, deps.jobs, nil, nil, nil, 0, ctx.log)
			retention := service.NewRetentionService(deps.assets, jobs, ctx.log)

			removed, err := retention.Purge(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d assets older than %s\n", removed, olderThan)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Age cutoff")
	return cmd
}
