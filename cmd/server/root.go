package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/levitate/musicgen/internal/config"
	"github.com/levitate/musicgen/internal/logger"
)

// commandContext carries the loaded configuration between commands
type commandContext struct {
	dataDir string
	cfg     *config.Config
	log     zerolog.Logger
}

func (c *commandContext) load() error {
	if c.cfg != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.dataDir != "" {
		cfg.Storage.DataDir = c.dataDir
	}
	c.cfg = cfg
	c.log = logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	return nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "musicgen",
		Short:         "Melody-conditioned music generation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.dataDir, "data-dir", "", "Data directory (overrides DATA_DIR)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newAssetsCommand(ctx))
	rootCmd.AddCommand(newCleanupCommand(ctx))

	return rootCmd
}
