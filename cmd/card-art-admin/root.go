package main

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"

	"github.com/fpang/card-art-studio/internal/boot"
	"github.com/fpang/card-art-studio/internal/config"
	"github.com/fpang/card-art-studio/internal/logging"
	"github.com/fpang/card-art-studio/internal/store"
)

// commandContext carries the persistent flags and the lazily opened store.
type commandContext struct {
	cacheBackend string
	cacheDir     string
	boltPath     string
	dynamoTable  string
	jsonOutput   bool

	store *store.Store
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:   "card-art-admin",
		Short: "Inspect and maintain the card art cache",
		Long: `Card Art Admin reads the cache the server writes. Configuration comes
from the same CARDART_* environment variables as the server; flags override
them.

Commands that modify the cache (recover) must not run while the server is
using the same cache: the server keeps the cache in memory and rewrites it
in full on every change.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := os.Getenv("CARDART_LOG_LEVEL")
			if level == "" {
				level = "warn"
			}
			logging.InitWith(level, os.Getenv("CARDART_LOG_FORMAT"), cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if ctx.store == nil {
				return nil
			}
			return ctx.store.Close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&ctx.cacheBackend, "cache-backend", "", "Cache backend: file, bolt or dynamodb")
	f.StringVar(&ctx.cacheDir, "cache-dir", "", "Directory of the JSON cache files")
	f.StringVar(&ctx.boltPath, "bolt-path", "", "Path of the bolt cache database")
	f.StringVar(&ctx.dynamoTable, "dynamo-table", "", "DynamoDB cache table")
	f.BoolVar(&ctx.jsonOutput, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newGalleryCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newRecoverCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))

	return rootCmd
}

// openStore loads the configuration, applies flag overrides and opens the
// cache once per invocation.
func (c *commandContext) openStore(ctx context.Context) (*store.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.cacheBackend != "" {
		cfg.CacheBackend = c.cacheBackend
	}
	if c.cacheDir != "" {
		cfg.CacheDir = c.cacheDir
	}
	if c.boltPath != "" {
		cfg.BoltPath = c.boltPath
	}
	if c.dynamoTable != "" {
		cfg.DynamoTable = c.dynamoTable
	}

	var awsCfg *aws.Config
	if cfg.CacheBackend == config.CacheDynamo {
		clients, err := boot.InitAWS(ctx)
		if err != nil {
			return nil, err
		}
		awsCfg = &clients.Config
	}

	st, err := boot.OpenStore(ctx, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	c.store = st
	return st, nil
}
