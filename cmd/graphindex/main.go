// Package main provides the graphindex CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/n8n-mcp/graphindex/pkg/config"
	"github.com/n8n-mcp/graphindex/pkg/rpc"
	"github.com/n8n-mcp/graphindex/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "graphindex",
		Short: "graphindex - embedded knowledge graph index for n8n workflow agents",
		Long: `graphindex is a purpose-built knowledge graph index written in Go,
serving workflow recommendations to an LLM agent over line-delimited JSON-RPC.

Features:
  • Semantic, keyword, and hybrid search over workflow-node embeddings
  • Shortest-path and all-paths graph traversal with cycle detection
  • Human-readable explanations for search hits and integration paths
  • Durable BadgerDB storage with a co-located update history`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file overlaying environment settings")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("graphindex v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON-RPC query service over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations, or reset the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			reset, _ := cmd.Flags().GetBool("reset")
			return runMigrate(configPath, reset)
		},
	}
	migrateCmd.Flags().Bool("reset", false, "move the existing database aside and start from an empty one")
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	cfg := config.LoadFromEnv()
	if configPath != "" {
		if err := cfg.ApplyFile(configPath); err != nil {
			return nil, fmt.Errorf("applying config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "[graphindex] starting v%s (%s), data dir %s\n", version, commit, cfg.Database.DataDir)

	store, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:          cfg.Database.DataDir,
		SyncWrites:       cfg.Database.SyncWrites,
		PoolSize:         cfg.Database.PoolSize,
		OperationTimeout: cfg.Database.OperationTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	migrator := storage.NewMigrator(store)
	if err := migrator.Migrate(context.Background()); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "[graphindex] shutting down")
		cancel()
	}()

	svc := rpc.NewServiceWithConfig(store, cfg)
	if err := svc.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serving requests: %w", err)
	}
	return nil
}

func runMigrate(configPath string, reset bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if reset {
		fmt.Printf("resetting database at %s\n", cfg.Database.DataDir)
		if err := storage.Reset(cfg.Database.DataDir); err != nil {
			return fmt.Errorf("resetting database: %w", err)
		}
		fmt.Println("previous database archived alongside the data directory")
	}

	store, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:          cfg.Database.DataDir,
		SyncWrites:       cfg.Database.SyncWrites,
		PoolSize:         cfg.Database.PoolSize,
		OperationTimeout: cfg.Database.OperationTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	migrator := storage.NewMigrator(store)
	if err := migrator.Migrate(context.Background()); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	fmt.Printf("schema is current at %s\n", storage.CurrentSchemaVersion)
	return nil
}
