package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"onecache/internal/cache"
	"onecache/internal/config"
	"onecache/internal/graph"
	"onecache/internal/index"
	"onecache/internal/ratelimit"
	syncpkg "onecache/internal/sync"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "onecache",
		Short:        "Local cache and search for OneNote content",
		Long:         "onecache mirrors OneNote notebooks into a local SQLite cache, keeps a full-text index over them, and serves both over HTTP.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "path to config file")
	cmd.PersistentFlags().String("data-dir", "", "directory for database, index and image files")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")

	cmd.AddCommand(
		serveCmd(),
		syncCmd(),
		indexCmd(),
		searchCmd(),
		statsCmd(),
		purgeCmd(),
	)
	return cmd
}

// app bundles the pieces every subcommand needs.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

func setup(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	var log *zap.Logger
	if verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &app{cfg: cfg, log: log}, nil
}

func (a *app) openStore() (*cache.Store, error) {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cache.Open(filepath.Join(a.cfg.DataDir, "cache.db"))
}

func (a *app) openIndex() (*index.Index, error) {
	return index.Open(filepath.Join(a.cfg.DataDir, "index.bleve"))
}

func (a *app) newIndexer(idx *index.Index, store *cache.Store) *index.Indexer {
	return index.NewIndexer(idx, store, a.log, index.Options{
		BatchSize:    a.cfg.Index.BatchSize,
		ChunkSize:    a.cfg.Index.ChunkSize,
		PollInterval: a.cfg.Index.PollInterval,
	})
}

func (a *app) newLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Options{
		MinRate:            a.cfg.RateLimit.MinRate,
		MaxRate:            a.cfg.RateLimit.MaxRate,
		MinInterval:        a.cfg.RateLimit.MinInterval,
		RetryAfterFallback: a.cfg.RateLimit.RetryAfterFallback,
	})
}

// graphToken resolves the API token: config (which covers the
// ONECACHE_GRAPH_TOKEN environment variable), then a ./token file.
func (a *app) graphToken() (string, error) {
	if a.cfg.Graph.Token != "" {
		return a.cfg.Graph.Token, nil
	}
	raw, err := os.ReadFile("token")
	if err == nil {
		if token := strings.TrimSpace(string(raw)); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("no API token: set ONECACHE_GRAPH_TOKEN or provide a ./token file")
}

// newRegistry wires the full sync stack for a store.
func (a *app) newRegistry(store *cache.Store) (*syncpkg.Registry, *ratelimit.Limiter, error) {
	token, err := a.graphToken()
	if err != nil {
		return nil, nil, err
	}
	limiter := a.newLimiter()
	client := graph.NewClient(a.cfg.Graph.BaseURL, token, limiter, a.cfg.Graph.Timeout)

	images, err := syncpkg.NewImageStore(filepath.Join(a.cfg.DataDir, "images"))
	if err != nil {
		return nil, nil, err
	}
	orch := syncpkg.NewOrchestrator(client, store, limiter, images, a.log, syncpkg.Options{
		Workers:        a.cfg.Sync.Workers,
		MaxRetries:     a.cfg.Sync.MaxRetries,
		FullStaleAfter: a.cfg.Sync.FullStaleAfter,
	})
	return syncpkg.NewRegistry(orch, store, a.log), limiter, nil
}
