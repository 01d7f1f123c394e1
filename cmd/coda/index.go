package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/logger"
	"github.com/kadirpekel/coda/pkg/runtime"
)

// IndexCmd reindexes a workspace, and optionally the configured
// knowledge modules.
type IndexCmd struct {
	Path      string `help:"Workspace root." type:"path" default:"."`
	Knowledge bool   `help:"Also rebuild the knowledge modules."`
}

func (c *IndexCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanup, err := setupLogging(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := runtime.New(cfg, runtime.WithLogger(logger.GetLogger()))
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	ctx := context.Background()
	defer func() {
		_ = rt.Shutdown(ctx)
	}()

	root, err := filepath.Abs(c.Path)
	if err != nil {
		return err
	}
	ws, err := rt.EnsureWorkspace(ctx, root)
	if err != nil {
		return fmt.Errorf("failed to register workspace: %w", err)
	}

	stats, err := rt.Indexer().IndexWorkspace(ctx, ws)
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}
	fmt.Printf("Indexed %s: %d files, %d chunks (%d skipped, %d failed) in %s\n",
		root, stats.FilesIndexed, stats.ChunksCreated, stats.FilesSkipped, stats.FilesFailed, stats.Duration)

	if c.Knowledge {
		if len(cfg.Knowledge.Modules) == 0 {
			fmt.Println("No knowledge modules configured.")
			return nil
		}
		if err := rt.IndexKnowledge(ctx); err != nil {
			return fmt.Errorf("knowledge indexing failed: %w", err)
		}
		fmt.Printf("Indexed %d knowledge modules\n", len(cfg.Knowledge.Modules))
	}
	return nil
}
