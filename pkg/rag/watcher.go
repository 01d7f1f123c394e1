// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rag

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/store"
)

// WatchAction is what the indexer should do for a changed path.
type WatchAction string

const (
	ActionUpsert WatchAction = "upsert"
	ActionDelete WatchAction = "delete"
)

// watchEvent is a normalized filesystem event.
type watchEvent struct {
	relPath string
	action  WatchAction
}

// Watcher keeps a workspace index current by feeding filesystem events
// through a debounce window into the indexer. Events for the same path
// within a window collapse to the last action.
type Watcher struct {
	ws       *store.Workspace
	indexer  *Indexer
	ignore   *IgnoreMatcher
	debounce time.Duration
	logger   *slog.Logger

	fsw    *fsnotify.Watcher
	queue  chan watchEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for one workspace. Start must be called to
// begin watching.
func NewWatcher(ws *store.Workspace, indexer *Indexer, cfg *config.IndexingConfig, logger *slog.Logger) (*Watcher, error) {
	if ws == nil || indexer == nil {
		return nil, fmt.Errorf("watcher requires workspace and indexer")
	}
	if cfg == nil {
		cfg = &config.IndexingConfig{}
		cfg.SetDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}

	debounce, err := time.ParseDuration(cfg.DebounceInterval)
	if err != nil || debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return &Watcher{
		ws:       ws,
		indexer:  indexer,
		ignore:   NewIgnoreMatcher(cfg.IgnorePatterns),
		debounce: debounce,
		logger:   logger.With("component", "watcher", "workspace", ws.ID),
		queue:    make(chan watchEvent, queueSize),
	}, nil
}

// Start registers the workspace tree with fsnotify and launches the event
// and drain loops.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.fsw = fsw

	if err := w.watchTree(w.ws.RootPath); err != nil {
		_ = fsw.Close()
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.drainLoop(ctx)

	w.logger.Info("watching workspace", "root", w.ws.RootPath, "debounce", w.debounce)
	return nil
}

// Stop tears down the watcher and waits for in-flight work.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()
}

// watchTree adds the root and every non-ignored subdirectory.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil && rel != "." && w.ignore.Ignored(rel) {
			return filepath.SkipDir
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", addErr)
		}
		return nil
	})
}

// eventLoop normalizes raw fsnotify events onto the bounded queue.
func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Chmod != 0 && event.Op&^fsnotify.Chmod == 0 {
		return
	}

	rel, err := filepath.Rel(w.ws.RootPath, event.Name)
	if err != nil || rel == "." {
		return
	}
	if w.ignore.Ignored(rel) {
		return
	}

	// New directories get watched; their files arrive as create events.
	if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			if addErr := w.fsw.Add(event.Name); addErr != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", addErr)
			}
		}
		return
	}

	var action WatchAction
	switch {
	// A rename delivers Rename on the source; the destination shows up as
	// a separate Create, completing the move as delete + upsert.
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		action = ActionDelete
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if !Indexable(rel) {
			return
		}
		action = ActionUpsert
	default:
		return
	}

	select {
	case w.queue <- watchEvent{relPath: rel, action: action}:
	default:
		w.logger.Warn("watcher queue full, dropping event", "path", rel, "action", action)
	}
}

// drainLoop batches queued events: the first event opens a debounce
// window, further events collapse by path with the last action winning,
// then the batch is applied.
func (w *Watcher) drainLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-w.queue:
			if !ok {
				return
			}

			batch := map[string]WatchAction{first.relPath: first.action}
			timer := time.NewTimer(w.debounce)

		collect:
			for {
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case ev, ok := <-w.queue:
					if !ok {
						break collect
					}
					batch[ev.relPath] = ev.action
				case <-timer.C:
					break collect
				}
			}

			w.applyBatch(ctx, batch)
		}
	}
}

func (w *Watcher) applyBatch(ctx context.Context, batch map[string]WatchAction) {
	for relPath, action := range batch {
		if ctx.Err() != nil {
			return
		}
		switch action {
		case ActionUpsert:
			res, err := w.indexer.IndexFile(ctx, w.ws, relPath)
			if err != nil {
				w.logger.Warn("reindex failed", "path", relPath, "error", err)
				continue
			}
			if !res.Skipped {
				w.logger.Debug("reindexed file", "path", relPath, "chunks", res.Chunks)
			}
		case ActionDelete:
			if err := w.indexer.DeleteFile(ctx, w.ws, relPath); err != nil {
				w.logger.Warn("index delete failed", "path", relPath, "error", err)
				continue
			}
			w.logger.Debug("removed file from index", "path", relPath)
		}
	}
}
