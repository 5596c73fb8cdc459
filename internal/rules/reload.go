package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xweirdfor/xweirdfor/internal/headers"
)

// Holder publishes the current engine. Readers never see a partially
// built engine: reloads build a fresh one and swap the pointer.
type Holder struct {
	engine atomic.Pointer[Engine]
}

func NewHolder(engine *Engine) *Holder {
	h := &Holder{}
	h.engine.Store(engine)
	return h
}

func (h *Holder) Engine() *Engine {
	return h.engine.Load()
}

func (h *Holder) Evaluate(hs headers.Set) Result {
	return h.engine.Load().Evaluate(hs)
}

// Loader builds a complete engine from its sources.
type Loader func() (*Engine, error)

// Reload replaces the engine with a freshly loaded one. On failure the
// previous engine stays in place.
func (h *Holder) Reload(load Loader, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine, err := load()
	if err != nil {
		logger.Warn("rules reload failed, keeping previous rules", zap.Error(err))
		return err
	}
	h.engine.Store(engine)
	logger.Info("rules reloaded", zap.Int("rules", engine.Len()))
	return nil
}

// Watcher reloads a Holder whenever a rules file changes on disk.
type Watcher struct {
	holder  *Holder
	load    Loader
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching path's directory, so editors that replace
// the file by rename are still seen. Call Run to process events.
func NewWatcher(holder *Holder, path string, load Loader, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("resolve rules path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{holder: holder, load: load, path: abs, logger: logger, watcher: fw}, nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			_ = w.holder.Reload(w.load, w.logger.With(zap.String("path", w.path)))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rules watcher error", zap.Error(err))
		}
	}
}
