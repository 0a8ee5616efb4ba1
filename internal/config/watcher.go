package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/models"
)

// CatalogWatcher hot-reloads the model catalog when its file changes.
// A failed reload keeps the previous catalog; pricing never goes blank
// because an edit was saved half-way.
type CatalogWatcher struct {
	path    string
	catalog *models.Catalog
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	// debounce window collapses the write bursts editors produce
	debounce time.Duration
}

// NewCatalogWatcher builds a watcher for the catalog file at path.
func NewCatalogWatcher(path string, catalog *models.Catalog, logger *zap.Logger) (*CatalogWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which drops the
	// watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &CatalogWatcher{
		path:     path,
		catalog:  catalog,
		logger:   logger,
		watcher:  w,
		debounce: 200 * time.Millisecond,
	}, nil
}

// Run blocks until ctx is cancelled, reloading on relevant file events.
func (cw *CatalogWatcher) Run(ctx context.Context) {
	defer func() { _ = cw.watcher.Close() }()

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cw.debounce)
				timerC = timer.C
			} else {
				timer.Reset(cw.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			cw.reload()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("Catalog watch error", zap.Error(err))
		}
	}
}

func (cw *CatalogWatcher) reload() {
	if err := cw.catalog.LoadOverrides(cw.path); err != nil {
		cw.logger.Error("Model catalog reload rejected",
			zap.String("path", cw.path), zap.Error(err))
		return
	}
	cw.logger.Info("Model catalog reloaded",
		zap.String("path", cw.path),
		zap.Strings("models", cw.catalog.IDs()))
}
