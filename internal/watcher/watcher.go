// Package watcher keeps the library in step with measure files edited on
// disk. Changed measures are reloaded and re-linked after a debounce window;
// deletions drop the measure from the collection. Either way the usage index
// is rebuilt afterwards.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"measureforge/internal/library"
	"measureforge/internal/logging"
	"measureforge/internal/measures"
	"measureforge/internal/types"
)

// Relinker is the slice of the library service the watcher needs.
// *library.Service satisfies it.
type Relinker interface {
	LinkMeasure(coll *measures.Collection, measureID string) (*types.LinkReport, error)
	RebuildUsageIndex(coll *measures.Collection) library.RebuildReport
}

// Stats tracks watcher activity for the stats command and tests.
type Stats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	Relinks       int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
	LastEventType string
}

// MeasureWatcher watches a directory of measure YAML files.
type MeasureWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	coll        *measures.Collection
	relinker    Relinker
	measuresDir string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats Stats
}

// New creates a watcher over measuresDir feeding the given collection.
func New(measuresDir string, coll *measures.Collection, relinker Relinker) (*MeasureWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &MeasureWatcher{
		watcher:     w,
		coll:        coll,
		relinker:    relinker,
		measuresDir: measuresDir,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (mw *MeasureWatcher) Start(ctx context.Context) error {
	mw.mu.Lock()
	if mw.running {
		mw.mu.Unlock()
		return nil
	}
	mw.running = true
	mw.mu.Unlock()

	if err := os.MkdirAll(mw.measuresDir, 0755); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("Failed to create measures dir %s: %v (continuing anyway)", mw.measuresDir, err)
	}

	if err := mw.watcher.Add(mw.measuresDir); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("Initial watch failed (dir may not exist): %v", err)
	} else {
		logging.Watcher("Watching measures directory: %s", mw.measuresDir)
	}

	go mw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (mw *MeasureWatcher) Stop() {
	mw.mu.Lock()
	if !mw.running {
		mw.mu.Unlock()
		return
	}
	mw.running = false
	mw.mu.Unlock()

	close(mw.stopCh)
	<-mw.doneCh

	if err := mw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatcher).Error("Error closing watcher: %v", err)
	}
	logging.Watcher("Measure watcher stopped")
}

func (mw *MeasureWatcher) run(ctx context.Context) {
	defer close(mw.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watcher("Context cancelled")
			return

		case <-mw.stopCh:
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			mw.handleEvent(event)

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Error("Watch error: %v", err)
			mw.mu.Lock()
			mw.stats.Errors++
			mw.mu.Unlock()

		case <-debounceTicker.C:
			mw.processDebouncedEvents()
		}
	}
}

func (mw *MeasureWatcher) handleEvent(event fsnotify.Event) {
	if !isMeasurePath(event.Name) {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return
	}

	logging.WatcherDebug("%s event for %s", eventType, event.Name)

	mw.mu.Lock()
	mw.stats.LastEventTime = time.Now()
	mw.stats.LastEventPath = event.Name
	mw.stats.LastEventType = eventType
	switch eventType {
	case "create":
		mw.stats.FilesCreated++
	case "modify":
		mw.stats.FilesModified++
	case "delete", "rename":
		mw.stats.FilesDeleted++
	}
	mw.debounceMap[event.Name] = time.Now()
	mw.mu.Unlock()
}

func (mw *MeasureWatcher) processDebouncedEvents() {
	mw.mu.Lock()
	now := time.Now()
	toProcess := make([]string, 0)
	for path, eventTime := range mw.debounceMap {
		if now.Sub(eventTime) >= mw.debounceDur {
			toProcess = append(toProcess, path)
			delete(mw.debounceMap, path)
		}
	}
	mw.mu.Unlock()

	changed := false
	for _, path := range toProcess {
		if mw.reloadMeasure(path) {
			changed = true
		}
	}
	if changed {
		report := mw.relinker.RebuildUsageIndex(mw.coll)
		logging.WatcherDebug("Usage rebuild after file changes: %d components changed", report.ComponentsChanged)
	}
}

// reloadMeasure syncs one settled file into the collection. Returns true when
// the collection changed and the usage index needs a rebuild.
func (mw *MeasureWatcher) reloadMeasure(path string) bool {
	m, err := measures.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			id := measureIDFromPath(path)
			if mw.coll.Has(id) {
				mw.coll.Remove(id)
				logging.Watcher("Measure %s removed from collection (file deleted)", id)
				return true
			}
			return false
		}
		logging.Get(logging.CategoryWatcher).Error("Failed to load measure %s: %v", path, err)
		mw.mu.Lock()
		mw.stats.Errors++
		mw.mu.Unlock()
		return false
	}

	mw.coll.Put(m)
	if _, err := mw.relinker.LinkMeasure(mw.coll, m.ID); err != nil {
		logging.Get(logging.CategoryWatcher).Error("Failed to re-link measure %s: %v", m.ID, err)
		mw.mu.Lock()
		mw.stats.Errors++
		mw.mu.Unlock()
		return true
	}

	mw.mu.Lock()
	mw.stats.Relinks++
	mw.mu.Unlock()
	logging.Watcher("Re-linked measure %s after file change", m.ID)
	return true
}

// GetStats returns a copy of the current watcher statistics.
func (mw *MeasureWatcher) GetStats() Stats {
	mw.mu.RLock()
	defer mw.mu.RUnlock()
	return mw.stats
}

// IsWatching reports whether the event loop is running.
func (mw *MeasureWatcher) IsWatching() bool {
	mw.mu.RLock()
	defer mw.mu.RUnlock()
	return mw.running
}

func isMeasurePath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func measureIDFromPath(path string) string {
	bas := filepath.Base(path)
	return strings.TrimSuffix(bas, filepath.Ext(bas))
}
