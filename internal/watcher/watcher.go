// Package watcher monitors the configuration file and hot-reloads it on
// change. Editors and orchestrators rewrite config files in several ways
// (truncate, rename, remove and recreate), so the watcher re-arms itself
// after replace-style events and deduplicates reloads by content hash.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/exportworks/excel-export/internal/config"
)

// rearmDelay gives the writer a moment to finish recreating the file before
// the watch is re-established.
const rearmDelay = 100 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	configPath string
	onReload   func(*config.Config)
	watcher    *fsnotify.Watcher
	lastHash   string
}

// NewWatcher builds a watcher for the config file at configPath. onReload
// receives every successfully validated new configuration.
func NewWatcher(configPath string, onReload func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		onReload:   onReload,
		watcher:    fsw,
		lastHash:   hashFile(configPath),
	}, nil
}

// Start begins watching. Non-blocking; events are processed until ctx ends
// or Stop is called. A missing config file is tolerated: the watcher simply
// has nothing to do until the file appears and the process is restarted.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		log.Warnf("watcher: cannot watch %s: %v", w.configPath, err)
		return err
	}
	log.Debugf("watcher: watching config file %s", w.configPath)
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		w.reload()
	case event.Op&(fsnotify.Rename|fsnotify.Remove) != 0:
		// replace-style save: the watch followed the old inode
		time.Sleep(rearmDelay)
		if err := w.watcher.Add(w.configPath); err != nil {
			log.Warnf("watcher: re-arm failed for %s: %v", w.configPath, err)
			return
		}
		w.reload()
	}
}

func (w *Watcher) reload() {
	hash := hashFile(w.configPath)
	if hash == "" || hash == w.lastHash {
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("watcher: config reload rejected: %v", err)
		return
	}
	w.lastHash = hash

	log.Infof("watcher: configuration reloaded from %s", w.configPath)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
