// internal/config/watcher.go
package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/valpere/MediaHarvester/internal/utils"
)

// ConfigWatcher reloads a configuration file when it changes and hands
// the new value to callbacks. Invalid files are logged and ignored.
type ConfigWatcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	callbacks  []func(*Config)
	log        utils.Logger
	mu         sync.RWMutex
	stopped    bool
	done       chan struct{}
}

// NewConfigWatcher creates a new configuration file watcher
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		watcher:    watcher,
		configPath: abs,
		log:        utils.NewComponentLogger("config-watcher"),
		done:       make(chan struct{}),
	}

	// Watch the directory so editors that replace the file via rename
	// are still noticed.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	go cw.watch()
	return cw, nil
}

// OnChange registers a callback to be called when the config changes
func (cw *ConfigWatcher) OnChange(callback func(*Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) watch() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == cw.configPath && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				cw.handleConfigChange()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warnf("config watcher error: %v", err)
		}
	}
}

func (cw *ConfigWatcher) handleConfigChange() {
	cw.mu.RLock()
	if cw.stopped {
		cw.mu.RUnlock()
		return
	}
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	config, err := LoadFromFile(cw.configPath)
	if err != nil {
		cw.log.WithField("path", cw.configPath).Warnf("ignoring config change: %v", err)
		return
	}
	cw.log.WithField("path", cw.configPath).Info("configuration reloaded")

	for _, callback := range callbacks {
		callback(config)
	}
}

// Close stops the watcher and releases resources
func (cw *ConfigWatcher) Close() error {
	cw.mu.Lock()
	if cw.stopped {
		cw.mu.Unlock()
		return nil
	}
	cw.stopped = true
	cw.mu.Unlock()

	err := cw.watcher.Close()
	<-cw.done
	return err
}
