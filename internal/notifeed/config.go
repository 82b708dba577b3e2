package notifeed

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SessionConfig holds the hot-reloadable presentation settings. The
// hard dedup guarantee is not configurable; only the fresh window and
// category muting are.
type SessionConfig struct {
	FreshWindowSeconds int        `json:"freshWindowSeconds"`
	MutedCategories    []Category `json:"mutedCategories"`
}

// LoadSessionConfig reads a config file. A missing file yields the
// zero config and no error.
func LoadSessionConfig(path string) (SessionConfig, error) {
	var cfg SessionConfig
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ConfigWatcher applies the config file on every change until closed.
type ConfigWatcher struct {
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

// WatchSessionConfig loads the config file, applies it, and keeps
// re-applying it whenever the file changes. The parent directory is
// watched rather than the file itself so editors that replace the file
// by rename keep triggering reloads. A file that fails to parse leaves
// the previous settings in effect.
func WatchSessionConfig(path string, apply func(SessionConfig), logger *log.Logger) (*ConfigWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" || apply == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = log.Default()
	}

	cfg, err := LoadSessionConfig(path)
	if err != nil {
		return nil, err
	}
	apply(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &ConfigWatcher{watcher: watcher, done: make(chan struct{})}
	target := filepath.Clean(path)
	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				cfg, err := LoadSessionConfig(path)
				if err != nil {
					logger.Printf("config reload failed: %v", err)
					continue
				}
				logger.Printf("config reloaded: %s", path)
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("config watcher error: %v", err)
			}
		}
	}()
	return w, nil
}

func (w *ConfigWatcher) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
