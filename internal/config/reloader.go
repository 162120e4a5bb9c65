package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reloader watches a configuration file and applies the subset of
// changes that are safe at runtime. Today that subset is the minimum
// severity only; everything else requires a restart.
type Reloader struct {
	path     string
	logger   *logrus.Logger
	onChange func(EngineConfig)

	watcher  *fsnotify.Watcher
	lastHash string
	mu       sync.Mutex
	done     chan struct{}
	closed   bool
}

// NewReloader creates a reloader for path. onChange receives every
// successfully re-validated configuration.
func NewReloader(path string, logger *logrus.Logger, onChange func(EngineConfig)) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	r := &Reloader{
		path:     path,
		logger:   logger,
		onChange: onChange,
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	r.lastHash, _ = fileHash(path)

	// Watch the directory, not the file: editors replace files on
	// save and the inode-level watch would be lost.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	go r.loop()
	return r, nil
}

func (r *Reloader) loop() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

func (r *Reloader) reload() {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash, err := fileHash(r.path)
	if err != nil || hash == r.lastHash {
		return
	}

	cfg, err := LoadFile(r.path)
	if err != nil {
		// Invalid new config is ignored; the running config stays.
		r.logger.WithError(err).Warn("Ignoring invalid config change")
		return
	}

	r.lastHash = hash
	r.logger.WithFields(logrus.Fields{
		"path":      r.path,
		"min_level": cfg.MinLevel.String(),
	}).Info("Config reloaded")
	r.onChange(cfg)
}

// Close stops the watcher. Idempotent.
func (r *Reloader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	return r.watcher.Close()
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
