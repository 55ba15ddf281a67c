package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML trigger file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *TriggerFile
	onChange []func(*TriggerFile)
	logger   *slog.Logger
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path, logger: slog.Default()}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Path returns the watched file path.
func (l *Loader) Path() string { return l.path }

// Config returns the current (latest) configuration.
func (l *Loader) Config() *TriggerFile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*TriggerFile)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn("trigger file reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("trigger file watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*TriggerFile, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*TriggerFile), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*TriggerFile, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Parse decodes a trigger file strictly (unknown fields are errors) and
// applies engine defaults.
func Parse(data []byte) (*TriggerFile, error) {
	var cfg TriggerFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.Engine.ApplyDefaults()
	return &cfg, nil
}
