package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dharsanguruparan/mediaguard/internal/metrics"
	"github.com/dharsanguruparan/mediaguard/internal/signing"
)

// fileConfig mirrors the YAML layout of MEDIAGUARD_CONFIG_FILE.
type fileConfig struct {
	MediaProtection struct {
		Secret       string `yaml:"secret"`
		HmacHashMode string `yaml:"hmacHashMode"`
	} `yaml:"mediaProtection"`
}

// ReadProtectionFile parses the mediaProtection section of a YAML file.
// Values missing from the file are taken from base.
func ReadProtectionFile(path string, base Protection) (Protection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Protection{}, fmt.Errorf("read config file: %w", err)
	}
	return ParseProtection(data, base)
}

// ParseProtection decodes YAML bytes into a Protection snapshot.
func ParseProtection(data []byte, base Protection) (Protection, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Protection{}, fmt.Errorf("parse config file: %w", err)
	}
	out := clone(base)
	if fc.MediaProtection.Secret != "" {
		out.Secret = []byte(fc.MediaProtection.Secret)
	}
	if fc.MediaProtection.HmacHashMode != "" {
		alg, err := signing.ParseAlgorithm(fc.MediaProtection.HmacHashMode)
		if err != nil {
			return Protection{}, err
		}
		out.Algorithm = alg
	}
	if out.Algorithm == "" {
		out.Algorithm = signing.DefaultAlgorithm
	}
	return out, nil
}

// Watcher reloads a config file into a Store whenever it changes on disk.
type Watcher struct {
	path   string
	base   Protection
	store  *Store
	logger *slog.Logger
}

// NewWatcher creates a Watcher. base supplies values the file leaves out.
func NewWatcher(path string, base Protection, store *Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, base: clone(base), store: store, logger: logger}
}

// Reload reads the file once and publishes the result. A file that fails to
// parse, or yields no secret, leaves the current snapshot untouched.
func (w *Watcher) Reload() error {
	p, err := ReadProtectionFile(w.path, w.base)
	if err == nil && len(p.Secret) == 0 {
		err = ErrSecretRequired
	}
	metrics.RecordReload(err == nil)
	if err != nil {
		return err
	}
	w.store.Set(p)
	w.logger.Info("media protection reloaded", "file", w.path, "algorithm", p.Algorithm)
	return nil
}

// Run watches the directory holding the file until ctx is cancelled. The
// directory is watched rather than the file so editors that replace the file
// by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Error("config reload failed, keeping previous settings", "file", w.path, "error", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("config watcher overflow, reloading", "file", w.path)
				if rerr := w.Reload(); rerr != nil {
					w.logger.Error("config reload failed", "error", rerr)
				}
				continue
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
