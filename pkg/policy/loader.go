package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

// DefaultReloadDelay debounces bursts of file events during Watch.
const DefaultReloadDelay = 500 * time.Millisecond

// LoadDocument reads and validates a YAML policy document.
// A missing or unreadable file is a configuration error.
func LoadDocument(path string) (*PolicyDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, engine.NewConfigurationError(fmt.Sprintf("governance config not found: %s", path), err)
		}
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to read governance config: %s", path), err)
	}
	return ParseDocument(data)
}

// ParseDocument decodes and validates a YAML (or JSON) policy document.
func ParseDocument(data []byte) (*PolicyDocument, error) {
	var doc PolicyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewConfigurationError("failed to parse governance config", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document's structural constraints.
func (d *PolicyDocument) Validate() error {
	if err := validator.New().Struct(d); err != nil {
		return engine.NewConfigurationError("invalid governance config", err)
	}
	return nil
}

// Watch reloads the policy file whenever it changes until ctx is cancelled.
// Only engines built with NewEngineFromFile can watch. A reload that fails to
// parse or compile is logged and the previous document stays active.
func (e *Engine) Watch(ctx context.Context) error {
	if e.path == "" {
		return engine.NewConfigurationError("policy engine has no source file to watch", nil)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors and config managers often replace the
	// file instead of writing it in place.
	dir := filepath.Dir(e.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go e.processEvents(ctx, watcher)

	e.logger.Info().Str("path", e.path).Msg("Watching governance config")
	return nil
}

func (e *Engine) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(e.path)
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			e.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Governance config changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(e.reloadDelay, func() {
				if err := e.Reload(ctx); err != nil {
					e.logger.Error().Err(err).Msg("Failed to reload governance config")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			e.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
