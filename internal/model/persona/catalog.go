package persona

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/tavern-relay/internal/logging"
)

type catalogFile struct {
	Personas []Persona `yaml:"personas"`
}

// LoadCatalog reads a YAML (or JSON) catalog of the form {personas: [...]}.
func LoadCatalog(path string) ([]Persona, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona catalog: %w", err)
	}

	var doc catalogFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse persona catalog %s: %w", path, err)
	}
	if len(doc.Personas) == 0 {
		return nil, fmt.Errorf("persona catalog %s is empty", path)
	}
	return doc.Personas, nil
}

// SaveCatalog writes personas in the format LoadCatalog reads.
func SaveCatalog(path string, personas []Persona) error {
	raw, err := yaml.Marshal(catalogFile{Personas: personas})
	if err != nil {
		return fmt.Errorf("encode persona catalog: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write persona catalog: %w", err)
	}
	return nil
}

// Watch reloads the registry whenever the catalog file changes, until ctx is done.
// A catalog that fails to load or validate is logged and the current one kept.
func Watch(ctx context.Context, path string, registry *Registry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}

	target := filepath.Clean(path)
	// Editors often replace the file, so watch the directory instead.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	logger := logging.For("persona").WithField("catalog", target)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if err := reloadFrom(target, registry); err != nil {
					logger.WithError(err).Warn("catalog reload rejected, keeping current personas")
					continue
				}
				logger.WithField("personas", registry.Len()).Info("persona catalog reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("catalog watcher error")
			}
		}
	}()
	return nil
}

func reloadFrom(path string, registry *Registry) error {
	personas, err := LoadCatalog(path)
	if err != nil {
		return err
	}
	return registry.Reload(personas)
}
