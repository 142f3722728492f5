package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultSlugs maps station hosts to top-radio.ru slugs.
var DefaultSlugs = map[string]string{
	"kazak.fm":       "kazak-fm",
	"radio.kazak.fm": "kazak-fm",
}

// SlugMap is a concurrency-safe host → slug table matched by host substring.
type SlugMap struct {
	mu      sync.RWMutex
	entries map[string]string
	logger  *slog.Logger
}

// NewSlugMap creates a SlugMap seeded with entries.
func NewSlugMap(entries map[string]string, logger *slog.Logger) *SlugMap {
	if logger == nil {
		logger = slog.Default()
	}
	m := &SlugMap{logger: logger}
	m.Replace(entries)
	return m
}

// Replace swaps the whole table.
func (m *SlugMap) Replace(entries map[string]string) {
	normalized := make(map[string]string, len(entries))
	for host, slug := range entries {
		host = strings.ToLower(strings.TrimSpace(host))
		slug = strings.TrimSpace(slug)
		if host == "" || slug == "" {
			continue
		}
		normalized[host] = slug
	}
	m.mu.Lock()
	m.entries = normalized
	m.mu.Unlock()
}

// Lookup returns the slug whose key is contained in host. Longer keys win so that a
// specific subdomain entry beats its parent domain.
func (m *SlugMap) Lookup(host string) (string, bool) {
	host = strings.ToLower(host)
	if host == "" {
		return "", false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) == len(keys[j]) {
			return keys[i] < keys[j]
		}
		return len(keys[i]) > len(keys[j])
	})
	for _, key := range keys {
		if strings.Contains(host, key) {
			return m.entries[key], true
		}
	}
	return "", false
}

// Len returns the number of mapped hosts.
func (m *SlugMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// LoadFile replaces the table with the JSON object stored at path.
func (m *SlugMap) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read slug map: %w", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse slug map: %w", err)
	}
	m.Replace(entries)
	m.logger.Info("Loaded top-radio slug map",
		slog.String("file", path),
		slog.Int("count", len(entries)))
	return nil
}

// Watch reloads the table whenever path is written, created or renamed into place, until
// ctx is done. A file that fails to load keeps the previous table and is passed to onError.
func (m *SlugMap) Watch(ctx context.Context, path string, onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors and config managers replace files by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
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
				if loadErr := m.LoadFile(path); loadErr != nil {
					m.logger.Error("Failed to reload slug map",
						slog.String("file", path),
						slog.String("error", loadErr.Error()))
					if onError != nil {
						onError(loadErr)
					}
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Error("fsnotify error", slog.String("error", watchErr.Error()))
				if onError != nil {
					onError(watchErr)
				}
			}
		}
	}()
	return nil
}
