package tutor

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/observability"
)

// Store holds the current catalog and swaps it when the persona directory
// changes.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu      sync.RWMutex
	current *Catalog
}

// NewStore loads the catalog for dir. An empty dir serves the embedded
// catalog and never reloads.
func NewStore(dir string) (*Store, error) {
	c, err := LoadCatalog(dir)
	if err != nil {
		return nil, err
	}
	return &Store{
		dir:     dir,
		logger:  observability.Component("catalog"),
		current: c,
	}, nil
}

// Catalog returns the current snapshot.
func (s *Store) Catalog() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload re-reads the persona directory. On error the previous catalog
// stays in place.
func (s *Store) Reload() error {
	c, err := LoadCatalog(s.dir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	return nil
}

// Watch reloads the catalog whenever a YAML file in the persona directory
// is written, created or removed. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := s.Reload(); err != nil {
					s.logger.Warn().Err(err).Str("file", event.Name).Msg("Catalog reload failed, keeping previous catalog")
					continue
				}
				s.logger.Info().Str("file", event.Name).Msg("Catalog reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
