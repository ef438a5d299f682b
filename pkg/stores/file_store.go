package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// FileStore keeps the state document in a local JSON file.
type FileStore struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewFileStore creates a file store. The parent directory is created on the
// first save.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state path: %w", err)
	}
	return &FileStore{
		path:   abs,
		logger: logger.With().Str("component", "file-store").Logger(),
	}, nil
}

// Path returns the absolute path of the state file.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields (nil, nil).
func (s *FileStore) Load(ctx context.Context) (*engine.ProvisioningState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return decodeState(data)
}

// Save writes the document to a temporary file in the same directory, syncs
// it and renames it over the state file, then syncs the directory.
func (s *FileStore) Save(ctx context.Context, state *engine.ProvisioningState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeState(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to sync state directory")
		}
		_ = d.Close()
	}

	s.logger.Trace().Str("path", s.path).Int("bytes", len(data)).Msg("State saved")
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

// Watch calls fn with the new state every time the state file is replaced,
// until ctx is cancelled. Bursts of events within debounce are coalesced.
// The directory is watched rather than the file because saves replace it.
func (s *FileStore) Watch(ctx context.Context, debounce time.Duration, fn func(*engine.ProvisioningState)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("State watcher error")

		case <-fire:
			fire = nil
			state, err := s.Load(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Failed to reload state")
				continue
			}
			if state != nil {
				fn(state)
			}
		}
	}
}
