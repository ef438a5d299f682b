package stores

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// RemoteFiles reads and atomically replaces files on a remote host.
// *ssh.Client implements it over SFTP.
type RemoteFiles interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
}

// SFTPStore keeps the state document on the remote host.
type SFTPStore struct {
	files  RemoteFiles
	path   string
	logger zerolog.Logger
}

// NewSFTPStore creates a store writing to path on the remote host.
func NewSFTPStore(files RemoteFiles, path string, logger zerolog.Logger) (*SFTPStore, error) {
	if files == nil {
		return nil, fmt.Errorf("remote connection is required")
	}
	if path == "" {
		return nil, fmt.Errorf("remote state path is required")
	}
	return &SFTPStore{
		files:  files,
		path:   path,
		logger: logger.With().Str("component", "sftp-store").Str("path", path).Logger(),
	}, nil
}

// Load reads the remote document. A missing file yields (nil, nil).
func (s *SFTPStore) Load(ctx context.Context) (*engine.ProvisioningState, error) {
	data, err := s.files.ReadFile(ctx, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read remote state: %w", err)
	}
	return decodeState(data)
}

// Save replaces the remote document.
func (s *SFTPStore) Save(ctx context.Context, state *engine.ProvisioningState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	if err := s.files.WriteFile(ctx, s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write remote state: %w", err)
	}
	s.logger.Trace().Int("bytes", len(data)).Msg("Remote state saved")
	return nil
}

// Close implements Store. The connection is owned by the caller.
func (s *SFTPStore) Close() error {
	return nil
}
