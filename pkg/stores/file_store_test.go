package stores

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/phasegate/pkg/engine"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()

	loaded, err := store.Load(ctx)
	if err != nil || loaded != nil {
		t.Fatalf("expected (nil, nil) for missing file, got (%v, %v)", loaded, err)
	}

	state := sampleState()
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if !bytes.Equal(mustEncode(t, loaded), mustEncode(t, state)) {
		t.Error("expected loaded state to match saved state")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat state file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the state file, found %d entries", len(entries))
	}
}

func TestFileStoreDocumentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, _ := NewFileStore(path, zerolog.Nop())

	state := engine.NewProvisioningState([]string{"auth"})
	state.ProducedValues = map[string]string{"derived": "not persisted"}
	if err := store.Save(context.Background(), state); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if bytes.Contains(data, []byte("derived")) {
		t.Error("expected derived produced values to stay out of the document")
	}
	if !bytes.Contains(data, []byte(`"error": null`)) {
		t.Errorf("expected explicit null error, got %s", data)
	}
}

func TestFileStoreCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"phases":{"auth":{"status":"exploded"}}}`), 0o600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	store, _ := NewFileStore(path, zerolog.Nop())
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("expected invalid status to be rejected")
	}
}

func TestFileStoreCancelled(t *testing.T) {
	store, _ := NewFileStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Save(ctx, sampleState()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFileStoreWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, _ := NewFileStore(path, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan *engine.ProvisioningState, 4)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, 20*time.Millisecond, func(s *engine.ProvisioningState) {
			updates <- s
		})
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	writer, _ := NewFileStore(path, zerolog.Nop())
	if err := writer.Save(context.Background(), sampleState()); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	select {
	case s := <-updates:
		if s.Error == nil || s.Error.Phase != "infra" {
			t.Errorf("expected watched state to carry the infra error, got %+v", s.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected a state update")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
