package stores

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := OpenSQLiteStore(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// sampleState returns auth complete and infra failed.
func sampleState() *engine.ProvisioningState {
	state := engine.NewProvisioningState([]string{"auth", "infra", "secrets"})

	auth := state.Phases["auth"]
	auth.Status = engine.PhaseStatusComplete
	auth.Results = []engine.ReconcileResult{{
		Reconciler: "gcloud-session",
		Resource:   engine.ResourceDescriptor{Kind: engine.KindAuthSession, Key: "gcloud", Parameters: map[string]string{"tool": "gcloud"}},
		Outcome:    engine.OutcomeAlreadyPresent,
		Detail:     "ops@example.com",
		RetrySafe:  true,
		Produced:   map[string]string{"account": "ops@example.com"},
		DurationMs: 120,
	}}
	auth.ProducedValues = map[string]string{"account": "ops@example.com"}

	infra := state.Phases["infra"]
	infra.Status = engine.PhaseStatusFailed
	infra.Results = []engine.ReconcileResult{{
		Reconciler: "deployer",
		Resource:   engine.ResourceDescriptor{Kind: engine.KindServiceAccount, Key: "deployer@demo.iam.gserviceaccount.com", Parameters: map[string]string{}},
		Outcome:    engine.OutcomeFailed,
		Detail:     "PERMISSION_DENIED: caller lacks iam.serviceAccounts.create",
		Code:       engine.ErrCodePermissionDenied,
		Produced:   map[string]string{},
	}}
	state.Error = &engine.ErrorState{
		Phase:      "infra",
		Message:    "PERMISSION_DENIED: caller lacks iam.serviceAccounts.create",
		Code:       engine.ErrCodePermissionDenied,
		Reconciler: "deployer",
		Guidance:   engine.Guidance(engine.ErrCodePermissionDenied),
	}
	return state
}

func mustEncode(t *testing.T, state *engine.ProvisioningState) []byte {
	t.Helper()
	data, err := encodeState(state)
	if err != nil {
		t.Fatalf("failed to encode state: %v", err)
	}
	return data
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"provisioning_state", "phase_events", "audit"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected repeated migration to succeed, got %v", err)
	}
}

func TestSQLiteStoreStateRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Fatal("expected nil state before the first save")
	}

	state := sampleState()
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	state.Phases["secrets"].Status = engine.PhaseStatusFailed
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("failed to save again: %v", err)
	}

	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if !bytes.Equal(mustEncode(t, loaded), mustEncode(t, state)) {
		t.Errorf("expected loaded state to match the last save")
	}

	revision, err := store.Revision(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if revision != 2 {
		t.Errorf("expected revision 2, got %d", revision)
	}
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phasegate.db")
	ctx := context.Background()

	store, err := OpenSQLiteStore(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.Save(ctx, sampleState()); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	store.Close()

	reopened, err := OpenSQLiteStore(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if loaded == nil || loaded.Error == nil || loaded.Error.Phase != "infra" {
		t.Errorf("expected persisted error state for infra, got %+v", loaded)
	}
}

func TestPhaseEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []*PhaseEvent{
		{RunID: "run-1", Phase: "auth", Type: engine.EventTypePhaseStarted, Level: EventLevelInfo, To: "running"},
		{RunID: "run-1", Phase: "auth", Type: engine.EventTypePhaseCompleted, Level: EventLevelInfo, To: "complete"},
		{RunID: "run-1", Phase: "infra", Type: engine.EventTypePhaseFailed, Level: EventLevelError, To: "failed", Code: engine.ErrCodeReconcileFailed},
		{RunID: "run-2", Phase: "infra", Type: engine.EventTypePhaseReset, Level: EventLevelWarning, To: "pending"},
	}
	for _, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected event ID to be assigned")
		}
		if event.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	}

	tests := []struct {
		name     string
		filter   EventFilter
		expected int
	}{
		{"all", EventFilter{}, 4},
		{"by phase", EventFilter{Phase: "infra"}, 2},
		{"by run", EventFilter{RunID: "run-1"}, 3},
		{"by level", EventFilter{Level: EventLevelError}, 1},
		{"limit", EventFilter{Limit: 1}, 1},
		{"offset", EventFilter{Limit: 10, Offset: 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list events: %v", err)
			}
			if len(got) != tt.expected {
				t.Errorf("expected %d events, got %d", tt.expected, len(got))
			}
		})
	}

	latest, err := store.ListEvents(ctx, EventFilter{Limit: 1})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if latest[0].Type != engine.EventTypePhaseReset {
		t.Errorf("expected newest event first, got %s", latest[0].Type)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := "infra"
	entries := []*AuditEntry{
		{Action: "phase.run", Actor: "alice", Target: &target},
		{Action: "phase.reset", Actor: "alice", Target: &target},
		{Action: "phase.run", Actor: "bob"},
	}
	for _, entry := range entries {
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
	}

	action := "phase.run"
	runs, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 phase.run entries, got %d", len(runs))
	}

	actor := "alice"
	byAlice, err := store.ListAuditEntries(ctx, nil, &actor, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(byAlice) != 2 {
		t.Errorf("expected 2 entries by alice, got %d", len(byAlice))
	}
	if byAlice[0].Target == nil || *byAlice[0].Target != "infra" {
		t.Errorf("expected target to round-trip, got %v", byAlice[0].Target)
	}
}

func TestHistoryRecorder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	recorder := NewHistoryRecorder(store, "run-42", zerolog.Nop())

	recorder.PhaseTransition(ctx, "infra", engine.PhaseStatusPending, engine.PhaseStatusRunning)
	recorder.ResourceReconciled(ctx, "infra", engine.ReconcileResult{
		Resource: engine.ResourceDescriptor{Kind: engine.KindServiceAccount, Key: "deployer"},
		Outcome:  engine.OutcomeFailed,
		Code:     engine.ErrCodeReconcileFailed,
		Detail:   "quota exceeded",
	})
	recorder.PhaseTransition(ctx, "infra", engine.PhaseStatusRunning, engine.PhaseStatusFailed)
	recorder.ErrorCleared(ctx, "infra")

	// A cancelled operation still leaves a trail.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	recorder.PhaseTransition(cancelled, "infra", engine.PhaseStatusFailed, engine.PhaseStatusPending)

	events, err := store.ListEvents(ctx, EventFilter{RunID: "run-42"})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}

	expected := []engine.EventType{
		engine.EventTypePhaseReset,
		engine.EventTypeErrorCleared,
		engine.EventTypePhaseFailed,
		engine.EventTypeResourceReconciled,
		engine.EventTypePhaseStarted,
	}
	for i, want := range expected {
		if events[i].Type != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].Type)
		}
	}
	if events[2].Level != EventLevelError || events[3].Level != EventLevelError {
		t.Error("expected failure events at error level")
	}
	if events[3].Resource != "deployer" || events[3].Outcome != "failed" {
		t.Errorf("unexpected reconcile event %+v", events[3])
	}
}
