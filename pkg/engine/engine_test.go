package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(context.Background(), threePhases(), nil); err == nil {
		t.Error("Expected error for nil runner")
	}

	specs := threePhases()
	specs[1].Reconcilers[1].Name = "sa"
	if _, err := newTestEngine(specs, newFakeRunner()); err == nil {
		t.Error("Expected error for duplicate reconciler name")
	}

	specs = threePhases()
	specs[0].Reconcilers[0].Kind = "Database"
	if _, err := newTestEngine(specs, newFakeRunner()); err == nil {
		t.Error("Expected error for unknown kind")
	}

	specs = threePhases()
	specs[0].Reconcilers[0].Exists.Args = []string{"{{ .Values.broken"}
	if _, err := newTestEngine(specs, newFakeRunner()); err == nil {
		t.Error("Expected error for unparsable template")
	}

	policy := fastVerify()
	policy.MaxAttempts = 0
	if _, err := New(context.Background(), threePhases(), newFakeRunner(),
		WithReconcilerOptions(WithVerifyPolicy(policy))); err == nil {
		t.Error("Expected error for invalid verify policy")
	}
}

func TestNew_InitialState(t *testing.T) {
	e, err := newTestEngine(threePhases(), newFakeRunner())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state := e.GetState()
	if len(state.Phases) != 3 {
		t.Fatalf("Expected 3 phases, got %d", len(state.Phases))
	}
	for name, ps := range state.Phases {
		if ps.Status != PhaseStatusPending {
			t.Errorf("Expected %s pending, got %s", name, ps.Status)
		}
		if ps.Results == nil || ps.ProducedValues == nil {
			t.Errorf("Expected %s to have empty, non-nil results and values", name)
		}
	}
	if state.Error != nil {
		t.Errorf("Expected no error, got %+v", state.Error)
	}
}

// auth -> infra -> secrets: running infra first is rejected.
func TestScenario_PreconditionNotMet(t *testing.T) {
	runner := newFakeRunner()
	e, err := newTestEngine(threePhases(), runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state, err := e.RunPhase(context.Background(), "infra")
	if !IsPreconditionNotMet(err) {
		t.Fatalf("Expected PreconditionNotMet, got: %v", err)
	}
	if runner.total() != 0 {
		t.Errorf("Expected no commands, got %d", runner.total())
	}
	if state.Phases["infra"].Status != PhaseStatusPending {
		t.Errorf("Expected infra pending, got %s", state.Phases["infra"].Status)
	}
	if state.Error != nil {
		t.Errorf("Expected no error state, got %+v", state.Error)
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected *EngineError, got %T", err)
	}
	if engErr.Details["unmet"] == nil {
		t.Error("Expected unmet dependencies in error details")
	}
}

// Scenarios 2 and 3: the second reconciler of infra is denied, then the
// re-run converges without creating anything twice.
func TestScenario_FailureThenRetry(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner().
		on("auth status", ok("ops@example.com")).
		on("sa describe", fail("NOT_FOUND: deployer")).
		on("sa create", ok("Created service account [deployer].")).
		on("pool describe", fail("NOT_FOUND: github-pool")).
		on("pool create", fail("ERROR: (gcloud.iam.workload-identity-pools.create) PERMISSION_DENIED: Permission 'iam.workloadIdentityPools.create' denied"))

	e, err := newTestEngine(threePhases(), runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := e.RunPhase(ctx, "auth"); err != nil {
		t.Fatalf("Expected auth to run, got: %v", err)
	}

	state, err := e.RunPhase(ctx, "infra")
	if err != nil {
		t.Fatalf("Expected reconcile failure to be reported in state, got error: %v", err)
	}

	infra := state.Phases["infra"]
	if infra.Status != PhaseStatusFailed {
		t.Fatalf("Expected infra failed, got %s", infra.Status)
	}
	if len(infra.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(infra.Results))
	}
	if infra.Results[0].Outcome != OutcomeCreated {
		t.Errorf("Expected first result created, got %s", infra.Results[0].Outcome)
	}
	if infra.Results[1].Outcome != OutcomeFailed {
		t.Errorf("Expected second result failed, got %s", infra.Results[1].Outcome)
	}
	if !strings.Contains(infra.Results[1].Detail, "PERMISSION_DENIED") {
		t.Errorf("Expected detail to carry PERMISSION_DENIED, got %q", infra.Results[1].Detail)
	}

	if state.Error == nil {
		t.Fatal("Expected error state")
	}
	if state.Error.Phase != "infra" {
		t.Errorf("Expected error phase infra, got %s", state.Error.Phase)
	}
	if state.Error.Code != ErrCodePermissionDenied {
		t.Errorf("Expected code %s, got %s", ErrCodePermissionDenied, state.Error.Code)
	}
	if state.Error.RetrySafe {
		t.Error("Expected permission denied not to be retry-safe")
	}
	if state.Error.Guidance == "" {
		t.Error("Expected guidance for permission denied")
	}
	if state.Error.Reconciler != "pool" {
		t.Errorf("Expected failing reconciler pool, got %s", state.Error.Reconciler)
	}

	runner.set("sa create", fail("ERROR: (gcloud.iam.service-accounts.create) ALREADY_EXISTS: Service account deployer already exists"))
	runner.set("pool create", ok("Created workload identity pool [github-pool]."))

	state, err = e.RunPhase(ctx, "infra")
	if err != nil {
		t.Fatalf("Expected no error on retry, got: %v", err)
	}

	infra = state.Phases["infra"]
	if infra.Status != PhaseStatusComplete {
		t.Fatalf("Expected infra complete, got %s", infra.Status)
	}
	if len(infra.Results) != 2 {
		t.Fatalf("Expected results of the retry only, got %d", len(infra.Results))
	}
	if infra.Results[0].Outcome != OutcomeAlreadyPresent {
		t.Errorf("Expected first result already present, got %s", infra.Results[0].Outcome)
	}
	if infra.Results[1].Outcome != OutcomeCreated {
		t.Errorf("Expected second result created, got %s", infra.Results[1].Outcome)
	}
	if state.Error != nil {
		t.Errorf("Expected error cleared, got %+v", state.Error)
	}
}

// Scenario 4: resetting auth resets everything that depends on it.
func TestScenario_ResetCascades(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner().
		on("auth status", ok("ops@example.com")).
		on("sa describe", ok("deployer")).
		on("pool describe", ok("github-pool")).
		on("secret set", ok(""))

	e, err := newTestEngine(threePhases(), runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state, err := e.RunAll(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, name := range []string{"auth", "infra", "secrets"} {
		if state.Phases[name].Status != PhaseStatusComplete {
			t.Fatalf("Expected %s complete, got %s", name, state.Phases[name].Status)
		}
	}

	state, err = e.Reset(ctx, "auth")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, name := range []string{"auth", "infra", "secrets"} {
		ps := state.Phases[name]
		if ps.Status != PhaseStatusPending {
			t.Errorf("Expected %s pending, got %s", name, ps.Status)
		}
		if len(ps.Results) != 0 {
			t.Errorf("Expected %s results cleared, got %d", name, len(ps.Results))
		}
	}
}

func TestRunPhase_StopsAtFirstFailure(t *testing.T) {
	specs := []PhaseSpec{{
		Name: "infra",
		Reconcilers: []ReconcilerSpec{
			generic("a", "a", []string{"a", "describe"}, []string{"a", "create"}),
			generic("b", "b", []string{"b", "describe"}, []string{"b", "create"}),
			generic("c", "c", []string{"c", "describe"}, []string{"c", "create"}),
		},
	}}
	runner := newFakeRunner().
		on("a describe", ok("a")).
		on("b describe", fail("not found")).
		on("b create", fail("internal error: backend unavailable")).
		on("c describe", ok("c"))

	e, err := newTestEngine(specs, runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state, err := e.RunPhase(context.Background(), "infra")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if runner.count("c describe") != 0 || runner.count("c create") != 0 {
		t.Errorf("Expected reconciler c never invoked, got %d describe and %d create calls",
			runner.count("c describe"), runner.count("c create"))
	}
	if state.Phases["infra"].Status != PhaseStatusFailed {
		t.Errorf("Expected infra failed, got %s", state.Phases["infra"].Status)
	}
	if n := len(state.Phases["infra"].Results); n != 2 {
		t.Errorf("Expected 2 results, got %d", n)
	}
	if state.Error.Code != ErrCodeReconcileFailed {
		t.Errorf("Expected code %s, got %s", ErrCodeReconcileFailed, state.Error.Code)
	}
	if !state.Error.RetrySafe {
		t.Error("Expected reconcile failure to be retry-safe")
	}
	if state.Error.Message != "internal error: backend unavailable" {
		t.Errorf("Expected raw detail, got %q", state.Error.Message)
	}
}

func TestRunPhase_PreconditionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 25; trial++ {
		n := 2 + rng.Intn(6)
		runner := newFakeRunner()
		specs := make([]PhaseSpec, n)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("p%d", i)
			spec := PhaseSpec{
				Name:        name,
				Reconcilers: []ReconcilerSpec{generic("check", name, []string{"check", name}, nil)},
			}
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					spec.DependsOn = append(spec.DependsOn, fmt.Sprintf("p%d", j))
				}
			}
			if rng.Intn(4) == 0 {
				runner.on("check "+name, fail("absent"))
			} else {
				runner.on("check "+name, ok(name))
			}
			specs[i] = spec
		}

		e, err := newTestEngine(specs, runner)
		if err != nil {
			t.Fatalf("trial %d: Expected no error, got: %v", trial, err)
		}
		ctx := context.Background()
		for k := 0; k < n*2; k++ {
			_, _ = e.RunPhase(ctx, specs[rng.Intn(n)].Name)
		}

		for _, spec := range specs {
			before := e.GetState()
			var unmet []string
			for _, dep := range spec.DependsOn {
				if before.Phases[dep].Status != PhaseStatusComplete {
					unmet = append(unmet, dep)
				}
			}
			calls := runner.total()

			state, err := e.RunPhase(ctx, spec.Name)
			if len(unmet) > 0 {
				if !IsPreconditionNotMet(err) {
					t.Fatalf("trial %d: Expected PreconditionNotMet for %s (unmet %v), got: %v", trial, spec.Name, unmet, err)
				}
				if runner.total() != calls {
					t.Errorf("trial %d: Expected no commands for %s", trial, spec.Name)
				}
				if state.Phases[spec.Name].Status != before.Phases[spec.Name].Status {
					t.Errorf("trial %d: Expected %s status unchanged", trial, spec.Name)
				}
				continue
			}
			if err != nil {
				t.Fatalf("trial %d: Expected %s to run, got: %v", trial, spec.Name, err)
			}
		}
	}
}

func TestReset_Transitive(t *testing.T) {
	ctx := context.Background()
	produce := func(rs ReconcilerSpec, key string) ReconcilerSpec {
		rs.Produces = map[string]ValueSource{key: {Template: "{{ .Key }}-value"}}
		return rs
	}
	// a -> b -> d, a -> c -> d, e independent
	specs := []PhaseSpec{
		{Name: "a", Reconcilers: []ReconcilerSpec{produce(generic("r", "a", []string{"check", "a"}, nil), "a_out")}},
		{Name: "b", DependsOn: []string{"a"}, Reconcilers: []ReconcilerSpec{produce(generic("r", "b", []string{"check", "b"}, nil), "b_out")}},
		{Name: "c", DependsOn: []string{"a"}, Reconcilers: []ReconcilerSpec{produce(generic("r", "c", []string{"check", "c"}, nil), "c_out")}},
		{Name: "d", DependsOn: []string{"b", "c"}, Reconcilers: []ReconcilerSpec{produce(generic("r", "d", []string{"check", "d"}, nil), "d_out")}},
		{Name: "e", Reconcilers: []ReconcilerSpec{produce(generic("r", "e", []string{"check", "e"}, nil), "e_out")}},
	}
	runner := newFakeRunner()
	for _, s := range specs {
		runner.on("check "+s.Name, ok(s.Name))
	}

	e, err := newTestEngine(specs, runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := e.RunAll(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state, err := e.Reset(ctx, "b")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := map[string]PhaseStatus{
		"a": PhaseStatusComplete,
		"b": PhaseStatusPending,
		"c": PhaseStatusComplete,
		"d": PhaseStatusPending,
		"e": PhaseStatusComplete,
	}
	for name, want := range expected {
		if got := state.Phases[name].Status; got != want {
			t.Errorf("Expected %s %s, got %s", name, want, got)
		}
	}
	if len(state.Phases["d"].ProducedValues) != 0 {
		t.Errorf("Expected d produced values cleared, got %v", state.Phases["d"].ProducedValues)
	}
	if _, ok := state.ProducedValues["d_out"]; ok {
		t.Error("Expected d_out removed from state produced values")
	}
	if state.ProducedValues["c_out"] != "c-value" {
		t.Errorf("Expected c_out kept, got %q", state.ProducedValues["c_out"])
	}
}

func TestResetAll(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner().
		on("auth status", ok("ops@example.com")).
		on("sa describe", ok("deployer")).
		on("pool describe", fail("NOT_FOUND")).
		on("pool create", fail("quota exceeded"))

	e, err := newTestEngine(threePhases(), runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := e.RunAll(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state, err := e.ResetAll(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for name, ps := range state.Phases {
		if ps.Status != PhaseStatusPending {
			t.Errorf("Expected %s pending, got %s", name, ps.Status)
		}
	}
	if state.Error != nil {
		t.Errorf("Expected error cleared, got %+v", state.Error)
	}
}

func TestReset_KeepsUnrelatedError(t *testing.T) {
	ctx := context.Background()
	specs := []PhaseSpec{
		{Name: "a", Reconcilers: []ReconcilerSpec{generic("r", "a", []string{"check", "a"}, nil)}},
		{Name: "b", Reconcilers: []ReconcilerSpec{generic("r", "b", []string{"check", "b"}, nil)}},
	}
	runner := newFakeRunner().
		on("check a", ok("a")).
		on("check b", fail("absent"))

	e, err := newTestEngine(specs, runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	_, _ = e.RunPhase(ctx, "a")
	_, _ = e.RunPhase(ctx, "b")

	state, err := e.Reset(ctx, "a")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state.Error == nil || state.Error.Phase != "b" {
		t.Errorf("Expected error of b to survive reset of a, got %+v", state.Error)
	}
}

func TestRunPhase_ProducedValuesFlow(t *testing.T) {
	ctx := context.Background()
	specs := []PhaseSpec{
		{
			Name: "auth",
			Reconcilers: []ReconcilerSpec{{
				Name:     "login",
				Kind:     KindGeneric,
				Key:      "session",
				Exists:   &CommandTemplate{Args: []string{"auth", "list", "--format=json"}},
				Produces: map[string]ValueSource{"account": {JQ: ".[0].account"}},
			}},
		},
		{
			Name:      "infra",
			DependsOn: []string{"auth"},
			Reconcilers: []ReconcilerSpec{
				{
					Name:       "sa",
					Kind:       KindGeneric,
					Key:        "{{ .Params.id }}@{{ .Values.project }}.iam.gserviceaccount.com",
					Parameters: map[string]string{"id": "deployer"},
					Exists:     &CommandTemplate{Args: []string{"sa", "describe", "{{ .Key }}"}},
					Create:     &CommandTemplate{Args: []string{"sa", "create", "{{ .Params.id }}", "--owner={{ .Values.account }}"}},
					Produces:   map[string]ValueSource{"sa_email": {Template: "{{ .Key }}"}},
				},
				{
					Name:   "binding",
					Kind:   KindGeneric,
					Key:    "{{ .Values.sa_email }}",
					Create: &CommandTemplate{Args: []string{"bind", "serviceAccount:{{ .Values.sa_email }}"}},
				},
			},
		},
	}

	runner := newFakeRunner().
		on("auth list --format=json", ok(`[{"account":"ops@example.com","status":"ACTIVE"}]`)).
		on("sa describe deployer@demo.iam.gserviceaccount.com", fail("NOT_FOUND")).
		on("sa create deployer --owner=ops@example.com", ok("created")).
		on("bind serviceAccount:deployer@demo.iam.gserviceaccount.com", ok("bound"))

	e, err := newTestEngine(specs, runner, WithInputs(map[string]string{"project": "demo"}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state, err := e.RunAll(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state.Error != nil {
		t.Fatalf("Expected no failure, got %+v", state.Error)
	}
	if state.Phases["auth"].ProducedValues["account"] != "ops@example.com" {
		t.Errorf("Expected account produced, got %v", state.Phases["auth"].ProducedValues)
	}
	if state.ProducedValues["sa_email"] != "deployer@demo.iam.gserviceaccount.com" {
		t.Errorf("Expected sa_email in state values, got %v", state.ProducedValues)
	}
	if runner.count("bind serviceAccount:deployer@demo.iam.gserviceaccount.com") != 1 {
		t.Error("Expected binding to read the value produced earlier in the phase")
	}
	if _, ok := state.ProducedValues["project"]; ok {
		t.Error("Expected caller inputs to stay out of produced values")
	}
}

func TestRunPhase_MarkerPresenceReadsBack(t *testing.T) {
	specs := []PhaseSpec{{
		Name: "infra",
		Reconcilers: []ReconcilerSpec{{
			Name:     "pool",
			Kind:     KindGeneric,
			Key:      "github-pool",
			Exists:   &CommandTemplate{Args: []string{"pool", "describe"}, PresenceMarker: "github-pool"},
			Create:   &CommandTemplate{Args: []string{"pool", "create"}},
			Produces: map[string]ValueSource{"pool_name": {JQ: ".name"}},
		}},
	}}
	runner := newFakeRunner().
		on("pool describe", fail("NOT_FOUND"), ok(`{"name":"projects/1/locations/global/workloadIdentityPools/github-pool"}`)).
		on("pool create", fail("ALREADY_EXISTS: Requested entity already exists"))

	e, err := newTestEngine(specs, runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	state, err := e.RunPhase(context.Background(), "infra")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state.Error != nil {
		t.Fatalf("Expected no failure, got %+v", state.Error)
	}
	if got := state.ProducedValues["pool_name"]; got != "projects/1/locations/global/workloadIdentityPools/github-pool" {
		t.Errorf("Expected pool name read back, got %q", got)
	}
	if runner.count("pool describe") != 2 {
		t.Errorf("Expected 2 describe calls, got %d", runner.count("pool describe"))
	}
}

func TestRunPhase_RenderFailure(t *testing.T) {
	specs := []PhaseSpec{{
		Name: "infra",
		Reconcilers: []ReconcilerSpec{
			generic("sa", "deployer", nil, []string{"sa", "create", "--project={{ .Values.project }}"}),
		},
	}}
	runner := newFakeRunner()
	e, err := newTestEngine(specs, runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state, err := e.RunPhase(context.Background(), "infra")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state.Error == nil || state.Error.Code != ErrCodeRenderFailed {
		t.Fatalf("Expected %s, got %+v", ErrCodeRenderFailed, state.Error)
	}
	if state.Error.RetrySafe {
		t.Error("Expected render failure not to be retry-safe")
	}
	if runner.total() != 0 {
		t.Errorf("Expected no commands, got %d", runner.total())
	}
}

type guardFunc func(ctx context.Context, phase string, r ResourceDescriptor) error

func (f guardFunc) Check(ctx context.Context, phase string, r ResourceDescriptor) error {
	return f(ctx, phase, r)
}

func TestRunPhase_GuardDenies(t *testing.T) {
	runner := newFakeRunner().on("auth status", ok("ops@example.com"))
	guard := guardFunc(func(_ context.Context, phase string, r ResourceDescriptor) error {
		if r.Key == "deployer" {
			return errors.New("service account name is reserved")
		}
		return nil
	})

	e, err := newTestEngine(threePhases(), runner, WithGuard(guard))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	state, err := e.RunAll(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state.Error == nil || state.Error.Code != ErrCodePolicyDenied {
		t.Fatalf("Expected %s, got %+v", ErrCodePolicyDenied, state.Error)
	}
	if runner.count("sa describe") != 0 {
		t.Error("Expected no command for a denied resource")
	}
	if state.Phases["auth"].Status != PhaseStatusComplete {
		t.Errorf("Expected auth complete, got %s", state.Phases["auth"].Status)
	}
}

func TestRunPhase_GuardCancelledIsNotPolicyDenial(t *testing.T) {
	runner := newFakeRunner().on("auth status", ok("ops@example.com"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	guard := guardFunc(func(ctx context.Context, phase string, r ResourceDescriptor) error {
		if phase == "auth" {
			return nil
		}
		cancel()
		return ctx.Err()
	})

	e, err := newTestEngine(threePhases(), runner, WithGuard(guard))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	state, _ := e.RunAll(ctx)
	if state.Error == nil || state.Error.Code != ErrCodeCancelled {
		t.Fatalf("Expected %s, got %+v", ErrCodeCancelled, state.Error)
	}
	if !state.Error.RetrySafe {
		t.Error("Expected a cancelled phase to be retry-safe")
	}
}

func TestRunPhase_CompleteIsNoop(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner().on("auth status", ok("ops@example.com"))
	e, err := newTestEngine(threePhases(), runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := e.RunPhase(ctx, "auth"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := e.RunPhase(ctx, "auth"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if runner.count("auth status") != 1 {
		t.Errorf("Expected 1 call, got %d", runner.count("auth status"))
	}
}

func TestRunPhase_UnknownPhase(t *testing.T) {
	e, err := newTestEngine(threePhases(), newFakeRunner())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	ctx := context.Background()

	if _, err := e.RunPhase(ctx, "deploy"); !IsUnknownPhase(err) {
		t.Errorf("Expected UnknownPhase from RunPhase, got: %v", err)
	}
	if _, err := e.Reset(ctx, "deploy"); !IsUnknownPhase(err) {
		t.Errorf("Expected UnknownPhase from Reset, got: %v", err)
	}
	if _, _, err := e.CanRun("deploy"); !IsUnknownPhase(err) {
		t.Errorf("Expected UnknownPhase from CanRun, got: %v", err)
	}
}

func TestRunAll_StopsAtFailedPhaseAndResumes(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner().
		on("auth status", ok("ops@example.com")).
		on("sa describe", ok("deployer")).
		on("pool describe", fail("NOT_FOUND")).
		on("pool create", timedOut()).
		on("secret set", ok(""))

	e, err := newTestEngine(threePhases(), runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state, err := e.RunAll(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state.Phases["infra"].Status != PhaseStatusFailed {
		t.Fatalf("Expected infra failed, got %s", state.Phases["infra"].Status)
	}
	if state.Error.Code != ErrCodeCommandTimeout {
		t.Errorf("Expected %s, got %s", ErrCodeCommandTimeout, state.Error.Code)
	}
	if runner.count("secret set") != 0 {
		t.Error("Expected secrets not to run after infra failed")
	}

	runner.set("pool create", ok("created"))
	state, err = e.RunAll(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for name, ps := range state.Phases {
		if ps.Status != PhaseStatusComplete {
			t.Errorf("Expected %s complete, got %s", name, ps.Status)
		}
	}
	if runner.count("auth status") != 1 {
		t.Errorf("Expected auth not re-run, got %d calls", runner.count("auth status"))
	}
}

func TestClearError(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner().on("auth status", fail("You are not logged into any GitHub hosts."))
	e, err := newTestEngine(threePhases(), runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state, _ := e.RunPhase(ctx, "auth")
	if state.Error == nil {
		t.Fatal("Expected error state")
	}

	state, err = e.ClearError(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state.Error != nil {
		t.Errorf("Expected error cleared, got %+v", state.Error)
	}
	if state.Phases["auth"].Status != PhaseStatusFailed {
		t.Errorf("Expected auth to stay failed, got %s", state.Phases["auth"].Status)
	}
}

func TestProgressAndCanRun(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner().on("auth status", ok("ops@example.com"))
	e, err := newTestEngine(threePhases(), runner)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	can, unmet, err := e.CanRun("infra")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if can || len(unmet) != 1 || unmet[0] != "auth" {
		t.Errorf("Expected infra blocked by auth, got %v %v", can, unmet)
	}

	if _, err := e.RunPhase(ctx, "auth"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	p := e.Progress()
	if p.Total != 3 || p.Completed != 1 {
		t.Errorf("Expected 1/3 complete, got %d/%d", p.Completed, p.Total)
	}
	if p.Percentage < 33.3 || p.Percentage > 33.4 {
		t.Errorf("Expected ~33.3%%, got %.2f", p.Percentage)
	}
	if p.Current != "infra" {
		t.Errorf("Expected current infra, got %s", p.Current)
	}

	can, _, _ = e.CanRun("infra")
	if !can {
		t.Error("Expected infra runnable after auth")
	}
}

func TestPersistence_ResumeFromStore(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	runner := newFakeRunner().
		on("auth status", ok("ops@example.com")).
		on("sa describe", ok("deployer")).
		on("pool describe", fail("NOT_FOUND")).
		on("pool create", fail("PERMISSION_DENIED"))

	e, err := newTestEngine(threePhases(), runner, WithStore(store))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	before, _ := e.RunAll(ctx)
	if store.saves == 0 {
		t.Fatal("Expected state to be saved")
	}

	resumed, err := newTestEngine(threePhases(), runner, WithStore(store))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	after := resumed.GetState()
	for name := range before.Phases {
		if after.Phases[name].Status != before.Phases[name].Status {
			t.Errorf("Expected %s %s after reload, got %s", name, before.Phases[name].Status, after.Phases[name].Status)
		}
	}
	if after.Error == nil || after.Error.Phase != "infra" {
		t.Errorf("Expected infra error after reload, got %+v", after.Error)
	}
}

func TestPersistence_InterruptedPhase(t *testing.T) {
	store := &memStore{doc: []byte(`{
		"phases": {
			"auth": {"status": "complete", "results": [], "producedValues": {"account": "ops@example.com"}},
			"infra": {"status": "running", "results": [], "producedValues": {}},
			"legacy": {"status": "complete", "results": [], "producedValues": {}}
		},
		"error": null
	}`)}

	e, err := newTestEngine(threePhases(), newFakeRunner(), WithStore(store))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state := e.GetState()
	if state.Phases["infra"].Status != PhaseStatusFailed {
		t.Errorf("Expected interrupted infra failed, got %s", state.Phases["infra"].Status)
	}
	if state.Error == nil || state.Error.Code != ErrCodeInterrupted {
		t.Errorf("Expected %s error, got %+v", ErrCodeInterrupted, state.Error)
	}
	if _, ok := state.Phases["legacy"]; ok {
		t.Error("Expected unknown stored phase dropped")
	}
	if state.Phases["secrets"].Status != PhaseStatusPending {
		t.Errorf("Expected missing phase added as pending, got %s", state.Phases["secrets"].Status)
	}
	if state.ProducedValues["account"] != "ops@example.com" {
		t.Errorf("Expected produced values derived on load, got %v", state.ProducedValues)
	}
	if store.saves != 1 {
		t.Errorf("Expected normalised state saved once, got %d", store.saves)
	}
}

func TestPersistence_SaveFailure(t *testing.T) {
	store := &memStore{}
	runner := newFakeRunner().on("auth status", ok("ops@example.com"))
	e, err := newTestEngine(threePhases(), runner, WithStore(store))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	store.failErr = errDiskFull
	state, err := e.RunPhase(context.Background(), "auth")
	if !HasCode(err, ErrCodeStatePersistence) {
		t.Fatalf("Expected %s, got: %v", ErrCodeStatePersistence, err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Errorf("Expected cause to be wrapped, got: %v", err)
	}
	if state.Phases["auth"].Status != PhaseStatusPending {
		t.Errorf("Expected auth left pending, got %s", state.Phases["auth"].Status)
	}
	if runner.total() != 0 {
		t.Errorf("Expected no commands before the running state is durable, got %d", runner.total())
	}
}

type transition struct {
	phase    string
	from, to PhaseStatus
}

type recordingObserver struct {
	transitions []transition
	results     int
	cleared     []string
}

func (r *recordingObserver) PhaseTransition(_ context.Context, phase string, from, to PhaseStatus) {
	r.transitions = append(r.transitions, transition{phase, from, to})
}

func (r *recordingObserver) ResourceReconciled(context.Context, string, ReconcileResult) {
	r.results++
}

func (r *recordingObserver) ErrorCleared(_ context.Context, phase string) {
	r.cleared = append(r.cleared, phase)
}

func TestObserver_Notifications(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	runner := newFakeRunner().
		on("auth status", ok("ops@example.com")).
		on("sa describe", ok("deployer")).
		on("pool describe", fail("NOT_FOUND")).
		on("pool create", fail("boom"))

	e, err := newTestEngine(threePhases(), runner, WithObserver(obs))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	_, _ = e.RunAll(ctx)
	_, _ = e.ClearError(ctx)

	expected := []transition{
		{"auth", PhaseStatusPending, PhaseStatusRunning},
		{"auth", PhaseStatusRunning, PhaseStatusComplete},
		{"infra", PhaseStatusPending, PhaseStatusRunning},
		{"infra", PhaseStatusRunning, PhaseStatusFailed},
	}
	if len(obs.transitions) != len(expected) {
		t.Fatalf("Expected %d transitions, got %d: %v", len(expected), len(obs.transitions), obs.transitions)
	}
	for i, want := range expected {
		if obs.transitions[i] != want {
			t.Errorf("Expected transition %d %v, got %v", i, want, obs.transitions[i])
		}
	}
	if obs.results != 3 {
		t.Errorf("Expected 3 results observed, got %d", obs.results)
	}
	if len(obs.cleared) != 1 || obs.cleared[0] != "infra" {
		t.Errorf("Expected error of infra cleared, got %v", obs.cleared)
	}
}

func TestGetState_IsSnapshot(t *testing.T) {
	e, err := newTestEngine(threePhases(), newFakeRunner())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	state := e.GetState()
	state.Phases["auth"].Status = PhaseStatusComplete
	state.Phases["auth"].ProducedValues["x"] = "y"

	if e.GetState().Phases["auth"].Status != PhaseStatusPending {
		t.Error("Expected engine state unaffected by snapshot mutation")
	}
}

func TestSecretsMasked(t *testing.T) {
	const secret = "s3cr3t-token"
	specs := []PhaseSpec{{
		Name: "secrets",
		Reconcilers: []ReconcilerSpec{{
			Name: "token",
			Kind: KindRemoteSecret,
			Key:  "{{ .Params.name }}",
			Parameters: map[string]string{
				"name":  "DEPLOY_TOKEN",
				"value": "{{ .Values.token }}",
			},
			Create: &CommandTemplate{Args: []string{"gh", "secret", "set", "{{ .Params.name }}", "--body", "{{ .Params.value }}"}},
		}},
	}}
	runner := newFakeRunner().
		on("gh secret set DEPLOY_TOKEN --body "+secret, fail("HTTP 422: could not store "+secret))

	e, err := newTestEngine(specs, runner, WithInputs(map[string]string{"token": secret}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	plan := e.Plan()
	if len(plan) != 1 {
		t.Fatalf("Expected 1 planned reconcile, got %d", len(plan))
	}
	if strings.Contains(plan[0].Create.String(), secret) {
		t.Errorf("Expected plan to mask the secret, got %q", plan[0].Create.String())
	}
	if plan[0].Resource.Parameters["value"] != maskedValue {
		t.Errorf("Expected masked parameter, got %q", plan[0].Resource.Parameters["value"])
	}

	state, err := e.RunPhase(context.Background(), "secrets")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	result := state.Phases["secrets"].Results[0]
	if strings.Contains(result.Detail, secret) || strings.Contains(state.Error.Message, secret) {
		t.Errorf("Expected failure detail masked, got %q", result.Detail)
	}
	if result.Resource.Parameters["value"] != maskedValue {
		t.Errorf("Expected masked parameter in result, got %q", result.Resource.Parameters["value"])
	}
}

func TestPlan_Placeholders(t *testing.T) {
	specs := []PhaseSpec{
		{
			Name: "infra",
			Reconcilers: []ReconcilerSpec{{
				Name:     "sa",
				Kind:     KindGeneric,
				Key:      "deployer",
				Create:   &CommandTemplate{Args: []string{"sa", "create", "deployer"}},
				Produces: map[string]ValueSource{"sa_email": {Template: "{{ .Key }}@demo.iam.gserviceaccount.com"}},
			}},
		},
		{
			Name:      "bind",
			DependsOn: []string{"infra"},
			Reconcilers: []ReconcilerSpec{
				generic("binding", "{{ .Values.sa_email }}", nil, []string{"bind", "{{ .Values.sa_email }}"}),
				generic("broken", "x", nil, []string{"use", "{{ .Values.nowhere }}"}),
			},
		},
	}
	e, err := newTestEngine(specs, newFakeRunner())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	plan := e.Plan()
	if len(plan) != 3 {
		t.Fatalf("Expected 3 planned reconciles, got %d", len(plan))
	}
	if got := plan[1].Create.String(); got != "bind <sa_email>" {
		t.Errorf("Expected placeholder, got %q", got)
	}
	if plan[0].Produces[0] != "sa_email" {
		t.Errorf("Expected produced key listed, got %v", plan[0].Produces)
	}
	if plan[2].Error == "" {
		t.Error("Expected render error for a value nobody produces")
	}
}
