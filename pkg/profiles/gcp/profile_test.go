package gcp

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/phasegate/pkg/config"
	"github.com/openfroyo/phasegate/pkg/engine"
	"github.com/openfroyo/phasegate/pkg/policy"
)

const describeJSON = `{
  "name": "projects/123456/locations/global/workloadIdentityPools/github-pool",
  "projectNumber": "123456",
  "nameWithOwner": "acme/web",
  "defaultBranchRef": {"name": "main"}
}`

// fakeCLI answers gcloud and gh like an already authenticated workstation:
// describe calls return JSON, list calls echo their filter and everything
// else succeeds.
type fakeCLI struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeCLI) Run(_ context.Context, args []string, _ time.Duration) engine.CommandResult {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()

	joined := strings.Join(args, " ")
	switch {
	case strings.HasPrefix(joined, "gcloud auth list"):
		return engine.CommandResult{Stdout: "dev@example.com\n"}
	case strings.Contains(joined, "--format=json"), strings.HasPrefix(joined, "gh repo view"):
		return engine.CommandResult{Stdout: describeJSON}
	default:
		return engine.CommandResult{Stdout: joined}
	}
}

func (f *fakeCLI) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(strings.Join(c, " "), prefix) {
			n++
		}
	}
	return n
}

func testInputs() map[string]string {
	return map[string]string{"project": "demo-project", "repo": "acme/web"}
}

func TestWorkflowIsValid(t *testing.T) {
	loader, err := config.NewWorkflowLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	for _, opts := range []Options{DefaultOptions(), {Roles: []string{"roles/run.admin"}, APIs: []string{"run.googleapis.com"}}} {
		wf := Workflow(opts)
		if errs := loader.Validate(wf); len(errs) > 0 {
			t.Fatalf("Expected valid workflow, got %v", errs)
		}
	}
}

func TestWorkflowPhases(t *testing.T) {
	wf := Workflow(DefaultOptions())
	want := []string{"auth", "github", "infra", "secrets"}
	if got := wf.PhaseNames(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Expected phases %v, got %v", want, got)
	}

	specs, err := wf.PhaseSpecs()
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}
	graph, err := engine.NewPhaseGraph(specs)
	if err != nil {
		t.Fatalf("Failed to build graph: %v", err)
	}
	if deps := graph.DependsOn("secrets"); len(deps) != 2 {
		t.Errorf("Expected secrets to depend on infra and github, got %v", deps)
	}

	infra := wf.Phases[2]
	wantInfra := len(DefaultAPIs) + 3 + len(DefaultRoles) + 2
	if len(infra.Reconcilers) != wantInfra {
		t.Errorf("Expected %d infra reconcilers, got %d", wantInfra, len(infra.Reconcilers))
	}

	noGitHub := Workflow(Options{Roles: DefaultRoles, APIs: DefaultAPIs})
	if len(noGitHub.Phases) != 3 {
		t.Errorf("Expected 3 phases without the repository check, got %d", len(noGitHub.Phases))
	}
	if deps := noGitHub.Phases[2].DependsOn; len(deps) != 1 || deps[0] != "infra" {
		t.Errorf("Expected secrets to depend on infra only, got %v", deps)
	}
}

func TestWorkflowRoundTripsThroughYAML(t *testing.T) {
	data, err := yaml.Marshal(Workflow(DefaultOptions()))
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	loader, err := config.NewWorkflowLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	wf, err := loader.ParseYAML(data, "gcp.yaml")
	if err != nil {
		t.Fatalf("Failed to parse emitted workflow: %v", err)
	}
	if len(wf.Phases) != 4 {
		t.Errorf("Expected 4 phases, got %d", len(wf.Phases))
	}
}

func TestCheckInputs(t *testing.T) {
	tests := []struct {
		name    string
		inputs  map[string]string
		wantErr string
	}{
		{"complete", testInputs(), ""},
		{"missing both", map[string]string{}, "project, repo"},
		{"blank project", map[string]string{"project": " ", "repo": "acme/web"}, "project"},
		{"repo without owner", map[string]string{"project": "p", "repo": "web"}, "owner/name"},
		{"repo with trailing slash", map[string]string{"project": "p", "repo": "acme/"}, "owner/name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckInputs(tt.inputs)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRunAll(t *testing.T) {
	wf := Workflow(DefaultOptions())
	specs, err := wf.PhaseSpecs()
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}

	guard, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}

	cli := &fakeCLI{}
	eng, err := engine.New(context.Background(), specs, cli,
		engine.WithInputs(wf.MergeInputs(testInputs())),
		engine.WithGuard(guard),
	)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	state, err := eng.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if state.Error != nil {
		t.Fatalf("Expected no error, got %+v", state.Error)
	}
	for _, name := range wf.PhaseNames() {
		if got := state.Phases[name].Status; got != engine.PhaseStatusComplete {
			t.Errorf("Expected phase %s complete, got %s", name, got)
		}
	}

	produced := state.ProducedValues
	want := map[string]string{
		"gcloud_account":             "dev@example.com",
		"project_number":             "123456",
		"default_branch":             "main",
		"service_account_email":      "github-deployer@demo-project.iam.gserviceaccount.com",
		"workload_identity_provider": "projects/123456/locations/global/workloadIdentityPools/github-pool",
		"registry_url":               "us-central1-docker.pkg.dev/demo-project/containers",
	}
	for k, v := range want {
		if produced[k] != v {
			t.Errorf("Expected %s=%q, got %q", k, v, produced[k])
		}
	}

	// The federation binding is not listed by the fake, so it is created.
	if n := cli.count("gcloud iam service-accounts add-iam-policy-binding"); n != 1 {
		t.Errorf("Expected 1 workload identity binding, got %d", n)
	}
	if n := cli.count("gcloud services enable"); n != 0 {
		t.Errorf("Expected enabled APIs to be skipped, got %d enable calls", n)
	}
	if n := cli.count("gh secret set"); n != len(Secrets) {
		t.Errorf("Expected %d secrets set, got %d", len(Secrets), n)
	}

	for _, r := range state.Phases["secrets"].Results {
		if r.Outcome != engine.OutcomeCreated {
			t.Errorf("Expected %s created, got %s", r.Reconciler, r.Outcome)
		}
		if v := r.Resource.Parameters["value"]; v != "********" {
			t.Errorf("Expected %s value masked, got %q", r.Reconciler, v)
		}
	}
}

func TestDeniedRoleStopsInfra(t *testing.T) {
	opts := DefaultOptions()
	opts.Roles = append(opts.Roles, "roles/owner")
	wf := Workflow(opts)
	specs, err := wf.PhaseSpecs()
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}

	guard, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}

	cli := &fakeCLI{}
	eng, err := engine.New(context.Background(), specs, cli,
		engine.WithInputs(wf.MergeInputs(testInputs())),
		engine.WithGuard(guard),
	)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	state, err := eng.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if state.Error == nil || state.Error.Code != engine.ErrCodePolicyDenied {
		t.Fatalf("Expected POLICY_DENIED, got %+v", state.Error)
	}
	if state.Error.Reconciler != "role-owner" {
		t.Errorf("Expected role-owner to be denied, got %s", state.Error.Reconciler)
	}
	if got := state.Phases["secrets"].Status; got != engine.PhaseStatusPending {
		t.Errorf("Expected secrets pending, got %s", got)
	}
	if n := cli.count("gh secret set"); n != 0 {
		t.Errorf("Expected no secrets set, got %d", n)
	}
}
