package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// fakeRunner replays scripted results keyed by the joined argv. The last
// scripted result for a command repeats. Unscripted commands exit 127.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string][]CommandResult
	calls     map[string]int
	log       []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string][]CommandResult),
		calls:     make(map[string]int),
	}
}

func (f *fakeRunner) on(cmd string, results ...CommandResult) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmd] = append(f.responses[cmd], results...)
	return f
}

// set replaces the script of cmd.
func (f *fakeRunner) set(cmd string, results ...CommandResult) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmd] = results
	return f
}

func (f *fakeRunner) Run(_ context.Context, args []string, _ time.Duration) CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.Join(args, " ")
	f.calls[key]++
	f.log = append(f.log, key)

	queue := f.responses[key]
	if len(queue) == 0 {
		return CommandResult{ExitCode: 127, Stderr: "unexpected command: " + key}
	}
	result := queue[0]
	if len(queue) > 1 {
		f.responses[key] = queue[1:]
	}
	return result
}

func (f *fakeRunner) count(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[cmd]
}

func (f *fakeRunner) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.log)
}

func ok(stdout string) CommandResult {
	return CommandResult{Stdout: stdout, Duration: time.Millisecond}
}

func fail(stderr string) CommandResult {
	return CommandResult{ExitCode: 1, Stderr: stderr, Duration: time.Millisecond}
}

func timedOut() CommandResult {
	return CommandResult{ExitCode: -1, TimedOut: true, Duration: 30 * time.Second}
}

// memStore keeps the state as a JSON document so every save and load goes
// through the persisted form.
type memStore struct {
	mu      sync.Mutex
	doc     []byte
	saves   int
	failErr error
}

func (m *memStore) Load(context.Context) (*ProvisioningState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil, nil
	}
	var state ProvisioningState
	if err := json.Unmarshal(m.doc, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *memStore) Save(_ context.Context, state *ProvisioningState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	doc, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.doc = doc
	m.saves++
	return nil
}

var errDiskFull = errors.New("disk full")

func fastVerify() VerifyPolicy {
	return VerifyPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
		Jitter:          0,
		MaxElapsed:      time.Second,
	}
}

func generic(name, key string, exists, create []string) ReconcilerSpec {
	rs := ReconcilerSpec{Name: name, Kind: KindGeneric, Key: key}
	if exists != nil {
		rs.Exists = &CommandTemplate{Args: exists}
	}
	if create != nil {
		rs.Create = &CommandTemplate{Args: create}
	}
	return rs
}

// threePhases is auth -> infra -> secrets.
func threePhases() []PhaseSpec {
	return []PhaseSpec{
		{
			Name: "auth",
			Reconcilers: []ReconcilerSpec{
				generic("login", "session", []string{"auth", "status"}, nil),
			},
		},
		{
			Name:      "infra",
			DependsOn: []string{"auth"},
			Reconcilers: []ReconcilerSpec{
				generic("sa", "deployer", []string{"sa", "describe"}, []string{"sa", "create"}),
				generic("pool", "github-pool", []string{"pool", "describe"}, []string{"pool", "create"}),
			},
		},
		{
			Name:      "secrets",
			DependsOn: []string{"infra"},
			Reconcilers: []ReconcilerSpec{
				generic("secret", "GCP_PROJECT_ID", nil, []string{"secret", "set"}),
			},
		},
	}
}

func newTestEngine(specs []PhaseSpec, runner CommandRunner, opts ...Option) (*Engine, error) {
	opts = append([]Option{WithReconcilerOptions(WithVerifyPolicy(fastVerify()))}, opts...)
	return New(context.Background(), specs, runner, opts...)
}
