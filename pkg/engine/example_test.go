package engine_test

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// Example_workflow runs a two-phase workflow against a scripted runner that
// behaves like a CLI which refuses to create a resource twice.
func Example_workflow() {
	created := map[string]bool{}
	runner := engine.CommandRunnerFunc(func(_ context.Context, args []string, _ time.Duration) engine.CommandResult {
		switch args[0] {
		case "whoami":
			return engine.CommandResult{Stdout: "ops@example.com"}
		case "create":
			if created[args[1]] {
				return engine.CommandResult{ExitCode: 1, Stderr: "ERROR: " + args[1] + " already exists"}
			}
			created[args[1]] = true
			return engine.CommandResult{Stdout: "created " + args[1]}
		}
		return engine.CommandResult{ExitCode: 127, Stderr: "unknown command"}
	})

	specs := []engine.PhaseSpec{
		{
			Name: "auth",
			Reconcilers: []engine.ReconcilerSpec{{
				Name:     "session",
				Kind:     engine.KindGeneric,
				Key:      "session",
				Exists:   &engine.CommandTemplate{Args: []string{"whoami"}},
				Produces: map[string]engine.ValueSource{"account": {Template: "{{ trim .Stdout }}"}},
			}},
		},
		{
			Name:      "infra",
			DependsOn: []string{"auth"},
			Reconcilers: []engine.ReconcilerSpec{{
				Name:   "bucket",
				Kind:   engine.KindGeneric,
				Key:    "{{ .Values.project }}-artifacts",
				Create: &engine.CommandTemplate{Args: []string{"create", "{{ .Key }}", "--owner={{ .Values.account }}"}},
			}},
		},
	}

	ctx := context.Background()
	e, err := engine.New(ctx, specs, runner, engine.WithInputs(map[string]string{"project": "demo"}))
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	if _, err := e.RunPhase(ctx, "infra"); engine.IsPreconditionNotMet(err) {
		fmt.Println("infra blocked until auth completes")
	}

	state, _ := e.RunAll(ctx)
	fmt.Println("bucket:", state.Phases["infra"].Results[0].Outcome)

	// Start over: every resource is detected as already present.
	_, _ = e.ResetAll(ctx)
	state, _ = e.RunAll(ctx)
	fmt.Println("bucket:", state.Phases["infra"].Results[0].Outcome)
	fmt.Println("account:", state.ProducedValues["account"])

	// Output:
	// infra blocked until auth completes
	// bucket: created
	// bucket: already_present
	// account: ops@example.com
}

// ExamplePhaseGraph_Dependents shows which phases a reset cascades to.
func ExamplePhaseGraph_Dependents() {
	graph, err := engine.NewPhaseGraph([]engine.PhaseSpec{
		{Name: "auth"},
		{Name: "infra", DependsOn: []string{"auth"}},
		{Name: "github", DependsOn: []string{"auth"}},
		{Name: "secrets", DependsOn: []string{"infra", "github"}},
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println("order:", strings.Join(graph.Order(), " -> "))
	fmt.Println("reset infra also resets:", graph.Dependents("infra"))
	fmt.Println("reset auth also resets:", graph.Dependents("auth"))

	// Output:
	// order: auth -> infra -> github -> secrets
	// reset infra also resets: [secrets]
	// reset auth also resets: [infra github secrets]
}
