package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// statusReport is the --json form of `phasegate status`.
type statusReport struct {
	Workflow string                     `json:"workflow"`
	Progress engine.Progress            `json:"progress"`
	Phases   []phaseReport              `json:"phases"`
	Error    *engine.ErrorState         `json:"error,omitempty"`
	Values   map[string]string          `json:"values,omitempty"`
	Results  map[string][]resultSummary `json:"results,omitempty"`
}

type phaseReport struct {
	Name      string             `json:"name"`
	Status    engine.PhaseStatus `json:"status"`
	DependsOn []string           `json:"dependsOn,omitempty"`
	Runnable  bool               `json:"runnable"`
	Unmet     []string           `json:"unmet,omitempty"`
}

type resultSummary struct {
	Reconciler string         `json:"reconciler"`
	Kind       string         `json:"kind"`
	Key        string         `json:"key"`
	Outcome    engine.Outcome `json:"outcome"`
	Code       string         `json:"code,omitempty"`
	Detail     string         `json:"detail,omitempty"`
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// buildReport summarises state in execution order.
func buildReport(name string, graph *engine.PhaseGraph, state *engine.ProvisioningState, detailed bool) statusReport {
	r := statusReport{
		Workflow: name,
		Progress: progressOf(graph, state),
		Error:    state.Error,
		Values:   state.ProducedValues,
	}
	if detailed {
		r.Results = map[string][]resultSummary{}
	}

	for _, phase := range graph.Order() {
		status := statusOf(state, phase)
		var unmet []string
		for _, dep := range graph.DependsOn(phase) {
			if statusOf(state, dep) != engine.PhaseStatusComplete {
				unmet = append(unmet, dep)
			}
		}
		r.Phases = append(r.Phases, phaseReport{
			Name:      phase,
			Status:    status,
			DependsOn: graph.DependsOn(phase),
			Runnable:  len(unmet) == 0 && status.IsRunnable(),
			Unmet:     unmet,
		})

		if ps := state.Phase(phase); detailed && ps != nil {
			for _, res := range ps.Results {
				r.Results[phase] = append(r.Results[phase], resultSummary{
					Reconciler: res.Reconciler,
					Kind:       string(res.Resource.Kind),
					Key:        res.Resource.Key,
					Outcome:    res.Outcome,
					Code:       res.Code,
					Detail:     res.Detail,
				})
			}
		}
	}
	return r
}

// progressOf mirrors Engine.Progress for states read back from a store.
func progressOf(graph *engine.PhaseGraph, state *engine.ProvisioningState) engine.Progress {
	p := engine.Progress{Total: len(graph.Order())}
	for _, name := range graph.Order() {
		switch statusOf(state, name) {
		case engine.PhaseStatusComplete:
			p.Completed++
			continue
		case engine.PhaseStatusFailed:
			p.Failed++
		}
		if p.Current == "" {
			p.Current = name
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

// statusOf treats phases missing from a stored document as pending.
func statusOf(state *engine.ProvisioningState, name string) engine.PhaseStatus {
	if ps := state.Phase(name); ps != nil {
		return ps.Status
	}
	return engine.PhaseStatusPending
}

func statusSymbol(s engine.PhaseStatus) string {
	switch s {
	case engine.PhaseStatusComplete:
		return "✓"
	case engine.PhaseStatusFailed:
		return "✗"
	case engine.PhaseStatusRunning:
		return "…"
	default:
		return "·"
	}
}

func printReport(w io.Writer, r statusReport) {
	fmt.Fprintf(w, "Workflow %s: %d/%d phases complete (%.0f%%)\n\n",
		r.Workflow, r.Progress.Completed, r.Progress.Total, r.Progress.Percentage)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tPHASE\tSTATUS\tDEPENDS ON\tNOTE")
	for _, p := range r.Phases {
		note := ""
		switch {
		case len(p.Unmet) > 0 && p.Status != engine.PhaseStatusComplete:
			note = "waiting for " + strings.Join(p.Unmet, ", ")
		case p.Runnable:
			note = "ready"
		}
		deps := strings.Join(p.DependsOn, ", ")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", statusSymbol(p.Status), p.Name, p.Status, deps, note)
	}
	tw.Flush()

	if len(r.Values) > 0 {
		fmt.Fprintln(w, "\nValues:")
		keys := make([]string, 0, len(r.Values))
		for k := range r.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", k, r.Values[k])
		}
	}

	if len(r.Results) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PHASE\tRECONCILER\tKIND\tOUTCOME\tDETAIL")
		for _, p := range r.Phases {
			for _, res := range r.Results[p.Name] {
				detail := res.Detail
				if res.Code != "" {
					detail = res.Code + ": " + detail
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, res.Reconciler, res.Kind, res.Outcome, truncate(detail, 80))
			}
		}
		tw.Flush()
	}

	if r.Error != nil {
		printError(w, r.Error)
	}
}

func printError(w io.Writer, e *engine.ErrorState) {
	fmt.Fprintf(w, "\nPhase %s failed", e.Phase)
	if e.Reconciler != "" {
		fmt.Fprintf(w, " at %s", e.Reconciler)
	}
	if e.Code != "" {
		fmt.Fprintf(w, " [%s]", e.Code)
	}
	fmt.Fprintf(w, ": %s\n", e.Message)
	if e.Guidance != "" {
		fmt.Fprintf(w, "  %s\n", e.Guidance)
	}
	if e.RetrySafe {
		fmt.Fprintf(w, "  Re-run with: phasegate run %s\n", e.Phase)
	} else {
		fmt.Fprintf(w, "  Not safe to retry unchanged. Fix the cause, then: phasegate run %s\n", e.Phase)
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
