package engine

import (
	"fmt"
	"sort"
	"strings"
)

// PhaseGraph is the static dependency graph between phases. It is built once
// at engine construction and never mutated.
type PhaseGraph struct {
	// names lists phases in declaration order
	names []string

	// index maps a phase name to its declaration position
	index map[string]int

	// dependencies maps a phase to the phases it depends on
	dependencies map[string][]string

	// adjacencyList maps a phase to the phases that depend on it directly
	adjacencyList map[string][]string

	// dependents maps a phase to every phase that transitively depends on it,
	// in execution order
	dependents map[string][]string

	// order is the topological execution order
	order []string

	// levels groups phases by dependency depth
	levels [][]string
}

// NewPhaseGraph validates the phase declarations and computes the execution
// order and the reverse-dependency closure.
func NewPhaseGraph(specs []PhaseSpec) (*PhaseGraph, error) {
	g := &PhaseGraph{
		index:         make(map[string]int, len(specs)),
		dependencies:  make(map[string][]string, len(specs)),
		adjacencyList: make(map[string][]string, len(specs)),
		dependents:    make(map[string][]string, len(specs)),
	}

	if err := g.initialize(specs); err != nil {
		return nil, err
	}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	if err := g.computeOrder(); err != nil {
		return nil, err
	}
	g.computeDependents()

	return g, nil
}

// initialize indexes the phases and builds adjacency lists.
func (g *PhaseGraph) initialize(specs []PhaseSpec) error {
	if len(specs) == 0 {
		return NewPermanentError("workflow has no phases", nil).
			WithCode(ErrCodeValidation)
	}

	for i, spec := range specs {
		if spec.Name == "" {
			return NewPermanentError(fmt.Sprintf("phase %d has empty name", i), nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := g.index[spec.Name]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate phase name: %s", spec.Name), nil).
				WithCode(ErrCodeValidation)
		}
		g.index[spec.Name] = i
		g.names = append(g.names, spec.Name)
		g.adjacencyList[spec.Name] = make([]string, 0)
	}

	for _, spec := range specs {
		seen := make(map[string]bool, len(spec.DependsOn))
		deps := make([]string, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			if dep == spec.Name {
				return NewPermanentError(fmt.Sprintf("phase %s depends on itself", spec.Name), nil).
					WithCode(ErrCodeValidation).WithResource(spec.Name)
			}
			if _, exists := g.index[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("phase %s depends on non-existent phase %s", spec.Name, dep),
					nil,
				).WithCode(ErrCodeValidation).WithResource(spec.Name)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.adjacencyList[dep] = append(g.adjacencyList[dep], spec.Name)
		}
		g.dependencies[spec.Name] = deps
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (g *PhaseGraph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, name := range g.names {
		if visited[name] {
			continue
		}
		if cycle := g.detectCyclesUtil(name, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeValidation)
		}
	}

	return nil
}

// detectCyclesUtil walks dependents and returns the cycle path if one exists.
func (g *PhaseGraph) detectCyclesUtil(name string, visited, recStack map[string]bool, path []string) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range g.adjacencyList[name] {
		if !visited[dependent] {
			if cycle := g.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// computeOrder runs Kahn's algorithm. Ties are broken by declaration order so
// the execution order is deterministic and matches the declaration whenever
// the declaration is already a valid order.
func (g *PhaseGraph) computeOrder() error {
	inDegree := make(map[string]int, len(g.names))
	depth := make(map[string]int, len(g.names))
	for _, name := range g.names {
		inDegree[name] = len(g.dependencies[name])
	}

	ready := make([]string, 0)
	for _, name := range g.names {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return g.index[ready[i]] < g.index[ready[j]] })
		name := ready[0]
		ready = ready[1:]
		g.order = append(g.order, name)

		if depth[name] >= len(g.levels) {
			g.levels = append(g.levels, make([]string, 0))
		}
		g.levels[depth[name]] = append(g.levels[depth[name]], name)

		for _, dependent := range g.adjacencyList[name] {
			if depth[name]+1 > depth[dependent] {
				depth[dependent] = depth[name] + 1
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(g.order) != len(g.names) {
		return NewPermanentError("failed to order all phases - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// computeDependents precomputes the transitive reverse-dependency closure of
// every phase so Reset never walks the graph ad hoc.
func (g *PhaseGraph) computeDependents() {
	position := make(map[string]int, len(g.order))
	for i, name := range g.order {
		position[name] = i
	}

	for _, name := range g.names {
		seen := map[string]bool{name: true}
		stack := append([]string{}, g.adjacencyList[name]...)
		closure := make([]string, 0)
		for len(stack) > 0 {
			next := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[next] {
				continue
			}
			seen[next] = true
			closure = append(closure, next)
			stack = append(stack, g.adjacencyList[next]...)
		}
		sort.Slice(closure, func(i, j int) bool { return position[closure[i]] < position[closure[j]] })
		g.dependents[name] = closure
	}
}

// Has reports whether name is a phase of the graph.
func (g *PhaseGraph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Names returns the phases in declaration order.
func (g *PhaseGraph) Names() []string {
	return append([]string{}, g.names...)
}

// Order returns the phases in topological execution order.
func (g *PhaseGraph) Order() []string {
	return append([]string{}, g.order...)
}

// Levels returns phases grouped by dependency depth.
func (g *PhaseGraph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]string{}, level...)
	}
	return out
}

// DependsOn returns the direct dependencies of a phase.
func (g *PhaseGraph) DependsOn(name string) []string {
	return append([]string{}, g.dependencies[name]...)
}

// DirectDependents returns the phases that list name in their dependsOn.
func (g *PhaseGraph) DirectDependents(name string) []string {
	return append([]string{}, g.adjacencyList[name]...)
}

// Dependents returns every phase that transitively depends on name, in
// execution order.
func (g *PhaseGraph) Dependents(name string) []string {
	return append([]string{}, g.dependents[name]...)
}

// ToDOT generates a DOT representation of the phase graph. Phases are filled
// according to their status when statuses is non-nil.
func (g *PhaseGraph) ToDOT(statuses map[string]PhaseStatus) string {
	var sb strings.Builder

	sb.WriteString("digraph Workflow {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			status := PhaseStatusPending
			if statuses != nil {
				if s, ok := statuses[name]; ok {
					status = s
				}
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, name, status, getStatusColor(status)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range g.order {
		for _, dep := range g.dependencies[name] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getStatusColor returns a color for visualizing phase status.
func getStatusColor(s PhaseStatus) string {
	switch s {
	case PhaseStatusComplete:
		return "lightgreen"
	case PhaseStatusRunning:
		return "lightblue"
	case PhaseStatusFailed:
		return "lightcoral"
	default:
		return "lightgray"
	}
}
