// Package plan implements the plan emitter (C6): it converts a resolved
// Assignment into an installation-ordered sequence of records, such that
// every dependency precedes its dependents, breaking cycles
// deterministically rather than hanging.
package plan

import (
	"context"
	"fmt"
	"sort"

	"github.com/bilusteknoloji/pipdep/internal/engine"
	"github.com/bilusteknoloji/pipdep/internal/requirement"
)

// Entry is one record in the emitted plan.
type Entry struct {
	Package         requirement.Name
	Version         string
	Yanked          bool
	Vulnerabilities int
}

// DependencyLister fetches a release's raw requires_dist strings, same
// role it plays for the engine.
type DependencyLister interface {
	Dependencies(ctx context.Context, name requirement.Name, ver string) ([]string, error)
}

// color marks a node's state during the depth-first traversal.
type color int

const (
	unvisited color = iota
	onStack
	done
)

// Emit builds the solution-restricted dependency graph from assignment —
// for each assigned package, its dependencies after marker evaluation,
// restricted to names also present in the assignment — then topologically
// sorts it. A dependency edge back to an on-stack node is dropped rather
// than followed, breaking cycles; the order within a cycle then falls out
// of first-visit order.
func Emit(ctx context.Context, assignment engine.Assignment, deps DependencyLister, env requirement.Environment) ([]Entry, error) {
	edges, err := buildEdges(ctx, assignment, deps, env)
	if err != nil {
		return nil, err
	}

	names := make([]requirement.Name, 0, len(assignment))
	for name := range assignment {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	colors := make(map[requirement.Name]color, len(names))
	var order []requirement.Name

	var dfs func(requirement.Name)
	dfs = func(name requirement.Name) {
		colors[name] = onStack

		for _, dep := range edges[name] {
			switch colors[dep] {
			case unvisited:
				dfs(dep)
			case onStack:
				continue // cycle edge: drop it, do not follow
			case done:
				continue
			}
		}

		colors[name] = done
		order = append(order, name)
	}

	for _, name := range names {
		if colors[name] == unvisited {
			dfs(name)
		}
	}

	entries := make([]Entry, 0, len(order))

	for _, name := range order {
		c := assignment[name]
		entries = append(entries, Entry{
			Package:         name,
			Version:         c.Version.String(),
			Yanked:          c.Yanked,
			Vulnerabilities: c.Risk,
		})
	}

	return entries, nil
}

// buildEdges resolves, for each assigned package, which of its
// marker-surviving dependencies are also present in the assignment.
// Dependencies that are not (optional or extras-conditional and never
// chosen) are dropped from the graph entirely.
func buildEdges(ctx context.Context, assignment engine.Assignment, deps DependencyLister, env requirement.Environment) (map[requirement.Name][]requirement.Name, error) {
	edges := make(map[requirement.Name][]requirement.Name, len(assignment))

	for name, c := range assignment {
		raw, err := deps.Dependencies(ctx, name, c.Version.String())
		if err != nil {
			return nil, fmt.Errorf("listing dependencies for %s %s: %w", name, c.Version.String(), err)
		}

		var names []requirement.Name

		for _, r := range raw {
			req, err := requirement.Parse(r)
			if err != nil {
				continue
			}

			if !requirement.EvalMarker(req.Marker, env) {
				continue
			}

			if _, ok := assignment[req.Name]; ok {
				names = append(names, req.Name)
			}
		}

		edges[name] = names
	}

	return edges, nil
}
