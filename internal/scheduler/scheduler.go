// Package scheduler turns the entity catalog's dependency graph into an
// execution plan: a total order plus waves of entities safe to process in
// parallel.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rowplane/rowplane/catalog"
)

// ErrCyclicDependency indicates the catalog's dependency graph has a cycle.
// Fatal: no partial plan is returned.
var ErrCyclicDependency = errors.New("cyclic dependency")

// Plan is a valid execution order over the catalog's entities
type Plan struct {
	// Order lists every entity after all of its transitive dependencies.
	Order []string

	// Waves groups the order into sets of entities with no dependency
	// relationship among them; each wave may be processed in parallel once
	// all previous waves have completed.
	Waves [][]string
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// BuildPlan computes a deterministic topological order of the catalog's
// entities and groups them into waves. Ties among unconstrained entities are
// broken by ascending entity name so repeated runs produce identical plans.
func BuildPlan(cat *catalog.Catalog) (*Plan, error) {
	names := make([]string, 0, cat.Len())
	deps := make(map[string][]string, cat.Len())
	for _, e := range cat.Entities() {
		names = append(names, e.Name)
		d, err := cat.DependenciesOf(e.Name)
		if err != nil {
			return nil, err
		}
		deps[e.Name] = d
	}
	sort.Strings(names)

	state := make(map[string]visitState, len(names))
	var order []string
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			// Trim the stack to the cycle members for the error message
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, stack[start:]...), name)
			return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))
		}

		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return &Plan{
		Order: order,
		Waves: buildWaves(order, deps),
	}, nil
}

// buildWaves assigns each entity to wave 1 + max(wave of its dependencies).
// Entities in the same wave have no dependency path between them.
func buildWaves(order []string, deps map[string][]string) [][]string {
	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, name := range order {
		d := 0
		for _, dep := range deps[name] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	waves := make([][]string, maxDepth+1)
	for _, name := range order {
		waves[depth[name]] = append(waves[depth[name]], name)
	}
	for _, wave := range waves {
		sort.Strings(wave)
	}
	return waves
}
