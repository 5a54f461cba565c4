// Package graph orders a task's scenarios by dependency and rejects
// dependency cycles. Skip propagation itself is done by the executor, which
// walks this order and consults each scenario's depends_on set.
package graph

import (
	"fmt"

	"github.com/cuemby/apitester/pkg/types"
)

// Graph is the adjacency-list dependency graph over one task's scenarios,
// keyed by scenario ID. depends_on is treated as a set of prerequisite IDs,
// not a single value — a scenario can legitimately wait on more than one
// predecessor.
type Graph struct {
	order []string
	deps  map[string]map[string]struct{}
	index map[string]types.Scenario
}

// Build constructs the graph from a task's scenario list. It returns an
// error if a scenario names a depends_on ID that is not present in the
// task, or if the dependencies form a cycle.
func Build(scenarios []types.Scenario) (*Graph, error) {
	g := &Graph{
		deps:  make(map[string]map[string]struct{}, len(scenarios)),
		index: make(map[string]types.Scenario, len(scenarios)),
	}

	for _, s := range scenarios {
		if _, dup := g.index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate scenario id %q", s.ID)
		}
		g.index[s.ID] = s
		set := make(map[string]struct{}, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			set[dep] = struct{}{}
		}
		g.deps[s.ID] = set
	}

	for id, deps := range g.deps {
		for dep := range deps {
			if _, ok := g.index[dep]; !ok {
				return nil, fmt.Errorf("scenario %q depends on unknown scenario %q", id, dep)
			}
		}
	}

	order, err := topoSort(g.index, g.deps)
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// Order returns scenario IDs in an order where every scenario appears after
// all of its dependencies.
func (g *Graph) Order() []string {
	return g.order
}

// Scenario looks up a scenario by ID.
func (g *Graph) Scenario(id string) types.Scenario {
	return g.index[id]
}

// DependsOn returns the set of scenario IDs id directly depends on.
func (g *Graph) DependsOn(id string) map[string]struct{} {
	return g.deps[id]
}

// topoSort runs Kahn's algorithm over the dependency edges (dep -> id),
// breaking ties by lexical order of scenario ID so that output is
// deterministic for a fixed input task. Declaration order is not consulted.
func topoSort(index map[string]types.Scenario, deps map[string]map[string]struct{}) ([]string, error) {
	// indegree[id] counts how many prerequisites id has.
	indegree := make(map[string]int, len(index))
	for id, set := range deps {
		indegree[id] = len(set)
	}

	// children[dep] = scenarios that depend on dep.
	children := make(map[string][]string, len(index))
	for id, set := range deps {
		for dep := range set {
			children[dep] = append(children[dep], id)
		}
	}

	var ready []string
	for id := range index {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sortStable(ready)

	var order []string
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		newlyReady := make([]string, 0)
		for _, child := range children[next] {
			indegree[child]--
			if indegree[child] == 0 {
				newlyReady = append(newlyReady, child)
			}
		}
		sortStable(newlyReady)
		ready = append(ready, newlyReady...)
		sortStable(ready)
	}

	if len(order) != len(index) {
		return nil, fmt.Errorf("scenario dependency graph contains a cycle")
	}

	return order, nil
}

// sortStable performs a simple insertion sort; the scenario count per task
// is small enough that this is clearer than importing sort for a one-line
// comparator.
func sortStable(ids []string) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
