// Package topo implements Kahn's algorithm over the schema dependency
// graph used to order subjects fetched from the schema registry so that
// referenced schemas sort before their referencers.
//
// Grounded on sql/export/export.go's tableDepsMet + dependency-ordered
// pop loop (x.read's table-selection loop walks a dependency map picking
// nodes whose deps are already satisfied), generalized into a standalone,
// reusable topological sort instead of being inlined into one read loop.
package topo

import (
	"fmt"
)

// ErrCycle is returned when the graph is not a DAG.
type ErrCycle struct {
	Remaining []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("topo: cycle detected, unresolved nodes: %v", e.Remaining)
}

// Sort computes a topological ordering of graph, where graph[a] lists the
// nodes a depends on (edge a -> b means a sorts before b: every node gets a
// lower ordinal than the nodes it depends on). It returns a map from node
// to its ordinal position (0 = first), with ties among roots broken by Go's
// map iteration order, which is not deterministic. An error is returned if
// graph contains a cycle.
func Sort[N comparable](graph map[N][]N) (map[N]int, error) {
	referencedBy := make(map[N]map[N]struct{}, len(graph))
	allNodes := make(map[N]struct{}, len(graph))

	for a, deps := range graph {
		allNodes[a] = struct{}{}
		for _, b := range deps {
			allNodes[b] = struct{}{}
			if referencedBy[b] == nil {
				referencedBy[b] = make(map[N]struct{})
			}
			referencedBy[b][a] = struct{}{}
		}
	}

	var queue []N
	for n := range allNodes {
		if len(referencedBy[n]) == 0 {
			queue = append(queue, n)
		}
	}

	order := make(map[N]int, len(allNodes))
	next := 0
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		order[u] = next
		next++

		for _, v := range graph[u] {
			delete(referencedBy[v], u)
			if len(referencedBy[v]) == 0 {
				delete(referencedBy, v)
				queue = append(queue, v)
			}
		}
	}

	if len(order) != len(allNodes) {
		var remaining []string
		for n := range allNodes {
			if _, ok := order[n]; !ok {
				remaining = append(remaining, fmt.Sprint(n))
			}
		}
		return nil, &ErrCycle{Remaining: remaining}
	}
	return order, nil
}
