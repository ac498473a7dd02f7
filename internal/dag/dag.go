// SPDX-License-Identifier: MPL-2.0

// Package dag orders extension installation. Nodes are comparable keys and
// an edge from A to B means A must be installed before B.
//
// Ordering never depends on insertion order: among nodes that are ready at
// the same time the smallest key comes first, so equal graphs built from
// differently ordered configuration produce identical plans.
package dag

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

type (
	// CycleError reports nodes that could not be ordered.
	CycleError[K cmp.Ordered] struct {
		Cycle []K
	}

	// Graph is a directed graph keyed by K.
	Graph[K cmp.Ordered] struct {
		out   map[K][]K
		nodes map[K]bool
	}
)

func (e *CycleError[K]) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, k := range e.Cycle {
		parts[i] = fmt.Sprint(k)
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(parts, " -> "))
}

// New creates an empty graph.
func New[K cmp.Ordered]() *Graph[K] {
	return &Graph[K]{out: make(map[K][]K), nodes: make(map[K]bool)}
}

// AddNode adds k; adding an existing node is a no-op.
func (g *Graph[K]) AddNode(k K) {
	g.nodes[k] = true
}

// HasNode reports whether k is in the graph.
func (g *Graph[K]) HasNode(k K) bool {
	return g.nodes[k]
}

// Len returns the number of nodes.
func (g *Graph[K]) Len() int {
	return len(g.nodes)
}

// Nodes returns every node in key order.
func (g *Graph[K]) Nodes() []K {
	out := make([]K, 0, len(g.nodes))
	for k := range g.nodes {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// AddEdge records that from precedes to. Duplicate edges are ignored.
func (g *Graph[K]) AddEdge(from, to K) {
	g.AddNode(from)
	g.AddNode(to)
	if !slices.Contains(g.out[from], to) {
		g.out[from] = append(g.out[from], to)
	}
}

// AddEdgeIfAcyclic adds the edge unless it would close a cycle, reporting
// whether it was added. Self edges are always rejected.
func (g *Graph[K]) AddEdgeIfAcyclic(from, to K) bool {
	if from == to || g.Reachable(to, from) {
		g.AddNode(from)
		g.AddNode(to)
		return false
	}
	g.AddEdge(from, to)
	return true
}

// Reachable reports whether a path leads from src to dst.
func (g *Graph[K]) Reachable(src, dst K) bool {
	if src == dst {
		return true
	}
	seen := map[K]bool{src: true}
	stack := []K{src}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.out[n] {
			if next == dst {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// TopologicalSort orders nodes with Kahn's algorithm, always taking the
// smallest ready key next. It returns *CycleError when the graph is cyclic.
func (g *Graph[K]) TopologicalSort() ([]K, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[K]int, len(g.nodes))
	for k := range g.nodes {
		inDegree[k] += 0
		for _, to := range g.out[k] {
			inDegree[to]++
		}
	}

	var ready []K
	for k, d := range inDegree {
		if d == 0 {
			ready = append(ready, k)
		}
	}

	result := make([]K, 0, len(g.nodes))
	for len(ready) > 0 {
		slices.Sort(ready)
		n := ready[0]
		ready = ready[1:]
		result = append(result, n)
		for _, to := range g.out[n] {
			inDegree[to]--
			if inDegree[to] == 0 {
				ready = append(ready, to)
			}
		}
	}

	if len(result) != len(g.nodes) {
		var cycle []K
		for k, d := range inDegree {
			if d > 0 {
				cycle = append(cycle, k)
			}
		}
		slices.Sort(cycle)
		return nil, &CycleError[K]{Cycle: cycle}
	}
	return result, nil
}
