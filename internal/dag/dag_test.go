// SPDX-License-Identifier: MPL-2.0

package dag

import (
	"errors"
	"slices"
	"testing"
)

func TestTopologicalSort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		nodes []string
		edges [][2]string
		want  []string
	}{
		{name: "empty", want: nil},
		{name: "single", nodes: []string{"a"}, want: []string{"a"}},
		{name: "chain", edges: [][2]string{{"c", "b"}, {"b", "a"}}, want: []string{"c", "b", "a"}},
		{
			name:  "diamond",
			edges: [][2]string{{"base", "net"}, {"base", "audio"}, {"net", "app"}, {"audio", "app"}},
			want:  []string{"base", "audio", "net", "app"},
		},
		{
			name:  "independent nodes sorted by key",
			nodes: []string{"zeta", "alpha", "mid"},
			want:  []string{"alpha", "mid", "zeta"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := New[string]()
			for _, n := range tt.nodes {
				g.AddNode(n)
			}
			for _, e := range tt.edges {
				g.AddEdge(e[0], e[1])
			}
			got, err := g.TopologicalSort()
			if err != nil {
				t.Fatalf("TopologicalSort() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("TopologicalSort() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTopologicalSort_InsertionOrderIndependent(t *testing.T) {
	t.Parallel()

	edges := [][2]string{{"a", "d"}, {"b", "d"}, {"c", "e"}, {"d", "e"}}

	forward := New[string]()
	for _, e := range edges {
		forward.AddEdge(e[0], e[1])
	}
	backward := New[string]()
	for i := len(edges) - 1; i >= 0; i-- {
		backward.AddEdge(edges[i][0], edges[i][1])
	}

	a, err := forward.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	b, err := backward.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(a, b) {
		t.Errorf("orders differ: %v vs %v", a, b)
	}
}

func TestTopologicalSort_Cycle(t *testing.T) {
	t.Parallel()

	g := New[string]()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "a")
	g.AddEdge("root", "a")

	_, err := g.TopologicalSort()
	var cycleErr *CycleError[string]
	if !errors.As(err, &cycleErr) {
		t.Fatalf("error = %v, want *CycleError", err)
	}
	if !slices.Equal(cycleErr.Cycle, []string{"a", "b", "c"}) {
		t.Errorf("Cycle = %v", cycleErr.Cycle)
	}
	if got := err.Error(); got != "dependency cycle detected: a -> b -> c" {
		t.Errorf("Error() = %q", got)
	}
}

func TestAddEdgeIfAcyclic(t *testing.T) {
	t.Parallel()

	g := New[string]()
	if !g.AddEdgeIfAcyclic("a", "b") {
		t.Fatal("a -> b rejected")
	}
	if !g.AddEdgeIfAcyclic("b", "c") {
		t.Fatal("b -> c rejected")
	}
	if g.AddEdgeIfAcyclic("c", "a") {
		t.Error("c -> a closes a cycle but was added")
	}
	if g.AddEdgeIfAcyclic("a", "a") {
		t.Error("self edge added")
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort() error = %v", err)
	}
	if !slices.Equal(order, []string{"a", "b", "c"}) {
		t.Errorf("order = %v", order)
	}
	if !g.Reachable("a", "c") || g.Reachable("c", "a") {
		t.Error("Reachable() inconsistent with edges")
	}
	if g.Len() != 3 || !g.HasNode("c") {
		t.Errorf("Len() = %d", g.Len())
	}
}
