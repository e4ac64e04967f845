// Package graph holds the in-memory view of active dependency edges.
// It knows nothing about storage; callers load edges, ask questions and
// persist whatever the answer allows.
package graph

import (
	"sort"

	"ppscore/internal/domain"
)

type Edge struct {
	From int64
	To   int64
}

// Graph is a directed graph with sorted adjacency lists so traversals are deterministic.
type Graph struct {
	out map[int64][]int64
}

func New(edges []Edge) *Graph {
	g := &Graph{out: make(map[int64][]int64)}
	for _, e := range edges {
		g.Add(e.From, e.To)
	}
	return g
}

// FromDependencies builds the graph from active dependencies only.
func FromDependencies(deps []domain.Dependency) *Graph {
	g := New(nil)
	for _, d := range deps {
		if d.IsActive {
			g.Add(d.PredecessorID, d.SuccessorID)
		}
	}
	return g
}

func (g *Graph) Add(from, to int64) {
	list := g.out[from]
	i := sort.Search(len(list), func(i int) bool { return list[i] >= to })
	if i < len(list) && list[i] == to {
		return
	}
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = to
	g.out[from] = list
}

func (g *Graph) Remove(from, to int64) {
	list := g.out[from]
	i := sort.Search(len(list), func(i int) bool { return list[i] >= to })
	if i == len(list) || list[i] != to {
		return
	}
	g.out[from] = append(list[:i], list[i+1:]...)
	if len(g.out[from]) == 0 {
		delete(g.out, from)
	}
}

func (g *Graph) HasEdge(from, to int64) bool {
	list := g.out[from]
	i := sort.Search(len(list), func(i int) bool { return list[i] >= to })
	return i < len(list) && list[i] == to
}

// PathBetween returns the shortest path from -> to inclusive, or nil.
func (g *Graph) PathBetween(from, to int64) []int64 {
	if from == to {
		return []int64{from}
	}
	prev := map[int64]int64{from: from}
	queue := []int64{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.out[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				path := []int64{to}
				for n := cur; n != from; n = prev[n] {
					path = append(path, n)
				}
				path = append(path, from)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// CheckEdge validates that adding from -> to keeps the graph a DAG.
func (g *Graph) CheckEdge(from, to int64) error {
	if from == to {
		return domain.SelfLoopError{TodoID: from}
	}
	if path := g.PathBetween(to, from); path != nil {
		return domain.CycleError{PredecessorID: from, SuccessorID: to, Path: path}
	}
	return nil
}

func (g *Graph) nodes() []int64 {
	seen := make(map[int64]struct{})
	for from, list := range g.out {
		seen[from] = struct{}{}
		for _, to := range list {
			seen[to] = struct{}{}
		}
	}
	res := make([]int64, 0, len(seen))
	for id := range seen {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// DetectCycle returns one cycle (first node repeated at the end) or nil.
func (g *Graph) DetectCycle() []int64 {
	const (
		white = iota
		grey
		black
	)
	color := make(map[int64]int)
	var stack []int64
	var found []int64
	var visit func(n int64) bool
	visit = func(n int64) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, next := range g.out[n] {
			switch color[next] {
			case grey:
				for i, id := range stack {
					if id == next {
						found = append(append([]int64(nil), stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	for _, n := range g.nodes() {
		if color[n] == white && visit(n) {
			return found
		}
	}
	return nil
}

// TopoOrder returns nodes in dependency order, smallest id first among ready nodes.
func (g *Graph) TopoOrder() ([]int64, error) {
	nodes := g.nodes()
	indeg := make(map[int64]int, len(nodes))
	for _, n := range nodes {
		for _, to := range g.out[n] {
			indeg[to]++
		}
	}
	var ready []int64
	for _, n := range nodes {
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}
	order := make([]int64, 0, len(nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, to := range g.out[n] {
			indeg[to]--
			if indeg[to] == 0 {
				i := sort.Search(len(ready), func(i int) bool { return ready[i] >= to })
				ready = append(ready, 0)
				copy(ready[i+1:], ready[i:])
				ready[i] = to
			}
		}
	}
	if len(order) != len(nodes) {
		cycle := g.DetectCycle()
		if len(cycle) >= 2 {
			return nil, domain.CycleError{PredecessorID: cycle[len(cycle)-2], SuccessorID: cycle[0], Path: cycle}
		}
		return nil, domain.CycleError{}
	}
	return order, nil
}
