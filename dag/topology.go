// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import "fmt"

// ValidateTopology checks every declared dependency against the set of
// registered nodes. Each dangling reference yields one *NodeError
// wrapping ErrUnknownNode, attributed to the node that declared it.
// Errors are ordered by the declaring node's registration position.
// An empty result means all references resolve; cycles are a separate
// concern, see DetectCycles.
func (g *Graph) ValidateTopology() []error {
	var errs []error
	for _, id := range g.order {
		for _, dep := range g.dependencies[id] {
			if !g.HasNode(dep) {
				errs = append(errs, NewNodeError(id, KindValidation,
					fmt.Errorf("%w: %q depends on unregistered node %q",
						ErrUnknownNode, id, dep)))
			}
		}
	}
	return errs
}

// DetectCycles searches the graph for a dependency cycle and returns
// the node ids forming the first one found, in traversal order and
// without repeating the first node. A self-edge yields a single-node
// cycle. An empty result means the graph is acyclic.
//
// Traversal starts from nodes in registration order, so the same graph
// always reports the same cycle.
func (g *Graph) DetectCycles() []string {
	const (
		white = iota // unvisited
		gray         // on the current traversal path
		black        // fully explored
	)
	colors := make(map[string]int, len(g.order))
	path := make([]string, 0, len(g.order))
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		path = append(path, id)
		for _, next := range g.dependents[id] {
			switch colors[next] {
			case gray:
				for i, onPath := range path {
					if onPath == next {
						cycle = append([]string(nil), path[i:]...)
						return true
					}
				}
				cycle = []string{next}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		colors[id] = black
		return false
	}

	for _, id := range g.order {
		if colors[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns every node id ordered so that each node
// appears after all of its dependencies. Nodes that become ready at
// the same step are emitted in registration order, making the result
// deterministic for a given build sequence.
//
// Returns the first ValidateTopology error if any reference dangles,
// or a *CycleError if the graph contains a cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if errs := g.ValidateTopology(); len(errs) > 0 {
		return nil, errs[0]
	}

	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.dependencies[id])
	}

	// The ready queue stays sorted by registration index so ties
	// resolve the same way on every run.
	ready := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, next := range g.dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = g.insertByIndex(ready, next)
			}
		}
	}

	if len(out) != len(g.order) {
		return nil, NewCycleError(g.DetectCycles())
	}
	return out, nil
}

// insertByIndex places id into ready keeping registration-index order.
func (g *Graph) insertByIndex(ready []string, id string) []string {
	idx := g.nodeIndex(id)
	pos := len(ready)
	for i, existing := range ready {
		if g.nodeIndex(existing) > idx {
			pos = i
			break
		}
	}
	ready = append(ready, "")
	copy(ready[pos+1:], ready[pos:])
	ready[pos] = id
	return ready
}
