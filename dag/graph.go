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

// Graph holds named nodes and their dependency edges.
//
// Description:
//
//	A Graph is built incrementally with AddNode and Connect and then
//	executed by an Executor. Registration order is significant: it
//	breaks scheduling ties and orders error and skip reports, so two
//	identical builds of a graph produce identical run reports.
//
// Thread Safety:
//
//	Not safe for concurrent mutation. Build the graph on one goroutine,
//	then treat it as read-only for the lifetime of any Executor using
//	it.
type Graph struct {
	name  string
	nodes map[string]*node
	order []string

	// dependencies[id] lists the nodes id waits on; dependents[id]
	// lists the nodes waiting on id. Both preserve edge insertion
	// order and stay free of duplicates.
	dependencies map[string][]string
	dependents   map[string][]string
}

// NewGraph returns an empty graph with the given display name.
func NewGraph(name string) *Graph {
	return &Graph{
		name:         name,
		nodes:        make(map[string]*node),
		order:        make([]string, 0),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}
}

// Name returns the graph's display name.
func (g *Graph) Name() string { return g.name }

// NodeCount returns the number of registered nodes.
func (g *Graph) NodeCount() int { return len(g.order) }

// NodeIDs returns node ids in registration order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// HasNode reports whether id is registered.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Dependencies returns the ids the given node waits on, in edge
// insertion order.
func (g *Graph) Dependencies(id string) []string {
	deps := g.dependencies[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Dependents returns the ids waiting on the given node, in edge
// insertion order.
func (g *Graph) Dependents(id string) []string {
	deps := g.dependents[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// AddNode registers a node under a unique id.
//
// Inputs:
//   - id: non-empty unique node id.
//   - compute: the node's work function. Must be non-nil.
//   - opts: optional dependency declarations, timeout, and retry
//     budget.
//
// Outputs:
//   - error: ErrInvalidInput for an empty id or nil compute,
//     ErrDuplicateNode if the id is taken. Dependency ids declared via
//     WithDependsOn are recorded as-is; unresolved references surface
//     later through ValidateTopology, not here.
func (g *Graph) AddNode(id string, compute ComputeFunc, opts ...NodeOption) error {
	if id == "" {
		return NewNodeError(id, KindValidation,
			fmt.Errorf("%w: node id cannot be empty", ErrInvalidInput))
	}
	if compute == nil {
		return NewNodeError(id, KindValidation,
			fmt.Errorf("%w: node %q has a nil compute function", ErrInvalidInput, id))
	}
	if _, exists := g.nodes[id]; exists {
		return NewNodeError(id, KindValidation,
			fmt.Errorf("%w: %q", ErrDuplicateNode, id))
	}

	cfg := &nodeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	g.nodes[id] = &node{
		id:      id,
		compute: compute,
		timeout: cfg.timeout,
		retries: cfg.retries,
		index:   len(g.order),
	}
	g.order = append(g.order, id)

	for _, dep := range cfg.dependsOn {
		g.addEdge(dep, id)
	}
	return nil
}

// Connect adds a dependency edge so that to runs after from. Both ids
// must already be registered. Adding the same edge twice is a no-op;
// a self-edge is recorded and later reported as a cycle.
func (g *Graph) Connect(from, to string) error {
	if !g.HasNode(from) {
		return NewNodeError(from, KindValidation,
			fmt.Errorf("%w: %q", ErrUnknownNode, from))
	}
	if !g.HasNode(to) {
		return NewNodeError(to, KindValidation,
			fmt.Errorf("%w: %q", ErrUnknownNode, to))
	}
	g.addEdge(from, to)
	return nil
}

// addEdge records from -> to once in both adjacency directions.
func (g *Graph) addEdge(from, to string) {
	for _, existing := range g.dependencies[to] {
		if existing == from {
			return
		}
	}
	g.dependencies[to] = append(g.dependencies[to], from)
	g.dependents[from] = append(g.dependents[from], to)
}

// nodeByID returns the registration record for id, or nil.
func (g *Graph) nodeByID(id string) *node {
	return g.nodes[id]
}

// nodeIndex returns the registration position of id, used to order
// reports deterministically. Unknown ids sort last.
func (g *Graph) nodeIndex(id string) int {
	if n, ok := g.nodes[id]; ok {
		return n.index
	}
	return len(g.order)
}
