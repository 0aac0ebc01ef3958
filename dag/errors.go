// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag provides a directed-acyclic-graph execution engine for
// pipeline workloads.
//
// A Graph is assembled from named nodes and dependency edges, validated
// for structural problems (duplicate ids, dangling references, cycles),
// and then handed to an Executor which runs every node's compute
// function in dependency order with bounded concurrency, per-node
// timeouts, retry with exponential backoff, and optional checkpointing
// for crash recovery.
//
// # Building a Graph
//
//	g := dag.NewGraph("ingest")
//	g.AddNode("load", loadFn)
//	g.AddNode("embed", embedFn, dag.WithDependsOn("load"))
//	g.AddNode("store", storeFn, dag.WithDependsOn("embed"))
//
// # Execution
//
//	ex, err := dag.NewExecutor(g, logger)
//	if err != nil { ... }
//	result, err := ex.Execute(ctx, input, dag.WithConcurrency(4))
//
// Execute returns a non-nil error only for caller mistakes (nil
// context, invalid options, unreadable checkpoint store). Node
// failures, timeouts, and cancellations are reported through the
// returned ExecutionResult so a partially failed run can still be
// inspected and resumed.
//
// # Thread Safety
//
// Graph construction is single-goroutine; once an Executor holds a
// Graph it must not be mutated. Executor and its Execute method are
// safe for concurrent use across runs.
package dag

import (
	"errors"
	"fmt"
	"strings"
)

// --------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------

var (
	// ErrDuplicateNode is returned when a node id is registered twice
	// on the same graph.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrUnknownNode is returned when an edge references a node id
	// that has not been registered.
	ErrUnknownNode = errors.New("unknown node id")

	// ErrInvalidInput is returned for malformed arguments such as an
	// empty node id, a nil compute function, or invalid run options.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNilContext is returned when Execute is called with a nil
	// context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrNilGraph is returned when an Executor is constructed without
	// a graph.
	ErrNilGraph = errors.New("graph cannot be nil")

	// ErrNodeTimeout is the cancellation cause installed on a node
	// attempt context when the node's own deadline expires.
	ErrNodeTimeout = errors.New("node execution timeout")

	// ErrRunTimeout is the cancellation cause installed on the run
	// context when the global deadline expires.
	ErrRunTimeout = errors.New("run timeout exceeded")

	// ErrRunAborted is the cancellation cause installed on the run
	// context when a node failure aborts the run under the fail-fast
	// policy.
	ErrRunAborted = errors.New("run aborted")
)

// ErrorKind classifies how a node came to fail.
type ErrorKind int

const (
	// KindValidation marks structural problems detected before any
	// node runs: dangling dependency references or cycles.
	KindValidation ErrorKind = iota

	// KindExecution marks a compute function returning an error.
	KindExecution

	// KindTimeout marks a node exceeding its own per-node deadline.
	KindTimeout

	// KindGlobalTimeout marks a node interrupted by the run-wide
	// deadline.
	KindGlobalTimeout

	// KindCancelled marks a node interrupted by external context
	// cancellation or by a fail-fast abort.
	KindCancelled
)

// String returns the stable name used in logs and serialized results.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindExecution:
		return "ExecutionError"
	case KindTimeout:
		return "Timeout"
	case KindGlobalTimeout:
		return "GlobalTimeout"
	case KindCancelled:
		return "CancelledError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Retryable reports whether a failure of this kind may be retried.
// Only genuine compute failures and per-node timeouts are retried;
// run-wide timeouts and cancellations always terminate the node.
func (k ErrorKind) Retryable() bool {
	return k == KindExecution || k == KindTimeout
}

// NodeError describes the terminal failure of a single node. It wraps
// the underlying cause so callers can use errors.Is / errors.As against
// sentinels such as ErrNodeTimeout.
type NodeError struct {
	NodeID string
	Kind   ErrorKind
	Err    error
}

// NewNodeError builds a NodeError for the given node and kind.
func NewNodeError(nodeID string, kind ErrorKind, err error) *NodeError {
	return &NodeError{NodeID: nodeID, Kind: kind, Err: err}
}

func (e NodeError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("node %q: %s: %v", e.NodeID, e.Kind, e.Err)
}

func (e NodeError) Unwrap() error { return e.Err }

// MarshalJSON serializes the error in the shape consumed by run
// reports and event payloads.
func (e NodeError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return []byte(fmt.Sprintf(`{"nodeId":%q,"kind":%q,"message":%q}`,
		e.NodeID, e.Kind.String(), msg)), nil
}

// CycleError reports a dependency cycle. Path holds the node ids that
// form the cycle in traversal order, without repeating the first node.
type CycleError struct {
	Path []string
}

// NewCycleError builds a CycleError from a traversal path.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected: %s -> %s",
		strings.Join(e.Path, " -> "), e.Path[0])
}
