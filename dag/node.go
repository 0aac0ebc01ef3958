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

import (
	"context"
	"time"
)

// RootInputKey is the key under which a node with no dependencies
// receives the run's initial input in its inputs map.
const RootInputKey = "root"

// ComputeFunc is the work a node performs.
//
// Description:
//
//	The inputs map carries the output of every dependency keyed by the
//	dependency's node id. Nodes with no dependencies instead receive
//	the run's initial input under RootInputKey. The returned value
//	becomes this node's output, visible to its dependents and recorded
//	in the run result.
//
// Inputs:
//   - ctx: carries the node deadline and run-wide cancellation. Long
//     computations should honor it; non-cooperative functions are
//     force-failed at the deadline and their late results discarded.
//   - inputs: dependency outputs keyed by node id.
//
// Outputs:
//   - any: the node's output. Must be JSON-serializable when the run
//     uses a persistent checkpoint store.
//   - error: a non-nil error marks the attempt failed and may trigger
//     a retry.
type ComputeFunc func(ctx context.Context, inputs map[string]any) (any, error)

// node is the internal registration record for a single graph vertex.
type node struct {
	id      string
	compute ComputeFunc
	timeout time.Duration
	retries int
	index   int
}

// NodeOption configures a node at registration time.
type NodeOption func(*nodeConfig)

type nodeConfig struct {
	dependsOn []string
	timeout   time.Duration
	retries   int
}

// WithDependsOn declares dependency edges from each named node to the
// node being added. Referenced ids are not required to exist yet; a
// reference that never resolves is reported by ValidateTopology.
func WithDependsOn(ids ...string) NodeOption {
	return func(c *nodeConfig) {
		c.dependsOn = append(c.dependsOn, ids...)
	}
}

// WithTimeout sets the per-attempt deadline for the node's compute
// function. Zero or negative means no per-node deadline.
func WithTimeout(d time.Duration) NodeOption {
	return func(c *nodeConfig) {
		c.timeout = d
	}
}

// WithRetries sets how many times a failed or timed-out attempt is
// retried. Zero means a single attempt. Negative values are clamped to
// zero.
func WithRetries(n int) NodeOption {
	return func(c *nodeConfig) {
		if n < 0 {
			n = 0
		}
		c.retries = n
	}
}
