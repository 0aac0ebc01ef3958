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

// Listener observes run lifecycle events.
//
// Callbacks run synchronously on executor goroutines: a slow listener
// slows the run, and implementations must be safe for concurrent calls
// because independent nodes fire callbacks in parallel. Node callbacks
// fire in dependency order per node (started before completed or
// failed) and exactly once per node; OnRunCompleted fires exactly once,
// after every node reached a terminal state and before Execute returns.
//
// Embed NopListener to implement only the callbacks of interest.
type Listener interface {
	// OnNodeStarted fires when a node's compute function is about to
	// run its first attempt.
	OnNodeStarted(nodeID string)

	// OnNodeCompleted fires when a node completes, with its output.
	OnNodeCompleted(nodeID string, output any)

	// OnNodeFailed fires when a node fails terminally, after all
	// retries are exhausted. Skipped nodes fire no callback.
	OnNodeFailed(nodeID string, err *NodeError)

	// OnRunCompleted fires once with the final run report.
	OnRunCompleted(result *ExecutionResult)
}

// NopListener implements Listener with no-ops.
type NopListener struct{}

func (NopListener) OnNodeStarted(string)            {}
func (NopListener) OnNodeCompleted(string, any)     {}
func (NopListener) OnNodeFailed(string, *NodeError) {}
func (NopListener) OnRunCompleted(*ExecutionResult) {}
