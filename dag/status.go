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

// NodeStatus tracks a node through its lifecycle during a run.
//
// Transitions are monotonic: pending -> ready -> running -> one of the
// terminal states. A node that never becomes runnable moves straight
// from pending (or ready) to skipped.
type NodeStatus int

const (
	// NodeStatusPending means the node is waiting on dependencies.
	NodeStatusPending NodeStatus = iota

	// NodeStatusReady means all dependencies completed and the node
	// has been handed to the scheduler.
	NodeStatusReady

	// NodeStatusRunning means the node's compute function is
	// executing.
	NodeStatusRunning

	// NodeStatusCompleted means the node produced an output.
	NodeStatusCompleted

	// NodeStatusFailed means the node failed terminally after
	// exhausting any retries.
	NodeStatusFailed

	// NodeStatusSkipped means the node never ran because an upstream
	// dependency failed or the run stopped first.
	NodeStatusSkipped

	// NodeStatusCancelled means the node was interrupted by run-wide
	// cancellation or a fail-fast abort.
	NodeStatusCancelled
)

// String returns a human-readable status name.
func (s NodeStatus) String() string {
	switch s {
	case NodeStatusPending:
		return "pending"
	case NodeStatusReady:
		return "ready"
	case NodeStatusRunning:
		return "running"
	case NodeStatusCompleted:
		return "completed"
	case NodeStatusFailed:
		return "failed"
	case NodeStatusSkipped:
		return "skipped"
	case NodeStatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("NodeStatus(%d)", int(s))
	}
}

// IsTerminal reports whether the status is final.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// RunStatus summarizes the outcome of a whole run.
type RunStatus int

const (
	// RunCompleted means every node completed.
	RunCompleted RunStatus = iota

	// RunFailed means at least one node failed and the run does not
	// qualify as partial.
	RunFailed

	// RunPartial means the run continued past failures and at least
	// one node failed while at least one other completed.
	RunPartial
)

// String returns a human-readable run outcome.
func (s RunStatus) String() string {
	switch s {
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunPartial:
		return "partial"
	default:
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
}

// MarshalJSON serializes the run status by name so run reports stay
// readable outside this package.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}
