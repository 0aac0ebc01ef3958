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
	"sort"
	"time"
)

// ExecutionResult is the structured outcome of a run. Execute returns
// it for every run that got past argument validation, including runs
// where nodes failed, timed out, or were cancelled.
//
// Errors and Skipped are ordered by node registration position, so two
// runs of the same graph with the same outcome produce identical
// reports.
type ExecutionResult struct {
	// RunID identifies the run, either caller-supplied or generated.
	RunID string `json:"runId"`

	// Status summarizes the outcome across all nodes.
	Status RunStatus `json:"status"`

	// Outputs holds the output of every node that completed,
	// including completions replayed from a checkpoint.
	Outputs map[string]any `json:"outputs"`

	// Errors lists the terminal failure of each failed or cancelled
	// node. Empty for fully successful runs.
	Errors []NodeError `json:"errors"`

	// Skipped lists nodes that never ran because an upstream failure
	// or a stopped run made them unreachable.
	Skipped []string `json:"skipped"`

	// Duration is the wall-clock time of the whole run.
	Duration time.Duration `json:"duration"`

	// NodeDurations holds per-node wall-clock time for every node
	// whose compute function was invoked, retries included.
	NodeDurations map[string]time.Duration `json:"nodeDurations"`

	// NodesExecuted counts nodes whose compute function was invoked
	// during this run. Nodes replayed from a checkpoint do not count.
	NodesExecuted int `json:"nodesExecuted"`
}

// newResult assembles the run report from final state.
func newResult(runID string, s *runState, continueOnError bool, elapsed time.Duration) *ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.graph
	outputs := make(map[string]any, len(s.outputs))
	for id, out := range s.outputs {
		outputs[id] = out
	}
	durations := make(map[string]time.Duration, len(s.durations))
	for id, d := range s.durations {
		durations[id] = d
	}

	errs := append([]NodeError(nil), s.errs...)
	sort.SliceStable(errs, func(i, j int) bool {
		return g.nodeIndex(errs[i].NodeID) < g.nodeIndex(errs[j].NodeID)
	})

	skipped := make([]string, 0)
	completed := 0
	for _, id := range g.order {
		switch s.statuses[id] {
		case NodeStatusSkipped:
			skipped = append(skipped, id)
		case NodeStatusCompleted:
			completed++
		}
	}

	status := RunFailed
	switch {
	case completed == g.NodeCount():
		status = RunCompleted
	case continueOnError && len(errs) > 0 && completed > 0:
		status = RunPartial
	}

	return &ExecutionResult{
		RunID:         runID,
		Status:        status,
		Outputs:       outputs,
		Errors:        errs,
		Skipped:       skipped,
		Duration:      elapsed,
		NodeDurations: durations,
		NodesExecuted: s.executed,
	}
}

// newValidationResult builds the report for a run rejected before any
// node was scheduled.
func newValidationResult(runID string, errs []NodeError, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		RunID:         runID,
		Status:        RunFailed,
		Outputs:       map[string]any{},
		Errors:        errs,
		Skipped:       []string{},
		Duration:      elapsed,
		NodeDurations: map[string]time.Duration{},
	}
}
