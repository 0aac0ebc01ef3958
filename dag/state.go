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
	"sync"
	"time"
)

// runState tracks per-node status, outputs, and failures for a single
// run. All mutation goes through one mutex; transitions are monotonic
// and outputs are write-once, so a late result from a force-failed
// node can never overwrite the recorded outcome.
type runState struct {
	mu sync.Mutex

	graph     *Graph
	statuses  map[string]NodeStatus
	outputs   map[string]any
	pending   map[string]int
	durations map[string]time.Duration
	errs      []NodeError

	executed int
	terminal int
	stopped  bool
}

func newRunState(g *Graph) *runState {
	s := &runState{
		graph:     g,
		statuses:  make(map[string]NodeStatus, g.NodeCount()),
		outputs:   make(map[string]any, g.NodeCount()),
		pending:   make(map[string]int, g.NodeCount()),
		durations: make(map[string]time.Duration, g.NodeCount()),
	}
	for _, id := range g.order {
		s.statuses[id] = NodeStatusPending
		s.pending[id] = len(g.dependencies[id])
	}
	return s
}

// seedCompleted replays a checkpointed completion before the run
// starts: the node is marked completed, its output restored, and each
// dependent's wait count reduced. Not safe once scheduling has begun.
func (s *runState) seedCompleted(id string, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[id] != NodeStatusPending {
		return
	}
	s.statuses[id] = NodeStatusCompleted
	s.outputs[id] = output
	s.terminal++
	for _, dep := range s.graph.dependents[id] {
		s.pending[dep]--
	}
}

// initialReady returns the ids runnable at start: pending nodes whose
// dependencies are all satisfied (none, or all seeded), in
// registration order.
func (s *runState) initialReady() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []string
	for _, id := range s.graph.order {
		if s.statuses[id] == NodeStatusPending && s.pending[id] == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// markReady moves a pending node to ready. Returns false if the node
// is no longer pending or the run has stopped admitting work.
func (s *runState) markReady(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.statuses[id] != NodeStatusPending {
		return false
	}
	s.statuses[id] = NodeStatusReady
	return true
}

// beginNode moves a ready node to running and counts its compute
// invocation. Returns false if the run stopped while the node was
// queued.
func (s *runState) beginNode(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.statuses[id] != NodeStatusReady {
		return false
	}
	s.statuses[id] = NodeStatusRunning
	s.executed++
	return true
}

// completeNode records a successful result and returns the dependents
// that became runnable. applied is false if the node already reached a
// terminal state, in which case the result is discarded.
func (s *runState) completeNode(id string, output any, d time.Duration) (ready []string, applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[id] != NodeStatusRunning {
		return nil, false
	}
	s.statuses[id] = NodeStatusCompleted
	s.outputs[id] = output
	s.durations[id] = d
	s.terminal++
	if s.stopped {
		return nil, true
	}
	for _, dep := range s.graph.dependents[id] {
		s.pending[dep]--
		if s.pending[dep] == 0 && s.statuses[dep] == NodeStatusPending {
			ready = append(ready, dep)
		}
	}
	return ready, true
}

// failNode records a terminal failure. The node status reflects the
// failure kind: cancellations land in cancelled, everything else in
// failed.
func (s *runState) failNode(id string, ne NodeError, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[id] != NodeStatusRunning {
		return false
	}
	s.statuses[id] = statusForKind(ne.Kind)
	s.durations[id] = d
	s.errs = append(s.errs, ne)
	s.terminal++
	return true
}

// skipNode moves a not-yet-running node to skipped. Returns true only
// on the transition, so recursive skip fans out through a diamond
// exactly once.
func (s *runState) skipNode(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.statuses[id] {
	case NodeStatusPending, NodeStatusReady:
		s.statuses[id] = NodeStatusSkipped
		s.terminal++
		return true
	default:
		return false
	}
}

// stop halts admission of new nodes. Monotonic; already-running nodes
// are interrupted through context cancellation, not here.
func (s *runState) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// sweepSkipped marks every node still non-terminal after scheduling
// ends as skipped. Covers nodes left behind by a stopped run.
func (s *runState) sweepSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.graph.order {
		if !s.statuses[id].IsTerminal() {
			s.statuses[id] = NodeStatusSkipped
			s.terminal++
		}
	}
}

// output returns a completed node's output.
func (s *runState) output(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[id]
	return out, ok
}

// statusForKind maps a failure kind to the node status it leaves
// behind.
func statusForKind(k ErrorKind) NodeStatus {
	if k == KindGlobalTimeout || k == KindCancelled {
		return NodeStatusCancelled
	}
	return NodeStatusFailed
}
