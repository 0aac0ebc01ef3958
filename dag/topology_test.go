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
	"errors"
	"reflect"
	"testing"
)

// diamond builds a -> (b, c) -> d.
func diamond(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph("diamond")
	mustAddNode(t, g, "a")
	mustAddNode(t, g, "b", WithDependsOn("a"))
	mustAddNode(t, g, "c", WithDependsOn("a"))
	mustAddNode(t, g, "d", WithDependsOn("b", "c"))
	return g
}

func TestValidateTopology_CleanGraph(t *testing.T) {
	if errs := diamond(t).ValidateTopology(); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestValidateTopology_ReportsDanglingReferences(t *testing.T) {
	g := NewGraph("dangling")
	mustAddNode(t, g, "a", WithDependsOn("ghost"))
	mustAddNode(t, g, "b", WithDependsOn("phantom", "a"))

	errs := g.ValidateTopology()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	for i, declarer := range []string{"a", "b"} {
		if !errors.Is(errs[i], ErrUnknownNode) {
			t.Errorf("errs[%d]: expected ErrUnknownNode, got %v", i, errs[i])
		}
		var ne *NodeError
		if !errors.As(errs[i], &ne) || ne.NodeID != declarer {
			t.Errorf("errs[%d]: expected attribution to %q, got %v", i, declarer, errs[i])
		}
	}
}

func TestDetectCycles_AcyclicGraph(t *testing.T) {
	if cycle := diamond(t).DetectCycles(); len(cycle) != 0 {
		t.Errorf("expected no cycle, got %v", cycle)
	}
}

func TestDetectCycles_ThreeNodeCycle(t *testing.T) {
	g := NewGraph("cycle3")
	mustAddNode(t, g, "a")
	mustAddNode(t, g, "b", WithDependsOn("a"))
	mustAddNode(t, g, "c", WithDependsOn("b"))
	if err := g.Connect("c", "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The first node of the cycle appears once, not repeated at the
	// end.
	if cycle := g.DetectCycles(); !reflect.DeepEqual(cycle, []string{"a", "b", "c"}) {
		t.Errorf("expected cycle [a b c], got %v", cycle)
	}
}

func TestDetectCycles_CycleBelowRoot(t *testing.T) {
	g := NewGraph("nested")
	mustAddNode(t, g, "r")
	mustAddNode(t, g, "a", WithDependsOn("r"))
	mustAddNode(t, g, "b", WithDependsOn("a"))
	if err := g.Connect("b", "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Only the strongly connected part is reported, not the path
	// leading into it.
	if cycle := g.DetectCycles(); !reflect.DeepEqual(cycle, []string{"a", "b"}) {
		t.Errorf("expected cycle [a b], got %v", cycle)
	}
}

func TestTopologicalOrder_TiesFollowRegistrationOrder(t *testing.T) {
	g := NewGraph("ties")
	for _, id := range []string{"c", "a", "b"} {
		mustAddNode(t, g, id)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"c", "a", "b"}) {
		t.Errorf("expected [c a b], got %v", order)
	}
}

func TestTopologicalOrder_DependenciesComeFirst(t *testing.T) {
	order, err := diamond(t).TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c", "d"}) {
		t.Errorf("expected [a b c d], got %v", order)
	}
}

func TestTopologicalOrder_LateReadyNodeSortsByRegistration(t *testing.T) {
	g := NewGraph("late")
	mustAddNode(t, g, "a")
	mustAddNode(t, g, "b")
	mustAddNode(t, g, "c", WithDependsOn("a"))

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Errorf("expected [a b c], got %v", order)
	}
}

func TestTopologicalOrder_ReturnsCycleError(t *testing.T) {
	g := NewGraph("cyclic")
	mustAddNode(t, g, "a")
	mustAddNode(t, g, "b", WithDependsOn("a"))
	if err := g.Connect("b", "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := g.TopologicalOrder()
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CycleError, got %v", err)
	}
	if len(ce.Path) == 0 {
		t.Errorf("cycle error should carry the cycle path")
	}
}

func TestTopologicalOrder_ReturnsDanglingError(t *testing.T) {
	g := NewGraph("dangling")
	mustAddNode(t, g, "a", WithDependsOn("ghost"))

	if _, err := g.TopologicalOrder(); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
}
