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
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// echo returns a compute function that ignores its inputs and returns
// a fixed value.
func echo(v any) ComputeFunc {
	return func(_ context.Context, _ map[string]any) (any, error) {
		return v, nil
	}
}

// failWith returns a compute function that always fails.
func failWith(msg string) ComputeFunc {
	return func(_ context.Context, _ map[string]any) (any, error) {
		return nil, errors.New(msg)
	}
}

// blockUntilCancel cooperates with cancellation and reports the
// context error.
func blockUntilCancel(ctx context.Context, _ map[string]any) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestExecutor(t *testing.T, g *Graph) *Executor {
	t.Helper()
	ex, err := NewExecutor(g, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return ex
}

// inputRecorder captures the inputs map a node received.
type inputRecorder struct {
	mu   sync.Mutex
	seen map[string]map[string]any
}

func newInputRecorder() *inputRecorder {
	return &inputRecorder{seen: make(map[string]map[string]any)}
}

func (r *inputRecorder) compute(id string, output any) ComputeFunc {
	return func(_ context.Context, inputs map[string]any) (any, error) {
		copied := make(map[string]any, len(inputs))
		for k, v := range inputs {
			copied[k] = v
		}
		r.mu.Lock()
		r.seen[id] = copied
		r.mu.Unlock()
		return output, nil
	}
}

func (r *inputRecorder) inputsOf(id string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

// recordingListener captures lifecycle callbacks in arrival order.
type recordingListener struct {
	mu     sync.Mutex
	events []string
	result *ExecutionResult
}

func (l *recordingListener) OnNodeStarted(id string) { l.record("started:" + id) }

func (l *recordingListener) OnNodeCompleted(id string, _ any) { l.record("completed:" + id) }

func (l *recordingListener) OnNodeFailed(id string, _ *NodeError) { l.record("failed:" + id) }

func (l *recordingListener) OnRunCompleted(res *ExecutionResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "run_completed")
	l.result = res
}

func (l *recordingListener) record(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) count(ev string) int {
	n := 0
	for _, seen := range l.snapshot() {
		if seen == ev {
			n++
		}
	}
	return n
}

func TestNewExecutor_RejectsNilGraph(t *testing.T) {
	if _, err := NewExecutor(nil, nil); !errors.Is(err, ErrNilGraph) {
		t.Errorf("expected ErrNilGraph, got %v", err)
	}
}

func TestExecute_RejectsNilContext(t *testing.T) {
	ex := newTestExecutor(t, NewGraph("nilctx"))
	var nilCtx context.Context
	if _, err := ex.Execute(nilCtx, nil); !errors.Is(err, ErrNilContext) {
		t.Errorf("expected ErrNilContext, got %v", err)
	}
}

func TestExecute_RejectsInvalidOptions(t *testing.T) {
	testCases := []struct {
		name string
		opt  ExecuteOption
	}{
		{name: "negative concurrency", opt: WithConcurrency(-1)},
		{name: "negative global timeout", opt: WithGlobalTimeout(-time.Second)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ex := newTestExecutor(t, NewGraph("opts"))
			result, err := ex.Execute(context.Background(), nil, tc.opt)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if result != nil {
				t.Errorf("rejected run must not produce a result")
			}
		})
	}
}

func TestExecute_EmptyGraphCompletes(t *testing.T) {
	ex := newTestExecutor(t, NewGraph("empty"))
	result, err := ex.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != RunCompleted {
		t.Errorf("expected completed, got %v", result.Status)
	}
	if len(result.Outputs) != 0 || len(result.Errors) != 0 || len(result.Skipped) != 0 {
		t.Errorf("empty graph should produce an empty report: %+v", result)
	}
	if result.RunID == "" {
		t.Errorf("run id should be generated when not supplied")
	}
}

func TestExecute_RootNodeReceivesInitialInput(t *testing.T) {
	rec := newInputRecorder()
	g := NewGraph("root-input")
	if err := g.AddNode("a", rec.compute("a", "done")); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	result, err := newTestExecutor(t, g).Execute(context.Background(), "seed")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("expected completed, got %v", result.Status)
	}

	inputs := rec.inputsOf("a")
	if len(inputs) != 1 || inputs[RootInputKey] != "seed" {
		t.Errorf("root node should receive the initial input under %q, got %v", RootInputKey, inputs)
	}
}

func TestExecute_LinearChainPropagatesOutputs(t *testing.T) {
	appendStep := func(key, suffix string) ComputeFunc {
		return func(_ context.Context, inputs map[string]any) (any, error) {
			prev, _ := inputs[key].(string)
			return prev + suffix, nil
		}
	}

	g := NewGraph("chain")
	if err := g.AddNode("a", appendStep(RootInputKey, "-a")); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddNode("b", appendStep("a", "-b"), WithDependsOn("a")); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddNode("c", appendStep("b", "-c"), WithDependsOn("b")); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	result, err := newTestExecutor(t, g).Execute(context.Background(), "in")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("expected completed, got %v: %v", result.Status, result.Errors)
	}
	if result.Outputs["c"] != "in-a-b-c" {
		t.Errorf("outputs did not flow through the chain: %v", result.Outputs)
	}
	if result.NodesExecuted != 3 {
		t.Errorf("expected 3 nodes executed, got %d", result.NodesExecuted)
	}
	if len(result.NodeDurations) != 3 {
		t.Errorf("expected per-node durations for all nodes, got %v", result.NodeDurations)
	}
}

func TestExecute_DiamondFanInDeliversAllDependencyOutputs(t *testing.T) {
	rec := newInputRecorder()
	g := NewGraph("fan-in")
	if err := g.AddNode("a", echo("from-a")); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddNode("b", echo("from-b"), WithDependsOn("a")); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddNode("c", echo("from-c"), WithDependsOn("a")); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddNode("d", rec.compute("d", "done"), WithDependsOn("b", "c")); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	result, err := newTestExecutor(t, g).Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("expected completed, got %v: %v", result.Status, result.Errors)
	}

	inputs := rec.inputsOf("d")
	want := map[string]any{"b": "from-b", "c": "from-c"}
	if !reflect.DeepEqual(inputs, want) {
		t.Errorf("fan-in inputs mismatch: got %v want %v", inputs, want)
	}
}

func TestExecute_ConcurrencyLimitRespected(t *testing.T) {
	var active, peak int64
	slowNode := func(_ context.Context, _ map[string]any) (any, error) {
		cur := atomic.AddInt64(&active, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return nil, nil
	}

	g := NewGraph("bounded")
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5", "n6"} {
		if err := g.AddNode(id, slowNode); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}

	result, err := newTestExecutor(t, g).Execute(context.Background(), nil, WithConcurrency(2))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("expected completed, got %v", result.Status)
	}
	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("concurrency limit exceeded: peak %d", got)
	}
	if result.NodesExecuted != 6 {
		t.Errorf("expected all 6 nodes executed, got %d", result.NodesExecuted)
	}
}

func TestExecute_IndependentNodesRunInParallel(t *testing.T) {
	sleepNode := func(_ context.Context, _ map[string]any) (any, error) {
		time.Sleep(80 * time.Millisecond)
		return nil, nil
	}
	g := NewGraph("parallel")
	for _, id := range []string{"x", "y", "z"} {
		if err := g.AddNode(id, sleepNode); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}

	result, err := newTestExecutor(t, g).Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("expected completed, got %v", result.Status)
	}
	// Serial execution would take at least 240ms.
	if result.Duration > 200*time.Millisecond {
		t.Errorf("independent nodes did not run in parallel: %v", result.Duration)
	}
}

func TestExecute_ListenerLifecycleOrder(t *testing.T) {
	g := NewGraph("lifecycle")
	mustAddNode(t, g, "a")
	mustAddNode(t, g, "b", WithDependsOn("a"))

	listener := &recordingListener{}
	result, err := newTestExecutor(t, g).Execute(context.Background(), nil, WithListener(listener))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{"started:a", "completed:a", "started:b", "completed:b", "run_completed"}
	if got := listener.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected event order:\n got %v\nwant %v", got, want)
	}
	if listener.result != result {
		t.Errorf("OnRunCompleted should receive the returned result")
	}
}

func TestExecute_PanickingComputeReportsExecutionError(t *testing.T) {
	g := NewGraph("panic")
	if err := g.AddNode("x", func(_ context.Context, _ map[string]any) (any, error) {
		panic("kaboom")
	}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	result, err := newTestExecutor(t, g).Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != RunFailed {
		t.Fatalf("expected failed, got %v", result.Status)
	}
	if len(result.Errors) != 1 || result.Errors[0].Kind != KindExecution {
		t.Fatalf("expected one execution error, got %v", result.Errors)
	}
	if msg := result.Errors[0].Error(); !strings.Contains(msg, "kaboom") {
		t.Errorf("panic value should surface in the error, got %q", msg)
	}
}

func TestExecute_DeterministicReportsAcrossRuns(t *testing.T) {
	build := func() *Graph {
		g := NewGraph("repeat")
		if err := g.AddNode("a", echo("x")); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
		if err := g.AddNode("b", failWith("boom"), WithDependsOn("a")); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
		if err := g.AddNode("c", echo("y"), WithDependsOn("a")); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
		if err := g.AddNode("d", echo("z"), WithDependsOn("b")); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
		return g
	}

	run := func() *ExecutionResult {
		result, err := newTestExecutor(t, build()).Execute(context.Background(), nil, WithContinueOnError(true))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		return result
	}

	first, second := run(), run()
	if first.Status != second.Status {
		t.Errorf("status differs across runs: %v vs %v", first.Status, second.Status)
	}
	if !reflect.DeepEqual(first.Outputs, second.Outputs) {
		t.Errorf("outputs differ across runs: %v vs %v", first.Outputs, second.Outputs)
	}
	if !reflect.DeepEqual(first.Skipped, second.Skipped) {
		t.Errorf("skip reports differ across runs: %v vs %v", first.Skipped, second.Skipped)
	}
	if len(first.Errors) != len(second.Errors) {
		t.Fatalf("error counts differ: %d vs %d", len(first.Errors), len(second.Errors))
	}
	for i := range first.Errors {
		if first.Errors[i].NodeID != second.Errors[i].NodeID ||
			first.Errors[i].Kind != second.Errors[i].Kind ||
			first.Errors[i].Error() != second.Errors[i].Error() {
			t.Errorf("error %d differs: %v vs %v", i, first.Errors[i], second.Errors[i])
		}
	}
}

func TestExecute_ConcurrentRunsOnSameExecutor(t *testing.T) {
	g := NewGraph("shared")
	if err := g.AddNode("a", func(_ context.Context, inputs map[string]any) (any, error) {
		return inputs[RootInputKey], nil
	}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	ex := newTestExecutor(t, g)

	var wg sync.WaitGroup
	results := make([]*ExecutionResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := ex.Execute(context.Background(), i)
			if err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	for i, result := range results {
		if result == nil {
			t.Fatalf("run %d produced no result", i)
		}
		if result.Status != RunCompleted || result.Outputs["a"] != i {
			t.Errorf("run %d: status %v outputs %v", i, result.Status, result.Outputs)
		}
	}
}
