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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var (
	tracer = otel.Tracer("ragpipeline.dag")
	meter  = otel.Meter("ragpipeline.dag")
)

// Retry backoff doubles from the base up to the cap.
const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Executor runs a Graph.
//
// Description:
//
//	Execute validates the graph, then schedules nodes event-driven: a
//	node is dispatched the moment its last dependency completes, with
//	ready ties broken by registration order. Failures are classified
//	(execution, timeout, global timeout, cancellation), optionally
//	retried with exponential backoff, and reported through the
//	returned ExecutionResult rather than an error.
//
// Thread Safety:
//
//	Safe for concurrent use. The underlying Graph must not be mutated
//	while any run is in flight.
type Executor struct {
	graph  *Graph
	logger *slog.Logger

	metricsOnce   sync.Once
	nodeLatency   metric.Float64Histogram
	nodeSuccesses metric.Int64Counter
	nodeFailures  metric.Int64Counter
	activeNodes   metric.Int64UpDownCounter
	runLatency    metric.Float64Histogram
}

// NewExecutor creates an executor for the given graph. A nil logger
// falls back to slog.Default().
func NewExecutor(g *Graph, logger *slog.Logger) (*Executor, error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{graph: g, logger: logger}, nil
}

// initMetrics lazily creates the executor's instruments. Failures
// degrade observability but never block execution.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.nodeLatency, err = meter.Float64Histogram(
			"dag_node_duration_seconds",
			metric.WithDescription("Wall-clock duration of node execution including retries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("node latency histogram: %v", err))
		}

		e.nodeSuccesses, err = meter.Int64Counter(
			"dag_node_success_total",
			metric.WithDescription("Count of nodes that completed successfully"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("node success counter: %v", err))
		}

		e.nodeFailures, err = meter.Int64Counter(
			"dag_node_failure_total",
			metric.WithDescription("Count of nodes that failed terminally"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("node failure counter: %v", err))
		}

		e.activeNodes, err = meter.Int64UpDownCounter(
			"dag_active_nodes",
			metric.WithDescription("Number of nodes currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("active nodes gauge: %v", err))
		}

		e.runLatency, err = meter.Float64Histogram(
			"dag_run_duration_seconds",
			metric.WithDescription("Wall-clock duration of whole runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("run latency histogram: %v", err))
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some DAG metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors))
		}
	})
}

// Execute runs the graph to completion and reports the outcome.
//
// Description:
//
//	Structural validation runs first; a graph with dangling references
//	or cycles produces a failed result without invoking any compute
//	function. Otherwise nodes execute in dependency order under the
//	configured concurrency, timeout, failure, and checkpoint policies.
//	A compute panic is captured and reported as that node's execution
//	error.
//
// Inputs:
//   - ctx: run-scoped context. External cancellation interrupts
//     in-flight nodes and skips the rest.
//   - initialInput: handed to every dependency-free node under
//     RootInputKey.
//   - opts: per-run options, see ExecuteOption.
//
// Outputs:
//   - *ExecutionResult: the structured outcome. Non-nil whenever the
//     run was admitted, including runs where every node failed.
//   - error: non-nil only for a nil context, invalid options, or a
//     checkpoint store that could not be read at startup.
func (e *Executor) Execute(ctx context.Context, initialInput any, opts ...ExecuteOption) (*ExecutionResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	options := newExecuteOptions()
	for _, opt := range opts {
		opt(options)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	e.initMetrics()

	runID := options.runID
	if runID == "" {
		runID = uuid.NewString()[:12]
	}

	ctx, span := tracer.Start(ctx, "dag.Execute", trace.WithAttributes(
		attribute.String("dag.name", e.graph.Name()),
		attribute.Int("dag.node_count", e.graph.NodeCount()),
		attribute.String("dag.run_id", runID),
	))
	defer span.End()

	start := time.Now()
	e.logger.Info("run started",
		slog.String("dag", e.graph.Name()),
		slog.String("run_id", runID),
		slog.Int("nodes", e.graph.NodeCount()))

	if verrs := e.collectValidationErrors(); len(verrs) > 0 {
		span.SetStatus(codes.Error, "validation failed")
		return e.finish(ctx, span, options, newValidationResult(runID, verrs, time.Since(start)))
	}

	state := newRunState(e.graph)
	if options.store != nil && options.runID != "" {
		if err := e.seedFromCheckpoint(ctx, span, options.store, runID, state); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkpoint load failed")
			return nil, err
		}
	}

	runCtx := ctx
	if options.globalTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(runCtx, options.globalTimeout, ErrRunTimeout)
		defer cancel()
	}
	runCtx, abort := context.WithCancelCause(runCtx)
	defer abort(nil)

	r := &runner{
		ex:      e,
		graph:   e.graph,
		opts:    options,
		state:   state,
		runID:   runID,
		input:   initialInput,
		runCtx:  runCtx,
		abort:   abort,
		saveCtx: context.WithoutCancel(ctx),
	}
	if options.concurrency > 0 {
		r.sem = semaphore.NewWeighted(int64(options.concurrency))
	}

	for _, id := range state.initialReady() {
		r.dispatch(id)
	}
	r.wg.Wait()
	state.sweepSkipped()

	return e.finish(ctx, span, options,
		newResult(runID, state, options.continueOnError, time.Since(start)))
}

// collectValidationErrors merges dangling-reference errors with cycle
// detection. Structural errors take precedence; cycles are only
// reported on a structurally sound graph.
func (e *Executor) collectValidationErrors() []NodeError {
	var out []NodeError
	for _, err := range e.graph.ValidateTopology() {
		var ne *NodeError
		if errors.As(err, &ne) {
			out = append(out, *ne)
		} else {
			out = append(out, NodeError{Kind: KindValidation, Err: err})
		}
	}
	if len(out) > 0 {
		return out
	}
	if cycle := e.graph.DetectCycles(); len(cycle) > 0 {
		out = append(out, NodeError{
			NodeID: cycle[0],
			Kind:   KindValidation,
			Err:    NewCycleError(cycle),
		})
	}
	return out
}

// seedFromCheckpoint replays completed nodes from an earlier run with
// the same id. Records for unknown nodes are logged and ignored so a
// reshaped graph can still resume.
func (e *Executor) seedFromCheckpoint(ctx context.Context, span trace.Span, store CheckpointStore, runID string, state *runState) error {
	records, err := store.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("load checkpoint for run %q: %w", runID, err)
	}
	resumed := 0
	for id, rec := range records {
		if rec.Status != NodeStatusCompleted {
			continue
		}
		if !e.graph.HasNode(id) {
			e.logger.Warn("checkpoint record references unknown node",
				slog.String("node", id),
				slog.String("run_id", runID))
			continue
		}
		state.seedCompleted(id, rec.Output)
		resumed++
	}
	if resumed > 0 {
		span.SetAttributes(attribute.Int("dag.nodes_resumed", resumed))
		e.logger.Info("resuming from checkpoint",
			slog.String("run_id", runID),
			slog.Int("nodes_resumed", resumed))
	}
	return nil
}

// finish records run-level telemetry, notifies listeners, and returns
// the result.
func (e *Executor) finish(ctx context.Context, span trace.Span, options *executeOptions, result *ExecutionResult) (*ExecutionResult, error) {
	if e.runLatency != nil {
		e.runLatency.Record(ctx, result.Duration.Seconds(),
			metric.WithAttributes(attribute.String("dag", e.graph.Name())))
	}
	span.SetAttributes(
		attribute.String("dag.status", result.Status.String()),
		attribute.Int("dag.nodes_executed", result.NodesExecuted),
	)

	switch result.Status {
	case RunCompleted:
		span.SetStatus(codes.Ok, "")
		e.logger.Info("run completed",
			slog.String("dag", e.graph.Name()),
			slog.String("run_id", result.RunID),
			slog.Duration("duration", result.Duration),
			slog.Int("nodes_executed", result.NodesExecuted))
	case RunPartial:
		span.SetStatus(codes.Error, "run partially failed")
		e.logger.Warn("run partially failed",
			slog.String("dag", e.graph.Name()),
			slog.String("run_id", result.RunID),
			slog.Duration("duration", result.Duration),
			slog.Int("failed", len(result.Errors)),
			slog.Int("skipped", len(result.Skipped)))
	default:
		span.SetStatus(codes.Error, "run failed")
		e.logger.Error("run failed",
			slog.String("dag", e.graph.Name()),
			slog.String("run_id", result.RunID),
			slog.Duration("duration", result.Duration),
			slog.Int("failed", len(result.Errors)),
			slog.Int("skipped", len(result.Skipped)))
	}

	for _, l := range options.listeners {
		l.OnRunCompleted(result)
	}
	return result, nil
}

// runner carries the per-run scheduling machinery.
type runner struct {
	ex    *Executor
	graph *Graph
	opts  *executeOptions
	state *runState

	runID string
	input any

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	runCtx context.Context
	abort  context.CancelCauseFunc

	// saveCtx survives run cancellation so terminal outcomes still
	// reach the checkpoint store.
	saveCtx context.Context
}

// dispatch hands a pending node to the scheduler. wg.Add happens
// before the goroutine starts, and completing nodes dispatch their
// dependents before releasing their own wg slot, so the wait group
// never drains while work remains.
func (r *runner) dispatch(id string) {
	if !r.state.markReady(id) {
		return
	}
	r.wg.Add(1)
	go r.runNode(id)
}

// runNode executes one node through its retry budget and records the
// terminal outcome.
func (r *runner) runNode(id string) {
	defer r.wg.Done()

	if r.sem != nil {
		if err := r.sem.Acquire(r.runCtx, 1); err != nil {
			// Run cancelled while queued; the sweep marks it skipped.
			return
		}
		defer r.sem.Release(1)
	}
	if r.runCtx.Err() != nil {
		return
	}
	if !r.state.beginNode(id) {
		return
	}

	n := r.graph.nodeByID(id)
	r.notifyStarted(id)

	ctx, span := tracer.Start(r.runCtx, "dag.Node", trace.WithAttributes(
		attribute.String("dag.node", id),
		attribute.String("dag.run_id", r.runID),
		attribute.StringSlice("dag.dependencies", r.graph.Dependencies(id)),
		attribute.Int("dag.retries", n.retries),
	))
	defer span.End()

	if r.ex.activeNodes != nil {
		r.ex.activeNodes.Add(ctx, 1)
		defer r.ex.activeNodes.Add(ctx, -1)
	}
	r.ex.logger.Debug("node starting",
		slog.String("node", id),
		slog.String("run_id", r.runID))

	inputs := r.gatherInputs(id)
	start := time.Now()
	output, nodeErr := r.runAttempts(ctx, n, inputs)
	duration := time.Since(start)

	if r.ex.nodeLatency != nil {
		r.ex.nodeLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("node", id)))
	}

	if nodeErr != nil {
		r.recordFailure(ctx, span, id, nodeErr, duration)
		return
	}

	if r.ex.nodeSuccesses != nil {
		r.ex.nodeSuccesses.Add(ctx, 1, metric.WithAttributes(attribute.String("node", id)))
	}
	span.SetStatus(codes.Ok, "")

	ready, applied := r.state.completeNode(id, output, duration)
	if !applied {
		return
	}
	r.saveRecord(id, NodeStatusCompleted, output)
	r.notifyCompleted(id, output)
	r.ex.logger.Info("node completed",
		slog.String("node", id),
		slog.String("run_id", r.runID),
		slog.Duration("duration", duration))

	for _, dep := range ready {
		r.dispatch(dep)
	}
}

// recordFailure applies a terminal node failure and enforces the run's
// failure policy.
func (r *runner) recordFailure(ctx context.Context, span trace.Span, id string, nodeErr *NodeError, duration time.Duration) {
	if r.ex.nodeFailures != nil {
		r.ex.nodeFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("node", id),
			attribute.String("kind", nodeErr.Kind.String()),
		))
	}
	span.RecordError(nodeErr)
	span.SetStatus(codes.Error, nodeErr.Kind.String())

	if !r.state.failNode(id, *nodeErr, duration) {
		return
	}
	r.saveRecord(id, statusForKind(nodeErr.Kind), nil)
	r.notifyFailed(id, nodeErr)
	r.ex.logger.Error("node failed",
		slog.String("node", id),
		slog.String("run_id", r.runID),
		slog.String("kind", nodeErr.Kind.String()),
		slog.Duration("duration", duration),
		slog.String("error", nodeErr.Error()))

	switch {
	case nodeErr.Kind == KindGlobalTimeout || nodeErr.Kind == KindCancelled:
		// The run context is already dead; just stop admitting work.
		r.state.stop()
	case r.opts.continueOnError:
		r.skipDependents(id)
	default:
		r.state.stop()
		r.abort(ErrRunAborted)
	}
}

// runAttempts drives a node through its retry budget and returns the
// output or the terminal failure.
func (r *runner) runAttempts(ctx context.Context, n *node, inputs map[string]any) (any, *NodeError) {
	var lastErr *NodeError
	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 {
			if !r.sleepBackoff(ctx, attempt) {
				return nil, lastErr
			}
			r.ex.logger.Warn("retrying node",
				slog.String("node", n.id),
				slog.String("run_id", r.runID),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", n.retries+1))
		}
		output, nerr := r.runOnce(ctx, n, inputs)
		if nerr == nil {
			return output, nil
		}
		lastErr = nerr
		if !nerr.Kind.Retryable() {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// runOnce executes a single attempt. The compute function runs on its
// own goroutine so a non-cooperative node can be force-failed at its
// deadline; a late result is discarded by the write-once state.
func (r *runner) runOnce(ctx context.Context, n *node, inputs map[string]any) (any, *NodeError) {
	var attemptCtx context.Context
	var cancel context.CancelFunc
	if n.timeout > 0 {
		attemptCtx, cancel = context.WithTimeoutCause(ctx, n.timeout, ErrNodeTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type computeResult struct {
		output any
		err    error
	}
	resCh := make(chan computeResult, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				resCh <- computeResult{err: fmt.Errorf("compute panic: %v", p)}
			}
		}()
		out, err := n.compute(attemptCtx, inputs)
		resCh <- computeResult{output: out, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err == nil {
			return res.output, nil
		}
		return nil, r.classify(attemptCtx, n.id, res.err, time.Since(start))
	case <-attemptCtx.Done():
		return nil, r.classify(attemptCtx, n.id, nil, time.Since(start))
	}
}

// classify maps an attempt outcome to a failure kind. Context death
// outranks the compute's own error so a node that errors while being
// cancelled reports the interruption, matching what the caller asked
// for.
func (r *runner) classify(ctx context.Context, id string, computeErr error, elapsed time.Duration) *NodeError {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrNodeTimeout):
		return NewNodeError(id, KindTimeout,
			fmt.Errorf("%w after %s", ErrNodeTimeout, elapsed.Round(time.Millisecond)))
	case errors.Is(cause, ErrRunTimeout):
		return NewNodeError(id, KindGlobalTimeout,
			fmt.Errorf("%w after %s", ErrRunTimeout, elapsed.Round(time.Millisecond)))
	case ctx.Err() != nil:
		return NewNodeError(id, KindCancelled, cause)
	default:
		return NewNodeError(id, KindExecution, computeErr)
	}
}

// gatherInputs assembles the inputs map for a node: dependency outputs
// keyed by dependency id, or the run's initial input for roots.
func (r *runner) gatherInputs(id string) map[string]any {
	deps := r.graph.Dependencies(id)
	inputs := make(map[string]any, len(deps)+1)
	if len(deps) == 0 {
		inputs[RootInputKey] = r.input
		return inputs
	}
	for _, dep := range deps {
		if out, ok := r.state.output(dep); ok {
			inputs[dep] = out
		}
	}
	return inputs
}

// skipDependents transitively skips everything downstream of a failed
// node. The skipNode transition guard keeps diamonds from being
// visited twice.
func (r *runner) skipDependents(id string) {
	for _, dep := range r.graph.Dependents(id) {
		if r.state.skipNode(dep) {
			r.ex.logger.Debug("skipping node",
				slog.String("node", dep),
				slog.String("run_id", r.runID),
				slog.String("failed_dependency", id))
			r.skipDependents(dep)
		}
	}
}

// saveRecord persists a node's terminal outcome. Save failures are
// logged and otherwise ignored; a lost record only costs a recompute
// on resume.
func (r *runner) saveRecord(id string, status NodeStatus, output any) {
	if r.opts.store == nil {
		return
	}
	rec := CheckpointRecord{
		RunID:     r.runID,
		NodeID:    id,
		Status:    status,
		Output:    output,
		Timestamp: time.Now().UTC(),
	}
	if err := r.opts.store.Save(r.saveCtx, rec); err != nil {
		r.ex.logger.Warn("checkpoint save failed",
			slog.String("node", id),
			slog.String("run_id", r.runID),
			slog.String("error", err.Error()))
	}
}

// sleepBackoff waits out the pre-retry delay. Returns false if the run
// died first.
func (r *runner) sleepBackoff(ctx context.Context, attempt int) bool {
	t := time.NewTimer(retryDelay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay returns the backoff before the given attempt (1-based
// over retries): base * 2^(attempt-1), capped.
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempt && d < retryMaxDelay; i++ {
		d *= 2
	}
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}

func (r *runner) notifyStarted(id string) {
	for _, l := range r.opts.listeners {
		l.OnNodeStarted(id)
	}
}

func (r *runner) notifyCompleted(id string, output any) {
	for _, l := range r.opts.listeners {
		l.OnNodeCompleted(id, output)
	}
}

func (r *runner) notifyFailed(id string, err *NodeError) {
	for _, l := range r.opts.listeners {
		l.OnNodeFailed(id, err)
	}
}
