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
	"fmt"
	"time"
)

// ExecuteOption configures a single run.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	globalTimeout   time.Duration
	continueOnError bool
	concurrency     int
	runID           string
	store           CheckpointStore
	listeners       []Listener
}

func newExecuteOptions() *executeOptions {
	return &executeOptions{}
}

func (o *executeOptions) validate() error {
	if o.globalTimeout < 0 {
		return fmt.Errorf("%w: global timeout cannot be negative", ErrInvalidInput)
	}
	if o.concurrency < 0 {
		return fmt.Errorf("%w: concurrency cannot be negative", ErrInvalidInput)
	}
	return nil
}

// WithGlobalTimeout bounds the whole run. When the deadline expires,
// in-flight nodes are interrupted and reported with the GlobalTimeout
// kind, and no further nodes start. Zero means unbounded.
func WithGlobalTimeout(d time.Duration) ExecuteOption {
	return func(o *executeOptions) {
		o.globalTimeout = d
	}
}

// WithContinueOnError keeps the run going after a node fails: only the
// failed node's transitive dependents are skipped, and independent
// branches keep executing. The default is fail fast, which stops
// admission and cancels in-flight nodes on the first failure.
func WithContinueOnError(enabled bool) ExecuteOption {
	return func(o *executeOptions) {
		o.continueOnError = enabled
	}
}

// WithConcurrency caps how many nodes run at once. Zero means
// unbounded.
func WithConcurrency(n int) ExecuteOption {
	return func(o *executeOptions) {
		o.concurrency = n
	}
}

// WithRunID pins the run identifier instead of generating one. A run
// resumes from a checkpoint store only when both the store and a
// caller-supplied run id are set.
func WithRunID(id string) ExecuteOption {
	return func(o *executeOptions) {
		o.runID = id
	}
}

// WithCheckpointStore records each node's terminal outcome as it
// happens, and replays previously completed nodes when the run id
// matches an earlier run.
func WithCheckpointStore(store CheckpointStore) ExecuteOption {
	return func(o *executeOptions) {
		o.store = store
	}
}

// WithListener subscribes a lifecycle listener to the run. May be
// given multiple times; listeners are invoked synchronously in
// registration order.
func WithListener(l Listener) ExecuteOption {
	return func(o *executeOptions) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}
