// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events bridges run lifecycle notifications onto a message
// bus, so other processes can follow pipeline progress without
// polling checkpoint storage.
//
// Bus implements dag.Listener and publishes one JSON message per
// lifecycle callback through any Watermill publisher (in-process
// gochannel, Kafka, AMQP). Publishing is best effort: a bus failure
// is logged and never fails the run that produced the event.
package events

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/DevilsDev/rag-pipeline-utils-sub008/dag"
)

// DefaultTopic is the topic events are published to unless WithTopic
// overrides it.
const DefaultTopic = "dag.events"

// Event types carried in the payload and the event_type metadata key.
const (
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventRunCompleted  = "run_completed"
)

// Event is the JSON payload of one published message.
//
// NodeID and Output are set on node events; Status and the run
// summary fields are set on run_completed. Outputs that are not
// JSON-serializable cause the event to be dropped with a warning.
type Event struct {
	Type          string      `json:"type"`
	RunID         string      `json:"runId,omitempty"`
	NodeID        string      `json:"nodeId,omitempty"`
	Status        string      `json:"status,omitempty"`
	Output        any         `json:"output,omitempty"`
	Error         *EventError `json:"error,omitempty"`
	NodesExecuted int         `json:"nodesExecuted,omitempty"`
	At            time.Time   `json:"at"`
}

// EventError is the wire form of a node failure, mirroring the JSON
// shape of dag.NodeError so subscribers need no dag types to decode
// it.
type EventError struct {
	NodeID  string `json:"nodeId"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Bus publishes run lifecycle events to a Watermill topic.
//
// Thread Safety: safe for concurrent use when the underlying
// publisher is; the executor may invoke it from several node
// goroutines at once.
type Bus struct {
	publisher message.Publisher
	topic     string
	runID     string
	logger    *slog.Logger
}

var _ dag.Listener = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithTopic overrides the publish topic.
func WithTopic(topic string) Option {
	return func(b *Bus) { b.topic = topic }
}

// WithRunID stamps node events with the run id. The executor's
// listener callbacks carry only node ids, so callers that pin the run
// id via dag.WithRunID should mirror it here; run_completed events
// always carry the id from the result.
func WithRunID(runID string) Option {
	return func(b *Bus) { b.runID = runID }
}

// WithLogger sets the logger for publish failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus wraps a Watermill publisher as a dag.Listener. The caller
// keeps ownership of the publisher and closes it after the run.
func NewBus(publisher message.Publisher, opts ...Option) (*Bus, error) {
	if publisher == nil {
		return nil, errors.New("publisher must not be nil")
	}
	b := &Bus{
		publisher: publisher,
		topic:     DefaultTopic,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.topic == "" {
		return nil, errors.New("topic must not be empty")
	}
	return b, nil
}

// OnNodeStarted publishes a node_started event.
func (b *Bus) OnNodeStarted(nodeID string) {
	b.publish(Event{
		Type:   EventNodeStarted,
		RunID:  b.runID,
		NodeID: nodeID,
		At:     time.Now().UTC(),
	})
}

// OnNodeCompleted publishes a node_completed event with the node's
// output.
func (b *Bus) OnNodeCompleted(nodeID string, output any) {
	b.publish(Event{
		Type:   EventNodeCompleted,
		RunID:  b.runID,
		NodeID: nodeID,
		Output: output,
		At:     time.Now().UTC(),
	})
}

// OnNodeFailed publishes a node_failed event carrying the failure
// detail.
func (b *Bus) OnNodeFailed(nodeID string, nodeErr *dag.NodeError) {
	var detail *EventError
	if nodeErr != nil {
		msg := ""
		if nodeErr.Err != nil {
			msg = nodeErr.Err.Error()
		}
		detail = &EventError{
			NodeID:  nodeErr.NodeID,
			Kind:    nodeErr.Kind.String(),
			Message: msg,
		}
	}
	b.publish(Event{
		Type:   EventNodeFailed,
		RunID:  b.runID,
		NodeID: nodeID,
		Error:  detail,
		At:     time.Now().UTC(),
	})
}

// OnRunCompleted publishes a run_completed event summarizing the run.
func (b *Bus) OnRunCompleted(result *dag.ExecutionResult) {
	if result == nil {
		return
	}
	b.publish(Event{
		Type:          EventRunCompleted,
		RunID:         result.RunID,
		Status:        result.Status.String(),
		NodesExecuted: result.NodesExecuted,
		At:            time.Now().UTC(),
	})
}

func (b *Bus) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("dropping run event, payload not serializable",
			slog.String("type", ev.Type),
			slog.String("node", ev.NodeID),
			slog.Any("error", err))
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event_type", ev.Type)
	if ev.RunID != "" {
		msg.Metadata.Set("run_id", ev.RunID)
	}
	if ev.NodeID != "" {
		msg.Metadata.Set("node_id", ev.NodeID)
	}

	if err := b.publisher.Publish(b.topic, msg); err != nil {
		b.logger.Warn("run event publish failed",
			slog.String("type", ev.Type),
			slog.String("topic", b.topic),
			slog.Any("error", err))
	}
}
