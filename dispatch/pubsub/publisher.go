// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package pubsub hands scheduler runs to workers through Google Cloud
// Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/changkun/monsched"
)

// Message attributes set on every published run.
const (
	AttrEvent       = "event"
	AttrStatus      = "status"
	AttrMonitorID   = "monitor_id"
	AttrMarketplace = "marketplace"
	AttrRetryCount  = "retry_count"
)

// Event names.
const (
	EventStart  = "start"
	EventUpdate = "update"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
	log   *zap.Logger
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic, log *zap.Logger) *Publisher {
	return &Publisher{topic: topic, log: log.Named("dispatch")}
}

// Hooks returns scheduler hooks publishing every run passed to them.
// Runs are ordered per monitor when the topic has message ordering enabled.
func (p *Publisher) Hooks() monsched.Hooks {
	return monsched.Hooks{
		OnJobStart: func(ctx context.Context, run *monsched.Run) error {
			_, err := p.Publish(ctx, EventStart, run)
			return err
		},
		OnJobUpdate: func(ctx context.Context, run *monsched.Run) error {
			_, err := p.Publish(ctx, EventUpdate, run)
			return err
		},
	}
}

// Publish marshals the run to JSON and publishes it with routing attributes.
// It blocks until the server acknowledges the message.
func (p *Publisher) Publish(ctx context.Context, event string, run *monsched.Run) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("marshal run: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrEvent:       event,
			AttrStatus:      string(run.Status),
			AttrMonitorID:   run.MonitorID,
			AttrMarketplace: run.Site,
			AttrRetryCount:  strconv.Itoa(run.RetryCount),
		},
	}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = run.MonitorID
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish %s event: %w", event, err)
	}
	p.log.Debug("run published",
		zap.String("message_id", id),
		zap.String("event", event),
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)))
	return id, nil
}

// Close flushes pending messages and stops the topic's publish goroutines.
func (p *Publisher) Close() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
