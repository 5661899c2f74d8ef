/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package events carries job progress from the queue to whoever listens.
// Producers only publish; they never learn who consumed an event.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Type names an event shape
type Type string

const (
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// Event is one progress, completion or error notification for an audit id
type Event struct {
	Type       Type                   `json:"type"`
	AuditID    string                 `json:"audit_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Stage      string                 `json:"stage,omitempty"`
	Percent    int                    `json:"percent,omitempty"`
	Step       int                    `json:"step,omitempty"`
	TotalSteps int                    `json:"total_steps,omitempty"`
	Result     json.RawMessage        `json:"result,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Progress builds a progress event
func Progress(auditID, stage string, percent, step, total int) Event {
	return Event{
		Type:       TypeProgress,
		AuditID:    auditID,
		Timestamp:  time.Now().UTC(),
		Stage:      stage,
		Percent:    clampPercent(percent),
		Step:       step,
		TotalSteps: total,
	}
}

// Complete builds a completion event
func Complete(auditID string, result json.RawMessage) Event {
	return Event{
		Type:      TypeComplete,
		AuditID:   auditID,
		Timestamp: time.Now().UTC(),
		Percent:   100,
		Result:    result,
	}
}

// Failure builds an error event
func Failure(auditID, message string, context map[string]interface{}) Event {
	return Event{
		Type:      TypeError,
		AuditID:   auditID,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Context:   context,
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Publisher accepts events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Subscriber receives every event published on a Bus
type Subscriber interface {
	HandleEvent(ev Event)
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(ev Event)

// HandleEvent implements Subscriber
func (f SubscriberFunc) HandleEvent(ev Event) { f(ev) }

// Bus fans events out to in-process subscribers in publish order
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers s for all future events
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Publish implements Publisher
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()

	for _, s := range subs {
		s.HandleEvent(ev)
	}
}

// Discard is a Publisher that drops every event
type Discard struct{}

// Publish implements Publisher
func (Discard) Publish(ctx context.Context, ev Event) {}
