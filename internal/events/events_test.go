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

package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/logging"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(SubscriberFunc(func(ev Event) { got = append(got, ev) }))

	ctx := context.Background()
	bus.Publish(ctx, Progress("a1", "fetch", 10, 1, 3))
	bus.Publish(ctx, Progress("a1", "analyze", 60, 2, 3))
	bus.Publish(ctx, Complete("a1", json.RawMessage(`{"score":90}`)))

	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	if got[0].Stage != "fetch" || got[1].Stage != "analyze" || got[2].Type != TypeComplete {
		t.Errorf("Events out of order: %+v", got)
	}
	if got[2].Percent != 100 {
		t.Errorf("Expected completion percent 100, got %d", got[2].Percent)
	}
}

func TestProgressClampsPercent(t *testing.T) {
	if ev := Progress("a", "x", 150, 0, 0); ev.Percent != 100 {
		t.Errorf("Expected 100, got %d", ev.Percent)
	}
	if ev := Progress("a", "x", -5, 0, 0); ev.Percent != 0 {
		t.Errorf("Expected 0, got %d", ev.Percent)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	fail   bool
	closed bool
}

func (s *recordingSink) Send(ctx context.Context, ev Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broker down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	async := NewAsyncSink("test", sink, 2, logging.Nop())

	bus := NewBus()
	bus.Subscribe(async)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(context.Background(), Progress("a1", "x", i, 0, 0))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publisher blocked on a stalled sink")
	}

	close(sink.block)
	if err := async.Close(); err != nil {
		t.Fatalf("Failed to close sink: %v", err)
	}
	if async.Dropped() == 0 {
		t.Error("Expected dropped events with a stalled sink")
	}
	if !sink.closed {
		t.Error("Expected underlying sink to be closed")
	}
}

func TestAsyncSinkSurvivesErrors(t *testing.T) {
	sink := &recordingSink{fail: true}
	async := NewAsyncSink("test", sink, 8, logging.Nop())
	async.HandleEvent(Failure("a1", "engine unavailable", map[string]interface{}{"attempt": 1}))
	if err := async.Close(); err != nil {
		t.Fatalf("Failed to close sink: %v", err)
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(Event{Type: TypeError}); got != "audit.error" {
		t.Errorf("Unexpected routing key %s", got)
	}
}

func TestNewSinksRequireURL(t *testing.T) {
	if _, err := NewAMQPSink("", "x"); err == nil {
		t.Error("Expected error for empty amqp url")
	}
	if _, err := NewNATSSink("", "x"); err == nil {
		t.Error("Expected error for empty nats url")
	}
}
