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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/amtp-protocol/a2a-gateway/internal/logging"
)

// Sink ships events to an external system
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// AsyncSink decouples a Sink from the bus with a bounded buffer. When the
// buffer is full the event is dropped and counted.
type AsyncSink struct {
	sink    Sink
	name    string
	ch      chan Event
	timeout time.Duration
	dropped atomic.Int64
	logger  *logging.Logger
	done    chan struct{}
	once    sync.Once
}

// NewAsyncSink starts a forwarding goroutine for sink
func NewAsyncSink(name string, sink Sink, buffer int, logger *logging.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		sink:    sink,
		name:    name,
		ch:      make(chan Event, buffer),
		timeout: 5 * time.Second,
		logger:  logger.WithComponent("events").WithField("sink", name),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// HandleEvent implements Subscriber
func (s *AsyncSink) HandleEvent(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.sink.Send(ctx, ev); err != nil {
			s.logger.Warnf("failed to forward %s event for %s: %v", ev.Type, ev.AuditID, err)
		}
		cancel()
	}
}

// Close drains the buffer and closes the underlying sink
func (s *AsyncSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.ch)
		<-s.done
		err = s.sink.Close()
	})
	return err
}

// AMQPSink publishes events to a topic exchange routed by event type
type AMQPSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex
}

// NewAMQPSink dials url and declares exchange
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare amqp exchange: %w", err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Send implements Sink
func (s *AMQPSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(ev), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Timestamp,
		Body:         body,
	})
}

// Close implements Sink
func (s *AMQPSink) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// NATSSink publishes events on subject.<type>
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to url
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	conn, err := nats.Connect(url,
		nats.Name("a2a-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Send implements Sink
func (s *NATSSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject+"."+RoutingKey(ev), body)
}

// Close implements Sink
func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

// RoutingKey returns the broker routing suffix for ev
func RoutingKey(ev Event) string {
	return "audit." + string(ev.Type)
}
