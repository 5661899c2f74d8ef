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

// Package streaming fans audit events out to subscribed WebSocket
// connections.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/events"
	"github.com/amtp-protocol/a2a-gateway/internal/logging"
	"github.com/amtp-protocol/a2a-gateway/pkg/ids"
)

var (
	// ErrNotAuthenticated is returned when subscribing before auth
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrNotOwner hides ids that belong to another credential
	ErrNotOwner = errors.New("audit not found")
	// ErrConnectionClosed is returned for operations on a closed connection
	ErrConnectionClosed = errors.New("connection closed")
)

// Principal is the identity bound to a connection after auth
type Principal struct {
	AgentID       string
	CredentialKey string
	Tier          string
}

// Authenticator resolves a presented credential
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Principal, error)
}

// OwnerFunc returns the credential key owning an audit or batch id
type OwnerFunc func(ctx context.Context, id string) (string, bool)

// Observer receives hub metrics
type Observer interface {
	ConnectionsChanged(n int)
	BroadcastFailed()
}

// Options tunes the hub
type Options struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	SendBuffer       int
	Now              func() time.Time
}

// Connection is one client. Outbound frames go through a bounded buffer
// drained by a single writer, so per-connection order is preserved.
type Connection struct {
	ID         string
	RemoteAddr string

	mu            sync.Mutex
	principal     *Principal
	subs          map[string]struct{}
	lastHeartbeat time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Send returns the outbound frame channel
func (c *Connection) Send() <-chan []byte {
	return c.send
}

// Done is closed when the hub drops the connection
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Principal returns the bound identity, if any
func (c *Connection) Principal() *Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// Subscriptions returns the ids the connection follows
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// LastHeartbeat returns the last time the client was heard from
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// enqueue never blocks; false means the frame was not accepted
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// context is cancelled once the connection is dropped
func (c *Connection) context() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-c.done
		cancel()
	}()
	return ctx
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Stats is a snapshot of hub state
type Stats struct {
	Connections       int   `json:"connections"`
	Authenticated     int   `json:"authenticated"`
	Subscriptions     int   `json:"subscriptions"`
	BroadcastFailures int64 `json:"broadcast_failures"`
}

// Hub tracks connections and their subscriptions
type Hub struct {
	auth   Authenticator
	owner  OwnerFunc
	logger *logging.Logger
	opts   Options

	mu    sync.RWMutex
	conns map[string]*Connection
	subs  map[string]map[string]*Connection

	observer Observer
	failures atomic.Int64
}

// NewHub creates a hub. owner may be nil to skip ownership checks.
func NewHub(auth Authenticator, owner OwnerFunc, logger *logging.Logger, opts Options) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	return &Hub{
		auth:   auth,
		owner:  owner,
		logger: logger.WithComponent("streaming"),
		opts:   opts,
		conns:  make(map[string]*Connection),
		subs:   make(map[string]map[string]*Connection),
	}
}

// SetObserver attaches a metrics observer
func (h *Hub) SetObserver(o Observer) {
	h.observer = o
}

// Register adds a new anonymous connection
func (h *Hub) Register(remoteAddr string) *Connection {
	c := &Connection{
		ID:            ids.New(ids.PrefixConn),
		RemoteAddr:    remoteAddr,
		subs:          make(map[string]struct{}),
		lastHeartbeat: h.opts.Now(),
		send:          make(chan []byte, h.opts.SendBuffer),
		done:          make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()

	h.connectionsChanged(n)
	h.logger.WithField("conn_id", c.ID).Debug("connection registered")
	return c
}

// Unregister drops a connection and every subscription it held
func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		c.close()
		return
	}
	delete(h.conns, c.ID)
	c.mu.Lock()
	for id := range c.subs {
		h.removeSubLocked(id, c.ID)
	}
	c.subs = make(map[string]struct{})
	c.mu.Unlock()
	n := len(h.conns)
	h.mu.Unlock()

	c.close()
	h.connectionsChanged(n)
	h.logger.WithField("conn_id", c.ID).Debug("connection unregistered")
}

func (h *Hub) removeSubLocked(id, connID string) {
	set := h.subs[id]
	delete(set, connID)
	if len(set) == 0 {
		delete(h.subs, id)
	}
}

func (h *Hub) connectionsChanged(n int) {
	if h.observer != nil {
		h.observer.ConnectionsChanged(n)
	}
}

// Heartbeat marks the connection as alive
func (h *Hub) Heartbeat(c *Connection) {
	c.mu.Lock()
	c.lastHeartbeat = h.opts.Now()
	c.mu.Unlock()
}

// Authenticate binds a principal to the connection
func (h *Hub) Authenticate(ctx context.Context, c *Connection, credential string) (*Principal, error) {
	if h.auth == nil {
		return nil, ErrNotAuthenticated
	}
	p, err := h.auth.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.principal = p
	c.mu.Unlock()
	h.logger.WithFields(map[string]interface{}{"conn_id": c.ID, "agent_id": p.AgentID}).Debug("connection authenticated")
	return p, nil
}

func (h *Hub) owns(ctx context.Context, p *Principal, id string) bool {
	if h.owner == nil {
		return true
	}
	owner, ok := h.owner(ctx, id)
	return ok && owner == p.CredentialKey
}

// Subscribe attaches id to the connection. The connection must be
// authenticated with the credential that created id.
func (h *Hub) Subscribe(ctx context.Context, c *Connection, id string) error {
	p := c.Principal()
	if p == nil {
		return ErrNotAuthenticated
	}
	if !h.owns(ctx, p, id) {
		return ErrNotOwner
	}
	return h.attach(c, id)
}

func (h *Hub) attach(c *Connection, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return ErrConnectionClosed
	}
	set, ok := h.subs[id]
	if !ok {
		set = make(map[string]*Connection)
		h.subs[id] = set
	}
	set[c.ID] = c
	c.mu.Lock()
	c.subs[id] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe detaches id from the connection
func (h *Hub) Unsubscribe(c *Connection, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSubLocked(id, c.ID)
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// AttachCredential subscribes id on every live connection authenticated
// with credentialKey and returns how many were attached. Ownership is the
// caller's concern.
func (h *Hub) AttachCredential(credentialKey, id string) int {
	n := 0
	for _, c := range h.connectionsFor(credentialKey) {
		if h.attach(c, id) == nil {
			n++
		}
	}
	return n
}

// DetachCredential reverses AttachCredential
func (h *Hub) DetachCredential(credentialKey, id string) int {
	conns := h.connectionsFor(credentialKey)
	for _, c := range conns {
		h.Unsubscribe(c, id)
	}
	return len(conns)
}

func (h *Hub) connectionsFor(credentialKey string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Connection
	for _, c := range h.conns {
		if p := c.Principal(); p != nil && p.CredentialKey == credentialKey {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast delivers frame to every subscriber of id without blocking. A
// subscriber that cannot accept the frame is dropped and the rest still
// receive it. It returns the number of successful deliveries.
func (h *Hub) Broadcast(id string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.subs[id]))
	for _, c := range h.subs[id] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			delivered++
			continue
		}
		h.failures.Add(1)
		if h.observer != nil {
			h.observer.BroadcastFailed()
		}
		h.logger.WithFields(map[string]interface{}{"conn_id": c.ID, "audit_id": id}).Warn("dropping subscriber after failed send")
		h.Unregister(c)
	}
	return delivered
}

// HandleEvent implements events.Subscriber
func (h *Hub) HandleEvent(ev events.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", err)
		return
	}
	h.Broadcast(ev.AuditID, frame)
}

// Sweep drops connections whose last heartbeat is older than the timeout
func (h *Hub) Sweep(now time.Time) int {
	cutoff := now.Add(-h.opts.HeartbeatTimeout)
	h.mu.RLock()
	var stale []*Connection
	for _, c := range h.conns {
		if c.LastHeartbeat().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.Unregister(c)
	}
	if len(stale) > 0 {
		h.logger.Infof("swept %d stale connections", len(stale))
	}
	return len(stale)
}

// Run sweeps periodically until ctx is done, then closes every connection
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-time.After(h.opts.SweepInterval):
			h.Sweep(h.opts.Now())
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(c)
	}
}

// Stats returns a snapshot of hub state
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{
		Connections:       len(h.conns),
		BroadcastFailures: h.failures.Load(),
	}
	for _, c := range h.conns {
		if c.Principal() != nil {
			s.Authenticated++
		}
	}
	for _, set := range h.subs {
		s.Subscriptions += len(set)
	}
	return s
}

// HeartbeatTimeout exposes the configured timeout for transports
func (h *Hub) HeartbeatTimeout() time.Duration {
	return h.opts.HeartbeatTimeout
}
