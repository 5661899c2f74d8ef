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

package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amtp-protocol/a2a-gateway/internal/events"
)

type stubAuth struct{}

func (stubAuth) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	switch credential {
	case "cred-a":
		return &Principal{AgentID: "agent-a", CredentialKey: "key-a", Tier: "pro"}, nil
	case "cred-b":
		return &Principal{AgentID: "agent-b", CredentialKey: "key-b", Tier: "free"}, nil
	}
	return nil, errors.New("invalid credential")
}

func ownedBy(owners map[string]string) OwnerFunc {
	return func(ctx context.Context, id string) (string, bool) {
		o, ok := owners[id]
		return o, ok
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestHub(clock *fakeClock, buffer int) *Hub {
	return NewHub(stubAuth{}, ownedBy(map[string]string{"aud_1": "key-a", "bat_1": "key-a"}), nil, Options{
		HeartbeatTimeout: time.Minute,
		SendBuffer:       buffer,
		Now:              clock.Now,
	})
}

func authed(t *testing.T, h *Hub, cred string) *Connection {
	t.Helper()
	c := h.Register("127.0.0.1:1")
	if _, err := h.Authenticate(context.Background(), c, cred); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	return c
}

func TestSubscribeRequiresAuthAndOwnership(t *testing.T) {
	h := newTestHub(&fakeClock{now: time.Unix(1700000000, 0)}, 8)
	ctx := context.Background()

	anon := h.Register("127.0.0.1:1")
	if err := h.Subscribe(ctx, anon, "aud_1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}

	other := authed(t, h, "cred-b")
	if err := h.Subscribe(ctx, other, "aud_1"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Expected ErrNotOwner, got %v", err)
	}
	if err := h.Subscribe(ctx, other, "aud_missing"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Unknown ids should look like foreign ones, got %v", err)
	}

	owner := authed(t, h, "cred-a")
	if err := h.Subscribe(ctx, owner, "aud_1"); err != nil {
		t.Errorf("Owner subscribe failed: %v", err)
	}
	if got := owner.Subscriptions(); len(got) != 1 || got[0] != "aud_1" {
		t.Errorf("Unexpected subscriptions %v", got)
	}
}

func TestBroadcastSurvivesFailedSubscriber(t *testing.T) {
	h := newTestHub(&fakeClock{now: time.Unix(1700000000, 0)}, 8)
	ctx := context.Background()

	var conns []*Connection
	for range 3 {
		c := authed(t, h, "cred-a")
		if err := h.Subscribe(ctx, c, "aud_1"); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		conns = append(conns, c)
	}
	// simulate a socket that died without unregistering
	conns[1].close()

	delivered := h.Broadcast("aud_1", []byte(`{"type":"progress"}`))
	if delivered != 2 {
		t.Errorf("Expected 2 deliveries, got %d", delivered)
	}
	for _, i := range []int{0, 2} {
		select {
		case frame := <-conns[i].Send():
			if string(frame) != `{"type":"progress"}` {
				t.Errorf("Unexpected frame %s", frame)
			}
		default:
			t.Errorf("Connection %d did not receive the frame", i)
		}
	}

	stats := h.Stats()
	if stats.Connections != 2 || stats.Subscriptions != 2 || stats.BroadcastFailures != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestBroadcastDropsSlowConsumer(t *testing.T) {
	h := newTestHub(&fakeClock{now: time.Unix(1700000000, 0)}, 1)
	ctx := context.Background()

	slow := authed(t, h, "cred-a")
	_ = h.Subscribe(ctx, slow, "aud_1")

	if h.Broadcast("aud_1", []byte("1")) != 1 {
		t.Fatal("First frame should fit the buffer")
	}
	if h.Broadcast("aud_1", []byte("2")) != 0 {
		t.Fatal("Second frame should overflow")
	}
	select {
	case <-slow.Done():
	default:
		t.Error("Slow consumer should have been dropped")
	}
}

func TestBroadcastPreservesOrder(t *testing.T) {
	h := newTestHub(&fakeClock{now: time.Unix(1700000000, 0)}, 16)
	c := authed(t, h, "cred-a")
	_ = h.Subscribe(context.Background(), c, "aud_1")

	for i := 0; i < 10; i++ {
		h.HandleEvent(events.Progress("aud_1", "step", i*10, i, 10))
	}
	for i := 0; i < 10; i++ {
		var ev events.Event
		if err := json.Unmarshal(<-c.Send(), &ev); err != nil {
			t.Fatalf("Bad frame: %v", err)
		}
		if ev.Step != i {
			t.Fatalf("Expected step %d, got %d", i, ev.Step)
		}
	}
}

func TestSweepRemovesStaleConnections(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	h := newTestHub(clock, 8)
	ctx := context.Background()

	stale := authed(t, h, "cred-a")
	_ = h.Subscribe(ctx, stale, "aud_1")

	clock.Advance(45 * time.Second)
	fresh := authed(t, h, "cred-a")
	_ = h.Subscribe(ctx, fresh, "aud_1")

	clock.Advance(30 * time.Second)
	if n := h.Sweep(clock.Now()); n != 1 {
		t.Fatalf("Expected 1 swept connection, got %d", n)
	}
	select {
	case <-stale.Done():
	default:
		t.Error("Stale connection should be closed")
	}
	if len(stale.Subscriptions()) != 0 {
		t.Error("Swept connection should hold no subscriptions")
	}
	if h.Broadcast("aud_1", []byte("x")) != 1 {
		t.Error("Fresh connection should still receive events")
	}
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	h := newTestHub(clock, 8)
	c := h.Register("127.0.0.1:1")

	clock.Advance(50 * time.Second)
	h.HandleMessage(context.Background(), c, []byte(`{"type":"ping"}`))
	clock.Advance(50 * time.Second)

	if n := h.Sweep(clock.Now()); n != 0 {
		t.Errorf("Expected no sweep after heartbeat, got %d", n)
	}
}

func TestHandleMessage(t *testing.T) {
	h := newTestHub(&fakeClock{now: time.Unix(1700000000, 0)}, 8)
	ctx := context.Background()
	c := h.Register("127.0.0.1:1")

	if r, ok := h.HandleMessage(ctx, c, []byte(`{"type":"subscribe","audit_id":"aud_1"}`)).(SubscribeResponse); !ok || r.Success {
		t.Errorf("Expected failed subscribe before auth, got %+v", r)
	}
	if r, ok := h.HandleMessage(ctx, c, []byte(`{"type":"auth","api_key":"wrong"}`)).(AuthResponse); !ok || r.Success {
		t.Errorf("Expected failed auth, got %+v", r)
	}
	if r, ok := h.HandleMessage(ctx, c, []byte(`{"type":"auth","api_key":"cred-a"}`)).(AuthResponse); !ok || !r.Success || r.Tier != "pro" {
		t.Errorf("Expected successful auth, got %+v", r)
	}
	if r, ok := h.HandleMessage(ctx, c, []byte(`{"type":"subscribe","audit_id":"bat_1"}`)).(SubscribeResponse); !ok || !r.Success {
		t.Errorf("Expected successful subscribe, got %+v", r)
	}
	if r, ok := h.HandleMessage(ctx, c, []byte(`{"type":"unsubscribe","audit_id":"bat_1"}`)).(SubscribeResponse); !ok || !r.Success || r.Type != "unsubscribe_response" {
		t.Errorf("Expected successful unsubscribe, got %+v", r)
	}
	if r, ok := h.HandleMessage(ctx, c, []byte(`{"type":"ping"}`)).(Pong); !ok || r.Type != "pong" {
		t.Errorf("Expected pong, got %+v", r)
	}
	if r, ok := h.HandleMessage(ctx, c, []byte(`{"type":"shout"}`)).(ErrorMessage); !ok || r.Type != "error" {
		t.Errorf("Expected error, got %+v", r)
	}
	if _, ok := h.HandleMessage(ctx, c, []byte(`not json`)).(ErrorMessage); !ok {
		t.Error("Expected error for invalid frame")
	}
}

func TestAttachCredential(t *testing.T) {
	h := newTestHub(&fakeClock{now: time.Unix(1700000000, 0)}, 8)
	a1 := authed(t, h, "cred-a")
	a2 := authed(t, h, "cred-a")
	b := authed(t, h, "cred-b")
	h.Register("127.0.0.1:2")

	if n := h.AttachCredential("key-a", "aud_1"); n != 2 {
		t.Errorf("Expected 2 attached connections, got %d", n)
	}
	if len(b.Subscriptions()) != 0 {
		t.Error("Other credentials must not be attached")
	}
	if n := h.DetachCredential("key-a", "aud_1"); n != 2 {
		t.Errorf("Expected 2 detached connections, got %d", n)
	}
	if len(a1.Subscriptions())+len(a2.Subscriptions()) != 0 {
		t.Error("Expected subscriptions removed")
	}
}

func TestWebSocketTransport(t *testing.T) {
	h := NewHub(stubAuth{}, ownedBy(map[string]string{"aud_1": "key-a"}), nil, Options{HeartbeatTimeout: time.Minute})
	srv := httptest.NewServer(NewTransport(h, nil, time.Second))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer cred-a"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(ClientMessage{Type: MsgSubscribe, AuditID: "aud_1"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	var sub SubscribeResponse
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&sub); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !sub.Success {
		t.Fatalf("Expected subscribe success, got %+v", sub)
	}

	h.HandleEvent(events.Complete("aud_1", json.RawMessage(`{"score":88}`)))
	var ev events.Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("Read event failed: %v", err)
	}
	if ev.Type != events.TypeComplete || ev.AuditID != "aud_1" || string(ev.Result) != `{"score":88}` {
		t.Errorf("Unexpected event %+v", ev)
	}

	_ = ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Connections != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Stats().Connections != 0 {
		t.Error("Closed socket should unregister its connection")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Error("Expected allowed origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Error("Expected foreign origin to be rejected")
	}
}
