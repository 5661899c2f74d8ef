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
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const maxClientFrame = 4096

// Transport upgrades HTTP requests and pumps frames between a socket and
// its hub connection
type Transport struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
}

// NewTransport creates a transport. An empty origin list accepts any
// origin.
func NewTransport(hub *Hub, allowedOrigins []string, writeTimeout time.Duration) *Transport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	t := &Transport{
		hub:          hub,
		writeTimeout: writeTimeout,
		pingInterval: hub.HeartbeatTimeout() / 2,
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return t
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// ServeHTTP upgrades the request. A bearer credential on the upgrade
// request authenticates the connection immediately.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.hub.logger.Warnf("websocket upgrade error: %v", err)
		return
	}

	c := t.hub.Register(r.RemoteAddr)
	if cred := bearer(r.Header.Get("Authorization")); cred != "" {
		if _, err := t.hub.Authenticate(r.Context(), c, cred); err != nil {
			t.hub.logger.WithField("conn_id", c.ID).Debugf("upgrade credential rejected: %v", err)
		}
	}

	go t.writePump(ws, c)
	t.readPump(ws, c)
}

func bearer(h string) string {
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (t *Transport) readPump(ws *websocket.Conn, c *Connection) {
	defer t.hub.Unregister(c)

	ws.SetReadLimit(maxClientFrame)
	ws.SetPongHandler(func(string) error {
		t.hub.Heartbeat(c)
		return nil
	})

	ctx := c.context()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.hub.logger.WithField("conn_id", c.ID).Warnf("websocket read error: %v", err)
			}
			return
		}

		reply := t.hub.HandleMessage(ctx, c, raw)
		frame, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		if !c.enqueue(frame) {
			return
		}
	}
}

func (t *Transport) writePump(ws *websocket.Conn, c *Connection) {
	ticker := time.NewTicker(t.pingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.hub.Unregister(c)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.hub.Unregister(c)
				return
			}
		case <-c.done:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(t.writeTimeout))
			return
		}
	}
}
