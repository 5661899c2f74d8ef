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
	"time"
)

// Client message types
const (
	MsgAuth        = "auth"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// ClientMessage is any frame sent by a client
type ClientMessage struct {
	Type    string `json:"type"`
	APIKey  string `json:"api_key,omitempty"`
	AuditID string `json:"audit_id,omitempty"`
}

// AuthResponse answers auth
type AuthResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Tier    string `json:"tier,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// SubscribeResponse answers subscribe and unsubscribe
type SubscribeResponse struct {
	Type    string `json:"type"`
	AuditID string `json:"audit_id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Pong answers ping
type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage reports a protocol problem on the socket
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func errorFrame(msg string) interface{} {
	return ErrorMessage{Type: "error", Message: msg}
}

// HandleMessage processes one client frame and returns the reply. Any
// inbound frame counts as a heartbeat.
func (h *Hub) HandleMessage(ctx context.Context, c *Connection, raw []byte) interface{} {
	h.Heartbeat(c)

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorFrame("invalid message")
	}

	switch msg.Type {
	case MsgAuth:
		p, err := h.Authenticate(ctx, c, msg.APIKey)
		if err != nil {
			return AuthResponse{Type: "auth_response", Success: false, Message: "authentication failed"}
		}
		return AuthResponse{Type: "auth_response", Success: true, Tier: p.Tier, AgentID: p.AgentID}

	case MsgSubscribe:
		if msg.AuditID == "" {
			return errorFrame("audit_id is required")
		}
		resp := SubscribeResponse{Type: "subscribe_response", AuditID: msg.AuditID}
		if err := h.Subscribe(ctx, c, msg.AuditID); err != nil {
			resp.Message = err.Error()
			return resp
		}
		resp.Success = true
		return resp

	case MsgUnsubscribe:
		if msg.AuditID == "" {
			return errorFrame("audit_id is required")
		}
		h.Unsubscribe(c, msg.AuditID)
		return SubscribeResponse{Type: "unsubscribe_response", AuditID: msg.AuditID, Success: true}

	case MsgPing:
		return Pong{Type: "pong", Timestamp: h.opts.Now().UTC()}

	default:
		return errorFrame("unknown message type: " + msg.Type)
	}
}
