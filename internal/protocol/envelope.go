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

// Package protocol defines the A2A request/response envelope, the closed
// method table, per-method parameter schemas and the capability manifest.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/amtp-protocol/a2a-gateway/internal/errors"
)

// Version is the only accepted protocol_version
const Version = "1.0"

// Request is an inbound envelope
type Request struct {
	ProtocolVersion string          `json:"protocol_version"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
	ID              json.RawMessage `json:"id"`
}

// Response is an outbound envelope. Exactly one of Result and Error is set.
type Response struct {
	ProtocolVersion string              `json:"protocol_version"`
	Result          interface{}         `json:"result,omitempty"`
	Error           *errors.ErrorObject `json:"error,omitempty"`
	ID              json.RawMessage     `json:"id"`
}

var nullID = json.RawMessage("null")

// Success builds a result envelope
func Success(id json.RawMessage, result interface{}) *Response {
	return &Response{ProtocolVersion: Version, Result: result, ID: echoID(id)}
}

// Failure builds an error envelope
func Failure(id json.RawMessage, err *errors.A2AError) *Response {
	return &Response{ProtocolVersion: Version, Error: err.ToObject(), ID: echoID(id)}
}

func echoID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// ParseRequest decodes and structurally checks an envelope. On failure the
// returned id is whatever could be recovered, or null.
func ParseRequest(body []byte) (*Request, json.RawMessage, *errors.A2AError) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, nullID, errors.New(errors.ErrParse, "invalid JSON")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, nullID, errors.New(errors.ErrInvalidRequest, "request must be a JSON object")
	}

	id := nullID
	if raw, ok := fields["id"]; ok {
		if !validID(raw) {
			return nil, nullID, errors.New(errors.ErrInvalidRequest, "id must be a string or number")
		}
		id = raw
	}

	req := &Request{ID: id}
	if raw, ok := fields["protocol_version"]; !ok || json.Unmarshal(raw, &req.ProtocolVersion) != nil {
		return nil, id, errors.New(errors.ErrInvalidRequest, "protocol_version must be a string")
	}
	if req.ProtocolVersion != Version {
		return nil, id, errors.Newf(errors.ErrInvalidRequest, "unsupported protocol_version %q", req.ProtocolVersion)
	}
	if raw, ok := fields["method"]; !ok || json.Unmarshal(raw, &req.Method) != nil || req.Method == "" {
		return nil, id, errors.New(errors.ErrInvalidRequest, "method must be a non-empty string")
	}
	if raw, ok := fields["params"]; ok && !isNull(raw) {
		if raw[0] != '{' {
			return nil, id, errors.New(errors.ErrInvalidRequest, "params must be an object")
		}
		req.Params = raw
	}
	return req, id, nil
}

func validID(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case '"':
		var s string
		return json.Unmarshal(raw, &s) == nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), nullID)
}
