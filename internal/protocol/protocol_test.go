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

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/errors"
	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		code     errors.ErrorCode
		expectID string
	}{
		{"valid", `{"protocol_version":"1.0","method":"ping","id":1}`, 0, "1"},
		{"string id", `{"protocol_version":"1.0","method":"ping","id":"abc"}`, 0, `"abc"`},
		{"no id", `{"protocol_version":"1.0","method":"ping"}`, 0, "null"},
		{"malformed json", `{"protocol_version":"1.0",`, errors.ErrParse, "null"},
		{"not an object", `[1,2,3]`, errors.ErrInvalidRequest, "null"},
		{"object id", `{"protocol_version":"1.0","method":"ping","id":{"a":1}}`, errors.ErrInvalidRequest, "null"},
		{"wrong version", `{"protocol_version":"2.0","method":"ping","id":7}`, errors.ErrInvalidRequest, "7"},
		{"missing version", `{"method":"ping","id":7}`, errors.ErrInvalidRequest, "7"},
		{"missing method", `{"protocol_version":"1.0","id":"x"}`, errors.ErrInvalidRequest, `"x"`},
		{"numeric method", `{"protocol_version":"1.0","method":5,"id":"x"}`, errors.ErrInvalidRequest, `"x"`},
		{"array params", `{"protocol_version":"1.0","method":"ping","params":[],"id":2}`, errors.ErrInvalidRequest, "2"},
		{"null params", `{"protocol_version":"1.0","method":"ping","params":null,"id":2}`, 0, "2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, id, err := ParseRequest([]byte(tt.body))
			if string(id) != tt.expectID {
				t.Errorf("Expected id %s, got %s", tt.expectID, id)
			}
			if tt.code == 0 {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if req.Method != "ping" {
					t.Errorf("Expected method ping, got %s", req.Method)
				}
				return
			}
			if err == nil || err.Code != tt.code {
				t.Errorf("Expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestResponseEnvelope(t *testing.T) {
	data, _ := json.Marshal(Success(json.RawMessage(`"r1"`), map[string]bool{"pong": true}))
	if string(data) != `{"protocol_version":"1.0","result":{"pong":true},"id":"r1"}` {
		t.Errorf("Unexpected success envelope %s", data)
	}

	data, _ = json.Marshal(Failure(nil, errors.New(errors.ErrParse, "invalid JSON")))
	if string(data) != `{"protocol_version":"1.0","error":{"code":-32700,"message":"invalid JSON"},"id":null}` {
		t.Errorf("Unexpected failure envelope %s", data)
	}
}

func decode(t *testing.T, method Method, params string) (interface{}, *errors.A2AError) {
	t.Helper()
	spec, ok := Lookup(string(method))
	if !ok {
		t.Fatalf("Method %s not registered", method)
	}
	return DecodeParams(spec, json.RawMessage(params))
}

func TestDecodeAuditRequest(t *testing.T) {
	p, err := decode(t, MethodAuditRequest, `{"url":"https://example.com","mode":"sync","priority":"high","categories":["seo"],"timeout_seconds":30}`)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	params := p.(*AuditRequestParams)
	if !params.Sync() || params.Priority != "high" || *params.TimeoutSeconds != 30 {
		t.Errorf("Unexpected params %+v", params)
	}
	if !params.CacheEnabled() {
		t.Error("Cache should default to enabled")
	}

	invalid := []struct {
		name   string
		params string
		field  string
	}{
		{"missing url", `{}`, "url"},
		{"non http url", `{"url":"ftp://example.com"}`, "url"},
		{"bad mode", `{"url":"https://example.com","mode":"later"}`, "mode"},
		{"bad priority", `{"url":"https://example.com","priority":"urgent"}`, "priority"},
		{"zero timeout", `{"url":"https://example.com","timeout_seconds":0}`, "timeout_seconds"},
		{"long timeout", `{"url":"https://example.com","timeout_seconds":301}`, "timeout_seconds"},
		{"too many retries", `{"url":"https://example.com","max_retries":6}`, "max_retries"},
		{"unknown category", `{"url":"https://example.com","categories":["speed"]}`, "categories[0]"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode(t, MethodAuditRequest, tt.params)
			if err == nil || err.Code != errors.ErrInvalidParams {
				t.Fatalf("Expected INVALID_PARAMS, got %v", err)
			}
			fields, _ := err.Data["fields"].(map[string]interface{})
			if _, ok := fields[tt.field]; !ok {
				t.Errorf("Expected violation on %s, got %v", tt.field, err.Data)
			}
		})
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := decode(t, MethodAuditRequest, `{"url":"https://example.com","force":true}`)
	if err == nil || err.Code != errors.ErrInvalidParams {
		t.Fatalf("Expected INVALID_PARAMS, got %v", err)
	}
	if !strings.Contains(err.Message, "force") {
		t.Errorf("Expected message to name the field, got %q", err.Message)
	}

	if _, err := decode(t, MethodPing, `{"x":1}`); err == nil {
		t.Error("Expected empty params type to reject fields")
	}
	if _, err := decode(t, MethodPing, ``); err != nil {
		t.Errorf("Absent params should decode: %v", err)
	}
}

func TestDecodeWrongType(t *testing.T) {
	_, err := decode(t, MethodAuditRequest, `{"url":42}`)
	if err == nil || err.Code != errors.ErrInvalidParams {
		t.Fatalf("Expected INVALID_PARAMS, got %v", err)
	}
}

func TestAuditStatusExactlyOne(t *testing.T) {
	tests := []struct {
		params string
		valid  bool
	}{
		{`{"audit_id":"aud_1"}`, true},
		{`{"batch_id":"bat_1"}`, true},
		{`{}`, false},
		{`{"audit_id":"aud_1","batch_id":"bat_1"}`, false},
	}
	for _, tt := range tests {
		_, err := decode(t, MethodAuditStatus, tt.params)
		if (err == nil) != tt.valid {
			t.Errorf("%s: expected valid=%v, got %v", tt.params, tt.valid, err)
		}
	}
}

func TestAuditBatchBoundsAndCost(t *testing.T) {
	urls := func(n int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = fmt.Sprintf(`"https://example.com/%d"`, i)
		}
		return `{"urls":[` + strings.Join(parts, ",") + `]}`
	}

	if _, err := decode(t, MethodAuditBatch, urls(0)); err == nil {
		t.Error("Expected empty batch to fail")
	}
	if _, err := decode(t, MethodAuditBatch, urls(51)); err == nil {
		t.Error("Expected 51 urls to fail")
	}

	p, err := decode(t, MethodAuditBatch, urls(50))
	if err != nil {
		t.Fatalf("Expected 50 urls to pass: %v", err)
	}
	spec, _ := Lookup(string(MethodAuditBatch))
	if cost := spec.Cost(p); cost != 50 {
		t.Errorf("Expected cost 50, got %v", cost)
	}

	ping, _ := Lookup(string(MethodPing))
	if cost := ping.Cost(&PingParams{}); cost != 1 {
		t.Errorf("Expected cost 1, got %v", cost)
	}
}

func TestLookupClosedTable(t *testing.T) {
	if _, ok := Lookup("audit.delete"); ok {
		t.Error("Unknown method should not resolve")
	}
	public := map[Method]bool{}
	for _, m := range Methods() {
		if m.Public {
			public[m.Name] = true
		}
	}
	for _, name := range []Method{MethodDiscover, MethodCapabilities, MethodPing, MethodStatus} {
		if !public[name] {
			t.Errorf("Expected %s to be public", name)
		}
	}
	if len(public) != 4 {
		t.Errorf("Expected 4 public methods, got %d", len(public))
	}
	if len(MethodNames()) != 12 {
		t.Errorf("Expected 12 methods, got %d", len(MethodNames()))
	}
}

func TestBuildManifest(t *testing.T) {
	m := BuildManifest(ManifestConfig{
		ServiceName:       "a2a-gateway",
		ServiceVersion:    "1.0.0",
		PublicURL:         "https://audit.example.com/",
		CredentialHeader:  "Authorization",
		CredentialPrefix:  "a2a_",
		RequireSignatures: true,
		MaxAge:            5 * time.Minute,
		FutureTolerance:   time.Minute,
		Tiers:             ratelimit.DefaultTiers(),
	})

	if m.Endpoints.RPC != "https://audit.example.com/a2a/v1/rpc" {
		t.Errorf("Unexpected rpc endpoint %s", m.Endpoints.RPC)
	}
	if m.Endpoints.Stream != "wss://audit.example.com/a2a/v1/stream" {
		t.Errorf("Unexpected stream endpoint %s", m.Endpoints.Stream)
	}
	if m.Signature.MaxAgeSeconds != 300 || m.Signature.FutureToleranceSeconds != 60 {
		t.Errorf("Unexpected freshness %+v", m.Signature)
	}
	if m.RateLimits[ratelimit.TierPro].Burst != 60 {
		t.Error("Expected tier hints in manifest")
	}
	if got := m.RateLimits[ratelimit.TierFree].MaxBatch; got != 5 {
		t.Errorf("Expected free tier max_batch 5, got %d", got)
	}
	if got := m.RateLimits[ratelimit.TierEnterprise].MaxBatch; got != MaxBatchURLs {
		t.Errorf("Expected enterprise max_batch %d, got %d", MaxBatchURLs, got)
	}

	var request *MethodDescriptor
	for i := range m.Methods {
		if m.Methods[i].Name == MethodAuditRequest {
			request = &m.Methods[i]
		}
	}
	if request == nil {
		t.Fatal("audit.request missing from manifest")
	}
	if !request.AuthRequired || !request.Streaming {
		t.Error("audit.request should require auth and stream")
	}
	if !request.Params["url"].Required || request.Params["url"].Type != "string" {
		t.Errorf("Unexpected url schema %+v", request.Params["url"])
	}
	if request.Params["categories"].Type != "array<string>" {
		t.Errorf("Unexpected categories schema %+v", request.Params["categories"])
	}
	if request.Params["timeout_seconds"].Type != "integer" {
		t.Errorf("Unexpected timeout schema %+v", request.Params["timeout_seconds"])
	}
}
