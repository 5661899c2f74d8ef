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
	"reflect"
	"strings"
)

// Method names a protocol operation
type Method string

const (
	MethodDiscover     Method = "discover"
	MethodCapabilities Method = "capabilities"
	MethodAuditRequest Method = "audit.request"
	MethodAuditStatus  Method = "audit.status"
	MethodAuditResult  Method = "audit.result"
	MethodAuditBatch   Method = "audit.batch"
	MethodAuditCancel  Method = "audit.cancel"
	MethodInsights     Method = "insights"
	MethodSubscribe    Method = "subscribe"
	MethodUnsubscribe  Method = "unsubscribe"
	MethodPing         Method = "ping"
	MethodStatus       Method = "status"
)

// MethodSpec describes one entry of the method table
type MethodSpec struct {
	Name        Method
	Description string
	Public      bool
	Streaming   bool
	Batch       bool
	// Work methods start audits and take a concurrency slot
	Work      bool
	Result    []string
	newParams func() interface{}
}

// Cost returns the token bucket cost of a call with decoded params
func (m *MethodSpec) Cost(params interface{}) float64 {
	if p, ok := params.(*AuditBatchParams); ok && len(p.URLs) > 0 {
		return float64(len(p.URLs))
	}
	return 1
}

// BaseCost is the cost advertised in the manifest
func (m *MethodSpec) BaseCost() string {
	if m.Name == MethodAuditBatch {
		return "len(urls)"
	}
	return "1"
}

var methodTable = []*MethodSpec{
	{
		Name:        MethodDiscover,
		Description: "Capability manifest",
		Public:      true,
		Result:      []string{"service", "protocol_version", "endpoints", "methods", "auth", "signature", "rate_limits", "streaming"},
		newParams:   func() interface{} { return &DiscoverParams{} },
	},
	{
		Name:        MethodCapabilities,
		Description: "Method list and the caller's effective limits",
		Public:      true,
		Result:      []string{"methods", "tier", "limits", "authenticated"},
		newParams:   func() interface{} { return &CapabilitiesParams{} },
	},
	{
		Name:        MethodAuditRequest,
		Description: "Audit a single url, inline or queued",
		Streaming:   true,
		Work:        true,
		Result:      []string{"audit_id", "status", "report", "cached", "stream_url"},
		newParams:   func() interface{} { return &AuditRequestParams{} },
	},
	{
		Name:        MethodAuditStatus,
		Description: "Status of an audit or batch",
		Result:      []string{"audit_id|batch_id", "status", "progress", "retry_count", "error"},
		newParams:   func() interface{} { return &AuditStatusParams{} },
	},
	{
		Name:        MethodAuditResult,
		Description: "Report of a completed audit",
		Result:      []string{"audit_id", "status", "report"},
		newParams:   func() interface{} { return &AuditIDParams{} },
	},
	{
		Name:        MethodAuditBatch,
		Description: "Queue audits for up to 50 urls",
		Streaming:   true,
		Batch:       true,
		Work:        true,
		Result:      []string{"batch_id", "audit_ids", "status", "total_jobs"},
		newParams:   func() interface{} { return &AuditBatchParams{} },
	},
	{
		Name:        MethodAuditCancel,
		Description: "Cancel a pending or running audit",
		Result:      []string{"audit_id", "status"},
		newParams:   func() interface{} { return &AuditIDParams{} },
	},
	{
		Name:        MethodInsights,
		Description: "Insights derived from the latest report for a url",
		Result:      []string{"url", "score", "grade", "strengths", "weaknesses", "top_issues", "next_steps"},
		newParams:   func() interface{} { return &InsightsParams{} },
	},
	{
		Name:        MethodSubscribe,
		Description: "Attach an audit or batch id to the caller's live stream connections",
		Streaming:   true,
		Result:      []string{"audit_id", "subscribed", "connections", "stream_url"},
		newParams:   func() interface{} { return &AuditIDParams{} },
	},
	{
		Name:        MethodUnsubscribe,
		Description: "Detach an id from the caller's live stream connections",
		Result:      []string{"audit_id", "unsubscribed", "connections"},
		newParams:   func() interface{} { return &AuditIDParams{} },
	},
	{
		Name:        MethodPing,
		Description: "Liveness",
		Public:      true,
		Result:      []string{"pong", "timestamp"},
		newParams:   func() interface{} { return &PingParams{} },
	},
	{
		Name:        MethodStatus,
		Description: "Service status with queue and stream statistics",
		Public:      true,
		Result:      []string{"status", "version", "uptime_seconds", "queue", "streaming", "cache"},
		newParams:   func() interface{} { return &StatusParams{} },
	},
}

var methodIndex = func() map[Method]*MethodSpec {
	idx := make(map[Method]*MethodSpec, len(methodTable))
	for _, m := range methodTable {
		idx[m.Name] = m
	}
	return idx
}()

// Lookup finds a method by name
func Lookup(name string) (*MethodSpec, bool) {
	m, ok := methodIndex[Method(name)]
	return m, ok
}

// Methods returns the method table in declaration order
func Methods() []*MethodSpec {
	return methodTable
}

// FieldSchema describes one params field
type FieldSchema struct {
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Constraints string `json:"constraints,omitempty"`
}

// ParamsSchema derives the field schema of the method's params from its
// struct tags
func (m *MethodSpec) ParamsSchema() map[string]FieldSchema {
	t := reflect.TypeOf(m.newParams()).Elem()
	out := make(map[string]FieldSchema, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := jsonName(f)
		if name == "" {
			continue
		}
		tag := f.Tag.Get("validate")
		out[name] = FieldSchema{
			Type:        typeName(f.Type),
			Required:    strings.HasPrefix(tag, "required"),
			Constraints: strings.TrimPrefix(strings.TrimPrefix(tag, "required"), ","),
		}
	}
	return out
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int64:
		return "integer"
	case reflect.Slice:
		return "array<" + typeName(t.Elem()) + ">"
	}
	return "object"
}
