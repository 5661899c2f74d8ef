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

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func sampleResult() *AuditResult {
	return &AuditResult{
		URL:   "https://example.com",
		Score: 104,
		Categories: []CategoryScore{
			{Name: "performance", Score: 92},
			{Name: "seo", Score: 55},
			{Name: "accessibility", Score: 70},
		},
		Issues: []Issue{
			{ID: "1", Category: "seo", Severity: "low", Title: "Long title"},
			{ID: "2", Category: "seo", Severity: "critical", Title: "Missing meta description"},
			{ID: "3", Category: "performance", Severity: "medium", Title: "Large images"},
		},
		AuditedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestGrade(t *testing.T) {
	tests := []struct {
		score    float64
		expected string
	}{
		{100, "A"}, {90, "A"}, {89.9, "B"}, {80, "B"}, {75, "C"}, {60, "D"}, {59, "F"}, {0, "F"},
	}
	for _, tt := range tests {
		if got := Grade(tt.score); got != tt.expected {
			t.Errorf("Grade(%v) = %s, expected %s", tt.score, got, tt.expected)
		}
	}
}

func TestReshape(t *testing.T) {
	report := Reshape("aud_1", sampleResult(), 1500*time.Millisecond)

	if report.Score != 100 || report.Grade != "A" {
		t.Errorf("Expected clamped score 100/A, got %v/%s", report.Score, report.Grade)
	}
	if report.DurationMs != 1500 {
		t.Errorf("Expected 1500ms, got %d", report.DurationMs)
	}
	if report.Issues[0].Severity != "critical" || report.Issues[2].Severity != "low" {
		t.Errorf("Issues not ordered by severity: %+v", report.Issues)
	}
	if report.Recommendations == nil {
		t.Error("Recommendations should encode as an empty list")
	}

	data, _ := json.Marshal(report)
	var decoded map[string]interface{}
	_ = json.Unmarshal(data, &decoded)
	for _, field := range []string{"audit_id", "url", "score", "grade", "categories", "issues", "recommendations", "audited_at", "duration_ms"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("Report missing field %s", field)
		}
	}
}

func TestDeriveInsights(t *testing.T) {
	report := Reshape("aud_1", sampleResult(), time.Second)
	in := DeriveInsights(report, time.Unix(1700000100, 0))

	if len(in.Strengths) != 1 || in.Strengths[0] != "performance" {
		t.Errorf("Unexpected strengths %v", in.Strengths)
	}
	if len(in.Weaknesses) != 1 || in.Weaknesses[0] != "seo" {
		t.Errorf("Unexpected weaknesses %v", in.Weaknesses)
	}
	if len(in.TopIssues) != 3 || in.NextSteps[0] != "[critical] Missing meta description" {
		t.Errorf("Unexpected next steps %v", in.NextSteps)
	}
}

func TestRemoteEngineSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL != "https://example.com" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(AuditResult{Score: 77})
	}))
	defer srv.Close()

	engine := NewRemoteEngine(RemoteConfig{URL: srv.URL, Timeout: time.Second})
	var stages []string
	res, err := engine.Audit(context.Background(), Request{URL: "https://example.com"}, func(stage string, percent, step, total int) {
		stages = append(stages, stage)
	})
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if res.Score != 77 || res.URL != "https://example.com" {
		t.Errorf("Unexpected result %+v", res)
	}
	if len(stages) != 3 {
		t.Errorf("Expected 3 progress stages, got %v", stages)
	}
}

func TestRemoteEngineMakesOneAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	engine := NewRemoteEngine(RemoteConfig{URL: srv.URL})
	_, err := engine.Audit(context.Background(), Request{URL: "https://example.com"}, nil)
	if err == nil || IsPermanent(err) {
		t.Errorf("Expected retryable failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 upstream call, got %d", calls.Load())
	}
}

func TestRemoteEngineClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unsupported url", http.StatusBadRequest)
	}))
	defer srv.Close()

	engine := NewRemoteEngine(RemoteConfig{URL: srv.URL})
	_, err := engine.Audit(context.Background(), Request{URL: "ftp://example.com"}, nil)
	if !IsPermanent(err) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected StatusError 400, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Client errors must not be retried, got %d calls", calls.Load())
	}
}

func TestUnavailableEngine(t *testing.T) {
	_, err := Unavailable{}.Audit(context.Background(), Request{}, nil)
	if !errors.Is(err, ErrEngineUnavailable) || !IsPermanent(err) {
		t.Errorf("Expected permanent unavailable error, got %v", err)
	}
}
