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

// Package audit defines the audit engine collaborator and reshapes its
// results into protocol reports and insights.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrEngineUnavailable is returned when no engine is configured
var ErrEngineUnavailable = errors.New("audit engine unavailable")

// Categories the engine may score
var Categories = []string{"performance", "seo", "accessibility", "security", "content"}

// Request asks the engine to audit one page
type Request struct {
	AuditID    string   `json:"audit_id"`
	URL        string   `json:"url"`
	Categories []string `json:"categories,omitempty"`
}

// ProgressFunc reports engine progress
type ProgressFunc func(stage string, percent, step, total int)

// CategoryScore is one category's score on a 0..100 scale
type CategoryScore struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight,omitempty"`
}

// Issue is a single finding
type Issue struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// AuditResult is what the engine produces
type AuditResult struct {
	URL             string          `json:"url"`
	Score           float64         `json:"score"`
	Categories      []CategoryScore `json:"categories"`
	Issues          []Issue         `json:"issues"`
	Recommendations []string        `json:"recommendations"`
	AuditedAt       time.Time       `json:"audited_at"`
}

// Engine audits a page
type Engine interface {
	Audit(ctx context.Context, req Request, progress ProgressFunc) (*AuditResult, error)
}

// Unavailable is an Engine that always fails
type Unavailable struct{}

// Audit implements Engine
func (Unavailable) Audit(ctx context.Context, req Request, progress ProgressFunc) (*AuditResult, error) {
	return nil, ErrEngineUnavailable
}

// Report is the protocol view of an audit result
type Report struct {
	AuditID         string          `json:"audit_id"`
	URL             string          `json:"url"`
	Score           float64         `json:"score"`
	Grade           string          `json:"grade"`
	Categories      []CategoryScore `json:"categories"`
	Issues          []Issue         `json:"issues"`
	Recommendations []string        `json:"recommendations"`
	AuditedAt       time.Time       `json:"audited_at"`
	DurationMs      int64           `json:"duration_ms"`
}

// Grade maps a score to a letter
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

var severityRank = map[string]int{"critical": 0, "high": 1, "medium": 2, "low": 3, "info": 4}

func rank(severity string) int {
	if r, ok := severityRank[severity]; ok {
		return r
	}
	return len(severityRank)
}

// Reshape converts an engine result into a report. Scores are clamped to
// 0..100 and issues ordered by severity.
func Reshape(auditID string, res *AuditResult, duration time.Duration) *Report {
	score := clamp(res.Score)
	cats := make([]CategoryScore, len(res.Categories))
	for i, c := range res.Categories {
		c.Score = clamp(c.Score)
		cats[i] = c
	}
	issues := append([]Issue(nil), res.Issues...)
	sort.SliceStable(issues, func(i, j int) bool {
		return rank(issues[i].Severity) < rank(issues[j].Severity)
	})
	recs := res.Recommendations
	if recs == nil {
		recs = []string{}
	}
	auditedAt := res.AuditedAt
	if auditedAt.IsZero() {
		auditedAt = time.Now().UTC()
	}
	return &Report{
		AuditID:         auditID,
		URL:             res.URL,
		Score:           score,
		Grade:           Grade(score),
		Categories:      cats,
		Issues:          issues,
		Recommendations: recs,
		AuditedAt:       auditedAt,
		DurationMs:      duration.Milliseconds(),
	}
}

func clamp(v float64) float64 {
	return min(max(v, 0), 100)
}

// Insights summarises the latest report for a URL
type Insights struct {
	URL         string    `json:"url"`
	AuditID     string    `json:"audit_id"`
	Score       float64   `json:"score"`
	Grade       string    `json:"grade"`
	Strengths   []string  `json:"strengths"`
	Weaknesses  []string  `json:"weaknesses"`
	TopIssues   []Issue   `json:"top_issues"`
	NextSteps   []string  `json:"next_steps"`
	AuditedAt   time.Time `json:"audited_at"`
	GeneratedAt time.Time `json:"generated_at"`
}

const topIssues = 5

// DeriveInsights builds insights from a report. Categories scoring 80 or
// more are strengths, below 60 weaknesses.
func DeriveInsights(r *Report, now time.Time) *Insights {
	in := &Insights{
		URL:         r.URL,
		AuditID:     r.AuditID,
		Score:       r.Score,
		Grade:       r.Grade,
		Strengths:   []string{},
		Weaknesses:  []string{},
		AuditedAt:   r.AuditedAt,
		GeneratedAt: now.UTC(),
	}
	for _, c := range r.Categories {
		switch {
		case c.Score >= 80:
			in.Strengths = append(in.Strengths, c.Name)
		case c.Score < 60:
			in.Weaknesses = append(in.Weaknesses, c.Name)
		}
	}
	n := min(len(r.Issues), topIssues)
	in.TopIssues = append([]Issue{}, r.Issues[:n]...)
	in.NextSteps = make([]string, 0, n)
	for _, issue := range in.TopIssues {
		in.NextSteps = append(in.NextSteps, fmt.Sprintf("[%s] %s", issue.Severity, issue.Title))
	}
	if len(in.NextSteps) == 0 {
		in.NextSteps = append(in.NextSteps, r.Recommendations[:min(len(r.Recommendations), topIssues)]...)
	}
	return in
}
