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

// Package queue schedules audit jobs across strict-priority lanes with
// retries, batches and retention.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNoJob is returned by ClaimNext when no job is eligible
	ErrNoJob = errors.New("no job available")
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")
	// ErrBatchNotFound is returned for unknown batch ids
	ErrBatchNotFound = errors.New("batch not found")
	// ErrJobTerminal is returned when cancelling a finished job
	ErrJobTerminal = errors.New("job already finished")
)

// Priority selects a lane
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists lanes in drain order
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority defaults empty input to normal
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case "", PriorityNormal:
		return PriorityNormal, true
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityLow:
		return PriorityLow, true
	}
	return PriorityNormal, false
}

// Rank orders lanes, lower drains first
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Status is a job's lifecycle state
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can happen
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one unit of audit work
type Job struct {
	ID          string          `json:"audit_id"`
	BatchID     string          `json:"batch_id,omitempty"`
	Owner       string          `json:"-"`
	AgentID     string          `json:"agent_id"`
	Tier        string          `json:"tier"`
	Target      string          `json:"url"`
	Params      json.RawMessage `json:"params,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Stage       string          `json:"stage,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Timeout     time.Duration   `json:"-"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	EnqueuedAt  time.Time       `json:"-"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy
func (j *Job) Clone() *Job {
	cp := *j
	cp.Params = append(json.RawMessage(nil), j.Params...)
	cp.Result = append(json.RawMessage(nil), j.Result...)
	cp.NotBefore = cloneTime(j.NotBefore)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Batch groups jobs submitted together
type Batch struct {
	ID            string     `json:"batch_id"`
	Owner         string     `json:"-"`
	AgentID       string     `json:"agent_id"`
	JobIDs        []string   `json:"audit_ids"`
	Status        Status     `json:"status"`
	TotalJobs     int        `json:"total_jobs"`
	CompletedJobs int        `json:"completed_jobs"`
	FailedJobs    int        `json:"failed_jobs"`
	Progress      float64    `json:"progress"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy
func (b *Batch) Clone() *Batch {
	cp := *b
	cp.JobIDs = append([]string(nil), b.JobIDs...)
	cp.CompletedAt = cloneTime(b.CompletedAt)
	return &cp
}

// Tally recomputes derived counters from member jobs. Cancelled members
// count as failed. The batch is terminal once every member is terminal,
// whatever the individual outcomes.
func (b *Batch) Tally(jobs []*Job, now time.Time) {
	b.TotalJobs = len(b.JobIDs)
	b.CompletedJobs, b.FailedJobs = 0, 0
	started := false
	for _, j := range jobs {
		switch j.Status {
		case StatusCompleted:
			b.CompletedJobs++
		case StatusFailed, StatusCancelled:
			b.FailedJobs++
		case StatusProcessing:
			started = true
		}
	}

	if b.TotalJobs > 0 {
		b.Progress = float64(b.CompletedJobs+b.FailedJobs) / float64(b.TotalJobs) * 100
	}

	done := b.CompletedJobs + b.FailedJobs
	switch {
	case b.TotalJobs > 0 && done == b.TotalJobs:
		if b.Status != StatusCompleted {
			b.Status = StatusCompleted
			t := now
			b.CompletedAt = &t
		}
	case started || done > 0:
		b.Status = StatusProcessing
	default:
		b.Status = StatusPending
	}
}

// PurgeResult counts removed records
type PurgeResult struct {
	Jobs    int `json:"jobs"`
	Batches int `json:"batches"`
}

// Store persists jobs and batches. ClaimNext must atomically select the
// oldest eligible pending job of the highest non-empty lane and mark it
// processing, so two workers never claim the same job.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	CreateBatch(ctx context.Context, batch *Batch, jobs []*Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	ClaimNext(ctx context.Context, now time.Time) (*Job, error)
	GetBatch(ctx context.Context, id string) (*Batch, error)
	UpdateBatch(ctx context.Context, batch *Batch) error
	ListBatchJobs(ctx context.Context, batchID string) ([]*Job, error)
	PurgeTerminal(ctx context.Context, before time.Time) (PurgeResult, error)
	Depth(ctx context.Context) (map[Priority]int, error)
	// RequeueStale moves jobs claimed before startedBefore and still
	// processing back to pending, keeping their retry count
	RequeueStale(ctx context.Context, startedBefore time.Time) (int, error)
}
