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

package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/audit"
	"github.com/amtp-protocol/a2a-gateway/internal/cache"
	"github.com/amtp-protocol/a2a-gateway/internal/errors"
	"github.com/amtp-protocol/a2a-gateway/internal/protocol"
	"github.com/amtp-protocol/a2a-gateway/internal/queue"
	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
)

// CapabilitiesResult lists methods and, for authenticated callers, the
// caller's effective limits
type CapabilitiesResult struct {
	ProtocolVersion string              `json:"protocol_version"`
	Methods         []protocol.Method   `json:"methods"`
	Authenticated   bool                `json:"authenticated"`
	AgentID         string              `json:"agent_id,omitempty"`
	Tier            ratelimit.Tier      `json:"tier,omitempty"`
	Limits          *ratelimit.Limits   `json:"limits,omitempty"`
	InFlight        int                 `json:"in_flight,omitempty"`
	Tiers           ratelimit.TierTable `json:"tiers,omitempty"`
}

// AuditAccepted is returned for queued work
type AuditAccepted struct {
	AuditID   string         `json:"audit_id"`
	Status    queue.Status   `json:"status"`
	Priority  queue.Priority `json:"priority"`
	StreamURL string         `json:"stream_url"`
}

// AuditOutcome is returned for finished audits
type AuditOutcome struct {
	AuditID  string          `json:"audit_id"`
	Status   queue.Status    `json:"status"`
	Cached   bool            `json:"cached,omitempty"`
	CacheTag string          `json:"cache_tag,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// BatchAccepted is returned by audit.batch
type BatchAccepted struct {
	BatchID   string       `json:"batch_id"`
	AuditIDs  []string     `json:"audit_ids"`
	TotalJobs int          `json:"total_jobs"`
	Status    queue.Status `json:"status"`
	StreamURL string       `json:"stream_url"`
}

// BatchStatus is the audit.status view of a batch
type BatchStatus struct {
	*queue.Batch
	Jobs []*queue.Job `json:"jobs"`
}

// SubscriptionResult is returned by subscribe and unsubscribe
type SubscriptionResult struct {
	AuditID     string `json:"audit_id"`
	Subscribed  bool   `json:"subscribed"`
	Connections int    `json:"connections"`
	StreamURL   string `json:"stream_url"`
}

func (d *Dispatcher) streamURL() string {
	if d.deps.Manifest == nil {
		return protocol.PathStream
	}
	return d.deps.Manifest.Endpoints.Stream
}

func (d *Dispatcher) handleDiscover(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	return d.deps.Manifest, nil
}

func (d *Dispatcher) handleCapabilities(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	res := &CapabilitiesResult{
		ProtocolVersion: protocol.Version,
		Methods:         protocol.MethodNames(),
	}
	if c := call.Caller; c != nil {
		limits := d.deps.Limiter.Limits(c.Tier)
		res.Authenticated = true
		res.AgentID = c.Agent.ID
		res.Tier = c.Tier
		res.Limits = &limits
		res.InFlight = d.deps.Limiter.InFlight(c.CredentialKey)
	} else {
		res.Tiers = d.deps.Limiter.Tiers()
	}
	return res, nil
}

func (d *Dispatcher) handlePing(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	return map[string]interface{}{
		"pong":      true,
		"timestamp": d.opts.Now().UTC(),
	}, nil
}

func (d *Dispatcher) handleStatus(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	now := d.opts.Now()
	res := map[string]interface{}{
		"status":         "ok",
		"service":        d.opts.ServiceName,
		"version":        d.opts.ServiceVersion,
		"uptime_seconds": int64(now.Sub(d.started).Seconds()),
		"timestamp":      now.UTC(),
		"queue":          d.deps.Queue.Stats(ctx),
	}
	if d.deps.Hub != nil {
		res["streaming"] = d.deps.Hub.Stats()
	}
	if d.deps.Cache != nil {
		res["cache"] = d.deps.Cache.Stats()
	}
	return res, nil
}

func (d *Dispatcher) submission(call *Call, url, priority string, categories []string, timeoutSeconds, maxRetries *int) queue.Submission {
	p, _ := queue.ParsePriority(priority)
	sub := queue.Submission{
		Owner:      call.Caller.CredentialKey,
		AgentID:    call.Caller.Agent.ID,
		Tier:       string(call.Caller.Tier),
		Target:     url,
		Params:     encodeJobParams(categories),
		Priority:   p,
		MaxRetries: maxRetries,
	}
	if timeoutSeconds != nil {
		sub.Timeout = time.Duration(*timeoutSeconds) * time.Second
	}
	return sub
}

func (d *Dispatcher) handleAuditRequest(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	p := call.Params.(*protocol.AuditRequestParams)
	sub := d.submission(call, p.URL, p.Priority, p.Categories, p.TimeoutSeconds, p.MaxRetries)

	if p.CacheEnabled() && d.deps.Cache != nil {
		if entry, ok := d.deps.Cache.Get(nsReport, reportKey(p.URL, p.Categories)); ok {
			return d.serveCached(ctx, sub, entry)
		}
	}

	if p.Sync() {
		return d.runSync(ctx, call, sub)
	}

	job, err := d.deps.Queue.Enqueue(ctx, sub)
	if err != nil {
		return nil, errors.NewInternalError("failed to enqueue audit", err)
	}
	call.activityDeferred = true
	d.holdSlot(call, job.ID, d.jobDone(ctx, job.ID))
	return &AuditAccepted{
		AuditID:   job.ID,
		Status:    job.Status,
		Priority:  job.Priority,
		StreamURL: d.streamURL(),
	}, nil
}

// serveCached records a completed job for the caller carrying a copy of
// the cached report under the new audit id
func (d *Dispatcher) serveCached(ctx context.Context, sub queue.Submission, entry *cache.Entry) (interface{}, *errors.A2AError) {
	var report audit.Report
	if err := json.Unmarshal(entry.Value, &report); err != nil {
		return nil, errors.NewInternalError("corrupt cache entry", err)
	}

	job, err := d.deps.Queue.Record(ctx, sub, func(id string) (json.RawMessage, error) {
		report.AuditID = id
		return json.Marshal(&report)
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to record cached audit", err)
	}

	return &AuditOutcome{
		AuditID:  job.ID,
		Status:   job.Status,
		Cached:   true,
		CacheTag: entry.Tag,
		Result:   job.Result,
	}, nil
}

// runSync executes the audit on the request goroutine within the sync limit
func (d *Dispatcher) runSync(ctx context.Context, call *Call, sub queue.Submission) (interface{}, *errors.A2AError) {
	if sub.Timeout <= 0 || sub.Timeout > d.opts.SyncLimit {
		sub.Timeout = d.opts.SyncLimit
	}

	job, err := d.deps.Queue.RunInline(ctx, sub)
	var jobErr *queue.JobError
	if err != nil && !stderrors.As(err, &jobErr) {
		return nil, errors.NewInternalError("failed to run audit", err)
	}
	call.activityDeferred = true

	switch job.Status {
	case queue.StatusCompleted:
		return &AuditOutcome{AuditID: job.ID, Status: job.Status, Result: job.Result}, nil
	case queue.StatusFailed:
		data := map[string]interface{}{"audit_id": job.ID}
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.New(errors.ErrTimeout, "audit timed out").WithData(data)
		}
		if stderrors.Is(err, audit.ErrEngineUnavailable) {
			return nil, errors.New(errors.ErrServiceUnavailable, "audit engine unavailable").WithData(data)
		}
		data["message"] = job.Error
		return nil, errors.New(errors.ErrUpstream, "audit failed").WithData(data)
	default:
		// cancelled while running inline
		return &AuditOutcome{AuditID: job.ID, Status: job.Status, Error: job.Error}, nil
	}
}

// ownedJob loads a job the caller created. Unknown and foreign ids are
// indistinguishable.
func (d *Dispatcher) ownedJob(ctx context.Context, call *Call, id string) (*queue.Job, *errors.A2AError) {
	job, err := d.deps.Queue.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, queue.ErrJobNotFound) {
			return nil, errors.NewNotFoundError("audit")
		}
		return nil, errors.NewInternalError("failed to load audit", err)
	}
	if job.Owner != call.Caller.CredentialKey {
		return nil, errors.NewNotFoundError("audit")
	}
	return job, nil
}

func (d *Dispatcher) ownedBatch(ctx context.Context, call *Call, id string) (*queue.Batch, *errors.A2AError) {
	batch, err := d.deps.Queue.GetBatch(ctx, id)
	if err != nil {
		if stderrors.Is(err, queue.ErrBatchNotFound) {
			return nil, errors.NewNotFoundError("batch")
		}
		return nil, errors.NewInternalError("failed to load batch", err)
	}
	if batch.Owner != call.Caller.CredentialKey {
		return nil, errors.NewNotFoundError("batch")
	}
	return batch, nil
}

func (d *Dispatcher) handleAuditStatus(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	p := call.Params.(*protocol.AuditStatusParams)
	if p.BatchID != "" {
		batch, aerr := d.ownedBatch(ctx, call, p.BatchID)
		if aerr != nil {
			return nil, aerr
		}
		jobs, err := d.deps.Queue.BatchJobs(ctx, batch.ID)
		if err != nil {
			return nil, errors.NewInternalError("failed to load batch jobs", err)
		}
		// results are fetched per audit
		for _, j := range jobs {
			j.Result = nil
		}
		return &BatchStatus{Batch: batch, Jobs: jobs}, nil
	}

	job, aerr := d.ownedJob(ctx, call, p.AuditID)
	if aerr != nil {
		return nil, aerr
	}
	job.Result = nil
	return job, nil
}

func (d *Dispatcher) handleAuditResult(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	p := call.Params.(*protocol.AuditIDParams)
	job, aerr := d.ownedJob(ctx, call, p.AuditID)
	if aerr != nil {
		return nil, aerr
	}
	if !job.Status.Terminal() {
		return nil, errors.New(errors.ErrConflict, "audit not finished").WithData(map[string]interface{}{
			"audit_id": job.ID,
			"status":   job.Status,
			"progress": job.Progress,
		})
	}
	return &AuditOutcome{
		AuditID: job.ID,
		Status:  job.Status,
		Cached:  job.Stage == "cached",
		Result:  job.Result,
		Error:   job.Error,
	}, nil
}

func (d *Dispatcher) handleAuditBatch(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	p := call.Params.(*protocol.AuditBatchParams)
	if max := d.opts.MaxBatchSize; max > 0 && len(p.URLs) > max {
		return nil, errors.NewInvalidParams("too many urls", map[string]interface{}{
			"urls": fmt.Sprintf("at most %d urls per batch", max),
		})
	}
	subs := make([]queue.Submission, 0, len(p.URLs))
	for _, url := range p.URLs {
		subs = append(subs, d.submission(call, url, p.Priority, p.Categories, p.TimeoutSeconds, p.MaxRetries))
	}

	batch, _, err := d.deps.Queue.EnqueueBatch(ctx, call.Caller.CredentialKey, call.Caller.Agent.ID, subs)
	if err != nil {
		return nil, errors.NewInternalError("failed to enqueue batch", err)
	}
	call.activityDeferred = true
	d.holdSlot(call, batch.ID, d.batchDone(ctx, batch.ID))
	return &BatchAccepted{
		BatchID:   batch.ID,
		AuditIDs:  batch.JobIDs,
		TotalJobs: batch.TotalJobs,
		Status:    batch.Status,
		StreamURL: d.streamURL(),
	}, nil
}

func (d *Dispatcher) handleAuditCancel(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	p := call.Params.(*protocol.AuditIDParams)
	if _, aerr := d.ownedJob(ctx, call, p.AuditID); aerr != nil {
		return nil, aerr
	}

	job, err := d.deps.Queue.Cancel(ctx, p.AuditID)
	if err != nil {
		if stderrors.Is(err, queue.ErrJobTerminal) {
			return nil, errors.New(errors.ErrConflict, "audit already finished").WithData(map[string]interface{}{
				"audit_id": job.ID,
				"status":   job.Status,
			})
		}
		return nil, errors.NewInternalError("failed to cancel audit", err)
	}
	return map[string]interface{}{
		"audit_id":  job.ID,
		"status":    job.Status,
		"cancelled": true,
	}, nil
}

func (d *Dispatcher) handleInsights(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	p := call.Params.(*protocol.InsightsParams)
	var report audit.Report
	if d.deps.Cache == nil || !d.deps.Cache.GetJSON(nsLatest, p.URL, &report) {
		return nil, errors.NewNotFoundError("audit for url").WithData(map[string]interface{}{
			"url":  p.URL,
			"hint": "request an audit with audit.request first",
		})
	}
	return audit.DeriveInsights(&report, d.opts.Now()), nil
}

// subscriptionTarget checks the caller owns id as an audit or a batch
func (d *Dispatcher) subscriptionTarget(ctx context.Context, call *Call, id string) *errors.A2AError {
	if _, aerr := d.ownedJob(ctx, call, id); aerr == nil {
		return nil
	} else if aerr.Code != errors.ErrNotFound {
		return aerr
	}
	if _, aerr := d.ownedBatch(ctx, call, id); aerr != nil {
		if aerr.Code == errors.ErrNotFound {
			return errors.NewNotFoundError("audit")
		}
		return aerr
	}
	return nil
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	p := call.Params.(*protocol.AuditIDParams)
	if aerr := d.subscriptionTarget(ctx, call, p.AuditID); aerr != nil {
		return nil, aerr
	}
	n := 0
	if d.deps.Hub != nil {
		n = d.deps.Hub.AttachCredential(call.Caller.CredentialKey, p.AuditID)
	}
	return &SubscriptionResult{AuditID: p.AuditID, Subscribed: true, Connections: n, StreamURL: d.streamURL()}, nil
}

func (d *Dispatcher) handleUnsubscribe(ctx context.Context, call *Call) (interface{}, *errors.A2AError) {
	p := call.Params.(*protocol.AuditIDParams)
	if aerr := d.subscriptionTarget(ctx, call, p.AuditID); aerr != nil {
		return nil, aerr
	}
	n := 0
	if d.deps.Hub != nil {
		n = d.deps.Hub.DetachCredential(call.Caller.CredentialKey, p.AuditID)
	}
	return &SubscriptionResult{AuditID: p.AuditID, Subscribed: false, Connections: n, StreamURL: d.streamURL()}, nil
}
