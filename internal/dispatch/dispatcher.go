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

// Package dispatch runs the request pipeline of the gateway: envelope
// parsing, params validation, credential resolution, signature
// verification, authorization, rate limiting and method handling.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/cache"
	"github.com/amtp-protocol/a2a-gateway/internal/errors"
	"github.com/amtp-protocol/a2a-gateway/internal/logging"
	"github.com/amtp-protocol/a2a-gateway/internal/protocol"
	"github.com/amtp-protocol/a2a-gateway/internal/queue"
	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
	"github.com/amtp-protocol/a2a-gateway/internal/streaming"
)

// Inbound is one RPC call as received by a transport
type Inbound struct {
	Body       []byte
	Credential string
	// Signature is the raw Signature header; Message is the observed
	// request it must cover.
	Signature string
	Message   signature.Message
	RemoteIP  string
	UserAgent string
}

// Caller is the resolved identity behind a call
type Caller struct {
	Agent         *agents.Agent
	CredentialKey string
	Tier          ratelimit.Tier
	Key           *signature.Key
}

// Call carries everything a handler needs
type Call struct {
	Request *protocol.Request
	Spec    *protocol.MethodSpec
	Params  interface{}
	Caller  *Caller
	In      *Inbound

	// activityDeferred is set when a queued job will record the outcome
	activityDeferred bool
	// release frees the caller's concurrency slot; slotHeld hands it to
	// queued work instead of the end of Handle
	release  func()
	slotHeld bool
}

// HandlerFunc implements one method
type HandlerFunc func(ctx context.Context, call *Call) (interface{}, *errors.A2AError)

// Outcome is the transport-facing result of a call
type Outcome struct {
	Response   *protocol.Response
	Method     string
	AgentID    string
	Err        *errors.A2AError
	RetryAfter int
	Duration   time.Duration
}

// HTTPStatus maps the outcome to a transport status code
func (o *Outcome) HTTPStatus() int {
	if o.Err == nil {
		return 200
	}
	return o.Err.GetHTTPStatus()
}

// Observer receives dispatch metrics
type Observer interface {
	ObserveCall(method, code string, duration time.Duration)
	ObserveRejection(reason string, tier string)
}

// Deps are the collaborators of the dispatcher
type Deps struct {
	Registry *agents.Registry
	Verifier *signature.Verifier
	Limiter  *ratelimit.Limiter
	Queue    *queue.Queue
	Hub      *streaming.Hub
	Cache    *cache.Cache
	Manifest *protocol.Manifest
	Logger   *logging.Logger
}

// Options tunes the dispatcher
type Options struct {
	RequireSignatures bool
	ServiceName       string
	ServiceVersion    string
	// SyncLimit caps the wait of a sync audit.request
	SyncLimit time.Duration
	// MaxBatchSize lowers the protocol cap on audit.batch urls when set
	MaxBatchSize int
	Now          func() time.Time
}

// Dispatcher routes calls through the pipeline to method handlers
type Dispatcher struct {
	deps     Deps
	opts     Options
	logger   *logging.Logger
	handlers map[protocol.Method]HandlerFunc
	observer Observer
	started  time.Time

	// slots holds concurrency releases of queued work, keyed by job or
	// batch id, until that work is terminal
	slotsMu sync.Mutex
	slots   map[string]func()
}

// New creates a dispatcher with every protocol method registered
func New(deps Deps, opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SyncLimit <= 0 {
		opts.SyncLimit = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	d := &Dispatcher{
		deps:    deps,
		opts:    opts,
		logger:  logger.WithComponent("dispatch"),
		started: opts.Now(),
		slots:   make(map[string]func()),
	}
	d.handlers = map[protocol.Method]HandlerFunc{
		protocol.MethodDiscover:     d.handleDiscover,
		protocol.MethodCapabilities: d.handleCapabilities,
		protocol.MethodAuditRequest: d.handleAuditRequest,
		protocol.MethodAuditStatus:  d.handleAuditStatus,
		protocol.MethodAuditResult:  d.handleAuditResult,
		protocol.MethodAuditBatch:   d.handleAuditBatch,
		protocol.MethodAuditCancel:  d.handleAuditCancel,
		protocol.MethodInsights:     d.handleInsights,
		protocol.MethodSubscribe:    d.handleSubscribe,
		protocol.MethodUnsubscribe:  d.handleUnsubscribe,
		protocol.MethodPing:         d.handlePing,
		protocol.MethodStatus:       d.handleStatus,
	}
	return d
}

// SetObserver installs a metrics observer
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// Manifest returns the capability manifest served by discover
func (d *Dispatcher) Manifest() *protocol.Manifest {
	return d.deps.Manifest
}

// Handle runs one call through the full pipeline. It never returns nil.
func (d *Dispatcher) Handle(ctx context.Context, in *Inbound) *Outcome {
	start := d.opts.Now()
	out := &Outcome{Method: "unknown"}

	var id json.RawMessage
	result, call, aerr := d.run(ctx, in, &id)
	if call != nil {
		out.Method = string(call.Spec.Name)
		if call.Caller != nil {
			out.AgentID = call.Caller.Agent.ID
		}
	}
	out.Duration = d.opts.Now().Sub(start)

	if aerr != nil {
		out.Err = aerr
		out.Response = protocol.Failure(id, aerr)
		if aerr.Code == errors.ErrRateLimited {
			if v, ok := aerr.Data["retry_after"].(int); ok {
				out.RetryAfter = v
			}
		}
	} else {
		out.Response = protocol.Success(id, result)
	}

	if call != nil && call.Caller != nil && !call.activityDeferred && !shed(aerr) {
		d.recordActivity(ctx, call, in, aerr == nil, out.Duration)
	}

	code := 0
	codeName := "OK"
	if aerr != nil {
		code = int(aerr.Code)
		codeName = aerr.Code.String()
	}
	d.logger.WithContext(ctx).LogRPC(out.Method, out.AgentID, code, out.Duration)
	if d.observer != nil {
		d.observer.ObserveCall(out.Method, codeName, out.Duration)
	}
	return out
}

// shed reports load-shedding rejections, which are not counted as activity.
func shed(aerr *errors.A2AError) bool {
	return aerr != nil && (aerr.Code == errors.ErrRateLimited || aerr.Code == errors.ErrConcurrencyExceeded)
}

// run is the pipeline proper. id is filled as soon as it is known so
// failures echo it.
func (d *Dispatcher) run(ctx context.Context, in *Inbound, id *json.RawMessage) (interface{}, *Call, *errors.A2AError) {
	req, reqID, perr := protocol.ParseRequest(in.Body)
	*id = reqID
	if perr != nil {
		return nil, nil, perr
	}

	spec, ok := protocol.Lookup(req.Method)
	if !ok {
		return nil, nil, errors.Newf(errors.ErrMethodNotFound, "method %q not found", req.Method)
	}

	params, verr := protocol.DecodeParams(spec, req.Params)
	if verr != nil {
		return nil, &Call{Request: req, Spec: spec}, verr
	}

	call := &Call{Request: req, Spec: spec, Params: params, In: in}

	if !spec.Public || in.Credential != "" {
		caller, aerr := d.authenticate(ctx, in, !spec.Public)
		if aerr != nil {
			return nil, call, aerr
		}
		call.Caller = caller
		ctx = logging.WithAgentID(ctx, caller.Agent.ID)

		if aerr := d.admit(ctx, call); aerr != nil {
			return nil, call, aerr
		}
	}

	// Work methods hold a slot until their audit is done. Queued work
	// keeps it past this call; see holdSlot.
	if spec.Work && call.Caller != nil {
		release, ok, max := d.deps.Limiter.Acquire(call.Caller.CredentialKey, call.Caller.Tier)
		if !ok {
			d.reject("concurrency", call.Caller.Tier)
			return nil, call, errors.NewConcurrencyExceeded(max)
		}
		call.release = release
		defer func() {
			if !call.slotHeld {
				release()
			}
		}()
	}

	result, aerr := d.handlers[spec.Name](ctx, call)
	return result, call, aerr
}

// admit debits the token bucket for the call's cost
func (d *Dispatcher) admit(ctx context.Context, call *Call) *errors.A2AError {
	c := call.Caller
	decision := d.deps.Limiter.Allow(ctx, c.CredentialKey, c.Tier, call.Spec.Cost(call.Params))
	if decision.Allowed {
		return nil
	}
	if decision.OverBurst {
		d.reject("over_burst", c.Tier)
		return errors.New(errors.ErrInvalidParams, "batch exceeds tier burst").WithData(map[string]interface{}{
			"max_urls": decision.Limit,
		})
	}
	d.reject("rate_limited", c.Tier)
	return errors.NewRateLimited(decision.Remaining, decision.RetryAfter, decision.Limit)
}

func (d *Dispatcher) reject(reason string, tier ratelimit.Tier) {
	if d.observer != nil {
		d.observer.ObserveRejection(reason, string(tier))
	}
}

// recordActivity folds the call outcome into the agent's trust inputs.
// Failures here never affect the response.
func (d *Dispatcher) recordActivity(ctx context.Context, call *Call, in *Inbound, success bool, latency time.Duration) {
	_, err := d.deps.Registry.RecordActivity(ctx, call.Caller.Agent.ID, agents.Activity{
		Success:   success,
		Latency:   latency,
		IP:        in.RemoteIP,
		UserAgent: in.UserAgent,
	})
	if err != nil {
		d.logger.WithField("agent_id", call.Caller.Agent.ID).Warnf("failed to record activity: %v", err)
	}
}

// holdSlot keeps the call's concurrency slot until the queued work under
// id is terminal. done reports whether it already is, covering work that
// finished before the slot was handed over.
func (d *Dispatcher) holdSlot(call *Call, id string, done func() bool) {
	if call.release == nil {
		return
	}
	call.slotHeld = true
	d.slotsMu.Lock()
	d.slots[id] = call.release
	d.slotsMu.Unlock()
	if done() {
		d.releaseSlot(id)
	}
}

func (d *Dispatcher) releaseSlot(id string) {
	d.slotsMu.Lock()
	release, ok := d.slots[id]
	delete(d.slots, id)
	d.slotsMu.Unlock()
	if ok {
		release()
	}
}

// jobDone and batchDone report terminal state for holdSlot
func (d *Dispatcher) jobDone(ctx context.Context, id string) func() bool {
	return func() bool {
		job, err := d.deps.Queue.Get(ctx, id)
		return err != nil || job.Status.Terminal()
	}
}

func (d *Dispatcher) batchDone(ctx context.Context, id string) func() bool {
	return func() bool {
		batch, err := d.deps.Queue.GetBatch(ctx, id)
		return err != nil || batch.Status == queue.StatusCompleted
	}
}

// OnJobComplete frees the concurrency slot held by the job or its batch
// and records the outcome against the agent. It is installed as a queue
// completion hook and also runs for cancelled jobs.
func (d *Dispatcher) OnJobComplete(ctx context.Context, job *queue.Job) {
	d.releaseSlot(job.ID)
	if job.BatchID != "" && d.batchDone(ctx, job.BatchID)() {
		d.releaseSlot(job.BatchID)
	}

	if job.AgentID == "" || job.Status == queue.StatusCancelled {
		return
	}
	var latency time.Duration
	if job.StartedAt != nil && job.CompletedAt != nil {
		latency = job.CompletedAt.Sub(*job.StartedAt)
	}
	_, err := d.deps.Registry.RecordActivity(ctx, job.AgentID, agents.Activity{
		Success: job.Status == queue.StatusCompleted,
		Latency: latency,
	})
	if err != nil {
		d.logger.WithField("job_id", job.ID).Warnf("failed to record job activity: %v", err)
	}
}
