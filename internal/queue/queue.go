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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/events"
	"github.com/amtp-protocol/a2a-gateway/internal/logging"
	"github.com/amtp-protocol/a2a-gateway/pkg/ids"
)

// ProgressFunc reports execution progress for the running job
type ProgressFunc func(stage string, percent, step, total int)

// Executor performs the work of a job
type Executor func(ctx context.Context, job *Job, progress ProgressFunc) (json.RawMessage, error)

// Observer receives job outcomes, typically for metrics
type Observer interface {
	ObserveJob(job *Job, duration time.Duration)
}

// CompletionHook runs after a job reaches a terminal state
type CompletionHook func(ctx context.Context, job *Job)

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Options tunes the queue runtime
type Options struct {
	Workers       int
	PollInterval  time.Duration
	JobTimeout    time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	MaxBackoff    time.Duration
	Retention     time.Duration
	PurgeInterval time.Duration
	Now           func() time.Time
}

// settleTimeout bounds the store writes that record a job's outcome
// after its worker context is gone
const settleTimeout = 5 * time.Second

// DefaultOptions mirrors the queue config defaults
func DefaultOptions() Options {
	return Options{
		Workers:       4,
		PollInterval:  500 * time.Millisecond,
		JobTimeout:    60 * time.Second,
		MaxRetries:    3,
		RetryBackoff:  time.Second,
		MaxBackoff:    30 * time.Second,
		Retention:     24 * time.Hour,
		PurgeInterval: 10 * time.Minute,
	}
}

// Submission describes a job to create
type Submission struct {
	Owner      string
	AgentID    string
	Tier       string
	Target     string
	Params     json.RawMessage
	Priority   Priority
	MaxRetries *int
	Timeout    time.Duration
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Depth     map[Priority]int `json:"depth"`
	Running   int              `json:"running"`
	Workers   int              `json:"workers"`
	Processed int64            `json:"processed"`
	Failed    int64            `json:"failed"`
}

// Queue runs jobs from a Store on a fixed worker pool
type Queue struct {
	store     Store
	exec      Executor
	publisher events.Publisher
	logger    *logging.Logger
	opts      Options
	observer  Observer

	// mu serialises terminal transitions so cancel and finalize never race
	mu      sync.Mutex
	running map[string]context.CancelFunc
	hooks   []CompletionHook

	// batchMu keeps a batch's tally and its events in one order
	batchMu sync.Mutex

	processed int64
	failed    int64

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. A nil publisher discards events.
func New(store Store, exec Executor, publisher events.Publisher, logger *logging.Logger, opts Options) *Queue {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Queue{
		store:     store,
		exec:      exec,
		publisher: publisher,
		logger:    logger.WithComponent("queue"),
		opts:      opts,
		running:   make(map[string]context.CancelFunc),
		wake:      make(chan struct{}, 1),
	}
}

// SetObserver attaches an outcome observer
func (q *Queue) SetObserver(o Observer) {
	q.observer = o
}

// OnComplete registers a hook fired for every terminal job
func (q *Queue) OnComplete(h CompletionHook) {
	q.mu.Lock()
	q.hooks = append(q.hooks, h)
	q.mu.Unlock()
}

func (q *Queue) now() time.Time {
	return q.opts.Now().UTC()
}

func (q *Queue) newJob(sub Submission, batchID string, status Status) *Job {
	now := q.now()
	maxRetries := q.opts.MaxRetries
	if sub.MaxRetries != nil {
		maxRetries = *sub.MaxRetries
	}
	priority := sub.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return &Job{
		ID:         ids.New(ids.PrefixAudit),
		BatchID:    batchID,
		Owner:      sub.Owner,
		AgentID:    sub.AgentID,
		Tier:       sub.Tier,
		Target:     sub.Target,
		Params:     sub.Params,
		Priority:   priority,
		Status:     status,
		MaxRetries: maxRetries,
		Timeout:    sub.Timeout,
		CreatedAt:  now,
		EnqueuedAt: now,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue stores a pending job at the tail of its lane
func (q *Queue) Enqueue(ctx context.Context, sub Submission) (*Job, error) {
	job := q.newJob(sub, "", StatusPending)
	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.logger.WithField("job_id", job.ID).Debugf("enqueued %s job for %s", job.Priority, job.Target)
	q.signal()
	return job, nil
}

// EnqueueBatch creates a batch whose jobs keep the order of subs
func (q *Queue) EnqueueBatch(ctx context.Context, owner, agentID string, subs []Submission) (*Batch, []*Job, error) {
	if len(subs) == 0 {
		return nil, nil, errors.New("batch requires at least one job")
	}

	batch := &Batch{
		ID:        ids.New(ids.PrefixBatch),
		Owner:     owner,
		AgentID:   agentID,
		Status:    StatusPending,
		CreatedAt: q.now(),
	}
	jobs := make([]*Job, 0, len(subs))
	for _, sub := range subs {
		sub.Owner, sub.AgentID = owner, agentID
		job := q.newJob(sub, batch.ID, StatusPending)
		jobs = append(jobs, job)
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}
	batch.TotalJobs = len(jobs)

	if err := q.store.CreateBatch(ctx, batch, jobs); err != nil {
		return nil, nil, fmt.Errorf("failed to enqueue batch: %w", err)
	}
	q.signal()
	return batch, jobs, nil
}

// JobError carries the execution error of a job that did not complete
type JobError struct {
	JobID string
	Err   error
}

func (e *JobError) Error() string { return fmt.Sprintf("job %s: %v", e.JobID, e.Err) }
func (e *JobError) Unwrap() error { return e.Err }

// RunInline creates a job and executes it on the caller's goroutine,
// returning the terminal record. Retries are not attempted. A job that
// did not complete is returned together with a *JobError wrapping the
// executor's error, so callers can classify it with errors.Is.
func (q *Queue) RunInline(ctx context.Context, sub Submission) (*Job, error) {
	zero := 0
	sub.MaxRetries = &zero
	job := q.newJob(sub, "", StatusProcessing)
	started := job.CreatedAt
	job.StartedAt = &started
	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to record job: %w", err)
	}
	execErr := q.process(ctx, job, true)

	settled, err := q.store.GetJob(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return nil, err
	}
	if settled.Status != StatusCompleted && execErr != nil {
		return settled, &JobError{JobID: job.ID, Err: execErr}
	}
	return settled, nil
}

// Record stores a job that is already completed, such as an audit served
// from cache. result builds the payload from the new job id. No events are
// published and no hooks run.
func (q *Queue) Record(ctx context.Context, sub Submission, result func(id string) (json.RawMessage, error)) (*Job, error) {
	job := q.newJob(sub, "", StatusCompleted)
	payload, err := result(job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to build result: %w", err)
	}
	finished := job.CreatedAt
	job.StartedAt = &finished
	job.CompletedAt = &finished
	job.Progress = 100
	job.Stage = "cached"
	job.Result = payload
	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to record job: %w", err)
	}
	return job, nil
}

// Get returns a job
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// GetBatch returns a batch
func (q *Queue) GetBatch(ctx context.Context, id string) (*Batch, error) {
	return q.store.GetBatch(ctx, id)
}

// BatchJobs returns the member jobs of a batch in submission order
func (q *Queue) BatchJobs(ctx context.Context, id string) ([]*Job, error) {
	return q.store.ListBatchJobs(ctx, id)
}

// Cancel moves a non-terminal job to cancelled and interrupts it if running
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if job.Status.Terminal() {
		q.mu.Unlock()
		return job, ErrJobTerminal
	}

	now := q.now()
	job.Status = StatusCancelled
	job.Error = "cancelled"
	job.CompletedAt = &now
	if err := q.store.UpdateJob(ctx, job); err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if stop, ok := q.running[id]; ok {
		stop()
	}
	hooks := q.hooks
	q.mu.Unlock()

	q.publisher.Publish(ctx, events.Failure(job.ID, "cancelled", map[string]interface{}{"status": string(StatusCancelled)}))
	q.refreshBatch(ctx, job)
	for _, h := range hooks {
		h(ctx, job)
	}
	q.logger.LogJob(job.ID, string(job.Status), job.RetryCount, nil, nil)
	return job, nil
}

// RunOnce claims and processes a single job. It reports false when no
// job was eligible.
func (q *Queue) RunOnce(ctx context.Context) bool {
	job, err := q.store.ClaimNext(ctx, q.now())
	if err != nil {
		if !errors.Is(err, ErrNoJob) {
			q.logger.Error("failed to claim job", err)
		}
		return false
	}
	q.process(ctx, job, false)
	return true
}

// process runs job to an outcome and returns the executor's error. A
// claimed job interrupted by its worker shutting down goes back to its
// lane instead of spending a retry.
func (q *Queue) process(parent context.Context, job *Job, inline bool) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = q.opts.JobTimeout
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()
	ctx = logging.WithJobID(ctx, job.ID)

	q.mu.Lock()
	q.running[job.ID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, job.ID)
		q.mu.Unlock()
	}()

	start := q.now()
	q.publisher.Publish(ctx, events.Progress(job.ID, "started", 0, 0, 0))
	if job.BatchID != "" {
		q.refreshBatch(ctx, job)
	}

	progress := func(stage string, percent, step, total int) {
		if ctx.Err() != nil {
			return
		}
		q.recordProgress(ctx, job.ID, stage, percent, step, total)
	}

	result, err := q.safeExecute(ctx, job, progress)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	settle, done := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer done()
	if err != nil && !inline && parent.Err() != nil {
		q.requeue(settle, job.ID)
		return err
	}
	q.finalize(settle, job.ID, result, err, q.now().Sub(start))
	return err
}

// requeue puts a job interrupted by shutdown back to pending with its
// retry count untouched
func (q *Queue) requeue(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.store.GetJob(ctx, id)
	if err != nil || job.Status != StatusProcessing {
		return
	}
	job.Status = StatusPending
	job.StartedAt = nil
	job.Stage = ""
	job.Progress = 0
	if err := q.store.UpdateJob(ctx, job); err != nil {
		q.logger.WithContext(ctx).Error("failed to requeue interrupted job", err)
		return
	}
	q.logger.WithContext(ctx).Info("requeued job interrupted by shutdown")
}

func (q *Queue) safeExecute(ctx context.Context, job *Job, progress ProgressFunc) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("executor panic: %v", r))
		}
	}()
	return q.exec(ctx, job.Clone(), progress)
}

// recordProgress stores and publishes a progress step while the job is
// still processing. Publishing under mu keeps the step ahead of any
// terminal event for the same job.
func (q *Queue) recordProgress(ctx context.Context, id, stage string, percent, step, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.store.GetJob(ctx, id)
	if err != nil || job.Status != StatusProcessing {
		return
	}
	job.Stage = stage
	if percent > job.Progress {
		job.Progress = percent
	}
	if err := q.store.UpdateJob(ctx, job); err != nil {
		q.logger.WithContext(ctx).Warnf("failed to record progress: %v", err)
	}
	q.publisher.Publish(ctx, events.Progress(id, stage, percent, step, total))
}

func (q *Queue) backoff(retry int) time.Duration {
	if q.opts.RetryBackoff <= 0 {
		return 0
	}
	shift := min(max(retry-1, 0), 20)
	d := q.opts.RetryBackoff << uint(shift)
	if q.opts.MaxBackoff > 0 && d > q.opts.MaxBackoff {
		d = q.opts.MaxBackoff
	}
	return d
}

func (q *Queue) finalize(ctx context.Context, id string, result json.RawMessage, execErr error, duration time.Duration) {
	q.mu.Lock()
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		q.mu.Unlock()
		q.logger.WithField("job_id", id).Error("failed to load job for finalize", err)
		return
	}
	// cancelled while running
	if job.Status != StatusProcessing {
		q.mu.Unlock()
		return
	}

	now := q.now()
	var ev events.Event
	retried := false
	switch {
	case execErr == nil:
		job.Status = StatusCompleted
		job.Progress = 100
		job.Result = result
		job.Error = ""
		job.CompletedAt = &now
		ev = events.Complete(job.ID, result)
	case job.RetryCount < job.MaxRetries && !IsPermanent(execErr):
		job.RetryCount++
		job.Status = StatusPending
		job.Error = execErr.Error()
		job.StartedAt = nil
		job.EnqueuedAt = now
		if d := q.backoff(job.RetryCount); d > 0 {
			nb := now.Add(d)
			job.NotBefore = &nb
		}
		retried = true
	default:
		job.Status = StatusFailed
		job.Error = execErr.Error()
		job.CompletedAt = &now
		ev = events.Failure(job.ID, execErr.Error(), map[string]interface{}{
			"retry_count": job.RetryCount,
			"max_retries": job.MaxRetries,
		})
	}

	if err := q.store.UpdateJob(ctx, job); err != nil {
		q.mu.Unlock()
		q.logger.WithField("job_id", id).Error("failed to persist job outcome", err)
		return
	}
	hooks := q.hooks
	if !retried {
		if job.Status == StatusCompleted {
			q.processed++
		} else {
			q.failed++
		}
	}
	q.mu.Unlock()

	q.logger.LogJob(job.ID, string(job.Status), job.RetryCount, &duration, execErr)
	if q.observer != nil {
		q.observer.ObserveJob(job, duration)
	}
	if retried {
		q.signal()
		return
	}

	q.publisher.Publish(ctx, ev)
	q.refreshBatch(ctx, job)
	for _, h := range hooks {
		h(ctx, job)
	}
}

// refreshBatch recomputes batch counters from its jobs and emits a
// progress event keyed by the batch id. Nothing is emitted for a batch
// once its complete event has gone out.
func (q *Queue) refreshBatch(ctx context.Context, job *Job) {
	if job.BatchID == "" {
		return
	}

	q.batchMu.Lock()
	defer q.batchMu.Unlock()

	q.mu.Lock()
	batch, err := q.store.GetBatch(ctx, job.BatchID)
	if err != nil {
		q.mu.Unlock()
		q.logger.WithField("batch_id", job.BatchID).Warnf("failed to load batch: %v", err)
		return
	}
	jobs, err := q.store.ListBatchJobs(ctx, batch.ID)
	if err != nil {
		q.mu.Unlock()
		q.logger.WithField("batch_id", batch.ID).Warnf("failed to list batch jobs: %v", err)
		return
	}
	wasDone := batch.Status == StatusCompleted
	batch.Tally(jobs, q.now())
	if err := q.store.UpdateBatch(ctx, batch); err != nil {
		q.mu.Unlock()
		q.logger.WithField("batch_id", batch.ID).Warnf("failed to update batch: %v", err)
		return
	}
	q.mu.Unlock()
	if wasDone {
		return
	}

	done := batch.CompletedJobs + batch.FailedJobs
	q.publisher.Publish(ctx, events.Progress(batch.ID, "batch", int(batch.Progress), done, batch.TotalJobs))
	if batch.Status == StatusCompleted {
		summary, _ := json.Marshal(batch)
		q.publisher.Publish(ctx, events.Complete(batch.ID, summary))
	}
}

// Purge removes terminal records older than the retention window
func (q *Queue) Purge(ctx context.Context) (PurgeResult, error) {
	if q.opts.Retention <= 0 {
		return PurgeResult{}, nil
	}
	return q.store.PurgeTerminal(ctx, q.now().Add(-q.opts.Retention))
}

// Stats reports lane depth and counters
func (q *Queue) Stats(ctx context.Context) Stats {
	depth, err := q.store.Depth(ctx)
	if err != nil {
		q.logger.Warnf("failed to read queue depth: %v", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:     depth,
		Running:   len(q.running),
		Workers:   q.opts.Workers,
		Processed: q.processed,
		Failed:    q.failed,
	}
}

// Start launches the worker pool and the retention purger. Jobs left
// processing for longer than the job timeout, such as claims held by a
// gateway that crashed, go back to pending first.
func (q *Queue) Start(ctx context.Context) {
	if q.opts.JobTimeout > 0 {
		n, err := q.store.RequeueStale(ctx, q.now().Add(-q.opts.JobTimeout))
		if err != nil {
			q.logger.Error("failed to requeue stale jobs", err)
		} else if n > 0 {
			q.logger.Infof("requeued %d stale jobs", n)
		}
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for range q.opts.Workers {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	if q.opts.PurgeInterval > 0 {
		q.wg.Add(1)
		go q.purger(ctx)
	}
	q.logger.Infof("started %d workers", q.opts.Workers)
}

// Stop cancels the workers and waits for in-flight jobs to return
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if q.RunOnce(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *Queue) purger(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.opts.PurgeInterval):
			res, err := q.Purge(ctx)
			if err != nil {
				q.logger.Error("retention purge failed", err)
				continue
			}
			if res.Jobs > 0 || res.Batches > 0 {
				q.logger.Infof("purged %d jobs and %d batches", res.Jobs, res.Batches)
			}
		}
	}
}
