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
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore keeps jobs in three FIFO lanes in process memory
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	batches map[string]*Batch
	lanes   map[Priority]*list.List
	index   map[string]*list.Element
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		jobs:    make(map[string]*Job),
		batches: make(map[string]*Batch),
		lanes:   make(map[Priority]*list.List),
		index:   make(map[string]*list.Element),
	}
	for _, p := range Priorities {
		s.lanes[p] = list.New()
	}
	return s
}

// enqueueLocked appends id to the tail of its lane
func (s *MemoryStore) enqueueLocked(job *Job) {
	if _, queued := s.index[job.ID]; queued {
		return
	}
	lane := s.lanes[job.Priority]
	if lane == nil {
		lane = s.lanes[PriorityNormal]
	}
	s.index[job.ID] = lane.PushBack(job.ID)
}

func (s *MemoryStore) dequeueLocked(job *Job) {
	if el, queued := s.index[job.ID]; queued {
		// Remove is a no-op on lanes that do not own el
		for _, lane := range s.lanes {
			lane.Remove(el)
		}
		delete(s.index, job.ID)
	}
}

// CreateJob implements Store
func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	if job.Status == StatusPending {
		s.enqueueLocked(job)
	}
	return nil
}

// CreateBatch implements Store
func (s *MemoryStore) CreateBatch(ctx context.Context, batch *Batch, jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.ID] = batch.Clone()
	for _, job := range jobs {
		s.jobs[job.ID] = job.Clone()
		s.enqueueLocked(job)
	}
	return nil
}

// GetJob implements Store
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// UpdateJob implements Store. A job moving back to pending rejoins the
// tail of its lane; any other status leaves the lane.
func (s *MemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	if job.Status == StatusPending {
		s.enqueueLocked(job)
	} else {
		s.dequeueLocked(job)
	}
	return nil
}

// ClaimNext implements Store
func (s *MemoryStore) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range Priorities {
		lane := s.lanes[p]
		for el := lane.Front(); el != nil; el = el.Next() {
			job := s.jobs[el.Value.(string)]
			if job.NotBefore != nil && now.Before(*job.NotBefore) {
				continue
			}
			lane.Remove(el)
			delete(s.index, job.ID)

			started := now
			job.Status = StatusProcessing
			job.StartedAt = &started
			job.NotBefore = nil
			return job.Clone(), nil
		}
	}
	return nil, ErrNoJob
}

// RequeueStale implements Store
func (s *MemoryStore) RequeueStale(ctx context.Context, startedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status != StatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(startedBefore) {
			continue
		}
		job.Status = StatusPending
		job.StartedAt = nil
		job.Stage = ""
		job.Progress = 0
		s.enqueueLocked(job)
		n++
	}
	return n, nil
}

// GetBatch implements Store
func (s *MemoryStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return batch.Clone(), nil
}

// UpdateBatch implements Store
func (s *MemoryStore) UpdateBatch(ctx context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; !ok {
		return ErrBatchNotFound
	}
	s.batches[batch.ID] = batch.Clone()
	return nil
}

// ListBatchJobs implements Store
func (s *MemoryStore) ListBatchJobs(ctx context.Context, batchID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	jobs := make([]*Job, 0, len(batch.JobIDs))
	for _, id := range batch.JobIDs {
		if job, ok := s.jobs[id]; ok {
			jobs = append(jobs, job.Clone())
		}
	}
	return jobs, nil
}

// PurgeTerminal implements Store. Batches go only once terminal, and their
// jobs stay until the batch itself goes.
func (s *MemoryStore) PurgeTerminal(ctx context.Context, before time.Time) (PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res PurgeResult
	for id, b := range s.batches {
		if b.Status == StatusCompleted && b.CompletedAt != nil && b.CompletedAt.Before(before) {
			delete(s.batches, id)
			res.Batches++
		}
	}
	for id, j := range s.jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil || !j.CompletedAt.Before(before) {
			continue
		}
		if j.BatchID != "" {
			if _, live := s.batches[j.BatchID]; live {
				continue
			}
		}
		delete(s.jobs, id)
		res.Jobs++
	}
	return res, nil
}

// Depth implements Store
func (s *MemoryStore) Depth(ctx context.Context) (map[Priority]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Priority]int, len(s.lanes))
	for p, lane := range s.lanes {
		out[p] = lane.Len()
	}
	return out, nil
}

// Len reports how many jobs and batches are held
func (s *MemoryStore) Len() (jobs, batches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs), len(s.batches)
}
