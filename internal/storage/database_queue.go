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

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amtp-protocol/a2a-gateway/internal/queue"
)

var terminalStatuses = []string{
	string(queue.StatusCompleted),
	string(queue.StatusFailed),
	string(queue.StatusCancelled),
}

// CreateJob inserts a standalone job
func (ds *DatabaseStorage) CreateJob(ctx context.Context, job *queue.Job) error {
	if err := ds.db.WithContext(ctx).Create(fromJob(job)).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// CreateBatch inserts a batch and all of its jobs atomically
func (ds *DatabaseStorage) CreateBatch(ctx context.Context, batch *queue.Batch, jobs []*queue.Job) error {
	return ds.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(fromBatch(batch)).Error; err != nil {
			return fmt.Errorf("failed to create batch: %w", err)
		}

		recs := make([]*JobRecord, 0, len(jobs))
		for _, j := range jobs {
			recs = append(recs, fromJob(j))
		}
		if len(recs) > 0 {
			if err := tx.Create(&recs).Error; err != nil {
				return fmt.Errorf("failed to create batch jobs: %w", err)
			}
		}
		return nil
	})
}

// GetJob retrieves a job by id
func (ds *DatabaseStorage) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	var rec JobRecord
	if err := ds.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec.toJob(), nil
}

// UpdateJob writes every mutable job column
func (ds *DatabaseStorage) UpdateJob(ctx context.Context, job *queue.Job) error {
	result := ds.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("id = ?", job.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(fromJob(job))
	if result.Error != nil {
		return fmt.Errorf("failed to update job: %w", result.Error)
	}
	return nil
}

// ClaimNext locks the oldest eligible pending job of the highest lane and
// marks it processing. SKIP LOCKED lets concurrent gateways share one table.
func (ds *DatabaseStorage) ClaimNext(ctx context.Context, now time.Time) (*queue.Job, error) {
	var claimed *queue.Job
	err := ds.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec JobRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", string(queue.StatusPending)).
			Where("not_before IS NULL OR not_before <= ?", now).
			Order("priority_rank ASC, enqueued_at ASC, id ASC").
			First(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return queue.ErrNoJob
			}
			return err
		}

		if err := tx.Model(&JobRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"status":     string(queue.StatusProcessing),
				"started_at": now,
				"not_before": nil,
			}).Error; err != nil {
			return err
		}

		rec.Status = string(queue.StatusProcessing)
		rec.StartedAt = &now
		rec.NotBefore = nil
		claimed = rec.toJob()
		return nil
	})
	if err != nil {
		if errors.Is(err, queue.ErrNoJob) {
			return nil, queue.ErrNoJob
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return claimed, nil
}

// RequeueStale returns processing jobs whose claim is older than
// startedBefore to pending
func (ds *DatabaseStorage) RequeueStale(ctx context.Context, startedBefore time.Time) (int, error) {
	result := ds.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("status = ? AND started_at < ?", string(queue.StatusProcessing), startedBefore).
		Updates(map[string]interface{}{
			"status":     string(queue.StatusPending),
			"started_at": nil,
			"stage":      "",
			"progress":   0,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// GetBatch retrieves a batch by id
func (ds *DatabaseStorage) GetBatch(ctx context.Context, id string) (*queue.Batch, error) {
	var rec BatchRecord
	if err := ds.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, queue.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return rec.toBatch(), nil
}

// UpdateBatch writes the batch counters and status
func (ds *DatabaseStorage) UpdateBatch(ctx context.Context, batch *queue.Batch) error {
	if err := ds.db.WithContext(ctx).
		Model(&BatchRecord{}).
		Where("id = ?", batch.ID).
		Updates(map[string]interface{}{
			"status":         string(batch.Status),
			"completed_jobs": batch.CompletedJobs,
			"failed_jobs":    batch.FailedJobs,
			"progress":       batch.Progress,
			"completed_at":   batch.CompletedAt,
		}).Error; err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	return nil
}

// ListBatchJobs returns a batch's jobs in submission order
func (ds *DatabaseStorage) ListBatchJobs(ctx context.Context, batchID string) ([]*queue.Job, error) {
	batch, err := ds.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var recs []JobRecord
	if err := ds.db.WithContext(ctx).Where("batch_id = ?", batchID).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}

	byID := make(map[string]*queue.Job, len(recs))
	for i := range recs {
		byID[recs[i].ID] = recs[i].toJob()
	}
	out := make([]*queue.Job, 0, len(recs))
	for _, id := range batch.JobIDs {
		if j, ok := byID[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

// PurgeTerminal drops finished batches and jobs older than before. Jobs of
// a batch that is still live are kept.
func (ds *DatabaseStorage) PurgeTerminal(ctx context.Context, before time.Time) (queue.PurgeResult, error) {
	var res queue.PurgeResult
	err := ds.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batches := tx.Where("status = ? AND completed_at < ?", string(queue.StatusCompleted), before).
			Delete(&BatchRecord{})
		if batches.Error != nil {
			return batches.Error
		}
		res.Batches = int(batches.RowsAffected)

		live := tx.Model(&BatchRecord{}).Select("id")
		jobs := tx.Where("status IN ? AND completed_at < ?", terminalStatuses, before).
			Where("batch_id = '' OR batch_id NOT IN (?)", live).
			Delete(&JobRecord{})
		if jobs.Error != nil {
			return jobs.Error
		}
		res.Jobs = int(jobs.RowsAffected)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to purge terminal jobs: %w", err)
	}
	return res, nil
}

// Depth counts pending jobs per priority lane
func (ds *DatabaseStorage) Depth(ctx context.Context) (map[queue.Priority]int, error) {
	var rows []struct {
		Priority string
		Count    int
	}
	if err := ds.db.WithContext(ctx).Model(&JobRecord{}).
		Select("priority, COUNT(*) as count").
		Where("status = ?", string(queue.StatusPending)).
		Group("priority").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	out := make(map[queue.Priority]int, len(queue.Priorities))
	for _, p := range queue.Priorities {
		out[p] = 0
	}
	for _, r := range rows {
		out[queue.Priority(r.Priority)] = r.Count
	}
	return out, nil
}
