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
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
)

// Take implements ratelimit.BucketStore. The bucket row is seeded full on
// first use and then updated under a row lock, so every gateway sharing
// the database sees one bucket per key.
func (ds *DatabaseStorage) Take(ctx context.Context, key string, limits ratelimit.Limits, cost float64, now time.Time) (ratelimit.Decision, error) {
	var decision ratelimit.Decision
	err := ds.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := BucketRecord{BucketKey: key, Tokens: float64(limits.Burst), LastRefill: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var rec BucketRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("bucket_key = ?", key).
			First(&rec).Error; err != nil {
			return err
		}

		state, d := ratelimit.Take(ratelimit.BucketState{Tokens: rec.Tokens, LastRefill: rec.LastRefill}, limits, cost, now)
		decision = d
		return tx.Model(&BucketRecord{}).
			Where("bucket_key = ?", key).
			Updates(map[string]interface{}{
				"tokens":      state.Tokens,
				"last_refill": state.LastRefill,
			}).Error
	})
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("failed to take from bucket %s: %w", key, err)
	}
	return decision, nil
}
