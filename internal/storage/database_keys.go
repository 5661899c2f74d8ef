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

	"gorm.io/gorm"

	"github.com/amtp-protocol/a2a-gateway/internal/signature"
)

// SaveKey stores the public half of a new signing key
func (ds *DatabaseStorage) SaveKey(ctx context.Context, key *signature.Key) error {
	if key == nil || key.ID == "" {
		return fmt.Errorf("key ID cannot be empty")
	}
	if err := ds.db.WithContext(ctx).Create(fromKey(key)).Error; err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}
	return nil
}

// UpdateKey persists revocation and expiry changes
func (ds *DatabaseStorage) UpdateKey(ctx context.Context, key *signature.Key) error {
	result := ds.db.WithContext(ctx).
		Model(&SigningKeyRecord{}).
		Where("key_id = ?", key.ID).
		Updates(map[string]interface{}{
			"expires_at":    key.ExpiresAt,
			"revoked":       key.Revoked,
			"revoked_at":    key.RevokedAt,
			"revoke_reason": key.RevokeReason,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return signature.ErrKeyNotFound
	}
	return nil
}

// GetKey retrieves a key by id
func (ds *DatabaseStorage) GetKey(ctx context.Context, keyID string) (*signature.Key, error) {
	var rec SigningKeyRecord
	if err := ds.db.WithContext(ctx).Where("key_id = ?", keyID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, signature.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return rec.toKey(), nil
}

// ListKeys returns a domain's keys, oldest first
func (ds *DatabaseStorage) ListKeys(ctx context.Context, domain string) ([]*signature.Key, error) {
	var recs []SigningKeyRecord
	if err := ds.db.WithContext(ctx).
		Where("domain = ?", domain).
		Order("created_at ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	out := make([]*signature.Key, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toKey())
	}
	return out, nil
}

// AppendKeyAudit records one key lifecycle entry
func (ds *DatabaseStorage) AppendKeyAudit(ctx context.Context, entry *signature.AuditEntry) error {
	if err := ds.db.WithContext(ctx).Create(fromAuditEntry(entry)).Error; err != nil {
		return fmt.Errorf("failed to append key audit entry: %w", err)
	}
	return nil
}

// ListKeyAudit returns the most recent entries for a domain in
// chronological order
func (ds *DatabaseStorage) ListKeyAudit(ctx context.Context, domain string, limit int) ([]*signature.AuditEntry, error) {
	query := ds.db.WithContext(ctx).Model(&KeyAuditRecord{})
	if domain != "" {
		query = query.Where("domain = ?", domain)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var recs []KeyAuditRecord
	if err := query.Order("timestamp DESC, id DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list key audit entries: %w", err)
	}

	out := make([]*signature.AuditEntry, len(recs))
	for i := range recs {
		out[len(recs)-1-i] = recs[i].toAuditEntry()
	}
	return out, nil
}
