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

package signature

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amtp-protocol/a2a-gateway/internal/logging"
)

var (
	// ErrKeyNotFound is returned for missing, revoked and expired keys alike
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrKeyRevoked is returned when revoking an already revoked key
	ErrKeyRevoked = errors.New("signing key already revoked")
)

// Key is a signing key pair owned by a domain
type Key struct {
	ID           string             `json:"key_id"`
	Domain       string             `json:"domain"`
	PublicKey    ed25519.PublicKey  `json:"public_key"`
	PrivateKey   ed25519.PrivateKey `json:"-"`
	CreatedAt    time.Time          `json:"created_at"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	Revoked      bool               `json:"revoked"`
	RevokedAt    *time.Time         `json:"revoked_at,omitempty"`
	RevokeReason string             `json:"revoke_reason,omitempty"`
}

// Usable reports whether the key may verify signatures at now
func (k *Key) Usable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// Public returns a copy without private material
func (k *Key) Public() *Key {
	cp := *k
	cp.PrivateKey = nil
	return &cp
}

// AuditAction names a key lifecycle event
type AuditAction string

const (
	ActionCreated AuditAction = "created"
	ActionUsed    AuditAction = "used"
	ActionRotated AuditAction = "rotated"
	ActionRevoked AuditAction = "revoked"
)

// AuditEntry is one append-only key lifecycle record
type AuditEntry struct {
	ID        string                 `json:"id"`
	KeyID     string                 `json:"key_id"`
	Domain    string                 `json:"domain"`
	Action    AuditAction            `json:"action"`
	Reason    string                 `json:"reason,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// KeyStore persists signing keys and their audit trail
type KeyStore interface {
	SaveKey(ctx context.Context, key *Key) error
	UpdateKey(ctx context.Context, key *Key) error
	GetKey(ctx context.Context, keyID string) (*Key, error)
	ListKeys(ctx context.Context, domain string) ([]*Key, error)
	AppendKeyAudit(ctx context.Context, entry *AuditEntry) error
	ListKeyAudit(ctx context.Context, domain string, limit int) ([]*AuditEntry, error)
}

// KeyResolver resolves key ids for verification
type KeyResolver interface {
	Resolve(ctx context.Context, keyID string) (*Key, error)
	RecordUse(ctx context.Context, key *Key)
}

// KeyManager owns key generation, rotation and revocation
type KeyManager struct {
	store  KeyStore
	grace  time.Duration
	now    func() time.Time
	rand   io.Reader
	logger *logging.Logger
}

// KeyManagerOption configures a KeyManager
type KeyManagerOption func(*KeyManager)

// WithRotationGrace keeps old keys valid for d after rotation instead of revoking them
func WithRotationGrace(d time.Duration) KeyManagerOption {
	return func(m *KeyManager) { m.grace = d }
}

// WithKeyClock overrides the time source
func WithKeyClock(now func() time.Time) KeyManagerOption {
	return func(m *KeyManager) { m.now = now }
}

// WithKeyLogger sets the logger
func WithKeyLogger(logger *logging.Logger) KeyManagerOption {
	return func(m *KeyManager) { m.logger = logger.WithComponent("keys") }
}

// NewKeyManager creates a key manager over store
func NewKeyManager(store KeyStore, opts ...KeyManagerOption) *KeyManager {
	m := &KeyManager{
		store:  store,
		now:    time.Now,
		rand:   rand.Reader,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewKeyID builds a key identifier of the form domain:YYYYMMDD:hex
func NewKeyID(domain string, issued time.Time, r io.Reader) (string, error) {
	suffix := make([]byte, 4)
	if _, err := io.ReadFull(r, suffix); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return fmt.Sprintf("%s:%s:%s", strings.ToLower(domain), issued.UTC().Format("20060102"), hex.EncodeToString(suffix)), nil
}

// DomainFromKeyID returns the owning domain embedded in a key id
func DomainFromKeyID(keyID string) string {
	parts := strings.Split(keyID, ":")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], ":")
}

// Generate creates and stores a new key for domain
func (m *KeyManager) Generate(ctx context.Context, domain string) (*Key, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}

	pub, priv, err := ed25519.GenerateKey(m.rand)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	now := m.now().UTC()
	id, err := NewKeyID(domain, now, m.rand)
	if err != nil {
		return nil, err
	}

	key := &Key{
		ID:         id,
		Domain:     domain,
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  now,
	}
	if err := m.store.SaveKey(ctx, key); err != nil {
		return nil, fmt.Errorf("store key: %w", err)
	}

	m.audit(ctx, key, ActionCreated, "", nil)
	m.logger.WithField("key_id", key.ID).Info("Signing key created")
	return key, nil
}

// Rotate stores a fresh key for domain, then retires every other usable key.
// The new key is persisted first so the domain always has a valid key.
func (m *KeyManager) Rotate(ctx context.Context, domain, reason string) (*Key, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	existing, err := m.store.ListKeys(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	fresh, err := m.Generate(ctx, domain)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if reason == "" {
		reason = "rotated"
	}
	for _, old := range existing {
		if !old.Usable(now) {
			continue
		}
		detail := map[string]interface{}{"replaced_by": fresh.ID}
		if m.grace > 0 {
			expires := now.Add(m.grace)
			if old.ExpiresAt == nil || old.ExpiresAt.After(expires) {
				old.ExpiresAt = &expires
			}
			if err := m.store.UpdateKey(ctx, old); err != nil {
				return fresh, fmt.Errorf("schedule expiry for %s: %w", old.ID, err)
			}
			detail["expires_at"] = expires
		} else {
			if err := m.revoke(ctx, old, reason); err != nil {
				return fresh, err
			}
		}
		m.audit(ctx, old, ActionRotated, reason, detail)
	}

	return fresh, nil
}

// Revoke permanently revokes keyID
func (m *KeyManager) Revoke(ctx context.Context, keyID, reason string) error {
	key, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key.Revoked {
		return ErrKeyRevoked
	}
	if reason == "" {
		reason = "unspecified"
	}
	return m.revoke(ctx, key, reason)
}

func (m *KeyManager) revoke(ctx context.Context, key *Key, reason string) error {
	now := m.now().UTC()
	key.Revoked = true
	key.RevokedAt = &now
	key.RevokeReason = reason
	if err := m.store.UpdateKey(ctx, key); err != nil {
		return fmt.Errorf("revoke key %s: %w", key.ID, err)
	}
	m.audit(ctx, key, ActionRevoked, reason, nil)
	m.logger.WithFields(map[string]interface{}{"key_id": key.ID, "reason": reason}).Info("Signing key revoked")
	return nil
}

// Resolve returns a usable key. Revoked and expired keys yield ErrKeyNotFound.
func (m *KeyManager) Resolve(ctx context.Context, keyID string) (*Key, error) {
	key, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, ErrKeyNotFound
	}
	if !key.Usable(m.now()) {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// RecordUse appends a best-effort "used" entry
func (m *KeyManager) RecordUse(ctx context.Context, key *Key) {
	m.audit(ctx, key, ActionUsed, "", nil)
}

// List returns the public view of every key for domain
func (m *KeyManager) List(ctx context.Context, domain string) ([]*Key, error) {
	keys, err := m.store.ListKeys(ctx, strings.ToLower(strings.TrimSpace(domain)))
	if err != nil {
		return nil, err
	}
	out := make([]*Key, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Public())
	}
	return out, nil
}

// AuditTrail returns the most recent lifecycle entries for domain
func (m *KeyManager) AuditTrail(ctx context.Context, domain string, limit int) ([]*AuditEntry, error) {
	return m.store.ListKeyAudit(ctx, strings.ToLower(strings.TrimSpace(domain)), limit)
}

// audit appends to the trail; failures never abort the primary operation
func (m *KeyManager) audit(ctx context.Context, key *Key, action AuditAction, reason string, detail map[string]interface{}) {
	entry := &AuditEntry{
		ID:        uuid.NewString(),
		KeyID:     key.ID,
		Domain:    key.Domain,
		Action:    action,
		Reason:    reason,
		Timestamp: m.now().UTC(),
		Detail:    detail,
	}
	if err := m.store.AppendKeyAudit(ctx, entry); err != nil {
		m.logger.Warnf("failed to append key audit entry %s for %s: %v", action, key.ID, err)
	}
}
