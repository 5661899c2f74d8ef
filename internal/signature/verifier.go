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
	"fmt"
	"time"
)

// Reason is the coarse category reported for a failed verification
type Reason string

const (
	ReasonMissing            Reason = "missing"
	ReasonMalformed          Reason = "malformed"
	ReasonStale              Reason = "stale"
	ReasonUnknownKey         Reason = "unknown_key"
	ReasonVerificationFailed Reason = "verification_failed"
)

// VerifyError is returned for every verification failure
type VerifyError struct {
	Reason Reason
	detail string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("signature %s: %s", e.Reason, e.detail)
}

// Expired reports whether the failure was a freshness failure
func (e *VerifyError) Expired() bool {
	return e.Reason == ReasonStale
}

func fail(reason Reason, format string, args ...interface{}) *VerifyError {
	return &VerifyError{Reason: reason, detail: fmt.Sprintf(format, args...)}
}

// Verifier checks Signature headers against observed requests
type Verifier struct {
	keys            KeyResolver
	maxAge          time.Duration
	futureTolerance time.Duration
	required        []string
	replay          *ReplayGuard
	now             func() time.Time
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithFreshness overrides the accepted created window
func WithFreshness(maxAge, futureTolerance time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.maxAge = maxAge
		v.futureTolerance = futureTolerance
	}
}

// WithRequiredComponents lists components every signature must cover
func WithRequiredComponents(components ...string) VerifierOption {
	return func(v *Verifier) { v.required = components }
}

// WithReplayGuard rejects reused nonces
func WithReplayGuard(g *ReplayGuard) VerifierOption {
	return func(v *Verifier) { v.replay = g }
}

// WithVerifierClock overrides the time source
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier resolving keys through keys
func NewVerifier(keys KeyResolver, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:            keys,
		maxAge:          5 * time.Minute,
		futureTolerance: time.Minute,
		required:        []string{ComponentMethod, ComponentTargetURI},
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks header against msg. On success the resolved key is returned.
func (v *Verifier) Verify(ctx context.Context, msg Message, header string) (*Key, error) {
	if header == "" {
		return nil, fail(ReasonMissing, "no signature header")
	}

	sig, p, err := ParseHeader(header)
	if err != nil {
		return nil, fail(ReasonMalformed, "%v", err)
	}
	if p.Alg != AlgEd25519 {
		return nil, fail(ReasonMalformed, "unsupported alg %s", p.Alg)
	}
	for _, c := range v.required {
		if !p.HasComponent(c) {
			return nil, fail(ReasonMalformed, "required component %s not covered", c)
		}
	}
	if len(msg.Body) > 0 && !p.HasComponent(ComponentContentDigest) {
		return nil, fail(ReasonMalformed, "body present but content digest not covered")
	}

	now := v.now()
	created := time.Unix(p.Created, 0)
	if created.Before(now.Add(-v.maxAge)) {
		return nil, fail(ReasonStale, "created too old")
	}
	if created.After(now.Add(v.futureTolerance)) {
		return nil, fail(ReasonStale, "created in the future")
	}
	if p.Expires != 0 && !now.Before(time.Unix(p.Expires, 0)) {
		return nil, fail(ReasonStale, "signature expired")
	}

	key, err := v.keys.Resolve(ctx, p.KeyID)
	if err != nil {
		return nil, fail(ReasonUnknownKey, "key not resolvable")
	}

	if p.HasComponent(ComponentContentDigest) {
		if !VerifyContentDigest(msg.Header.Get(HeaderContentDigest), msg.Body) {
			return nil, fail(ReasonVerificationFailed, "content digest mismatch")
		}
	}

	base, err := BuildBase(msg, p)
	if err != nil {
		return nil, fail(ReasonVerificationFailed, "%v", err)
	}
	if len(key.PublicKey) != ed25519.PublicKeySize || !ed25519.Verify(key.PublicKey, []byte(base), sig) {
		return nil, fail(ReasonVerificationFailed, "signature mismatch")
	}

	if p.Nonce != "" && v.replay != nil && !v.replay.Observe(p.KeyID, p.Nonce) {
		return nil, fail(ReasonStale, "nonce reused")
	}

	v.keys.RecordUse(ctx, key)
	return key, nil
}
