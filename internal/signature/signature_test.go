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
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

type memKeyStore struct {
	mu    sync.Mutex
	keys  map[string]*Key
	audit []*AuditEntry
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: make(map[string]*Key)}
}

func (s *memKeyStore) SaveKey(ctx context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *memKeyStore) UpdateKey(ctx context.Context, key *Key) error {
	return s.SaveKey(ctx, key)
}

func (s *memKeyStore) GetKey(ctx context.Context, keyID string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *memKeyStore) ListKeys(ctx context.Context, domain string) ([]*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Key
	for _, k := range s.keys {
		if k.Domain == domain {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memKeyStore) AppendKeyAudit(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *memKeyStore) ListKeyAudit(ctx context.Context, domain string, limit int) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEntry
	for _, e := range s.audit {
		if e.Domain == domain {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memKeyStore) actions(keyID string) []AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditAction
	for _, e := range s.audit {
		if e.KeyID == keyID {
			out = append(out, e.Action)
		}
	}
	return out
}

type testEnv struct {
	now      time.Time
	store    *memKeyStore
	manager  *KeyManager
	key      *Key
	verifier *Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{now: time.Unix(1735732800, 0), store: newMemKeyStore()}
	clock := func() time.Time { return env.now }
	env.manager = NewKeyManager(env.store, WithKeyClock(clock))

	key, err := env.manager.Generate(context.Background(), "agent.example.com")
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	env.key = key
	env.verifier = NewVerifier(env.manager, WithVerifierClock(clock), WithReplayGuard(NewReplayGuard(5*time.Minute)))
	return env
}

func (env *testEnv) signer(opts ...SignerOption) *Signer {
	opts = append([]SignerOption{WithSignerClock(func() time.Time { return env.now })}, opts...)
	return NewSigner(env.key.ID, env.key.PrivateKey, opts...)
}

func newSignedRequest(t *testing.T, s *Signer, body string) (*http.Request, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "http://gateway.example.com/a2a/v1/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if err := s.SignRequest(req, []byte(body)); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req, []byte(body)
}

func expectReason(t *testing.T, err error, reason Reason) {
	t.Helper()
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected VerifyError with reason %s, got %v", reason, err)
	}
	if verr.Reason != reason {
		t.Fatalf("Expected reason %s, got %s (%v)", reason, verr.Reason, err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	req, body := newSignedRequest(t, env.signer(), `{"protocol_version":"1.0","method":"ping","id":1}`)

	key, err := env.verifier.Verify(context.Background(), MessageFromRequest(req, body), req.Header.Get(HeaderSignature))
	if err != nil {
		t.Fatalf("Expected verification to succeed: %v", err)
	}
	if key.ID != env.key.ID {
		t.Errorf("Expected key %s, got %s", env.key.ID, key.ID)
	}

	actions := env.store.actions(env.key.ID)
	if len(actions) != 2 || actions[0] != ActionCreated || actions[1] != ActionUsed {
		t.Errorf("Expected [created used] audit trail, got %v", actions)
	}
}

func TestVerifyDetectsMutation(t *testing.T) {
	const body = `{"protocol_version":"1.0","method":"ping","id":1}`

	tests := []struct {
		name   string
		mutate func(req *http.Request, body []byte) (*http.Request, []byte)
		reason Reason
	}{
		{
			name: "method",
			mutate: func(req *http.Request, b []byte) (*http.Request, []byte) {
				req.Method = http.MethodPut
				return req, b
			},
			reason: ReasonVerificationFailed,
		},
		{
			name: "target uri",
			mutate: func(req *http.Request, b []byte) (*http.Request, []byte) {
				req.URL.RawQuery = "x=1"
				return req, b
			},
			reason: ReasonVerificationFailed,
		},
		{
			name: "authority",
			mutate: func(req *http.Request, b []byte) (*http.Request, []byte) {
				req.Host = "evil.example.com"
				return req, b
			},
			reason: ReasonVerificationFailed,
		},
		{
			name: "body",
			mutate: func(req *http.Request, b []byte) (*http.Request, []byte) {
				return req, []byte(`{"protocol_version":"1.0","method":"status","id":1}`)
			},
			reason: ReasonVerificationFailed,
		},
		{
			name: "digest header and body together",
			mutate: func(req *http.Request, b []byte) (*http.Request, []byte) {
				nb := []byte(`{"protocol_version":"1.0","method":"status","id":1}`)
				req.Header.Set(HeaderContentDigest, ContentDigest(nb))
				return req, nb
			},
			reason: ReasonVerificationFailed,
		},
		{
			name: "key id",
			mutate: func(req *http.Request, b []byte) (*http.Request, []byte) {
				h := req.Header.Get(HeaderSignature)
				_, p, _ := ParseHeader(h)
				req.Header.Set(HeaderSignature, strings.Replace(h, p.KeyID, "agent.example.com:20250101:deadbeef", 1))
				return req, b
			},
			reason: ReasonUnknownKey,
		},
		{
			name: "signature bytes",
			mutate: func(req *http.Request, b []byte) (*http.Request, []byte) {
				h := req.Header.Get(HeaderSignature)
				i := strings.Index(h, `sig="`) + 5
				c := byte('A')
				if h[i] == 'A' {
					c = 'B'
				}
				req.Header.Set(HeaderSignature, h[:i]+string(c)+h[i+1:])
				return req, b
			},
			reason: ReasonVerificationFailed,
		},
		{
			name: "garbage header",
			mutate: func(req *http.Request, b []byte) (*http.Request, []byte) {
				req.Header.Set(HeaderSignature, "not a signature")
				return req, b
			},
			reason: ReasonMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req, b := newSignedRequest(t, env.signer(), body)
			req, b = tt.mutate(req, b)

			_, err := env.verifier.Verify(context.Background(), MessageFromRequest(req, b), req.Header.Get(HeaderSignature))
			expectReason(t, err, tt.reason)
		})
	}
}

func TestFreshnessBoundary(t *testing.T) {
	const maxAge = 5 * time.Minute

	tests := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"just outside max age", -maxAge - time.Second, false},
		{"just inside max age", -maxAge + time.Second, true},
		{"within future tolerance", 59 * time.Second, true},
		{"beyond future tolerance", 61 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			signedAt := env.now.Add(tt.offset)
			s := NewSigner(env.key.ID, env.key.PrivateKey, WithSignerClock(func() time.Time { return signedAt }))
			req, body := newSignedRequest(t, s, `{}`)

			_, err := env.verifier.Verify(context.Background(), MessageFromRequest(req, body), req.Header.Get(HeaderSignature))
			if tt.ok && err != nil {
				t.Fatalf("Expected acceptance, got %v", err)
			}
			if !tt.ok {
				expectReason(t, err, ReasonStale)
			}
		})
	}
}

func TestExpiresParameter(t *testing.T) {
	env := newTestEnv(t)
	req, body := newSignedRequest(t, env.signer(WithExpiry(30*time.Second)), `{}`)

	env.now = env.now.Add(31 * time.Second)
	_, err := env.verifier.Verify(context.Background(), MessageFromRequest(req, body), req.Header.Get(HeaderSignature))
	expectReason(t, err, ReasonStale)
}

func TestNonceReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	req, body := newSignedRequest(t, env.signer(WithNonce()), `{}`)
	msg := MessageFromRequest(req, body)
	header := req.Header.Get(HeaderSignature)

	if _, err := env.verifier.Verify(context.Background(), msg, header); err != nil {
		t.Fatalf("First use should verify: %v", err)
	}
	_, err := env.verifier.Verify(context.Background(), msg, header)
	expectReason(t, err, ReasonStale)
}

func TestRevokedAndExpiredKeysAreUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req, body := newSignedRequest(t, env.signer(), `{}`)

	if err := env.manager.Revoke(ctx, env.key.ID, "compromised"); err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}
	_, err := env.verifier.Verify(ctx, MessageFromRequest(req, body), req.Header.Get(HeaderSignature))
	expectReason(t, err, ReasonUnknownKey)

	if err := env.manager.Revoke(ctx, env.key.ID, "again"); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("Expected ErrKeyRevoked, got %v", err)
	}

	stored, _ := env.store.GetKey(ctx, env.key.ID)
	if stored.RevokeReason != "compromised" || stored.RevokedAt == nil {
		t.Errorf("Revocation not recorded: %+v", stored)
	}
}

func TestRotationKeepsDomainSigning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	oldKey := env.key

	env.now = env.now.Add(24 * time.Hour)
	fresh, err := env.manager.Rotate(ctx, "agent.example.com", "scheduled")
	if err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}
	if fresh.ID == oldKey.ID {
		t.Fatal("Expected a new key id")
	}
	if !strings.HasPrefix(fresh.ID, "agent.example.com:20250102:") {
		t.Errorf("Unexpected key id format: %s", fresh.ID)
	}

	if _, err := env.manager.Resolve(ctx, oldKey.ID); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected old key to be unusable, got %v", err)
	}
	if _, err := env.manager.Resolve(ctx, fresh.ID); err != nil {
		t.Errorf("Expected fresh key to resolve: %v", err)
	}

	actions := env.store.actions(oldKey.ID)
	want := []AuditAction{ActionCreated, ActionRevoked, ActionRotated}
	if len(actions) != len(want) {
		t.Fatalf("Expected %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, actions)
		}
	}
}

func TestRotationGraceOverlap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	clock := func() time.Time { return env.now }
	env.manager = NewKeyManager(env.store, WithKeyClock(clock), WithRotationGrace(time.Hour))

	fresh, err := env.manager.Rotate(ctx, "agent.example.com", "")
	if err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}

	// Both keys valid during the overlap
	for _, id := range []string{env.key.ID, fresh.ID} {
		if _, err := env.manager.Resolve(ctx, id); err != nil {
			t.Errorf("Expected %s to resolve during overlap: %v", id, err)
		}
	}

	env.now = env.now.Add(time.Hour)
	if _, err := env.manager.Resolve(ctx, env.key.ID); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected old key to expire after grace, got %v", err)
	}
}

func TestParseHeaderRoundTrip(t *testing.T) {
	p := Params{
		Components: []string{ComponentMethod, ComponentTargetURI, "x-agent-id"},
		Created:    1735732800,
		Expires:    1735733100,
		KeyID:      "agent.example.com:20250101:0a1b2c3d",
		Nonce:      "abc123",
		Alg:        AlgEd25519,
	}
	header := FormatHeader([]byte{1, 2, 3, 4}, p)

	sig, got, err := ParseHeader(header)
	if err != nil {
		t.Fatalf("Failed to parse header %q: %v", header, err)
	}
	if len(sig) != 4 || got.KeyID != p.KeyID || got.Created != p.Created || got.Expires != p.Expires || got.Nonce != p.Nonce {
		t.Errorf("Parsed params mismatch: %+v", got)
	}
	if len(got.Components) != 3 || got.Components[2] != "x-agent-id" {
		t.Errorf("Parsed components mismatch: %v", got.Components)
	}
}

func TestParseHeaderRejects(t *testing.T) {
	headers := []string{
		``,
		`sig="AQID";keyid="k";alg="ed25519";created=1`,
		`sig="AQID";keyid="k";alg="ed25519" ("@method")`,
		`sig="AQID";keyid="k";created=1 ("@method")`,
		`sig="!!";keyid="k";alg="ed25519";created=1 ("@method")`,
		`sig="AQID";keyid="k";alg="ed25519";created=1;color="red" ("@method")`,
		`sig="AQID";keyid="k";alg="ed25519";created=1;created=2 ("@method")`,
		`sig="AQID";keyid="k";alg="ed25519";created=1 ()`,
	}
	for _, h := range headers {
		if _, _, err := ParseHeader(h); err == nil {
			t.Errorf("Expected error for %q", h)
		}
	}
}

func TestBuildBaseCanonicalizesWhitespace(t *testing.T) {
	msg := Message{
		Method:    "post",
		TargetURI: "https://gateway.example.com/a2a/v1/rpc",
		Authority: "Gateway.Example.com",
		Header:    http.Header{"X-Agent-Note": []string{"  hello    world  "}},
	}
	p := Params{
		Components: []string{ComponentMethod, ComponentAuthority, "x-agent-note"},
		Created:    10,
		KeyID:      "d:20250101:00000000",
		Alg:        AlgEd25519,
	}

	base, err := BuildBase(msg, p)
	if err != nil {
		t.Fatalf("Failed to build base: %v", err)
	}
	want := `"@method": POST
"@authority": gateway.example.com
"x-agent-note": hello world
"@signature-params": ("@method" "@authority" "x-agent-note");created=10;keyid="d:20250101:00000000";alg="ed25519"`
	if base != want {
		t.Errorf("Unexpected base string:\n%s\nwant:\n%s", base, want)
	}

	p.Components = []string{"x-missing"}
	if _, err := BuildBase(msg, p); err == nil {
		t.Error("Expected error for missing header component")
	}
}

func TestBodyRequiresDigestCoverage(t *testing.T) {
	env := newTestEnv(t)
	s := env.signer(WithComponents(ComponentMethod, ComponentTargetURI))
	req, body := newSignedRequest(t, s, `{"a":1}`)

	_, err := env.verifier.Verify(context.Background(), MessageFromRequest(req, body), req.Header.Get(HeaderSignature))
	expectReason(t, err, ReasonMalformed)
}

func TestDomainFromKeyID(t *testing.T) {
	if got := DomainFromKeyID("agent.example.com:20250101:0a1b2c3d"); got != "agent.example.com" {
		t.Errorf("Unexpected domain %q", got)
	}
	if got := DomainFromKeyID("nocolons"); got != "" {
		t.Errorf("Expected empty domain, got %q", got)
	}
}

func TestRequiredComponentsEnforced(t *testing.T) {
	env := newTestEnv(t)
	clock := func() time.Time { return env.now }
	strict := NewVerifier(env.manager, WithVerifierClock(clock),
		WithRequiredComponents(ComponentMethod, ComponentTargetURI, ComponentAuthority))

	s := env.signer(WithComponents(ComponentMethod, ComponentTargetURI, ComponentContentDigest))
	req, body := newSignedRequest(t, s, `{}`)
	if _, err := env.verifier.Verify(context.Background(), MessageFromRequest(req, body), req.Header.Get(HeaderSignature)); err != nil {
		t.Fatalf("Expected default verifier to accept, got %v", err)
	}
	_, err := strict.Verify(context.Background(), MessageFromRequest(req, body), req.Header.Get(HeaderSignature))
	expectReason(t, err, ReasonMalformed)

	req, body = newSignedRequest(t, env.signer(), `{}`)
	if _, err := strict.Verify(context.Background(), MessageFromRequest(req, body), req.Header.Get(HeaderSignature)); err != nil {
		t.Errorf("Expected authority-covering signature to verify, got %v", err)
	}
}

func TestRotateNormalizesDomain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fresh, err := env.manager.Rotate(ctx, " Agent.Example.COM ", "")
	if err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}
	if fresh.Domain != "agent.example.com" {
		t.Errorf("Expected normalized domain, got %s", fresh.Domain)
	}
	if _, err := env.manager.Resolve(ctx, env.key.ID); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected old key to be retired, got %v", err)
	}

	keys, err := env.manager.List(ctx, "AGENT.example.com")
	if err != nil {
		t.Fatalf("Failed to list keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %d", len(keys))
	}
}
