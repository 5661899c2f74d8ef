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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// Signer produces Signature headers with a single private key
type Signer struct {
	keyID      string
	privateKey ed25519.PrivateKey
	components []string
	ttl        time.Duration
	nonce      bool
	now        func() time.Time
}

// SignerOption configures a Signer
type SignerOption func(*Signer)

// WithComponents overrides the covered components
func WithComponents(components ...string) SignerOption {
	return func(s *Signer) { s.components = components }
}

// WithExpiry adds an expires parameter ttl after created
func WithExpiry(ttl time.Duration) SignerOption {
	return func(s *Signer) { s.ttl = ttl }
}

// WithNonce adds a random nonce to each signature
func WithNonce() SignerOption {
	return func(s *Signer) { s.nonce = true }
}

// WithSignerClock overrides the time source
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner creates a signer for keyID
func NewSigner(keyID string, privateKey ed25519.PrivateKey, opts ...SignerOption) *Signer {
	s := &Signer{
		keyID:      keyID,
		privateKey: privateKey,
		components: DefaultComponents,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign signs msg and returns the Signature header value. When the content
// digest is covered and absent from msg.Header it is computed and set.
func (s *Signer) Sign(msg *Message) (string, error) {
	if len(s.privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key length %d", len(s.privateKey))
	}
	if msg.Header == nil {
		msg.Header = http.Header{}
	}

	p := Params{
		Components: s.components,
		Created:    s.now().Unix(),
		KeyID:      s.keyID,
		Alg:        AlgEd25519,
	}
	if s.ttl > 0 {
		p.Expires = p.Created + int64(s.ttl/time.Second)
	}
	if s.nonce {
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate nonce: %w", err)
		}
		p.Nonce = hex.EncodeToString(buf)
	}
	if p.HasComponent(ComponentContentDigest) && msg.Header.Get(HeaderContentDigest) == "" {
		msg.Header.Set(HeaderContentDigest, ContentDigest(msg.Body))
	}

	base, err := BuildBase(*msg, p)
	if err != nil {
		return "", fmt.Errorf("build signature base: %w", err)
	}
	sig := ed25519.Sign(s.privateKey, []byte(base))
	return FormatHeader(sig, p), nil
}

// SignRequest signs req with body and sets the Signature and Content-Digest headers.
// req.Host or req.URL.Host must be set.
func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	msg := Message{
		Method:    req.Method,
		TargetURI: req.URL.Scheme + "://" + host + req.URL.RequestURI(),
		Authority: host,
		Header:    req.Header,
		Body:      body,
	}
	header, err := s.Sign(&msg)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderSignature, header)
	return nil
}
