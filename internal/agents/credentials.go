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

package agents

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
)

// CredentialPrefix marks gateway-issued bearer credentials
const CredentialPrefix = "a2a_"

const credentialIssuer = "a2a-gateway"

// credentialClaims are embedded in every issued credential
type credentialClaims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// Issuer mints and checks opaque bearer credentials. Only a salted hash of
// a credential is ever persisted.
type Issuer struct {
	secret []byte
	salt   string
}

// NewIssuer creates an issuer. An empty secret is replaced with a random one,
// which invalidates credentials across restarts.
func NewIssuer(secret, salt string) (*Issuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate credential secret: %w", err)
		}
	}
	return &Issuer{secret: key, salt: salt}, nil
}

// Issue returns a new credential for agentID at tier
func (i *Issuer) Issue(agentID string, tier ratelimit.Tier, now time.Time) (string, error) {
	claims := credentialClaims{
		Tier: string(tier),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   credentialIssuer,
			Subject:  agentID,
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return CredentialPrefix + token, nil
}

// Parse validates the credential's integrity and returns the embedded agent id and tier
func (i *Issuer) Parse(credential string) (string, ratelimit.Tier, error) {
	raw, ok := strings.CutPrefix(credential, CredentialPrefix)
	if !ok {
		return "", "", ErrInvalidCredential
	}

	var claims credentialClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(credentialIssuer))
	if err != nil || claims.Subject == "" {
		return "", "", ErrInvalidCredential
	}

	tier, _ := ratelimit.ParseTier(claims.Tier)
	return claims.Subject, tier, nil
}

// Hash returns the persisted form of a credential. The hash is also the
// rate limit and job ownership key.
func (i *Issuer) Hash(credential string) string {
	h := sha256.Sum256([]byte(credential + i.salt))
	return hex.EncodeToString(h[:])
}
