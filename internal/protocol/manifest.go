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

package protocol

import (
	"strings"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
)

// Paths served by the gateway
const (
	PathRPC      = "/a2a/v1/rpc"
	PathStream   = "/a2a/v1/stream"
	PathManifest = "/.well-known/a2a.json"
)

// ManifestConfig carries the deployment facts the manifest advertises
type ManifestConfig struct {
	ServiceName       string
	ServiceVersion    string
	Domain            string
	PublicURL         string
	CredentialHeader  string
	CredentialPrefix  string
	RequireSignatures bool
	MaxAge            time.Duration
	FutureTolerance   time.Duration
	Tiers             ratelimit.TierTable
	// MaxBatchSize lowers the protocol cap on batch urls when set
	MaxBatchSize int
}

// Manifest is the result of discover and the body of the well-known document
type Manifest struct {
	Service         ServiceInfo                 `json:"service"`
	ProtocolVersion string                      `json:"protocol_version"`
	Endpoints       Endpoints                   `json:"endpoints"`
	Methods         []MethodDescriptor          `json:"methods"`
	Auth            AuthInfo                    `json:"auth"`
	Signature       SignatureInfo               `json:"signature"`
	RateLimits      map[ratelimit.Tier]RateHint `json:"rate_limits"`
	Streaming       StreamingInfo               `json:"streaming"`
}

// RateHint is a tier's limits plus the largest audit.batch it can admit.
// A batch costs one token per url and the bucket never holds more than
// burst, so max_batch never exceeds burst.
type RateHint struct {
	ratelimit.Limits
	MaxBatch int `json:"max_batch"`
}

// MaxBatch returns the largest batch limits can admit under cap
func MaxBatch(limits ratelimit.Limits, cap int) int {
	if cap <= 0 || cap > MaxBatchURLs {
		cap = MaxBatchURLs
	}
	return min(limits.Burst, cap)
}

// ServiceInfo identifies the gateway
type ServiceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Domain  string `json:"domain,omitempty"`
}

// Endpoints are absolute when a public url is configured
type Endpoints struct {
	RPC      string `json:"rpc"`
	Stream   string `json:"stream"`
	Manifest string `json:"manifest"`
}

// MethodDescriptor advertises one method
type MethodDescriptor struct {
	Name         Method                 `json:"name"`
	Description  string                 `json:"description"`
	AuthRequired bool                   `json:"auth_required"`
	Cost         string                 `json:"cost"`
	Streaming    bool                   `json:"streaming"`
	Batch        bool                   `json:"batch"`
	Params       map[string]FieldSchema `json:"params"`
	Result       []string               `json:"result"`
}

// AuthInfo describes credential presentation
type AuthInfo struct {
	Scheme           string `json:"scheme"`
	Header           string `json:"header"`
	CredentialPrefix string `json:"credential_prefix"`
}

// SignatureInfo describes request signing requirements
type SignatureInfo struct {
	Required               bool     `json:"required"`
	Algorithm              string   `json:"algorithm"`
	Header                 string   `json:"header"`
	DigestHeader           string   `json:"digest_header"`
	Components             []string `json:"components"`
	MaxAgeSeconds          int      `json:"max_age_seconds"`
	FutureToleranceSeconds int      `json:"future_tolerance_seconds"`
	KeyIDFormat            string   `json:"key_id_format"`
}

// StreamingInfo lists the websocket message types
type StreamingInfo struct {
	ClientMessages []string `json:"client_messages"`
	ServerMessages []string `json:"server_messages"`
	Events         []string `json:"events"`
}

// BuildManifest assembles the capability manifest
func BuildManifest(cfg ManifestConfig) *Manifest {
	base := strings.TrimSuffix(cfg.PublicURL, "/")
	stream := PathStream
	if base != "" {
		stream = strings.Replace(strings.Replace(base, "https://", "wss://", 1), "http://", "ws://", 1) + PathStream
	}

	m := &Manifest{
		Service: ServiceInfo{
			Name:    cfg.ServiceName,
			Version: cfg.ServiceVersion,
			Domain:  cfg.Domain,
		},
		ProtocolVersion: Version,
		Endpoints: Endpoints{
			RPC:      base + PathRPC,
			Stream:   stream,
			Manifest: base + PathManifest,
		},
		Auth: AuthInfo{
			Scheme:           "bearer",
			Header:           cfg.CredentialHeader,
			CredentialPrefix: cfg.CredentialPrefix,
		},
		Signature: SignatureInfo{
			Required:               cfg.RequireSignatures,
			Algorithm:              signature.AlgEd25519,
			Header:                 signature.HeaderSignature,
			DigestHeader:           signature.HeaderContentDigest,
			Components:             signature.DefaultComponents,
			MaxAgeSeconds:          int(cfg.MaxAge.Seconds()),
			FutureToleranceSeconds: int(cfg.FutureTolerance.Seconds()),
			KeyIDFormat:            "<domain>:<YYYYMMDD>:<8 hex>",
		},
		RateLimits: make(map[ratelimit.Tier]RateHint, len(cfg.Tiers)),
		Streaming: StreamingInfo{
			ClientMessages: []string{"auth", "subscribe", "unsubscribe", "ping"},
			ServerMessages: []string{"auth_response", "subscribe_response", "unsubscribe_response", "pong", "error"},
			Events:         []string{"progress", "complete", "error"},
		},
	}

	for tier, limits := range cfg.Tiers {
		m.RateLimits[tier] = RateHint{Limits: limits, MaxBatch: MaxBatch(limits, cfg.MaxBatchSize)}
	}

	for _, spec := range methodTable {
		m.Methods = append(m.Methods, MethodDescriptor{
			Name:         spec.Name,
			Description:  spec.Description,
			AuthRequired: !spec.Public,
			Cost:         spec.BaseCost(),
			Streaming:    spec.Streaming,
			Batch:        spec.Batch,
			Params:       spec.ParamsSchema(),
			Result:       spec.Result,
		})
	}
	return m
}

// MethodNames lists every method
func MethodNames() []Method {
	out := make([]Method, len(methodTable))
	for i, m := range methodTable {
		out[i] = m.Name
	}
	return out
}
