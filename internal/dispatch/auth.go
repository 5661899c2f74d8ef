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

package dispatch

import (
	"context"
	stderrors "errors"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/errors"
	"github.com/amtp-protocol/a2a-gateway/internal/queue"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
	"github.com/amtp-protocol/a2a-gateway/internal/streaming"
)

// authenticate resolves the credential to exactly one agent, verifies the
// request signature and authorizes the agent. Unprotected calls only
// verify a signature that is present.
func (d *Dispatcher) authenticate(ctx context.Context, in *Inbound, protected bool) (*Caller, *errors.A2AError) {
	if in.Credential == "" {
		d.logger.LogAuth("", "", "rejected", "missing_credential")
		return nil, errors.New(errors.ErrAuthenticationRequired, "authentication required")
	}

	agent, err := d.deps.Registry.Resolve(ctx, in.Credential)
	if err != nil {
		if stderrors.Is(err, agents.ErrInvalidCredential) {
			d.logger.LogAuth("", "", "rejected", "invalid_credential")
			return nil, errors.New(errors.ErrInvalidAPIKey, "invalid api key")
		}
		return nil, errors.NewInternalError("failed to resolve credential", err)
	}

	caller := &Caller{
		Agent:         agent,
		CredentialKey: d.deps.Registry.CredentialKey(in.Credential),
		Tier:          agent.Tier,
	}

	if (protected && d.opts.RequireSignatures) || in.Signature != "" {
		key, aerr := d.verifySignature(ctx, in, agent)
		if aerr != nil {
			return nil, aerr
		}
		caller.Key = key
	}

	if err := d.deps.Registry.Authorize(agent); err != nil {
		reason := "inactive"
		if stderrors.Is(err, agents.ErrTrustTooLow) {
			reason = "trust_below_floor"
		}
		d.logger.LogAuth(agent.ID, "", "forbidden", reason)
		return nil, errors.New(errors.ErrForbidden, "agent not authorized").
			WithData(map[string]interface{}{"reason": reason})
	}

	keyID := ""
	if caller.Key != nil {
		keyID = caller.Key.ID
	}
	d.logger.LogAuth(agent.ID, keyID, "accepted", "")
	return caller, nil
}

// verifySignature checks the Signature header and binds the signing key
// to the agent's domain. A key of another domain is reported exactly like
// an unknown key.
func (d *Dispatcher) verifySignature(ctx context.Context, in *Inbound, agent *agents.Agent) (*signature.Key, *errors.A2AError) {
	if _, p, err := signature.ParseHeader(in.Signature); err == nil && p.KeyID != "" &&
		signature.DomainFromKeyID(p.KeyID) != agent.Domain {
		d.logger.LogAuth(agent.ID, p.KeyID, "rejected", "domain_mismatch")
		return nil, errors.NewSignatureError(errors.ErrSignatureInvalid, string(signature.ReasonUnknownKey))
	}

	key, err := d.deps.Verifier.Verify(ctx, in.Message, in.Signature)
	if err != nil {
		var verr *signature.VerifyError
		if !stderrors.As(err, &verr) {
			return nil, errors.NewInternalError("signature verification failed", err)
		}
		d.logger.LogAuth(agent.ID, "", "rejected", string(verr.Reason))
		if verr.Expired() {
			return nil, errors.NewSignatureError(errors.ErrSignatureExpired, string(verr.Reason))
		}
		return nil, errors.NewSignatureError(errors.ErrSignatureInvalid, string(verr.Reason))
	}
	if key.Domain != agent.Domain {
		d.logger.LogAuth(agent.ID, key.ID, "rejected", "domain_mismatch")
		return nil, errors.NewSignatureError(errors.ErrSignatureInvalid, string(signature.ReasonUnknownKey))
	}
	return key, nil
}

// StreamAuthenticator resolves websocket credentials with the same
// registry rules as RPC calls.
type StreamAuthenticator struct {
	Registry *agents.Registry
}

// Authenticate implements streaming.Authenticator
func (a StreamAuthenticator) Authenticate(ctx context.Context, credential string) (*streaming.Principal, error) {
	agent, err := a.Registry.Resolve(ctx, credential)
	if err != nil {
		return nil, err
	}
	if err := a.Registry.Authorize(agent); err != nil {
		return nil, err
	}
	return &streaming.Principal{
		AgentID:       agent.ID,
		CredentialKey: a.Registry.CredentialKey(credential),
		Tier:          string(agent.Tier),
	}, nil
}

// JobOwner resolves the owning credential key of an audit or batch id
func JobOwner(q *queue.Queue) streaming.OwnerFunc {
	return func(ctx context.Context, id string) (string, bool) {
		if job, err := q.Get(ctx, id); err == nil {
			return job.Owner, true
		}
		if batch, err := q.GetBatch(ctx, id); err == nil {
			return batch.Owner, true
		}
		return "", false
	}
}
