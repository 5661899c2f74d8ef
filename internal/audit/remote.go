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

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// StatusError is a non-2xx engine response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("audit engine returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the response is worth retrying
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsPermanent reports whether err will not go away on retry
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Retryable()
	}
	return errors.Is(err, ErrEngineUnavailable)
}

// RemoteConfig configures RemoteEngine
type RemoteConfig struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// RemoteEngine calls an external audit engine over HTTP. Each Audit is a
// single attempt; retries belong to the job queue, which sees IsPermanent
// through the executor.
type RemoteEngine struct {
	client *http.Client
	config RemoteConfig
}

// NewRemoteEngine creates an engine client
func NewRemoteEngine(config RemoteConfig) *RemoteEngine {
	if config.UserAgent == "" {
		config.UserAgent = "a2a-gateway/1.0"
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &RemoteEngine{
		client: &http.Client{Transport: transport, Timeout: config.Timeout},
		config: config,
	}
}

// Audit implements Engine
func (e *RemoteEngine) Audit(ctx context.Context, req Request, progress ProgressFunc) (*AuditResult, error) {
	if progress == nil {
		progress = func(string, int, int, int) {}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit request: %w", err)
	}

	progress("requesting", 10, 1, 3)
	res, err := e.post(ctx, body)
	if err != nil {
		return nil, err
	}
	progress("analyzing", 70, 2, 3)
	if res.URL == "" {
		res.URL = req.URL
	}
	progress("reporting", 90, 3, 3)
	return res, nil
}

func (e *RemoteEngine) post(ctx context.Context, body []byte) (*AuditResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &StatusError{StatusCode: http.StatusBadRequest, Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", e.config.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audit engine request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() // nolint:errcheck
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read audit engine response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 256)}
	}

	var res AuditResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &StatusError{StatusCode: http.StatusUnprocessableEntity, Body: "invalid engine response: " + err.Error()}
	}
	return &res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
