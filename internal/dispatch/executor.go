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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/audit"
	"github.com/amtp-protocol/a2a-gateway/internal/cache"
	"github.com/amtp-protocol/a2a-gateway/internal/queue"
)

// Cache namespaces
const (
	nsReport = "report" // url + categories -> report
	nsLatest = "latest" // url -> most recent report, feeds insights
)

// jobParams is the executor input stored on each job
type jobParams struct {
	Categories []string `json:"categories,omitempty"`
}

func encodeJobParams(categories []string) json.RawMessage {
	data, _ := json.Marshal(jobParams{Categories: categories})
	return data
}

func reportKey(url string, categories []string) string {
	cats := append([]string(nil), categories...)
	sort.Strings(cats)
	return url + "|" + strings.Join(cats, ",")
}

// NewExecutor returns the queue executor that runs audits on engine and
// stores the reshaped report in c. c may be nil.
func NewExecutor(engine audit.Engine, c *cache.Cache) queue.Executor {
	return func(ctx context.Context, job *queue.Job, progress queue.ProgressFunc) (json.RawMessage, error) {
		var p jobParams
		if len(job.Params) > 0 {
			if err := json.Unmarshal(job.Params, &p); err != nil {
				return nil, queue.Permanent(fmt.Errorf("invalid job params: %w", err))
			}
		}

		start := time.Now()
		res, err := engine.Audit(ctx, audit.Request{
			AuditID:    job.ID,
			URL:        job.Target,
			Categories: p.Categories,
		}, audit.ProgressFunc(progress))
		if err != nil {
			if audit.IsPermanent(err) {
				return nil, queue.Permanent(err)
			}
			return nil, err
		}

		report := audit.Reshape(job.ID, res, time.Since(start))
		data, err := json.Marshal(report)
		if err != nil {
			return nil, queue.Permanent(fmt.Errorf("encode report: %w", err))
		}

		if c != nil {
			c.Set(nsReport, reportKey(job.Target, p.Categories), data, 0)
			c.Set(nsLatest, job.Target, data, 0)
		}
		return data, nil
	}
}
