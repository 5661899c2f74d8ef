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
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/amtp-protocol/a2a-gateway/internal/errors"
)

// DiscoverParams is empty
type DiscoverParams struct{}

// CapabilitiesParams is empty
type CapabilitiesParams struct{}

// PingParams is empty
type PingParams struct{}

// StatusParams is empty
type StatusParams struct{}

// AuditRequestParams requests a single audit
type AuditRequestParams struct {
	URL            string   `json:"url" validate:"required,http_url,max=2048"`
	Mode           string   `json:"mode,omitempty" validate:"omitempty,oneof=sync async"`
	Priority       string   `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	Categories     []string `json:"categories,omitempty" validate:"omitempty,max=5,unique,dive,oneof=performance seo accessibility security content"`
	TimeoutSeconds *int     `json:"timeout_seconds,omitempty" validate:"omitempty,min=1,max=300"`
	MaxRetries     *int     `json:"max_retries,omitempty" validate:"omitempty,min=0,max=5"`
	UseCache       *bool    `json:"use_cache,omitempty"`
}

// Sync reports whether the caller asked for inline execution
func (p *AuditRequestParams) Sync() bool {
	return p.Mode == "sync"
}

// CacheEnabled defaults to true
func (p *AuditRequestParams) CacheEnabled() bool {
	return p.UseCache == nil || *p.UseCache
}

// AuditStatusParams names exactly one of an audit or a batch
type AuditStatusParams struct {
	AuditID string `json:"audit_id,omitempty" validate:"omitempty,max=64"`
	BatchID string `json:"batch_id,omitempty" validate:"omitempty,max=64"`
}

func (p *AuditStatusParams) check() map[string]interface{} {
	if (p.AuditID == "") == (p.BatchID == "") {
		return map[string]interface{}{"audit_id": "exactly one of audit_id or batch_id is required"}
	}
	return nil
}

// AuditIDParams carries a single audit id
type AuditIDParams struct {
	AuditID string `json:"audit_id" validate:"required,max=64"`
}

// MaxBatchURLs is the protocol cap on urls per audit.batch, matching
// the validate tag below
const MaxBatchURLs = 50

// AuditBatchParams requests audits for several urls
type AuditBatchParams struct {
	URLs           []string `json:"urls" validate:"required,min=1,max=50,dive,required,http_url,max=2048"`
	Priority       string   `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	Categories     []string `json:"categories,omitempty" validate:"omitempty,max=5,unique,dive,oneof=performance seo accessibility security content"`
	TimeoutSeconds *int     `json:"timeout_seconds,omitempty" validate:"omitempty,min=1,max=300"`
	MaxRetries     *int     `json:"max_retries,omitempty" validate:"omitempty,min=0,max=5"`
}

// InsightsParams names a previously audited url
type InsightsParams struct {
	URL string `json:"url" validate:"required,http_url,max=2048"`
}

type checker interface {
	check() map[string]interface{}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func paramsValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonName)
	})
	return validate
}

func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

// DecodeParams decodes raw into the method's params type. Unknown fields
// and tag violations produce INVALID_PARAMS.
func DecodeParams(m *MethodSpec, raw json.RawMessage) (interface{}, *errors.A2AError) {
	params := m.newParams()
	if len(raw) == 0 || isNull(raw) {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(params); err != nil {
		return nil, errors.NewInvalidParams(decodeMessage(err), nil)
	}

	if err := paramsValidator().Struct(params); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			fields := make(map[string]interface{}, len(verrs))
			for _, fe := range verrs {
				fields[fieldPath(fe)] = describeViolation(fe)
			}
			return nil, errors.NewInvalidParams("invalid params for "+string(m.Name), fields)
		}
		return nil, errors.NewInvalidParams(err.Error(), nil)
	}

	if c, ok := params.(checker); ok {
		if fields := c.check(); len(fields) > 0 {
			return nil, errors.NewInvalidParams("invalid params for "+string(m.Name), fields)
		}
	}
	return params, nil
}

func decodeMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &typeErr) {
		return fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type.String())
	}
	return strings.TrimPrefix(err.Error(), "json: ")
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describeViolation(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "http_url":
		return "must be an http(s) url"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "unique":
		return "must not contain duplicates"
	}
	return "failed " + fe.Tag()
}
