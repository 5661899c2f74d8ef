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

// Package ids generates prefixed, time-ordered identifiers.
package ids

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identifier prefixes
const (
	PrefixAudit = "aud_"
	PrefixBatch = "bat_"
	PrefixConn  = "conn_"
)

// New returns prefix followed by a UUIDv7, so ids sort by creation time
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does
		id = uuid.New()
	}
	return prefix + id.String()
}

// Valid reports whether id carries prefix and a version 7 UUID
func Valid(prefix, id string) bool {
	raw, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return false
	}
	u, err := uuid.Parse(raw)
	return err == nil && u.Version() == 7
}

// Timestamp extracts the creation time embedded in a prefixed UUIDv7
func Timestamp(prefix, id string) (time.Time, error) {
	if !Valid(prefix, id) {
		return time.Time{}, fmt.Errorf("invalid %sUUIDv7: %s", prefix, id)
	}
	u := uuid.MustParse(strings.TrimPrefix(id, prefix))
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), nil
}
