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
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// FormatHeader renders the Signature header value
func FormatHeader(sig []byte, p Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sig=%q;keyid=%q;alg=%q;created=%d",
		base64.StdEncoding.EncodeToString(sig), p.KeyID, p.Alg, p.Created)
	if p.Expires != 0 {
		fmt.Fprintf(&b, ";expires=%d", p.Expires)
	}
	if p.Nonce != "" {
		fmt.Fprintf(&b, ";nonce=%q", p.Nonce)
	}
	b.WriteString(" (")
	for i, c := range p.Components {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strconv.Quote(c))
	}
	b.WriteString(")")
	return b.String()
}

// ParseHeader parses a Signature header value into the raw signature and its params
func ParseHeader(value string) ([]byte, Params, error) {
	var p Params
	value = strings.TrimSpace(value)
	if !strings.HasSuffix(value, ")") {
		return nil, p, fmt.Errorf("missing component list")
	}
	open := strings.LastIndex(value, "(")
	if open < 0 {
		return nil, p, fmt.Errorf("missing component list")
	}

	components, err := parseComponentList(value[open+1 : len(value)-1])
	if err != nil {
		return nil, p, err
	}
	p.Components = components

	var sig []byte
	seen := make(map[string]bool)
	for _, item := range splitParams(strings.TrimSpace(value[:open])) {
		key, raw, ok := strings.Cut(item, "=")
		if !ok {
			return nil, p, fmt.Errorf("malformed parameter %q", item)
		}
		key = strings.TrimSpace(key)
		if seen[key] {
			return nil, p, fmt.Errorf("duplicate parameter %s", key)
		}
		seen[key] = true

		switch key {
		case "sig":
			s, err := unquote(raw)
			if err != nil {
				return nil, p, err
			}
			sig, err = base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, p, fmt.Errorf("invalid signature encoding: %w", err)
			}
		case "keyid":
			if p.KeyID, err = unquote(raw); err != nil {
				return nil, p, err
			}
		case "alg":
			if p.Alg, err = unquote(raw); err != nil {
				return nil, p, err
			}
		case "nonce":
			if p.Nonce, err = unquote(raw); err != nil {
				return nil, p, err
			}
		case "created":
			if p.Created, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err != nil {
				return nil, p, fmt.Errorf("invalid created: %w", err)
			}
		case "expires":
			if p.Expires, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err != nil {
				return nil, p, fmt.Errorf("invalid expires: %w", err)
			}
		default:
			return nil, p, fmt.Errorf("unknown parameter %s", key)
		}
	}

	switch {
	case len(sig) == 0:
		return nil, p, fmt.Errorf("missing sig")
	case p.KeyID == "":
		return nil, p, fmt.Errorf("missing keyid")
	case p.Alg == "":
		return nil, p, fmt.Errorf("missing alg")
	case !seen["created"]:
		return nil, p, fmt.Errorf("missing created")
	}
	return sig, p, nil
}

func parseComponentList(s string) ([]string, error) {
	var out []string
	for _, f := range strings.Fields(s) {
		c, err := unquote(f)
		if err != nil {
			return nil, err
		}
		if c == "" {
			return nil, fmt.Errorf("empty component name")
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty component list")
	}
	return out, nil
}

// splitParams splits on semicolons outside quoted strings
func splitParams(s string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ';' && !quoted:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

func unquote(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("expected quoted string, got %q", s)
	}
	return s[1 : len(s)-1], nil
}

// ContentDigest returns the Content-Digest header value for body
func ContentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
}

// VerifyContentDigest checks a Content-Digest header value against body
func VerifyContentDigest(header string, body []byte) bool {
	expected := ContentDigest(body)
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(header)), []byte(expected)) == 1
}
