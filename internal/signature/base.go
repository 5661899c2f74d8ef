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

// Package signature implements detached Ed25519 request signatures in the
// style of HTTP message signatures.
package signature

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Derived and header component names
const (
	ComponentMethod        = "@method"
	ComponentTargetURI     = "@target-uri"
	ComponentAuthority     = "@authority"
	ComponentContentDigest = "content-digest"

	paramsComponent = "@signature-params"
)

// Header names carried on signed requests
const (
	HeaderSignature     = "Signature"
	HeaderContentDigest = "Content-Digest"
)

// AlgEd25519 is the only supported algorithm
const AlgEd25519 = "ed25519"

// DefaultComponents is the component set signers cover unless configured otherwise
var DefaultComponents = []string{ComponentMethod, ComponentTargetURI, ComponentAuthority, ComponentContentDigest}

// Message is the observable part of a request that a signature covers.
type Message struct {
	Method    string
	TargetURI string
	Authority string
	Header    http.Header
	Body      []byte
}

// MessageFromRequest builds a Message from an incoming request as the server
// observed it. body must be the bytes actually read from the request.
func MessageFromRequest(r *http.Request, body []byte) Message {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}

	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}

	uri := r.RequestURI
	if r.URL != nil {
		uri = r.URL.RequestURI()
	}

	return Message{
		Method:    r.Method,
		TargetURI: scheme + "://" + host + uri,
		Authority: host,
		Header:    r.Header,
		Body:      body,
	}
}

// Params are the signature parameters serialized into the base string
type Params struct {
	Components []string
	Created    int64
	Expires    int64
	KeyID      string
	Nonce      string
	Alg        string
}

// HasComponent reports whether name is covered
func (p Params) HasComponent(name string) bool {
	for _, c := range p.Components {
		if c == name {
			return true
		}
	}
	return false
}

// serialize renders the @signature-params value
func (p Params) serialize() string {
	var b strings.Builder
	b.WriteString("(")
	for i, c := range p.Components {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strconv.Quote(c))
	}
	b.WriteString(")")
	fmt.Fprintf(&b, ";created=%d", p.Created)
	if p.Expires != 0 {
		fmt.Fprintf(&b, ";expires=%d", p.Expires)
	}
	fmt.Fprintf(&b, ";keyid=%s", strconv.Quote(p.KeyID))
	if p.Nonce != "" {
		fmt.Fprintf(&b, ";nonce=%s", strconv.Quote(p.Nonce))
	}
	fmt.Fprintf(&b, ";alg=%s", strconv.Quote(p.Alg))
	return b.String()
}

// canonicalValue trims and collapses inner whitespace
func canonicalValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// componentValue resolves one component against msg
func componentValue(msg Message, name string) (string, error) {
	switch name {
	case ComponentMethod:
		return strings.ToUpper(msg.Method), nil
	case ComponentTargetURI:
		return msg.TargetURI, nil
	case ComponentAuthority:
		return strings.ToLower(msg.Authority), nil
	}

	if strings.HasPrefix(name, "@") {
		return "", fmt.Errorf("unsupported derived component %s", name)
	}
	if name != strings.ToLower(name) {
		return "", fmt.Errorf("component names must be lowercase: %s", name)
	}

	values := msg.Header.Values(http.CanonicalHeaderKey(name))
	if len(values) == 0 {
		return "", fmt.Errorf("component %s not present", name)
	}
	return strings.Join(values, ", "), nil
}

// BuildBase produces the canonical signature base string for msg and p.
func BuildBase(msg Message, p Params) (string, error) {
	if len(p.Components) == 0 {
		return "", fmt.Errorf("no components selected")
	}

	seen := make(map[string]struct{}, len(p.Components))
	var b strings.Builder
	for _, name := range p.Components {
		if _, dup := seen[name]; dup {
			return "", fmt.Errorf("duplicate component %s", name)
		}
		seen[name] = struct{}{}

		value, err := componentValue(msg, name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%q: %s\n", name, canonicalValue(value))
	}
	fmt.Fprintf(&b, "%q: %s", paramsComponent, p.serialize())
	return b.String(), nil
}
