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

package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/signature"
	"github.com/amtp-protocol/a2a-gateway/pkg/ids"
)

var (
	gatewayURL     = "http://localhost:8080"
	verbose        = false
	adminKeyFile   = ""
	adminKeyHeader = "X-Admin-Key"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	globalFlags := flag.NewFlagSet("global", flag.ContinueOnError)
	globalFlags.StringVar(&gatewayURL, "gateway-url", gatewayURL, "Gateway URL")
	globalFlags.BoolVar(&verbose, "v", false, "Verbose output")
	globalFlags.BoolVar(&verbose, "verbose", false, "Verbose output")
	globalFlags.StringVar(&adminKeyFile, "admin-key-file", "", "Admin API key file for administrative operations")
	globalFlags.StringVar(&adminKeyHeader, "admin-key-header", adminKeyHeader, "Header carrying the admin API key")
	globalFlags.Usage = printUsage
	if err := globalFlags.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	args := globalFlags.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	command, commandArgs := args[0], args[1:]
	switch command {
	case "agent":
		handleAgentCommand(commandArgs)
	case "key":
		handleKeyCommand(commandArgs)
	case "stats":
		exitOnError(adminRequest(http.MethodGet, "/admin/v1/stats", nil))
	case "purge":
		exitOnError(adminRequest(http.MethodPost, "/admin/v1/queue/purge", nil))
	case "call":
		handleCall(commandArgs)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("A2A Gateway Admin Tool")
	fmt.Println("")
	fmt.Println("Usage: a2a-admin [global-flags] <command> [args]")
	fmt.Println("")
	fmt.Println("Global Flags:")
	fmt.Println("  --gateway-url <url>        Gateway URL (default: http://localhost:8080)")
	fmt.Println("  --admin-key-file <file>    Admin API key file for administrative operations")
	fmt.Println("  --admin-key-header <name>  Admin key header (default: X-Admin-Key)")
	fmt.Println("  -v, --verbose              Verbose output")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  agent                      Agent management (requires admin key)")
	fmt.Println("    register <name> --domain <d> [--tier t] [--activate] [--capability c]")
	fmt.Println("    list [--status s] [--domain d] [--limit n] [--offset n]")
	fmt.Println("    get <id>")
	fmt.Println("    activate|deactivate|ban <id>")
	fmt.Println("    rotate-credential <id>")
	fmt.Println("    tier <id> <free|basic|pro|enterprise>")
	fmt.Println("")
	fmt.Println("  key                        Signing key management (requires admin key)")
	fmt.Println("    generate <domain> [--out file]")
	fmt.Println("    rotate <domain> [--reason r] [--out file]")
	fmt.Println("    list <domain>")
	fmt.Println("    audit <domain> [--limit n]")
	fmt.Println("    revoke <key-id> [--reason r]")
	fmt.Println("")
	fmt.Println("  stats                      Show gateway statistics")
	fmt.Println("  purge                      Remove expired terminal jobs")
	fmt.Println("")
	fmt.Println("  call <method> [params-json] Send a signed protocol call")
	fmt.Println("    --credential <c>          Agent credential (or A2A_CREDENTIAL)")
	fmt.Println("    --key-id <id>             Signing key id")
	fmt.Println("    --private-key-file <f>    File with the base64 private key")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  a2a-admin --admin-key-file admin.key agent register crawler --domain crawler.example.com --tier pro --activate")
	fmt.Println("  a2a-admin --admin-key-file admin.key key generate crawler.example.com --out crawler.key")
	fmt.Println("  a2a-admin call audit.request '{\"url\":\"https://example.com\"}' --credential a2a_... --key-id k_... --private-key-file crawler.key")
}

func exitOnError(body []byte, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printJSON(body)
}

func printJSON(body []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(out.String())
}

// splitArgs separates positional arguments from flags so flags may follow them
func splitArgs(args []string) (positional, flags []string) {
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			return positional, args[i:]
		}
		positional = append(positional, args[i])
	}
	return positional, nil
}

func handleAgentCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Agent commands: register, list, get, activate, deactivate, ban, rotate-credential, tier")
		os.Exit(1)
	}

	subcommand := args[0]
	positional, rest := splitArgs(args[1:])
	need := func(n int, usage string) {
		if len(positional) < n {
			fmt.Fprintf(os.Stderr, "Usage: a2a-admin agent %s\n", usage)
			os.Exit(1)
		}
	}

	switch subcommand {
	case "register":
		need(1, "register <name> --domain <domain> [flags]")
		handleAgentRegister(positional[0], rest)
	case "list":
		handleAgentList(rest)
	case "get":
		need(1, "get <id>")
		exitOnError(adminRequest(http.MethodGet, "/admin/v1/agents/"+url.PathEscape(positional[0]), nil))
	case "activate", "deactivate", "ban":
		need(1, subcommand+" <id>")
		exitOnError(adminRequest(http.MethodPost, "/admin/v1/agents/"+url.PathEscape(positional[0])+"/"+subcommand, nil))
	case "rotate-credential":
		need(1, "rotate-credential <id>")
		body, err := adminRequest(http.MethodPost, "/admin/v1/agents/"+url.PathEscape(positional[0])+"/credential", nil)
		exitOnError(body, err)
		fmt.Fprintln(os.Stderr, "IMPORTANT: the previous credential no longer works. Save the new one securely.")
	case "tier":
		need(2, "tier <id> <tier>")
		exitOnError(adminRequest(http.MethodPut, "/admin/v1/agents/"+url.PathEscape(positional[0])+"/tier",
			map[string]string{"tier": positional[1]}))
	default:
		fmt.Fprintf(os.Stderr, "Unknown agent command: %s\n", subcommand)
		os.Exit(1)
	}
}

func handleAgentRegister(name string, args []string) {
	registerFlags := flag.NewFlagSet("register", flag.ExitOnError)
	var domain, tier, contact string
	var activate bool
	var capabilities []string
	registerFlags.StringVar(&domain, "domain", "", "Agent domain (required)")
	registerFlags.StringVar(&tier, "tier", "", "Rate limit tier (default: gateway default)")
	registerFlags.StringVar(&contact, "contact", "", "Operator contact")
	registerFlags.BoolVar(&activate, "activate", false, "Activate immediately")
	registerFlags.Func("capability", "Declared capability (can be used multiple times)", func(value string) error {
		capabilities = append(capabilities, value)
		return nil
	})
	if err := registerFlags.Parse(args); err != nil {
		os.Exit(1)
	}
	if domain == "" {
		fmt.Fprintln(os.Stderr, "Error: --domain is required")
		os.Exit(1)
	}

	body, err := adminRequest(http.MethodPost, "/admin/v1/agents", map[string]interface{}{
		"name":         name,
		"domain":       domain,
		"tier":         tier,
		"contact":      contact,
		"capabilities": capabilities,
		"activate":     activate,
	})
	exitOnError(body, err)
	fmt.Fprintln(os.Stderr, "IMPORTANT: the credential is shown only once. Save it securely.")
}

func handleAgentList(args []string) {
	listFlags := flag.NewFlagSet("list", flag.ExitOnError)
	status := listFlags.String("status", "", "Filter by status")
	domain := listFlags.String("domain", "", "Filter by domain")
	limit := listFlags.Int("limit", 0, "Page size")
	offset := listFlags.Int("offset", 0, "Page offset")
	if err := listFlags.Parse(args); err != nil {
		os.Exit(1)
	}

	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *domain != "" {
		q.Set("domain", *domain)
	}
	if *limit > 0 {
		q.Set("limit", fmt.Sprint(*limit))
	}
	if *offset > 0 {
		q.Set("offset", fmt.Sprint(*offset))
	}
	endpoint := "/admin/v1/agents"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	exitOnError(adminRequest(http.MethodGet, endpoint, nil))
}

func handleKeyCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Key commands: generate, rotate, list, audit, revoke")
		os.Exit(1)
	}

	subcommand := args[0]
	positional, rest := splitArgs(args[1:])
	if len(positional) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: a2a-admin key %s <domain|key-id> [flags]\n", subcommand)
		os.Exit(1)
	}
	target := positional[0]

	keyFlags := flag.NewFlagSet(subcommand, flag.ExitOnError)
	reason := keyFlags.String("reason", "", "Reason recorded in the audit trail")
	out := keyFlags.String("out", "", "Write the private key to this file instead of stdout")
	limit := keyFlags.Int("limit", 100, "Maximum audit entries")
	if err := keyFlags.Parse(rest); err != nil {
		os.Exit(1)
	}

	switch subcommand {
	case "generate", "rotate":
		endpoint := "/admin/v1/keys"
		if subcommand == "rotate" {
			endpoint += "/rotate"
		}
		body, err := adminRequest(http.MethodPost, endpoint, map[string]string{"domain": target, "reason": *reason})
		if err != nil {
			exitOnError(nil, err)
		}
		if *out != "" {
			body = writePrivateKey(body, *out)
		}
		printJSON(body)
	case "list":
		exitOnError(adminRequest(http.MethodGet, "/admin/v1/keys?domain="+url.QueryEscape(target), nil))
	case "audit":
		exitOnError(adminRequest(http.MethodGet, fmt.Sprintf("/admin/v1/keys/audit?domain=%s&limit=%d", url.QueryEscape(target), *limit), nil))
	case "revoke":
		endpoint := "/admin/v1/keys/" + url.PathEscape(target)
		if *reason != "" {
			endpoint += "?reason=" + url.QueryEscape(*reason)
		}
		exitOnError(adminRequest(http.MethodDelete, endpoint, nil))
	default:
		fmt.Fprintf(os.Stderr, "Unknown key command: %s\n", subcommand)
		os.Exit(1)
	}
}

// writePrivateKey moves the private key out of the response into a 0600 file
func writePrivateKey(body []byte, path string) []byte {
	var resp map[string]interface{}
	if err := json.Unmarshal(body, &resp); err != nil {
		exitOnError(nil, fmt.Errorf("failed to parse response: %w", err))
	}
	priv, _ := resp["private_key"].(string)
	if priv == "" {
		exitOnError(nil, fmt.Errorf("response carries no private key"))
	}
	if err := os.WriteFile(path, []byte(priv+"\n"), 0600); err != nil {
		exitOnError(nil, fmt.Errorf("failed to write private key: %w", err))
	}
	delete(resp, "private_key")
	resp["private_key_file"] = path
	out, _ := json.Marshal(resp)
	return out
}

func handleCall(args []string) {
	positional, rest := splitArgs(args)
	if len(positional) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: a2a-admin call <method> [params-json] [flags]")
		os.Exit(1)
	}
	method := positional[0]
	params := "{}"
	if len(positional) > 1 {
		params = positional[1]
	}
	if !json.Valid([]byte(params)) {
		exitOnError(nil, fmt.Errorf("params must be valid JSON"))
	}

	callFlags := flag.NewFlagSet("call", flag.ExitOnError)
	credential := callFlags.String("credential", os.Getenv("A2A_CREDENTIAL"), "Agent credential")
	keyID := callFlags.String("key-id", "", "Signing key id")
	keyFile := callFlags.String("private-key-file", "", "File containing the base64 private key")
	if err := callFlags.Parse(rest); err != nil {
		os.Exit(1)
	}

	envelope, err := json.Marshal(map[string]interface{}{
		"protocol_version": "1.0",
		"method":           method,
		"params":           json.RawMessage(params),
		"id":               ids.New("req_"),
	})
	if err != nil {
		exitOnError(nil, err)
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(gatewayURL, "/")+"/a2a/v1/rpc", bytes.NewReader(envelope))
	if err != nil {
		exitOnError(nil, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if *credential != "" {
		req.Header.Set("Authorization", "Bearer "+*credential)
	}
	if *keyID != "" && *keyFile != "" {
		priv, err := readPrivateKey(*keyFile)
		if err != nil {
			exitOnError(nil, err)
		}
		if err := signature.NewSigner(*keyID, priv, signature.WithNonce()).SignRequest(req, envelope); err != nil {
			exitOnError(nil, fmt.Errorf("failed to sign request: %w", err))
		}
	}

	// protocol failures arrive as envelopes, print them as they are
	body, _, err := do(req)
	exitOnError(body, err)
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("private key file is not base64: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, expected %d", len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

func adminRequest(method, endpoint string, body interface{}) ([]byte, error) {
	var adminKey string
	if adminKeyFile != "" {
		adminKeyBytes, err := os.ReadFile(adminKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read admin key file: %w", err)
		}
		adminKey = firstKey(string(adminKeyBytes))
		if adminKey == "" {
			return nil, fmt.Errorf("admin key file is empty")
		}
	}

	target := strings.TrimRight(gatewayURL, "/") + endpoint
	if verbose {
		fmt.Fprintf(os.Stderr, "Making admin %s request to: %s\n", method, target)
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if adminKey != "" {
		req.Header.Set(adminKeyHeader, adminKey)
	}

	respBody, status, err := do(req)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		var errorResp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &errorResp) == nil && errorResp.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", status, errorResp.Error.Code, errorResp.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", status, string(respBody))
	}
	return respBody, nil
}

// firstKey returns the first non-comment line of an admin key file
func firstKey(data string) string {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return ""
}

func do(req *http.Request) ([]byte, int, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "Response status: %d\n", resp.StatusCode)
	}
	return respBody, resp.StatusCode, nil
}
