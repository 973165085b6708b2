// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements Authorization Server Metadata (RFC 8414) and Dynamic
// Client Registration (RFC 7591), plus WWW-Authenticate challenge parsing
// (RFC 9110 section 11.6.1) used to discover both of the above.

//go:build mcp_go_client_oauth

package oauthex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/coreproto/mcpcore/internal/util"
)

// AuthServerMeta is OAuth 2.0 Authorization Server Metadata, as defined by
// RFC 8414.
type AuthServerMeta struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	// ClientIDMetadataDocumentSupported indicates support for Client ID
	// Metadata Document based registration (SEP-991). It is not part of
	// RFC 8414, and servers that omit it are treated as unsupporting.
	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported,omitempty"`
}

const (
	wellKnownAuthServerPath = "/.well-known/oauth-authorization-server"
	wellKnownOpenIDPath     = "/.well-known/openid-configuration"
)

// GetAuthServerMeta fetches Authorization Server Metadata for the given
// issuer. It tries the OAuth 2.0 Authorization Server Metadata well-known
// URI first (RFC 8414), falling back to OpenID Connect Discovery if that
// request fails, per the MCP authorization spec's fallback requirements.
//
// It returns an error if the resolved metadata does not advertise support
// for PKCE with the S256 method, since MCP requires PKCE for all
// authorization code flows.
func GetAuthServerMeta(ctx context.Context, issuer string, httpClient *http.Client) (_ *AuthServerMeta, err error) {
	defer util.Wrapf(&err, "GetAuthServerMeta(%q)", issuer)

	base := strings.TrimRight(issuer, "/")
	meta, err := getJSON[AuthServerMeta](ctx, httpClient, base+wellKnownAuthServerPath, 1<<20)
	if err != nil {
		meta, err = getJSON[AuthServerMeta](ctx, httpClient, base+wellKnownOpenIDPath, 1<<20)
		if err != nil {
			return nil, fmt.Errorf("fetching metadata from both well-known endpoints failed: %w", err)
		}
	}
	if !slices.Contains(meta.CodeChallengeMethodsSupported, "S256") {
		return nil, fmt.Errorf("authorization server %q does not advertise PKCE (S256) support", issuer)
	}
	return meta, nil
}

// ClientRegistrationMetadata is OAuth 2.0 Dynamic Client Registration
// request metadata, per RFC 7591 section 2.
type ClientRegistrationMetadata struct {
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientInformation is the response to a successful Dynamic Client
// Registration request, per RFC 7591 section 3.2.1.
type ClientInformation struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64  `json:"client_secret_expires_at,omitempty"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`
}

type registrationError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RegisterClient performs Dynamic Client Registration (RFC 7591) against
// the given registration endpoint.
func RegisterClient(ctx context.Context, registrationEndpoint string, clientMeta *ClientRegistrationMetadata, httpClient *http.Client) (_ *ClientInformation, err error) {
	defer util.Wrapf(&err, "RegisterClient(%q)", registrationEndpoint)

	if registrationEndpoint == "" {
		return nil, fmt.Errorf("server metadata does not contain a registration_endpoint")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	body, err := json.Marshal(clientMeta)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var regErr registrationError
		if json.Unmarshal(respBody, &regErr) == nil && regErr.Error != "" {
			return nil, fmt.Errorf("registration failed: %s (%s)", regErr.Error, regErr.ErrorDescription)
		}
		return nil, fmt.Errorf("registration failed with status %s", resp.Status)
	}

	var info ClientInformation
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fmt.Errorf("parsing registration response: %w", err)
	}
	if info.ClientID == "" {
		return nil, fmt.Errorf("registration response is missing required 'client_id' field")
	}
	return &info, nil
}

// challenge is a single parsed WWW-Authenticate challenge, per RFC 9110
// section 11.6.1.
type challenge struct {
	Scheme string
	Params map[string]string
}

// ParseWWWAuthenticate parses one or more WWW-Authenticate header values
// into a list of challenges.
func ParseWWWAuthenticate(headers []string) ([]challenge, error) {
	var result []challenge
	for _, h := range headers {
		parts, err := splitChallenges(h)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			c, err := parseSingleChallenge(p)
			if err != nil {
				return nil, err
			}
			result = append(result, c)
		}
	}
	return result, nil
}

// splitChallenges splits a WWW-Authenticate header value into individual
// challenges, respecting commas inside quoted strings.
func splitChallenges(header string) ([]string, error) {
	var parts []string
	start := 0
	inQuotes := false
	for i := 0; i < len(header); i++ {
		switch header[i] {
		case '"':
			// A backslash-escaped quote does not toggle quoting.
			if i == 0 || header[i-1] != '\\' {
				inQuotes = !inQuotes
			}
		case ',':
			if inQuotes {
				continue
			}
			// A comma only separates challenges when it is followed by a new
			// scheme token (auth-param lists are themselves comma-separated,
			// so "Bearer realm=\"a\", error=\"b\"" must NOT split here).
			if !looksLikeNewChallenge(header[i+1:]) {
				continue
			}
			parts = append(parts, header[start:i])
			start = i + 1
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted string in %q", header)
	}
	parts = append(parts, header[start:])
	return parts, nil
}

// looksLikeNewChallenge reports whether the text following a comma begins a
// new auth-scheme token rather than another auth-param of the current
// challenge (i.e. it is not of the form `key=value`).
func looksLikeNewChallenge(rest string) bool {
	rest = strings.TrimLeft(rest, " ")
	i := strings.IndexAny(rest, " =")
	if i < 0 {
		return rest != ""
	}
	return rest[i] != '='
}

// parseSingleChallenge parses a single "scheme param=value, ..." challenge.
func parseSingleChallenge(s string) (challenge, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return challenge{}, fmt.Errorf("empty challenge")
	}
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return challenge{Scheme: strings.ToLower(s)}, nil
	}
	c := challenge{Scheme: strings.ToLower(s[:i])}
	rest := strings.TrimLeft(s[i+1:], " ")
	if rest == "" {
		return c, nil
	}
	params := make(map[string]string)
	for len(rest) > 0 {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return challenge{}, fmt.Errorf("malformed auth-param in %q", s)
		}
		key := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = rest[eq+1:]
		var value string
		if strings.HasPrefix(rest, `"`) {
			end := 1
			var b strings.Builder
			closed := false
			for end < len(rest) {
				if rest[end] == '\\' && end+1 < len(rest) {
					b.WriteByte(rest[end+1])
					end += 2
					continue
				}
				if rest[end] == '"' {
					closed = true
					end++
					break
				}
				b.WriteByte(rest[end])
				end++
			}
			if !closed {
				return challenge{}, fmt.Errorf("unterminated quoted value in %q", s)
			}
			value = b.String()
			rest = rest[end:]
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			value = strings.TrimSpace(rest[:end])
			if value == "" {
				return challenge{}, fmt.Errorf("empty auth-param value in %q", s)
			}
			rest = rest[end:]
		}
		params[key] = value
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if rest[0] != ',' {
			return challenge{}, fmt.Errorf("expected comma between auth-params in %q", s)
		}
		rest = strings.TrimLeft(rest[1:], " ")
	}
	c.Params = params
	return c, nil
}

// checkURLScheme returns an error unless u is an absolute URL using http or
// https, guarding against challenge/metadata fields that could otherwise be
// used to redirect a client to a non-HTTP scheme (e.g. "javascript:").
func checkURLScheme(u string) error {
	pu, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", u, err)
	}
	switch pu.Scheme {
	case "https":
		return nil
	case "http":
		if util.IsLoopback(pu.Host) {
			return nil
		}
		return fmt.Errorf("URL %q uses http, which is only allowed for loopback addresses", u)
	default:
		return fmt.Errorf("URL %q has unsupported scheme %q", u, pu.Scheme)
	}
}

// getJSON issues a GET request for a JSON document, limiting the response
// body to maxBytes.
func getJSON[T any](ctx context.Context, c *http.Client, reqURL string, maxBytes int64) (*T, error) {
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %s", reqURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("parsing JSON from %s: %w", reqURL, err)
	}
	return &v, nil
}

// ProtectedResourceMetadata is OAuth 2.0 Protected Resource Metadata, as
// defined by RFC 9728.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// NewFakeMCPServerMux returns a test double of an MCP-compliant
// authorization server, advertising PKCE (S256) support and dynamic client
// registration. The issuer in the served metadata is derived from the
// request's Host header, so it works behind any httptest server.
func NewFakeMCPServerMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wellKnownAuthServerPath, func(w http.ResponseWriter, r *http.Request) {
		issuer := "https://" + r.Host
		meta := &AuthServerMeta{
			Issuer:                            issuer,
			AuthorizationEndpoint:             issuer + "/authorize",
			TokenEndpoint:                     issuer + "/token",
			RegistrationEndpoint:              issuer + "/register",
			ScopesSupported:                   []string{"mcp"},
			ResponseTypesSupported:            []string{"code"},
			GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
			CodeChallengeMethodsSupported:     []string{"S256"},
			TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic"},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var in ClientRegistrationMetadata
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid_client_metadata", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&ClientInformation{ClientID: "fake-client-id"})
	})
	return mux
}
