// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the resource-server and authorization-server sides
// of the OAuth 2.1 layer: bearer-token verification middleware for an MCP
// handler, and RFC 6749/7591 authorize/token/register HTTP endpoints.

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// TokenInfo describes a bearer token that has passed verification.
type TokenInfo struct {
	Expiration time.Time
	Scopes     []string
	Subject    string
	ClientID   string
	Resource   string
}

// ErrInvalidToken indicates a bearer token failed verification (malformed,
// unknown, revoked).
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrOAuth indicates the token verifier itself encountered an OAuth
// protocol-level error distinct from the token simply being invalid.
var ErrOAuth = errors.New("auth: oauth error")

// TokenVerifier validates a bearer token extracted from an incoming
// request and returns the information bound to it.
type TokenVerifier func(ctx context.Context, token string, req *http.Request) (*TokenInfo, error)

// RequireBearerTokenOptions configures [RequireBearerToken].
type RequireBearerTokenOptions struct {
	// Scopes, if non-empty, must all be present in the token's scopes.
	Scopes []string
	// ResourceMetadataURL, if set, is advertised in the WWW-Authenticate
	// header of 401/403 responses per RFC 9728.
	ResourceMetadataURL string
}

// verify extracts and validates a bearer token from req. On failure it
// returns a human-readable message and the HTTP status code that should be
// sent to the client.
func verify(req *http.Request, verifier TokenVerifier, opts *RequireBearerTokenOptions) (*TokenInfo, string, int) {
	const prefix = "bearer "
	header := req.Header.Get("Authorization")
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return nil, "no bearer token", http.StatusUnauthorized
	}
	token := strings.TrimSpace(header[len(prefix):])

	info, err := verifier(req.Context(), token, req)
	switch {
	case errors.Is(err, ErrOAuth):
		return nil, "oauth error", http.StatusBadRequest
	case err != nil:
		return nil, "invalid token", http.StatusUnauthorized
	}
	if info.Expiration.IsZero() {
		return nil, "token missing expiration", http.StatusUnauthorized
	}
	if info.Expiration.Before(time.Now()) {
		return nil, "token expired", http.StatusUnauthorized
	}
	for _, want := range opts.scopes() {
		if !slices.Contains(info.Scopes, want) {
			return nil, "insufficient scope", http.StatusForbidden
		}
	}
	return info, "", 0
}

func (o *RequireBearerTokenOptions) scopes() []string {
	if o == nil {
		return nil
	}
	return o.Scopes
}

type tokenInfoContextKey struct{}

// TokenInfoFromContext returns the [TokenInfo] attached to ctx by
// [RequireBearerToken], if any.
func TokenInfoFromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoContextKey{}).(*TokenInfo)
	return info, ok
}

// RequireBearerToken returns HTTP middleware enforcing that every request
// carries a valid bearer token, per RFC 6750 and the MCP security best
// practices around token passthrough (the verified [TokenInfo] is attached
// to the request context; the incoming Authorization header is never
// forwarded downstream automatically).
func RequireBearerToken(verifier TokenVerifier, opts *RequireBearerTokenOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, msg, code := verify(r, verifier, opts)
			if code != 0 {
				if opts != nil && opts.ResourceMetadataURL != "" &&
					(code == http.StatusUnauthorized || code == http.StatusForbidden) {
					w.Header().Set("WWW-Authenticate", "Bearer resource_metadata="+opts.ResourceMetadataURL)
				}
				http.Error(w, msg, code)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenInfoContextKey{}, info)))
		})
	}
}

// ClientInfo is a registered OAuth client.
type ClientInfo struct {
	ClientID     string
	ClientSecret string
	RedirectURIs []string
}

// ClientStore persists dynamically- and statically-registered clients.
type ClientStore interface {
	Get(ctx context.Context, clientID string) (*ClientInfo, error)
	Register(ctx context.Context, info *ClientInfo) error
}

// MemoryClientStore is an in-memory [ClientStore].
type MemoryClientStore struct {
	mu      sync.Mutex
	clients map[string]*ClientInfo
}

func NewMemoryClientStore() *MemoryClientStore {
	return &MemoryClientStore{clients: make(map[string]*ClientInfo)}
}

func (s *MemoryClientStore) Get(_ context.Context, clientID string) (*ClientInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("auth: unknown client %q", clientID)
	}
	return info, nil
}

func (s *MemoryClientStore) Register(_ context.Context, info *ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[info.ClientID] = info
	return nil
}

// authCodeRecord is the state bound to an issued authorization code.
type authCodeRecord struct {
	clientID      string
	codeChallenge string
	scopes        []string
	resource      string
	redirectURI   string
}

// issuedTokenRecord is the state bound to an issued refresh token, used to
// re-validate and rotate it on grant_type=refresh_token.
type issuedTokenRecord struct {
	clientID  string
	scopes    []string
	expiresAt time.Time
	resource  string
}

// oauthError is an RFC 6749 section 5.2 error response body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&oauthError{Error: code, ErrorDescription: description})
}

// AuthorizationServerOption configures a [NewAuthorizationServer].
type AuthorizationServerOption func(*AuthorizationServer)

// WithValidateResourceMatchesServer enables RFC 8707 resource-parameter
// validation against ServerURL: a missing resource is rejected with
// invalid_request, a mismatched one with invalid_target.
func WithValidateResourceMatchesServer(validate bool) AuthorizationServerOption {
	return func(s *AuthorizationServer) { s.validateResource = validate }
}

// WithClientStore overrides the default in-memory [ClientStore].
func WithClientStore(store ClientStore) AuthorizationServerOption {
	return func(s *AuthorizationServer) { s.clients = store }
}

// WithAccessTokenTTL overrides the default one-hour access token lifetime.
func WithAccessTokenTTL(d time.Duration) AuthorizationServerOption {
	return func(s *AuthorizationServer) { s.accessTokenTTL = d }
}

// WithRateLimit overrides the default rate limit of 100 requests per 15
// minutes per client IP, applied independently to /authorize and /token.
func WithRateLimit(r rate.Limit, burst int) AuthorizationServerOption {
	return func(s *AuthorizationServer) { s.rateLimit, s.rateBurst = r, burst }
}

// AuthorizationServer implements the OAuth 2.1 authorization and token
// endpoints an MCP server exposes to clients: RFC 6749 authorize/token,
// RFC 7591 dynamic client registration, RFC 7636 PKCE, and RFC 8707
// resource-indicator validation.
type AuthorizationServer struct {
	// ServerURL is this server's canonical resource URL, compared against
	// the `resource` parameter when validateResource is set.
	ServerURL string
	// SigningKey signs issued access tokens (HS256).
	SigningKey []byte

	validateResource bool
	accessTokenTTL   time.Duration
	clients          ClientStore
	rateLimit        rate.Limit
	rateBurst        int

	mu         sync.Mutex
	codes      map[string]*authCodeRecord
	tokens     map[string]*issuedTokenRecord // keyed by refresh token
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewAuthorizationServer returns an [AuthorizationServer] for the given
// canonical resource URL and access-token signing key.
func NewAuthorizationServer(serverURL string, signingKey []byte, opts ...AuthorizationServerOption) *AuthorizationServer {
	s := &AuthorizationServer{
		ServerURL:      serverURL,
		SigningKey:     signingKey,
		accessTokenTTL: time.Hour,
		clients:        NewMemoryClientStore(),
		rateLimit:      rate.Every(15 * time.Minute / 100),
		rateBurst:      100,
		codes:          make(map[string]*authCodeRecord),
		tokens:         make(map[string]*issuedTokenRecord),
		limiters:       make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AuthorizationServer) limiterFor(key string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.rateLimit, s.rateBurst)
		s.limiters[key] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *AuthorizationServer) allow(r *http.Request, bucket string) bool {
	return s.limiterFor(bucket + ":" + clientIP(r)).Allow()
}

// HandleAuthorize serves the RFC 6749 authorization endpoint.
func (s *AuthorizationServer) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, "authorize") {
		writeOAuthError(w, http.StatusTooManyRequests, "invalid_request", "rate limit exceeded")
		return
	}
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")

	// Phase 1 (pre-redirect): client_id and redirect_uri must be valid
	// before we can safely redirect anywhere. Failures are direct JSON.
	client, err := s.clients.Get(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown client_id")
		return
	}
	if redirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
			return
		}
		redirectURI = client.RedirectURIs[0]
	} else if !slices.Contains(client.RedirectURIs, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}

	// Phase 2 (post-redirect): every other failure redirects back to the
	// client with an error, rather than responding directly.
	state := q.Get("state")
	fail := func(code, desc string) {
		redirect(w, r, redirectURI, url.Values{
			"error":             {code},
			"error_description": {desc},
			"state":             {state},
		})
	}

	if q.Get("response_type") != "code" {
		fail("unsupported_response_type", "response_type must be code")
		return
	}
	codeChallenge := q.Get("code_challenge")
	if codeChallenge == "" || q.Get("code_challenge_method") != "S256" {
		fail("invalid_request", "PKCE with S256 is required")
		return
	}
	var scopes []string
	if sc := q.Get("scope"); sc != "" {
		scopes = strings.Fields(sc)
	}
	resource := q.Get("resource")
	if err := s.checkResource(resource); err != nil {
		fail(resourceErrorCode(err), err.Error())
		return
	}

	code := randomToken()
	s.mu.Lock()
	s.codes[code] = &authCodeRecord{
		clientID:      clientID,
		codeChallenge: codeChallenge,
		scopes:        scopes,
		resource:      resource,
		redirectURI:   redirectURI,
	}
	s.mu.Unlock()

	redirect(w, r, redirectURI, url.Values{"code": {code}, "state": {state}})
}

func redirect(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusInternalServerError)
		return
	}
	q := u.Query()
	for k, v := range params {
		if len(v) > 0 && v[0] != "" {
			q.Set(k, v[0])
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// errResourceMissing and errResourceMismatch distinguish the two
// resource-validation failure modes: a missing resource parameter versus
// one that does not match this server.
var (
	errResourceMissing = errors.New("resource parameter is required")
	errResourceMismatch = errors.New("resource does not match this server")
)

func resourceErrorCode(err error) string {
	if errors.Is(err, errResourceMissing) {
		return "invalid_request"
	}
	return "invalid_target"
}

func (s *AuthorizationServer) checkResource(resource string) error {
	if !s.validateResource {
		return nil
	}
	if resource == "" {
		return errResourceMissing
	}
	if resource != s.ServerURL {
		return errResourceMismatch
	}
	return nil
}

// HandleToken serves the RFC 6749 token endpoint.
func (s *AuthorizationServer) HandleToken(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, "token") {
		writeOAuthError(w, http.StatusTooManyRequests, "invalid_request", "rate limit exceeded")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	switch r.Form.Get("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

// clientAuth authenticates the client making a token request, via HTTP
// basic auth or client_secret_post form parameters.
func (s *AuthorizationServer) clientAuth(r *http.Request) (*ClientInfo, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.Form.Get("client_id")
		clientSecret = r.Form.Get("client_secret")
	}
	client, err := s.clients.Get(r.Context(), clientID)
	if err != nil {
		return nil, err
	}
	if client.ClientSecret != "" && client.ClientSecret != clientSecret {
		return nil, fmt.Errorf("auth: client secret mismatch")
	}
	return client, nil
}

func (s *AuthorizationServer) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	client, err := s.clientAuth(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	code := r.Form.Get("code")
	s.mu.Lock()
	rec, ok := s.codes[code]
	if ok {
		delete(s.codes, code) // single-use
	}
	s.mu.Unlock()
	if !ok || rec.clientID != client.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or expired code")
		return
	}

	if redirectURI := r.Form.Get("redirect_uri"); redirectURI != "" && redirectURI != rec.redirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	verifier := r.Form.Get("code_verifier")
	sum := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != rec.codeChallenge {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	if resource := r.Form.Get("resource"); resource != rec.resource {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "resource mismatch")
		return
	}

	s.issueTokens(w, client.ClientID, rec.scopes, rec.resource)
}

func (s *AuthorizationServer) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	client, err := s.clientAuth(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	refreshToken := r.Form.Get("refresh_token")
	s.mu.Lock()
	rec, ok := s.tokens[refreshToken]
	if ok {
		delete(s.tokens, refreshToken) // rotate: old refresh token is single-use
	}
	s.mu.Unlock()
	if !ok || rec.clientID != client.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or expired refresh token")
		return
	}
	if resource := r.Form.Get("resource"); resource != "" && resource != rec.resource {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "resource mismatch")
		return
	}

	s.issueTokens(w, client.ClientID, rec.scopes, rec.resource)
}

// issueTokens mints a fresh access token (JWT) and refresh token, writing
// the RFC 6749 section 5.1 success response.
func (s *AuthorizationServer) issueTokens(w http.ResponseWriter, clientID string, scopes []string, resource string) {
	now := time.Now()
	expiresAt := now.Add(s.accessTokenTTL)
	claims := jwt.MapClaims{
		"iss": s.ServerURL,
		"sub": clientID,
		"aud": resource,
		"exp": expiresAt.Unix(),
		"iat": now.Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.SigningKey)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	refreshToken := randomToken()
	s.mu.Lock()
	s.tokens[refreshToken] = &issuedTokenRecord{
		clientID:  clientID,
		scopes:    scopes,
		expiresAt: expiresAt,
		resource:  resource,
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(s.accessTokenTTL.Seconds()),
		"refresh_token": refreshToken,
		"scope":         strings.Join(scopes, " "),
	})
}

// registrationRequest is the RFC 7591 client registration request body
// this server accepts.
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// HandleRegister serves RFC 7591 dynamic client registration.
func (s *AuthorizationServer) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}

	info := &ClientInfo{
		ClientID:     randomToken(),
		RedirectURIs: req.RedirectURIs,
	}
	if req.TokenEndpointAuthMethod != "none" {
		info.ClientSecret = randomToken()
	}
	if err := s.clients.Register(r.Context(), info); err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(&registrationResponse{
		ClientID:                info.ClientID,
		ClientSecret:            info.ClientSecret,
		ClientName:              req.ClientName,
		RedirectURIs:            info.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	})
}

// Mux returns an http.Handler serving the metadata, authorize, token and
// registration endpoints at their conventional paths.
func (s *AuthorizationServer) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleMetadata)
	mux.HandleFunc("/authorize", s.HandleAuthorize)
	mux.HandleFunc("/token", s.HandleToken)
	mux.HandleFunc("/register", s.HandleRegister)
	return mux
}

func (s *AuthorizationServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                s.ServerURL,
		"authorization_endpoint":                s.ServerURL + "/authorize",
		"token_endpoint":                        s.ServerURL + "/token",
		"registration_endpoint":                 s.ServerURL + "/register",
		"scopes_supported":                      []string{"mcp"},
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post", "client_secret_basic"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func randomToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failing is unrecoverable
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
