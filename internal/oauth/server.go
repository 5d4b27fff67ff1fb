package oauth

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"onemcp/internal/storage"
	pkgoauth "onemcp/pkg/oauth"
)

// DefaultAccessTokenTTL is the inbound bearer token lifetime unless
// configured otherwise.
const DefaultAccessTokenTTL = 24 * time.Hour

// Server is the inbound OAuth 2.1 authorization server protecting the
// gateway's MCP endpoints. It issues its own opaque tokens after a local
// consent step; all artifacts live in the file-backed session store.
type Server struct {
	store    *storage.Store
	issuer   string
	tokenTTL time.Duration
}

// NewServer creates the authorization server. issuer is the externally
// visible base URL of the gateway (scheme://host:port, no trailing slash).
func NewServer(store *storage.Store, issuer string, tokenTTL time.Duration) *Server {
	if tokenTTL <= 0 {
		tokenTTL = DefaultAccessTokenTTL
	}
	return &Server{
		store:    store,
		issuer:   strings.TrimSuffix(issuer, "/"),
		tokenTTL: tokenTTL,
	}
}

// RegisterRoutes installs the AS endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleMetadata)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/consent", s.handleConsent)
	mux.HandleFunc("/token", s.handleToken)
}

// handleMetadata serves RFC 8414 authorization server metadata so MCP
// clients can discover the endpoints.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pkgoauth.Metadata{
		Issuer:                            s.issuer,
		AuthorizationEndpoint:             s.issuer + "/authorize",
		TokenEndpoint:                     s.issuer + "/token",
		RegistrationEndpoint:              s.issuer + "/register",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	})
}

// registrationRequest is the accepted subset of RFC 7591 client metadata.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
}

// handleRegister implements RFC 7591 dynamic client registration.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		NewError(ErrInvalidRequest, "request body is not valid JSON").WriteJSON(w)
		return
	}
	if len(req.RedirectURIs) == 0 {
		NewError(ErrInvalidRequest, "redirect_uris is required").WriteJSON(w)
		return
	}

	clientID := uuid.NewString()
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_post"
	}

	var clientSecret string
	if authMethod != "none" {
		secret, err := pkgoauth.GenerateSecret()
		if err != nil {
			NewError(ErrServerError, "failed to generate client secret").WriteJSON(w)
			return
		}
		clientSecret = secret
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code"}
	}

	now := time.Now()
	registration := &ClientRegistration{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		Scope:                   req.Scope,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               now.UnixMilli(),
		ExpiresAt:               now.Add(registrationTTL).UnixMilli(),
	}

	if err := s.store.Write(storage.CategorySession, clientStorageID(clientID), registration, registrationTTL); err != nil {
		audit("register", "", clientID, fmt.Sprintf("persist failed: %v", err))
		NewError(ErrServerError, "failed to persist registration").WriteJSON(w)
		return
	}

	audit("register", "", clientID, fmt.Sprintf("client %q registered, auth method %s", req.ClientName, authMethod))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(registrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: authMethod,
		ClientIDIssuedAt:        now.Unix(),
	})
}

// handleAuthorize validates the authorization request and redirects the
// user agent to the consent page.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")

	var client ClientRegistration
	found, err := s.store.Read(storage.CategorySession, clientStorageID(clientID), &client)
	if err != nil || !found {
		// Unknown client: never redirect to an unverified URI
		NewError(ErrInvalidClient, "unknown client_id").WriteJSON(w)
		return
	}

	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		NewError(ErrInvalidRequest, "redirect_uri is not registered for this client").WriteJSON(w)
		return
	}

	state := q.Get("state")
	if q.Get("response_type") != "code" {
		RedirectWithError(w, r, redirectURI, state,
			NewError(ErrInvalidRequest, "response_type must be code"))
		return
	}

	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	if codeChallenge != "" && codeChallengeMethod != "S256" {
		RedirectWithError(w, r, redirectURI, state,
			NewError(ErrInvalidRequest, "code_challenge_method must be S256"))
		return
	}

	request := &AuthRequest{
		ID:                  uuid.NewString(),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		State:               state,
		Resource:            q.Get("resource"),
		Scopes:              strings.Fields(q.Get("scope")),
		ExpiresAt:           time.Now().Add(storage.TTLAuthRequest).UnixMilli(),
	}

	if err := s.store.Write(storage.CategoryAuthRequest, request.ID, request, 0); err != nil {
		RedirectWithError(w, r, redirectURI, state,
			NewError(ErrServerError, "failed to persist authorization request"))
		return
	}

	http.Redirect(w, r, "/consent?request_id="+request.ID, http.StatusFound)
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>1mcp - Authorization Request</title></head>
<body>
<h1>Authorization Request</h1>
<p>Client <strong>{{.ClientName}}</strong> requests access{{if .Scopes}} with scopes:{{end}}</p>
<form method="POST" action="/consent">
  <input type="hidden" name="request_id" value="{{.RequestID}}">
  {{range .Scopes}}
  <label><input type="checkbox" name="scope" value="{{.}}" checked> {{.}}</label><br>
  {{end}}
  <button type="submit" name="decision" value="approve">Approve</button>
  <button type="submit" name="decision" value="deny">Deny</button>
</form>
</body>
</html>
`))

// handleConsent serves the consent page (GET) and processes the user's
// decision (POST).
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.renderConsent(w, r)
	case http.MethodPost:
		s.processConsent(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderConsent(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")

	var request AuthRequest
	found, err := s.store.Read(storage.CategoryAuthRequest, requestID, &request)
	if err != nil || !found {
		http.Error(w, "authorization request not found or expired", http.StatusNotFound)
		return
	}
	if request.Expired() {
		s.store.Delete(storage.CategoryAuthRequest, requestID)
		http.Error(w, "authorization request not found or expired", http.StatusNotFound)
		return
	}

	clientName := request.ClientID
	var client ClientRegistration
	if ok, _ := s.store.Read(storage.CategorySession, clientStorageID(request.ClientID), &client); ok && client.ClientName != "" {
		clientName = client.ClientName
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	consentTemplate.Execute(w, map[string]interface{}{
		"RequestID":  request.ID,
		"ClientName": clientName,
		"Scopes":     request.Scopes,
	})
}

func (s *Server) processConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		NewError(ErrInvalidRequest, "malformed form body").WriteJSON(w)
		return
	}

	requestID := r.PostForm.Get("request_id")

	var request AuthRequest
	found, err := s.store.Read(storage.CategoryAuthRequest, requestID, &request)
	if err != nil || !found {
		NewError(ErrInvalidRequest, "authorization request not found or expired").WriteJSON(w)
		return
	}

	// The request is consumed by the decision, approved or not.
	s.store.Delete(storage.CategoryAuthRequest, requestID)

	if request.Expired() {
		NewError(ErrInvalidRequest, "authorization request not found or expired").WriteJSON(w)
		return
	}

	if r.PostForm.Get("decision") != "approve" {
		audit("consent", "", request.ClientID, "denied")
		RedirectWithError(w, r, request.RedirectURI, request.State,
			NewError(ErrAccessDenied, "the user denied the request"))
		return
	}

	// Granted scopes are the selected subset of the requested ones.
	granted := selectScopes(request.Scopes, r.PostForm["scope"])

	code, err := pkgoauth.GenerateSecret()
	if err != nil {
		RedirectWithError(w, r, request.RedirectURI, request.State,
			NewError(ErrServerError, "failed to mint authorization code"))
		return
	}

	authCode := &AuthCode{
		Code:                code,
		ClientID:            request.ClientID,
		RedirectURI:         request.RedirectURI,
		Resource:            request.Resource,
		Scopes:              granted,
		CodeChallenge:       request.CodeChallenge,
		CodeChallengeMethod: request.CodeChallengeMethod,
		ExpiresAt:           time.Now().Add(storage.TTLAuthCode).UnixMilli(),
	}
	if err := s.store.Write(storage.CategoryAuthCode, code, authCode, 0); err != nil {
		RedirectWithError(w, r, request.RedirectURI, request.State,
			NewError(ErrServerError, "failed to persist authorization code"))
		return
	}

	audit("consent", "", request.ClientID, fmt.Sprintf("approved with scopes %v", granted))

	target, perr := url.Parse(request.RedirectURI)
	if perr != nil {
		NewError(ErrServerError, "registered redirect_uri is not a valid URL").WriteJSON(w)
		return
	}
	q := target.Query()
	q.Set("code", code)
	if request.State != "" {
		q.Set("state", request.State)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// selectScopes intersects the user's checkbox selection with the requested
// scopes so a tampered form cannot widen the grant.
func selectScopes(requested, selected []string) []string {
	if len(requested) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(requested))
	for _, scope := range requested {
		allowed[scope] = true
	}
	var granted []string
	for _, scope := range selected {
		if allowed[scope] {
			granted = append(granted, scope)
		}
	}
	return granted
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// handleToken exchanges an authorization code for a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		NewError(ErrInvalidRequest, "malformed form body").WriteJSON(w)
		return
	}

	if grantType := r.PostForm.Get("grant_type"); grantType != "authorization_code" {
		NewError(ErrUnsupportedGrantType, fmt.Sprintf("grant_type %q is not supported", grantType)).WriteJSON(w)
		return
	}

	code := r.PostForm.Get("code")
	clientID := r.PostForm.Get("client_id")

	var authCode AuthCode
	found, err := s.store.Read(storage.CategoryAuthCode, code, &authCode)
	if err != nil || !found {
		NewError(ErrInvalidGrant, "authorization code is invalid or expired").WriteJSON(w)
		return
	}

	// Single use: the atomic delete is the arbiter between concurrent
	// exchanges, and a failed validation below must burn the code too.
	removed, err := s.store.Delete(storage.CategoryAuthCode, code)
	if err != nil || !removed {
		NewError(ErrInvalidGrant, "authorization code already used").WriteJSON(w)
		return
	}

	// The sweeper lags behind the 60 second code window; check it here.
	if authCode.Expired() {
		NewError(ErrInvalidGrant, "authorization code is invalid or expired").WriteJSON(w)
		return
	}

	if authCode.ClientID != clientID {
		NewError(ErrInvalidClient, "client_id does not match the authorization code").WriteJSON(w)
		return
	}
	if authCode.RedirectURI != r.PostForm.Get("redirect_uri") {
		NewError(ErrInvalidGrant, "redirect_uri does not match the authorization request").WriteJSON(w)
		return
	}

	// Verify client authentication when the client registered with a secret.
	var client ClientRegistration
	if ok, _ := s.store.Read(storage.CategorySession, clientStorageID(clientID), &client); ok {
		if client.TokenEndpointAuthMethod != "none" && client.ClientSecret != r.PostForm.Get("client_secret") {
			NewError(ErrInvalidClient, "client authentication failed").WriteJSON(w)
			return
		}
	}

	if authCode.CodeChallenge != "" {
		if !pkgoauth.VerifyPKCE(r.PostForm.Get("code_verifier"), authCode.CodeChallenge) {
			NewError(ErrInvalidGrant, "PKCE verification failed").WriteJSON(w)
			return
		}
	}

	token, err := pkgoauth.GenerateSecret()
	if err != nil {
		NewError(ErrServerError, "failed to mint access token").WriteJSON(w)
		return
	}

	binding := &AccessTokenBinding{
		ClientID:  clientID,
		Resource:  authCode.Resource,
		Scopes:    authCode.Scopes,
		ExpiresAt: time.Now().Add(s.tokenTTL).UnixMilli(),
	}
	if err := s.store.Write(storage.CategorySession, tokenStorageID(token), binding, s.tokenTTL); err != nil {
		NewError(ErrServerError, "failed to persist token binding").WriteJSON(w)
		return
	}

	audit("token", "", clientID, fmt.Sprintf("issued token with scopes %v", authCode.Scopes))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokenTTL / time.Second),
		Scope:       strings.Join(authCode.Scopes, " "),
	})
}

// Verify resolves a bearer token to its binding. Returns an invalid_token
// error for unknown or expired tokens.
func (s *Server) Verify(token string) (*AccessTokenBinding, *Error) {
	if token == "" {
		return nil, NewError(ErrInvalidToken, "missing bearer token")
	}

	var binding AccessTokenBinding
	found, err := s.store.Read(storage.CategorySession, tokenStorageID(token), &binding)
	if err != nil || !found {
		return nil, NewError(ErrInvalidToken, "unknown token")
	}
	if binding.Expired() {
		s.store.Delete(storage.CategorySession, tokenStorageID(token))
		return nil, NewError(ErrInvalidToken, "token expired")
	}

	return &binding, nil
}

// Middleware wraps an MCP handler with bearer token verification. The
// response carries a WWW-Authenticate challenge pointing at this server.
func (s *Server) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == r.Header.Get("Authorization") {
			token = "" // no Bearer prefix present
		}

		if _, verr := s.Verify(token); verr != nil {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error=%q`, s.issuer, verr.Code))
			verr.WriteJSON(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}
