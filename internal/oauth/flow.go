package oauth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"onemcp/internal/config"
	"onemcp/internal/storage"
	"onemcp/pkg/logging"
	pkgoauth "onemcp/pkg/oauth"
)

// Flow drives the outbound OAuth 2.1 authorization-code dance against
// upstream MCP servers: metadata discovery, dynamic client registration,
// PKCE authorization, token exchange and refresh. All credentials are
// persisted per upstream server name in the file-backed store, so an
// authorized upstream survives gateway restarts.
type Flow struct {
	store        *storage.Store
	client       *pkgoauth.Client
	rendezvous   *Rendezvous
	callbackBase string

	refreshGroup singleflight.Group
}

// NewFlow creates a Flow. callbackBase is the externally reachable prefix
// of the callback endpoint, e.g. "http://localhost:3050/oauth/callback";
// the per-server redirect URI is callbackBase + "/" + serverName.
func NewFlow(store *storage.Store, client *pkgoauth.Client, rendezvous *Rendezvous, callbackBase string) *Flow {
	return &Flow{
		store:        store,
		client:       client,
		rendezvous:   rendezvous,
		callbackBase: callbackBase,
	}
}

// Rendezvous exposes the code rendezvous, used by callers that need to
// cancel pending flows directly.
func (f *Flow) Rendezvous() *Rendezvous { return f.rendezvous }

func (f *Flow) redirectURI(serverName string) string {
	return f.callbackBase + "/" + serverName
}

// storedVerifier and storedState wrap the bare strings so they persist as
// JSON objects like every other record.
type storedVerifier struct {
	Verifier string `json:"verifier"`
}

type storedState struct {
	State string `json:"state"`
}

// Token returns the stored token bundle for serverName, if any.
func (f *Flow) Token(serverName string) (*pkgoauth.Token, bool) {
	var token pkgoauth.Token
	found, err := f.store.Read(storage.CategoryTokens, serverName, &token)
	if err != nil || !found || token.AccessToken == "" {
		return nil, false
	}
	return &token, true
}

// AccessToken returns a usable bearer token for serverName, refreshing it
// first when it is expired or about to expire. Returns ("", false) when
// no credentials exist or the refresh failed; the caller then starts a
// full Authorize flow on the next 401.
func (f *Flow) AccessToken(ctx context.Context, serverName string) (string, bool) {
	token, ok := f.Token(serverName)
	if !ok {
		return "", false
	}

	if !token.IsExpiredWithMargin(pkgoauth.TokenRefreshThreshold) {
		return token.AccessToken, true
	}

	if token.RefreshToken == "" {
		return "", false
	}
	refreshed, err := f.Refresh(ctx, serverName)
	if err != nil {
		logging.Warn("OAuth", "Token refresh for %s failed: %v", serverName, err)
		return "", false
	}
	return refreshed.AccessToken, true
}

// Authorize runs the complete authorization-code flow for serverName.
// It blocks until the user finishes the browser leg and the callback
// endpoint delivers the code, or until ctx / the callback timeout ends
// the wait. challenge may be nil; serverURL is the upstream base URL used
// for issuer discovery when the challenge names no issuer. spec is the
// server's configured oauth block, if any: configured client credentials,
// scopes and redirect URL take precedence over dynamic registration and
// the challenge.
func (f *Flow) Authorize(ctx context.Context, serverName, serverURL string, challenge *pkgoauth.AuthChallenge, spec *config.OAuthSpec) (*pkgoauth.Token, error) {
	issuer := challenge.GetIssuer()
	if issuer == "" {
		issuer = pkgoauth.NormalizeServerURL(serverURL)
	}

	metadata, err := f.client.DiscoverMetadata(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("metadata discovery for %s failed: %w", serverName, err)
	}
	if !metadata.SupportsPKCE() {
		return nil, fmt.Errorf("authorization server %s does not support S256 PKCE", metadata.Issuer)
	}

	scope := authScope(spec, challenge)
	redirect := f.effectiveRedirectURI(serverName, spec)

	info, err := f.ensureRegistration(ctx, serverName, metadata, scope, spec, redirect)
	if err != nil {
		return nil, err
	}

	pkce, err := pkgoauth.GeneratePKCE()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE challenge: %w", err)
	}
	state, err := pkgoauth.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	if err := f.store.Write(storage.CategoryVerifier, serverName, &storedVerifier{Verifier: pkce.CodeVerifier}, 0); err != nil {
		return nil, fmt.Errorf("failed to persist code verifier: %w", err)
	}
	if err := f.store.Write(storage.CategoryState, serverName, &storedState{State: state}, 0); err != nil {
		return nil, fmt.Errorf("failed to persist state: %w", err)
	}

	authURL, err := f.client.BuildAuthorizationURL(metadata.AuthorizationEndpoint,
		info.ClientID, redirect, state, scope, pkce)
	if err != nil {
		return nil, err
	}

	audit("authorize_start", "", info.ClientID, fmt.Sprintf("server %s, issuer %s", serverName, metadata.Issuer))
	logging.Info("OAuth", "Authorization required for %s. Open this URL to continue:\n  %s", serverName, authURL)

	code, err := f.rendezvous.Await(ctx, serverName)
	if err != nil {
		return nil, fmt.Errorf("authorization for %s did not complete: %w", serverName, err)
	}

	token, err := f.exchange(ctx, metadata, info, serverName, redirect, code, pkce.CodeVerifier)
	if err != nil {
		return nil, err
	}

	f.store.Delete(storage.CategoryVerifier, serverName)
	f.store.Delete(storage.CategoryState, serverName)

	audit("authorize_complete", "", info.ClientID, fmt.Sprintf("server %s tokenized", serverName))
	return token, nil
}

// HandleCallback validates the state from the authorization callback and
// hands the code to the waiting flow. Called by the HTTP callback handler.
func (f *Flow) HandleCallback(serverName, code, state string) error {
	var stored storedState
	found, err := f.store.Read(storage.CategoryState, serverName, &stored)
	if err != nil || !found {
		return fmt.Errorf("no pending authorization for server %q", serverName)
	}

	if subtle.ConstantTimeCompare([]byte(stored.State), []byte(state)) != 1 {
		return fmt.Errorf("state mismatch for server %q", serverName)
	}

	f.store.Delete(storage.CategoryState, serverName)

	if err := f.rendezvous.Deliver(serverName, code); err != nil {
		return fmt.Errorf("callback for server %q: %w", serverName, err)
	}
	return nil
}

// Refresh exchanges the stored refresh token for a new access token.
// Concurrent callers for the same server share one refresh.
func (f *Flow) Refresh(ctx context.Context, serverName string) (*pkgoauth.Token, error) {
	result, err, _ := f.refreshGroup.Do(serverName, func() (interface{}, error) {
		return f.doRefresh(ctx, serverName)
	})
	if err != nil {
		return nil, err
	}
	return result.(*pkgoauth.Token), nil
}

func (f *Flow) doRefresh(ctx context.Context, serverName string) (*pkgoauth.Token, error) {
	prev, ok := f.Token(serverName)
	if !ok || prev.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token stored for %s", serverName)
	}

	var info pkgoauth.ClientInformation
	found, err := f.store.Read(storage.CategoryClientInfo, serverName, &info)
	if err != nil || !found {
		return nil, fmt.Errorf("no client registration stored for %s", serverName)
	}

	metadata, err := f.client.DiscoverMetadata(ctx, prev.Issuer)
	if err != nil {
		return nil, fmt.Errorf("metadata discovery for %s failed: %w", serverName, err)
	}

	cfg := f.oauth2Config(metadata, &info, f.redirectURI(serverName), prev.Scope)
	tok, err := cfg.TokenSource(f.httpContext(ctx), prev.ToOAuth2Token()).Token()
	if err != nil {
		// A rejected refresh token is unrecoverable; drop the bundle so
		// the next 401 restarts the full flow.
		f.store.Delete(storage.CategoryTokens, serverName)
		return nil, fmt.Errorf("refresh for %s failed: %w", serverName, err)
	}

	token := pkgoauth.FromOAuth2Token(tok, prev)
	token.Issuer = prev.Issuer
	token.Scope = prev.Scope
	if err := f.persistToken(serverName, token); err != nil {
		return nil, err
	}

	audit("token_refresh", "", info.ClientID, fmt.Sprintf("server %s", serverName))
	return token, nil
}

// Forget removes every stored credential for serverName and cancels any
// pending flow. Used when the server is removed from the configuration.
func (f *Flow) Forget(serverName string) {
	f.rendezvous.Cancel(serverName)
	f.store.Delete(storage.CategoryTokens, serverName)
	f.store.Delete(storage.CategoryClientInfo, serverName)
	f.store.Delete(storage.CategoryVerifier, serverName)
	f.store.Delete(storage.CategoryState, serverName)
}

// ClearTokens drops only the token bundle, keeping the client registration
// so reauthorization skips the registration round trip.
func (f *Flow) ClearTokens(serverName string) {
	f.store.Delete(storage.CategoryTokens, serverName)
}

// authScope picks the scope string for the authorization request:
// configured scopes win over whatever the 401 challenge advertised.
func authScope(spec *config.OAuthSpec, challenge *pkgoauth.AuthChallenge) string {
	if spec != nil && len(spec.Scopes) > 0 {
		return strings.Join(spec.Scopes, " ")
	}
	if challenge != nil {
		return challenge.Scope
	}
	return ""
}

// effectiveRedirectURI honors a configured redirect URL over the default
// per-server callback.
func (f *Flow) effectiveRedirectURI(serverName string, spec *config.OAuthSpec) string {
	if spec != nil && spec.RedirectURL != "" {
		return spec.RedirectURL
	}
	return f.redirectURI(serverName)
}

// ensureRegistration returns the client to authorize as. A configured
// clientId bypasses dynamic registration entirely; otherwise the stored
// registration is reused, registering a new client when none exists.
func (f *Flow) ensureRegistration(ctx context.Context, serverName string, metadata *pkgoauth.Metadata, scope string, spec *config.OAuthSpec, redirect string) (*pkgoauth.ClientInformation, error) {
	if spec != nil && spec.ClientID != "" {
		authMethod := "none"
		if spec.ClientSecret != "" {
			authMethod = "client_secret_post"
		}
		info := &pkgoauth.ClientInformation{
			ClientMetadata: pkgoauth.ClientMetadata{
				ClientName:              "1mcp",
				RedirectURIs:            []string{redirect},
				GrantTypes:              []string{"authorization_code", "refresh_token"},
				ResponseTypes:           []string{"code"},
				TokenEndpointAuthMethod: authMethod,
				Scope:                   scope,
			},
			ClientID:     spec.ClientID,
			ClientSecret: spec.ClientSecret,
		}
		// Persisted so refreshes find the same credentials.
		if err := f.store.Write(storage.CategoryClientInfo, serverName, info, 0); err != nil {
			return nil, fmt.Errorf("failed to persist client credentials: %w", err)
		}
		return info, nil
	}

	var info pkgoauth.ClientInformation
	found, err := f.store.Read(storage.CategoryClientInfo, serverName, &info)
	if err == nil && found && info.ClientID != "" && !clientSecretExpired(&info) {
		return &info, nil
	}

	if metadata.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("authorization server %s does not support dynamic client registration", metadata.Issuer)
	}

	registered, err := f.client.RegisterClient(ctx, metadata.RegistrationEndpoint, &pkgoauth.ClientMetadata{
		ClientName:              "1mcp",
		RedirectURIs:            []string{redirect},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   scope,
	})
	if err != nil {
		return nil, fmt.Errorf("client registration for %s failed: %w", serverName, err)
	}

	if err := f.store.Write(storage.CategoryClientInfo, serverName, registered, 0); err != nil {
		return nil, fmt.Errorf("failed to persist client registration: %w", err)
	}

	audit("client_registered", "", registered.ClientID, fmt.Sprintf("server %s at %s", serverName, metadata.Issuer))
	return registered, nil
}

func clientSecretExpired(info *pkgoauth.ClientInformation) bool {
	return info.ClientSecretExpiresAt > 0 && time.Now().Unix() > info.ClientSecretExpiresAt
}

// exchange trades the authorization code for tokens and persists the
// result.
func (f *Flow) exchange(ctx context.Context, metadata *pkgoauth.Metadata, info *pkgoauth.ClientInformation, serverName, redirect, code, verifier string) (*pkgoauth.Token, error) {
	cfg := f.oauth2Config(metadata, info, redirect, "")

	tok, err := cfg.Exchange(f.httpContext(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange for %s failed: %w", serverName, err)
	}

	token := pkgoauth.FromOAuth2Token(tok, nil)
	token.Issuer = metadata.Issuer
	if scope, ok := tok.Extra("scope").(string); ok {
		token.Scope = scope
	}

	if err := f.persistToken(serverName, token); err != nil {
		return nil, err
	}
	return token, nil
}

// persistToken stores the bundle with a TTL derived from the token's own
// expiry; tokens without one use the category default.
func (f *Flow) persistToken(serverName string, token *pkgoauth.Token) error {
	var ttl time.Duration
	if !token.ExpiresAt.IsZero() {
		ttl = time.Until(token.ExpiresAt)
		// Keep the record around past access-token expiry so the refresh
		// token remains usable.
		if token.RefreshToken != "" {
			ttl = storage.TTLClientInfo
		}
	}
	if ttl <= 0 {
		ttl = 0
	}
	if err := f.store.Write(storage.CategoryTokens, serverName, token, ttl); err != nil {
		return fmt.Errorf("failed to persist tokens for %s: %w", serverName, err)
	}
	return nil
}

func (f *Flow) oauth2Config(metadata *pkgoauth.Metadata, info *pkgoauth.ClientInformation, redirect, scope string) *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID:     info.ClientID,
		ClientSecret: info.ClientSecret,
		RedirectURL:  redirect,
		Endpoint: oauth2.Endpoint{
			AuthURL:   metadata.AuthorizationEndpoint,
			TokenURL:  metadata.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if scope != "" {
		cfg.Scopes = []string{scope}
	}
	return cfg
}

// httpContext routes x/oauth2's requests through the discovery client's
// HTTP client so timeouts are consistent.
func (f *Flow) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.client.HTTPClient())
}
