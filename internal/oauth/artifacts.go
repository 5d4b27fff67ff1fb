package oauth

import (
	"time"

	"onemcp/internal/storage"
)

// Artifact records persisted by the inbound authorization server. Each maps
// to one storage category; TTLs are the category defaults unless noted.

// ClientRegistration is a dynamically registered inbound client (RFC 7591).
// Stored under CategorySession with a 30 day TTL.
type ClientRegistration struct {
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	ClientName   string   `json:"clientName,omitempty"`
	RedirectURIs []string `json:"redirectUris"`
	Scope        string   `json:"scope,omitempty"`
	GrantTypes   []string `json:"grantTypes,omitempty"`

	TokenEndpointAuthMethod string `json:"tokenEndpointAuthMethod,omitempty"`

	CreatedAt int64 `json:"clientCreatedAt"`
	ExpiresAt int64 `json:"clientExpiresAt"`
}

// HasRedirectURI reports whether uri was registered.
func (c *ClientRegistration) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthRequest is a pending authorization request created at /authorize and
// consumed by /consent. Stored under CategoryAuthRequest, TTL 10 minutes.
type AuthRequest struct {
	ID                  string   `json:"id"`
	ClientID            string   `json:"clientId"`
	RedirectURI         string   `json:"redirectUri"`
	CodeChallenge       string   `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string   `json:"codeChallengeMethod,omitempty"`
	State               string   `json:"state,omitempty"`
	Resource            string   `json:"resource,omitempty"`
	Scopes              []string `json:"scopes,omitempty"`
	ExpiresAt           int64    `json:"requestExpiresAt"`
}

// Expired reports whether the request outlived its window. The store's TTL
// sweep lags by up to one interval, so the consent handlers check explicitly.
func (r *AuthRequest) Expired() bool {
	return r.ExpiresAt > 0 && time.Now().UnixMilli() > r.ExpiresAt
}

// AuthCode is a single-use authorization code minted on consent approval.
// Stored under CategoryAuthCode, TTL 60 seconds.
type AuthCode struct {
	Code                string   `json:"code"`
	ClientID            string   `json:"clientId"`
	RedirectURI         string   `json:"redirectUri"`
	Resource            string   `json:"resource,omitempty"`
	Scopes              []string `json:"scopes,omitempty"`
	CodeChallenge       string   `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string   `json:"codeChallengeMethod,omitempty"`
	ExpiresAt           int64    `json:"codeExpiresAt"`
}

// Expired reports whether the code's 60 second window has passed. The token
// endpoint checks explicitly because the sweeper lags behind.
func (c *AuthCode) Expired() bool {
	return c.ExpiresAt > 0 && time.Now().UnixMilli() > c.ExpiresAt
}

// AccessTokenBinding binds an issued opaque bearer token to its client,
// resource and granted scopes. Stored under CategorySession.
type AccessTokenBinding struct {
	ClientID  string   `json:"clientId"`
	Resource  string   `json:"resource,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresAt int64    `json:"tokenExpiresAt"`
}

// Expired reports whether the binding's own expiry has passed. The store's
// TTL sweep lags by up to one interval, so Verify checks explicitly.
func (b *AccessTokenBinding) Expired() bool {
	return b.ExpiresAt > 0 && time.Now().UnixMilli() > b.ExpiresAt
}

// Storage id prefixes within CategorySession, distinguishing token bindings
// from client registrations that share the category (and its on-disk
// `session_` filename prefix).
const (
	sessionIDTokenPrefix  = "token."
	sessionIDClientPrefix = "reg."
)

func tokenStorageID(token string) string    { return sessionIDTokenPrefix + token }
func clientStorageID(clientID string) string { return sessionIDClientPrefix + clientID }

// registrationTTL is the client registration lifetime.
const registrationTTL = storage.TTLClientInfo
