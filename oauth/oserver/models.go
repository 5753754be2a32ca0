package oserver

import (
	"time"
)

type GrantType string

const GrantTypeAuthorizationCode GrantType = "authorization_code"
const GrantTypeRefreshToken GrantType = "refresh_token"

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// CodeChallengeMethodS256 is the only accepted PKCE method. "plain" is
// rejected to meet OAuth 2.1.
const CodeChallengeMethodS256 = "S256"

// TokenStatus tracks a refresh token through its lifecycle. Within a
// family at most one token is ACTIVE at any time.
type TokenStatus string

const (
	TokenStatusActive  TokenStatus = "ACTIVE"
	TokenStatusRotated TokenStatus = "ROTATED"
	TokenStatusRevoked TokenStatus = "REVOKED"
)

// Client is a registered OAuth application. Provisioned administratively;
// immutable at runtime except for redirect URI rotation.
type Client struct {
	ClientID     string   `json:"client_id" bson:"client_id"`
	SecretHash   []byte   `json:"-" bson:"secret_hash"`
	Name         string   `json:"client_name" bson:"name"`
	RedirectURIs []string `json:"redirect_uris" bson:"redirect_uris"`
	Scopes       []string `json:"scope,omitempty" bson:"scopes"`
	GrantTypes   []string `json:"grant_types" bson:"grant_types"`
	// Confidential clients authenticate with a secret; public clients
	// (e.g. a browser or mobile app) must use PKCE instead.
	Confidential bool       `json:"confidential" bson:"confidential"`
	LogoURI      string     `json:"logo_uri,omitempty" bson:"logo_uri,omitempty"`
	CreatedAt    time.Time  `json:"-" bson:"created_at"`
	UpdatedAt    *time.Time `json:"-" bson:"updated_at,omitempty"`
}

// HasRedirectURI reports whether uri exactly matches a registered URI.
// No prefix or pattern matching; partial matches open redirect-based
// code theft.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether every requested scope is registered for
// the client.
func (c *Client) AllowsScope(requested []string) bool {
	allowed := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		allowed[s] = true
	}
	for _, s := range requested {
		if !allowed[s] {
			return false
		}
	}
	return true
}

// PendingAuthorization is an authorization-code grant in flight: the
// single-use record binding a code to the client, user, redirect URI,
// scope and PKCE challenge that produced it.
type PendingAuthorization struct {
	Code                string     `bson:"code"`
	ClientID            string     `bson:"client_id"`
	UserID              string     `bson:"user_id"`
	RedirectURI         string     `bson:"redirect_uri"`
	Scope               []string   `bson:"scope"`
	CodeChallenge       string     `bson:"code_challenge"`
	CodeChallengeMethod string     `bson:"code_challenge_method"`
	ExpiresAt           time.Time  `bson:"expires_at"`
	Consumed            bool       `bson:"consumed"`
	ConsumedAt          *time.Time `bson:"consumed_at,omitempty"`
	CreatedAt           time.Time  `bson:"created_at"`
}

// RefreshTokenRecord is one link in a rotation chain. FamilyID groups
// every token descended from one authorization grant; ParentTokenID is
// the token this one replaced (empty for the family root).
type RefreshTokenRecord struct {
	TokenID       string      `bson:"token_id"`
	FamilyID      string      `bson:"family_id"`
	ParentTokenID string      `bson:"parent_token_id,omitempty"`
	UserID        string      `bson:"user_id"`
	ClientID      string      `bson:"client_id"`
	Scope         []string    `bson:"scope"`
	Status        TokenStatus `bson:"status"`
	IssuedAt      time.Time   `bson:"issued_at"`
	ExpiresAt     time.Time   `bson:"expires_at"`
	RotatedAt     *time.Time  `bson:"rotated_at,omitempty"`
	RevokedAt     *time.Time  `bson:"revoked_at,omitempty"`
}

// AuthorizeRequest carries the query parameters of GET /oauth/authorize.
// The subject is deliberately absent: identity comes only from the
// authenticated session, never from the request.
type AuthorizeRequest struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// AuthorizeResponse is the successful outcome of consent: a code to
// hand back to the client along with its original state.
type AuthorizeResponse struct {
	Code  string `json:"code"`
	State string `json:"state,omitempty"`
}

// Grant is the closed set of token-endpoint grants. Adding a grant
// type is a compile-time decision: Exchange switches exhaustively over
// the two variants.
type Grant interface {
	grantType() GrantType
}

// AuthorizationCodeGrant exchanges a single-use code plus PKCE verifier
// for a token pair.
type AuthorizationCodeGrant struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientID     string
	ClientSecret string
}

func (AuthorizationCodeGrant) grantType() GrantType { return GrantTypeAuthorizationCode }

// RefreshTokenGrant rotates a refresh token for a fresh pair.
type RefreshTokenGrant struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
}

func (RefreshTokenGrant) grantType() GrantType { return GrantTypeRefreshToken }

// TokenResponse is the RFC 6749 token-endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"` // always "Bearer"
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// RevocationRequest carries POST /oauth/revoke (RFC 7009). Revoking a
// refresh token revokes its entire family.
type RevocationRequest struct {
	Token        string `json:"token"`
	TokenType    string `json:"token_type_hint,omitempty"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// ClientRegistration is the RFC 7591 registration request body.
type ClientRegistration struct {
	Name         string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	Scope        string   `json:"scope,omitempty"`
	Confidential bool     `json:"confidential,omitempty"`
	LogoURI      string   `json:"logo_uri,omitempty"`
}

// RegisteredClient is returned once at registration time; it is the
// only moment the plaintext secret exists outside the caller.
type RegisteredClient struct {
	Client
	ClientSecret     string `json:"client_secret,omitempty"`
	ClientIDIssuedAt int64  `json:"client_id_issued_at"`
}

// Config carries the issuer-level knobs for a Server. Zero values fall
// back to the defaults below.
type Config struct {
	Issuer          string
	Audience        string
	SupportedScopes []string
	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

const (
	DefaultCodeTTL         = 10 * time.Minute
	DefaultAccessTokenTTL  = 10 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// withDefaults fills unset durations and scopes.
func (c Config) withDefaults() Config {
	if c.CodeTTL == 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = DefaultScopes()
	}
	return c
}

// DefaultScopes returns the scope catalog the service grants.
func DefaultScopes() []string {
	return []string{"tasks:read", "tasks:write", "openid", "profile", "email"}
}

// ScopeDescriptions maps scopes to the consent-form copy shown to the
// user.
func ScopeDescriptions(scopes []string) map[string]string {
	known := map[string]string{
		"tasks:read":  "View your tasks",
		"tasks:write": "Create and modify your tasks",
		"openid":      "Verify your identity",
		"profile":     "Access your profile information",
		"email":       "Access your email address",
	}
	out := make(map[string]string, len(scopes))
	for _, s := range scopes {
		if d, ok := known[s]; ok {
			out[s] = d
		} else {
			out[s] = s
		}
	}
	return out
}
