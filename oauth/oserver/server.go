package oserver

import (
	"context"
	"time"
)

// Server is the authorization server's business surface. Implementations
// must make code consumption, refresh rotation, and family revocation
// atomic at the storage layer; read-check-write sequences in Go code are
// not enough once more than one worker serves requests.
type Server interface {
	// --- authorization endpoint ---

	// ValidateAuthorization checks a new authorization request against
	// the registered client: exact redirect URI match, response type,
	// S256-only PKCE method, and allowed scopes. It returns the client
	// so the consent form can be rendered.
	ValidateAuthorization(ctx context.Context, req AuthorizeRequest) (*Client, error)

	// Authorize records the user's consent: it creates the single-use
	// PendingAuthorization and returns the code to redirect back with.
	// userID must come from the verified session, never from the request.
	Authorize(ctx context.Context, req AuthorizeRequest, userID string) (*AuthorizeResponse, error)

	// --- token endpoint ---

	// Exchange handles both grant variants. A consumed or unknown code,
	// a PKCE mismatch, or a replayed refresh token all fail with
	// invalid_grant; replay additionally revokes the whole family.
	Exchange(ctx context.Context, grant Grant) (*TokenResponse, error)

	// Revoke invalidates a refresh token and its entire family (RFC 7009).
	Revoke(ctx context.Context, req RevocationRequest) error

	// --- client provisioning ---

	RegisterClient(ctx context.Context, reg *ClientRegistration) (*RegisteredClient, error)
	GetClient(ctx context.Context, clientID string) (*Client, error)
	ListClients(ctx context.Context) ([]*Client, error)
	DeleteClient(ctx context.Context, clientID string) error
	// RotateRedirectURIs is the only runtime mutation a client supports.
	RotateRedirectURIs(ctx context.Context, clientID string, uris []string) error

	// --- maintenance ---

	// PurgeExpired garbage-collects codes and refresh tokens whose
	// expiry is more than retention in the past. Returns rows removed.
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// AccessTokenSigner mints the self-contained access tokens Exchange
// returns. Implemented by keys.Manager; decoupled here so store
// implementations can be tested without real key material.
type AccessTokenSigner interface {
	MintAccessToken(userID, clientID, scope string) (token string, expiresIn int64, err error)
}
