package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mindflow-labs/authserver/oauth/keys"
	"github.com/mindflow-labs/authserver/utils"
)

// TokenVerifier validates a bearer access token and returns its claims.
// Implemented by keys.Manager.
type TokenVerifier interface {
	VerifyAccessToken(token string) (*keys.AccessTokenClaims, error)
}

// Client manages authentication and session cookies
type Client struct {
	ttl      time.Duration
	secret   []byte
	verifier TokenVerifier
}

// NewClient constructs a Client. verifier may be nil to disable the
// bearer-token fallback.
func NewClient(verifier TokenVerifier, secret []byte, sessionTTL time.Duration) *Client {
	return &Client{
		ttl:      sessionTTL,
		secret:   secret,
		verifier: verifier,
	}
}

// Authenticate loads or creates a session, storing it in a cookie and context
func (c *Client) Authenticate(w http.ResponseWriter, r *http.Request) (*UserSessionData, context.Context, error) {
	// Try cookie
	u, err := GetSessionFromCookie(r, c.secret)
	if err == nil {
		reqCtx := u.WithContext(r.Context())
		return u, reqCtx, nil
	}
	// Fall back to a bearer access token
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") && c.verifier != nil {
		token := strings.TrimSpace(authHeader[7:])
		claims, err := c.verifier.VerifyAccessToken(token)
		if err == nil {
			u = &UserSessionData{
				UserID:    claims.Subject,
				SignedIn:  true,
				ExpiresAt: claims.ExpiresAt.Unix(),
				Domain:    utils.GetDomain(r),
			}
			_ = SetSessionCookie(w, u, c.secret)
			reqCtx := u.WithContext(r.Context())
			return u, reqCtx, nil
		}
	}
	// Anonymous session
	u = &UserSessionData{
		UserID:    fmt.Sprintf("anon-%d", time.Now().UnixNano()),
		SignedIn:  false,
		ExpiresAt: time.Now().Add(c.ttl).Unix(),
		Domain:    utils.GetDomain(r),
	}
	_ = SetSessionCookie(w, u, c.secret)
	reqCtx := u.WithContext(r.Context())
	return u, reqCtx, nil
}

// RequireSignIn wraps a handler and rejects requests without an
// authenticated session.
func (c *Client) RequireSignIn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ctx, err := c.Authenticate(w, r)
		if err != nil || !u.SignedIn {
			http.Error(w, "sign in required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
