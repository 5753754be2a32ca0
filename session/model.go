package session

import (
	"context"
)

type contextKey string

const (
	sessionKey contextKey = "USER_SESSION_DATA"
)
const sessionCookieName = "mindflow_session"

// UserSessionData holds the authenticated user's identity. The OAuth
// authorization flow trusts only this, never request parameters.
type UserSessionData struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	SignedIn  bool   `json:"signed_in"`
	ExpiresAt int64  `json:"expires_at"`
	Domain    string `json:"domain,omitempty"`
}

// WithContext attaches session data to context
func (u *UserSessionData) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey, u)
}
