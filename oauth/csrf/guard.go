// Package csrf protects the OAuth consent form against cross-site
// submission. Tokens are single-use and live in a store shared by every
// request-handling worker: the consent GET and the consent POST may be
// served by different workers or different instances, so a per-process
// map is never correct here.
package csrf

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long an unconsumed consent token stays valid.
const DefaultTTL = 10 * time.Minute

// ErrInvalidToken is returned by Consume for unknown, expired, or
// already-consumed tokens. The three cases are indistinguishable to the
// caller.
var ErrInvalidToken = errors.New("csrf: invalid or expired token")

// ConsentRequest is the pending authorization state bound to a consent
// token. Everything the consent POST needs to re-verify is captured at
// GET time, including the authenticated user; none of it is trusted
// from the form alone.
type ConsentRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	UserID              string `json:"user_id"`
}

// Matches reports whether the replayed form fields agree with what was
// bound at issue time. UserID is excluded: it never appears in the form.
func (c *ConsentRequest) Matches(o *ConsentRequest) bool {
	return c.ClientID == o.ClientID &&
		c.RedirectURI == o.RedirectURI &&
		c.Scope == o.Scope &&
		c.State == o.State &&
		c.CodeChallenge == o.CodeChallenge &&
		c.CodeChallengeMethod == o.CodeChallengeMethod
}

// Guard issues and consumes single-use consent tokens. Consume must be
// atomic: of two concurrent consumers of the same token, exactly one
// may succeed.
type Guard interface {
	Issue(ctx context.Context, req *ConsentRequest) (string, error)
	Consume(ctx context.Context, token string) (*ConsentRequest, error)
}
