package keys

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessTokenClaims is the self-contained access token payload. A
// resource server holding the JWKS verifies it offline with no call
// back to the authorization service.
type AccessTokenClaims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// HasScope reports whether the space-separated scope claim contains s.
func (c *AccessTokenClaims) HasScope(s string) bool {
	for i, n := 0, len(c.Scope); i < n; {
		j := i
		for j < n && c.Scope[j] != ' ' {
			j++
		}
		if c.Scope[i:j] == s {
			return true
		}
		i = j + 1
	}
	return false
}

// MintAccessToken signs a short-lived RS256 JWT for the given subject.
// The token carries the kid of the signing key so verifiers can pick
// the right public key during rotation. Implements oserver.AccessTokenSigner.
func (m *Manager) MintAccessToken(userID, clientID, scope string) (string, int64, error) {
	key, err := m.signingKey()
	if err != nil {
		return "", 0, err
	}
	now := time.Now().UTC()
	claims := AccessTokenClaims{
		ClientID: clientID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.KID
	signed, err := tok.SignedString(key.private)
	if err != nil {
		return "", 0, fmt.Errorf("keys: sign access token: %w", err)
	}
	return signed, int64(m.ttl.Seconds()), nil
}

// VerifyAccessToken checks signature, issuer, audience and expiry. It
// mirrors what a resource server does with the published JWKS, so
// issue/verify behavior stays testable in-process.
func (m *Manager) VerifyAccessToken(token string) (*AccessTokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("keys: unexpected signing method %q", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKey
		}
		key, err := m.lookup(kid)
		if err != nil {
			return nil, err
		}
		return key.Public(), nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*AccessTokenClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
