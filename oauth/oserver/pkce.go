package oserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// GenerateCodeVerifier returns a cryptographically-secure random
// code_verifier conforming to RFC 7636 (43 chars, unreserved alphabet).
func GenerateCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// GenerateCodeChallenge returns the S256 code_challenge for the given
// verifier: base64url(SHA-256(verifier)) without padding.
func GenerateCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyCodeChallenge recomputes the challenge from the presented
// verifier and compares it to the stored one. Only S256 is accepted;
// "plain" fails unconditionally. The comparison is constant time with
// respect to the stored challenge to avoid a timing side channel.
// Pure function; no side effects.
func VerifyCodeChallenge(verifier, challenge, method string) bool {
	if method != CodeChallengeMethodS256 {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
