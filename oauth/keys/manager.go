// Package keys owns the asymmetric signing keys for access tokens: key
// generation, rotation, JWKS publication, and JWT mint/verify. Private
// key material never leaves this package; nothing here serializes or
// logs it.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlgRS256 is the only signing algorithm the manager produces.
const AlgRS256 = "RS256"

const defaultKeyBits = 2048

// ErrNoSigningKey is returned when no usable signing key exists. The
// service must refuse token operations in that state rather than
// degrade; an auth server has no best-effort mode.
var ErrNoSigningKey = errors.New("keys: no usable signing key")

// ErrUnknownKey is returned when a kid is not in the published set.
var ErrUnknownKey = errors.New("keys: unknown key id")

// SigningKey is a private key plus its metadata. Retired keys stop
// signing new tokens but stay published until Remove drops them.
type SigningKey struct {
	KID       string
	Algorithm string
	private   *rsa.PrivateKey
	CreatedAt time.Time
	RetiredAt *time.Time
}

// Public returns the verification half of the key.
func (k *SigningKey) Public() *rsa.PublicKey {
	return &k.private.PublicKey
}

// Config carries the token-issuance parameters.
type Config struct {
	Issuer         string
	Audience       string
	AccessTokenTTL time.Duration
	// KeyBits sets the RSA modulus size; 0 means 2048.
	KeyBits int
}

// Manager holds the key set. Safe for concurrent use.
type Manager struct {
	issuer   string
	audience string
	ttl      time.Duration
	keyBits  int

	mu     sync.RWMutex
	active *SigningKey
	keys   []*SigningKey // published set: active + retired-but-not-dropped
}

// NewManager creates a manager with one freshly generated signing key.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("keys: issuer and audience are required")
	}
	ttl := cfg.AccessTokenTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	bits := cfg.KeyBits
	if bits == 0 {
		bits = defaultKeyBits
	}
	m := &Manager{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		keyBits:  bits,
	}
	if _, err := m.Rotate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) generate() (*SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, m.keyBits)
	if err != nil {
		return nil, fmt.Errorf("keys: generate rsa key: %w", err)
	}
	return &SigningKey{
		KID:       uuid.NewString(),
		Algorithm: AlgRS256,
		private:   priv,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Rotate introduces a new signing key. The previous key is retired: it
// no longer signs but remains published so tokens it signed keep
// verifying until Remove drops it.
func (m *Manager) Rotate() (*SigningKey, error) {
	key, err := m.generate()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		now := time.Now().UTC()
		m.active.RetiredAt = &now
	}
	m.active = key
	m.keys = append(m.keys, key)
	return key, nil
}

// Remove drops a retired key from the published set. Tokens it signed
// stop verifying. The active signing key cannot be removed.
func (m *Manager) Remove(kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.KID == kid {
		return errors.New("keys: cannot remove the active signing key")
	}
	for i, k := range m.keys {
		if k.KID == kid {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			return nil
		}
	}
	return ErrUnknownKey
}

// signingKey returns the current key for minting.
func (m *Manager) signingKey() (*SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, ErrNoSigningKey
	}
	return m.active, nil
}

// lookup finds a published key by kid for verification.
func (m *Manager) lookup(kid string) (*SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.KID == kid {
			return k, nil
		}
	}
	return nil, ErrUnknownKey
}

// published snapshots the current key set.
func (m *Manager) published() []*SigningKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SigningKey, len(m.keys))
	copy(out, m.keys)
	return out
}
