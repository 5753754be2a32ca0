package keys

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// JWKS returns the published public keys as a JSON Web Key Set. Retired
// keys are included until Remove drops them, so tokens they signed keep
// verifying through a rotation. Only public material enters the set.
func (m *Manager) JWKS() (jwk.Set, error) {
	set := jwk.NewSet()
	for _, sk := range m.published() {
		key, err := jwk.Import(sk.Public())
		if err != nil {
			return nil, fmt.Errorf("keys: import public key %s: %w", sk.KID, err)
		}
		if err := key.Set(jwk.KeyIDKey, sk.KID); err != nil {
			return nil, fmt.Errorf("keys: set kid: %w", err)
		}
		if err := key.Set(jwk.AlgorithmKey, sk.Algorithm); err != nil {
			return nil, fmt.Errorf("keys: set alg: %w", err)
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, fmt.Errorf("keys: set use: %w", err)
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("keys: add key to set: %w", err)
		}
	}
	return set, nil
}
