package csrf

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

var _ Guard = &MemoryGuard{}

// MemoryGuard keeps consent tokens in a process-local map. Development
// and test use only: it silently loses correctness behind more than one
// worker, which is exactly the failure the Redis guard exists to avoid.
type MemoryGuard struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	req       ConsentRequest
	expiresAt time.Time
}

// NewMemoryGuard creates an in-memory guard. ttl <= 0 falls back to
// DefaultTTL.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (g *MemoryGuard) Issue(_ context.Context, req *ConsentRequest) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	g.mu.Lock()
	g.entries[token] = memoryEntry{req: *req, expiresAt: time.Now().Add(g.ttl)}
	g.mu.Unlock()
	return token, nil
}

func (g *MemoryGuard) Consume(_ context.Context, token string) (*ConsentRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	delete(g.entries, token)
	if time.Now().After(entry.expiresAt) {
		return nil, ErrInvalidToken
	}
	req := entry.req
	return &req, nil
}
