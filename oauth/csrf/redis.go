package csrf

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "csrf:"

var _ Guard = &RedisGuard{}

// RedisGuard stores consent tokens in Redis. GETDEL makes consumption
// atomic and single-use, and key TTLs enforce expiry without a sweeper.
type RedisGuard struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisGuard creates a guard on an existing Redis client. ttl <= 0
// falls back to DefaultTTL.
func NewRedisGuard(client redis.Cmdable, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl}
}

// Issue stores the consent request under a fresh high-entropy token.
func (g *RedisGuard) Issue(ctx context.Context, req *ConsentRequest) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("csrf: generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("csrf: encode request: %w", err)
	}
	if err := g.client.Set(ctx, keyPrefix+token, data, g.ttl).Err(); err != nil {
		return "", fmt.Errorf("csrf: store token: %w", err)
	}
	return token, nil
}

// Consume atomically fetches and deletes the token. A second Consume of
// the same token, concurrent or not, gets ErrInvalidToken.
func (g *RedisGuard) Consume(ctx context.Context, token string) (*ConsentRequest, error) {
	data, err := g.client.GetDel(ctx, keyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidToken
	} else if err != nil {
		return nil, fmt.Errorf("csrf: consume token: %w", err)
	}
	var req ConsentRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("csrf: decode request: %w", err)
	}
	return &req, nil
}
