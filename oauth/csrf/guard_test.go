package csrf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestRedisGuard(t *testing.T, ttl time.Duration) (*RedisGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisGuard(client, ttl), mr
}

func sampleRequest() *ConsentRequest {
	return &ConsentRequest{
		ClientID:            "client-1",
		RedirectURI:         "https://app.example/callback",
		Scope:               "tasks:read tasks:write",
		State:               "xyz",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		UserID:              "user-42",
	}
}

func TestRedisGuard_IssueConsume(t *testing.T) {
	guard, _ := newTestRedisGuard(t, 0)
	ctx := context.Background()

	want := sampleRequest()
	token, err := guard.Issue(ctx, want)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if token == "" {
		t.Fatal("Issue returned empty token")
	}

	got, err := guard.Consume(ctx, token)
	if err != nil {
		t.Fatalf("Consume error: %v", err)
	}
	if got.UserID != want.UserID || !got.Matches(want) {
		t.Errorf("Consume returned %+v, want %+v", got, want)
	}
}

func TestRedisGuard_SingleUse(t *testing.T) {
	guard, _ := newTestRedisGuard(t, 0)
	ctx := context.Background()

	token, err := guard.Issue(ctx, sampleRequest())
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if _, err := guard.Consume(ctx, token); err != nil {
		t.Fatalf("first Consume error: %v", err)
	}
	if _, err := guard.Consume(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second Consume: got %v, want ErrInvalidToken", err)
	}
}

func TestRedisGuard_UnknownToken(t *testing.T) {
	guard, _ := newTestRedisGuard(t, 0)
	if _, err := guard.Consume(context.Background(), "no-such-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestRedisGuard_Expiry(t *testing.T) {
	guard, mr := newTestRedisGuard(t, time.Minute)
	ctx := context.Background()

	token, err := guard.Issue(ctx, sampleRequest())
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := guard.Consume(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token: got %v, want ErrInvalidToken", err)
	}
}

func TestMemoryGuard_SingleUse(t *testing.T) {
	guard := NewMemoryGuard(0)
	ctx := context.Background()

	token, err := guard.Issue(ctx, sampleRequest())
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if _, err := guard.Consume(ctx, token); err != nil {
		t.Fatalf("first Consume error: %v", err)
	}
	if _, err := guard.Consume(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second Consume: got %v, want ErrInvalidToken", err)
	}
}

func TestConsentRequest_Matches(t *testing.T) {
	a := sampleRequest()
	b := *a
	b.UserID = "someone-else" // UserID is not part of the comparison
	if !a.Matches(&b) {
		t.Error("Matches should ignore UserID")
	}
	b.State = "tampered"
	if a.Matches(&b) {
		t.Error("Matches should detect a changed state")
	}
}
