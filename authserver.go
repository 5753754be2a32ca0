// Package authserver wires the OAuth authorization server: token and
// key management, consent CSRF protection, session handling, and the
// HTTP surface, backed by MongoDB and Redis.
package authserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mindflow-labs/authserver/oauth/csrf"
	"github.com/mindflow-labs/authserver/oauth/keys"
	"github.com/mindflow-labs/authserver/oauth/oserver"
	"github.com/mindflow-labs/authserver/session"
)

// Config carries everything needed to stand up the server.
type Config struct {
	Issuer   string
	Audience string
	// LoginURL is where unauthenticated users are redirected before
	// consent. Empty means the authorize endpoint answers 401.
	LoginURL string

	SessionSecret []byte
	SessionTTL    time.Duration

	SupportedScopes []string
	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Expired grants are kept PurgeRetention past expiry for audit,
	// then swept every PurgeInterval.
	PurgeInterval  time.Duration
	PurgeRetention time.Duration
}

const (
	DefaultPurgeInterval  = time.Hour
	DefaultPurgeRetention = 48 * time.Hour
	DefaultSessionTTL     = 24 * time.Hour
)

// AuthServer bundles the wired components. Fields are exported so
// callers can reach the underlying pieces directly.
type AuthServer struct {
	Server   oserver.Server
	Keys     *keys.Manager
	Guard    csrf.Guard
	Sessions *session.Client

	handler        *oserver.Handler
	purgeInterval  time.Duration
	purgeRetention time.Duration
}

// New builds a production server on MongoDB and Redis.
func New(db *mongo.Database, redisClient redis.Cmdable, cfg Config) (*AuthServer, error) {
	km, err := keys.NewManager(keys.Config{
		Issuer:         cfg.Issuer,
		Audience:       cfg.Audience,
		AccessTokenTTL: cfg.AccessTokenTTL,
	})
	if err != nil {
		return nil, err
	}
	server := oserver.NewMongoServer(db, km, oserver.Config{
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		SupportedScopes: cfg.SupportedScopes,
		CodeTTL:         cfg.CodeTTL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	})
	guard := csrf.NewRedisGuard(redisClient, csrf.DefaultTTL)
	return assemble(server, km, guard, cfg), nil
}

// NewInMemory builds a server on in-process stores. Development and
// tests only.
func NewInMemory(cfg Config) (*AuthServer, error) {
	km, err := keys.NewManager(keys.Config{
		Issuer:         cfg.Issuer,
		Audience:       cfg.Audience,
		AccessTokenTTL: cfg.AccessTokenTTL,
	})
	if err != nil {
		return nil, err
	}
	server := oserver.NewMemoryServer(km, oserver.Config{
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		SupportedScopes: cfg.SupportedScopes,
		CodeTTL:         cfg.CodeTTL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	})
	guard := csrf.NewMemoryGuard(csrf.DefaultTTL)
	return assemble(server, km, guard, cfg), nil
}

func assemble(server oserver.Server, km *keys.Manager, guard csrf.Guard, cfg Config) *AuthServer {
	sessionTTL := cfg.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = DefaultSessionTTL
	}
	purgeInterval := cfg.PurgeInterval
	if purgeInterval == 0 {
		purgeInterval = DefaultPurgeInterval
	}
	purgeRetention := cfg.PurgeRetention
	if purgeRetention == 0 {
		purgeRetention = DefaultPurgeRetention
	}
	sessions := session.NewClient(km, cfg.SessionSecret, sessionTTL)
	handler := oserver.NewHandler(server, guard, km, sessions, oserver.HandlerConfig{
		Issuer:   cfg.Issuer,
		LoginURL: cfg.LoginURL,
	})
	return &AuthServer{
		Server:         server,
		Keys:           km,
		Guard:          guard,
		Sessions:       sessions,
		handler:        handler,
		purgeInterval:  purgeInterval,
		purgeRetention: purgeRetention,
	}
}

// Routes mounts all OAuth and well-known endpoints on mux.
func (a *AuthServer) Routes(mux *http.ServeMux) {
	a.handler.Routes(mux)
}

// EnsureIndexes creates storage indexes when the backing store needs
// them. Call once at startup.
func (a *AuthServer) EnsureIndexes(ctx context.Context) error {
	if ms, ok := a.Server.(*oserver.MongoServer); ok {
		return ms.EnsureIndexes(ctx)
	}
	return nil
}

// StartPurgeLoop sweeps expired codes and refresh tokens until ctx is
// done. Run it in its own goroutine.
func (a *AuthServer) StartPurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Server.PurgeExpired(ctx, a.purgeRetention)
			if err != nil {
				slog.Error("purge sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("purge sweep complete", "removed", n)
			}
		}
	}
}

// RequireScope guards an API handler with a bearer access token that
// must carry the given scope.
func (a *AuthServer) RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			w.Header().Set("WWW-Authenticate", `Bearer realm="oauth"`)
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := a.Keys.VerifyAccessToken(strings.TrimSpace(authHeader[7:]))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if !claims.HasScope(scope) {
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			http.Error(w, "insufficient scope", http.StatusForbidden)
			return
		}
		u := &session.UserSessionData{
			UserID:    claims.Subject,
			SignedIn:  true,
			ExpiresAt: claims.ExpiresAt.Unix(),
		}
		next.ServeHTTP(w, r.WithContext(u.WithContext(r.Context())))
	})
}
