package oserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"
)

var _ Server = &MongoServer{}

// MongoServer implements Server backed by MongoDB. Every single-use
// transition (code consumption, refresh rotation) is a FindOneAndUpdate
// with the pre-transition state in the filter, so two concurrent
// requests can never both observe it as valid.
type MongoServer struct {
	cfg           Config
	signer        AccessTokenSigner
	clientsColl   *mongo.Collection
	codesColl     *mongo.Collection
	refreshColl   *mongo.Collection
	refreshTokLen int
}

// NewMongoServer creates a MongoServer. Expects a connected mongo.Database
// and a signer for access tokens (normally *keys.Manager).
func NewMongoServer(db *mongo.Database, signer AccessTokenSigner, cfg Config) *MongoServer {
	return &MongoServer{
		cfg:           cfg.withDefaults(),
		signer:        signer,
		clientsColl:   db.Collection("oauth_clients"),
		codesColl:     db.Collection("oauth_codes"),
		refreshColl:   db.Collection("oauth_refresh_tokens"),
		refreshTokLen: 48,
	}
}

// newOpaqueToken returns n random bytes base64url-encoded.
func newOpaqueToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// tokenTail returns the last few characters of a token for logging.
// Full token values never reach the logs.
func tokenTail(tok string) string {
	if len(tok) <= 6 {
		return "***"
	}
	return "..." + tok[len(tok)-6:]
}

// --- client provisioning ---

// RegisterClient provisions a new client (RFC 7591 semantics). The
// plaintext secret is returned exactly once; only its bcrypt hash is
// stored.
func (s *MongoServer) RegisterClient(ctx context.Context, reg *ClientRegistration) (*RegisteredClient, error) {
	if reg.Name == "" || len(reg.RedirectURIs) == 0 {
		return nil, NewError(ErrorCodeInvalidRequest, "client_name and redirect_uris are required")
	}
	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{string(GrantTypeAuthorizationCode), string(GrantTypeRefreshToken)}
	}
	for _, gt := range grantTypes {
		if gt != string(GrantTypeAuthorizationCode) && gt != string(GrantTypeRefreshToken) {
			return nil, NewError(ErrorCodeInvalidRequest, "unsupported grant type %q", gt)
		}
	}
	scopes := strings.Fields(reg.Scope)
	if len(scopes) == 0 {
		scopes = s.cfg.SupportedScopes
	}
	supported := make(map[string]bool, len(s.cfg.SupportedScopes))
	for _, sc := range s.cfg.SupportedScopes {
		supported[sc] = true
	}
	for _, sc := range scopes {
		if !supported[sc] {
			return nil, NewError(ErrorCodeInvalidScope, "unsupported scope %q", sc)
		}
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("generate client id: %w", err)
	}
	clientID := hex.EncodeToString(idBytes)

	var secret string
	var secretHash []byte
	if reg.Confidential {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, fmt.Errorf("generate client secret: %w", err)
		}
		secret = hex.EncodeToString(secretBytes)
		var err error
		secretHash, err = bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash client secret: %w", err)
		}
	}

	client := Client{
		ClientID:     clientID,
		SecretHash:   secretHash,
		Name:         reg.Name,
		RedirectURIs: reg.RedirectURIs,
		Scopes:       scopes,
		GrantTypes:   grantTypes,
		Confidential: reg.Confidential,
		LogoURI:      reg.LogoURI,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := s.clientsColl.InsertOne(ctx, client); err != nil {
		return nil, fmt.Errorf("insert client: %w", err)
	}
	slog.Info("registered oauth client", "client_id", clientID, "confidential", reg.Confidential)
	return &RegisteredClient{
		Client:           client,
		ClientSecret:     secret,
		ClientIDIssuedAt: client.CreatedAt.Unix(),
	}, nil
}

// GetClient retrieves a client by ID. Returns nil, nil when absent.
func (s *MongoServer) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	err := s.clientsColl.FindOne(ctx, bson.M{"client_id": clientID}).Decode(&client)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("find client: %w", err)
	}
	return &client, nil
}

// ListClients returns all registered clients.
func (s *MongoServer) ListClients(ctx context.Context) ([]*Client, error) {
	cur, err := s.clientsColl.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var list []*Client
	for cur.Next(ctx) {
		var c Client
		if err := cur.Decode(&c); err != nil {
			return nil, fmt.Errorf("decode client: %w", err)
		}
		list = append(list, &c)
	}
	return list, nil
}

// DeleteClient removes a client by ID.
func (s *MongoServer) DeleteClient(ctx context.Context, clientID string) error {
	res, err := s.clientsColl.DeleteOne(ctx, bson.M{"client_id": clientID})
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if res.DeletedCount == 0 {
		return errors.New("client not found")
	}
	return nil
}

// RotateRedirectURIs replaces the registered redirect URI set, the only
// client field mutable at runtime.
func (s *MongoServer) RotateRedirectURIs(ctx context.Context, clientID string, uris []string) error {
	if len(uris) == 0 {
		return NewError(ErrorCodeInvalidRequest, "redirect_uris must not be empty")
	}
	now := time.Now().UTC()
	res, err := s.clientsColl.UpdateOne(ctx,
		bson.M{"client_id": clientID},
		bson.M{"$set": bson.M{"redirect_uris": uris, "updated_at": now}},
	)
	if err != nil {
		return fmt.Errorf("rotate redirect uris: %w", err)
	}
	if res.MatchedCount == 0 {
		return errors.New("client not found")
	}
	return nil
}

// --- authorization endpoint ---

// ValidateAuthorization checks the request against the registered
// client before any consent UI is shown. Redirect URI matching is
// exact; S256 is the only accepted challenge method.
func (s *MongoServer) ValidateAuthorization(ctx context.Context, req AuthorizeRequest) (*Client, error) {
	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, invalidClient()
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, NewError(ErrorCodeInvalidRequest, "redirect_uri is not registered for this client")
	}
	if req.ResponseType != ResponseTypeCode {
		return nil, NewError(ErrorCodeUnsupportedResponseType, "only response_type=code is supported")
	}
	if req.CodeChallenge == "" || req.CodeChallengeMethod != CodeChallengeMethodS256 {
		return nil, NewError(ErrorCodeInvalidRequest, "PKCE with code_challenge_method=S256 is required")
	}
	if !client.AllowsScope(strings.Fields(req.Scope)) {
		return nil, NewError(ErrorCodeInvalidScope, "one or more requested scopes are not allowed for this client")
	}
	return client, nil
}

// Authorize creates the PendingAuthorization after consent and returns
// the code. The request is re-validated here: consent forms are
// user-controlled input and the GET-time check must not be trusted.
func (s *MongoServer) Authorize(ctx context.Context, req AuthorizeRequest, userID string) (*AuthorizeResponse, error) {
	if userID == "" {
		return nil, NewError(ErrorCodeAccessDenied, "no authenticated user")
	}
	if _, err := s.ValidateAuthorization(ctx, req); err != nil {
		return nil, err
	}
	code, err := newOpaqueToken(32)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	pending := PendingAuthorization{
		Code:                code,
		ClientID:            req.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scope:               strings.Fields(req.Scope),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           now.Add(s.cfg.CodeTTL),
		Consumed:            false,
		CreatedAt:           now,
	}
	if _, err := s.codesColl.InsertOne(ctx, pending); err != nil {
		return nil, fmt.Errorf("insert authorization code: %w", err)
	}
	slog.Info("issued authorization code",
		"client_id", req.ClientID, "user_id", userID, "code", tokenTail(code))
	return &AuthorizeResponse{Code: code, State: req.State}, nil
}

// --- token endpoint ---

// Exchange dispatches on the closed grant set.
func (s *MongoServer) Exchange(ctx context.Context, grant Grant) (*TokenResponse, error) {
	switch g := grant.(type) {
	case AuthorizationCodeGrant:
		return s.exchangeCode(ctx, g)
	case RefreshTokenGrant:
		return s.exchangeRefreshToken(ctx, g)
	default:
		return nil, NewError(ErrorCodeUnsupportedGrantType, "unsupported grant type")
	}
}

// authenticateClient verifies client credentials for the token endpoint.
// Confidential clients must present their secret (bcrypt compare);
// public clients rely on PKCE and present no secret.
func (s *MongoServer) authenticateClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, invalidClient()
	}
	if client.Confidential {
		if err := bcrypt.CompareHashAndPassword(client.SecretHash, []byte(clientSecret)); err != nil {
			return nil, invalidClient()
		}
	} else if clientSecret != "" {
		// A public client has no secret; presenting one is a protocol error.
		return nil, invalidClient()
	}
	return client, nil
}

func (s *MongoServer) exchangeCode(ctx context.Context, g AuthorizationCodeGrant) (*TokenResponse, error) {
	if g.Code == "" || g.CodeVerifier == "" || g.RedirectURI == "" || g.ClientID == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "code, code_verifier, redirect_uri and client_id are required")
	}
	if _, err := s.authenticateClient(ctx, g.ClientID, g.ClientSecret); err != nil {
		return nil, err
	}

	// Lookup, validity check and mark-consumed in one atomic update:
	// of two concurrent exchanges only one can flip consumed to true.
	now := time.Now().UTC()
	var pending PendingAuthorization
	err := s.codesColl.FindOneAndUpdate(ctx,
		bson.M{
			"code":       g.Code,
			"consumed":   false,
			"expires_at": bson.M{"$gt": now},
		},
		bson.M{"$set": bson.M{"consumed": true, "consumed_at": now}},
	).Decode(&pending)
	if errors.Is(err, mongo.ErrNoDocuments) {
		slog.Warn("authorization code rejected", "client_id", g.ClientID, "code", tokenTail(g.Code))
		return nil, invalidGrant()
	} else if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}

	// The code is burned either way from here on; a mismatched binding
	// or verifier cannot be retried.
	clientMatch := subtle.ConstantTimeCompare([]byte(pending.ClientID), []byte(g.ClientID)) == 1
	if !clientMatch || pending.RedirectURI != g.RedirectURI {
		slog.Warn("authorization code binding mismatch", "client_id", g.ClientID, "code", tokenTail(g.Code))
		return nil, invalidGrant()
	}
	if !VerifyCodeChallenge(g.CodeVerifier, pending.CodeChallenge, pending.CodeChallengeMethod) {
		slog.Warn("PKCE verification failed", "client_id", g.ClientID, "code", tokenTail(g.Code))
		return nil, invalidGrant()
	}

	// Root of a new refresh token family.
	record, refreshToken, err := s.insertRefreshToken(ctx, pending.UserID, pending.ClientID, pending.Scope, uuid.NewString(), "")
	if err != nil {
		return nil, err
	}
	return s.mintPair(record, refreshToken)
}

func (s *MongoServer) exchangeRefreshToken(ctx context.Context, g RefreshTokenGrant) (*TokenResponse, error) {
	if g.RefreshToken == "" || g.ClientID == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "refresh_token and client_id are required")
	}
	client, err := s.authenticateClient(ctx, g.ClientID, g.ClientSecret)
	if err != nil {
		return nil, err
	}

	// First-use path: compare-and-swap ACTIVE -> ROTATED. If the swap
	// succeeds this request owns the rotation; a concurrent duplicate
	// falls through to the replay path below.
	now := time.Now().UTC()
	var old RefreshTokenRecord
	err = s.refreshColl.FindOneAndUpdate(ctx,
		bson.M{
			"token_id":   g.RefreshToken,
			"client_id":  client.ClientID,
			"status":     TokenStatusActive,
			"expires_at": bson.M{"$gt": now},
		},
		bson.M{"$set": bson.M{"status": TokenStatusRotated, "rotated_at": now}},
	).Decode(&old)
	if err == nil {
		record, refreshToken, err := s.insertRefreshToken(ctx, old.UserID, old.ClientID, old.Scope, old.FamilyID, old.TokenID)
		if err != nil {
			return nil, err
		}
		return s.mintPair(record, refreshToken)
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	// The CAS missed. Distinguish "never existed / expired" from a
	// replay of a superseded or revoked token; only the latter locks
	// the family. The caller sees the same invalid_grant either way.
	var seen RefreshTokenRecord
	err = s.refreshColl.FindOne(ctx, bson.M{"token_id": g.RefreshToken, "client_id": client.ClientID}).Decode(&seen)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, invalidGrant()
	} else if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	if seen.Status != TokenStatusActive {
		if err := s.revokeFamily(ctx, seen.FamilyID); err != nil {
			return nil, err
		}
		slog.Warn("refresh token replay detected; family revoked",
			"client_id", client.ClientID, "family_id", seen.FamilyID, "token", tokenTail(g.RefreshToken))
	}
	return nil, invalidGrant()
}

// insertRefreshToken mints a new opaque refresh token and records it as
// the family's sole ACTIVE member.
func (s *MongoServer) insertRefreshToken(ctx context.Context, userID, clientID string, scope []string, familyID, parentID string) (*RefreshTokenRecord, string, error) {
	token, err := newOpaqueToken(s.refreshTokLen)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	record := RefreshTokenRecord{
		TokenID:       token,
		FamilyID:      familyID,
		ParentTokenID: parentID,
		UserID:        userID,
		ClientID:      clientID,
		Scope:         scope,
		Status:        TokenStatusActive,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.cfg.RefreshTokenTTL),
	}
	if _, err := s.refreshColl.InsertOne(ctx, record); err != nil {
		return nil, "", fmt.Errorf("insert refresh token: %w", err)
	}
	return &record, token, nil
}

// mintPair signs the access token for a freshly issued refresh record.
func (s *MongoServer) mintPair(record *RefreshTokenRecord, refreshToken string) (*TokenResponse, error) {
	scope := strings.Join(record.Scope, " ")
	accessToken, expiresIn, err := s.signer.MintAccessToken(record.UserID, record.ClientID, scope)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

func (s *MongoServer) revokeFamily(ctx context.Context, familyID string) error {
	now := time.Now().UTC()
	_, err := s.refreshColl.UpdateMany(ctx,
		bson.M{"family_id": familyID, "status": bson.M{"$ne": TokenStatusRevoked}},
		bson.M{"$set": bson.M{"status": TokenStatusRevoked, "revoked_at": now}},
	)
	if err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}
	return nil
}

// Revoke invalidates the presented refresh token's entire family.
// Unknown tokens are not an error (RFC 7009 §2.2).
func (s *MongoServer) Revoke(ctx context.Context, req RevocationRequest) error {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return err
	}
	var record RefreshTokenRecord
	err = s.refreshColl.FindOne(ctx, bson.M{"token_id": req.Token, "client_id": client.ClientID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	} else if err != nil {
		return fmt.Errorf("find refresh token: %w", err)
	}
	if err := s.revokeFamily(ctx, record.FamilyID); err != nil {
		return err
	}
	slog.Info("revoked refresh token family", "client_id", client.ClientID, "family_id", record.FamilyID)
	return nil
}

// --- maintenance ---

// PurgeExpired removes codes and refresh tokens whose expiry is more
// than retention in the past. Intended for a periodic background sweep;
// lookups already reject expired rows lazily.
func (s *MongoServer) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	codes, err := s.codesColl.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("purge authorization codes: %w", err)
	}
	tokens, err := s.refreshColl.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return codes.DeletedCount, fmt.Errorf("purge refresh tokens: %w", err)
	}
	total := codes.DeletedCount + tokens.DeletedCount
	if total > 0 {
		slog.Info("purged expired grants", "codes", codes.DeletedCount, "refresh_tokens", tokens.DeletedCount)
	}
	return total, nil
}

// EnsureIndexes creates the unique and lookup indexes the server
// depends on. Call once at startup.
func (s *MongoServer) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	if _, err := s.clientsColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "client_id", Value: 1}}, Options: unique,
	}); err != nil {
		return fmt.Errorf("client index: %w", err)
	}
	if _, err := s.codesColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "code", Value: 1}}, Options: unique,
	}); err != nil {
		return fmt.Errorf("code index: %w", err)
	}
	if _, err := s.refreshColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "token_id", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "family_id", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("refresh token indexes: %w", err)
	}
	return nil
}
