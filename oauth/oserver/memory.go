package oserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var _ Server = &MemoryServer{}

// MemoryServer implements Server with in-process maps guarded by a
// mutex. Suitable for development and tests only: the shared-store
// guarantees the production deployment needs (multiple workers, multiple
// instances) require the Mongo implementation.
type MemoryServer struct {
	cfg    Config
	signer AccessTokenSigner

	mu      sync.Mutex
	clients map[string]*Client
	codes   map[string]*PendingAuthorization
	tokens  map[string]*RefreshTokenRecord
}

// NewMemoryServer creates an empty in-memory server.
func NewMemoryServer(signer AccessTokenSigner, cfg Config) *MemoryServer {
	return &MemoryServer{
		cfg:     cfg.withDefaults(),
		signer:  signer,
		clients: make(map[string]*Client),
		codes:   make(map[string]*PendingAuthorization),
		tokens:  make(map[string]*RefreshTokenRecord),
	}
}

func (s *MemoryServer) RegisterClient(_ context.Context, reg *ClientRegistration) (*RegisteredClient, error) {
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
		return nil, err
	}
	clientID := hex.EncodeToString(idBytes)

	var secret string
	var secretHash []byte
	if reg.Confidential {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, err
		}
		secret = hex.EncodeToString(secretBytes)
		var err error
		secretHash, err = bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
		if err != nil {
			return nil, err
		}
	}

	client := &Client{
		ClientID:     clientID,
		SecretHash:   secretHash,
		Name:         reg.Name,
		RedirectURIs: append([]string(nil), reg.RedirectURIs...),
		Scopes:       scopes,
		GrantTypes:   grantTypes,
		Confidential: reg.Confidential,
		LogoURI:      reg.LogoURI,
		CreatedAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	return &RegisteredClient{
		Client:           *client,
		ClientSecret:     secret,
		ClientIDIssuedAt: client.CreatedAt.Unix(),
	}, nil
}

func (s *MemoryServer) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryServer) ListClients(_ context.Context) ([]*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		list = append(list, &cp)
	}
	return list, nil
}

func (s *MemoryServer) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return errors.New("client not found")
	}
	delete(s.clients, clientID)
	return nil
}

func (s *MemoryServer) RotateRedirectURIs(_ context.Context, clientID string, uris []string) error {
	if len(uris) == 0 {
		return NewError(ErrorCodeInvalidRequest, "redirect_uris must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return errors.New("client not found")
	}
	now := time.Now().UTC()
	c.RedirectURIs = append([]string(nil), uris...)
	c.UpdatedAt = &now
	return nil
}

func (s *MemoryServer) ValidateAuthorization(ctx context.Context, req AuthorizeRequest) (*Client, error) {
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

func (s *MemoryServer) Authorize(ctx context.Context, req AuthorizeRequest, userID string) (*AuthorizeResponse, error) {
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
	pending := &PendingAuthorization{
		Code:                code,
		ClientID:            req.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scope:               strings.Fields(req.Scope),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           now.Add(s.cfg.CodeTTL),
		CreatedAt:           now,
	}
	s.mu.Lock()
	s.codes[code] = pending
	s.mu.Unlock()
	return &AuthorizeResponse{Code: code, State: req.State}, nil
}

func (s *MemoryServer) Exchange(ctx context.Context, grant Grant) (*TokenResponse, error) {
	switch g := grant.(type) {
	case AuthorizationCodeGrant:
		return s.exchangeCode(ctx, g)
	case RefreshTokenGrant:
		return s.exchangeRefreshToken(ctx, g)
	default:
		return nil, NewError(ErrorCodeUnsupportedGrantType, "unsupported grant type")
	}
}

func (s *MemoryServer) authenticateClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
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
		return nil, invalidClient()
	}
	return client, nil
}

func (s *MemoryServer) exchangeCode(ctx context.Context, g AuthorizationCodeGrant) (*TokenResponse, error) {
	if g.Code == "" || g.CodeVerifier == "" || g.RedirectURI == "" || g.ClientID == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "code, code_verifier, redirect_uri and client_id are required")
	}
	if _, err := s.authenticateClient(ctx, g.ClientID, g.ClientSecret); err != nil {
		return nil, err
	}

	// Consume under the lock: only one of two concurrent exchanges can
	// observe consumed == false.
	now := time.Now().UTC()
	s.mu.Lock()
	pending, ok := s.codes[g.Code]
	if !ok || pending.Consumed || now.After(pending.ExpiresAt) {
		s.mu.Unlock()
		return nil, invalidGrant()
	}
	pending.Consumed = true
	pending.ConsumedAt = &now
	snapshot := *pending
	s.mu.Unlock()

	clientMatch := subtle.ConstantTimeCompare([]byte(snapshot.ClientID), []byte(g.ClientID)) == 1
	if !clientMatch || snapshot.RedirectURI != g.RedirectURI {
		return nil, invalidGrant()
	}
	if !VerifyCodeChallenge(g.CodeVerifier, snapshot.CodeChallenge, snapshot.CodeChallengeMethod) {
		return nil, invalidGrant()
	}

	record, refreshToken, err := s.insertRefreshToken(snapshot.UserID, snapshot.ClientID, snapshot.Scope, uuid.NewString(), "")
	if err != nil {
		return nil, err
	}
	return s.mintPair(record, refreshToken)
}

func (s *MemoryServer) exchangeRefreshToken(ctx context.Context, g RefreshTokenGrant) (*TokenResponse, error) {
	if g.RefreshToken == "" || g.ClientID == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "refresh_token and client_id are required")
	}
	client, err := s.authenticateClient(ctx, g.ClientID, g.ClientSecret)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	old, ok := s.tokens[g.RefreshToken]
	if !ok || old.ClientID != client.ClientID {
		s.mu.Unlock()
		return nil, invalidGrant()
	}
	if old.Status != TokenStatusActive {
		// Replay of a superseded or revoked token: lock out the family.
		s.revokeFamilyLocked(old.FamilyID, now)
		s.mu.Unlock()
		return nil, invalidGrant()
	}
	if now.After(old.ExpiresAt) {
		s.mu.Unlock()
		return nil, invalidGrant()
	}
	old.Status = TokenStatusRotated
	old.RotatedAt = &now
	snapshot := *old
	s.mu.Unlock()

	record, refreshToken, err := s.insertRefreshToken(snapshot.UserID, snapshot.ClientID, snapshot.Scope, snapshot.FamilyID, snapshot.TokenID)
	if err != nil {
		return nil, err
	}
	return s.mintPair(record, refreshToken)
}

func (s *MemoryServer) insertRefreshToken(userID, clientID string, scope []string, familyID, parentID string) (*RefreshTokenRecord, string, error) {
	token, err := newOpaqueToken(48)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	record := &RefreshTokenRecord{
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
	s.mu.Lock()
	s.tokens[token] = record
	s.mu.Unlock()
	return record, token, nil
}

func (s *MemoryServer) mintPair(record *RefreshTokenRecord, refreshToken string) (*TokenResponse, error) {
	scope := strings.Join(record.Scope, " ")
	accessToken, expiresIn, err := s.signer.MintAccessToken(record.UserID, record.ClientID, scope)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

func (s *MemoryServer) revokeFamilyLocked(familyID string, now time.Time) {
	for _, rec := range s.tokens {
		if rec.FamilyID == familyID && rec.Status != TokenStatusRevoked {
			rec.Status = TokenStatusRevoked
			rec.RevokedAt = &now
		}
	}
}

func (s *MemoryServer) Revoke(ctx context.Context, req RevocationRequest) error {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[req.Token]
	if !ok || rec.ClientID != client.ClientID {
		return nil
	}
	s.revokeFamilyLocked(rec.FamilyID, now)
	return nil
}

func (s *MemoryServer) PurgeExpired(_ context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var removed int64
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, pending := range s.codes {
		if pending.ExpiresAt.Before(cutoff) {
			delete(s.codes, code)
			removed++
		}
	}
	for id, rec := range s.tokens {
		if rec.ExpiresAt.Before(cutoff) {
			delete(s.tokens, id)
			removed++
		}
	}
	return removed, nil
}

// tokenStatus reports the current status of a refresh token; test hook.
func (s *MemoryServer) tokenStatus(tokenID string) (TokenStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[tokenID]
	if !ok {
		return "", false
	}
	return rec.Status, true
}
