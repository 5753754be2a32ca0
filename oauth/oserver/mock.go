package oserver

import (
	"context"
	"time"
)

// MockServer provides customizable hooks for testing Server behavior.
type MockServer struct {
	ValidateAuthorizationFunc func(ctx context.Context, req AuthorizeRequest) (*Client, error)
	AuthorizeFunc             func(ctx context.Context, req AuthorizeRequest, userID string) (*AuthorizeResponse, error)
	ExchangeFunc              func(ctx context.Context, grant Grant) (*TokenResponse, error)
	RevokeFunc                func(ctx context.Context, req RevocationRequest) error
	RegisterClientFunc        func(ctx context.Context, reg *ClientRegistration) (*RegisteredClient, error)
	GetClientFunc             func(ctx context.Context, clientID string) (*Client, error)
	ListClientsFunc           func(ctx context.Context) ([]*Client, error)
	DeleteClientFunc          func(ctx context.Context, clientID string) error
	RotateRedirectURIsFunc    func(ctx context.Context, clientID string, uris []string) error
	PurgeExpiredFunc          func(ctx context.Context, retention time.Duration) (int64, error)
}

// Ensure MockServer implements Server
var _ Server = (*MockServer)(nil)

// ValidateAuthorization calls ValidateAuthorizationFunc if set, otherwise returns nil, nil
func (m *MockServer) ValidateAuthorization(ctx context.Context, req AuthorizeRequest) (*Client, error) {
	if m.ValidateAuthorizationFunc != nil {
		return m.ValidateAuthorizationFunc(ctx, req)
	}
	return nil, nil
}

// Authorize calls AuthorizeFunc if set, otherwise returns nil, nil
func (m *MockServer) Authorize(ctx context.Context, req AuthorizeRequest, userID string) (*AuthorizeResponse, error) {
	if m.AuthorizeFunc != nil {
		return m.AuthorizeFunc(ctx, req, userID)
	}
	return nil, nil
}

// Exchange calls ExchangeFunc if set, otherwise returns nil, nil
func (m *MockServer) Exchange(ctx context.Context, grant Grant) (*TokenResponse, error) {
	if m.ExchangeFunc != nil {
		return m.ExchangeFunc(ctx, grant)
	}
	return nil, nil
}

// Revoke calls RevokeFunc if set, otherwise returns nil
func (m *MockServer) Revoke(ctx context.Context, req RevocationRequest) error {
	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, req)
	}
	return nil
}

// RegisterClient calls RegisterClientFunc if set, otherwise returns nil, nil
func (m *MockServer) RegisterClient(ctx context.Context, reg *ClientRegistration) (*RegisteredClient, error) {
	if m.RegisterClientFunc != nil {
		return m.RegisterClientFunc(ctx, reg)
	}
	return nil, nil
}

// GetClient calls GetClientFunc if set, otherwise returns nil, nil
func (m *MockServer) GetClient(ctx context.Context, clientID string) (*Client, error) {
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return nil, nil
}

// ListClients calls ListClientsFunc if set, otherwise returns nil, nil
func (m *MockServer) ListClients(ctx context.Context) ([]*Client, error) {
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return nil, nil
}

// DeleteClient calls DeleteClientFunc if set, otherwise returns nil
func (m *MockServer) DeleteClient(ctx context.Context, clientID string) error {
	if m.DeleteClientFunc != nil {
		return m.DeleteClientFunc(ctx, clientID)
	}
	return nil
}

// RotateRedirectURIs calls RotateRedirectURIsFunc if set, otherwise returns nil
func (m *MockServer) RotateRedirectURIs(ctx context.Context, clientID string, uris []string) error {
	if m.RotateRedirectURIsFunc != nil {
		return m.RotateRedirectURIsFunc(ctx, clientID, uris)
	}
	return nil
}

// PurgeExpired calls PurgeExpiredFunc if set, otherwise returns 0, nil
func (m *MockServer) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if m.PurgeExpiredFunc != nil {
		return m.PurgeExpiredFunc(ctx, retention)
	}
	return 0, nil
}
