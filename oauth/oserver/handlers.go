package oserver

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/mindflow-labs/authserver/oauth/csrf"
	"github.com/mindflow-labs/authserver/oauth/keys"
	"github.com/mindflow-labs/authserver/session"
)

//go:embed templates/consent.html
var templateFS embed.FS

var consentTmpl = template.Must(template.ParseFS(templateFS, "templates/consent.html"))

// Handler exposes the authorization server over HTTP.
type Handler struct {
	server   Server
	guard    csrf.Guard
	keys     *keys.Manager
	sessions *session.Client
	issuer   string
	loginURL string
}

// HandlerConfig wires the handler's collaborators. LoginURL, when set,
// is where unauthenticated users are sent before consent; otherwise
// the authorization endpoint answers 401.
type HandlerConfig struct {
	Issuer   string
	LoginURL string
}

func NewHandler(server Server, guard csrf.Guard, km *keys.Manager, sessions *session.Client, cfg HandlerConfig) *Handler {
	return &Handler{
		server:   server,
		guard:    guard,
		keys:     km,
		sessions: sessions,
		issuer:   strings.TrimSuffix(cfg.Issuer, "/"),
		loginURL: cfg.LoginURL,
	}
}

// Routes mounts every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /oauth/authorize", h.Authorize)
	mux.HandleFunc("POST /oauth/authorize", h.Consent)
	mux.HandleFunc("POST /oauth/token", h.Token)
	mux.HandleFunc("POST /oauth/revoke", h.Revoke)
	mux.HandleFunc("POST /oauth/register", h.RegisterClient)
	mux.HandleFunc("GET /oauth/clients", h.ListClients)
	mux.HandleFunc("GET /oauth/clients/{id}", h.GetClient)
	mux.HandleFunc("DELETE /oauth/clients/{id}", h.DeleteClient)
	mux.HandleFunc("PUT /oauth/clients/{id}/redirect-uris", h.RotateRedirectURIs)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.Discovery)
	mux.HandleFunc("GET /.well-known/jwks.json", h.JWKS)
}

type consentPage struct {
	ClientName          string
	LogoURI             string
	UserID              string
	Scopes              []scopeGrant
	CSRFToken           string
	ActionURL           string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

type scopeGrant struct {
	Scope       string
	Description string
}

// Authorize handles GET /oauth/authorize: validate the request, make
// sure a user is signed in, then render the consent form with a fresh
// single-use token.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	// Validation failures never redirect: the redirect URI is not yet
	// trusted at this point.
	client, err := h.server.ValidateAuthorization(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	u, _, err := h.sessions.Authenticate(w, r)
	if err != nil || !u.SignedIn {
		if h.loginURL != "" {
			next := url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, h.loginURL+"?next="+next, http.StatusFound)
			return
		}
		http.Error(w, "sign in required", http.StatusUnauthorized)
		return
	}

	token, err := h.guard.Issue(r.Context(), &csrf.ConsentRequest{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UserID:              u.UserID,
	})
	if err != nil {
		slog.Error("failed to issue consent token", "err", err)
		h.writeError(w, err)
		return
	}

	scopes := strings.Fields(req.Scope)
	descriptions := ScopeDescriptions(scopes)
	grants := make([]scopeGrant, 0, len(scopes))
	for _, s := range scopes {
		grants = append(grants, scopeGrant{Scope: s, Description: descriptions[s]})
	}
	page := consentPage{
		ClientName:          client.Name,
		LogoURI:             client.LogoURI,
		UserID:              u.UserID,
		Scopes:              grants,
		CSRFToken:           token,
		ActionURL:           "/oauth/authorize",
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentTmpl.Execute(w, page); err != nil {
		slog.Error("failed to render consent form", "err", err)
	}
}

// Consent handles POST /oauth/authorize: the submitted decision. The
// consent token must consume successfully, the form fields must match
// what the token was bound to, and the bound user must still be the
// signed-in user. Only then is a code issued.
func (h *Handler) Consent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "malformed form body"))
		return
	}
	u, _, err := h.sessions.Authenticate(w, r)
	if err != nil || !u.SignedIn {
		http.Error(w, "sign in required", http.StatusUnauthorized)
		return
	}

	bound, err := h.guard.Consume(r.Context(), r.PostForm.Get("csrf_token"))
	if err != nil {
		if errors.Is(err, csrf.ErrInvalidToken) {
			http.Error(w, "invalid or expired consent form, start over", http.StatusForbidden)
			return
		}
		slog.Error("consent token consume failed", "err", err)
		h.writeError(w, err)
		return
	}
	submitted := &csrf.ConsentRequest{
		ClientID:            r.PostForm.Get("client_id"),
		RedirectURI:         r.PostForm.Get("redirect_uri"),
		Scope:               r.PostForm.Get("scope"),
		State:               r.PostForm.Get("state"),
		CodeChallenge:       r.PostForm.Get("code_challenge"),
		CodeChallengeMethod: r.PostForm.Get("code_challenge_method"),
	}
	if !bound.Matches(submitted) || bound.UserID != u.UserID {
		http.Error(w, "consent form does not match the pending request", http.StatusForbidden)
		return
	}

	// The redirect URI was validated when the token was issued; from
	// here on, outcomes go back to the client via redirect.
	if r.PostForm.Get("action") != "approve" {
		h.redirectError(w, r, bound.RedirectURI, ErrorCodeAccessDenied, bound.State)
		return
	}

	resp, err := h.server.Authorize(r.Context(), AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            bound.ClientID,
		RedirectURI:         bound.RedirectURI,
		Scope:               bound.Scope,
		State:               bound.State,
		CodeChallenge:       bound.CodeChallenge,
		CodeChallengeMethod: bound.CodeChallengeMethod,
	}, u.UserID)
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			h.redirectError(w, r, bound.RedirectURI, oe.Code, bound.State)
			return
		}
		slog.Error("authorize failed", "client_id", bound.ClientID, "err", err)
		h.redirectError(w, r, bound.RedirectURI, ErrorCodeServerError, bound.State)
		return
	}

	dest, err := url.Parse(bound.RedirectURI)
	if err != nil {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "invalid redirect_uri"))
		return
	}
	dq := dest.Query()
	dq.Set("code", resp.Code)
	if resp.State != "" {
		dq.Set("state", resp.State)
	}
	dest.RawQuery = dq.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// Token handles POST /oauth/token for both grant types.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	grant, err := h.parseGrant(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.server.Exchange(r.Context(), grant)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to write token response", "err", err)
	}
}

// parseGrant builds the grant variant from the form body. Client
// credentials may arrive as HTTP Basic auth or as form fields.
func (h *Handler) parseGrant(r *http.Request) (Grant, error) {
	if err := r.ParseForm(); err != nil {
		return nil, NewError(ErrorCodeInvalidRequest, "malformed form body")
	}
	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	if id, secret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = id, secret
	}
	switch GrantType(r.PostForm.Get("grant_type")) {
	case GrantTypeAuthorizationCode:
		return AuthorizationCodeGrant{
			Code:         r.PostForm.Get("code"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
		}, nil
	case GrantTypeRefreshToken:
		return RefreshTokenGrant{
			RefreshToken: r.PostForm.Get("refresh_token"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
		}, nil
	case "":
		return nil, NewError(ErrorCodeInvalidRequest, "grant_type is required")
	default:
		return nil, NewError(ErrorCodeUnsupportedGrantType, "unsupported grant_type %q", r.PostForm.Get("grant_type"))
	}
}

// Revoke handles POST /oauth/revoke (RFC 7009). Unknown tokens still
// answer 200.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "malformed form body"))
		return
	}
	req := RevocationRequest{
		Token:        r.PostForm.Get("token"),
		TokenType:    r.PostForm.Get("token_type_hint"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = id, secret
	}
	if err := h.server.Revoke(r.Context(), req); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RegisterClient handles POST /oauth/register (RFC 7591).
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var reg ClientRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "invalid JSON"))
		return
	}
	out, err := h.server.RegisterClient(r.Context(), &reg)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Error("failed to write registration response", "err", err)
	}
}

func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.server.GetClient(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if client == nil {
		http.Error(w, "client not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, client)
}

func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.server.ListClients(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, clients)
}

func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := h.server.DeleteClient(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RotateRedirectURIs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "invalid JSON"))
		return
	}
	if err := h.server.RotateRedirectURIs(r.Context(), r.PathValue("id"), body.RedirectURIs); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// discoveryDocument is the RFC 8414 authorization server metadata.
type discoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	RegistrationEndpoint          string   `json:"registration_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported               []string `json:"scopes_supported"`
}

// Discovery handles GET /.well-known/oauth-authorization-server.
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	doc := discoveryDocument{
		Issuer:                        h.issuer,
		AuthorizationEndpoint:         h.issuer + "/oauth/authorize",
		TokenEndpoint:                 h.issuer + "/oauth/token",
		JWKSURI:                       h.issuer + "/.well-known/jwks.json",
		RegistrationEndpoint:          h.issuer + "/oauth/register",
		RevocationEndpoint:            h.issuer + "/oauth/revoke",
		ResponseTypesSupported:        []string{ResponseTypeCode},
		GrantTypesSupported:           []string{string(GrantTypeAuthorizationCode), string(GrantTypeRefreshToken)},
		CodeChallengeMethodsSupported: []string{CodeChallengeMethodS256},
		TokenEndpointAuthMethods:      []string{"client_secret_basic", "client_secret_post", "none"},
		ScopesSupported:               DefaultScopes(),
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, doc)
}

// JWKS handles GET /.well-known/jwks.json.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.JWKS()
	if err != nil {
		slog.Error("failed to build jwks", "err", err)
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	h.writeJSON(w, set)
}

func (h *Handler) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

// writeError maps errors to the OAuth error body. Anything that is not
// already an *Error is logged and collapsed to server_error so internal
// detail never reaches a client.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oe *Error
	if !errors.As(err, &oe) {
		slog.Error("internal error", "err", err)
		oe = &Error{Code: ErrorCodeServerError, Description: "internal error"}
	}
	status := http.StatusBadRequest
	switch oe.Code {
	case ErrorCodeInvalidClient:
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	case ErrorCodeServerError:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(oe); err != nil {
		slog.Error("failed to write error response", "err", err)
	}
}

// redirectError sends a standard error response back to the client's
// redirect URI. Only called after the URI has been validated.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, code, state string) {
	dest, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "invalid redirect_uri"))
		return
	}
	q := dest.Query()
	q.Set("error", code)
	if state != "" {
		q.Set("state", state)
	}
	dest.RawQuery = q.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}
