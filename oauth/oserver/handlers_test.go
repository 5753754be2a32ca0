package oserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mindflow-labs/authserver/oauth/csrf"
	"github.com/mindflow-labs/authserver/oauth/keys"
	"github.com/mindflow-labs/authserver/session"
)

const testIssuer = "https://auth.example.com"

type handlerFixture struct {
	mux    *http.ServeMux
	server *MemoryServer
	keys   *keys.Manager
	secret []byte
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	km, err := keys.NewManager(keys.Config{Issuer: testIssuer, Audience: "tasks-api"})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	srv := NewMemoryServer(km, Config{Issuer: testIssuer, Audience: "tasks-api"})
	secret := []byte("handler-test-secret")
	sessions := session.NewClient(km, secret, time.Hour)
	h := NewHandler(srv, csrf.NewMemoryGuard(csrf.DefaultTTL), km, sessions, HandlerConfig{Issuer: testIssuer})
	mux := http.NewServeMux()
	h.Routes(mux)
	return &handlerFixture{mux: mux, server: srv, keys: km, secret: secret}
}

// sessionCookie builds a signed cookie for a logged-in user.
func (f *handlerFixture) sessionCookie(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	rr := httptest.NewRecorder()
	u := &session.UserSessionData{
		UserID:    userID,
		SignedIn:  true,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}
	if err := session.SetSessionCookie(rr, u, f.secret); err != nil {
		t.Fatalf("SetSessionCookie error: %v", err)
	}
	return rr.Result().Cookies()[0]
}

func (f *handlerFixture) registerClient(t *testing.T) *RegisteredClient {
	t.Helper()
	body := `{"client_name":"Chat App","redirect_uris":["https://app.example.com/callback"],"scope":"tasks:read tasks:write"}`
	req := httptest.NewRequest("POST", "/oauth/register", strings.NewReader(body))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rr.Code, rr.Body.String())
	}
	var rc RegisteredClient
	if err := json.NewDecoder(rr.Body).Decode(&rc); err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	return &rc
}

var csrfTokenRe = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

// authorize walks GET consent then POST approval and returns the code.
func (f *handlerFixture) authorize(t *testing.T, clientID, userID, challenge string) string {
	t.Helper()
	cookie := f.sessionCookie(t, userID)

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"scope":                 {"tasks:read tasks:write"},
		"state":                 {"st4te"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest("GET", "/oauth/authorize?"+q.Encode(), nil)
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authorize GET status = %d, body %s", rr.Code, rr.Body.String())
	}
	m := csrfTokenRe.FindStringSubmatch(rr.Body.String())
	if m == nil {
		t.Fatal("consent page has no csrf token")
	}

	form := url.Values{
		"csrf_token":            {m[1]},
		"client_id":             {clientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"scope":                 {"tasks:read tasks:write"},
		"state":                 {"st4te"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"action":                {"approve"},
	}
	req = httptest.NewRequest("POST", "/oauth/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusFound {
		t.Fatalf("consent POST status = %d, body %s", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if got := loc.Query().Get("state"); got != "st4te" {
		t.Fatalf("redirect state = %q, want st4te", got)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect carries no code: %s", loc)
	}
	return code
}

func (f *handlerFixture) token(t *testing.T, form url.Values) (*TokenResponse, *Error, int) {
	t.Helper()
	req := httptest.NewRequest("POST", "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code == http.StatusOK {
		if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
			t.Errorf("token response Cache-Control = %q, want no-store", cc)
		}
		var resp TokenResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode token response: %v", err)
		}
		return &resp, nil, rr.Code
	}
	var oe Error
	if err := json.NewDecoder(rr.Body).Decode(&oe); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return nil, &oe, rr.Code
}

func TestFullAuthorizationFlow(t *testing.T) {
	f := newHandlerFixture(t)
	rc := f.registerClient(t)

	verifier := GenerateCodeVerifier()
	code := f.authorize(t, rc.ClientID, "user-7", GenerateCodeChallenge(verifier))

	resp, oe, status := f.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://app.example.com/callback"},
		"client_id":     {rc.ClientID},
	})
	if oe != nil {
		t.Fatalf("token exchange failed: %d %s", status, oe.Code)
	}
	claims, err := f.keys.VerifyAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("minted access token does not verify: %v", err)
	}
	if claims.Subject != "user-7" || claims.ClientID != rc.ClientID {
		t.Errorf("claims sub=%s client=%s", claims.Subject, claims.ClientID)
	}
	if !claims.HasScope("tasks:write") {
		t.Error("expected tasks:write in access token")
	}

	// The code is burned: replay answers invalid_grant.
	_, oe, status = f.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://app.example.com/callback"},
		"client_id":     {rc.ClientID},
	})
	if status != http.StatusBadRequest || oe.Code != ErrorCodeInvalidGrant {
		t.Fatalf("replayed code: status=%d code=%v", status, oe)
	}

	// Rotate the refresh token, then replay the old one: family revoked.
	second, oe, status := f.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {resp.RefreshToken},
		"client_id":     {rc.ClientID},
	})
	if oe != nil {
		t.Fatalf("refresh failed: %d %s", status, oe.Code)
	}
	_, oe, _ = f.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {resp.RefreshToken},
		"client_id":     {rc.ClientID},
	})
	if oe == nil || oe.Code != ErrorCodeInvalidGrant {
		t.Fatalf("refresh replay: %v", oe)
	}
	_, oe, _ = f.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {second.RefreshToken},
		"client_id":     {rc.ClientID},
	})
	if oe == nil || oe.Code != ErrorCodeInvalidGrant {
		t.Fatalf("descendant of revoked family still usable: %v", oe)
	}
}

func TestAuthorizeRequiresSession(t *testing.T) {
	f := newHandlerFixture(t)
	rc := f.registerClient(t)
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {rc.ClientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"scope":                 {"tasks:read"},
		"code_challenge":        {GenerateCodeChallenge(GenerateCodeVerifier())},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest("GET", "/oauth/authorize?"+q.Encode(), nil)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestAuthorizeRejectsBadRequestWithoutRedirect(t *testing.T) {
	f := newHandlerFixture(t)
	rc := f.registerClient(t)
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {rc.ClientID},
		"redirect_uri":          {"https://evil.example.com/cb"},
		"scope":                 {"tasks:read"},
		"code_challenge":        {GenerateCodeChallenge(GenerateCodeVerifier())},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest("GET", "/oauth/authorize?"+q.Encode(), nil)
	req.AddCookie(f.sessionCookie(t, "user-7"))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	// Never redirect to an unregistered URI, not even with an error.
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var oe Error
	if err := json.NewDecoder(rr.Body).Decode(&oe); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if oe.Code != ErrorCodeInvalidRequest {
		t.Fatalf("error = %s, want invalid_request", oe.Code)
	}
}

func TestConsentDenyRedirectsAccessDenied(t *testing.T) {
	f := newHandlerFixture(t)
	rc := f.registerClient(t)
	cookie := f.sessionCookie(t, "user-7")
	challenge := GenerateCodeChallenge(GenerateCodeVerifier())

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {rc.ClientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"scope":                 {"tasks:read"},
		"state":                 {"s1"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest("GET", "/oauth/authorize?"+q.Encode(), nil)
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	m := csrfTokenRe.FindStringSubmatch(rr.Body.String())
	if m == nil {
		t.Fatal("consent page has no csrf token")
	}

	form := url.Values{
		"csrf_token":            {m[1]},
		"client_id":             {rc.ClientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"scope":                 {"tasks:read"},
		"state":                 {"s1"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"action":                {"deny"},
	}
	req = httptest.NewRequest("POST", "/oauth/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc, _ := url.Parse(rr.Header().Get("Location"))
	if loc.Query().Get("error") != ErrorCodeAccessDenied {
		t.Fatalf("redirect error = %q, want access_denied", loc.Query().Get("error"))
	}
	if loc.Query().Get("state") != "s1" {
		t.Fatalf("redirect state = %q, want s1", loc.Query().Get("state"))
	}
	if loc.Query().Get("code") != "" {
		t.Fatal("deny must not issue a code")
	}
}

func TestConsentCSRFProtection(t *testing.T) {
	f := newHandlerFixture(t)
	rc := f.registerClient(t)
	cookie := f.sessionCookie(t, "user-7")
	challenge := GenerateCodeChallenge(GenerateCodeVerifier())

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {rc.ClientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"scope":                 {"tasks:read"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest("GET", "/oauth/authorize?"+q.Encode(), nil)
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	m := csrfTokenRe.FindStringSubmatch(rr.Body.String())
	if m == nil {
		t.Fatal("consent page has no csrf token")
	}

	post := func(form url.Values) int {
		req := httptest.NewRequest("POST", "/oauth/authorize", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.AddCookie(cookie)
		rr := httptest.NewRecorder()
		f.mux.ServeHTTP(rr, req)
		return rr.Code
	}
	base := url.Values{
		"csrf_token":            {m[1]},
		"client_id":             {rc.ClientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"scope":                 {"tasks:read"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"action":                {"approve"},
	}

	// Forged token.
	forged := url.Values{}
	for k, v := range base {
		forged[k] = v
	}
	forged.Set("csrf_token", "forged")
	if code := post(forged); code != http.StatusForbidden {
		t.Fatalf("forged token status = %d, want 403", code)
	}

	// Tampered scope under a valid token.
	tampered := url.Values{}
	for k, v := range base {
		tampered[k] = v
	}
	tampered.Set("scope", "tasks:read tasks:write")
	if code := post(tampered); code != http.StatusForbidden {
		t.Fatalf("tampered form status = %d, want 403", code)
	}

	// The tampered attempt consumed the token: even the honest replay
	// is dead now.
	if code := post(base); code != http.StatusForbidden {
		t.Fatalf("reused token status = %d, want 403", code)
	}
}

func TestDiscoveryDocument(t *testing.T) {
	f := newHandlerFixture(t)
	req := httptest.NewRequest("GET", "/.well-known/oauth-authorization-server", nil)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var doc discoveryDocument
	if err := json.NewDecoder(rr.Body).Decode(&doc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if doc.Issuer != testIssuer {
		t.Errorf("issuer = %q", doc.Issuer)
	}
	if doc.AuthorizationEndpoint != testIssuer+"/oauth/authorize" {
		t.Errorf("authorization_endpoint = %q", doc.AuthorizationEndpoint)
	}
	if len(doc.CodeChallengeMethodsSupported) != 1 || doc.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v", doc.CodeChallengeMethodsSupported)
	}
	if len(doc.ResponseTypesSupported) != 1 || doc.ResponseTypesSupported[0] != "code" {
		t.Errorf("response_types_supported = %v", doc.ResponseTypesSupported)
	}
}

func TestJWKSEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	req := httptest.NewRequest("GET", "/.well-known/jwks.json", nil)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&doc); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(doc.Keys) != 1 {
		t.Fatalf("jwks has %d keys, want 1", len(doc.Keys))
	}
	if doc.Keys[0]["alg"] != "RS256" {
		t.Errorf("alg = %v", doc.Keys[0]["alg"])
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	f := newHandlerFixture(t)
	rc := f.registerClient(t)

	_, oe, status := f.token(t, url.Values{"grant_type": {"password"}})
	if status != http.StatusBadRequest || oe.Code != ErrorCodeUnsupportedGrantType {
		t.Fatalf("password grant: status=%d err=%v", status, oe)
	}

	_, oe, status = f.token(t, url.Values{})
	if status != http.StatusBadRequest || oe.Code != ErrorCodeInvalidRequest {
		t.Fatalf("missing grant_type: status=%d err=%v", status, oe)
	}

	_, oe, status = f.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"nonsense"},
		"client_id":     {rc.ClientID},
	})
	if status != http.StatusBadRequest || oe.Code != ErrorCodeInvalidGrant {
		t.Fatalf("bogus refresh token: status=%d err=%v", status, oe)
	}

	_, oe, status = f.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"nonsense"},
		"client_id":     {"unknown-client"},
	})
	if status != http.StatusUnauthorized || oe.Code != ErrorCodeInvalidClient {
		t.Fatalf("unknown client: status=%d err=%v", status, oe)
	}
}

func TestRevokeEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	rc := f.registerClient(t)
	verifier := GenerateCodeVerifier()
	code := f.authorize(t, rc.ClientID, "user-7", GenerateCodeChallenge(verifier))
	resp, oe, _ := f.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://app.example.com/callback"},
		"client_id":     {rc.ClientID},
	})
	if oe != nil {
		t.Fatalf("exchange failed: %s", oe.Code)
	}

	form := url.Values{
		"token":     {resp.RefreshToken},
		"client_id": {rc.ClientID},
	}
	req := httptest.NewRequest("POST", "/oauth/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rr.Code)
	}

	_, oe, _ = f.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {resp.RefreshToken},
		"client_id":     {rc.ClientID},
	})
	if oe == nil || oe.Code != ErrorCodeInvalidGrant {
		t.Fatalf("revoked token still usable: %v", oe)
	}
}

func TestClientManagementEndpoints(t *testing.T) {
	f := newHandlerFixture(t)
	rc := f.registerClient(t)

	req := httptest.NewRequest("GET", "/oauth/clients/"+rc.ClientID, nil)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("get client status = %d", rr.Code)
	}
	var got Client
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode client: %v", err)
	}
	if got.Name != "Chat App" {
		t.Errorf("client name = %q", got.Name)
	}

	body := `{"redirect_uris":["https://app.example.com/v2/callback"]}`
	req = httptest.NewRequest("PUT", "/oauth/clients/"+rc.ClientID+"/redirect-uris", strings.NewReader(body))
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("rotate status = %d", rr.Code)
	}

	req = httptest.NewRequest("DELETE", "/oauth/clients/"+rc.ClientID, nil)
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}

	req = httptest.NewRequest("GET", "/oauth/clients/"+rc.ClientID, nil)
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted client status = %d", rr.Code)
	}
}
