package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"malgateway/client"
)

type stubProvider struct {
	authURL *AuthenticationURL
	authErr error

	exchangeCode     string
	exchangeVerifier string
	exchangeRedirect string
	exchangeTokens   *TokenSet
	exchangeErr      error

	refreshedWith string
	refreshTokens *TokenSet
	refreshErr    error
}

func (s *stubProvider) AuthenticationURL(opts AuthenticationURLOptions) (*AuthenticationURL, error) {
	if s.authErr != nil {
		return nil, s.authErr
	}
	return s.authURL, nil
}

func (s *stubProvider) ExchangeCode(ctx context.Context, code, codeVerifier, redirectTo string) (*TokenSet, error) {
	s.exchangeCode = code
	s.exchangeVerifier = codeVerifier
	s.exchangeRedirect = redirectTo
	if s.exchangeErr != nil {
		return nil, s.exchangeErr
	}
	return s.exchangeTokens, nil
}

func (s *stubProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	s.refreshedWith = refreshToken
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.refreshTokens, nil
}

type stubUserInfo struct {
	accessToken string
	fields      []string
	user        *client.User
	err         error
}

func (s *stubUserInfo) GetMyUserInfo(ctx context.Context, accessToken string, fields ...string) (*client.User, error) {
	s.accessToken = accessToken
	s.fields = fields
	if s.err != nil {
		return nil, s.err
	}
	return s.user, nil
}

func newTestApp(t *testing.T) (*App, *stubProvider, *stubUserInfo) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Auth.ClientID = "test-client"
	cfg.Auth.ClientSecret = "test-secret"
	cfg.Auth.SecretKey = testSecretKey

	app, err := NewApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	provider := &stubProvider{
		authURL: &AuthenticationURL{
			URL:           "https://myanimelist.net/v1/oauth2/authorize?client_id=test-client",
			State:         "state-1",
			CodeChallenge: "challenge-1",
		},
		exchangeTokens: &TokenSet{
			AccessToken:  signedAccessToken(t, "123"),
			RefreshToken: "refresh-1",
			ExpiresIn:    3600,
		},
		refreshTokens: &TokenSet{
			AccessToken:  "fresh-access",
			RefreshToken: "refresh-2",
			ExpiresIn:    1800,
		},
	}
	users := &stubUserInfo{user: &client.User{ID: 123, Name: "tester"}}

	app.Provider = provider
	app.Users = users
	return app, provider, users
}

func doGet(t *testing.T, app *App, path, cookieHeader string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}
	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, req)
	return rec.Result()
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func findCookie(t *testing.T, res *http.Response, name string) *http.Cookie {
	t.Helper()
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %q not set; got %v", name, res.Header.Values("Set-Cookie"))
	return nil
}

// signedInCookieHeader signs a real session token and returns the Cookie
// header a signed-in browser would send.
func signedInCookieHeader(t *testing.T, app *App) string {
	t.Helper()
	token, err := app.Tokens.Sign(123, "refresh-1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return CookieSession + "=" + token + "; " + CookieAccessToken + "=cached-access"
}

func TestSignInRedirectsToProvider(t *testing.T) {
	app, _, _ := newTestApp(t)

	res := doGet(t, app, "/api/myanimelist/auth/sign-in", "")
	if res.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", res.StatusCode)
	}
	if loc := res.Header.Get("Location"); loc != "https://myanimelist.net/v1/oauth2/authorize?client_id=test-client" {
		t.Fatalf("unexpected redirect location: %q", loc)
	}

	csrf := findCookie(t, res, CookieCSRF)
	if csrf.Value != "state-1" {
		t.Fatalf("unexpected csrf cookie value: %q", csrf.Value)
	}
	if !csrf.HttpOnly || csrf.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected csrf cookie attributes: %+v", csrf)
	}

	challenge := findCookie(t, res, CookieCodeChallenge)
	if challenge.Value != "challenge-1" {
		t.Fatalf("unexpected challenge cookie value: %q", challenge.Value)
	}
	if challenge.MaxAge != int(codeChallengeMaxAge.Seconds()) {
		t.Fatalf("unexpected challenge max-age: %d", challenge.MaxAge)
	}
}

func TestSignOutDeletesAllCookies(t *testing.T) {
	app, _, _ := newTestApp(t)

	// Works with or without an existing session.
	res := doGet(t, app, "/api/myanimelist/auth/sign-out", "")
	if res.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", res.StatusCode)
	}
	if loc := res.Header.Get("Location"); loc != "/" {
		t.Fatalf("unexpected redirect location: %q", loc)
	}

	for _, name := range []string{CookieSession, CookieCodeChallenge, CookieAccessToken, CookieCSRF} {
		c := findCookie(t, res, name)
		if c.MaxAge >= 0 {
			t.Fatalf("expected %s to be deleted, got max-age %d", name, c.MaxAge)
		}
	}
}

func TestCallbackEstablishesSession(t *testing.T) {
	app, provider, _ := newTestApp(t)

	cookies := CookieCSRF + "=state-1; " + CookieCodeChallenge + "=challenge-1"
	res := doGet(t, app, "/api/myanimelist/auth/callback?code=abc&state=state-1", cookies)
	if res.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", res.StatusCode)
	}
	if loc := res.Header.Get("Location"); loc != "/" {
		t.Fatalf("unexpected redirect location: %q", loc)
	}

	if provider.exchangeCode != "abc" {
		t.Fatalf("unexpected exchanged code: %q", provider.exchangeCode)
	}
	// The stored challenge doubles as the plain-method verifier.
	if provider.exchangeVerifier != "challenge-1" {
		t.Fatalf("unexpected code verifier: %q", provider.exchangeVerifier)
	}
	if !strings.HasSuffix(provider.exchangeRedirect, "/api/myanimelist/auth/callback") {
		t.Fatalf("unexpected redirect_uri: %q", provider.exchangeRedirect)
	}
	if provider.refreshedWith != "refresh-1" {
		t.Fatalf("expected immediate refresh with %q, got %q", "refresh-1", provider.refreshedWith)
	}

	sessionCookie := findCookie(t, res, CookieSession)
	jar := NewCookieJar("", testLogger())
	jar.Set(CookieSession, sessionCookie.Value, CookieOptions{})
	jar.Set(CookieAccessToken, "anything", CookieOptions{})
	session := app.Tokens.Verify(jar)
	if session == nil {
		t.Fatalf("session cookie does not verify")
	}
	if session.UserID != 123 || session.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected session contents: %+v", session)
	}

	access := findCookie(t, res, CookieAccessToken)
	if access.Value != "fresh-access" {
		t.Fatalf("unexpected access-token cookie: %q", access.Value)
	}
	if access.MaxAge != 1800 {
		t.Fatalf("expected access-token max-age 1800, got %d", access.MaxAge)
	}

	if challenge := findCookie(t, res, CookieCodeChallenge); challenge.MaxAge >= 0 {
		t.Fatalf("expected challenge cookie to be deleted, got max-age %d", challenge.MaxAge)
	}
}

func TestCallbackRejections(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		cookies string
		message string
	}{
		{
			name:    "missing code",
			path:    "/api/myanimelist/auth/callback?state=state-1",
			cookies: CookieCSRF + "=state-1; " + CookieCodeChallenge + "=challenge-1",
			message: "no oauth2 code was received",
		},
		{
			name:    "missing challenge cookie",
			path:    "/api/myanimelist/auth/callback?code=abc&state=state-1",
			cookies: CookieCSRF + "=state-1",
			message: "no oauth2 code challenge was received",
		},
		{
			name:    "state mismatch",
			path:    "/api/myanimelist/auth/callback?code=abc&state=evil",
			cookies: CookieCSRF + "=state-1; " + CookieCodeChallenge + "=challenge-1",
			message: "invalid auth state",
		},
		{
			name:    "missing state",
			path:    "/api/myanimelist/auth/callback?code=abc",
			cookies: CookieCSRF + "=state-1; " + CookieCodeChallenge + "=challenge-1",
			message: "invalid auth state",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app, _, _ := newTestApp(t)
			res := doGet(t, app, tc.path, tc.cookies)
			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", res.StatusCode)
			}
			body := readBody(t, res)
			if !strings.Contains(body, tc.message) {
				t.Fatalf("expected message %q, got %q", tc.message, body)
			}
		})
	}
}

func TestCallbackRejectsTokenWithoutUserID(t *testing.T) {
	app, provider, _ := newTestApp(t)
	provider.exchangeTokens.AccessToken = signedAccessToken(t, "not-a-number")

	cookies := CookieCSRF + "=state-1; " + CookieCodeChallenge + "=challenge-1"
	res := doGet(t, app, "/api/myanimelist/auth/callback?code=abc&state=state-1", cookies)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if body := readBody(t, res); !strings.Contains(body, "user id not found") {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestTokenRequiresSession(t *testing.T) {
	app, _, _ := newTestApp(t)

	res := doGet(t, app, "/api/myanimelist/auth/token", "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if body := readBody(t, res); !strings.Contains(body, "unable to get user session") {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestTokenAlwaysRefreshes(t *testing.T) {
	app, provider, _ := newTestApp(t)

	res := doGet(t, app, "/api/myanimelist/auth/token", signedInCookieHeader(t, app))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, readBody(t, res))
	}
	if provider.refreshedWith != "refresh-1" {
		t.Fatalf("expected refresh with stored token, got %q", provider.refreshedWith)
	}

	var payload TokenPayload
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.AccessToken != "fresh-access" {
		t.Fatalf("unexpected access token: %q", payload.AccessToken)
	}
	if payload.ExpiresAt.IsZero() {
		t.Fatalf("expected an absolute expiry")
	}
}

func TestTokenPropagatesRefreshFailure(t *testing.T) {
	app, provider, _ := newTestApp(t)
	provider.refreshErr = errors.New("upstream down")

	res := doGet(t, app, "/api/myanimelist/auth/token", signedInCookieHeader(t, app))
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.StatusCode)
	}
}

func TestSessionReturnsUserAndStoresAccessToken(t *testing.T) {
	app, _, users := newTestApp(t)

	res := doGet(t, app, "/api/myanimelist/auth/session", signedInCookieHeader(t, app))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, readBody(t, res))
	}

	if users.accessToken != "fresh-access" {
		t.Fatalf("expected profile fetch with fresh token, got %q", users.accessToken)
	}
	if len(users.fields) != 0 {
		t.Fatalf("expected no extra fields, got %v", users.fields)
	}

	var payload struct {
		User        client.User `json:"user"`
		AccessToken string      `json:"accessToken"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.User.Name != "tester" || payload.AccessToken != "fresh-access" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	access := findCookie(t, res, CookieAccessToken)
	if access.Value != "fresh-access" {
		t.Fatalf("unexpected access-token cookie: %q", access.Value)
	}
	if access.SameSite != http.SameSiteStrictMode {
		t.Fatalf("expected SameSite=Strict, got %v", access.SameSite)
	}
	if access.MaxAge != int(app.Config.Auth.SessionDuration.Seconds()) {
		t.Fatalf("unexpected max-age: %d", access.MaxAge)
	}
}

func TestSessionIncludesAnimeStatisticsOnRequest(t *testing.T) {
	app, _, users := newTestApp(t)

	res := doGet(t, app, "/api/myanimelist/auth/session?include_anime_statistics=true", signedInCookieHeader(t, app))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if len(users.fields) != 1 || users.fields[0] != "anime_statistics" {
		t.Fatalf("expected anime_statistics field, got %v", users.fields)
	}
}

func TestUnknownAuthActionIsNotFound(t *testing.T) {
	app, _, _ := newTestApp(t)

	res := doGet(t, app, "/api/myanimelist/auth/bogus", "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestSignInCallbackSessionFlow(t *testing.T) {
	app, _, users := newTestApp(t)

	// Sign in: collect the state and challenge cookies the browser would keep.
	signInRes := doGet(t, app, "/api/myanimelist/auth/sign-in", "")
	csrf := findCookie(t, signInRes, CookieCSRF)
	challenge := findCookie(t, signInRes, CookieCodeChallenge)

	// Callback with the same state.
	cookies := csrf.Name + "=" + csrf.Value + "; " + challenge.Name + "=" + challenge.Value
	callbackRes := doGet(t, app, "/api/myanimelist/auth/callback?code=abc&state="+csrf.Value, cookies)
	if callbackRes.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("callback failed: %d %s", callbackRes.StatusCode, readBody(t, callbackRes))
	}
	session := findCookie(t, callbackRes, CookieSession)
	access := findCookie(t, callbackRes, CookieAccessToken)

	// Session endpoint with the established cookies.
	cookies = session.Name + "=" + session.Value + "; " + access.Name + "=" + access.Value
	sessionRes := doGet(t, app, "/api/myanimelist/auth/session?include_anime_statistics=true", cookies)
	if sessionRes.StatusCode != http.StatusOK {
		t.Fatalf("session failed: %d %s", sessionRes.StatusCode, readBody(t, sessionRes))
	}
	if len(users.fields) != 1 || users.fields[0] != "anime_statistics" {
		t.Fatalf("expected anime_statistics field, got %v", users.fields)
	}
}
