package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"malgateway/client"
)

// Auth actions routed beneath {mount}/auth.
const (
	actionSignIn   = "sign-in"
	actionSignOut  = "sign-out"
	actionCallback = "callback"
	actionToken    = "token"
	actionSession  = "session"
)

// codeChallengeMaxAge bounds how long a sign-in attempt can stay pending.
const codeChallengeMaxAge = 15 * time.Minute

// AuthProvider is the slice of Provider the handlers depend on. Tests
// substitute a stub.
type AuthProvider interface {
	AuthenticationURL(opts AuthenticationURLOptions) (*AuthenticationURL, error)
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectTo string) (*TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// UserInfoService fetches the authenticated user's profile with a given
// access token.
type UserInfoService interface {
	GetMyUserInfo(ctx context.Context, accessToken string, fields ...string) (*client.User, error)
}

// RequestEvent is the unit of work passed through the auth handlers: the
// immutable inbound request plus its mutable cookie jar.
type RequestEvent struct {
	Request *http.Request
	Cookies *CookieJar
}

// Hooks lets host applications observe auth lifecycle events. Nil fields
// are no-ops.
type Hooks struct {
	OnSignIn   func(*RequestEvent)
	OnSignOut  func(*RequestEvent)
	OnCallback func(*RequestEvent)
	OnToken    func(*RequestEvent)
	OnSession  func(*SessionPayload, *RequestEvent)

	// OnProxyRequest intercepts non-auth requests under the mount path.
	// Call next to continue to the upstream forwarder.
	OnProxyRequest func(w http.ResponseWriter, r *http.Request, next http.Handler)
}

// authResult is the tagged outcome of one auth action: a redirect, a JSON
// body, or a bare status. Exactly one branch produces exactly one result.
type authResult struct {
	status   int
	redirect string
	body     any
}

func redirectResult(url string) *authResult {
	return &authResult{status: http.StatusTemporaryRedirect, redirect: url}
}

func jsonResult(body any) *authResult {
	return &authResult{status: http.StatusOK, body: body}
}

// App bundles runtime dependencies for the gateway.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Tokens   *TokenService
	Provider AuthProvider
	Users    UserInfoService
	Proxy    *Forwarder
	Hooks    Hooks
}

// NewApp wires together the gateway from configuration, failing fast on an
// invalid session duration or mount path.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	proxy, err := NewForwarder(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init proxy: %w", err)
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Tokens:   NewTokenService(cfg, logger),
		Provider: NewProvider(cfg, logger),
		Users:    &malUserInfoService{cfg: cfg},
		Proxy:    proxy,
	}, nil
}

// handleAuthAction adapts one state-machine branch to net/http. Classified
// HTTPErrors become their declared status; anything else is a logged 500.
// The jar is flushed onto the response on both the success and the
// HTTP-error paths.
func (a *App) handleAuthAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jar := NewCookieJar(r.Header.Get("Cookie"), a.Logger)
		event := &RequestEvent{Request: r, Cookies: jar}

		res, err := a.runAuthAction(action, event)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				jar.WriteTo(w.Header())
				message := httpErr.Message
				if message == "" {
					message = http.StatusText(httpErr.Status)
				}
				http.Error(w, message, httpErr.Status)
				return
			}
			a.Logger.Error("auth action failed", "action", action, "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		jar.WriteTo(w.Header())
		switch {
		case res.redirect != "":
			w.Header().Set("Location", res.redirect)
			w.WriteHeader(res.status)
		case res.body != nil:
			writeJSON(w, res.body)
		default:
			w.WriteHeader(res.status)
		}
	}
}

func (a *App) runAuthAction(action string, event *RequestEvent) (*authResult, error) {
	switch action {
	case actionSignIn:
		return a.signIn(event)
	case actionSignOut:
		return a.signOut(event)
	case actionCallback:
		return a.callback(event)
	case actionToken:
		return a.token(event)
	case actionSession:
		return a.session(event)
	default:
		a.Logger.Error("invalid auth action", "action", action)
		return nil, httpError(http.StatusNotFound, "")
	}
}

// handleUnknownAuthAction rejects unrecognized paths under {mount}/auth.
func (a *App) handleUnknownAuthAction(w http.ResponseWriter, r *http.Request) {
	a.Logger.Error("invalid auth action", "path", r.URL.Path)
	w.WriteHeader(http.StatusNotFound)
}

func (a *App) signIn(event *RequestEvent) (*authResult, error) {
	redirectTo := a.callbackURL(event.Request)
	auth, err := a.Provider.AuthenticationURL(AuthenticationURLOptions{RedirectTo: redirectTo})
	if err != nil {
		return nil, err
	}

	secure := !a.Config.Server.DevMode
	sessionSeconds := int(a.Config.Auth.SessionDuration.Seconds())

	event.Cookies.Set(CookieCSRF, auth.State, CookieOptions{
		Path:     "/",
		HTTPOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
		MaxAge:   sessionSeconds,
	})
	event.Cookies.Set(CookieCodeChallenge, auth.CodeChallenge, CookieOptions{
		Path:     "/",
		HTTPOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
		MaxAge:   int(codeChallengeMaxAge.Seconds()),
	})

	if a.Hooks.OnSignIn != nil {
		a.Hooks.OnSignIn(event)
	}

	return redirectResult(auth.URL), nil
}

func (a *App) signOut(event *RequestEvent) (*authResult, error) {
	for _, name := range []string{CookieSession, CookieCodeChallenge, CookieAccessToken, CookieCSRF} {
		event.Cookies.Delete(name, CookieOptions{Path: "/"})
	}

	if a.Hooks.OnSignOut != nil {
		a.Hooks.OnSignOut(event)
	}

	return redirectResult(a.Config.Auth.RedirectAfterSignOut), nil
}

func (a *App) callback(event *RequestEvent) (*authResult, error) {
	query := event.Request.URL.Query()

	code := query.Get("code")
	if code == "" {
		return nil, unauthorized("no oauth2 code was received")
	}

	codeChallenge, ok := event.Cookies.Get(CookieCodeChallenge)
	if !ok {
		return nil, unauthorized("no oauth2 code challenge was received")
	}

	state := query.Get("state")
	csrf, _ := event.Cookies.Get(CookieCSRF)
	if state == "" || state != csrf {
		return nil, unauthorized("invalid auth state")
	}

	ctx := event.Request.Context()
	tokens, err := a.Provider.ExchangeCode(ctx, code, codeChallenge, a.callbackURL(event.Request))
	if err != nil {
		return nil, err
	}

	userID, ok := UserIDFromToken(tokens.AccessToken)
	if !ok {
		return nil, unauthorized("user id not found")
	}

	sessionToken, err := a.Tokens.Sign(userID, tokens.RefreshToken)
	if err != nil {
		return nil, err
	}

	secure := !a.Config.Server.DevMode
	event.Cookies.Set(CookieSession, sessionToken, CookieOptions{
		Path:     "/",
		HTTPOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
		MaxAge:   int(a.Config.Auth.SessionDuration.Seconds()),
	})

	// Refreshing immediately gives the browser a full-lifetime access token
	// instead of one already aged by the exchange round trip.
	refreshed, err := a.Provider.RefreshToken(ctx, tokens.RefreshToken)
	if err != nil {
		return nil, err
	}

	event.Cookies.Set(CookieAccessToken, refreshed.AccessToken, CookieOptions{
		Path:     "/",
		HTTPOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
		MaxAge:   int(refreshed.ExpiresIn),
	})

	event.Cookies.Delete(CookieCodeChallenge, CookieOptions{Path: "/"})

	if a.Hooks.OnCallback != nil {
		a.Hooks.OnCallback(event)
	}

	return redirectResult(a.Config.Auth.RedirectAfterSignIn), nil
}

func (a *App) token(event *RequestEvent) (*authResult, error) {
	accessToken, expiresAt, err := a.freshAccessToken(event)
	if err != nil {
		return nil, err
	}

	if a.Hooks.OnToken != nil {
		a.Hooks.OnToken(event)
	}

	return jsonResult(&TokenPayload{AccessToken: accessToken, ExpiresAt: expiresAt}), nil
}

func (a *App) session(event *RequestEvent) (*authResult, error) {
	accessToken, expiresAt, err := a.freshAccessToken(event)
	if err != nil {
		return nil, err
	}

	var fields []string
	if event.Request.URL.Query().Get("include_anime_statistics") == "true" {
		fields = append(fields, "anime_statistics")
	}

	user, err := a.Users.GetMyUserInfo(event.Request.Context(), accessToken, fields...)
	if err != nil {
		return nil, err
	}

	event.Cookies.Set(CookieAccessToken, accessToken, CookieOptions{
		Path:     "/",
		HTTPOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   !a.Config.Server.DevMode,
		MaxAge:   int(a.Config.Auth.SessionDuration.Seconds()),
	})

	payload := &SessionPayload{User: user, AccessToken: accessToken, ExpiresAt: expiresAt}

	if a.Hooks.OnSession != nil {
		a.Hooks.OnSession(payload, event)
	}

	return jsonResult(payload), nil
}

// freshAccessToken verifies the session cookie and always performs a
// refresh: the access-token cookie is a cache, never an identity source.
// Concurrent requests may each refresh on their own; that duplication is
// accepted instead of coordinating a single flight.
func (a *App) freshAccessToken(event *RequestEvent) (string, time.Time, error) {
	session, err := a.Tokens.Require(event.Cookies, "")
	if err != nil {
		return "", time.Time{}, err
	}

	refreshed, err := a.Provider.RefreshToken(event.Request.Context(), session.RefreshToken)
	if err != nil {
		return "", time.Time{}, err
	}

	return refreshed.AccessToken, refreshed.ExpiresAt(time.Now()), nil
}

// callbackURL rebuilds the absolute {mount}/auth/callback URL for the host
// serving the current request.
func (a *App) callbackURL(r *http.Request) string {
	return schemeFromRequest(r) + "://" + r.Host + a.Config.Server.MountPath + "/auth/callback"
}

// malUserInfoService fetches profiles from the real MyAnimeList API.
type malUserInfoService struct {
	cfg Config
}

func (s *malUserInfoService) GetMyUserInfo(ctx context.Context, accessToken string, fields ...string) (*client.User, error) {
	c := client.New(client.Options{
		AccessToken: accessToken,
		BaseURL:     s.cfg.Upstream.APIURL,
	})
	return c.GetMyUserInfo(ctx, fields...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
