package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Provider drives the MyAnimeList OAuth2 flow: authorization URLs, the
// authorization_code exchange, and refresh_token grants.
//
// MyAnimeList is plain OAuth2 (no OIDC discovery, no id_token) and its PKCE
// variant only accepts code_challenge_method=plain, so the exact challenge
// string sent to /authorize must be replayed as code_verifier at /token.
type Provider struct {
	clientID     string
	clientSecret string
	oauth2URL    string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewProvider builds the provider client from configuration.
func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	return &Provider{
		clientID:     cfg.Auth.ClientID,
		clientSecret: cfg.Auth.ClientSecret,
		oauth2URL:    strings.TrimSuffix(cfg.Upstream.OAuth2URL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Upstream.Timeout},
		logger:       logger,
	}
}

// exchangeConfig sends the client credentials in the form body, which is
// what the MyAnimeList token endpoint expects for the code exchange.
func (p *Provider) exchangeConfig(redirectTo string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		RedirectURL:  redirectTo,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.oauth2URL + "/authorize",
			TokenURL:  p.oauth2URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// refreshConfig authenticates with HTTP Basic, matching the refresh grant
// contract of the upstream.
func (p *Provider) refreshConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.oauth2URL + "/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (p *Provider) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// AuthenticationURLOptions configures AuthenticationURL.
type AuthenticationURLOptions struct {
	// RedirectTo is sent as redirect_uri; it must match the application
	// configuration registered with MyAnimeList.
	RedirectTo string

	// CodeVerifier overrides the generated challenge. Only tests use this.
	CodeVerifier string
}

// AuthenticationURL creates the /authorize URL for a new sign-in attempt
// together with the CSRF state and PKCE challenge bound to it.
func (p *Provider) AuthenticationURL(opts AuthenticationURLOptions) (*AuthenticationURL, error) {
	if p.clientID == "" {
		return nil, errors.New("client id was not configured, set MAL_CLIENT_ID")
	}

	codeChallenge := opts.CodeVerifier
	if codeChallenge == "" {
		var err error
		codeChallenge, err = CreateCodeChallenge(DefaultVerifierLength)
		if err != nil {
			return nil, err
		}
	}

	state := uuid.NewString()
	cfg := p.exchangeConfig(opts.RedirectTo)
	url := cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "plain"),
	)

	return &AuthenticationURL{
		URL:           url,
		State:         state,
		CodeChallenge: codeChallenge,
	}, nil
}

// ExchangeCode trades an authorization code and its PKCE verifier for a
// token set.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier, redirectTo string) (*TokenSet, error) {
	if p.clientID == "" || p.clientSecret == "" {
		return nil, errors.New("client id and secret were not configured, set MAL_CLIENT_ID and MAL_CLIENT_SECRET")
	}

	cfg := p.exchangeConfig(redirectTo)
	tok, err := cfg.Exchange(p.withHTTPClient(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, wrapRetrieveError("token exchange", err)
	}
	return tokenSetFrom("token exchange", tok)
}

// RefreshToken obtains a fresh access token from a stored refresh token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	cfg := p.refreshConfig()
	src := cfg.TokenSource(p.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, wrapRetrieveError("token refresh", err)
	}
	return tokenSetFrom("token refresh", tok)
}

// UserIDFromToken decodes the MyAnimeList access token without verifying
// its signature (the provider is trusted as issuer) and extracts the
// numeric subject claim. Returns false when the subject is absent or not a
// number.
func UserIDFromToken(accessToken string) (int64, bool) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return 0, false
	}
	if claims.Subject == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// tokenSetFrom validates the raw token response. A token_type other than
// the literal "Bearer" or a missing refresh token is a hard failure, not a
// fallback.
func tokenSetFrom(op string, tok *oauth2.Token) (*TokenSet, error) {
	if tok.TokenType != "Bearer" {
		return nil, &UpstreamError{
			Status: http.StatusOK,
			Body:   fmt.Sprintf("unexpected token_type: %q", tok.TokenType),
			Op:     op,
		}
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, &UpstreamError{
			Status: http.StatusOK,
			Body:   "token response missing access_token or refresh_token",
			Op:     op,
		}
	}

	expiresIn := int64(0)
	if raw, ok := tok.Extra("expires_in").(float64); ok {
		expiresIn = int64(raw)
	} else if !tok.Expiry.IsZero() {
		expiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	if expiresIn <= 0 {
		return nil, &UpstreamError{
			Status: http.StatusOK,
			Body:   "token response missing expires_in",
			Op:     op,
		}
	}

	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

func wrapRetrieveError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &UpstreamError{Status: status, Body: string(re.Body), Op: op}
	}
	return fmt.Errorf("%s: %w", op, err)
}
