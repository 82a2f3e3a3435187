package server

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

// Fixed claims stamped into every session token. Verification rejects
// tokens that do not carry exactly these values.
const (
	jwtAudience = "mal.audience"
	jwtIssuer   = "mal.issuer"
)

type sessionClaims struct {
	jwt.Claims
	RefreshToken string `json:"refreshToken"`
}

// TokenService signs and verifies the session cookie: an HS256 JWT wrapping
// the MyAnimeList refresh token and user id.
type TokenService struct {
	key    []byte
	ttl    time.Duration
	logger *slog.Logger
}

// NewTokenService constructs the codec from the configured signing secret.
func NewTokenService(cfg Config, logger *slog.Logger) *TokenService {
	key, fallback := cfg.SigningKey()
	if fallback {
		logger.Warn("auth.secret_key was not set, using the built-in development key; sessions are NOT tamper-proof",
			"hint", "generate a secret and set MAL_SECRET_KEY")
	}
	return &TokenService{key: key, ttl: cfg.Auth.SessionDuration, logger: logger}
}

// Sign embeds the refresh token and user id into a session token expiring
// after the configured session duration.
func (ts *TokenService) Sign(userID int64, refreshToken string) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: ts.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("create session signer: %w", err)
	}

	now := time.Now()
	claims := sessionClaims{
		Claims: jwt.Claims{
			Subject:  strconv.FormatInt(userID, 10),
			Audience: jwt.Audience{jwtAudience},
			Issuer:   jwtIssuer,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ts.ttl)),
		},
		RefreshToken: refreshToken,
	}

	token, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// Verify reads the session and access-token cookies and returns the user
// session, or nil when either cookie is missing or the session token fails
// signature, audience, issuer, or expiry checks. Verification failures are
// logged, never returned: callers see "no session".
func (ts *TokenService) Verify(cookies *CookieJar) *UserSession {
	sessionToken, ok := cookies.Get(CookieSession)
	if !ok {
		return nil
	}
	accessToken, ok := cookies.Get(CookieAccessToken)
	if !ok {
		return nil
	}

	parsed, err := jwt.ParseSigned(sessionToken)
	if err != nil {
		ts.logger.Error("malformed session token", "error", err)
		return nil
	}

	var claims sessionClaims
	if err := parsed.Claims(ts.key, &claims); err != nil {
		ts.logger.Error("session token signature rejected", "error", err)
		return nil
	}

	expected := jwt.Expected{
		Audience: jwt.Audience{jwtAudience},
		Issuer:   jwtIssuer,
		Time:     time.Now(),
	}
	if err := claims.Validate(expected); err != nil {
		ts.logger.Error("session token claims rejected", "error", err)
		return nil
	}

	if claims.RefreshToken == "" {
		ts.logger.Error("session token has no refresh token")
		return nil
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		ts.logger.Error("invalid user id in session token", "sub", claims.Subject)
		return nil
	}

	return &UserSession{
		UserID:       userID,
		RefreshToken: claims.RefreshToken,
		AccessToken:  accessToken,
	}
}

// Require wraps Verify, failing with a 401 carrying the given message when
// no valid session is present.
func (ts *TokenService) Require(cookies *CookieJar, message string) (*UserSession, error) {
	if message == "" {
		message = "unable to get user session"
	}
	session := ts.Verify(cookies)
	if session == nil {
		return nil, unauthorized(message)
	}
	return session, nil
}
