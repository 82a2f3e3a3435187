package server

import "time"

// UserSession is the identity re-derived from the session cookie.
type UserSession struct {
	UserID       int64
	RefreshToken string
	AccessToken  string
}

// TokenSet bundles the credentials returned by the MyAnimeList token
// endpoint for both the authorization_code and refresh_token grants.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// ExpiresAt converts the relative expires_in into an absolute instant.
// Network latency means the token may expire slightly earlier upstream;
// treat this as a safe upper bound only.
func (t TokenSet) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// AuthenticationURL is the result of starting a sign-in attempt.
type AuthenticationURL struct {
	URL           string
	State         string
	CodeChallenge string
}

// TokenPayload is the JSON body served by the /auth/token action.
type TokenPayload struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// SessionPayload is the JSON body served by the /auth/session action.
type SessionPayload struct {
	User        any       `json:"user"`
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
