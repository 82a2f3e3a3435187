package server

import (
	"fmt"
	"net/http"
)

// HTTPError is a classified handler error carrying the status code and
// message that should reach the client. Anything not wrapped in an HTTPError
// surfaces as an internal server error.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// httpError builds a classified error. An empty message falls back to the
// standard status text when rendered.
func httpError(status int, message string) *HTTPError {
	return &HTTPError{Status: status, Message: message}
}

func unauthorized(message string) *HTTPError {
	return httpError(http.StatusUnauthorized, message)
}

// UpstreamError reports a non-2xx or malformed response from the
// MyAnimeList token or API endpoints. The provider body is preserved so
// operators can see the upstream failure verbatim.
type UpstreamError struct {
	Status int
	Body   string
	Op     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed with status %d: %s", e.Op, e.Status, e.Body)
}
