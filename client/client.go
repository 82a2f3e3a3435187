// Package client is a small typed client for the MyAnimeList v2 REST API.
// The gateway uses it to fetch the authenticated user once per session
// request; applications can reuse it directly with any bearer token.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public MyAnimeList v2 API root.
const DefaultBaseURL = "https://api.myanimelist.net/v2"

// APIError reports a non-2xx response from the API with its body intact.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("myanimelist api returned %d: %s", e.Status, e.Body)
}

// NotFound reports whether the error is an APIError with status 404.
func NotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// Client calls the MyAnimeList API with a fixed access token.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// Options configures a Client.
type Options struct {
	// AccessToken is sent as a bearer credential on every request.
	AccessToken string

	// BaseURL overrides the API root, mainly for tests.
	BaseURL string

	// HTTPClient overrides the transport.
	HTTPClient *http.Client
}

// New constructs a Client.
func New(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: opts.AccessToken,
		httpClient:  httpClient,
	}
}

// GetMyUserInfo returns the profile of the token's user. Pass field names
// such as "anime_statistics" to expand optional sections.
func (c *Client) GetMyUserInfo(ctx context.Context, fields ...string) (*User, error) {
	params := url.Values{}
	if len(fields) > 0 {
		params.Set("fields", strings.Join(fields, ","))
	}

	var user User
	if err := c.get(ctx, "/users/@me", params, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) get(ctx context.Context, resource string, params url.Values, out any) error {
	u := c.baseURL + resource
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", resource, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &APIError{Status: res.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", resource, err)
	}
	return nil
}
