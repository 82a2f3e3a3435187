package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// Only these inbound headers are forwarded upstream; everything else
// (cookies included) stays behind the gateway.
var allowedForwardHeaders = []string{
	"Authorization",
	"X-MAL-CLIENT-ID",
	"Content-Type",
}

// Forwarder proxies non-auth requests under the mount path to the
// MyAnimeList API. Upstream responses, error bodies included, pass through
// verbatim.
type Forwarder struct {
	mountPath string
	target    *url.URL
	proxy     *httputil.ReverseProxy
	logger    *slog.Logger
	debug     bool
}

// NewForwarder creates the reverse proxy from configuration.
func NewForwarder(cfg Config, logger *slog.Logger) (*Forwarder, error) {
	target, err := url.Parse(cfg.Upstream.APIURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream api_url: %w", err)
	}

	f := &Forwarder{
		mountPath: cfg.Server.MountPath,
		target:    target,
		logger:    logger,
		debug:     cfg.Server.Debug,
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	f.proxy = &httputil.ReverseProxy{
		Director:  f.rewrite,
		Transport: transport,
		ModifyResponse: func(res *http.Response) error {
			if res.StatusCode < 200 || res.StatusCode > 299 {
				logger.Error("upstream request failed",
					"method", res.Request.Method,
					"status", res.StatusCode,
					"url", res.Request.URL.String(),
				)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("proxy error", "error", err, "path", r.URL.Path)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}

	return f, nil
}

// rewrite points the request at the upstream, dropping the mount prefix and
// every header outside the allow-list. The query string is untouched.
func (f *Forwarder) rewrite(req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, f.mountPath)
	if rest == "" {
		rest = "/"
	}

	req.URL.Scheme = f.target.Scheme
	req.URL.Host = f.target.Host
	req.URL.Path = strings.TrimSuffix(f.target.Path, "/") + rest
	req.Host = f.target.Host

	filtered := make(http.Header, len(allowedForwardHeaders))
	for _, name := range allowedForwardHeaders {
		if values := req.Header.Values(name); len(values) > 0 {
			filtered[http.CanonicalHeaderKey(name)] = values
		}
	}
	req.Header = filtered
}

// ServeHTTP forwards the request, inheriting its context so a client
// disconnect cancels the upstream call.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.debug {
		f.logger.Debug("forwarding request", "method", r.Method, "path", r.URL.Path)
	}
	f.proxy.ServeHTTP(w, r)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
