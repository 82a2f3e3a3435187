package server

import (
	"log/slog"
	"net/http"
)

// Fixed cookie names shared with the browser.
const (
	CookieSession       = "mal.session"
	CookieCSRF          = "mal.csrf"
	CookieCodeChallenge = "mal.code_challenge"
	CookieAccessToken   = "mal.access_token"
)

type cookieEntry struct {
	value      string
	opts       CookieOptions
	fromHeader bool
}

// CookieOptions carries the Set-Cookie attributes applied when an entry is
// written back to the client.
type CookieOptions struct {
	Path     string
	MaxAge   int
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
}

// CookieJar accumulates cookie reads and writes for a single request.
// Entries parsed from the incoming Cookie header are readable but never
// re-serialized; only entries set or deleted during handling produce
// Set-Cookie values.
type CookieJar struct {
	cookies map[string]cookieEntry
	order   []string
	logger  *slog.Logger
}

// NewCookieJar parses the raw Cookie header into a jar. A malformed header
// is logged and yields an empty jar rather than an error.
func NewCookieJar(cookieHeader string, logger *slog.Logger) *CookieJar {
	jar := &CookieJar{cookies: make(map[string]cookieEntry), logger: logger}
	if cookieHeader == "" {
		return jar
	}

	parsed, err := http.ParseCookie(cookieHeader)
	if err != nil {
		logger.Warn("discarding malformed cookie header", "error", err)
		return jar
	}
	for _, c := range parsed {
		jar.put(c.Name, cookieEntry{value: c.Value, fromHeader: true})
	}
	return jar
}

// Get returns the value of the named cookie and whether it is present.
func (j *CookieJar) Get(name string) (string, bool) {
	entry, ok := j.cookies[name]
	if !ok {
		return "", false
	}
	return entry.value, true
}

// Set upserts a cookie. The entry will be serialized on the outgoing
// response even if the name arrived on the incoming header.
func (j *CookieJar) Set(name, value string, opts CookieOptions) {
	j.put(name, cookieEntry{value: value, opts: opts})
}

// Delete upserts an immediately-expiring empty cookie, instructing the
// browser to drop it. Caller options such as Path are preserved.
func (j *CookieJar) Delete(name string, opts CookieOptions) {
	opts.MaxAge = -1
	j.put(name, cookieEntry{value: "", opts: opts})
}

func (j *CookieJar) put(name string, entry cookieEntry) {
	if _, ok := j.cookies[name]; !ok {
		j.order = append(j.order, name)
	}
	j.cookies[name] = entry
}

// Len reports the number of entries, incoming ones included.
func (j *CookieJar) Len() int {
	return len(j.cookies)
}

// Serialize renders one Set-Cookie value per mutated entry, in insertion
// order. Entries that only came in on the request header are skipped.
func (j *CookieJar) Serialize() []string {
	var out []string
	for _, name := range j.order {
		entry := j.cookies[name]
		if entry.fromHeader {
			continue
		}
		c := &http.Cookie{
			Name:     name,
			Value:    entry.value,
			Path:     entry.opts.Path,
			MaxAge:   entry.opts.MaxAge,
			HttpOnly: entry.opts.HTTPOnly,
			Secure:   entry.opts.Secure,
			SameSite: entry.opts.SameSite,
		}
		out = append(out, c.String())
	}
	return out
}

// WriteTo flushes the jar onto a response, one Set-Cookie header per entry.
func (j *CookieJar) WriteTo(h http.Header) {
	for _, v := range j.Serialize() {
		h.Add("Set-Cookie", v)
	}
}
