package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/skillfence/skillfence/internal/logger"
	"github.com/skillfence/skillfence/internal/security"
)

var fetchLog = logger.New("fetch")

// Defaults for outbound requests.
const (
	DefaultMaxResponseBytes = 10 << 20 // 10 MiB
	DefaultFetchTimeout     = 30 * time.Second
	DefaultFetchPerMinute   = 60
	DefaultMaxRedirects     = 5
)

// defaultBlockedHeaders are header names a skill may never set.
var defaultBlockedHeaders = []string{
	"host", "authorization", "cookie", "x-forwarded-for", "x-real-ip",
}

// FetchHooks receive detailed reasons out of band.
type FetchHooks struct {
	OnRequest func(method, url string)
	OnBlocked func(url, reason string)
}

// FetchConfig configures a Fetch capability.
type FetchConfig struct {
	// AllowedHosts are host patterns requests must match. "*.example.com"
	// matches sub-domains and the apex; "10.*" matches the prefix. Empty
	// means no host is reachable.
	AllowedHosts []string

	// BlockedHosts are extra refusal patterns checked before the allow set.
	// Private ranges, link-local, CGNAT, and cloud metadata addresses are
	// always refused regardless of this list.
	BlockedHosts []string

	// AllowedSchemes defaults to {"https"}.
	AllowedSchemes []string

	MaxResponseBytes int64
	Timeout          time.Duration
	RequestsPerMin   int
	MaxRedirects     int

	// DefaultHeaders are injected into every request before caller headers.
	DefaultHeaders map[string]string

	// BlockedHeaders extends the built-in list of header names the skill
	// may not set.
	BlockedHeaders []string

	Hooks FetchHooks

	// Client overrides the HTTP client. Used by tests.
	Client *http.Client
}

// Fetch performs outbound HTTP requests scoped to an allowed-host set.
type Fetch struct {
	allowed    []string
	blockedPat []string
	schemes    map[string]struct{}
	maxBytes   int64
	timeout    time.Duration
	perMinute  int
	maxHops    int
	defaults   map[string]string
	blockedHdr map[string]struct{}
	hooks      FetchHooks
	client     *http.Client

	mu     sync.Mutex
	window []time.Time
	now    func() time.Time
}

// FetchResponse is surfaced to skills. Body enforces the size cap during
// reads; callers must Close it.
type FetchResponse struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Body    io.ReadCloser
}

// NewFetch builds a Fetch capability.
func NewFetch(cfg FetchConfig) *Fetch {
	f := &Fetch{
		allowed:    normalizePatterns(cfg.AllowedHosts),
		blockedPat: normalizePatterns(cfg.BlockedHosts),
		schemes:    make(map[string]struct{}),
		maxBytes:   cfg.MaxResponseBytes,
		timeout:    cfg.Timeout,
		perMinute:  cfg.RequestsPerMin,
		maxHops:    cfg.MaxRedirects,
		defaults:   cfg.DefaultHeaders,
		blockedHdr: make(map[string]struct{}),
		hooks:      cfg.Hooks,
		client:     cfg.Client,
		now:        time.Now,
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxResponseBytes
	}
	if f.timeout <= 0 {
		f.timeout = DefaultFetchTimeout
	}
	if f.perMinute <= 0 {
		f.perMinute = DefaultFetchPerMinute
	}
	if f.maxHops <= 0 {
		f.maxHops = DefaultMaxRedirects
	}

	schemes := cfg.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"https"}
	}
	for _, s := range schemes {
		f.schemes[strings.ToLower(s)] = struct{}{}
	}

	for _, h := range defaultBlockedHeaders {
		f.blockedHdr[h] = struct{}{}
	}
	for _, h := range cfg.BlockedHeaders {
		f.blockedHdr[strings.ToLower(h)] = struct{}{}
	}

	if f.client == nil {
		f.client = &http.Client{Timeout: f.timeout}
	} else {
		c := *f.client
		f.client = &c
	}
	// Redirects re-enter admission explicitly; the client must not
	// chase them on its own, whether it is the default or caller-supplied.
	f.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return f
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (f *Fetch) blocked(rawURL, reason string) error {
	fetchLog.Debug("blocked %q: %s", rawURL, reason)
	if f.hooks.OnBlocked != nil {
		f.hooks.OnBlocked(rawURL, reason)
	}
	return refuseFetch()
}

// matchHostPattern implements the allow/block pattern semantics:
// "*.example.com" matches any sub-domain and the apex; "10.*" matches the
// prefix; otherwise exact match.
func matchHostPattern(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		apex := pattern[2:]
		return host == apex || strings.HasSuffix(host, pattern[1:])
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(host, pattern[:len(pattern)-1])
	}
	return host == pattern
}

// admit validates one URL (initial or redirect target) and returns the parsed
// form. Each admission consumes one rate-limit slot, which also bounds
// redirect depth on top of the explicit hop limit.
func (f *Fetch) admit(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, f.blocked(rawURL, "unparseable URL")
	}

	if _, ok := f.schemes[strings.ToLower(u.Scheme)]; !ok {
		return nil, f.blocked(rawURL, fmt.Sprintf("scheme %q not allowed", u.Scheme))
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, f.blocked(rawURL, "URL has no host")
	}

	if security.IsBlockedHostname(host) {
		return nil, f.blocked(rawURL, "blocked hostname")
	}
	if security.IsPrivateIP(host) {
		return nil, f.blocked(rawURL, "private address")
	}
	if security.IsCloudMetadataIP(host) {
		return nil, f.blocked(rawURL, "cloud metadata address")
	}
	for _, p := range f.blockedPat {
		if matchHostPattern(p, host) {
			return nil, f.blocked(rawURL, "host matches blocked pattern")
		}
	}

	allowed := false
	for _, p := range f.allowed {
		if matchHostPattern(p, host) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, f.blocked(rawURL, "host not allowed")
	}

	if retryAfter, ok := f.takeSlot(); !ok {
		return nil, f.blocked(rawURL, fmt.Sprintf("rate limit reached, retry after %s", retryAfter))
	}
	return u, nil
}

// takeSlot slides the one-minute window and claims a slot.
func (f *Fetch) takeSlot() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	cutoff := now.Add(-time.Minute)
	kept := f.window[:0]
	for _, t := range f.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.window = kept

	if len(f.window) >= f.perMinute {
		return f.window[0].Add(time.Minute).Sub(now), false
	}
	f.window = append(f.window, now)
	return 0, true
}

// sanitizeHeaders merges default headers with caller headers, dropping names
// the skill may not set.
func (f *Fetch) sanitizeHeaders(h http.Header, caller map[string]string) {
	for k, v := range f.defaults {
		h.Set(k, v)
	}
	for k, v := range caller {
		if _, blocked := f.blockedHdr[strings.ToLower(k)]; blocked {
			continue
		}
		h.Set(k, v)
	}
}

// Do performs one request, chasing redirects through admission so a redirect
// cannot bounce to a private address.
func (f *Fetch) Do(ctx context.Context, method, rawURL string, headers map[string]string, body io.Reader) (*FetchResponse, error) {
	if method == "" {
		method = http.MethodGet
	}

	target := rawURL
	for hop := 0; ; hop++ {
		if hop > f.maxHops {
			return nil, f.blocked(rawURL, "too many redirects")
		}

		u, err := f.admit(target)
		if err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if hop == 0 {
			reqBody = body
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
		if reqErr != nil {
			return nil, f.blocked(target, "request build failed")
		}
		f.sanitizeHeaders(req.Header, headers)
		if req.Header.Get("Accept-Encoding") == "" {
			req.Header.Set("Accept-Encoding", "gzip")
		}

		if f.hooks.OnRequest != nil {
			f.hooks.OnRequest(method, u.String())
		}

		resp, doErr := f.client.Do(req)
		if doErr != nil {
			return nil, f.blocked(target, "request failed: "+doErr.Error())
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, f.blocked(target, "redirect without location")
			}
			next, locErr := u.Parse(loc)
			if locErr != nil {
				return nil, f.blocked(target, "unparseable redirect target")
			}
			target = next.String()
			continue
		}

		// Pre-flight header check; the streaming cap below is authoritative
		// for servers that omit Content-Length.
		if resp.ContentLength > f.maxBytes {
			resp.Body.Close()
			return nil, f.blocked(target, fmt.Sprintf("declared length %d exceeds cap %d", resp.ContentLength, f.maxBytes))
		}

		rc := io.ReadCloser(resp.Body)
		if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
			gz, gzErr := gzip.NewReader(resp.Body)
			if gzErr != nil {
				resp.Body.Close()
				return nil, f.blocked(target, "bad gzip body")
			}
			rc = &gzipBody{gz: gz, under: resp.Body}
		}

		return &FetchResponse{
			Status:  resp.StatusCode,
			Headers: resp.Header,
			Body:    &cappedBody{rc: rc, remaining: f.maxBytes},
		}, nil
	}
}

// Get fetches a URL and returns the body as a string, the common path for
// skills.
func (f *Fetch) Get(ctx context.Context, rawURL string, headers map[string]string) (string, error) {
	resp, err := f.Do(ctx, http.MethodGet, rawURL, headers, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return "", f.blocked(rawURL, "body read failed: "+readErr.Error())
	}
	return string(data), nil
}

// Bind returns the opcode entries this capability contributes to a table.
func (f *Fetch) Bind() Table {
	return Table{
		"fetch": func(ctx context.Context, args []any) (any, error) {
			rawURL, ok := argString(args, 0)
			if !ok {
				return nil, refuseFetch()
			}
			var headers map[string]string
			if len(args) > 1 {
				if m, ok := args[1].(map[string]string); ok {
					headers = m
				}
			}
			return f.Get(ctx, rawURL, headers)
		},
	}
}

// cappedBody compares accumulated bytes against the cap during consumer
// reads; on overflow the stream is aborted with an error.
type cappedBody struct {
	rc        io.ReadCloser
	remaining int64
}

func (c *cappedBody) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, fmt.Errorf("response size cap exceeded")
	}
	n, err := c.rc.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, fmt.Errorf("response size cap exceeded")
	}
	return n, err
}

func (c *cappedBody) Close() error { return c.rc.Close() }

// gzipBody closes both the decoder and the underlying stream.
type gzipBody struct {
	gz    *gzip.Reader
	under io.ReadCloser
}

func (g *gzipBody) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipBody) Close() error {
	gzErr := g.gz.Close()
	underErr := g.under.Close()
	if gzErr != nil {
		return gzErr
	}
	return underErr
}
