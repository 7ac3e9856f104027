// Package guard wraps a tool backend with the safety rails applied to every
// agent mode: off-target host rejection, brute-force payload rejection,
// duplicate-request caching and rate-limit backoff.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/periscan/periscan/pkg/backend"
	"github.com/periscan/periscan/pkg/scope"
)

const (
	// DefaultRateLimitBackoff is how long tool calls are held off after a 429.
	DefaultRateLimitBackoff = 60 * time.Second
	// duplicateSendLimit is how many times an identical request goes to the
	// backend before subsequent sends are served from cache.
	duplicateSendLimit = 2
	// bruteForceRepeatThreshold rejects URLs carrying this many repeated
	// UNION SELECT NULL fragments.
	bruteForceRepeatThreshold = 5
)

// Backend wraps an inner tool backend and enforces the guardrails. It
// satisfies backend.Backend so callers are unaware of the wrapping.
type Backend struct {
	inner   backend.Backend
	scope   *scope.Scope
	backoff time.Duration
	now     func() time.Time

	mu             sync.Mutex
	sendCounts     map[string]int
	cache          map[string]backend.ToolResult
	rateLimitUntil time.Time
}

// Option configures a guarded backend.
type Option func(*Backend)

// WithScope restricts url-carrying tool calls to hosts the scope authorizes.
func WithScope(s *scope.Scope) Option {
	return func(g *Backend) { g.scope = s }
}

// WithBackoff overrides the rate-limit hold-off window.
func WithBackoff(d time.Duration) Option {
	return func(g *Backend) { g.backoff = d }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(g *Backend) { g.now = now }
}

// New wraps a backend with the guardrails.
func New(inner backend.Backend, opts ...Option) *Backend {
	g := &Backend{
		inner:      inner,
		backoff:    DefaultRateLimitBackoff,
		now:        time.Now,
		sendCounts: make(map[string]int),
		cache:      make(map[string]backend.ToolResult),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsAvailable reports whether the wrapped backend is reachable.
func (g *Backend) IsAvailable(ctx context.Context) bool {
	return g.inner.IsAvailable(ctx)
}

// CallTool applies the guardrails, then delegates to the wrapped backend.
// Guardrail rejections are returned as blocked results, not errors, so the
// model can read the message and self-correct.
func (g *Backend) CallTool(ctx context.Context, name string, args map[string]any) (backend.ToolResult, error) {
	if url, ok := args["url"].(string); ok {
		if g.scope != nil && !g.scope.IsInScope(url) {
			log.Warn().Str("tool", name).Str("url", url).Msg("Off-target URL rejected")
			return backend.BlockedResult("Request rejected: the URL is outside the authorized target scope. Test only hosts belonging to the target."), nil
		}
		if isBruteForceURL(url) {
			log.Warn().Str("tool", name).Msg("Brute-force payload pattern rejected")
			return backend.BlockedResult("Request rejected: repeated UNION SELECT NULL enumeration detected. Use the send_to_scanner deep scan instead of brute-forcing column counts."), nil
		}
	}

	if wait := g.rateLimitRemaining(); wait > 0 {
		return backend.BlockedResult(fmt.Sprintf("Rate limited by the target; waiting %.0fs before the next request.", wait.Seconds())), nil
	}

	var sig string
	if name == backend.ToolSendHTTPRequest {
		sig = requestSignature(args)
		if cached, ok := g.cachedResult(sig); ok {
			log.Debug().Str("url", fmt.Sprint(args["url"])).Msg("Identical request served from cache")
			return cached, nil
		}
	}

	result, err := g.inner.CallTool(ctx, name, args)
	if err != nil {
		return result, err
	}

	if sig != "" {
		g.recordSend(sig, result)
	}
	if result.Status() == 429 {
		g.NoteRateLimit()
	}
	return result, nil
}

// NoteRateLimit opens the rate-limit window, used both for tool-side 429s and
// for model-side rate-limit errors.
func (g *Backend) NoteRateLimit() {
	g.mu.Lock()
	g.rateLimitUntil = g.now().Add(g.backoff)
	g.mu.Unlock()
	log.Warn().Dur("backoff", g.backoff).Msg("Rate limit observed, holding off requests")
}

// RateLimitedFor returns the remaining hold-off window, zero when none.
func (g *Backend) RateLimitedFor() time.Duration {
	return g.rateLimitRemaining()
}

func (g *Backend) rateLimitRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if remaining := g.rateLimitUntil.Sub(g.now()); remaining > 0 {
		return remaining
	}
	return 0
}

func (g *Backend) cachedResult(sig string) (backend.ToolResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendCounts[sig] >= duplicateSendLimit {
		if cached, ok := g.cache[sig]; ok {
			return cached, true
		}
	}
	return backend.ToolResult{}, false
}

func (g *Backend) recordSend(sig string, result backend.ToolResult) {
	g.mu.Lock()
	g.sendCounts[sig]++
	g.cache[sig] = result
	g.mu.Unlock()
}

// requestSignature builds a stable identity for an HTTP request from its
// method, url, body and headers.
func requestSignature(args map[string]any) string {
	method := strings.ToUpper(fmt.Sprint(args["method"]))
	url := fmt.Sprint(args["url"])
	body := fmt.Sprint(args["body"])

	var headerPart string
	if headers, ok := args["headers"].(map[string]any); ok {
		keys := make([]string, 0, len(headers))
		for k := range headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+fmt.Sprint(headers[k]))
		}
		headerPart = strings.Join(parts, ";")
	}

	raw, _ := json.Marshal([]string{method, url, body, headerPart})
	return string(raw)
}

// isBruteForceURL detects column-count enumeration via repeated
// UNION SELECT NULL fragments, including URL-encoded spellings.
func isBruteForceURL(url string) bool {
	normalized := strings.ToLower(url)
	for _, enc := range []string{"%20", "+", "/**/"} {
		normalized = strings.ReplaceAll(normalized, enc, " ")
	}
	return strings.Count(normalized, "union select null") >= bruteForceRepeatThreshold ||
		strings.Count(normalized, "null,") >= bruteForceRepeatThreshold*2
}
