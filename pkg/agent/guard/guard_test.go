package guard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/periscan/periscan/pkg/backend"
	"github.com/periscan/periscan/pkg/scope"
)

type recordingBackend struct {
	mu     sync.Mutex
	calls  int
	status int
	body   string
}

func (r *recordingBackend) IsAvailable(ctx context.Context) bool { return true }

func (r *recordingBackend) CallTool(ctx context.Context, name string, args map[string]any) (backend.ToolResult, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()
	status := r.status
	if status == 0 {
		status = 200
	}
	return backend.ParseToolResult(fmt.Sprintf(`{"status": %d, "body": "%s call %d"}`, status, r.body, n)), nil
}

func (r *recordingBackend) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestGuard_RejectsBruteForceURL(t *testing.T) {
	inner := &recordingBackend{}
	g := New(inner)

	url := "https://example.com/items?id=1" + strings.Repeat("%20UNION%20SELECT%20NULL", 5)
	result, err := g.CallTool(context.Background(), backend.ToolSendHTTPRequest, map[string]any{
		"url": url, "method": "GET",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.Blocked {
		t.Error("Expected brute-force URL to be blocked")
	}
	if !strings.Contains(result.Message, "send_to_scanner") {
		t.Errorf("Expected redirect toward the deep scan tool, got %q", result.Message)
	}
	if inner.callCount() != 0 {
		t.Errorf("Backend must not be contacted, got %d calls", inner.callCount())
	}
}

func TestGuard_AllowsModerateUnionPayloads(t *testing.T) {
	inner := &recordingBackend{}
	g := New(inner)

	result, err := g.CallTool(context.Background(), backend.ToolSendHTTPRequest, map[string]any{
		"url": "https://example.com/items?id=1%20UNION%20SELECT%20NULL", "method": "GET",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.Blocked {
		t.Error("A single UNION SELECT NULL must not be blocked")
	}
}

func TestGuard_DuplicateRequestCache(t *testing.T) {
	inner := &recordingBackend{}
	g := New(inner)
	args := map[string]any{"url": "https://example.com/login", "method": "POST", "body": "user=a"}

	first, _ := g.CallTool(context.Background(), backend.ToolSendHTTPRequest, args)
	second, _ := g.CallTool(context.Background(), backend.ToolSendHTTPRequest, args)
	third, _ := g.CallTool(context.Background(), backend.ToolSendHTTPRequest, args)

	if inner.callCount() != 2 {
		t.Fatalf("Expected exactly 2 backend calls, got %d", inner.callCount())
	}
	if first.Raw == second.Raw {
		t.Error("First two sends should be fresh backend calls")
	}
	if third.Raw != second.Raw {
		t.Error("Third send should be served from cache")
	}
}

func TestGuard_DifferentBodiesNotDeduplicated(t *testing.T) {
	inner := &recordingBackend{}
	g := New(inner)

	for i := 0; i < 3; i++ {
		g.CallTool(context.Background(), backend.ToolSendHTTPRequest, map[string]any{
			"url": "https://example.com/login", "method": "POST", "body": fmt.Sprintf("user=%d", i),
		})
	}
	if inner.callCount() != 3 {
		t.Errorf("Distinct bodies must all reach the backend, got %d calls", inner.callCount())
	}
}

func TestGuard_RateLimitWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	inner := &recordingBackend{status: 429}
	g := New(inner, WithClock(clock))

	// First call observes the 429 and opens the window.
	result, err := g.CallTool(context.Background(), backend.ToolSendHTTPRequest, map[string]any{
		"url": "https://example.com/a", "method": "GET",
	})
	if err != nil || result.Blocked {
		t.Fatalf("First call should reach the backend: result=%+v err=%v", result, err)
	}

	// Calls inside the window get the waiting placeholder.
	result, _ = g.CallTool(context.Background(), backend.ToolSendHTTPRequest, map[string]any{
		"url": "https://example.com/b", "method": "GET",
	})
	if !result.Blocked || !strings.Contains(result.Message, "waiting") {
		t.Errorf("Expected waiting placeholder inside the window, got %+v", result)
	}
	if inner.callCount() != 1 {
		t.Errorf("Backend must not be contacted during the window, got %d calls", inner.callCount())
	}

	// After 60s the window closes.
	now = now.Add(61 * time.Second)
	inner.status = 200
	result, _ = g.CallTool(context.Background(), backend.ToolSendHTTPRequest, map[string]any{
		"url": "https://example.com/c", "method": "GET",
	})
	if result.Blocked {
		t.Error("Window should have expired")
	}
}

func TestGuard_NoteRateLimitFromModelSide(t *testing.T) {
	now := time.Unix(1000, 0)
	inner := &recordingBackend{}
	g := New(inner, WithClock(func() time.Time { return now }))

	g.NoteRateLimit()
	if g.RateLimitedFor() <= 0 {
		t.Error("Expected an open rate-limit window after NoteRateLimit")
	}

	result, _ := g.CallTool(context.Background(), backend.ToolSendHTTPRequest, map[string]any{
		"url": "https://example.com", "method": "GET",
	})
	if !result.Blocked {
		t.Error("Expected calls to be held during a model-side backoff")
	}
}

func TestGuard_RejectsOffTargetHosts(t *testing.T) {
	inner := &recordingBackend{}
	g := New(inner, WithScope(scope.FromTarget("https://example.com")))

	result, err := g.CallTool(context.Background(), backend.ToolSendHTTPRequest, map[string]any{
		"url": "https://attacker.evil.net/exfil", "method": "GET",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.Blocked {
		t.Error("Expected off-target URL to be blocked")
	}
	if inner.callCount() != 0 {
		t.Errorf("Backend must not be contacted for off-target URLs, got %d calls", inner.callCount())
	}

	result, _ = g.CallTool(context.Background(), backend.ToolSendHTTPRequest, map[string]any{
		"url": "https://example.com/login", "method": "GET",
	})
	if result.Blocked {
		t.Error("Target host must stay allowed")
	}
}

func TestRequestSignature_HeaderOrderInsensitive(t *testing.T) {
	a := requestSignature(map[string]any{
		"url": "https://example.com", "method": "GET",
		"headers": map[string]any{"X-A": "1", "X-B": "2"},
	})
	b := requestSignature(map[string]any{
		"url": "https://example.com", "method": "GET",
		"headers": map[string]any{"X-B": "2", "X-A": "1"},
	})
	if a != b {
		t.Error("Signature must not depend on header map iteration order")
	}
}
