package recheck

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/pkg/agent/shared"
	"github.com/periscan/periscan/pkg/backend"
	"github.com/periscan/periscan/pkg/llm"
)

func instantSleep(ctx context.Context, d time.Duration) {}

// fakeBackend records tool calls and returns a canned body.
type fakeBackend struct {
	mu    sync.Mutex
	calls []map[string]any
	body  string
	err   error
}

func (f *fakeBackend) IsAvailable(ctx context.Context) bool { return true }

func (f *fakeBackend) CallTool(ctx context.Context, name string, args map[string]any) (backend.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if f.err != nil {
		return backend.ToolResult{}, f.err
	}
	return backend.ParseToolResult(fmt.Sprintf(`{"status": 200, "body": %q}`, f.body)), nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeStore records persisted findings in memory.
type fakeStore struct {
	mu    sync.Mutex
	vulns []db.Vulnerability
}

func (f *fakeStore) CreateVulnerability(vuln db.Vulnerability) (db.Vulnerability, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.vulns {
		if existing.ScanID == vuln.ScanID && existing.VulnType == vuln.VulnType && existing.Path == vuln.Path {
			return existing, false, nil
		}
	}
	f.vulns = append(f.vulns, vuln)
	return vuln, true, nil
}

func verdictProvider(confirmed bool, confidence int) llm.Provider {
	return llm.ProviderFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{
			Text: fmt.Sprintf(`{"confirmed": %v, "confidence": %d, "reason": "test verdict"}`, confirmed, confidence),
		}, nil
	})
}

func newTestPipeline(t *testing.T, provider llm.Provider, be backend.Backend) (*Pipeline, *shared.State, *fakeStore) {
	t.Helper()
	state := shared.NewState()
	store := &fakeStore{}
	throttle := llm.NewThrottle(provider,
		llm.WithMinDelay(0),
		llm.WithSleepFunc(instantSleep),
	)
	t.Cleanup(throttle.Close)

	p := New(state, be, throttle, store, 1,
		WithSleepFunc(instantSleep),
		WithPollInterval(time.Millisecond),
	)
	return p, state, store
}

func sqliSuspicion() *shared.Suspicion {
	return &shared.Suspicion{
		ID:        "s-1",
		Type:      db.VulnSQLI,
		URL:       "https://example.com/login",
		Method:    "POST",
		Parameter: "username",
		Payload:   "'",
		Evidence:  "sql syntax error near ''' at line 1",
		AgentID:   "scanner-1",
	}
}

func TestPipeline_ConfirmsAtThreshold(t *testing.T) {
	be := &fakeBackend{body: "You have an error in your SQL syntax"}
	p, state, store := newTestPipeline(t, verdictProvider(true, 70), be)

	p.Process(context.Background(), sqliSuspicion())

	if p.Confirmed() != 1 {
		t.Fatalf("Expected 1 confirmed, got %d", p.Confirmed())
	}
	vulns := state.Vulnerabilities()
	if len(vulns) != 1 {
		t.Fatalf("Expected 1 vulnerability in state, got %d", len(vulns))
	}
	v := vulns[0]
	if !v.Verified {
		t.Error("Expected finding to be verified")
	}
	if v.Confidence != 70 {
		t.Errorf("Expected confidence 70, got %d", v.Confidence)
	}
	if v.Name != "SQL Injection - /login" {
		t.Errorf("Unexpected finding name: %s", v.Name)
	}
	if v.Severity.String() != "Critical" {
		t.Errorf("Expected Critical severity from the knowledge base, got %s", v.Severity)
	}
	if len(v.ProofOfConcept) == 0 {
		t.Error("Expected proof-of-concept steps")
	}
	if len(store.vulns) != 1 {
		t.Errorf("Expected finding to be persisted, got %d", len(store.vulns))
	}
}

func TestPipeline_RejectsBelowThreshold(t *testing.T) {
	be := &fakeBackend{body: "login failed"}
	p, state, store := newTestPipeline(t, verdictProvider(true, 69), be)

	p.Process(context.Background(), sqliSuspicion())

	if p.Confirmed() != 0 {
		t.Errorf("Expected 0 confirmed, got %d", p.Confirmed())
	}
	if p.Rejected() != 1 {
		t.Errorf("Expected 1 rejected, got %d", p.Rejected())
	}
	if len(state.Vulnerabilities()) != 0 {
		t.Error("Rejected suspicion must not be recorded")
	}
	if len(store.vulns) != 0 {
		t.Error("Rejected suspicion must not be persisted")
	}
}

func TestPipeline_RejectsUnconfirmedDespiteConfidence(t *testing.T) {
	be := &fakeBackend{body: "nothing interesting"}
	p, _, _ := newTestPipeline(t, verdictProvider(false, 95), be)

	p.Process(context.Background(), sqliSuspicion())

	if p.Rejected() != 1 {
		t.Errorf("Expected rejection when confirmed=false, got rejected=%d", p.Rejected())
	}
}

func TestPipeline_FailOpenOnModelError(t *testing.T) {
	provider := llm.ProviderFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{}, errors.New("model unavailable")
	})
	be := &fakeBackend{body: "sql syntax error"}
	p, state, store := newTestPipeline(t, provider, be)

	p.Process(context.Background(), sqliSuspicion())

	vulns := state.Vulnerabilities()
	if len(vulns) != 1 {
		t.Fatalf("Expected a fail-open finding, got %d", len(vulns))
	}
	v := vulns[0]
	if v.Verified {
		t.Error("Fail-open finding must be unverified")
	}
	if v.Severity.String() != "Low" {
		t.Errorf("Fail-open finding must be Low severity, got %s", v.Severity)
	}
	if v.Note == "" {
		t.Error("Fail-open finding should carry a manual-review note")
	}
	if len(store.vulns) != 1 {
		t.Error("Fail-open finding should be persisted")
	}
	if p.Confirmed() != 0 {
		t.Errorf("Fail-open must not count as confirmed, got %d", p.Confirmed())
	}
}

func TestPipeline_FailOpenOnUnparseableVerdict(t *testing.T) {
	provider := llm.ProviderFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{Text: "I cannot decide without more information."}, nil
	})
	be := &fakeBackend{body: "ok"}
	p, state, _ := newTestPipeline(t, provider, be)

	p.Process(context.Background(), sqliSuspicion())

	vulns := state.Vulnerabilities()
	if len(vulns) != 1 || vulns[0].Verified {
		t.Fatalf("Expected one unverified fail-open finding, got %+v", vulns)
	}
}

func TestPipeline_ProbeErrorsDoNotAbort(t *testing.T) {
	be := &fakeBackend{err: errors.New("connection refused")}
	p, state, _ := newTestPipeline(t, verdictProvider(true, 90), be)

	p.Process(context.Background(), sqliSuspicion())

	if len(state.Vulnerabilities()) != 1 {
		t.Fatal("Probe failures must not prevent the model verdict")
	}
}

func TestPipeline_SendsAtMostThreePayloads(t *testing.T) {
	be := &fakeBackend{body: "ok"}
	p, _, _ := newTestPipeline(t, verdictProvider(false, 10), be)

	p.Process(context.Background(), sqliSuspicion())

	if be.callCount() > 3 {
		t.Errorf("Expected at most 3 probes, got %d", be.callCount())
	}
	if be.callCount() == 0 {
		t.Error("Expected at least one probe")
	}
}

func TestPipeline_ConsumesBusEvents(t *testing.T) {
	be := &fakeBackend{body: "You have an error in your SQL syntax"}
	p, state, _ := newTestPipeline(t, verdictProvider(true, 95), be)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	state.ReportSuspicion(sqliSuspicion())

	deadline := time.After(2 * time.Second)
	for p.Confirmed() == 0 {
		select {
		case <-deadline:
			t.Fatal("Pipeline did not process the bus suspicion in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
	p.Stop()

	if len(state.Vulnerabilities()) != 1 {
		t.Errorf("Expected one confirmed finding, got %d", len(state.Vulnerabilities()))
	}
}

func TestPipeline_StopDrainsQueue(t *testing.T) {
	be := &fakeBackend{body: "You have an error in your SQL syntax"}
	p, _, _ := newTestPipeline(t, verdictProvider(true, 95), be)

	p.Enqueue(sqliSuspicion())
	second := sqliSuspicion()
	second.URL = "https://example.com/search"
	p.Enqueue(second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Stop()

	if p.Confirmed() != 2 {
		t.Errorf("Expected both queued suspicions processed before exit, got %d", p.Confirmed())
	}
	if p.Pending() != 0 {
		t.Errorf("Expected empty queue after stop, got %d", p.Pending())
	}
}

func TestExtraPayloads_DistinctPerType(t *testing.T) {
	types := []db.VulnType{db.VulnSQLI, db.VulnXSS, db.VulnIDOR, db.VulnLFI, db.VulnRCE}
	seen := make(map[string]db.VulnType)
	for _, vt := range types {
		payloads := extraPayloads(vt)
		if len(payloads) == 0 {
			t.Errorf("No payloads for %s", vt)
		}
		key := fmt.Sprint(payloads)
		if prev, dup := seen[key]; dup {
			t.Errorf("Payload set for %s duplicates %s", vt, prev)
		}
		seen[key] = vt
	}
}

func TestGeneratePoC_TypeSpecific(t *testing.T) {
	idor := generatePoC(&shared.Suspicion{Type: db.VulnIDOR, URL: "https://example.com/api/users/5", Parameter: "id"})
	found := false
	for _, step := range idor {
		if strings.Contains(step, "session") {
			found = true
		}
	}
	if !found {
		t.Error("IDOR proof of concept should involve a session swap")
	}

	sqli := generatePoC(&shared.Suspicion{Type: db.VulnSQLI, URL: "https://example.com/login", Method: "POST", Parameter: "username"})
	found = false
	for _, step := range sqli {
		if strings.Contains(step, "UNION SELECT") || strings.Contains(step, "time-based") {
			found = true
		}
	}
	if !found {
		t.Error("SQLi proof of concept should suggest a UNION or time-based follow-up")
	}
}
