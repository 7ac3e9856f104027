package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/pkg/agent/control"
	"github.com/periscan/periscan/pkg/agent/detect"
	"github.com/periscan/periscan/pkg/agent/parse"
	"github.com/periscan/periscan/pkg/agent/shared"
	"github.com/periscan/periscan/pkg/backend"
	"github.com/periscan/periscan/pkg/llm"
)

const (
	// defaultPausePoll is how often a paused worker re-checks its control.
	defaultPausePoll = 500 * time.Millisecond
	// defaultEmptyWait is the sleep when no role-appropriate work exists.
	defaultEmptyWait = 2 * time.Second
)

// Worker is one role-specialized agent. Workers share nothing but the State
// and its bus; all their own fields are touched only by their own goroutine,
// except the iteration counter.
type Worker struct {
	ID     string
	Role   Role
	Target string

	state    *shared.State
	backend  backend.Backend
	throttle *llm.Throttle
	ctrl     *control.RunControl
	limiter  *rate.Limiter

	iterations int
	pausePoll  time.Duration
	emptyWait  time.Duration
	sleep      func(ctx context.Context, d time.Duration)

	mu   sync.Mutex
	done int
}

// IterationsDone returns how many work items this worker has completed.
func (w *Worker) IterationsDone() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Run executes the worker loop until the iteration budget is spent or the
// run is stopped. Blocking waits go through the injectable sleep so tests
// run without real delays.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("worker", w.ID).Msg("Worker started")
	defer log.Info().Str("worker", w.ID).Int("iterations", w.IterationsDone()).Msg("Worker finished")

	for i := 0; i < w.iterations; i++ {
		if !w.waitWhilePaused(ctx) {
			return
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		item := w.fetchWork()
		if item == nil {
			w.sleep(ctx, w.emptyWait)
			continue
		}

		w.iterate(ctx, item)

		w.mu.Lock()
		w.done++
		w.mu.Unlock()
	}
}

// waitWhilePaused polls the control state until running. Returns false once
// the run is stopped or the context is cancelled.
func (w *Worker) waitWhilePaused(ctx context.Context) bool {
	for {
		if ctx.Err() != nil || w.ctrl.IsStopped() {
			return false
		}
		if !w.ctrl.IsPaused() {
			return true
		}
		w.sleep(ctx, w.pausePoll)
	}
}

// fetchWork selects the next role-appropriate endpoint. Nil means there is
// currently nothing for this role to do.
func (w *Worker) fetchWork() *shared.Endpoint {
	switch w.Role {
	case RoleCrawler:
		// Crawlers expand known surface; rotate over everything registered.
		endpoints := w.state.Endpoints()
		if len(endpoints) == 0 {
			return &shared.Endpoint{URL: w.Target, Method: "GET"}
		}
		return endpoints[w.IterationsDone()%len(endpoints)]
	case RoleScanner:
		untested := w.state.UntestedEndpoints(1)
		if len(untested) == 0 {
			return nil
		}
		return untested[0]
	case RoleFuzzer:
		for _, endpoint := range w.state.UntestedEndpoints(0) {
			if endpoint.HasInput() {
				return endpoint
			}
		}
		return nil
	case RoleAnalyzer:
		var analyzed []*shared.Endpoint
		for _, endpoint := range w.state.Endpoints() {
			if endpoint.Tested && endpoint.LastResult != "" {
				analyzed = append(analyzed, endpoint)
			}
		}
		if len(analyzed) == 0 {
			return nil
		}
		return analyzed[w.IterationsDone()%len(analyzed)]
	}
	return nil
}

func (w *Worker) iterate(ctx context.Context, item *shared.Endpoint) {
	resp, err := w.throttle.Enqueue(ctx, llm.Request{
		System: w.Role.systemPrompt(),
		User:   w.buildPrompt(item),
	})
	if err != nil {
		w.noteModelError(ctx, err)
		log.Warn().Err(err).Str("worker", w.ID).Msg("Model call failed, skipping iteration")
		return
	}

	obj, ok := parse.Extract(resp.Text)
	if !ok {
		log.Debug().Str("worker", w.ID).Msg("Unparseable model response")
		return
	}
	decision := parse.Normalize(obj)
	if decision == nil {
		return
	}

	if decision.Thought != "" {
		w.state.Bus().Publish(shared.Event{
			Topic:   shared.TopicWorkerLog,
			AgentID: w.ID,
			Message: decision.Thought,
		})
	}

	for _, discovered := range decision.Discovered {
		added := w.state.AddEndpoint(&shared.Endpoint{
			URL:      discovered.URL,
			Method:   discovered.Method,
			Params:   discovered.Params,
			Body:     discovered.Body,
			AgentID:  w.ID,
			Priority: 5,
		})
		if added {
			log.Debug().Str("worker", w.ID).Str("url", discovered.URL).Msg("Endpoint discovered")
		}
	}

	if s := decision.Session; s != nil {
		w.state.AddSession(&db.Session{
			ScanID:  w.ctrl.ScanID(),
			AgentID: w.ID,
			Label:   s.Label,
			Token:   s.Token,
			Cookies: s.Cookies,
		})
		log.Info().Str("worker", w.ID).Str("label", s.Label).Msg("Session material captured")
	}

	// Workers only ever raise suspicions. Promotion to a confirmed finding
	// is the verification pipeline's privilege.
	for _, finding := range collectFindings(decision) {
		w.reportSuspicion(item, finding, "", "")
	}

	if decision.Action != nil {
		w.execute(ctx, item, decision.Action)
	}
}

// rateLimiter is satisfied by the guarded backend; workers arm the shared
// hold-off window on model-side rate limits so the whole pool slows down.
type rateLimiter interface {
	NoteRateLimit()
	RateLimitedFor() time.Duration
}

// noteModelError applies the rate-limit backoff when the model itself
// reports a rate limit.
func (w *Worker) noteModelError(ctx context.Context, err error) {
	if !llm.IsRetriableError(err) {
		return
	}
	limiter, ok := w.backend.(rateLimiter)
	if !ok {
		return
	}
	limiter.NoteRateLimit()
	w.sleep(ctx, limiter.RateLimitedFor())
}

func (w *Worker) execute(ctx context.Context, item *shared.Endpoint, action *parse.ToolCall) {
	result, err := w.backend.CallTool(ctx, action.Tool, action.Args)
	w.state.CountRequest()
	if err != nil {
		log.Warn().Err(err).Str("worker", w.ID).Str("tool", action.Tool).Msg("Tool call failed")
		return
	}

	request := describeRequest(action)
	payload := fmt.Sprint(action.Args["payload"])
	if payload == "<nil>" {
		payload = extractPayload(action.Args)
	}

	if w.Role == RoleScanner || w.Role == RoleFuzzer {
		w.state.MarkTested(item.URL, item.Method, summarizeResult(result))
	}

	// Pattern-based auto-detection catches what the model misses.
	for _, detection := range detect.Inspect(payload, result) {
		w.reportSuspicionTyped(item, detection.Type, payload, detection.Evidence, request, result.Body())
	}
}

func (w *Worker) reportSuspicion(item *shared.Endpoint, finding parse.Finding, request, response string) {
	url := finding.URL
	if url == "" {
		url = item.URL
	}
	method := finding.Method
	if method == "" {
		method = item.Method
	}
	w.state.ReportSuspicion(&shared.Suspicion{
		ID:        uuid.NewString(),
		Type:      db.NormalizeVulnType(finding.Type),
		URL:       url,
		Method:    method,
		Parameter: finding.Parameter,
		Payload:   finding.Payload,
		Evidence:  finding.Evidence,
		Request:   request,
		Response:  response,
		AgentID:   w.ID,
	})
}

func (w *Worker) reportSuspicionTyped(item *shared.Endpoint, vulnType db.VulnType, payload, evidence, request, response string) {
	w.state.ReportSuspicion(&shared.Suspicion{
		ID:       uuid.NewString(),
		Type:     vulnType,
		URL:      item.URL,
		Method:   item.Method,
		Payload:  payload,
		Evidence: evidence,
		Request:  request,
		Response: response,
		AgentID:  w.ID,
	})
}

func (w *Worker) buildPrompt(item *shared.Endpoint) string {
	stats := w.state.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s\n", w.Target)
	fmt.Fprintf(&b, "Progress: %d endpoints discovered, %d tested, %d requests sent, %d findings.\n\n",
		stats.EndpointsDiscovered, stats.EndpointsTested, stats.RequestsSent, stats.VulnsFound)

	fmt.Fprintf(&b, "Current work item: %s %s\n", item.Method, item.URL)
	if len(item.Params) > 0 {
		fmt.Fprintf(&b, "Parameters: %s\n", joinParams(item.Params))
	}
	if item.Body != "" {
		fmt.Fprintf(&b, "Body: %s\n", item.Body)
	}
	if item.LastResult != "" {
		fmt.Fprintf(&b, "Last test result: %s\n", item.LastResult)
	}

	b.WriteString("\nDecide your next step for this item.")
	return b.String()
}

// collectFindings flattens the single and plural finding fields.
func collectFindings(decision *parse.Decision) []parse.Finding {
	var findings []parse.Finding
	if decision.Finding != nil {
		findings = append(findings, *decision.Finding)
	}
	findings = append(findings, decision.Findings...)
	return findings
}

func describeRequest(action *parse.ToolCall) string {
	args, err := json.Marshal(action.Args)
	if err != nil {
		return action.Tool
	}
	return action.Tool + " " + string(args)
}

// extractPayload pulls the most attacker-controlled value out of tool args
// when no explicit payload field was given.
func extractPayload(args map[string]any) string {
	if body, ok := args["body"].(string); ok && body != "" {
		return body
	}
	if params, ok := args["params"].(map[string]any); ok {
		for _, v := range params {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	if url, ok := args["url"].(string); ok {
		if idx := strings.Index(url, "?"); idx >= 0 {
			return url[idx+1:]
		}
	}
	return ""
}

func summarizeResult(result backend.ToolResult) string {
	status := result.Status()
	body := result.Body()
	if len(body) > 120 {
		body = body[:120] + "..."
	}
	if status > 0 {
		return fmt.Sprintf("status=%d %s", status, body)
	}
	return body
}

func joinParams(params map[string]string) string {
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "&")
}
