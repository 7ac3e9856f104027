// Package orchestrator implements the single-agent scan mode: an iterative
// Plan → Execute → Replan loop driving the tool backend under model guidance,
// interruptible by a human operator at every step boundary.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/lib"
	"github.com/periscan/periscan/pkg/agent/control"
	"github.com/periscan/periscan/pkg/agent/detect"
	"github.com/periscan/periscan/pkg/agent/guard"
	"github.com/periscan/periscan/pkg/agent/parse"
	"github.com/periscan/periscan/pkg/agent/shared"
	"github.com/periscan/periscan/pkg/backend"
	"github.com/periscan/periscan/pkg/llm"
	"github.com/periscan/periscan/pkg/scope"
)

// Phase is the orchestrator's position in its state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePlanning   Phase = "planning"
	PhaseExecuting  Phase = "executing"
	PhaseReplanning Phase = "replanning"
	PhaseReporting  Phase = "reporting"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseStopped    Phase = "stopped"
)

// Store is the persistence surface the orchestrator needs.
// *db.DatabaseConnection satisfies it.
type Store interface {
	CreateVulnerability(vuln db.Vulnerability) (db.Vulnerability, bool, error)
	UpdateScanStatus(id uint, status db.ScanStatus, errorMsg string) error
	UpdateScanProgress(id uint, rounds, actions int, tokensIn, tokensOut int64) error
}

// Config sizes one orchestrator run.
type Config struct {
	Target           string
	ScanID           uint
	Instructions     string
	MaxRounds        int
	MaxIterations    int
	StepsPerPlan     int
	ToolCallsPerStep int
	HistoryWindow    int
	RateLimitBackoff time.Duration
}

// ConfigFromViper builds a Config from the agent.* settings.
func ConfigFromViper(target, instructions string, scanID uint) Config {
	return Config{
		Target:           target,
		ScanID:           scanID,
		Instructions:     instructions,
		MaxRounds:        viper.GetInt("agent.max_plan_rounds"),
		MaxIterations:    viper.GetInt("agent.max_iterations"),
		StepsPerPlan:     viper.GetInt("agent.steps_per_plan"),
		ToolCallsPerStep: viper.GetInt("agent.tool_calls_per_step"),
		HistoryWindow:    viper.GetInt("agent.history_window"),
		RateLimitBackoff: time.Duration(viper.GetInt("agent.rate_limit_backoff")) * time.Second,
	}
}

// Status is a snapshot of the run for external pollers.
type Status struct {
	Phase     Phase        `json:"phase"`
	Round     int          `json:"round"`
	Actions   int          `json:"actions"`
	Stats     shared.Stats `json:"stats"`
	TokensIn  int64        `json:"tokens_in"`
	TokensOut int64        `json:"tokens_out"`
}

// Orchestrator runs one Plan → Execute → Replan scan. All fields are owned
// by the run loop; Pause, Resume, Stop and HandleUserCommand are the only
// thread-safe entry points.
type Orchestrator struct {
	target       string
	scanID       uint
	instructions string

	state    *shared.State
	backend  *guard.Backend
	throttle *llm.Throttle
	store    Store
	ctrl     *control.RunControl
	runlog   *lib.RunLog
	conv     *Conversation
	scope    *ScopeDecision

	maxRounds        int
	maxIterations    int
	stepsPerPlan     int
	toolCallsPerStep int
	rateLimitWait    time.Duration
	sleep            func(ctx context.Context, d time.Duration)

	mu            sync.Mutex
	phase         Phase
	round         int
	actions       int
	commands      []string
	savedFindings map[string]bool
	lastRequest   string
	lastResponse  string
	lastURL       string
	tokensIn      int64
	tokensOut     int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleepFunc overrides how the orchestrator waits, for deterministic
// tests.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New assembles an Orchestrator. The backend is wrapped with the standard
// guardrails; store may be nil for in-memory runs.
func New(cfg Config, be backend.Backend, throttle *llm.Throttle, store Store, opts ...Option) *Orchestrator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50
	}
	if cfg.StepsPerPlan <= 0 {
		cfg.StepsPerPlan = 5
	}
	if cfg.ToolCallsPerStep <= 0 {
		cfg.ToolCallsPerStep = 5
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 40
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 60 * time.Second
	}

	o := &Orchestrator{
		target:           cfg.Target,
		scanID:           cfg.ScanID,
		instructions:     cfg.Instructions,
		state:            shared.NewState(),
		backend:          guard.New(be, guard.WithBackoff(cfg.RateLimitBackoff), guard.WithScope(scope.FromTarget(cfg.Target))),
		throttle:         throttle,
		store:            store,
		ctrl:             control.New(cfg.ScanID),
		runlog:           lib.NewRunLog(),
		maxRounds:        cfg.MaxRounds,
		maxIterations:    cfg.MaxIterations,
		stepsPerPlan:     cfg.StepsPerPlan,
		toolCallsPerStep: cfg.ToolCallsPerStep,
		rateLimitWait:    cfg.RateLimitBackoff,
		phase:            PhaseIdle,
		savedFindings:    make(map[string]bool),
	}
	o.conv = NewConversation(o.systemPrompt(), cfg.HistoryWindow)
	o.sleep = func(ctx context.Context, d time.Duration) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) systemPrompt() string {
	var b strings.Builder
	if o.instructions != "" {
		b.WriteString("HIGHEST PRIORITY OPERATOR INSTRUCTIONS:\n")
		b.WriteString(o.instructions)
		b.WriteString("\n\n")
	}
	b.WriteString(`You are an autonomous penetration testing agent conducting an authorized security assessment of ` + o.target + `. You plan attacks, execute them through named tools, and report findings with concrete evidence. You never test hosts outside the authorized target. Report a finding only when the response demonstrates the vulnerability.`)
	return b.String()
}

// State exposes the shared run state.
func (o *Orchestrator) State() *shared.State {
	return o.state
}

// GetState returns a snapshot of the run.
func (o *Orchestrator) GetState() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Phase:     o.phase,
		Round:     o.round,
		Actions:   o.actions,
		Stats:     o.state.Snapshot(),
		TokensIn:  o.tokensIn,
		TokensOut: o.tokensOut,
	}
}

// GetLogs returns run log entries from the given index onward. Callers keep
// the last index they saw and poll incrementally.
func (o *Orchestrator) GetLogs(since int) []lib.LogEntry {
	return o.runlog.Since(since)
}

// Pause suspends the run at the next step boundary.
func (o *Orchestrator) Pause() {
	o.ctrl.Pause()
	o.runlog.Log(lib.INFO, "Run paused by operator")
	o.updateStatus(db.ScanStatusPaused, "")
}

// Resume releases a paused run.
func (o *Orchestrator) Resume() {
	o.ctrl.Resume()
	o.runlog.Log(lib.INFO, "Run resumed by operator")
	o.updateStatus(db.ScanStatusRunning, "")
}

// Stop ends the run cooperatively at the next step boundary.
func (o *Orchestrator) Stop() {
	o.ctrl.Stop()
	o.runlog.Log(lib.INFO, "Run stopped by operator")
}

// HandleUserCommand accepts operator input during a run. Control keywords
// act immediately; anything else is queued and injected into the next model
// call as a highest-priority directive.
func (o *Orchestrator) HandleUserCommand(text string) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "pause":
		o.Pause()
	case "resume":
		o.Resume()
	case "stop":
		o.Stop()
	case "":
	default:
		o.mu.Lock()
		o.commands = append(o.commands, text)
		o.mu.Unlock()
		o.runlog.Logf(lib.INFO, "Operator command queued: %s", text)
	}
}

// Start runs the scan to a terminal state. It never panics across the
// boundary: any failure resolves to a failed status, and the returned error
// is informational for the caller.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.updateStatus(db.ScanStatusRunning, "")
	err := o.run(ctx)

	switch {
	case err != nil:
		o.setPhase(PhaseFailed)
		o.updateStatus(db.ScanStatusFailed, err.Error())
		o.runlog.Logf(lib.ERROR, "Scan failed: %v", err)
	case o.currentPhase() == PhaseStopped:
		o.updateStatus(db.ScanStatusStopped, "")
	default:
		o.setPhase(PhaseCompleted)
		o.updateStatus(db.ScanStatusCompleted, "")
	}
	o.persistProgress()
	return err
}

func (o *Orchestrator) run(ctx context.Context) error {
	if o.target == "" {
		return fmt.Errorf("no target configured")
	}
	if !o.backend.IsAvailable(ctx) {
		return fmt.Errorf("tool backend unavailable")
	}
	if _, err := o.backend.CallTool(ctx, backend.ToolAddToScope, map[string]any{"url": o.target}); err != nil {
		return fmt.Errorf("adding target to scope: %w", err)
	}

	o.state.AddEndpoint(&shared.Endpoint{URL: o.target, Method: "GET", AgentID: "orchestrator", Priority: 10})
	o.runlog.Logf(lib.INFO, "Scan started against %s", o.target)

	if o.instructions != "" {
		o.scope = o.classifyScope(ctx, o.instructions)
		if o.scope != nil && o.scope.Summary != "" {
			o.runlog.Logf(lib.INFO, "Scope: %s", o.scope.Summary)
		}
	}

	for round := 1; round <= o.maxRounds; round++ {
		if !o.checkpoint() {
			return nil
		}
		o.drainCommands()

		o.mu.Lock()
		o.round = round
		o.mu.Unlock()

		o.setPhase(PhasePlanning)
		o.runlog.Logf(lib.INFO, "Round %d: planning", round)
		plan := o.buildPlan(ctx, round)

		o.setPhase(PhaseExecuting)
		budgetExhausted := false
		for _, step := range plan.Steps {
			if !o.checkpoint() {
				return nil
			}
			o.drainCommands()
			o.executeStep(ctx, step)
			if o.actionsUsed() >= o.maxIterations {
				o.runlog.Log(lib.WARN, "Action budget exhausted")
				budgetExhausted = true
				break
			}
		}
		o.persistProgress()
		if budgetExhausted {
			break
		}

		o.setPhase(PhaseReplanning)
		if o.scope != nil && o.scope.AutoFinish {
			o.runlog.Log(lib.INFO, "Focused scope complete, finishing")
			break
		}
		if o.shouldStop(ctx, round) {
			break
		}
	}

	o.setPhase(PhaseReporting)
	o.report()
	return nil
}

const decisionContract = `

Respond with a single JSON object. Fields, all optional except thought:
{
  "thought": "your reasoning",
  "action": {"tool": "send_http_request", "args": {"url": "...", "method": "GET", "body": "..."}},
  "discovered": [{"url": "...", "method": "GET", "params": {"name": "example value"}}],
  "finding": {"type": "sqli|xss|idor|lfi|rce|ssrf|open_redirect|info_disclosure", "url": "...", "parameter": "...", "payload": "...", "evidence": "..."},
  "answer": "your conclusion when the step is done"
}`

// executeStep drives one plan step through up to toolCallsPerStep tool-call/
// response turns.
func (o *Orchestrator) executeStep(ctx context.Context, step *PlanStep) {
	step.Status = StepExecuting
	o.runlog.Logf(lib.INFO, "Step %d: %s", step.Index+1, step.Objective)

	prompt := o.stepPrompt(step)
	for call := 0; call < o.toolCallsPerStep; call++ {
		if o.actionsUsed() >= o.maxIterations {
			break
		}
		resp, err := o.throttle.Enqueue(ctx, llm.Request{
			System: o.conv.System(),
			User:   prompt,
		})
		if err != nil {
			o.noteModelError(ctx, err)
			step.Result = "model error: " + err.Error()
			step.Status = StepSkipped
			return
		}
		o.countUsage(resp.Usage)

		decision := o.parseDecision(resp.Text)
		if decision == nil {
			o.conv.Add("assistant", truncate(resp.Text, 600))
			step.Result = truncate(resp.Text, 300)
			break
		}

		if decision.Thought != "" {
			o.conv.Add("assistant", decision.Thought)
			o.runlog.Log(lib.INFO, decision.Thought)
		}
		for _, discovered := range decision.Discovered {
			o.state.AddEndpoint(&shared.Endpoint{
				URL:      discovered.URL,
				Method:   discovered.Method,
				Params:   discovered.Params,
				Body:     discovered.Body,
				AgentID:  "orchestrator",
				Priority: 5,
			})
		}
		for _, finding := range collectFindings(decision) {
			o.saveFinding(ctx, finding)
		}

		action := decision.Action
		if action == nil && len(decision.Actions) > 0 {
			action = &decision.Actions[0]
		}
		if action == nil {
			if decision.Answer != "" {
				step.Result = decision.Answer
			}
			break
		}

		result := o.callTool(ctx, action)
		o.conv.Add("user", fmt.Sprintf("Tool %s result: %s", action.Tool, truncate(result.Body(), 600)))
		prompt = o.stepContinuation(step)
	}

	if step.Status == StepExecuting {
		step.Status = StepCompleted
	}
}

func (o *Orchestrator) parseDecision(text string) *parse.Decision {
	obj, ok := parse.Extract(text)
	if !ok {
		return nil
	}
	return parse.Normalize(obj)
}

func (o *Orchestrator) stepPrompt(step *PlanStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute this step against %s.\n", o.target)
	fmt.Fprintf(&b, "Objective: %s\n", step.Objective)
	if step.Approach != "" {
		fmt.Fprintf(&b, "Approach: %s\n", step.Approach)
	}
	if len(step.Tools) > 0 {
		fmt.Fprintf(&b, "Suggested tools: %s\n", strings.Join(step.Tools, ", "))
	}
	if history := o.conv.Render(); history != "" {
		b.WriteString("\nContext:\n" + history + "\n")
	}
	b.WriteString(o.scopeReminder())
	b.WriteString(decisionContract)
	return b.String()
}

func (o *Orchestrator) stepContinuation(step *PlanStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Continue the step: %s\n", step.Objective)
	if history := o.conv.Render(); history != "" {
		b.WriteString("\nContext:\n" + history + "\n")
	}
	b.WriteString("\nReact to the latest tool result. Report a finding if it demonstrates a vulnerability; answer when the step is done.")
	b.WriteString(o.scopeReminder())
	b.WriteString(decisionContract)
	return b.String()
}

// callTool dispatches one tool call through the scope lock and the guarded
// backend, captures the traffic for finding enrichment, and runs pattern
// auto-detection on the response. Errors come back as informative results so
// the model can self-correct.
func (o *Orchestrator) callTool(ctx context.Context, action *parse.ToolCall) backend.ToolResult {
	if blocked, ok := o.checkScope(action.Tool); ok {
		o.conv.Add("user", "Tool "+action.Tool+" blocked: "+blocked.Message)
		return blocked
	}

	o.mu.Lock()
	o.actions++
	o.mu.Unlock()

	result, err := o.backend.CallTool(ctx, action.Tool, action.Args)
	if err != nil {
		o.runlog.Logf(lib.WARN, "Tool %s failed: %v", action.Tool, err)
		return backend.ToolResult{Raw: "tool error: " + err.Error(), Message: err.Error()}
	}

	if action.Tool == backend.ToolSendHTTPRequest && !result.Blocked {
		o.state.CountRequest()

		url, _ := action.Args["url"].(string)
		method, _ := action.Args["method"].(string)
		if method == "" {
			method = "GET"
		}

		o.mu.Lock()
		o.lastRequest = describeRequest(action)
		o.lastResponse = truncate(result.Body(), 2000)
		o.lastURL = url
		o.mu.Unlock()

		o.state.MarkTested(url, method, fmt.Sprintf("status=%d", result.Status()))

		payload := extractPayload(action.Args)
		for _, detection := range detect.Inspect(payload, result) {
			o.saveFinding(ctx, parse.Finding{
				Type:     string(detection.Type),
				URL:      url,
				Method:   method,
				Payload:  payload,
				Evidence: detection.Evidence,
			})
		}
	}
	return result
}

// shouldStop asks the model whether testing is sufficiently thorough. Any
// answer containing "complete" stops the run. On error the bias is toward
// more testing: continue unless three rounds have already elapsed.
func (o *Orchestrator) shouldStop(ctx context.Context, round int) bool {
	stats := o.state.Snapshot()
	resp, err := o.throttle.Enqueue(ctx, llm.Request{
		System: o.conv.System(),
		User: fmt.Sprintf(
			"After %d rounds: %d endpoints discovered, %d tested, %d findings. Is this assessment sufficiently thorough? If testing should end, include the word \"complete\" in your answer; otherwise say what remains.",
			round, stats.EndpointsDiscovered, stats.EndpointsTested, stats.VulnsFound),
	})
	if err != nil {
		o.noteModelError(ctx, err)
		return round >= 3
	}
	o.countUsage(resp.Usage)

	if strings.Contains(strings.ToLower(resp.Text), "complete") {
		o.runlog.Log(lib.INFO, "Model judged testing complete")
		return true
	}
	return false
}

func (o *Orchestrator) report() {
	stats := o.state.Snapshot()
	o.runlog.Logf(lib.INFO, "Scan finished: %d endpoints discovered, %d tested, %d requests, %d findings",
		stats.EndpointsDiscovered, stats.EndpointsTested, stats.RequestsSent, stats.VulnsFound)
	log.Info().
		Uint("scan_id", o.scanID).
		Int("rounds", o.currentRound()).
		Int("actions", o.actionsUsed()).
		Int("findings", stats.VulnsFound).
		Msg("Orchestrator run finished")
}

// ContinueOptions configures a direct-execution continuation.
type ContinueOptions struct {
	Rounds       int
	Instructions string
}

// ContinueScan runs the direct-execution variant: no planning, just
// tool-call/response turns for the given round budget. Used to extend an
// already-completed scan.
func (o *Orchestrator) ContinueScan(ctx context.Context, options ContinueOptions) error {
	if options.Rounds <= 0 {
		options.Rounds = 3
	}
	if options.Instructions != "" {
		o.conv.Add("user", "OPERATOR DIRECTIVE (highest priority): "+options.Instructions)
	}
	o.setPhase(PhaseExecuting)
	o.runlog.Logf(lib.INFO, "Continuing scan for %d rounds", options.Rounds)

	for i := 0; i < options.Rounds; i++ {
		if !o.checkpoint() {
			return nil
		}
		o.drainCommands()

		prompt := "Continue testing " + o.target + ". Decide your single next action."
		if history := o.conv.Render(); history != "" {
			prompt += "\n\nContext:\n" + history
		}
		prompt += o.scopeReminder() + decisionContract

		resp, err := o.throttle.Enqueue(ctx, llm.Request{System: o.conv.System(), User: prompt})
		if err != nil {
			o.noteModelError(ctx, err)
			continue
		}
		o.countUsage(resp.Usage)

		decision := o.parseDecision(resp.Text)
		if decision == nil {
			continue
		}
		if decision.Thought != "" {
			o.conv.Add("assistant", decision.Thought)
		}
		for _, finding := range collectFindings(decision) {
			o.saveFinding(ctx, finding)
		}
		if decision.Action != nil {
			result := o.callTool(ctx, decision.Action)
			o.conv.Add("user", fmt.Sprintf("Tool %s result: %s", decision.Action.Tool, truncate(result.Body(), 600)))
		} else if strings.Contains(strings.ToLower(decision.Answer), "complete") {
			break
		}
	}

	o.setPhase(PhaseCompleted)
	o.persistProgress()
	return nil
}

// checkpoint blocks while paused and reports whether the run may continue.
func (o *Orchestrator) checkpoint() bool {
	if o.ctrl.Checkpoint() {
		return true
	}
	o.setPhase(PhaseStopped)
	return false
}

// drainCommands injects queued operator commands into the conversation as
// priority directives before the next model call.
func (o *Orchestrator) drainCommands() {
	o.mu.Lock()
	commands := o.commands
	o.commands = nil
	o.mu.Unlock()

	for _, command := range commands {
		o.conv.Add("user", "OPERATOR DIRECTIVE (highest priority): "+command)
	}
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()
}

func (o *Orchestrator) currentPhase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) currentRound() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.round
}

func (o *Orchestrator) actionsUsed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.actions
}

func (o *Orchestrator) countUsage(usage llm.Usage) {
	o.mu.Lock()
	o.tokensIn += usage.InputTokens
	o.tokensOut += usage.OutputTokens
	o.mu.Unlock()
}

func (o *Orchestrator) updateStatus(status db.ScanStatus, errorMsg string) {
	if o.store == nil || o.scanID == 0 {
		return
	}
	if err := o.store.UpdateScanStatus(o.scanID, status, errorMsg); err != nil {
		log.Error().Err(err).Msg("Failed to update scan status")
	}
}

func (o *Orchestrator) persistProgress() {
	if o.store == nil || o.scanID == 0 {
		return
	}
	o.mu.Lock()
	round, actions, in, out := o.round, o.actions, o.tokensIn, o.tokensOut
	o.mu.Unlock()
	if err := o.store.UpdateScanProgress(o.scanID, round, actions, in, out); err != nil {
		log.Error().Err(err).Msg("Failed to persist scan progress")
	}
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
	var b strings.Builder
	method, _ := action.Args["method"].(string)
	url, _ := action.Args["url"].(string)
	if method == "" {
		method = "GET"
	}
	b.WriteString(strings.ToUpper(method) + " " + url)
	if body, ok := action.Args["body"].(string); ok && body != "" {
		b.WriteString("\n\n" + body)
	}
	return b.String()
}

// extractPayload pulls the most attacker-controlled value out of tool args.
func extractPayload(args map[string]any) string {
	if payload, ok := args["payload"].(string); ok && payload != "" {
		return payload
	}
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
