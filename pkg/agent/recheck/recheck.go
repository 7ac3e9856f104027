// Package recheck implements the verification pipeline that turns suspected
// vulnerabilities into confirmed findings. Suspicions arrive over the event
// bus, are re-tested against the target with type-specific payloads, and a
// model verdict decides whether they are stored.
package recheck

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/periscan/periscan/db"
	"github.com/periscan/periscan/pkg/agent/parse"
	"github.com/periscan/periscan/pkg/agent/shared"
	"github.com/periscan/periscan/pkg/backend"
	"github.com/periscan/periscan/pkg/llm"
)

const (
	// DefaultConfidenceThreshold is the minimum model confidence (inclusive)
	// required to confirm a finding.
	DefaultConfidenceThreshold = 70
	// DefaultPayloadSpacing separates consecutive verification probes.
	DefaultPayloadSpacing = 500 * time.Millisecond
	// DefaultPollInterval is how often the pipeline checks for queued work.
	DefaultPollInterval = time.Second
	// maxExtraPayloads caps the probes sent per verification pass.
	maxExtraPayloads = 3
)

// Store persists confirmed findings. *db.DatabaseConnection satisfies it.
type Store interface {
	CreateVulnerability(vuln db.Vulnerability) (db.Vulnerability, bool, error)
}

// Pipeline consumes suspicions from the shared state bus, re-tests each one
// and records the outcome. One pipeline runs per scan.
type Pipeline struct {
	state    *shared.State
	backend  backend.Backend
	throttle *llm.Throttle
	store    Store
	scanID   uint

	pollInterval time.Duration
	spacing      time.Duration
	threshold    int
	sleep        func(ctx context.Context, d time.Duration)

	mu        sync.Mutex
	queue     []*shared.Suspicion
	confirmed int
	rejected  int

	unsubscribe func()
	stopping    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPollInterval overrides the queue poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.pollInterval = d }
}

// WithPayloadSpacing overrides the delay between verification probes.
func WithPayloadSpacing(d time.Duration) Option {
	return func(p *Pipeline) { p.spacing = d }
}

// WithConfidenceThreshold overrides the confirmation threshold.
func WithConfidenceThreshold(threshold int) Option {
	return func(p *Pipeline) { p.threshold = threshold }
}

// WithSleepFunc overrides how the pipeline waits, for deterministic tests.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(p *Pipeline) { p.sleep = sleep }
}

// New creates a Pipeline for one scan.
func New(state *shared.State, be backend.Backend, throttle *llm.Throttle, store Store, scanID uint, opts ...Option) *Pipeline {
	p := &Pipeline{
		state:        state,
		backend:      be,
		throttle:     throttle,
		store:        store,
		scanID:       scanID,
		pollInterval: DefaultPollInterval,
		spacing:      DefaultPayloadSpacing,
		threshold:    DefaultConfidenceThreshold,
		stopping:     make(chan struct{}),
	}
	p.sleep = func(ctx context.Context, d time.Duration) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes to suspicion events and begins processing. The pipeline
// runs until Stop is called or the context is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	p.unsubscribe = p.state.Bus().Subscribe(shared.TopicVulnSuspected, func(event shared.Event) {
		if event.Suspicion == nil {
			return
		}
		p.Enqueue(event.Suspicion)
	})

	p.wg.Add(1)
	go p.run(ctx)
}

// Enqueue adds a suspicion to the verification queue directly, bypassing the
// bus. Used by components that hold a suspicion rather than publishing it.
func (p *Pipeline) Enqueue(suspicion *shared.Suspicion) {
	p.mu.Lock()
	p.queue = append(p.queue, suspicion)
	p.mu.Unlock()
}

// Stop asks the pipeline to drain its queue and exit, then waits for it.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		close(p.stopping)
	})
	p.wg.Wait()
}

// Confirmed returns the number of findings confirmed so far.
func (p *Pipeline) Confirmed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confirmed
}

// Rejected returns the number of suspicions dismissed so far.
func (p *Pipeline) Rejected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejected
}

// Pending returns the current queue depth.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		suspicion := p.dequeue()
		if suspicion == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.stopping:
				// Queue is empty and a stop was requested.
				return
			default:
			}
			p.sleep(ctx, p.pollInterval)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		p.Process(ctx, suspicion)
	}
}

func (p *Pipeline) dequeue() *shared.Suspicion {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	suspicion := p.queue[0]
	p.queue = p.queue[1:]
	return suspicion
}

// Process re-tests one suspicion and records the outcome. A model or parse
// failure never drops the suspicion silently: it is stored as an unverified
// low-severity finding for manual review.
func (p *Pipeline) Process(ctx context.Context, suspicion *shared.Suspicion) {
	log.Info().
		Str("type", suspicion.Type.String()).
		Str("url", suspicion.URL).
		Str("agent", suspicion.AgentID).
		Msg("Verifying suspicion")

	observations := p.retest(ctx, suspicion)

	verdict, err := p.askVerdict(ctx, suspicion, observations)
	if err != nil {
		log.Warn().Err(err).Str("url", suspicion.URL).Msg("Verification failed, flagging for manual review")
		p.recordUnverified(suspicion)
		return
	}

	if verdict.Confirmed && verdict.Confidence >= p.threshold {
		p.recordConfirmed(suspicion, verdict)
		return
	}

	p.mu.Lock()
	p.rejected++
	p.mu.Unlock()
	log.Info().
		Str("url", suspicion.URL).
		Bool("confirmed", verdict.Confirmed).
		Int("confidence", verdict.Confidence).
		Msg("Suspicion dismissed")
}

// observation is the outcome of one verification probe.
type observation struct {
	Payload    string
	Status     int
	Indicators []string
	Snippet    string
	Err        string
}

// retest replays the suspicious request with type-specific payloads. Probe
// failures are captured as observations rather than aborting the pass.
func (p *Pipeline) retest(ctx context.Context, suspicion *shared.Suspicion) []observation {
	payloads := extraPayloads(suspicion.Type)
	if len(payloads) > maxExtraPayloads {
		payloads = payloads[:maxExtraPayloads]
	}

	var observations []observation
	for i, payload := range payloads {
		if i > 0 {
			p.sleep(ctx, p.spacing)
		}
		if ctx.Err() != nil {
			break
		}

		args := map[string]any{
			"url":    suspicion.URL,
			"method": suspicion.Method,
		}
		if suspicion.Method == "" {
			args["method"] = "GET"
		}
		if suspicion.Parameter != "" {
			args["params"] = map[string]any{suspicion.Parameter: payload}
		} else {
			args["body"] = payload
		}

		result, err := p.backend.CallTool(ctx, backend.ToolSendHTTPRequest, args)
		p.state.CountRequest()
		if err != nil {
			observations = append(observations, observation{Payload: payload, Err: err.Error()})
			continue
		}

		body := result.Body()
		obs := observation{
			Payload: payload,
			Status:  result.Status(),
			Snippet: truncate(body, 400),
		}
		lower := strings.ToLower(body)
		for _, marker := range errorIndicators {
			if strings.Contains(lower, marker) {
				obs.Indicators = append(obs.Indicators, marker)
			}
		}
		observations = append(observations, obs)
	}
	return observations
}

// verdict is the model's decision on a suspicion.
type verdict struct {
	Confirmed  bool
	Confidence int
	Reason     string
}

func (p *Pipeline) askVerdict(ctx context.Context, suspicion *shared.Suspicion, observations []observation) (verdict, error) {
	resp, err := p.throttle.Enqueue(ctx, llm.Request{
		System: verificationSystemPrompt,
		User:   buildVerificationPrompt(suspicion, observations),
	})
	if err != nil {
		return verdict{}, err
	}

	obj, ok := parse.Extract(resp.Text)
	if !ok {
		return verdict{}, fmt.Errorf("unparseable verdict: %s", truncate(resp.Text, 120))
	}

	v := verdict{}
	if confirmed, ok := obj["confirmed"].(bool); ok {
		v.Confirmed = confirmed
	}
	switch c := obj["confidence"].(type) {
	case float64:
		v.Confidence = int(c)
	case string:
		fmt.Sscanf(c, "%d", &v.Confidence)
	}
	if reason, ok := obj["reason"].(string); ok {
		v.Reason = reason
	}
	return v, nil
}

func (p *Pipeline) recordConfirmed(suspicion *shared.Suspicion, v verdict) {
	vuln := p.buildFinding(suspicion)
	vuln.Verified = true
	vuln.Confidence = v.Confidence
	vuln.Note = v.Reason

	p.persist(vuln)

	p.mu.Lock()
	p.confirmed++
	p.mu.Unlock()
	log.Warn().
		Str("name", vuln.Name).
		Str("severity", vuln.Severity.String()).
		Int("confidence", v.Confidence).
		Msg("Finding confirmed")
}

// recordUnverified stores the suspicion as a low-severity unverified finding
// so a verification failure never discards evidence.
func (p *Pipeline) recordUnverified(suspicion *shared.Suspicion) {
	vuln := p.buildFinding(suspicion)
	vuln.Severity = db.NewSeverity("Low")
	vuln.Verified = false
	vuln.Confidence = 0
	vuln.Note = "Verification could not complete; requires manual verification."

	p.persist(vuln)
}

func (p *Pipeline) buildFinding(suspicion *shared.Suspicion) *db.Vulnerability {
	vuln := db.FillVulnerabilityFromTemplate(suspicion.Type)
	vuln.ScanID = p.scanID
	vuln.Path = pathOf(suspicion.URL)
	vuln.Name = vuln.Name + " - " + vuln.Path
	vuln.URL = suspicion.URL
	vuln.HTTPMethod = suspicion.Method
	vuln.Parameter = suspicion.Parameter
	vuln.Payload = suspicion.Payload
	vuln.Request = []byte(suspicion.Request)
	vuln.Response = []byte(suspicion.Response)
	vuln.AgentID = suspicion.AgentID
	vuln.ProofOfConcept = generatePoC(suspicion)
	if suspicion.Evidence != "" {
		vuln.Description = vuln.Description + "\n\nEvidence: " + suspicion.Evidence
	}
	return vuln
}

func (p *Pipeline) persist(vuln *db.Vulnerability) {
	if p.store != nil {
		stored, created, err := p.store.CreateVulnerability(*vuln)
		if err != nil {
			log.Error().Err(err).Str("name", vuln.Name).Msg("Failed to persist finding")
		} else if !created {
			log.Debug().Str("name", vuln.Name).Msg("Finding already stored for this path")
		} else {
			*vuln = stored
		}
	}
	p.state.AddVulnerability(vuln)
}

const verificationSystemPrompt = `You are a penetration test verification specialist. You receive a suspected vulnerability together with the results of targeted re-tests against the live target. Decide whether the vulnerability is real.

Respond with a single JSON object:
{"confirmed": true|false, "confidence": 0-100, "reason": "one sentence"}

Be conservative: confirm only when the evidence demonstrates the vulnerable behavior, not merely suggests it.`

func buildVerificationPrompt(suspicion *shared.Suspicion, observations []observation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Suspected vulnerability:\n")
	fmt.Fprintf(&b, "- Type: %s\n", suspicion.Type)
	fmt.Fprintf(&b, "- URL: %s %s\n", suspicion.Method, suspicion.URL)
	if suspicion.Parameter != "" {
		fmt.Fprintf(&b, "- Parameter: %s\n", suspicion.Parameter)
	}
	if suspicion.Payload != "" {
		fmt.Fprintf(&b, "- Original payload: %s\n", suspicion.Payload)
	}
	fmt.Fprintf(&b, "- Evidence: %s\n", suspicion.Evidence)
	if suspicion.Response != "" {
		fmt.Fprintf(&b, "- Original response excerpt: %s\n", truncate(suspicion.Response, 400))
	}

	b.WriteString("\nRe-test results:\n")
	if len(observations) == 0 {
		b.WriteString("- No re-tests could be performed.\n")
	}
	for i, obs := range observations {
		if obs.Err != "" {
			fmt.Fprintf(&b, "%d. payload=%q error=%s\n", i+1, obs.Payload, obs.Err)
			continue
		}
		fmt.Fprintf(&b, "%d. payload=%q status=%d", i+1, obs.Payload, obs.Status)
		if len(obs.Indicators) > 0 {
			fmt.Fprintf(&b, " indicators=%s", strings.Join(obs.Indicators, ","))
		}
		b.WriteString("\n")
		if obs.Snippet != "" {
			fmt.Fprintf(&b, "   response: %s\n", obs.Snippet)
		}
	}

	b.WriteString("\nIs this vulnerability confirmed? Answer with the JSON object only.")
	return b.String()
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	return u.Path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
