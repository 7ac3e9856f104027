package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/periscan/periscan/pkg/agent/parse"
	"github.com/periscan/periscan/pkg/backend"
	"github.com/periscan/periscan/pkg/llm"
)

// StepStatus tracks a plan step through execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

// PlanStep is one objective within a round. Steps are mutated in place as
// execution proceeds.
type PlanStep struct {
	Index     int        `json:"index"`
	Objective string     `json:"objective"`
	Approach  string     `json:"approach,omitempty"`
	Tools     []string   `json:"tools,omitempty"`
	Status    StepStatus `json:"status"`
	Result    string     `json:"result,omitempty"`
}

// Plan is one round's attack plan. Immutable once executing; the next round
// supersedes it rather than mutating it.
type Plan struct {
	Round    int         `json:"round"`
	Analysis string      `json:"analysis,omitempty"`
	Steps    []*PlanStep `json:"steps"`
}

const planContract = `

Respond with a single JSON object:
{
  "analysis": "your read of the target's current attack surface",
  "steps": [
    {"objective": "what to achieve", "approach": "how", "tools": ["send_http_request"]}
  ]
}
Provide exactly %d concrete steps.`

// buildPlan asks the model for this round's plan. A parse failure gets one
// dedicated repair attempt; after that a deterministic fallback plan is used
// so a malformed model response never stalls the round.
func (o *Orchestrator) buildPlan(ctx context.Context, round int) *Plan {
	prompt := o.planPrompt(round)

	resp, err := o.throttle.Enqueue(ctx, llm.Request{
		System: o.conv.System(),
		User:   prompt,
	})
	if err != nil {
		o.noteModelError(ctx, err)
		return o.fallbackPlan(round)
	}
	o.countUsage(resp.Usage)

	if plan, ok := o.parsePlan(resp.Text, round); ok {
		return plan
	}

	// One repair pass: hand the malformed output back and ask for JSON only.
	log.Debug().Int("round", round).Msg("Plan did not parse, attempting repair")
	repaired, err := o.throttle.Enqueue(ctx, llm.Request{
		System: "You convert malformed output into valid JSON. Respond with the corrected JSON object only, no commentary.",
		User:   "Rewrite this as the valid JSON plan object it was meant to be:\n\n" + resp.Text,
	})
	if err == nil {
		o.countUsage(repaired.Usage)
		if plan, ok := o.parsePlan(repaired.Text, round); ok {
			return plan
		}
	} else {
		o.noteModelError(ctx, err)
	}

	log.Warn().Int("round", round).Msg("Plan repair failed, using fallback plan")
	return o.fallbackPlan(round)
}

func (o *Orchestrator) planPrompt(round int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d of %d. Plan the next %d attack steps against %s.\n",
		round, o.maxRounds, o.stepsPerPlan, o.target)

	stats := o.state.Snapshot()
	fmt.Fprintf(&b, "Progress so far: %d endpoints discovered, %d tested, %d findings.\n",
		stats.EndpointsDiscovered, stats.EndpointsTested, stats.VulnsFound)

	if untested := o.state.UntestedEndpoints(10); len(untested) > 0 {
		b.WriteString("Untested endpoints by priority:\n")
		for _, e := range untested {
			fmt.Fprintf(&b, "- %s %s\n", e.Method, e.URL)
		}
	}

	if history := o.conv.Render(); history != "" {
		b.WriteString("\nRecent context:\n" + history + "\n")
	}

	b.WriteString(o.scopeReminder())
	fmt.Fprintf(&b, planContract, o.stepsPerPlan)
	return b.String()
}

func (o *Orchestrator) parsePlan(text string, round int) (*Plan, bool) {
	obj, ok := parse.Extract(text)
	if !ok {
		return nil, false
	}

	rawSteps, ok := obj["steps"].([]any)
	if !ok || len(rawSteps) == 0 {
		return nil, false
	}

	plan := &Plan{Round: round}
	if analysis, ok := obj["analysis"].(string); ok {
		plan.Analysis = analysis
	}
	for _, raw := range rawSteps {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		objective, _ := m["objective"].(string)
		if strings.TrimSpace(objective) == "" {
			continue
		}
		step := &PlanStep{
			Index:     len(plan.Steps),
			Objective: objective,
			Status:    StepPending,
		}
		if approach, ok := m["approach"].(string); ok {
			step.Approach = approach
		}
		step.Tools = stringList(m["tools"])
		plan.Steps = append(plan.Steps, step)
		if len(plan.Steps) == o.stepsPerPlan {
			break
		}
	}
	if len(plan.Steps) == 0 {
		return nil, false
	}
	return plan, true
}

// fallbackPlan is the deterministic plan used when the model cannot produce
// one: a focused template under a scope lock, a recon template for the first
// round, an endpoint sweep afterwards.
func (o *Orchestrator) fallbackPlan(round int) *Plan {
	plan := &Plan{Round: round, Analysis: "fallback plan"}

	appendStep := func(objective, approach string, tools ...string) {
		plan.Steps = append(plan.Steps, &PlanStep{
			Index:     len(plan.Steps),
			Objective: objective,
			Approach:  approach,
			Tools:     tools,
			Status:    StepPending,
		})
	}

	switch {
	case o.scope != nil && o.scope.IsFocused:
		targets := strings.Join(o.scope.FocusedEndpoints, ", ")
		if targets == "" {
			targets = o.target
		}
		vulns := strings.Join(o.scope.FocusedVulns, ", ")
		if vulns == "" {
			vulns = "injection and access-control issues"
		}
		appendStep("Probe "+targets+" with baseline requests", "Send a normal request to each focused endpoint and record the baseline response", backend.ToolSendHTTPRequest)
		appendStep("Test "+targets+" for "+vulns, "Send targeted payloads for the focused vulnerability classes", backend.ToolSendHTTPRequest)
		appendStep("Vary HTTP methods and parameters on the focused endpoints", "Try method tampering and parameter manipulation within scope", backend.ToolSendHTTPRequest)
		appendStep("Check authorization on the focused endpoints", "Verify access controls with and without credentials", backend.ToolCheckAuthorization)
		appendStep("Re-verify any anomalies observed", "Reproduce suspicious responses before reporting", backend.ToolSendHTTPRequest)
	case round == 1:
		appendStep("Map the target's attack surface", "Spider the target for links, forms and API routes", backend.ToolSpiderURL)
		appendStep("Review the sitemap", "Pull the sitemap and known paths", backend.ToolGetSitemap)
		appendStep("Probe the main entry point", "Request the root page and inspect headers and cookies", backend.ToolSendHTTPRequest)
		appendStep("Identify input vectors", "Extract links and forms with parameters", backend.ToolExtractLinks)
		appendStep("Baseline the most promising endpoints", "Send normal requests to the highest-value discovered endpoints", backend.ToolSendHTTPRequest)
	default:
		appendStep("Test untested endpoints for injection", "Send SQLi and XSS probes to the highest-priority untested endpoints", backend.ToolSendHTTPRequest)
		appendStep("Test parameterized endpoints for IDOR", "Manipulate object identifiers on endpoints with numeric parameters", backend.ToolSendHTTPRequest)
		appendStep("Check authentication boundaries", "Request protected paths without credentials", backend.ToolCheckAuthorization)
		appendStep("Probe for path traversal", "Send traversal payloads on file-like parameters", backend.ToolSendHTTPRequest)
		appendStep("Re-test endpoints that returned server errors", "Investigate 5xx responses observed earlier", backend.ToolSendHTTPRequest)
	}
	return plan
}

// noteModelError applies the rate-limit backoff when the model itself
// reports a rate limit.
func (o *Orchestrator) noteModelError(ctx context.Context, err error) {
	if llm.IsRetriableError(err) {
		o.backend.NoteRateLimit()
		o.sleep(ctx, o.rateLimitWait)
	}
}
