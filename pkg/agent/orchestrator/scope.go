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

// ScopeDecision is the structured reading of the operator's instructions.
// When IsFocused is set, enumeration tools are blocked and every prompt
// carries a scope reminder.
type ScopeDecision struct {
	IsFocused        bool     `json:"is_focused"`
	FocusedEndpoints []string `json:"focused_endpoints"`
	FocusedVulns     []string `json:"focused_vulns"`
	SkipRecon        bool     `json:"skip_recon"`
	AutoFinish       bool     `json:"auto_finish"`
	Summary          string   `json:"summary"`
}

const scopeClassifierPrompt = `You classify penetration test instructions. Given the operator's instructions, decide whether they restrict the test to specific endpoints or vulnerability classes.

Respond with a single JSON object:
{
  "is_focused": true|false,
  "focused_endpoints": ["/login"],
  "focused_vulns": ["sqli"],
  "skip_recon": true|false,
  "auto_finish": true|false,
  "summary": "one sentence restating the scope"
}`

// classifyScope asks the model to turn free-text operator instructions into a
// structured scope decision. Returns nil on any failure; the run proceeds
// unfocused.
func (o *Orchestrator) classifyScope(ctx context.Context, instructions string) *ScopeDecision {
	resp, err := o.throttle.Enqueue(ctx, llm.Request{
		System: scopeClassifierPrompt,
		User:   "Operator instructions:\n" + instructions,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Scope classification failed, proceeding unfocused")
		return nil
	}
	o.countUsage(resp.Usage)

	obj, ok := parse.Extract(resp.Text)
	if !ok {
		log.Warn().Msg("Unparseable scope classification, proceeding unfocused")
		return nil
	}

	decision := &ScopeDecision{}
	if v, ok := obj["is_focused"].(bool); ok {
		decision.IsFocused = v
	}
	if v, ok := obj["skip_recon"].(bool); ok {
		decision.SkipRecon = v
	}
	if v, ok := obj["auto_finish"].(bool); ok {
		decision.AutoFinish = v
	}
	if v, ok := obj["summary"].(string); ok {
		decision.Summary = v
	}
	decision.FocusedEndpoints = stringList(obj["focused_endpoints"])
	decision.FocusedVulns = stringList(obj["focused_vulns"])

	log.Info().
		Bool("focused", decision.IsFocused).
		Strs("endpoints", decision.FocusedEndpoints).
		Strs("vulns", decision.FocusedVulns).
		Msg("Scope classified")
	return decision
}

// checkScope rejects enumeration tools while a focused scope lock is active.
// The blocked result is fed back to the model so it can self-correct.
func (o *Orchestrator) checkScope(name string) (backend.ToolResult, bool) {
	if o.scope == nil || !o.scope.IsFocused {
		return backend.ToolResult{}, false
	}
	if !backend.EnumerationTools[name] {
		return backend.ToolResult{}, false
	}
	msg := fmt.Sprintf("Tool %s is blocked: this scan is locked to %s. Test only the named scope.",
		name, strings.Join(o.scope.FocusedEndpoints, ", "))
	log.Info().Str("tool", name).Msg("Enumeration tool rejected by scope lock")
	return backend.BlockedResult(msg), true
}

// scopeReminder is injected into every prompt while a scope lock is active.
func (o *Orchestrator) scopeReminder() string {
	if o.scope == nil || !o.scope.IsFocused {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nNON-NEGOTIABLE SCOPE LOCK: test ONLY ")
	if len(o.scope.FocusedEndpoints) > 0 {
		b.WriteString(strings.Join(o.scope.FocusedEndpoints, ", "))
	} else {
		b.WriteString("the endpoints named by the operator")
	}
	if len(o.scope.FocusedVulns) > 0 {
		b.WriteString(" for " + strings.Join(o.scope.FocusedVulns, ", "))
	}
	b.WriteString(". Do not enumerate or spider beyond this scope.")
	return b.String()
}

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
