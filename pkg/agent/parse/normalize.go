package parse

import (
	"fmt"
	"strings"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Finding is a vulnerability reported by the model.
type Finding struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	URL         string `json:"url,omitempty"`
	Method      string `json:"method,omitempty"`
	Parameter   string `json:"parameter,omitempty"`
	Payload     string `json:"payload,omitempty"`
	Evidence    string `json:"evidence,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description,omitempty"`
}

// CapturedSession is authentication material the model extracted from a
// response, such as a bearer token or session cookie.
type CapturedSession struct {
	Label   string `json:"label,omitempty"`
	Token   string `json:"token,omitempty"`
	Cookies string `json:"cookies,omitempty"`
}

// Endpoint is a discovery reported by the model.
type Endpoint struct {
	URL    string            `json:"url"`
	Method string            `json:"method,omitempty"`
	Params map[string]string `json:"params,omitempty"`
	Body   string            `json:"body,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// Decision is the canonical shape every provider response is normalized
// into.
type Decision struct {
	Thought    string           `json:"thought,omitempty"`
	Action     *ToolCall        `json:"action,omitempty"`
	Actions    []ToolCall       `json:"actions,omitempty"`
	Answer     string           `json:"answer,omitempty"`
	Finding    *Finding         `json:"finding,omitempty"`
	Findings   []Finding        `json:"findings,omitempty"`
	Discovered []Endpoint       `json:"discovered,omitempty"`
	Session    *CapturedSession `json:"session,omitempty"`
}

// Normalize maps provider-specific shapes into a Decision. Returns nil when
// the object carries none of the recognized fields.
func Normalize(obj map[string]any) *Decision {
	if obj == nil {
		return nil
	}

	d := &Decision{
		Thought: coerceString(firstOf(obj, "thought", "reasoning", "analysis")),
		Answer:  coerceString(firstOf(obj, "answer", "response", "conclusion")),
	}

	if action, ok := normalizeAction(obj["action"], obj); ok {
		d.Action = action
	}
	if raw, ok := obj["actions"].([]any); ok {
		for _, item := range raw {
			if action, ok := normalizeAction(item, nil); ok {
				d.Actions = append(d.Actions, *action)
			}
		}
	}
	if raw, ok := obj["finding"].(map[string]any); ok {
		d.Finding = normalizeFinding(raw)
	}
	if raw, ok := obj["findings"].([]any); ok {
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				if f := normalizeFinding(m); f != nil {
					d.Findings = append(d.Findings, *f)
				}
			}
		}
	}
	if raw, ok := obj["discovered"].([]any); ok {
		for _, item := range raw {
			if e, ok := normalizeEndpoint(item); ok {
				d.Discovered = append(d.Discovered, e)
			}
		}
	}
	if raw, ok := obj["session"].(map[string]any); ok {
		s := &CapturedSession{
			Label:   coerceString(firstOf(raw, "label", "user", "account")),
			Token:   coerceString(firstOf(raw, "token", "bearer", "jwt")),
			Cookies: coerceString(firstOf(raw, "cookies", "cookie")),
		}
		if s.Token != "" || s.Cookies != "" {
			d.Session = s
		}
	}

	if d.Thought == "" && d.Action == nil && len(d.Actions) == 0 &&
		d.Answer == "" && d.Finding == nil && len(d.Findings) == 0 &&
		len(d.Discovered) == 0 && d.Session == nil {
		return nil
	}
	return d
}

// normalizeAction handles both shapes the providers produce: a string-valued
// "action" with parameters in a sibling field, and a nested object carrying
// its own tool name and arguments.
func normalizeAction(v any, parent map[string]any) (*ToolCall, bool) {
	switch t := v.(type) {
	case string:
		name := strings.TrimSpace(t)
		if name == "" {
			return nil, false
		}
		call := &ToolCall{Tool: name}
		if parent != nil {
			call.Args = coerceArgs(firstOf(parent, "parameters", "params", "args", "arguments"))
		}
		return call, true
	case map[string]any:
		name := coerceString(firstOf(t, "tool", "name", "action", "tool_name"))
		if name == "" {
			return nil, false
		}
		args := coerceArgs(firstOf(t, "parameters", "params", "args", "arguments"))
		if args == nil {
			// Some providers inline the arguments next to the tool name.
			args = map[string]any{}
			for k, v := range t {
				switch k {
				case "tool", "name", "action", "tool_name":
				default:
					args[k] = v
				}
			}
			if len(args) == 0 {
				args = nil
			}
		}
		return &ToolCall{Tool: name, Args: args}, true
	default:
		return nil, false
	}
}

func normalizeFinding(m map[string]any) *Finding {
	f := &Finding{
		Type:        coerceString(firstOf(m, "type", "vulnerability_type", "vuln_type", "category")),
		Name:        coerceString(firstOf(m, "name", "title")),
		URL:         coerceString(firstOf(m, "url", "endpoint", "location")),
		Method:      coerceString(m["method"]),
		Parameter:   coerceString(firstOf(m, "parameter", "param")),
		Payload:     coerceString(m["payload"]),
		Evidence:    coerceString(firstOf(m, "evidence", "proof", "details")),
		Severity:    coerceString(m["severity"]),
		Description: coerceString(m["description"]),
	}
	if f.Type == "" && f.Name == "" && f.Evidence == "" {
		return nil
	}
	return f
}

func normalizeEndpoint(v any) (Endpoint, bool) {
	switch t := v.(type) {
	case string:
		if url := strings.TrimSpace(t); url != "" {
			return Endpoint{URL: url, Method: "GET"}, true
		}
	case map[string]any:
		url := coerceString(firstOf(t, "url", "endpoint"))
		if url == "" {
			return Endpoint{}, false
		}
		method := coerceString(t["method"])
		if method == "" {
			method = "GET"
		}
		return Endpoint{
			URL:    url,
			Method: strings.ToUpper(method),
			Params: coerceStringMap(firstOf(t, "params", "parameters")),
			Body:   coerceString(firstOf(t, "body", "data")),
			Reason: coerceString(firstOf(t, "reason", "why")),
		}, true
	}
	return Endpoint{}, false
}

func firstOf(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64, bool, int, int64:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	default:
		return ""
	}
}

func coerceStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s := coerceString(val); s != "" {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func coerceArgs(v any) map[string]any {
	if m, ok := v.(map[string]any); ok && len(m) > 0 {
		return m
	}
	return nil
}
