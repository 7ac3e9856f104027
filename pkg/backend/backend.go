// Package backend defines the contract with the external tool server that
// performs all network activity on behalf of the agents, plus an MCP client
// implementation of it.
package backend

import (
	"context"
	"encoding/json"
	"strings"
)

// Backend is the collaborator that executes named tools. The engine never
// issues network requests itself.
type Backend interface {
	// IsAvailable reports whether the tool server is reachable.
	IsAvailable(ctx context.Context) bool
	// CallTool invokes one named tool with the given arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error)
}

// ToolResult is the outcome of a tool call. Raw preserves the exact text the
// backend returned; Data is its JSON decoding when the text was an object.
type ToolResult struct {
	Raw     string         `json:"raw"`
	Data    map[string]any `json:"data,omitempty"`
	Blocked bool           `json:"blocked,omitempty"`
	Message string         `json:"message,omitempty"`
}

// ParseToolResult builds a ToolResult from raw backend output.
func ParseToolResult(raw string) ToolResult {
	result := ToolResult{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var data map[string]any
		if err := json.Unmarshal([]byte(trimmed), &data); err == nil {
			result.Data = data
		}
	}
	return result
}

// BlockedResult builds the synthetic result returned for calls rejected by
// guardrails before reaching the backend.
func BlockedResult(message string) ToolResult {
	return ToolResult{
		Raw:     message,
		Blocked: true,
		Message: message,
	}
}

// Status returns the HTTP status carried in the result, tolerating both the
// "status" and "statusCode" field names. Zero means no status was present.
func (r ToolResult) Status() int {
	for _, key := range []string{"status", "statusCode", "status_code"} {
		if v, ok := r.Data[key]; ok {
			switch n := v.(type) {
			case float64:
				return int(n)
			case int:
				return n
			}
		}
	}
	return 0
}

// Body returns the response body carried in the result, tolerating both the
// "body" and "body_preview" field names. Falls back to the raw text.
func (r ToolResult) Body() string {
	for _, key := range []string{"body", "body_preview"} {
		if v, ok := r.Data[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return r.Raw
}

// Header returns a named response header from the result, if present.
func (r ToolResult) Header(name string) string {
	headers, ok := r.Data["headers"].(map[string]any)
	if !ok {
		return ""
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
