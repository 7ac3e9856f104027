// Package shared provides the concurrency-safe state store and event bus
// that coordinate every agent participating in a scan.
package shared

import (
	"strings"

	"github.com/periscan/periscan/db"
)

// Endpoint is a discovered attack surface entry. Endpoints are deduplicated
// by (method, url) and never removed during a run. URL, Method, Params,
// Headers and Body are fixed at registration; only Tested and LastResult
// change afterwards.
type Endpoint struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Params     map[string]string `json:"params,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	AgentID    string            `json:"agent_id"`
	Priority   int               `json:"priority"`
	Tested     bool              `json:"tested"`
	LastResult string            `json:"last_result,omitempty"`
}

// Key returns the deduplication key for an endpoint.
func (e *Endpoint) Key() string {
	return strings.ToUpper(e.Method) + " " + e.URL
}

// HasInput reports whether the endpoint carries attacker-controllable input
// (query parameters, explicit or in the URL, or a request body), which makes
// it a fuzzing target.
func (e *Endpoint) HasInput() bool {
	return len(e.Params) > 0 || e.Body != "" || strings.Contains(e.URL, "?")
}

// Suspicion is a suspected vulnerability produced by a worker or by
// pattern-based auto-detection. It is consumed exactly once by the
// verification pipeline.
type Suspicion struct {
	ID        string       `json:"id"`
	Type      db.VulnType  `json:"type"`
	URL       string       `json:"url"`
	Method    string       `json:"method"`
	Parameter string       `json:"parameter,omitempty"`
	Payload   string       `json:"payload,omitempty"`
	Evidence  string       `json:"evidence"`
	Request   string       `json:"request,omitempty"`
	Response  string       `json:"response,omitempty"`
	AgentID   string       `json:"agent_id"`
}

// AgentMessage is a point-to-point or broadcast message between agents.
type AgentMessage struct {
	From    string `json:"from"`
	To      string `json:"to,omitempty"` // empty for broadcasts
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Stats is a snapshot of run counters. All counters are monotonically
// non-decreasing until Clear.
type Stats struct {
	EndpointsDiscovered int `json:"endpoints_discovered"`
	EndpointsTested     int `json:"endpoints_tested"`
	RequestsSent        int `json:"requests_sent"`
	VulnsFound          int `json:"vulns_found"`
}
