package shared

import (
	"sort"
	"strings"
	"sync"

	"github.com/periscan/periscan/db"
	"github.com/rs/zerolog/log"
)

// State is the store shared by every agent in a scan. All methods are safe
// for concurrent use. Endpoint and vulnerability collections preserve
// insertion order for iteration.
type State struct {
	mu           sync.RWMutex
	endpoints    []*Endpoint
	endpointKeys map[string]int // key -> index into endpoints
	vulns        []*db.Vulnerability
	sessions     []*db.Session
	stats        Stats

	bus *Bus
}

// NewState creates an empty State with its own event bus.
func NewState() *State {
	return &State{
		endpointKeys: make(map[string]int),
		bus:          NewBus(),
	}
}

// Bus returns the event bus attached to this state.
func (s *State) Bus() *Bus {
	return s.bus
}

// AddEndpoint registers a discovered endpoint. Returns false when the
// (method, url) key already exists; the first writer wins and the existing
// entry is never updated.
func (s *State) AddEndpoint(endpoint *Endpoint) bool {
	if endpoint.Method == "" {
		endpoint.Method = "GET"
	}
	if endpoint.Priority < 1 {
		endpoint.Priority = 1
	}
	if endpoint.Priority > 10 {
		endpoint.Priority = 10
	}

	s.mu.Lock()
	key := endpoint.Key()
	if _, exists := s.endpointKeys[key]; exists {
		s.mu.Unlock()
		return false
	}
	s.endpointKeys[key] = len(s.endpoints)
	s.endpoints = append(s.endpoints, endpoint)
	s.stats.EndpointsDiscovered++
	snapshot := *endpoint
	s.mu.Unlock()

	s.bus.Publish(Event{Topic: TopicEndpointDiscovered, Endpoint: &snapshot, AgentID: snapshot.AgentID})
	return true
}

// Endpoints returns a snapshot of every registered endpoint in insertion
// order. Entries are copies: readers never observe a concurrent MarkTested
// half-applied.
func (s *State) Endpoints() []*Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, len(s.endpoints))
	for i, e := range s.endpoints {
		snapshot := *e
		out[i] = &snapshot
	}
	return out
}

// UntestedEndpoints returns up to limit untested endpoints sorted by
// descending priority. Order is stable for endpoints of equal priority, and
// entries are copies like Endpoints.
func (s *State) UntestedEndpoints(limit int) []*Endpoint {
	s.mu.RLock()
	var untested []*Endpoint
	for _, e := range s.endpoints {
		if !e.Tested {
			snapshot := *e
			untested = append(untested, &snapshot)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(untested, func(i, j int) bool {
		return untested[i].Priority > untested[j].Priority
	})
	if limit > 0 && len(untested) > limit {
		untested = untested[:limit]
	}
	return untested
}

// MarkTested flags an endpoint as exercised and records the result.
func (s *State) MarkTested(url, method, result string) {
	key := strings.ToUpper(method) + " " + url

	s.mu.Lock()
	idx, ok := s.endpointKeys[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	endpoint := s.endpoints[idx]
	if !endpoint.Tested {
		endpoint.Tested = true
		s.stats.EndpointsTested++
	}
	endpoint.LastResult = result
	snapshot := *endpoint
	s.mu.Unlock()

	s.bus.Publish(Event{Topic: TopicEndpointTested, Endpoint: &snapshot})
}

// AddVulnerability appends a confirmed finding and emits a found event. The
// list is append-only within a run.
func (s *State) AddVulnerability(vuln *db.Vulnerability) {
	s.mu.Lock()
	s.vulns = append(s.vulns, vuln)
	s.stats.VulnsFound++
	s.mu.Unlock()

	s.bus.Publish(Event{Topic: TopicVulnFound, Vulnerability: vuln, AgentID: vuln.AgentID})
}

// Vulnerabilities returns the findings recorded so far, in insertion order.
func (s *State) Vulnerabilities() []*db.Vulnerability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*db.Vulnerability, len(s.vulns))
	copy(out, s.vulns)
	return out
}

// AddSession records captured session material.
func (s *State) AddSession(session *db.Session) {
	s.mu.Lock()
	s.sessions = append(s.sessions, session)
	s.mu.Unlock()
}

// Sessions returns captured sessions in insertion order.
func (s *State) Sessions() []*db.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*db.Session, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// ReportSuspicion publishes a suspected vulnerability for the verification
// pipeline.
func (s *State) ReportSuspicion(suspicion *Suspicion) {
	log.Debug().
		Str("type", suspicion.Type.String()).
		Str("url", suspicion.URL).
		Str("agent", suspicion.AgentID).
		Msg("Suspicion reported")
	s.bus.Publish(Event{Topic: TopicVulnSuspected, Suspicion: suspicion, AgentID: suspicion.AgentID})
}

// CountRequest increments the request counter.
func (s *State) CountRequest() {
	s.mu.Lock()
	s.stats.RequestsSent++
	s.mu.Unlock()
}

// Snapshot returns a copy of the run counters.
func (s *State) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Clear empties every collection and releases all bus subscribers. Called at
// run end.
func (s *State) Clear() {
	s.mu.Lock()
	s.endpoints = nil
	s.endpointKeys = make(map[string]int)
	s.vulns = nil
	s.sessions = nil
	s.stats = Stats{}
	s.mu.Unlock()

	s.bus.Clear()
}
