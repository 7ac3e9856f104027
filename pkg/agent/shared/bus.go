package shared

import (
	"sync"

	"github.com/periscan/periscan/db"
)

// Topic identifies one class of event on the bus.
type Topic string

const (
	TopicEndpointDiscovered Topic = "endpoint:discovered"
	TopicEndpointTested     Topic = "endpoint:tested"
	TopicVulnFound          Topic = "vulnerability:found"
	TopicVulnSuspected      Topic = "vulnerability:suspected"
	TopicWorkerLog          Topic = "worker:log"
)

// Event is delivered to subscribers. Only the fields relevant to the topic
// are populated.
type Event struct {
	Topic         Topic
	Endpoint      *Endpoint
	Suspicion     *Suspicion
	Vulnerability *db.Vulnerability
	AgentID       string
	Message       string
}

// Handler receives events for a topic.
type Handler func(Event)

// Bus is a synchronous publish/subscribe bus. Events are delivered to
// subscribers in subscription order, on the publisher's goroutine; handlers
// must not block.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Topic][]subscription
	agents   map[string][]subscription
}

type subscription struct {
	id      int
	handler Handler
	agentFn func(AgentMessage)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Topic][]subscription),
		agents:   make(map[string][]subscription),
	}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i := range subs {
			if subs[i].id == id {
				b.handlers[topic] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event synchronously to every subscriber of its topic,
// in subscription order.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[event.Topic]))
	copy(subs, b.handlers[event.Topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}

// SubscribeAgent registers an inbox handler for a named agent. Returns an
// unsubscribe function.
func (b *Bus) SubscribeAgent(agentID string, fn func(AgentMessage)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.agents[agentID] = append(b.agents[agentID], subscription{id: id, agentFn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.agents[agentID]
		for i := range subs {
			if subs[i].id == id {
				b.agents[agentID] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Send delivers a message to one agent's subscribers.
func (b *Bus) Send(msg AgentMessage) {
	b.mu.RLock()
	subs := make([]subscription, len(b.agents[msg.To]))
	copy(subs, b.agents[msg.To])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.agentFn(msg)
	}
}

// Broadcast delivers a message to every registered agent except the sender.
func (b *Bus) Broadcast(msg AgentMessage) {
	b.mu.RLock()
	var targets []subscription
	for agentID, subs := range b.agents {
		if agentID == msg.From {
			continue
		}
		targets = append(targets, subs...)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.agentFn(msg)
	}
}

// Clear drops every subscriber.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Topic][]subscription)
	b.agents = make(map[string][]subscription)
}
