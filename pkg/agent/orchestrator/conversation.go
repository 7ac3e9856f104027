package orchestrator

import (
	"strings"
	"sync"
)

// Message is one turn of the orchestrator's conversation with the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is the ring-bounded model context. The system anchor lives
// outside the rotation window, so truncation can never evict it.
type Conversation struct {
	mu       sync.Mutex
	system   string
	window   int
	messages []Message
}

// NewConversation creates a conversation with the given pinned system anchor
// and rotation window size.
func NewConversation(system string, window int) *Conversation {
	if window < 2 {
		window = 2
	}
	return &Conversation{
		system: system,
		window: window,
	}
}

// System returns the pinned anchor.
func (c *Conversation) System() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.system
}

// SetSystem replaces the pinned anchor.
func (c *Conversation) SetSystem(system string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = system
}

// Add appends a turn, evicting the oldest non-anchor turns once the window
// is full.
func (c *Conversation) Add(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, Message{Role: role, Content: content})
	if overflow := len(c.messages) - c.window; overflow > 0 {
		c.messages = append([]Message(nil), c.messages[overflow:]...)
	}
}

// Messages returns the rotating turns, oldest first. The anchor is not
// included; it travels in the request's system field.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of rotating turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Render flattens the rotating turns into a single prompt body.
func (c *Conversation) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	for _, m := range c.messages {
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
