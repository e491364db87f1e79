// Package memory keeps the short-term conversation context for each user.
package memory

import "sync"

// DefaultWindow is the number of exchanges kept when none is configured.
const DefaultWindow = 6

// Role identifies who produced a turn.
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Buffer is a rolling window of the most recent turns. The window counts
// exchanges (one human and one AI turn), so up to 2*window turns are kept.
type Buffer struct {
	mu     sync.Mutex
	window int
	turns  []Turn
}

// NewBuffer returns an empty Buffer. A window <= 0 uses DefaultWindow.
func NewBuffer(window int) *Buffer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Buffer{window: window}
}

// Add appends a turn and evicts the oldest turns beyond the cap.
func (b *Buffer) Add(role Role, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.turns = append(b.turns, Turn{Role: role, Content: content})
	if limit := b.window * 2; len(b.turns) > limit {
		kept := make([]Turn, limit)
		copy(kept, b.turns[len(b.turns)-limit:])
		b.turns = kept
	}
}

// Get returns a copy of the buffered turns, oldest first.
func (b *Buffer) Get() []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// Window returns the configured exchange count.
func (b *Buffer) Window() int {
	return b.window
}
