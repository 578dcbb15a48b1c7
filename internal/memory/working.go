package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// workingTrimRatio is the level the working set is trimmed back to when an
// insertion pushes the token count over the cap, and the fill level at
// which IsFull reports that paging out is due.
const workingTrimRatio = 0.8

// WorkingMemory is the innermost tier: an ordered sequence of messages
// with approximate token accounting. The cap is soft. Insertions always
// succeed; when one overflows the cap, the oldest messages are dropped
// until the count is back at workingTrimRatio of the cap.
//
// Single-writer by convention: the orchestrator serialises updates per
// conversation. The mutex protects against concurrent readers during
// retrieval fan-out.
type WorkingMemory struct {
	mu        sync.RWMutex
	messages  []Message
	maxTokens int
	tokens    int
}

// NewWorkingMemory returns a working memory holding about maxTokens
// whitespace-delimited tokens.
func NewWorkingMemory(maxTokens int) *WorkingMemory {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &WorkingMemory{maxTokens: maxTokens}
}

// countTokens approximates token usage as whitespace-separated words.
func countTokens(s string) int {
	return len(strings.Fields(s))
}

// Add appends a message. If the cap is now exceeded, the oldest messages
// are dropped one at a time until usage is at most workingTrimRatio of
// the cap.
func (w *WorkingMemory) Add(role, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.messages = append(w.messages, NewMessage(role, content))
	w.tokens += countTokens(content)

	if w.tokens <= w.maxTokens {
		return
	}
	target := int(float64(w.maxTokens) * workingTrimRatio)
	for len(w.messages) > 0 && w.tokens > target {
		w.tokens -= countTokens(w.messages[0].Content)
		w.messages = w.messages[1:]
	}
}

// Messages returns a copy of the current messages, oldest first.
func (w *WorkingMemory) Messages() []Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// RemoveOldest removes and returns up to n of the oldest messages.
func (w *WorkingMemory) RemoveOldest(n int) []Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n <= 0 || len(w.messages) == 0 {
		return nil
	}
	if n > len(w.messages) {
		n = len(w.messages)
	}

	removed := make([]Message, n)
	copy(removed, w.messages[:n])
	w.messages = w.messages[n:]
	for _, msg := range removed {
		w.tokens -= countTokens(msg.Content)
	}
	return removed
}

// Clear drops all messages.
func (w *WorkingMemory) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = nil
	w.tokens = 0
}

// IsFull reports whether usage has reached the paging trigger,
// workingTrimRatio of the cap.
func (w *WorkingMemory) IsFull() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return float64(w.tokens) >= float64(w.maxTokens)*workingTrimRatio
}

// TokenCount returns the current approximate token usage.
func (w *WorkingMemory) TokenCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tokens
}

// Len returns the number of messages held.
func (w *WorkingMemory) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.messages)
}

// MaxTokens returns the configured cap.
func (w *WorkingMemory) MaxTokens() int {
	return w.maxTokens
}

// ExportJSON renders the messages as a JSON array.
func (w *WorkingMemory) ExportJSON() ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return json.Marshal(w.messages)
}

// ExportMarkdown renders the messages as a markdown transcript.
func (w *WorkingMemory) ExportMarkdown() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var b strings.Builder
	for _, msg := range w.messages {
		fmt.Fprintf(&b, "**%s** (%s):\n%s\n\n", msg.Role, msg.Timestamp.Format("2006-01-02 15:04:05"), msg.Content)
	}
	return b.String()
}

// restore replaces the contents wholesale. Used by state loading.
func (w *WorkingMemory) restore(messages []Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = make([]Message, len(messages))
	copy(w.messages, messages)
	w.tokens = 0
	for _, msg := range messages {
		w.tokens += countTokens(msg.Content)
	}
}
