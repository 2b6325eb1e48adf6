// Package memory holds an agent's conversation log and the optional
// SQLite transcript that records runs for later inspection.
package memory

import (
	"sync"

	"github.com/nugget/steward/internal/llm"
)

// Memory is the ordered message log of one agent. Messages are only
// appended, except by Replace, which the memory-reset path uses to
// install a compacted log.
type Memory struct {
	mu   sync.RWMutex
	msgs []llm.Message
}

// New creates an empty memory.
func New() *Memory {
	return &Memory{}
}

// Append adds messages to the end of the log.
func (m *Memory) Append(msgs ...llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msgs...)
}

// Messages returns a copy of the log.
func (m *Memory) Messages() []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]llm.Message, len(m.msgs))
	copy(out, m.msgs)
	return out
}

// Replace swaps the whole log for msgs.
func (m *Memory) Replace(msgs []llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append([]llm.Message(nil), msgs...)
}

// Clear empties the log.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = nil
}

// Len returns the number of messages.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.msgs)
}

// Last returns the final n messages, or all of them when fewer exist.
func (m *Memory) Last(n int) []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n > len(m.msgs) {
		n = len(m.msgs)
	}
	if n <= 0 {
		return nil
	}
	out := make([]llm.Message, n)
	copy(out, m.msgs[len(m.msgs)-n:])
	return out
}
