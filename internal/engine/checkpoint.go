package engine

import (
	"sync"
)

// Checkpoint holds one thread's in-memory conversational history. It lives
// for the process lifetime and is lost on restart.
type Checkpoint struct {
	mu       sync.Mutex
	messages []ChatMessage
}

// Append records a message at the end of the history.
func (c *Checkpoint) Append(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, ChatMessage{Role: role, Content: content})
}

// History returns a copy of the recorded messages.
func (c *Checkpoint) History() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// CheckpointRegistry caches checkpoints per composite session key so a
// session rebuilt mid-process keeps its conversational memory.
type CheckpointRegistry struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewCheckpointRegistry creates an empty registry.
func NewCheckpointRegistry() *CheckpointRegistry {
	return &CheckpointRegistry{checkpoints: make(map[string]*Checkpoint)}
}

// GetOrCreate returns the checkpoint for a key, creating it on first use.
func (r *CheckpointRegistry) GetOrCreate(key string) *Checkpoint {
	r.mu.RLock()
	cp, ok := r.checkpoints[key]
	r.mu.RUnlock()
	if ok {
		return cp
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cp, ok := r.checkpoints[key]; ok {
		return cp
	}
	cp = &Checkpoint{}
	r.checkpoints[key] = cp
	return cp
}

// Drop removes the checkpoint for a key.
func (r *CheckpointRegistry) Drop(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkpoints, key)
}
