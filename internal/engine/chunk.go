// Package engine adapts the external reasoning/tool-execution engine.
package engine

import (
	"encoding/json"
)

// ChunkKind discriminates engine output chunks. The kind is decided once at
// the adapter boundary so downstream code switches exhaustively instead of
// probing structure.
type ChunkKind int

const (
	// KindAgentTurn is text the agent speaks; only these chunks are
	// concatenated into the reply.
	KindAgentTurn ChunkKind = iota
	// KindToolCall is an intermediate tool invocation.
	KindToolCall
	// KindToolResult is a tool's output fed back into the engine.
	KindToolResult
)

// Chunk is one streamed unit of engine output.
type Chunk struct {
	Kind    ChunkKind
	Text    string
	Tool    string
	Payload json.RawMessage
}

// ChatMessage is one entry of conversational history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes an action the engine may invoke on the session's behalf.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
