package engine

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ThreadConfig carries the persisted thread identifier for engine calls.
type ThreadConfig struct {
	ThreadID string
}

// Session is one (agent, counterparty) reasoning context: the engine client,
// the provisioned tool surface, the thread-scoped checkpoint, and the system
// instruction.
type Session struct {
	invoker      Invoker
	tools        []Tool
	checkpoint   *Checkpoint
	systemPrompt string
}

// NewSession constructs a session.
func NewSession(invoker Invoker, tools []Tool, checkpoint *Checkpoint, systemPrompt string) *Session {
	return &Session{
		invoker:      invoker,
		tools:        tools,
		checkpoint:   checkpoint,
		systemPrompt: systemPrompt,
	}
}

// Stream invokes the engine with the session history plus the new message
// and yields raw chunks.
func (s *Session) Stream(ctx context.Context, thread ThreadConfig, content string) iter.Seq2[Chunk, error] {
	messages := append(s.checkpoint.History(), ChatMessage{Role: "user", Content: content})
	return s.invoker.Stream(ctx, StreamRequest{
		ThreadID:     thread.ThreadID,
		SystemPrompt: s.systemPrompt,
		Messages:     messages,
		Tools:        s.tools,
	})
}

// Reply runs one engine invocation and concatenates the agent-turn chunks,
// trimmed. Tool chunks are skipped. The exchange is recorded on the
// checkpoint only when the engine succeeds.
func (s *Session) Reply(ctx context.Context, thread ThreadConfig, content string) (string, error) {
	var b strings.Builder
	for chunk, err := range s.Stream(ctx, thread, content) {
		if err != nil {
			return "", err
		}
		switch chunk.Kind {
		case KindAgentTurn:
			b.WriteString(chunk.Text)
		case KindToolCall, KindToolResult:
			// Intermediate chunks never reach the counterparty.
		}
	}

	reply := strings.TrimSpace(b.String())
	if reply == "" {
		return "", errors.New("engine produced no agent turn")
	}

	s.checkpoint.Append("user", content)
	s.checkpoint.Append("assistant", reply)
	return reply, nil
}
