package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/agentfleet/internal/sessions"
	"github.com/ashureev/agentfleet/internal/transport"
)

// consumeMessages is one agent's consumption loop: strictly serial per
// agent, running until its context is cancelled or the stream ends. No
// single message's failure may end the loop.
func (s *Supervisor) consumeMessages(ctx context.Context, ra *runningAgent) {
	defer close(ra.done)

	slog.Info("Message loop started", "agent_id", ra.agent.ID)
	for msg, err := range ra.client.StreamAllMessages(ctx) {
		if err != nil {
			slog.Warn("Message stream error", "agent_id", ra.agent.ID, "error", err)
			continue
		}
		s.handleMessage(ctx, ra, msg)
	}
	slog.Info("Message loop ended", "agent_id", ra.agent.ID)
}

// handleMessage runs one message through the reply pipeline. Errors are
// converted to a best-effort apology send and swallowed.
func (s *Supervisor) handleMessage(ctx context.Context, ra *runningAgent, msg transport.Message) {
	// Self-echo guard: the stream includes the agent's own sends.
	if strings.EqualFold(msg.SenderInboxID, ra.client.Address()) {
		return
	}

	var conv transport.Conversation
	err := func() error {
		entry, err := s.sessionFor(ra, msg.SenderInboxID)
		if err != nil {
			return fmt.Errorf("resolve session: %w", err)
		}

		reply, err := entry.session.Reply(ctx, entry.thread, msg.Content)
		if err != nil {
			return fmt.Errorf("engine reply: %w", err)
		}

		conv, err = ra.client.ConversationByID(ctx, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("resolve conversation: %w", err)
		}

		if ra.agent.IsPaid() && s.gate != nil {
			return s.gate.Collect(ctx, conv, ra.agent, msg.SenderInboxID, ra.agent.FeeAmount, reply)
		}
		return conv.Send(ctx, reply)
	}()

	if err == nil {
		return
	}

	slog.Error("Message handling failed", "agent_id", ra.agent.ID,
		"conversation_id", msg.ConversationID, "error", err)

	// Apology goes into the conversation only if it was already resolved;
	// a failure here is swallowed so the loop always reaches the next
	// message.
	if conv != nil {
		apology := fmt.Sprintf("Sorry, %s hit a snag handling that message. Please try again.", ra.agent.Name)
		if sendErr := conv.Send(ctx, apology); sendErr != nil {
			slog.Warn("Fallback send failed", "agent_id", ra.agent.ID, "error", sendErr)
		}
	}
}

// sessionFor returns the cached session for (agent, sender), resolving and
// caching it on first contact. The cache is the per-process uniqueness
// guarantee for sessions: the serial loop means no two resolutions for the
// same key race within one agent.
func (s *Supervisor) sessionFor(ra *runningAgent, senderID string) (*sessionEntry, error) {
	key := sessions.Key(ra.agent.ID, senderID)

	s.sessMu.RLock()
	entry, ok := s.sessions[key]
	s.sessMu.RUnlock()
	if ok {
		return entry, nil
	}

	// First contact from this counterparty: make sure a profile exists.
	// Profile failures are non-fatal for messaging.
	if _, err := s.registry.EnsureUser(senderID); err != nil {
		slog.Warn("Failed to ensure sender profile", "sender", senderID, "error", err)
	}

	session, thread, err := s.factory.Resolve(ra.agent, senderID)
	if err != nil {
		return nil, err
	}

	entry = &sessionEntry{session: session, thread: thread}
	s.sessMu.Lock()
	s.sessions[key] = entry
	s.sessMu.Unlock()
	return entry, nil
}
