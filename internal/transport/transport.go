// Package transport defines the messaging-transport boundary: client
// creation from a signing key, conversation discovery, a continuous stream
// of incoming messages, and send-to-conversation.
package transport

import (
	"context"
	"errors"
	"iter"
)

// ErrConversationNotFound is returned when a conversation id does not
// resolve against the client's synced state.
var ErrConversationNotFound = errors.New("conversation not found")

// Message is a single inbound message from the transport stream.
type Message struct {
	SenderInboxID  string `json:"sender_inbox_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// Conversation is a handle to one conversation the client participates in.
type Conversation interface {
	// ID returns the conversation id.
	ID() string

	// Send delivers a plain text message into the conversation.
	Send(ctx context.Context, text string) error

	// SendAttachment delivers a structured payload with a content type
	// descriptor (e.g. a transaction reference).
	SendAttachment(ctx context.Context, contentType string, payload any) error
}

// Client is one transport identity's connection. Each running agent owns
// exactly one client keyed by its own wallet key.
type Client interface {
	// Address returns the chain-style address derived from the signer.
	Address() string

	// Sync pulls remote conversation state into the local db.
	Sync(ctx context.Context) error

	// StreamAllMessages yields incoming messages across all of this
	// client's conversations until ctx is cancelled or the stream ends.
	StreamAllMessages(ctx context.Context) iter.Seq2[Message, error]

	// ConversationByID resolves a conversation from synced state.
	ConversationByID(ctx context.Context, id string) (Conversation, error)

	// Ping verifies the client is still able to serve (connection up,
	// local db reachable).
	Ping(ctx context.Context) error

	// Close tears the connection and local db down.
	Close() error
}

// ClientOptions configures client creation. StoragePath must be unique per
// (environment, agent, address) to avoid cross-agent state bleed.
// EncryptionKey seals message content in the local mirror and is required.
type ClientOptions struct {
	EncryptionKey string
	Environment   string
	StoragePath   string
}

// Factory creates a transport client for a signer. The supervisor holds one
// so tests can substitute an in-memory transport.
type Factory func(ctx context.Context, signer Signer, opts ClientOptions) (Client, error)
