package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	relayDialTimeout = 15 * time.Second
	relaySyncTimeout = 30 * time.Second
	messageBuffer    = 64
)

// frame is the wire format spoken with the relay node.
type frame struct {
	Type           string          `json:"type"`
	Environment    string          `json:"environment,omitempty"`
	Address        string          `json:"address,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"`
	Signature      string          `json:"signature,omitempty"`
	ID             string          `json:"id,omitempty"`
	PeerAddress    string          `json:"peer_address,omitempty"`
	SenderInboxID  string          `json:"sender_inbox_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	ContentType    string          `json:"content_type,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// RelayClient implements Client over a websocket connection to a relay node,
// mirroring conversation state into a per-identity sqlite db.
type RelayClient struct {
	conn    *websocket.Conn
	db      *localDB
	address string
	env     string

	messages chan Message
	syncDone chan struct{}

	mu         sync.Mutex // guards writes to conn
	closeOnce  sync.Once
	closed     chan struct{}
	cancelRead context.CancelFunc
}

// NewRelayFactory returns a Factory dialing the given relay URL.
func NewRelayFactory(relayURL string) Factory {
	return func(ctx context.Context, signer Signer, opts ClientOptions) (Client, error) {
		return dialRelay(ctx, relayURL, signer, opts)
	}
}

func dialRelay(ctx context.Context, relayURL string, signer Signer, opts ClientOptions) (*RelayClient, error) {
	if opts.StoragePath == "" {
		return nil, errors.New("transport storage path cannot be empty")
	}

	db, err := openLocalDB(opts.StoragePath, opts.EncryptionKey)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, relayDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, relayURL, nil)
	if err != nil {
		db.close()
		return nil, fmt.Errorf("dial relay %s: %w", relayURL, err)
	}

	c := &RelayClient{
		conn:     conn,
		db:       db,
		address:  signer.Identifier(),
		env:      opts.Environment,
		messages: make(chan Message, messageBuffer),
		syncDone: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}

	if err := c.authenticate(ctx, signer); err != nil {
		c.Close()
		return nil, err
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	c.cancelRead = cancelRead
	go c.readPump(readCtx)

	return c, nil
}

// authenticate proves key ownership to the relay with a signed challenge.
func (c *RelayClient) authenticate(ctx context.Context, signer Signer) error {
	now := time.Now().Unix()
	challenge := fmt.Sprintf("xmtp-auth:%s:%s:%d", c.env, c.address, now)
	sig, err := signer.SignMessage([]byte(challenge))
	if err != nil {
		return fmt.Errorf("sign relay challenge: %w", err)
	}

	return c.writeFrame(ctx, frame{
		Type:        "auth",
		Environment: c.env,
		Address:     c.address,
		Timestamp:   now,
		Signature:   hex.EncodeToString(sig),
	})
}

func (c *RelayClient) writeFrame(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// readPump is the single reader of the connection. Conversation frames are
// mirrored into the local db, message frames flow to StreamAllMessages.
func (c *RelayClient) readPump(ctx context.Context) {
	defer close(c.messages)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case <-c.closed:
			default:
				slog.Warn("Relay connection read failed", "address", c.address, "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("Dropping malformed relay frame", "address", c.address, "error", err)
			continue
		}

		switch f.Type {
		case "conversation":
			if err := c.db.upsertConversation(ctx, f.ID, f.PeerAddress); err != nil {
				slog.Warn("Failed to mirror conversation", "conversation_id", f.ID, "error", err)
			}
		case "sync_done":
			select {
			case c.syncDone <- struct{}{}:
			default:
			}
		case "message":
			msg := Message{
				SenderInboxID:  f.SenderInboxID,
				ConversationID: f.ConversationID,
				Content:        f.Content,
			}
			if err := c.db.recordMessage(ctx, msg); err != nil {
				slog.Warn("Failed to record message locally", "conversation_id", f.ConversationID, "error", err)
			}
			select {
			case c.messages <- msg:
			case <-ctx.Done():
				return
			}
		default:
			slog.Debug("Ignoring relay frame", "type", f.Type)
		}
	}
}

// Address returns the client's transport identity.
func (c *RelayClient) Address() string {
	return c.address
}

// Sync asks the relay to replay conversation state and waits for completion.
func (c *RelayClient) Sync(ctx context.Context) error {
	// A completion signal left over from an earlier timed-out sync must not
	// satisfy this one.
	select {
	case <-c.syncDone:
	default:
	}

	if err := c.writeFrame(ctx, frame{Type: "sync"}); err != nil {
		return err
	}

	syncCtx, cancel := context.WithTimeout(ctx, relaySyncTimeout)
	defer cancel()

	select {
	case <-c.syncDone:
		return nil
	case <-c.closed:
		return errors.New("client closed during sync")
	case <-syncCtx.Done():
		return fmt.Errorf("sync: %w", syncCtx.Err())
	}
}

// StreamAllMessages yields incoming messages until the context is cancelled
// or the connection ends.
func (c *RelayClient) StreamAllMessages(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			select {
			case msg, ok := <-c.messages:
				if !ok {
					return
				}
				if !yield(msg, nil) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// ConversationByID resolves a conversation against synced local state.
func (c *RelayClient) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	found, err := c.db.hasConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return &relayConversation{client: c, id: id}, nil
}

// Ping verifies the connection and local db are both still serving.
func (c *RelayClient) Ping(ctx context.Context) error {
	select {
	case <-c.closed:
		return errors.New("client closed")
	default:
	}
	if err := c.db.ping(ctx); err != nil {
		return fmt.Errorf("transport db unreachable: %w", err)
	}
	return c.conn.Ping(ctx)
}

// Close tears down the connection and local db.
func (c *RelayClient) Close() error {
	var dbErr error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.cancelRead != nil {
			c.cancelRead()
		}
		if err := c.conn.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
			slog.Debug("Relay connection close", "address", c.address, "error", err)
		}
		dbErr = c.db.close()
	})
	return dbErr
}

// relayConversation sends into one conversation through the shared client.
type relayConversation struct {
	client *RelayClient
	id     string
}

func (rc *relayConversation) ID() string {
	return rc.id
}

func (rc *relayConversation) Send(ctx context.Context, text string) error {
	return rc.client.writeFrame(ctx, frame{
		Type:           "send",
		ConversationID: rc.id,
		Content:        text,
		ContentType:    "text",
	})
}

func (rc *relayConversation) SendAttachment(ctx context.Context, contentType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal attachment payload: %w", err)
	}
	return rc.client.writeFrame(ctx, frame{
		Type:           "send",
		ConversationID: rc.id,
		ContentType:    contentType,
		Payload:        data,
	})
}
