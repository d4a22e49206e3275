package transport

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/agentfleet/internal/shared"
)

// localDB is the client's on-disk mirror of remote conversation state, one
// database per (environment, agent, address) at the configured storage path.
// Message content is sealed with the shared encryption key before it lands
// on disk.
type localDB struct {
	db   *sql.DB
	aead cipher.AEAD
}

func openLocalDB(path, encryptionKey string) (*localDB, error) {
	if encryptionKey == "" {
		return nil, errors.New("transport encryption key cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transport db directory: %w", err)
	}

	sum := sha256.Sum256([]byte(encryptionKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("derive transport db cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("derive transport db cipher: %w", err)
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open transport db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ldb := &localDB{db: db, aead: aead}
	if err := ldb.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize transport db schema: %w", err)
	}
	return ldb, nil
}

func (l *localDB) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		peer_address TEXT NOT NULL,
		synced_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		sender_inbox_id TEXT NOT NULL,
		content TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	`
	if _, err := l.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// execRetry runs a write statement, retrying once when SQLite reports a
// concurrency conflict. The busy timeout on the DSN handles most contention;
// this covers the lock surfacing after the timeout anyway.
func (l *localDB) execRetry(ctx context.Context, query string, args ...any) error {
	_, err := l.db.ExecContext(ctx, query, args...)
	if shared.IsSQLiteConflictError(err) {
		time.Sleep(50 * time.Millisecond)
		_, err = l.db.ExecContext(ctx, query, args...)
	}
	return err
}

func (l *localDB) upsertConversation(ctx context.Context, id, peer string) error {
	query := `
	INSERT INTO conversations (id, peer_address, synced_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET peer_address = excluded.peer_address, synced_at = excluded.synced_at`
	if err := l.execRetry(ctx, query, id, peer, time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert conversation %s: %w", id, err)
	}
	return nil
}

func (l *localDB) hasConversation(ctx context.Context, id string) (bool, error) {
	var found string
	err := l.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE id = ?`, id).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup conversation %s: %w", id, err)
	}
	return true, nil
}

func (l *localDB) recordMessage(ctx context.Context, m Message) error {
	sealed, err := l.sealContent(m.Content)
	if err != nil {
		return fmt.Errorf("seal message content: %w", err)
	}
	query := `INSERT INTO messages (conversation_id, sender_inbox_id, content, received_at) VALUES (?, ?, ?, ?)`
	if err := l.execRetry(ctx, query, m.ConversationID, m.SenderInboxID, sealed, time.Now().Unix()); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// sealContent encrypts message text for at-rest storage. The nonce is
// prepended so openContent needs nothing beyond the ciphertext itself.
func (l *localDB) sealContent(plain string) (string, error) {
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := l.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (l *localDB) openContent(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode message content: %w", err)
	}
	if len(raw) < l.aead.NonceSize() {
		return "", errors.New("message content too short")
	}
	nonce, ciphertext := raw[:l.aead.NonceSize()], raw[l.aead.NonceSize():]
	plain, err := l.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt message content: %w", err)
	}
	return string(plain), nil
}

func (l *localDB) ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *localDB) close() error {
	return l.db.Close()
}
