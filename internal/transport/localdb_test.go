package transport

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLocalDB(t *testing.T) *localDB {
	t.Helper()
	db, err := openLocalDB(filepath.Join(t.TempDir(), "mirror.db"), "test-encryption-key")
	if err != nil {
		t.Fatalf("openLocalDB failed: %v", err)
	}
	t.Cleanup(func() { db.close() })
	return db
}

func TestOpenLocalDB_RequiresKey(t *testing.T) {
	if _, err := openLocalDB(filepath.Join(t.TempDir(), "mirror.db"), ""); err == nil {
		t.Error("Expected error for empty encryption key")
	}
}

func TestLocalDB_Conversations(t *testing.T) {
	db := newTestLocalDB(t)
	ctx := context.Background()

	found, err := db.hasConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("hasConversation failed: %v", err)
	}
	if found {
		t.Error("Expected no conversation before upsert")
	}

	if err := db.upsertConversation(ctx, "conv-1", "0xpeer"); err != nil {
		t.Fatalf("upsertConversation failed: %v", err)
	}
	// Upserting the same id again is fine.
	if err := db.upsertConversation(ctx, "conv-1", "0xpeer"); err != nil {
		t.Fatalf("upsertConversation failed: %v", err)
	}

	found, err = db.hasConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("hasConversation failed: %v", err)
	}
	if !found {
		t.Error("Expected conversation after upsert")
	}
}

func TestLocalDB_RecordMessageSealsContent(t *testing.T) {
	db := newTestLocalDB(t)
	ctx := context.Background()

	const plain = "meet me at the usual place"
	msg := Message{SenderInboxID: "0xsender", ConversationID: "conv-1", Content: plain}
	if err := db.recordMessage(ctx, msg); err != nil {
		t.Fatalf("recordMessage failed: %v", err)
	}

	var stored string
	err := db.db.QueryRowContext(ctx,
		`SELECT content FROM messages WHERE conversation_id = ?`, "conv-1").Scan(&stored)
	if err != nil {
		t.Fatalf("select content failed: %v", err)
	}

	if strings.Contains(stored, plain) {
		t.Error("Expected stored content to be sealed, found plaintext")
	}
	got, err := db.openContent(stored)
	if err != nil {
		t.Fatalf("openContent failed: %v", err)
	}
	if got != plain {
		t.Errorf("Expected %q after unseal, got %q", plain, got)
	}
}

func TestLocalDB_OpenContentRejectsGarbage(t *testing.T) {
	db := newTestLocalDB(t)

	if _, err := db.openContent("not base64 at all!!!"); err == nil {
		t.Error("Expected error for undecodable content")
	}
	if _, err := db.openContent("AAAA"); err == nil {
		t.Error("Expected error for truncated content")
	}
}
