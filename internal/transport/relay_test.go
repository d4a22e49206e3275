package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// dialTestConn connects a client to an in-process websocket server whose
// side of the connection is driven by serve.
func dialTestConn(t *testing.T, serve func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		serve(c)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func newTestRelayClient(conn *websocket.Conn) *RelayClient {
	return &RelayClient{
		conn:     conn,
		address:  "0xagent",
		env:      "dev",
		messages: make(chan Message, messageBuffer),
		syncDone: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func TestRelayClient_Sync(t *testing.T) {
	conn := dialTestConn(t, func(c *websocket.Conn) {
		ctx := context.Background()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) != nil || f.Type != "sync" {
				continue
			}
			resp, _ := json.Marshal(frame{Type: "sync_done"})
			if err := c.Write(ctx, websocket.MessageText, resp); err != nil {
				return
			}
		}
	})

	rc := newTestRelayClient(conn)
	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()
	go rc.readPump(readCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
}

func TestRelayClient_SyncIgnoresStaleCompletion(t *testing.T) {
	// The relay swallows frames and never acknowledges.
	conn := dialTestConn(t, func(c *websocket.Conn) {
		ctx := context.Background()
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})

	rc := newTestRelayClient(conn)
	// Completion signal left behind by an earlier sync that timed out.
	rc.syncDone <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := rc.Sync(ctx); err == nil {
		t.Fatal("Expected sync to wait for a fresh completion signal")
	}
}
