package runtime

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentfleet/internal/engine"
	"github.com/ashureev/agentfleet/internal/registry"
	"github.com/ashureev/agentfleet/internal/sessions"
	"github.com/ashureev/agentfleet/internal/store"
	"github.com/ashureev/agentfleet/internal/transport"
	"github.com/ashureev/agentfleet/internal/wallet"
)

type stubInvoker struct{}

func (stubInvoker) Stream(ctx context.Context, req engine.StreamRequest) iter.Seq2[engine.Chunk, error] {
	return func(yield func(engine.Chunk, error) bool) {
		yield(engine.Chunk{Kind: engine.KindAgentTurn, Text: "echo: " + req.Messages[len(req.Messages)-1].Content}, nil)
	}
}

type fakeConversation struct {
	mu          sync.Mutex
	id          string
	texts       []string
	attachments []string
}

func (f *fakeConversation) ID() string { return f.id }

func (f *fakeConversation) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeConversation) SendAttachment(ctx context.Context, contentType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments = append(f.attachments, contentType)
	return nil
}

func (f *fakeConversation) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakeClient struct {
	address string
	msgs    chan transport.Message

	mu      sync.Mutex
	convs   map[string]*fakeConversation
	pingErr error
	closed  bool
	syncs   int
}

func (f *fakeClient) Address() string { return f.address }

func (f *fakeClient) Sync(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func (f *fakeClient) StreamAllMessages(ctx context.Context) iter.Seq2[transport.Message, error] {
	return func(yield func(transport.Message, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-f.msgs:
				if !ok {
					return
				}
				if !yield(msg, nil) {
					return
				}
			}
		}
	}
}

func (f *fakeClient) ConversationByID(ctx context.Context, id string) (transport.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		conv = &fakeConversation{id: id}
		f.convs[id] = conv
	}
	return conv, nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) conversation(id string) *fakeConversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		conv = &fakeConversation{id: id}
		f.convs[id] = conv
	}
	return conv
}

// fakeTransport hands out one fakeClient per dial and counts dials.
type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	clients []*fakeClient
}

func (f *fakeTransport) factory(ctx context.Context, signer transport.Signer, opts transport.ClientOptions) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	client := &fakeClient{
		address: signer.Identifier(),
		msgs:    make(chan transport.Message, 16),
		convs:   make(map[string]*fakeConversation),
	}
	f.clients = append(f.clients, client)
	return client, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) lastClient() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

type testHarness struct {
	registry   *registry.Registry
	store      *store.FileStore
	transport  *fakeTransport
	supervisor *Supervisor
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	// An hour-long interval keeps the health check out of tests that are
	// not about it.
	return newHarnessInterval(t, time.Hour)
}

func newHarnessInterval(t *testing.T, interval time.Duration) *testHarness {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	reg := registry.New(s)
	provisioner, err := wallet.NewAPIProvisioner("id", "secret", "base-sepolia")
	if err != nil {
		t.Fatalf("NewAPIProvisioner failed: %v", err)
	}
	factory := sessions.NewFactory(s, stubInvoker{}, provisioner)
	ft := &fakeTransport{}
	sup := NewSupervisor(reg, s, factory, nil, ft.factory, Options{
		TransportEnv:        "dev",
		EncryptionKey:       "enc-key",
		DataDir:             t.TempDir(),
		HealthCheckInterval: interval,
	})
	t.Cleanup(sup.Shutdown)
	return &testHarness{registry: reg, store: s, transport: ft, supervisor: sup}
}

func (h *testHarness) createAgent(t *testing.T, name string, public bool) string {
	t.Helper()
	agent, err := h.registry.CreateAgent(registry.CreateAgentParams{
		OwnerID:  "0xowner",
		Name:     name,
		Prompt:   "Answer briefly.",
		IsPublic: public,
	})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return agent.ID
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSupervisor_StartAgent(t *testing.T) {
	h := newHarness(t)
	id := h.createAgent(t, "A", false)

	if err := h.supervisor.StartAgent(context.Background(), id); err != nil {
		t.Fatalf("StartAgent failed: %v", err)
	}

	if !h.supervisor.IsRunning(id) {
		t.Error("Expected agent running")
	}
	addr := h.supervisor.TransportAddress(id)
	if addr == "" {
		t.Fatal("Expected transport address")
	}

	// The derived address lands on the persisted config.
	agent, err := h.registry.GetAgent(id)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.TransportAddress != addr {
		t.Errorf("Expected persisted address %s, got %s", addr, agent.TransportAddress)
	}

	client := h.transport.lastClient()
	if client.syncs != 1 {
		t.Errorf("Expected one sync at start, got %d", client.syncs)
	}
}

func TestSupervisor_StartAgentTwice(t *testing.T) {
	h := newHarness(t)
	id := h.createAgent(t, "A", false)

	if err := h.supervisor.StartAgent(context.Background(), id); err != nil {
		t.Fatalf("StartAgent failed: %v", err)
	}
	if err := h.supervisor.StartAgent(context.Background(), id); err != nil {
		t.Fatalf("StartAgent failed: %v", err)
	}
	if h.transport.dialCount() != 1 {
		t.Errorf("Expected single transport client, got %d dials", h.transport.dialCount())
	}
}

func TestSupervisor_StartAgentUnknown(t *testing.T) {
	h := newHarness(t)
	if err := h.supervisor.StartAgent(context.Background(), "missing"); err == nil {
		t.Error("Expected error for unknown agent")
	}
}

func TestSupervisor_StopAgent(t *testing.T) {
	h := newHarness(t)
	id := h.createAgent(t, "A", false)

	if err := h.supervisor.StartAgent(context.Background(), id); err != nil {
		t.Fatalf("StartAgent failed: %v", err)
	}
	client := h.transport.lastClient()

	h.supervisor.StopAgent(id)

	if h.supervisor.IsRunning(id) {
		t.Error("Expected agent stopped")
	}
	client.mu.Lock()
	closed := client.closed
	client.mu.Unlock()
	if !closed {
		t.Error("Expected transport client closed")
	}

	// Stopping again is a no-op.
	h.supervisor.StopAgent(id)
}

func TestSupervisor_EnsureAgentRunningIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.createAgent(t, "A", true)

	if err := h.supervisor.EnsureAgentRunning(context.Background(), id); err != nil {
		t.Fatalf("EnsureAgentRunning failed: %v", err)
	}
	if !h.supervisor.HealthChecked(id) {
		t.Error("Expected health check installed")
	}
	if err := h.supervisor.EnsureAgentRunning(context.Background(), id); err != nil {
		t.Fatalf("EnsureAgentRunning failed: %v", err)
	}
	if h.transport.dialCount() != 1 {
		t.Errorf("Expected single client across ensures, got %d dials", h.transport.dialCount())
	}
}

func TestSupervisor_HealthCheckRestartsFailedAgent(t *testing.T) {
	h := newHarnessInterval(t, 25*time.Millisecond)
	id := h.createAgent(t, "A", true)

	if err := h.supervisor.EnsureAgentRunning(context.Background(), id); err != nil {
		t.Fatalf("EnsureAgentRunning failed: %v", err)
	}
	h.transport.lastClient().setPingErr(errors.New("stream stalled"))

	waitFor(t, func() bool { return h.transport.dialCount() == 2 },
		"Expected a restart after the failed health check")

	if !h.supervisor.IsRunning(id) {
		t.Error("Expected agent running after restart")
	}

	// The replacement client is healthy, so the next ticks must not dial
	// again.
	time.Sleep(100 * time.Millisecond)
	if got := h.transport.dialCount(); got != 2 {
		t.Errorf("Expected exactly one restart, got %d dials", got)
	}
}

func TestSupervisor_StoppedAgentStaysStopped(t *testing.T) {
	h := newHarnessInterval(t, 25*time.Millisecond)
	id := h.createAgent(t, "A", true)

	if err := h.supervisor.EnsureAgentRunning(context.Background(), id); err != nil {
		t.Fatalf("EnsureAgentRunning failed: %v", err)
	}
	h.supervisor.StopAgent(id)

	// Several ticks pass; an explicit stop must outlast the health check.
	time.Sleep(150 * time.Millisecond)
	if h.supervisor.IsRunning(id) {
		t.Error("Expected explicitly stopped agent to stay stopped")
	}
	if got := h.transport.dialCount(); got != 1 {
		t.Errorf("Expected no redial after stop, got %d dials", got)
	}
}

func TestSupervisor_PublicAgentPersistedForResume(t *testing.T) {
	h := newHarness(t)
	pub := h.createAgent(t, "Public", true)
	priv := h.createAgent(t, "Private", false)

	if err := h.supervisor.StartAgent(context.Background(), pub); err != nil {
		t.Fatalf("StartAgent failed: %v", err)
	}
	if err := h.supervisor.StartAgent(context.Background(), priv); err != nil {
		t.Fatalf("StartAgent failed: %v", err)
	}

	ids, err := h.store.LoadRunningAgents()
	if err != nil {
		t.Fatalf("LoadRunningAgents failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != pub {
		t.Errorf("Expected only public agent persisted, got %v", ids)
	}

	h.supervisor.StopAgent(pub)
	ids, err = h.store.LoadRunningAgents()
	if err != nil {
		t.Fatalf("LoadRunningAgents failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected resume set cleared after stop, got %v", ids)
	}
}

func TestSupervisor_BootFleet(t *testing.T) {
	h := newHarness(t)
	pub := h.createAgent(t, "Public", true)
	resumed := h.createAgent(t, "Resumed", false)

	// Persisted resume set overlaps the public set; the overlap must not
	// start twice.
	if err := h.store.SaveRunningAgents([]string{pub, resumed}); err != nil {
		t.Fatalf("SaveRunningAgents failed: %v", err)
	}

	h.supervisor.BootFleet(context.Background())

	if !h.supervisor.IsRunning(pub) || !h.supervisor.IsRunning(resumed) {
		t.Error("Expected both agents running after boot")
	}
	if h.transport.dialCount() != 2 {
		t.Errorf("Expected 2 dials, got %d", h.transport.dialCount())
	}
}

func TestSupervisor_MessageReply(t *testing.T) {
	h := newHarness(t)
	id := h.createAgent(t, "A", false)

	if err := h.supervisor.StartAgent(context.Background(), id); err != nil {
		t.Fatalf("StartAgent failed: %v", err)
	}
	client := h.transport.lastClient()

	client.msgs <- transport.Message{
		SenderInboxID:  "0xsender",
		ConversationID: "conv-1",
		Content:        "hello",
	}

	conv := client.conversation("conv-1")
	waitFor(t, func() bool { return len(conv.sent()) == 1 }, "Expected one reply")
	if got := conv.sent()[0]; got != "echo: hello" {
		t.Errorf("Expected engine reply, got %q", got)
	}

	// First contact creates a sender profile.
	if _, err := h.registry.GetUser("0xsender"); err != nil {
		t.Errorf("Expected sender profile created, got %v", err)
	}
}

func TestSupervisor_SelfEchoIgnored(t *testing.T) {
	h := newHarness(t)
	id := h.createAgent(t, "A", false)

	if err := h.supervisor.StartAgent(context.Background(), id); err != nil {
		t.Fatalf("StartAgent failed: %v", err)
	}
	client := h.transport.lastClient()

	// The agent's own send comes back on the stream, case-varied.
	client.msgs <- transport.Message{
		SenderInboxID:  "0X" + client.address[2:],
		ConversationID: "conv-1",
		Content:        "my own message",
	}
	client.msgs <- transport.Message{
		SenderInboxID:  "0xsender",
		ConversationID: "conv-1",
		Content:        "real message",
	}

	conv := client.conversation("conv-1")
	waitFor(t, func() bool { return len(conv.sent()) == 1 }, "Expected one reply")
	if got := conv.sent()[0]; got != "echo: real message" {
		t.Errorf("Expected only the real message answered, got %q", got)
	}
}

func TestSupervisor_Shutdown(t *testing.T) {
	h := newHarness(t)
	a := h.createAgent(t, "A", true)
	b := h.createAgent(t, "B", false)

	if err := h.supervisor.StartAgent(context.Background(), a); err != nil {
		t.Fatalf("StartAgent failed: %v", err)
	}
	if err := h.supervisor.StartAgent(context.Background(), b); err != nil {
		t.Fatalf("StartAgent failed: %v", err)
	}

	h.supervisor.Shutdown()

	if h.supervisor.IsRunning(a) || h.supervisor.IsRunning(b) {
		t.Error("Expected all agents stopped after shutdown")
	}
}
