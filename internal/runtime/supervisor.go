// Package runtime keeps the fleet of running agents alive: one transport
// client and one consumption loop per agent, health-checked on a timer.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentfleet/internal/domain"
	"github.com/ashureev/agentfleet/internal/engine"
	"github.com/ashureev/agentfleet/internal/payment"
	"github.com/ashureev/agentfleet/internal/registry"
	"github.com/ashureev/agentfleet/internal/sessions"
	"github.com/ashureev/agentfleet/internal/store"
	"github.com/ashureev/agentfleet/internal/transport"
)

// Options configures the supervisor.
type Options struct {
	TransportEnv        string
	EncryptionKey       string
	DataDir             string
	HealthCheckInterval time.Duration
}

// runningAgent tracks one live agent: its transport client and the cancel
// handle of its consumption loop.
type runningAgent struct {
	agent  *domain.AgentConfig
	client transport.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// sessionEntry caches a resolved reasoning session per composite key.
type sessionEntry struct {
	session *engine.Session
	thread  engine.ThreadConfig
}

// Supervisor owns the set of running agents. All live state is instance
// fields so a fresh supervisor can be constructed per test.
type Supervisor struct {
	registry  *registry.Registry
	store     store.Store
	factory   *sessions.Factory
	gate      *payment.Gate
	newClient transport.Factory
	opts      Options

	mu            sync.Mutex
	clients       map[string]*runningAgent
	desired       map[string]bool
	healthChecked map[string]bool

	sessMu   sync.RWMutex
	sessions map[string]*sessionEntry

	rootCtx  context.Context
	shutdown context.CancelFunc
}

// NewSupervisor creates a supervisor. The payment gate may be nil when no
// bundler is configured; paid agents then fall back to ungated delivery
// with a warning at start.
func NewSupervisor(reg *registry.Registry, s store.Store, factory *sessions.Factory, gate *payment.Gate, newClient transport.Factory, opts Options) *Supervisor {
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 60 * time.Second
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		registry:      reg,
		store:         s,
		factory:       factory,
		gate:          gate,
		newClient:     newClient,
		opts:          opts,
		clients:       make(map[string]*runningAgent),
		desired:       make(map[string]bool),
		healthChecked: make(map[string]bool),
		sessions:      make(map[string]*sessionEntry),
		rootCtx:       rootCtx,
		shutdown:      cancel,
	}
}

// IsRunning reports whether an agent currently has a live client.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[id]
	return ok
}

// TransportAddress returns the running agent's transport identity, or "".
func (s *Supervisor) TransportAddress(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ra, ok := s.clients[id]; ok {
		return ra.client.Address()
	}
	return ""
}

// Conversation resolves a conversation through a running agent's client.
func (s *Supervisor) Conversation(ctx context.Context, agentID, conversationID string) (transport.Conversation, error) {
	s.mu.Lock()
	ra, ok := s.clients[agentID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agent %s is not running", agentID)
	}
	return ra.client.ConversationByID(ctx, conversationID)
}

// HealthChecked reports whether a health check is installed for the id.
func (s *Supervisor) HealthChecked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthChecked[id]
}

// StartAgent opens the agent's transport client and begins its consumption
// loop. No-op when already running. Failures leave the agent stopped and
// propagate to the caller.
func (s *Supervisor) StartAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[id]; ok {
		return nil
	}

	agent, err := s.registry.GetAgent(id)
	if err != nil {
		return err
	}

	if agent.IsPaid() && s.gate == nil {
		slog.Warn("Paid agent starting without a payment gate, replies will be ungated",
			"agent_id", id, "name", agent.Name)
	}

	signer, err := transport.NewKeySigner(agent.WalletKey)
	if err != nil {
		return fmt.Errorf("agent %s signing key: %w", id, err)
	}

	storagePath := filepath.Join(s.opts.DataDir, "xmtp",
		fmt.Sprintf("%s-%s-%s", s.opts.TransportEnv, id, signer.Identifier()))

	client, err := s.newClient(ctx, signer, transport.ClientOptions{
		EncryptionKey: s.opts.EncryptionKey,
		Environment:   s.opts.TransportEnv,
		StoragePath:   storagePath,
	})
	if err != nil {
		return fmt.Errorf("open transport client for %s: %w", id, err)
	}

	if err := s.registry.AttachTransportAddress(id, client.Address()); err != nil {
		client.Close()
		return fmt.Errorf("persist transport address for %s: %w", id, err)
	}
	agent.TransportAddress = client.Address()

	if err := client.Sync(ctx); err != nil {
		client.Close()
		return fmt.Errorf("sync conversations for %s: %w", id, err)
	}

	// The loop outlives this call; its context is cancelled by StopAgent or
	// supervisor shutdown, not by the caller's request context.
	loopCtx, cancel := context.WithCancel(s.rootCtx)
	ra := &runningAgent{
		agent:  agent,
		client: client,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.clients[id] = ra
	s.desired[id] = true
	go s.consumeMessages(loopCtx, ra)

	if agent.IsPublic {
		s.persistRunningLocked()
	}

	slog.Info("Agent started", "agent_id", id, "name", agent.Name, "address", client.Address())
	return nil
}

// StopAgent cancels the agent's consumption loop, closes its transport
// client, and drops its cached sessions. It also clears the desired flag so
// the health check leaves the agent stopped until the next explicit start.
// Stopping a stopped agent is a no-op.
func (s *Supervisor) StopAgent(id string) {
	s.mu.Lock()
	delete(s.desired, id)
	ra, ok := s.clients[id]
	if ok {
		delete(s.clients, id)
		s.persistRunningLocked()
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	ra.cancel()
	if err := ra.client.Close(); err != nil {
		slog.Warn("Transport client close failed", "agent_id", id, "error", err)
	}
	<-ra.done

	s.dropAgentSessions(id)
	slog.Info("Agent stopped", "agent_id", id)
}

// EnsureAgentRunning starts the agent and, on its first registration in
// this process, installs the recurring health check. Calling it again for a
// running agent is idempotent and never installs a second check.
func (s *Supervisor) EnsureAgentRunning(ctx context.Context, id string) error {
	if err := s.StartAgent(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	install := !s.healthChecked[id]
	if install {
		s.healthChecked[id] = true
	}
	s.mu.Unlock()

	if install {
		go s.healthCheckLoop(id)
	}
	return nil
}

// BootFleet starts every public agent, then replays the persisted running
// set. A single agent's failure is logged and does not block the rest.
func (s *Supervisor) BootFleet(ctx context.Context) {
	seen := make(map[string]bool)

	public, err := s.registry.GetPublicAgents()
	if err != nil {
		slog.Error("Failed to list public agents at boot", "error", err)
	}
	for _, agent := range public {
		seen[agent.ID] = true
		if err := s.EnsureAgentRunning(ctx, agent.ID); err != nil {
			slog.Error("Failed to start public agent", "agent_id", agent.ID, "error", err)
		}
	}

	resume, err := s.store.LoadRunningAgents()
	if err != nil {
		slog.Error("Failed to load running-agents state", "error", err)
		return
	}
	for _, id := range resume {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := s.EnsureAgentRunning(ctx, id); err != nil {
			slog.Error("Failed to resume agent", "agent_id", id, "error", err)
		}
	}

	slog.Info("Fleet boot complete", "agents", len(seen))
}

// Shutdown stops every running agent and ends all health checks.
func (s *Supervisor) Shutdown() {
	s.shutdown()

	s.mu.Lock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.StopAgent(id)
	}
	slog.Info("Supervisor shut down", "agents_stopped", len(ids))
}

// healthCheckLoop probes the agent every interval and restarts it on
// failure. A failed restart is logged and retried on the next tick only.
func (s *Supervisor) healthCheckLoop(id string) {
	ticker := time.NewTicker(s.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.healthCheckTick(id)
		case <-s.rootCtx.Done():
			return
		}
	}
}

func (s *Supervisor) healthCheckTick(id string) {
	s.mu.Lock()
	desired := s.desired[id]
	s.mu.Unlock()
	if !desired {
		// Explicitly stopped; the loop idles until the agent is started again.
		return
	}

	ctx, cancel := context.WithTimeout(s.rootCtx, 30*time.Second)
	defer cancel()

	if err := s.probe(ctx, id); err == nil {
		return
	} else {
		slog.Warn("Agent health check failed, restarting", "agent_id", id, "error", err)
	}

	s.StopAgent(id)

	// Restart intent survives the internal stop so a failed start is still
	// retried on the next tick.
	s.mu.Lock()
	s.desired[id] = true
	s.mu.Unlock()

	if err := s.StartAgent(ctx, id); err != nil {
		slog.Error("Agent restart failed", "agent_id", id, "error", err)
	}
}

// probe checks that the config still resolves and, when the agent holds a
// live client, that the client still answers.
func (s *Supervisor) probe(ctx context.Context, id string) error {
	if _, err := s.registry.GetAgent(id); err != nil {
		return err
	}

	s.mu.Lock()
	ra, ok := s.clients[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s has no transport client", id)
	}
	return ra.client.Ping(ctx)
}

// persistRunningLocked mirrors the public running set to the store. Caller
// holds s.mu.
func (s *Supervisor) persistRunningLocked() {
	ids := make([]string, 0, len(s.clients))
	for id, ra := range s.clients {
		if ra.agent.IsPublic {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if err := s.store.SaveRunningAgents(ids); err != nil {
		slog.Warn("Failed to persist running-agents state", "error", err)
	}
}

// dropAgentSessions removes every cached session belonging to an agent.
func (s *Supervisor) dropAgentSessions(agentID string) {
	prefix := agentID + "-"
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	for key := range s.sessions {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.sessions, key)
		}
	}
}
