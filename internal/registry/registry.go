// Package registry provides CRUD over agent and user profile records.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/ashureev/agentfleet/internal/domain"
	"github.com/ashureev/agentfleet/internal/store"
)

var (
	// ErrAgentNotFound is returned when an agent id does not resolve.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrUserNotFound is returned when a user profile does not resolve.
	ErrUserNotFound = errors.New("user not found")
)

// Registry persists agent configurations and user profiles.
type Registry struct {
	store store.Store
}

// New creates a registry over the given store.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// CreateAgentParams carries the caller-supplied fields of a new agent.
type CreateAgentParams struct {
	OwnerID     string
	Name        string
	Description string
	Prompt      string
	IsPublic    bool
	FeeAmount   string
}

// Validate checks required fields.
func (p *CreateAgentParams) Validate() error {
	if strings.TrimSpace(p.OwnerID) == "" {
		return errors.New("owner id cannot be empty")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("agent name cannot be empty")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return errors.New("agent prompt cannot be empty")
	}
	return nil
}

// CreateAgent generates an id and a wallet signing key, persists the config,
// then appends the id to the owner's profile. The profile append is not
// transactional with the config write: a crash in between leaves an agent
// that is owned but unlisted, which read paths tolerate. A missing owner
// profile is not auto-created.
func (r *Registry) CreateAgent(p CreateAgentParams) (*domain.AgentConfig, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate wallet key: %w", err)
	}

	agent := &domain.AgentConfig{
		ID:          uuid.NewString(),
		Name:        p.Name,
		Description: p.Description,
		Prompt:      p.Prompt,
		OwnerID:     strings.ToLower(p.OwnerID),
		IsPublic:    p.IsPublic,
		FeeAmount:   p.FeeAmount,
		WalletKey:   fmt.Sprintf("%x", crypto.FromECDSA(key)),
		CreatedAt:   time.Now().UTC(),
	}

	if err := r.store.Put(store.NamespaceAgents, agent.ID, agent); err != nil {
		return nil, fmt.Errorf("persist agent %s: %w", agent.ID, err)
	}

	if err := r.appendToOwner(agent.OwnerID, agent.ID); err != nil {
		// The agent record already landed; surface the linkage failure but
		// leave the agent in place (GetPublicAgents still finds it).
		slog.Warn("Agent created but owner profile append failed",
			"agent_id", agent.ID, "owner_id", agent.OwnerID, "error", err)
	}

	return agent, nil
}

func (r *Registry) appendToOwner(ownerID, agentID string) error {
	var profile domain.UserProfile
	found, err := r.store.Get(store.NamespaceUsers, ownerID, &profile)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	profile.Agents = append(profile.Agents, agentID)
	return r.store.Put(store.NamespaceUsers, ownerID, &profile)
}

// GetAgent loads an agent config by id.
func (r *Registry) GetAgent(id string) (*domain.AgentConfig, error) {
	var agent domain.AgentConfig
	found, err := r.store.Get(store.NamespaceAgents, id, &agent)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return &agent, nil
}

// GetPublicAgents scans the agents namespace and returns the public subset.
func (r *Registry) GetPublicAgents() ([]*domain.AgentConfig, error) {
	ids, err := r.store.ListIDs(store.NamespaceAgents)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	agents := make([]*domain.AgentConfig, 0, len(ids))
	for _, id := range ids {
		var agent domain.AgentConfig
		found, err := r.store.Get(store.NamespaceAgents, id, &agent)
		if err != nil || !found {
			continue
		}
		if agent.IsPublic {
			agents = append(agents, &agent)
		}
	}
	return agents, nil
}

// GetUserAgents returns the agents listed on a user's profile, dropping any
// id that no longer resolves.
func (r *Registry) GetUserAgents(userID string) ([]*domain.AgentConfig, error) {
	profile, err := r.GetUser(userID)
	if err != nil {
		return nil, err
	}

	agents := make([]*domain.AgentConfig, 0, len(profile.Agents))
	for _, id := range profile.Agents {
		agent, err := r.GetAgent(id)
		if err != nil {
			continue
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// DeleteAgent removes an agent config. The owner's profile keeps the id;
// GetUserAgents drops it on read.
func (r *Registry) DeleteAgent(id string) error {
	return r.store.Delete(store.NamespaceAgents, id)
}

// AttachTransportAddress records the address derived at first transport
// client creation. This is the only mutation an agent config receives after
// creation.
func (r *Registry) AttachTransportAddress(id, address string) error {
	agent, err := r.GetAgent(id)
	if err != nil {
		return err
	}
	if agent.TransportAddress == address {
		return nil
	}
	agent.TransportAddress = address
	if err := r.store.Put(store.NamespaceAgents, id, agent); err != nil {
		return fmt.Errorf("persist transport address for %s: %w", id, err)
	}
	return nil
}

// CreateUser creates a profile for the lower-cased address. Idempotency is
// the caller's concern; use EnsureUser for check-then-create.
func (r *Registry) CreateUser(address string) (*domain.UserProfile, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("address cannot be empty")
	}
	profile := &domain.UserProfile{
		ID:        strings.ToLower(address),
		Address:   address,
		Agents:    []string{},
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Put(store.NamespaceUsers, profile.ID, profile); err != nil {
		return nil, fmt.Errorf("persist user %s: %w", profile.ID, err)
	}
	return profile, nil
}

// GetUser loads a user profile by id (lower-cased address).
func (r *Registry) GetUser(userID string) (*domain.UserProfile, error) {
	var profile domain.UserProfile
	found, err := r.store.Get(store.NamespaceUsers, strings.ToLower(userID), &profile)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return &profile, nil
}

// EnsureUser returns the existing profile for an address or creates one.
func (r *Registry) EnsureUser(address string) (*domain.UserProfile, error) {
	profile, err := r.GetUser(address)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	return r.CreateUser(address)
}
