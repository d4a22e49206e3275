package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentfleet/internal/domain"
	"github.com/ashureev/agentfleet/internal/payment"
	"github.com/ashureev/agentfleet/internal/registry"
	"github.com/ashureev/agentfleet/internal/runtime"
)

// startLocks prevents concurrent start requests for the same agent id.
var startLocks sync.Map

// AgentHandler serves the agent and user endpoints.
type AgentHandler struct {
	registry   *registry.Registry
	supervisor *runtime.Supervisor
	gate       *payment.Gate
}

// NewAgentHandler creates the handler.
func NewAgentHandler(reg *registry.Registry, sup *runtime.Supervisor, gate *payment.Gate) *AgentHandler {
	return &AgentHandler{registry: reg, supervisor: sup, gate: gate}
}

// RegisterRoutes registers the API routes.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/user", h.CreateUser)
		r.Post("/agent", h.CreateAgent)
		r.Get("/agent", h.ListPublicAgents)
		r.Get("/user-agent/{address}", h.ListUserAgents)
		r.Post("/agent/{agentID}", h.EnsureRunning)
		r.Get("/agent/{agentID}", h.AgentStatus)
		r.Post("/permission", h.RegisterPermission)
		r.Post("/collect", h.Collect)
	})
}

type createUserRequest struct {
	Address string `json:"address"`
}

// CreateUser creates (or returns) the profile for a wallet address.
func (h *AgentHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		Error(w, http.StatusBadRequest, "address is required")
		return
	}

	profile, err := h.registry.EnsureUser(req.Address)
	if err != nil {
		slog.Error("Failed to create user", "address", req.Address, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	JSON(w, http.StatusOK, profile)
}

type createAgentRequest struct {
	OwnerAddress string `json:"ownerAddress"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Prompt       string `json:"prompt"`
	IsPublic     bool   `json:"isPublic"`
	FeeAmount    string `json:"feeAmount,omitempty"`
	Start        bool   `json:"start,omitempty"`
}

// CreateAgent creates an agent and optionally ensures it is running.
func (h *AgentHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := registry.CreateAgentParams{
		OwnerID:     req.OwnerAddress,
		Name:        req.Name,
		Description: req.Description,
		Prompt:      req.Prompt,
		IsPublic:    req.IsPublic,
		FeeAmount:   req.FeeAmount,
	}
	if err := params.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, err := h.registry.CreateAgent(params)
	if err != nil {
		slog.Error("Failed to create agent", "owner", req.OwnerAddress, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create agent")
		return
	}

	if req.Start {
		if err := h.supervisor.EnsureAgentRunning(r.Context(), agent.ID); err != nil {
			slog.Error("Agent created but failed to start", "agent_id", agent.ID, "error", err)
			Error(w, http.StatusInternalServerError, "agent created but failed to start")
			return
		}
	}
	JSON(w, http.StatusOK, sanitizeAgent(agent))
}

// ListPublicAgents returns all public agents.
func (h *AgentHandler) ListPublicAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.registry.GetPublicAgents()
	if err != nil {
		slog.Error("Failed to list public agents", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	JSON(w, http.StatusOK, sanitizeAgents(agents))
}

// ListUserAgents returns the agents owned by an address.
func (h *AgentHandler) ListUserAgents(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if address == "" {
		Error(w, http.StatusBadRequest, "address is required")
		return
	}

	agents, err := h.registry.GetUserAgents(address)
	if err != nil {
		if errors.Is(err, registry.ErrUserNotFound) {
			Error(w, http.StatusBadRequest, "user not found")
			return
		}
		slog.Error("Failed to list user agents", "address", address, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	JSON(w, http.StatusOK, sanitizeAgents(agents))
}

// EnsureRunning starts the agent and installs its health check.
func (h *AgentHandler) EnsureRunning(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		Error(w, http.StatusBadRequest, "agent id is required")
		return
	}

	// Serialize concurrent start requests per agent id.
	lock, _ := startLocks.LoadOrStore(agentID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	mutex.Lock()
	defer func() {
		mutex.Unlock()
		startLocks.Delete(agentID)
	}()

	if err := h.supervisor.EnsureAgentRunning(r.Context(), agentID); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			Error(w, http.StatusBadRequest, "agent not found")
			return
		}
		slog.Error("Failed to start agent", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to start agent")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"running":  true,
		"address":  h.supervisor.TransportAddress(agentID),
	})
}

// AgentStatus reports whether an agent is running.
func (h *AgentHandler) AgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, err := h.registry.GetAgent(agentID); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			Error(w, http.StatusBadRequest, "agent not found")
			return
		}
		slog.Error("Failed to load agent", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load agent")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"agent_id":       agentID,
		"running":        h.supervisor.IsRunning(agentID),
		"address":        h.supervisor.TransportAddress(agentID),
		"health_checked": h.supervisor.HealthChecked(agentID),
	})
}

type registerPermissionRequest struct {
	AgentID    string                 `json:"agentId"`
	Permission domain.SpendPermission `json:"permission"`
	Signature  string                 `json:"signature"`
}

// RegisterPermission stores a signed spend permission for later charges.
func (h *AgentHandler) RegisterPermission(w http.ResponseWriter, r *http.Request) {
	if h.gate == nil {
		Error(w, http.StatusBadRequest, "payments are not configured")
		return
	}

	var req registerPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		Error(w, http.StatusBadRequest, "agentId and permission are required")
		return
	}
	if _, err := h.registry.GetAgent(req.AgentID); err != nil {
		Error(w, http.StatusBadRequest, "agent not found")
		return
	}

	signed := &domain.SignedPermission{Permission: req.Permission, Signature: req.Signature}
	if err := h.gate.StorePermission(req.AgentID, signed); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"agent_id": req.AgentID, "payer": req.Permission.Account})
}

type collectRequest struct {
	AgentID        string `json:"agentId"`
	Payer          string `json:"payer"`
	ConversationID string `json:"conversationId"`
	Amount         string `json:"amount"`
	Message        string `json:"message"`
}

// Collect executes an ad-hoc metered charge and delivers the message behind
// it.
func (h *AgentHandler) Collect(w http.ResponseWriter, r *http.Request) {
	if h.gate == nil {
		Error(w, http.StatusBadRequest, "payments are not configured")
		return
	}

	var req collectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Payer == "" || req.ConversationID == "" || req.Amount == "" {
		Error(w, http.StatusBadRequest, "agentId, payer, conversationId and amount are required")
		return
	}

	agent, err := h.registry.GetAgent(req.AgentID)
	if err != nil {
		Error(w, http.StatusBadRequest, "agent not found")
		return
	}

	conv, err := h.supervisor.Conversation(r.Context(), req.AgentID, req.ConversationID)
	if err != nil {
		slog.Error("Failed to resolve conversation for collect", "agent_id", req.AgentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to resolve conversation")
		return
	}

	if err := h.gate.Collect(r.Context(), conv, agent, req.Payer, req.Amount, req.Message); err != nil {
		slog.Error("Collect failed", "agent_id", req.AgentID, "payer", req.Payer, "error", err)
		Error(w, http.StatusInternalServerError, "charge failed")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"agent_id": req.AgentID, "collected": true})
}

// sanitizeAgent strips key material before an agent config leaves the API.
func sanitizeAgent(agent *domain.AgentConfig) *domain.AgentConfig {
	out := *agent
	out.WalletKey = ""
	return &out
}

func sanitizeAgents(agents []*domain.AgentConfig) []*domain.AgentConfig {
	out := make([]*domain.AgentConfig, 0, len(agents))
	for _, a := range agents {
		out = append(out, sanitizeAgent(a))
	}
	return out
}
