// Package domain contains core domain types for the agent fleet.
package domain

import (
	"time"
)

// AgentConfig is the persisted configuration of a single agent persona.
// ID and WalletKey are assigned exactly once at creation; regenerating the
// wallet key would orphan the agent's transport and on-chain identity, so
// there is no rotation path.
type AgentConfig struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Prompt           string    `json:"prompt"`
	OwnerID          string    `json:"owner_id"`
	IsPublic         bool      `json:"is_public"`
	WalletKey        string    `json:"wallet_key"`
	TransportAddress string    `json:"transport_address,omitempty"`
	FeeAmount        string    `json:"fee_amount,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// IsPaid reports whether replies from this agent are gated behind a charge.
func (a *AgentConfig) IsPaid() bool {
	return a.FeeAmount != "" && a.FeeAmount != "0"
}

// HasTransportAddress reports whether the transport identity has been derived.
func (a *AgentConfig) HasTransportAddress() bool {
	return a.TransportAddress != ""
}
