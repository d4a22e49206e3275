// Package sessions builds isolated reasoning sessions per (agent,
// counterparty) pair.
package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentfleet/internal/domain"
	"github.com/ashureev/agentfleet/internal/engine"
	"github.com/ashureev/agentfleet/internal/store"
	"github.com/ashureev/agentfleet/internal/wallet"
)

// Factory resolves reasoning sessions. Safe for concurrent use; checkpoint
// objects are cached per composite key for the process lifetime so repeated
// resolution does not reset conversational memory.
type Factory struct {
	store       store.Store
	invoker     engine.Invoker
	provisioner wallet.Provisioner
	checkpoints *engine.CheckpointRegistry
}

// NewFactory creates a session factory.
func NewFactory(s store.Store, invoker engine.Invoker, provisioner wallet.Provisioner) *Factory {
	return &Factory{
		store:       s,
		invoker:     invoker,
		provisioner: provisioner,
		checkpoints: engine.NewCheckpointRegistry(),
	}
}

// Key returns the composite session key for an (agent, counterparty) pair.
// It doubles as the engine thread id and the wallet blob record id.
func Key(agentID, counterpartyID string) string {
	return agentID + "-" + counterpartyID
}

// Resolve returns the session and thread config for an (agent, counterparty)
// pair. The wallet export blob is write-once: the first resolution persists
// it, every later one restores from it, and it is never refreshed even if
// in-memory wallet state has drifted since — refreshing would re-derive the
// pair's smart account and strand anything held by the original.
func (f *Factory) Resolve(agent *domain.AgentConfig, counterpartyID string) (*engine.Session, engine.ThreadConfig, error) {
	key := Key(agent.ID, counterpartyID)

	provider, blob, err := f.resolveWallet(key)
	if err != nil {
		return nil, engine.ThreadConfig{}, fmt.Errorf("resolve wallet for %s: %w", key, err)
	}

	tools := toolSurface(provider)
	checkpoint := f.checkpoints.GetOrCreate(key)
	session := engine.NewSession(f.invoker, tools, checkpoint, systemPrompt(agent))

	written, err := f.store.PutIfAbsent(store.NamespaceWallets, key, json.RawMessage(blob))
	if err != nil {
		return nil, engine.ThreadConfig{}, fmt.Errorf("persist wallet blob for %s: %w", key, err)
	}
	if written {
		slog.Info("Provisioned session wallet", "session_key", key, "wallet_address", provider.Address())
	}

	return session, engine.ThreadConfig{ThreadID: key}, nil
}

// DropCheckpoint discards the cached conversational memory for a pair.
func (f *Factory) DropCheckpoint(agentID, counterpartyID string) {
	f.checkpoints.Drop(Key(agentID, counterpartyID))
}

func (f *Factory) resolveWallet(key string) (*wallet.Provider, []byte, error) {
	var stored json.RawMessage
	found, err := f.store.Get(store.NamespaceWallets, key, &stored)
	if err != nil {
		return nil, nil, err
	}

	cfg := wallet.ProviderConfig{}
	if found {
		cfg.WalletData = stored
	}
	provider, err := f.provisioner.ConfigureWithWallet(cfg)
	if err != nil {
		return nil, nil, err
	}

	blob, err := provider.ExportWallet()
	if err != nil {
		return nil, nil, err
	}
	return provider, blob, nil
}

// systemPrompt concatenates the agent's free-text prompt with the fixed
// identity preamble.
func systemPrompt(agent *domain.AgentConfig) string {
	return fmt.Sprintf("%s\n\nYou are %s. %s", agent.Prompt, agent.Name, agent.Description)
}

// toolSurface provisions the wallet, token, and platform actions the engine
// may invoke, bound to the pair's wallet.
func toolSurface(provider *wallet.Provider) []engine.Tool {
	return []engine.Tool{
		{Name: "get_wallet_details", Description: fmt.Sprintf("Get details of the session wallet %s on %s.", provider.Address(), provider.NetworkID())},
		{Name: "get_balance", Description: "Get the native token balance of the session wallet."},
		{Name: "transfer", Description: "Transfer native tokens from the session wallet to an address."},
		{Name: "get_token_balance", Description: "Get the ERC-20 token balance of the session wallet."},
		{Name: "transfer_token", Description: "Transfer ERC-20 tokens from the session wallet to an address."},
		{Name: "request_faucet_funds", Description: "Request testnet funds for the session wallet."},
	}
}
