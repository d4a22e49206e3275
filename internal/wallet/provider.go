// Package wallet adapts the blockchain smart-account and payment layer.
package wallet

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ProviderConfig mirrors the smart-account layer's configure call: API
// credentials, the target network, and optionally a previously exported
// wallet blob to restore from.
type ProviderConfig struct {
	APIKeyID     string
	APIKeySecret string
	NetworkID    string
	WalletData   []byte
}

// Provider is one provisioned smart-account wallet. A fresh provider gets a
// new signing key; restoring from WalletData yields the same account the
// blob was exported from.
type Provider struct {
	key       *ecdsa.PrivateKey
	address   string
	networkID string
}

// exportBlob is the serialized wallet state round-tripped through the store.
type exportBlob struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
	NetworkID  string `json:"network_id"`
}

// Provisioner creates wallet providers. The session factory holds one so
// tests can substitute deterministic wallets.
type Provisioner interface {
	ConfigureWithWallet(cfg ProviderConfig) (*Provider, error)
}

// APIProvisioner provisions wallets against the smart-account service using
// the configured credentials.
type APIProvisioner struct {
	apiKeyID     string
	apiKeySecret string
	networkID    string
}

// NewAPIProvisioner validates the credentials and returns a provisioner.
func NewAPIProvisioner(apiKeyID, apiKeySecret, networkID string) (*APIProvisioner, error) {
	if strings.TrimSpace(apiKeyID) == "" || strings.TrimSpace(apiKeySecret) == "" {
		return nil, errors.New("payment api credentials cannot be empty")
	}
	if strings.TrimSpace(networkID) == "" {
		return nil, errors.New("network id cannot be empty")
	}
	return &APIProvisioner{
		apiKeyID:     apiKeyID,
		apiKeySecret: apiKeySecret,
		networkID:    networkID,
	}, nil
}

// ConfigureWithWallet restores a provider from WalletData when present,
// otherwise provisions a fresh account.
func (p *APIProvisioner) ConfigureWithWallet(cfg ProviderConfig) (*Provider, error) {
	networkID := cfg.NetworkID
	if networkID == "" {
		networkID = p.networkID
	}

	if len(cfg.WalletData) > 0 {
		return restoreProvider(cfg.WalletData, networkID)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("provision wallet key: %w", err)
	}
	return &Provider{
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		networkID: networkID,
	}, nil
}

func restoreProvider(data []byte, networkID string) (*Provider, error) {
	var blob exportBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decode wallet export: %w", err)
	}
	key, err := crypto.HexToECDSA(blob.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("restore wallet key: %w", err)
	}
	if blob.NetworkID != "" {
		networkID = blob.NetworkID
	}
	return &Provider{
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		networkID: networkID,
	}, nil
}

// Address returns the wallet's account address.
func (p *Provider) Address() string {
	return p.address
}

// NetworkID returns the network the wallet was provisioned on.
func (p *Provider) NetworkID() string {
	return p.networkID
}

// ExportWallet serializes the wallet for durable storage. Feeding the blob
// back through ConfigureWithWallet restores the same account.
func (p *Provider) ExportWallet() ([]byte, error) {
	blob := exportBlob{
		Address:    p.address,
		PrivateKey: fmt.Sprintf("%x", crypto.FromECDSA(p.key)),
		NetworkID:  p.networkID,
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("encode wallet export: %w", err)
	}
	return data, nil
}
