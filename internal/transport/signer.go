package transport

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the identity a transport client is created from.
type Signer interface {
	// Identifier resolves to the signer's chain-style address.
	Identifier() string

	// SignMessage signs arbitrary bytes with the identity key.
	SignMessage(msg []byte) ([]byte, error)
}

// KeySigner signs with a secp256k1 private key using the personal-message
// scheme, so relay-side verification recovers the same address wallets do.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewKeySigner builds a signer from a hex-encoded private key.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Identifier returns the address derived from the key.
func (s *KeySigner) Identifier() string {
	return s.address
}

// SignMessage signs msg with the EIP-191 personal prefix.
func (s *KeySigner) SignMessage(msg []byte) ([]byte, error) {
	hash := accounts.TextHash(msg)
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return sig, nil
}
