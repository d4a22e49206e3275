// Package payment gates paid replies behind an on-chain charge.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ashureev/agentfleet/internal/domain"
	"github.com/ashureev/agentfleet/internal/store"
	"github.com/ashureev/agentfleet/internal/transport"
	"github.com/ashureev/agentfleet/internal/wallet"
)

// TokenDecimals is the declared decimal count of the fee token (USDC).
const TokenDecimals = 6

// TxReferenceContentType tags the transaction-reference attachment sent
// after a successful charge.
const TxReferenceContentType = "transaction-reference"

// ErrNoPermission is returned when a payer has no stored spend permission
// for the agent.
var ErrNoPermission = errors.New("no spend permission on file")

// Gate verifies a spend permission, executes the charge, and only then
// releases paid content to the counterparty.
type Gate struct {
	store     store.Store
	balances  wallet.BalanceReader
	bundler   wallet.Bundler
	networkID string
}

// NewGate creates a payment gate.
func NewGate(s store.Store, balances wallet.BalanceReader, bundler wallet.Bundler, networkID string) *Gate {
	return &Gate{
		store:     s,
		balances:  balances,
		bundler:   bundler,
		networkID: networkID,
	}
}

func permissionID(agentID, payer string) string {
	return agentID + "-" + strings.ToLower(payer)
}

// StorePermission records a signed spend permission for (payer, agent).
func (g *Gate) StorePermission(agentID string, signed *domain.SignedPermission) error {
	if signed.Permission.Account == "" || signed.Permission.Token == "" || signed.Permission.Spender == "" {
		return errors.New("permission account, spender and token are required")
	}
	if signed.Signature == "" {
		return errors.New("permission signature is required")
	}
	id := permissionID(agentID, signed.Permission.Account)
	if err := g.store.Put(store.NamespacePermissions, id, signed); err != nil {
		return fmt.Errorf("persist permission %s: %w", id, err)
	}
	return nil
}

// LookupPermission loads the stored permission for (payer, agent).
func (g *Gate) LookupPermission(agentID, payer string) (*domain.SignedPermission, error) {
	var signed domain.SignedPermission
	found, err := g.store.Get(store.NamespacePermissions, permissionID(agentID, payer), &signed)
	if err != nil {
		return nil, fmt.Errorf("load permission: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: agent %s payer %s", ErrNoPermission, agentID, payer)
	}
	return &signed, nil
}

// Collect clears the charge for one paid reply and delivers it. Payment
// failures never propagate: the counterparty gets a user-visible notice
// instead of the content, and the caller's loop continues.
func (g *Gate) Collect(ctx context.Context, conv transport.Conversation, agent *domain.AgentConfig, payer, fee, content string) error {
	signed, err := g.LookupPermission(agent.ID, payer)
	if err != nil {
		return err
	}

	feeUnits, err := ToBaseUnits(fee, TokenDecimals)
	if err != nil {
		return fmt.Errorf("parse fee %q: %w", fee, err)
	}

	token := common.HexToAddress(signed.Permission.Token)
	account := common.HexToAddress(signed.Permission.Account)
	balance, err := g.balances.TokenBalance(ctx, token, account)
	if err != nil {
		return fmt.Errorf("read payer balance: %w", err)
	}

	// Compare in base units, never in decimal form.
	if balance.Cmp(feeUnits) < 0 {
		slog.Info("Payer balance below fee, skipping charge",
			"agent_id", agent.ID, "payer", payer, "balance", balance.String(), "fee", feeUnits.String())
		return conv.Send(ctx, fmt.Sprintf(
			"Your balance doesn't cover %s's fee of %s. Please top up and try again.", agent.Name, fee))
	}

	txHash, err := g.charge(ctx, signed, feeUnits)
	if err != nil || txHash == "" {
		slog.Warn("Charge failed", "agent_id", agent.ID, "payer", payer, "error", err)
		return conv.Send(ctx, fmt.Sprintf(
			"Oops, the payment for %s didn't go through. No charge was made — please try again.", agent.Name))
	}

	if err := conv.Send(ctx, content); err != nil {
		return fmt.Errorf("send paid content: %w", err)
	}
	return conv.SendAttachment(ctx, TxReferenceContentType, domain.TxReference{
		NetworkID: g.networkID,
		TxHash:    txHash,
	})
}

// charge bundles approveWithSignature and spend into one user operation and
// waits for the receipt, returning the settled transaction hash.
func (g *Gate) charge(ctx context.Context, signed *domain.SignedPermission, amount *big.Int) (string, error) {
	approveData, err := wallet.PackApproveWithSignature(signed.Permission, signed.Signature)
	if err != nil {
		return "", err
	}
	spendData, err := wallet.PackSpend(signed.Permission, amount)
	if err != nil {
		return "", err
	}

	spender := common.HexToAddress(signed.Permission.Spender)
	opHash, err := g.bundler.SendUserOperation(ctx, signed.Permission.Spender, []wallet.Call{
		{To: spender, Data: approveData},
		{To: spender, Data: spendData},
	})
	if err != nil {
		return "", fmt.Errorf("submit charge: %w", err)
	}

	receipt, err := g.bundler.WaitForUserOperationReceipt(ctx, opHash)
	if err != nil {
		return "", fmt.Errorf("await charge receipt: %w", err)
	}
	if !receipt.Success {
		return "", fmt.Errorf("charge operation %s reverted", opHash)
	}
	return receipt.TxHash, nil
}
