package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// BalanceReader reads ERC-20 balances. *ChainReader implements it over a
// real node; tests substitute fixed balances.
type BalanceReader interface {
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
}

// ChainReader reads token state from an EVM node.
type ChainReader struct {
	eth *ethclient.Client
}

// DialChainReader connects to an RPC endpoint.
func DialChainReader(ctx context.Context, url string) (*ChainReader, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", url, err)
	}
	return &ChainReader{eth: eth}, nil
}

// NewChainReader wraps an existing ethclient.
func NewChainReader(eth *ethclient.Client) *ChainReader {
	return &ChainReader{eth: eth}
}

// TokenBalance returns account's balance of the token in base units.
func (r *ChainReader) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	out, err := r.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf on %s: %w", token.Hex(), err)
	}

	results, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, errors.New("balanceOf returned non-integer")
	}
	return balance, nil
}
