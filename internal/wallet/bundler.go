package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const receiptPollInterval = 2 * time.Second

// Call is one contract call bundled into a user operation.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Receipt is the settled outcome of a user operation.
type Receipt struct {
	TxHash  string
	Success bool
}

// Bundler submits user operations and waits for their receipts.
type Bundler interface {
	SendUserOperation(ctx context.Context, sender string, calls []Call) (string, error)
	WaitForUserOperationReceipt(ctx context.Context, opHash string) (*Receipt, error)
}

// RPCBundler speaks the bundler's JSON-RPC surface.
type RPCBundler struct {
	client *rpc.Client
}

// DialBundler connects to a bundler endpoint.
func DialBundler(ctx context.Context, url string) (*RPCBundler, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial bundler %s: %w", url, err)
	}
	return &RPCBundler{client: client}, nil
}

// NewRPCBundler wraps an existing RPC client.
func NewRPCBundler(client *rpc.Client) *RPCBundler {
	return &RPCBundler{client: client}
}

type wireCall struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

type wireUserOp struct {
	Sender string     `json:"sender"`
	Calls  []wireCall `json:"calls"`
}

type wireReceipt struct {
	Success bool `json:"success"`
	Receipt struct {
		TransactionHash string `json:"transactionHash"`
	} `json:"receipt"`
}

// SendUserOperation bundles the calls into one user operation and submits
// it, returning the operation hash.
func (b *RPCBundler) SendUserOperation(ctx context.Context, sender string, calls []Call) (string, error) {
	op := wireUserOp{Sender: sender, Calls: make([]wireCall, 0, len(calls))}
	for _, call := range calls {
		value := big.NewInt(0)
		if call.Value != nil {
			value = call.Value
		}
		op.Calls = append(op.Calls, wireCall{
			To:    call.To.Hex(),
			Value: hexutil.EncodeBig(value),
			Data:  hexutil.Encode(call.Data),
		})
	}

	var opHash string
	if err := b.client.CallContext(ctx, &opHash, "eth_sendUserOperation", op); err != nil {
		return "", fmt.Errorf("send user operation: %w", err)
	}
	return opHash, nil
}

// WaitForUserOperationReceipt polls until the operation settles or ctx ends.
func (b *RPCBundler) WaitForUserOperationReceipt(ctx context.Context, opHash string) (*Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		var raw json.RawMessage
		if err := b.client.CallContext(ctx, &raw, "eth_getUserOperationReceipt", opHash); err != nil {
			return nil, fmt.Errorf("get user operation receipt: %w", err)
		}
		if len(raw) > 0 && string(raw) != "null" {
			var wr wireReceipt
			if err := json.Unmarshal(raw, &wr); err != nil {
				return nil, fmt.Errorf("decode user operation receipt: %w", err)
			}
			return &Receipt{
				TxHash:  wr.Receipt.TransactionHash,
				Success: wr.Success,
			}, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", opHash, ctx.Err())
		}
	}
}
