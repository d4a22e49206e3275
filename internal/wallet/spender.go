package wallet

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ashureev/agentfleet/internal/domain"
)

const spenderABIJSON = `[
	{"name":"approveWithSignature","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"permission","type":"tuple","components":[
			{"name":"account","type":"address"},
			{"name":"spender","type":"address"},
			{"name":"token","type":"address"},
			{"name":"allowance","type":"uint160"},
			{"name":"period","type":"uint48"},
			{"name":"start","type":"uint48"},
			{"name":"end","type":"uint48"},
			{"name":"salt","type":"uint256"},
			{"name":"extraData","type":"bytes"}]},
		{"name":"signature","type":"bytes"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"name":"spend","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"permission","type":"tuple","components":[
			{"name":"account","type":"address"},
			{"name":"spender","type":"address"},
			{"name":"token","type":"address"},
			{"name":"allowance","type":"uint160"},
			{"name":"period","type":"uint48"},
			{"name":"start","type":"uint48"},
			{"name":"end","type":"uint48"},
			{"name":"salt","type":"uint256"},
			{"name":"extraData","type":"bytes"}]},
		{"name":"amount","type":"uint160"}],
	 "outputs":[]}
]`

var spenderABI = mustParseABI(spenderABIJSON)

// abiPermission is the tuple shape the spender contract expects.
type abiPermission struct {
	Account   common.Address
	Spender   common.Address
	Token     common.Address
	Allowance *big.Int
	Period    *big.Int
	Start     *big.Int
	End       *big.Int
	Salt      *big.Int
	ExtraData []byte
}

func toABIPermission(p domain.SpendPermission) (abiPermission, error) {
	allowance, ok := new(big.Int).SetString(p.Allowance, 10)
	if !ok {
		return abiPermission{}, fmt.Errorf("invalid allowance %q", p.Allowance)
	}
	salt, ok := new(big.Int).SetString(p.Salt, 10)
	if !ok {
		return abiPermission{}, fmt.Errorf("invalid salt %q", p.Salt)
	}
	extraData := []byte{}
	if p.ExtraData != "" {
		decoded, err := hexutil.Decode(p.ExtraData)
		if err != nil {
			return abiPermission{}, fmt.Errorf("invalid extra data: %w", err)
		}
		extraData = decoded
	}
	return abiPermission{
		Account:   common.HexToAddress(p.Account),
		Spender:   common.HexToAddress(p.Spender),
		Token:     common.HexToAddress(p.Token),
		Allowance: allowance,
		Period:    new(big.Int).SetUint64(p.Period),
		Start:     new(big.Int).SetUint64(p.Start),
		End:       new(big.Int).SetUint64(p.End),
		Salt:      salt,
		ExtraData: extraData,
	}, nil
}

// PackApproveWithSignature builds the calldata replaying the payer's
// captured approval signature.
func PackApproveWithSignature(p domain.SpendPermission, signature string) ([]byte, error) {
	perm, err := toABIPermission(p)
	if err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid permission signature: %w", err)
	}
	data, err := spenderABI.Pack("approveWithSignature", perm, sig)
	if err != nil {
		return nil, fmt.Errorf("pack approveWithSignature: %w", err)
	}
	return data, nil
}

// PackSpend builds the calldata pulling amount base units under the
// permission.
func PackSpend(p domain.SpendPermission, amount *big.Int) ([]byte, error) {
	perm, err := toABIPermission(p)
	if err != nil {
		return nil, err
	}
	data, err := spenderABI.Pack("spend", perm, amount)
	if err != nil {
		return nil, fmt.Errorf("pack spend: %w", err)
	}
	return data, nil
}
