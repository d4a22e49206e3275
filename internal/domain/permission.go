package domain

// SpendPermission is a user-signed authorization letting an agent's spender
// contract pull a recurring token fee from the payer's smart account.
// Immutable once signed; validity must be re-checked on-chain before every
// charge, never cached.
type SpendPermission struct {
	Account   string `json:"account"`
	Spender   string `json:"spender"`
	Token     string `json:"token"`
	Allowance string `json:"allowance"`
	Period    uint64 `json:"period"`
	Start     uint64 `json:"start"`
	End       uint64 `json:"end"`
	Salt      string `json:"salt"`
	ExtraData string `json:"extra_data"`
}

// SignedPermission pairs a permission with the signature captured when the
// payer approved it. The signature is replayed into approveWithSignature on
// every charge.
type SignedPermission struct {
	Permission SpendPermission `json:"permission"`
	Signature  string          `json:"signature"`
}

// TxReference is the structured attachment sent after a successful charge so
// the counterparty can verify payment out of band.
type TxReference struct {
	NetworkID string `json:"network_id"`
	TxHash    string `json:"tx_hash"`
}
