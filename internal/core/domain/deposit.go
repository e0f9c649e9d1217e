package domain

import "math/big"

// DepositCheckResult is the outcome of validating a single deposit
// transaction. It is recomputed on every call because the confirmation
// count moves with the chain head.
//
// Valid and Confirmed are independent: a transaction can be valid but
// not yet confirmed, and an invalid one still carries its confirmation
// count so callers can log it.
type DepositCheckResult struct {
	Valid                 bool     `json:"valid"`
	Confirmed             bool     `json:"confirmed"`
	Confirmations         uint64   `json:"confirmations"`
	RequiredConfirmations uint64   `json:"required_confirmations"`
	FromAddress           string   `json:"from_address"`
	ToAddress             string   `json:"to_address"`
	Amount                string   `json:"amount"`
	AmountRaw             *big.Int `json:"amount_raw,omitempty"`
	BlockNumber           uint64   `json:"block_number"`
	TxHash                string   `json:"tx_hash"`
	Error                 string   `json:"error,omitempty"`
}
