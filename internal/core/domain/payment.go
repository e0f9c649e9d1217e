package domain

// PaymentResult is the outcome of one outbound payment call. A failed
// result with ErrPending-style text means the transaction may still be
// mined later; the caller must reconcile against the chain rather than
// assume the funds never left.
type PaymentResult struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	Error       string `json:"error,omitempty"`
}
