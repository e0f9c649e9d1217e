package domain

import "math/big"

// TransferEvent is a single token transfer observed on chain, addressed
// to the custodial deposit wallet. It is emitted once to the monitoring
// callback and never persisted by this subsystem.
type TransferEvent struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	AmountRaw   *big.Int `json:"amount_raw"`
	TxHash      string   `json:"tx_hash"`
	BlockNumber uint64   `json:"block_number"`
}
