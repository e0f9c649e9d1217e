package rpc

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Transaction mirrors the eth_getTransactionByHash response. Block
// fields are empty strings while the transaction is still pending.
type Transaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Input       string `json:"input"`
	Value       string `json:"value"`
	Nonce       string `json:"nonce"`
	BlockNumber string `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
}

// Pending reports whether the transaction has not been mined yet.
func (t *Transaction) Pending() bool {
	return t.BlockNumber == "" || t.BlockHash == ""
}

// Receipt mirrors the eth_getTransactionReceipt response.
type Receipt struct {
	TxHash      string `json:"transactionHash"`
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
	GasUsed     string `json:"gasUsed"`
	Logs        []Log  `json:"logs"`
}

// Succeeded reports whether the receipt status word is 1.
func (r *Receipt) Succeeded() bool {
	return r.Status == "0x1"
}

// Log is a single log entry from a receipt or an eth_getLogs response.
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// FilterQuery is the eth_getLogs filter object. Topics entries may be
// nil to match any value at that position.
type FilterQuery struct {
	FromBlock string `json:"fromBlock,omitempty"`
	ToBlock   string `json:"toBlock,omitempty"`
	Address   string `json:"address,omitempty"`
	Topics    []any  `json:"topics,omitempty"`
}

// CallMsg is the transaction object for eth_call and eth_estimateGas.
type CallMsg struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
	Data  string `json:"data,omitempty"`
	Value string `json:"value,omitempty"`
}

// HexUint64 parses a 0x-prefixed quantity.
func HexUint64(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	return n, nil
}

// HexBig parses a 0x-prefixed quantity of arbitrary width.
func HexBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty quantity")
	}
	n, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	return n, nil
}

// FormatUint64 renders a quantity in the 0x form the node expects.
func FormatUint64(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}
