// Package erc20 implements the small slice of the ERC-20/BEP-20 token
// surface the settlement subsystem consumes: the Transfer event codec,
// calldata packing for transfer/balanceOf, and base-unit conversion.
package erc20

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Decimals is the fixed decimal count of the settlement token (USDT on
// BSC uses 18, unlike its 6-decimal Ethereum deployment).
const Decimals = 18

// TransferTopic is keccak256("Transfer(address,address,uint256)"),
// topic0 of every ERC-20 transfer log.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const tokenABI = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","constant":true,"inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"decimals","type":"function","constant":true,"inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"allowance","type":"function","constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	abiOnce   sync.Once
	parsedABI abi.ABI
	abiErr    error
)

func tokenInterface() (abi.ABI, error) {
	abiOnce.Do(func() {
		parsedABI, abiErr = abi.JSON(strings.NewReader(tokenABI))
	})
	return parsedABI, abiErr
}

// PackTransfer encodes transfer(to, amount) calldata.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	iface, err := tokenInterface()
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	data, err := iface.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return data, nil
}

// PackBalanceOf encodes balanceOf(owner) calldata.
func PackBalanceOf(owner common.Address) ([]byte, error) {
	iface, err := tokenInterface()
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	data, err := iface.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	return data, nil
}

// PackAllowance encodes allowance(owner, spender) calldata.
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	iface, err := tokenInterface()
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	data, err := iface.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}
	return data, nil
}

// MatchesTransfer reports whether a log was emitted by the given token
// contract and carries the Transfer event signature. Sender and
// recipient sit in the indexed topics, so a matching log always has
// three topics.
func MatchesTransfer(contract string, logAddress string, topics []string) bool {
	if len(topics) != 3 {
		return false
	}
	if !strings.EqualFold(logAddress, contract) {
		return false
	}
	return strings.EqualFold(topics[0], TransferTopic.Hex())
}

// DecodeTransfer extracts sender, recipient, and raw amount from a
// Transfer log. Topics hold the padded indexed addresses; the single
// non-indexed data word is the big-endian amount.
func DecodeTransfer(topics []string, data string) (from, to string, amount *big.Int, err error) {
	if len(topics) != 3 {
		return "", "", nil, fmt.Errorf("transfer log needs 3 topics, got %d", len(topics))
	}
	from = common.HexToAddress(topics[1]).Hex()
	to = common.HexToAddress(topics[2]).Hex()

	raw := strings.TrimPrefix(data, "0x")
	if raw == "" {
		return "", "", nil, fmt.Errorf("transfer log has empty data word")
	}
	amount, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return "", "", nil, fmt.Errorf("invalid amount word %q", data)
	}
	return from, to, amount, nil
}

// PadTopicAddress formats an address as a 32-byte log topic for
// eth_getLogs indexed-argument filters.
func PadTopicAddress(addr common.Address) string {
	return common.BytesToHash(addr.Bytes()).Hex()
}

// ValidAddress reports whether s parses as a 20-byte hex address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// Checksum normalizes an address to its EIP-55 mixed-case form.
func Checksum(s string) string {
	return common.HexToAddress(s).Hex()
}
