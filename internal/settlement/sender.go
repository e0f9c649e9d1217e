package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/opencustody/settler/internal/chain/erc20"
	"github.com/opencustody/settler/internal/core/domain"
	"github.com/opencustody/settler/internal/infra/rpc"
	"github.com/opencustody/settler/internal/settlement/metrics"
)

// senderClient is the node surface payment sending needs.
type senderClient interface {
	nonceReader
	EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	SendRawTransaction(ctx context.Context, rawTx string) (string, error)
	TransactionReceipt(ctx context.Context, txHash string) (*rpc.Receipt, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	CallContract(ctx context.Context, msg rpc.CallMsg) (string, error)
}

// SenderConfig tunes outbound payment behavior.
type SenderConfig struct {
	// BackoffBase is the base of the base^attempt-seconds retry delay.
	BackoffBase float64
	// DefaultGasLimit applies when gas estimation itself fails.
	DefaultGasLimit uint64
	// MaxGasPrice caps the node's suggested gas price.
	MaxGasPrice *big.Int
	// ReceiptTimeout bounds the mined-receipt wait per attempt.
	ReceiptTimeout time.Duration
	// ReceiptPollInterval is the receipt polling cadence.
	ReceiptPollInterval time.Duration
}

// DefaultSenderConfig provides the production settings.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		BackoffBase:         2,
		DefaultGasLimit:     100_000,
		MaxGasPrice:         big.NewInt(20_000_000_000), // 20 gwei
		ReceiptTimeout:      2 * time.Minute,
		ReceiptPollInterval: 3 * time.Second,
	}
}

// PaymentSender builds, signs, submits, and confirms outbound token
// transfers. The signing key is loaded once at construction and cached;
// it is never re-read per call.
type PaymentSender struct {
	client  senderClient
	nonces  *NonceCoordinator
	key     *ecdsa.PrivateKey
	from    common.Address
	token   common.Address
	chainID *big.Int
	cfg     SenderConfig
	log     *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPaymentSender creates a sender for the account behind
// privateKeyHex. A missing or malformed key is a configuration error
// and fails construction.
func NewPaymentSender(
	client senderClient,
	nonces *NonceCoordinator,
	privateKeyHex string,
	tokenContract string,
	chainID uint64,
	cfg SenderConfig,
	log *slog.Logger,
) (*PaymentSender, error) {
	if privateKeyHex == "" {
		return nil, fmt.Errorf("sender: signing key not configured")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("sender: invalid signing key: %w", err)
	}
	return &PaymentSender{
		client:  client,
		nonces:  nonces,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		token:   common.HexToAddress(tokenContract),
		chainID: new(big.Int).SetUint64(chainID),
		cfg:     cfg,
		log:     log,
		sleep:   sleepCtx,
	}, nil
}

// From returns the paying account address.
func (s *PaymentSender) From() string { return s.from.Hex() }

// AccountFromKey derives the paying account address from a private
// key. A missing or malformed key is a configuration error.
func AccountFromKey(privateKeyHex string) (string, error) {
	if privateKeyHex == "" {
		return "", fmt.Errorf("sender: signing key not configured")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return "", fmt.Errorf("sender: invalid signing key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// SendPayment transfers amountDecimal tokens to toAddress, retrying up
// to maxRetries attempts with exponential backoff. It never returns a
// Go error for operational failures; everything resolves into the
// result. An invalid address or amount is terminal and not retried.
func (s *PaymentSender) SendPayment(ctx context.Context, toAddress, amountDecimal string, maxRetries int) domain.PaymentResult {
	result, _ := s.send(ctx, toAddress, amountDecimal, maxRetries)
	return result
}

// send is SendPayment plus a Go error for one narrow case: every
// attempt exhausted on node transport with no transaction ever
// broadcast. Those failures are safe to re-run wholesale after a
// provider failover; once a hash exists a re-send could replace a
// transaction that is still in flight, so post-submit failures only
// ever resolve into the result.
func (s *PaymentSender) send(ctx context.Context, toAddress, amountDecimal string, maxRetries int) (domain.PaymentResult, error) {
	started := time.Now()
	defer func() {
		metrics.PaymentDuration.Observe(time.Since(started).Seconds())
	}()

	if !erc20.ValidAddress(toAddress) {
		metrics.PaymentsTotal.WithLabelValues("invalid_address").Inc()
		return domain.PaymentResult{Error: fmt.Sprintf("invalid recipient address %q", toAddress)}, nil
	}
	to := common.HexToAddress(toAddress)

	amount, err := erc20.ToBaseUnits(amountDecimal)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues("invalid_amount").Inc()
		return domain.PaymentResult{Error: fmt.Sprintf("invalid amount: %v", err)}, nil
	}

	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastResult domain.PaymentResult
	var lastCause error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, terminal, cause := s.attempt(ctx, to, amount)
		if result.Success {
			metrics.PaymentsTotal.WithLabelValues("success").Inc()
			return result, nil
		}
		lastResult = result
		lastCause = cause
		if terminal {
			break
		}

		s.log.Warn("payment attempt failed",
			"attempt", attempt, "max_retries", maxRetries, "to", toAddress, "error", result.Error)

		if attempt == maxRetries {
			break
		}
		delay := time.Duration(math.Pow(s.cfg.BackoffBase, float64(attempt)) * float64(time.Second))
		if err := s.sleep(ctx, delay); err != nil {
			lastResult.Error = fmt.Sprintf("canceled during retry backoff: %v", err)
			break
		}
	}

	metrics.PaymentsTotal.WithLabelValues("failure").Inc()
	if lastCause != nil && errors.Is(lastCause, rpc.ErrUnavailable) {
		return lastResult, fmt.Errorf("payment not broadcast: %w", lastCause)
	}
	return lastResult, nil
}

// attempt runs one full build-sign-submit-confirm cycle. terminal
// reports outcomes the outer retry loop must not repeat: a confirmation
// timeout means the transaction may still land, so re-sending risks an
// unintended replacement. cause carries the underlying node error for
// failures that happen before anything is broadcast; post-submit
// failures leave it nil.
func (s *PaymentSender) attempt(ctx context.Context, to common.Address, amount *big.Int) (result domain.PaymentResult, terminal bool, cause error) {
	nonce, err := s.nonces.NextNonce(ctx, s.client)
	if err != nil {
		return domain.PaymentResult{Error: fmt.Sprintf("nonce acquisition failed: %v", err)}, false, err
	}

	data, err := erc20.PackTransfer(to, amount)
	if err != nil {
		return domain.PaymentResult{Error: fmt.Sprintf("encode transfer: %v", err)}, true, nil
	}

	gasLimit := s.estimateGas(ctx, data)
	gasPrice, err := s.gasPrice(ctx)
	if err != nil {
		return domain.PaymentResult{Error: fmt.Sprintf("read gas price: %v", err)}, false, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &s.token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return domain.PaymentResult{Error: fmt.Sprintf("sign transaction: %v", err)}, true, nil
	}
	rawTx, err := signed.MarshalBinary()
	if err != nil {
		return domain.PaymentResult{Error: fmt.Sprintf("encode transaction: %v", err)}, true, nil
	}

	txHash, err := s.client.SendRawTransaction(ctx, hexutil.Encode(rawTx))
	if err != nil {
		return domain.PaymentResult{Error: fmt.Sprintf("submit transaction: %v", err)}, false, err
	}

	s.log.Info("payment submitted", "tx", txHash, "nonce", nonce, "gas_limit", gasLimit, "gas_price", gasPrice)
	result, terminal = s.awaitReceipt(ctx, txHash)
	return result, terminal, nil
}

// estimateGas asks the node for a gas estimate and adds a 20% safety
// margin; if estimation itself fails it falls back to the configured
// default limit.
func (s *PaymentSender) estimateGas(ctx context.Context, data []byte) uint64 {
	est, err := s.client.EstimateGas(ctx, rpc.CallMsg{
		From: s.from.Hex(),
		To:   s.token.Hex(),
		Data: hexutil.Encode(data),
	})
	if err != nil {
		s.log.Warn("gas estimation failed, using default limit",
			"default", s.cfg.DefaultGasLimit, "error", err)
		return s.cfg.DefaultGasLimit
	}
	return est + est/5
}

func (s *PaymentSender) gasPrice(ctx context.Context) (*big.Int, error) {
	price, err := s.client.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxGasPrice != nil && price.Cmp(s.cfg.MaxGasPrice) > 0 {
		price = new(big.Int).Set(s.cfg.MaxGasPrice)
	}
	return price, nil
}

// awaitReceipt polls for the mined receipt under the configured
// timeout.
func (s *PaymentSender) awaitReceipt(ctx context.Context, txHash string) (domain.PaymentResult, bool) {
	deadline := time.Now().Add(s.cfg.ReceiptTimeout)

	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			s.log.Warn("receipt poll failed", "tx", txHash, "error", err)
		} else if receipt != nil {
			blockNum, _ := rpc.HexUint64(receipt.BlockNumber)
			gasUsed, _ := rpc.HexUint64(receipt.GasUsed)
			if receipt.Succeeded() {
				return domain.PaymentResult{
					Success:     true,
					TxHash:      txHash,
					BlockNumber: blockNum,
					GasUsed:     gasUsed,
				}, true
			}
			return domain.PaymentResult{
				TxHash:      txHash,
				BlockNumber: blockNum,
				GasUsed:     gasUsed,
				Error:       "transaction reverted",
			}, false
		}

		if time.Now().After(deadline) {
			// The transaction may still be mined later; the caller
			// must reconcile against the chain, not assume the funds
			// stayed put.
			return domain.PaymentResult{
				TxHash: txHash,
				Error:  "confirmation timeout, transaction may still be pending",
			}, true
		}
		if err := s.sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return domain.PaymentResult{
				TxHash: txHash,
				Error:  fmt.Sprintf("canceled waiting for confirmation, transaction may still be pending: %v", err),
			}, true
		}
	}
}

// EstimateTransferGas estimates the gas a token transfer to the given
// recipient would use, without the submission safety margin. The
// second return is false when the estimate is unavailable.
func (s *PaymentSender) EstimateTransferGas(ctx context.Context, toAddress, amountDecimal string) (uint64, bool) {
	if !erc20.ValidAddress(toAddress) {
		return 0, false
	}
	amount, err := erc20.ToBaseUnits(amountDecimal)
	if err != nil {
		return 0, false
	}
	data, err := erc20.PackTransfer(common.HexToAddress(toAddress), amount)
	if err != nil {
		return 0, false
	}
	est, err := s.client.EstimateGas(ctx, rpc.CallMsg{
		From: s.from.Hex(),
		To:   s.token.Hex(),
		Data: hexutil.Encode(data),
	})
	if err != nil {
		s.log.Warn("transfer gas estimate failed", "to", toAddress, "error", err)
		return 0, false
	}
	return est, true
}

// TokenBalance reads the token balance of an address. It returns nil
// on any failure so callers can distinguish "unknown" from "zero".
func (s *PaymentSender) TokenBalance(ctx context.Context, address string) *big.Int {
	if !erc20.ValidAddress(address) {
		return nil
	}
	data, err := erc20.PackBalanceOf(common.HexToAddress(address))
	if err != nil {
		return nil
	}
	out, err := s.client.CallContract(ctx, rpc.CallMsg{
		To:   s.token.Hex(),
		Data: hexutil.Encode(data),
	})
	if err != nil {
		s.log.Warn("token balance read failed", "address", address, "error", err)
		return nil
	}
	bal, err := rpc.HexBig(out)
	if err != nil {
		return nil
	}
	return bal
}

// TokenAllowance reads the token allowance owner has granted spender,
// nil on failure.
func (s *PaymentSender) TokenAllowance(ctx context.Context, owner, spender string) *big.Int {
	if !erc20.ValidAddress(owner) || !erc20.ValidAddress(spender) {
		return nil
	}
	data, err := erc20.PackAllowance(common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil
	}
	out, err := s.client.CallContract(ctx, rpc.CallMsg{
		To:   s.token.Hex(),
		Data: hexutil.Encode(data),
	})
	if err != nil {
		s.log.Warn("allowance read failed", "owner", owner, "spender", spender, "error", err)
		return nil
	}
	val, err := rpc.HexBig(out)
	if err != nil {
		return nil
	}
	return val
}

// NativeBalance reads the native-coin balance of an address, nil on
// failure.
func (s *PaymentSender) NativeBalance(ctx context.Context, address string) *big.Int {
	if !erc20.ValidAddress(address) {
		return nil
	}
	bal, err := s.client.Balance(ctx, erc20.Checksum(address))
	if err != nil {
		s.log.Warn("native balance read failed", "address", address, "error", err)
		return nil
	}
	return bal
}
