package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/opencustody/settler/internal/chain/erc20"
	"github.com/opencustody/settler/internal/core/domain"
	"github.com/opencustody/settler/internal/infra/rpc"
	"github.com/opencustody/settler/internal/settlement/metrics"
)

// depositReader is the node surface deposit validation needs.
type depositReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, txHash string) (*rpc.Transaction, error)
	TransactionReceipt(ctx context.Context, txHash string) (*rpc.Receipt, error)
}

// DepositProcessor validates incoming deposit transactions. Results
// are computed fresh on every call; the confirmation count moves with
// the head, so nothing is cached.
type DepositProcessor struct {
	reader   depositReader
	settings Settings
	token    string
	log      *slog.Logger
}

// NewDepositProcessor creates a processor for the given token contract.
func NewDepositProcessor(reader depositReader, settings Settings, tokenContract string, log *slog.Logger) *DepositProcessor {
	return &DepositProcessor{
		reader:   reader,
		settings: settings,
		token:    erc20.Checksum(tokenContract),
		log:      log,
	}
}

// CheckTransaction fetches and validates a deposit transaction. Checks
// run in a fixed order and the first failing one determines the single
// reported error; the confirmation count is computed before the
// validity checks so it is present even on failure. expectedAmount may
// be empty to skip the tolerance-band check; tolerancePercent is a
// whole percentage, so 5 accepts amounts within ±5% of expectedAmount.
// Node-level failures are returned as an error; validation failures
// come back inside the result.
func (p *DepositProcessor) CheckTransaction(
	ctx context.Context,
	txHash string,
	expectedRecipient string,
	expectedAmount string,
	tolerancePercent float64,
) (*domain.DepositCheckResult, error) {
	result := &domain.DepositCheckResult{TxHash: txHash}

	tx, err := p.reader.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("fetch transaction %s: %w", txHash, err)
	}
	if tx == nil {
		result.Error = "transaction not found"
		metrics.DepositChecks.WithLabelValues("not_found").Inc()
		return result, nil
	}

	receipt, err := p.reader.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("fetch receipt %s: %w", txHash, err)
	}
	if receipt == nil {
		result.Error = "transaction not mined yet"
		metrics.DepositChecks.WithLabelValues("unmined").Inc()
		return result, nil
	}

	receiptBlock, err := rpc.HexUint64(receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("parse receipt block: %w", err)
	}
	result.BlockNumber = receiptBlock

	required, err := requiredConfirmations(ctx, p.settings)
	if err != nil {
		p.log.Warn("confirmation setting unavailable, using default", "error", err)
		required = DefaultRequiredConfirmations
	}
	result.RequiredConfirmations = required

	// Confirmations always come before the validity checks so even an
	// invalid result carries them.
	head, err := p.reader.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	if head >= receiptBlock {
		result.Confirmations = head - receiptBlock + 1
	}

	if !receipt.Succeeded() {
		result.Error = "transaction reverted/failed on chain"
		metrics.DepositChecks.WithLabelValues("reverted").Inc()
		return result, nil
	}

	from, to, amount, found := p.findTransfer(receipt)
	if !found {
		result.Error = "no token transfer found in transaction"
		metrics.DepositChecks.WithLabelValues("no_transfer").Inc()
		return result, nil
	}
	result.FromAddress = from
	result.ToAddress = to
	result.AmountRaw = amount
	result.Amount = erc20.FromBaseUnits(amount)

	if !strings.EqualFold(to, expectedRecipient) {
		result.Error = fmt.Sprintf("wrong recipient: transfer pays %s, expected %s", to, expectedRecipient)
		metrics.DepositChecks.WithLabelValues("wrong_recipient").Inc()
		return result, nil
	}

	// Dust-attack guard fires before the tolerance band so a dust
	// amount is always reported as dust, with the actual amount kept
	// in the result for the caller to flag.
	minRaw, err := p.minDeposit(ctx)
	if err != nil {
		return nil, err
	}
	if minRaw.Sign() > 0 && amount.Cmp(minRaw) < 0 {
		result.Error = fmt.Sprintf("amount %s below minimum deposit %s (possible dust)",
			result.Amount, erc20.FromBaseUnits(minRaw))
		metrics.DepositChecks.WithLabelValues("dust").Inc()
		return result, nil
	}

	if expectedAmount != "" {
		expectedRaw, err := erc20.ToBaseUnits(expectedAmount)
		if err != nil {
			return nil, fmt.Errorf("invalid expected amount %q: %w", expectedAmount, err)
		}
		if !withinTolerance(amount, expectedRaw, tolerancePercent) {
			result.Error = fmt.Sprintf("amount %s outside tolerance band of expected %s (±%.1f%%)",
				result.Amount, expectedAmount, tolerancePercent)
			metrics.DepositChecks.WithLabelValues("amount_mismatch").Inc()
			return result, nil
		}
	}

	result.Valid = true
	result.Confirmed = result.Confirmations >= required
	metrics.DepositChecks.WithLabelValues("valid").Inc()
	return result, nil
}

// findTransfer scans receipt logs for the first Transfer event of the
// monitored token contract. Logs from other contracts or with other
// signatures are skipped.
func (p *DepositProcessor) findTransfer(receipt *rpc.Receipt) (from, to string, amount *big.Int, found bool) {
	for _, lg := range receipt.Logs {
		if !erc20.MatchesTransfer(p.token, lg.Address, lg.Topics) {
			continue
		}
		f, t, a, err := erc20.DecodeTransfer(lg.Topics, lg.Data)
		if err != nil {
			p.log.Warn("undecodable transfer log in receipt", "tx", receipt.TxHash, "error", err)
			continue
		}
		return f, t, a, true
	}
	return "", "", nil, false
}

func (p *DepositProcessor) minDeposit(ctx context.Context) (*big.Int, error) {
	raw, ok, err := p.settings.Get(ctx, SettingMinDeposit)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", SettingMinDeposit, err)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	minRaw, err := erc20.ToBaseUnits(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", SettingMinDeposit, raw, err)
	}
	return minRaw, nil
}

// withinTolerance checks expected×(1-tol) <= amount <= expected×(1+tol)
// in integer arithmetic, with the tolerance expressed in basis points
// to avoid float drift on 256-bit amounts.
func withinTolerance(amount, expected *big.Int, tolerancePercent float64) bool {
	bps := big.NewInt(int64(tolerancePercent * 100))
	scale := big.NewInt(10000)

	low := new(big.Int).Mul(expected, new(big.Int).Sub(scale, bps))
	low.Div(low, scale)
	high := new(big.Int).Mul(expected, new(big.Int).Add(scale, bps))
	high.Div(high, scale)

	return amount.Cmp(low) >= 0 && amount.Cmp(high) <= 0
}
