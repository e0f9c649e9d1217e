package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opencustody/settler/internal/lock"
)

// nonceReader is the node surface nonce coordination needs.
type nonceReader interface {
	TransactionCount(ctx context.Context, address, blockTag string) (uint64, error)
}

// NonceCoordinator issues the next unused sequence number for the
// paying account under distributed mutual exclusion. The count is read
// against the latest block, not pending: the pending count is racy
// under concurrent senders and can hand out a nonce an unmined
// transaction already claimed, silently replacing it.
type NonceCoordinator struct {
	locks   *lock.DistributedLock
	account string
	log     *slog.Logger

	leaseTTL        time.Duration
	blockingTimeout time.Duration
}

// NewNonceCoordinator creates a coordinator for one paying account.
func NewNonceCoordinator(locks *lock.DistributedLock, account string, log *slog.Logger) *NonceCoordinator {
	return &NonceCoordinator{
		locks:           locks,
		account:         account,
		log:             log,
		leaseTTL:        10 * time.Second,
		blockingTimeout: 30 * time.Second,
	}
}

func (n *NonceCoordinator) lockKey() string {
	return "nonce:" + strings.ToLower(n.account)
}

// NextNonce acquires the account lease, reads the latest transaction
// count, and releases the lease whether or not the read succeeds. The
// lease is held exactly as long as the read takes.
func (n *NonceCoordinator) NextNonce(ctx context.Context, reader nonceReader) (uint64, error) {
	var nonce uint64
	err := n.locks.WithLock(ctx, n.lockKey(), n.leaseTTL, n.blockingTimeout, func(ctx context.Context) error {
		count, err := reader.TransactionCount(ctx, n.account, "latest")
		if err != nil {
			return fmt.Errorf("read transaction count for %s: %w", n.account, err)
		}
		nonce = count
		return nil
	})
	if err != nil {
		return 0, err
	}
	return nonce, nil
}
