package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opencustody/settler/internal/chain/erc20"
	"github.com/opencustody/settler/internal/core/domain"
	"github.com/opencustody/settler/internal/infra/rpc"
	"github.com/opencustody/settler/internal/settlement/metrics"

	"github.com/ethereum/go-ethereum/common"
)

// ErrAlreadyMonitoring is returned when Start is called while the
// monitor loop is running.
var ErrAlreadyMonitoring = errors.New("monitor: already running")

// TransferCallback receives each observed deposit transfer, in receipt
// order within a poll window.
type TransferCallback func(ctx context.Context, ev domain.TransferEvent)

// chainLogReader is the node surface the monitor needs.
type chainLogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, q rpc.FilterQuery) ([]rpc.Log, error)
}

// EventMonitor polls the token contract for Transfer events addressed
// to the custodial wallet. One dedicated goroutine drives the loop; the
// stop signal is cooperative and observed at the top of each iteration.
type EventMonitor struct {
	reader   chainLogReader
	token    string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	lastProcessed uint64
}

// NewEventMonitor creates a stopped monitor for the given token
// contract.
func NewEventMonitor(reader chainLogReader, tokenContract string, interval time.Duration, log *slog.Logger) *EventMonitor {
	return &EventMonitor{
		reader:   reader,
		token:    erc20.Checksum(tokenContract),
		interval: interval,
		log:      log,
	}
}

// Start begins monitoring transfers to address. fromBlock 0 means
// "start at the current head". The callback runs on the monitor
// goroutine, once per matching log entry in receipt order.
func (m *EventMonitor) Start(ctx context.Context, address string, fromBlock uint64, cb TransferCallback) error {
	if !erc20.ValidAddress(address) {
		return fmt.Errorf("monitor: invalid deposit address %q", address)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyMonitoring
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	start := fromBlock
	if start == 0 {
		head, err := m.reader.BlockNumber(ctx)
		if err != nil {
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return fmt.Errorf("monitor: fetch starting height: %w", err)
		}
		start = head
	}
	m.lastProcessed = start

	m.log.Info("deposit monitoring started", "address", address, "from_block", start)
	go m.loop(ctx, erc20.Checksum(address), cb)
	return nil
}

// Stop flips the loop flag. The loop observes it at the top of the
// next iteration; Stop waits for the goroutine to exit.
func (m *EventMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.log.Info("deposit monitoring stopped", "last_block", m.LastProcessedBlock())
}

// Running reports whether the loop is active.
func (m *EventMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastProcessedBlock returns the monitor cursor.
func (m *EventMonitor) LastProcessedBlock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProcessed
}

func (m *EventMonitor) loop(ctx context.Context, address string, cb TransferCallback) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-ticker.C:
		}

		if err := m.pollOnce(ctx, address, cb); err != nil {
			// Never terminate on a provider hiccup: log, back off for
			// double the normal interval, keep going.
			m.log.Error("deposit poll failed, backing off", "error", err)
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(2 * m.interval):
			}
		}
	}
}

func (m *EventMonitor) pollOnce(ctx context.Context, address string, cb TransferCallback) error {
	head, err := m.reader.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}

	m.mu.Lock()
	last := m.lastProcessed
	m.mu.Unlock()

	if head <= last {
		return nil
	}

	query := rpc.FilterQuery{
		FromBlock: rpc.FormatUint64(last + 1),
		ToBlock:   rpc.FormatUint64(head),
		Address:   m.token,
		Topics: []any{
			erc20.TransferTopic.Hex(),
			nil, // sender unfiltered
			erc20.PadTopicAddress(common.HexToAddress(address)),
		},
	}
	logs, err := m.reader.Logs(ctx, query)
	if err != nil {
		return fmt.Errorf("fetch transfer logs %d-%d: %w", last+1, head, err)
	}

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		if !erc20.MatchesTransfer(m.token, lg.Address, lg.Topics) {
			continue
		}
		from, to, amount, err := erc20.DecodeTransfer(lg.Topics, lg.Data)
		if err != nil {
			m.log.Warn("skipping undecodable transfer log", "tx", lg.TxHash, "error", err)
			continue
		}
		if !strings.EqualFold(to, address) {
			continue
		}
		blockNum, err := rpc.HexUint64(lg.BlockNumber)
		if err != nil {
			m.log.Warn("skipping transfer log with bad block number", "tx", lg.TxHash, "error", err)
			continue
		}

		metrics.TransfersObserved.Inc()
		cb(ctx, domain.TransferEvent{
			From:        from,
			To:          to,
			AmountRaw:   amount,
			TxHash:      lg.TxHash,
			BlockNumber: blockNum,
		})
	}

	m.mu.Lock()
	m.lastProcessed = head
	m.mu.Unlock()
	metrics.MonitorLastBlock.Set(float64(head))
	return nil
}
