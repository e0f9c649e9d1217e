package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencustody/settler/internal/core/domain"
	"github.com/opencustody/settler/internal/infra/rpc"
)

type eventCollector struct {
	mu     sync.Mutex
	events []domain.TransferEvent
}

func (c *eventCollector) callback(_ context.Context, ev domain.TransferEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) snapshot() []domain.TransferEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TransferEvent, len(c.events))
	copy(out, c.events)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestMonitorDeliversTransfers(t *testing.T) {
	node := newFakeNode()
	node.head = 100
	m := NewEventMonitor(node, testToken, 10*time.Millisecond, testLogger())
	var c eventCollector

	if err := m.Start(context.Background(), testWallet, 0, c.callback); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// Head advances; a deposit and an unrelated transfer land in the
	// window. Only the deposit may surface.
	deposit := transferLog(testToken, testUser, testWallet, mustUnits(t, "5"))
	deposit.BlockNumber = "0x65"
	deposit.TxHash = "0xdep1"
	other := transferLog(testToken, testUser, testUser, mustUnits(t, "9"))
	other.BlockNumber = "0x65"
	other.TxHash = "0xother"

	node.mu.Lock()
	node.head = 105
	node.logs = []rpc.Log{deposit, other}
	node.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return len(c.snapshot()) > 0 })

	events := c.snapshot()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (recipient-filtered)", len(events))
	}
	ev := events[0]
	if !strings.EqualFold(ev.To, testWallet) {
		t.Errorf("event to = %s, want %s", ev.To, testWallet)
	}
	if ev.TxHash != "0xdep1" || ev.BlockNumber != 101 {
		t.Errorf("event = %+v", ev)
	}
	if ev.AmountRaw.String() != "5000000000000000000" {
		t.Errorf("amount = %s", ev.AmountRaw)
	}

	waitFor(t, 2*time.Second, func() bool { return m.LastProcessedBlock() == 105 })
}

func TestMonitorStartTwice(t *testing.T) {
	node := newFakeNode()
	m := NewEventMonitor(node, testToken, 10*time.Millisecond, testLogger())

	if err := m.Start(context.Background(), testWallet, 50, func(context.Context, domain.TransferEvent) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if err := m.Start(context.Background(), testWallet, 50, func(context.Context, domain.TransferEvent) {}); !errors.Is(err, ErrAlreadyMonitoring) {
		t.Fatalf("second Start: got %v, want ErrAlreadyMonitoring", err)
	}
}

func TestMonitorStopIsCooperative(t *testing.T) {
	node := newFakeNode()
	m := NewEventMonitor(node, testToken, 10*time.Millisecond, testLogger())

	if err := m.Start(context.Background(), testWallet, 50, func(context.Context, domain.TransferEvent) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.Running() {
		t.Fatal("monitor not running after Start")
	}

	m.Stop()
	if m.Running() {
		t.Fatal("monitor still running after Stop returned")
	}
	// Stop again is a no-op.
	m.Stop()
}

func TestMonitorSurvivesPollErrors(t *testing.T) {
	node := newFakeNode()
	node.headErr = errors.New("connection refused")
	m := NewEventMonitor(node, testToken, 5*time.Millisecond, testLogger())
	var c eventCollector

	if err := m.Start(context.Background(), testWallet, 50, c.callback); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// Let a few failing polls happen, then heal the node and deliver
	// a transfer.
	time.Sleep(30 * time.Millisecond)

	deposit := transferLog(testToken, testUser, testWallet, mustUnits(t, "1"))
	deposit.BlockNumber = "0x64"
	node.mu.Lock()
	node.headErr = nil
	node.head = 100
	node.logs = []rpc.Log{deposit}
	node.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return len(c.snapshot()) == 1 })
	if !m.Running() {
		t.Error("monitor exited on provider errors")
	}
}

func TestMonitorInvalidAddress(t *testing.T) {
	m := NewEventMonitor(newFakeNode(), testToken, time.Millisecond, testLogger())
	if err := m.Start(context.Background(), "junk", 0, func(context.Context, domain.TransferEvent) {}); err == nil {
		t.Fatal("invalid deposit address accepted")
	}
}
