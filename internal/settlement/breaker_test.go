package settlement

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})
	b.now = clk.now
	return b, clk
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != CircuitClosed {
		t.Fatalf("state = %v before threshold, want closed", b.State())
	}
	b.RecordFailure()
	if b.State() != CircuitOpen {
		t.Fatalf("state = %v after threshold, want open", b.State())
	}

	if b.CanProceed(OpRead) {
		t.Error("open circuit allowed a read before recovery timeout")
	}
	if b.CanProceed(OpUserWrite) {
		t.Error("open circuit allowed a write")
	}
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clk.advance(61 * time.Second)

	// Promotion happens on the CanProceed call; still phase 1, so only
	// reads pass.
	if !b.CanProceed(OpRead) {
		t.Error("half-open circuit refused a read in phase 1")
	}
	if b.State() != CircuitHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}
	if b.CanProceed(OpUserWrite) {
		t.Error("phase 1 allowed a user write")
	}
	if b.CanProceed(OpAdmin) {
		t.Error("phase 1 allowed an admin operation")
	}
}

func TestBreakerGradedPhases(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.advance(61 * time.Second)
	b.CanProceed(OpRead) // promote to half-open

	// Phase 2: 5-15 minutes after recovery start.
	clk.advance(6 * time.Minute)
	if !b.CanProceed(OpUserWrite) {
		t.Error("phase 2 refused a user write")
	}
	if b.CanProceed(OpAdmin) {
		t.Error("phase 2 allowed an admin operation")
	}

	// Phase 3: 15-30 minutes.
	clk.advance(10 * time.Minute)
	if !b.CanProceed(OpAdmin) {
		t.Error("phase 3 refused an admin operation")
	}

	// Past phase 3 the window clears.
	clk.advance(20 * time.Minute)
	if !b.CanProceed(OpAdmin) {
		t.Error("cleared window refused an admin operation")
	}
}

func TestBreakerClosesAfterSuccesses(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.advance(61 * time.Second)
	b.CanProceed(OpRead)

	b.RecordSuccess()
	if b.State() != CircuitHalfOpen {
		t.Fatalf("state = %v after one success, want half-open", b.State())
	}
	b.RecordSuccess()
	if b.State() != CircuitClosed {
		t.Fatalf("state = %v after success threshold, want closed", b.State())
	}

	// Counters reset: it takes a full threshold of failures to reopen.
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != CircuitClosed {
		t.Fatal("breaker reopened before threshold after reset")
	}
	b.RecordFailure()
	if b.State() != CircuitOpen {
		t.Fatal("breaker did not reopen at threshold")
	}
}

func TestBreakerFailureDuringTrialReopens(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.advance(61 * time.Second)
	b.CanProceed(OpRead)

	b.RecordFailure()
	if b.State() != CircuitOpen {
		t.Fatalf("state = %v after trial failure, want open", b.State())
	}
	if b.CanProceed(OpRead) {
		t.Error("reopened circuit allowed a read before a fresh recovery timeout")
	}
}

func TestBreakerClosedByDefault(t *testing.T) {
	b, _ := newTestBreaker()
	for _, op := range []OperationType{OpRead, OpUserWrite, OpAdmin} {
		if !b.CanProceed(op) {
			t.Errorf("closed circuit refused %s", op)
		}
	}
}
