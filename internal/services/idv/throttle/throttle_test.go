package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T, maxAttempts int) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger, err := NewLedger(NewMemoryStore(), map[Action]Policy{
		ActionDocumentVerification: {MaxAttempts: maxAttempts, Window: 6 * time.Hour},
	}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger, clock
}

func TestCheckAndIncrementDeniesAfterMax(t *testing.T) {
	ledger, _ := newTestLedger(t, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		decision, err := ledger.CheckAndIncrement(ctx, "user-1", ActionDocumentVerification)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("attempt %d denied, want allowed", i)
		}
		if decision.Remaining != 3-i {
			t.Fatalf("attempt %d remaining = %d, want %d", i, decision.Remaining, 3-i)
		}
	}

	before, err := ledger.RemainingCount(ctx, "user-1", ActionDocumentVerification)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	decision, err := ledger.CheckAndIncrement(ctx, "user-1", ActionDocumentVerification)
	if err != nil {
		t.Fatalf("fourth attempt: %v", err)
	}
	if decision.Allowed {
		t.Fatal("fourth attempt allowed, want denied")
	}
	after, err := ledger.RemainingCount(ctx, "user-1", ActionDocumentVerification)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if before != 0 || after != 0 {
		t.Fatalf("remaining before/after = %d/%d, want 0/0", before, after)
	}
}

func TestWindowExpiryResetsCount(t *testing.T) {
	ledger, clock := newTestLedger(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := ledger.CheckAndIncrement(ctx, "user-1", ActionDocumentVerification); err != nil {
			t.Fatalf("attempt: %v", err)
		}
	}
	throttled, err := ledger.IsThrottledElseIncrement(ctx, "user-1", ActionDocumentVerification)
	if err != nil {
		t.Fatalf("throttled: %v", err)
	}
	if !throttled {
		t.Fatal("expected throttled inside window")
	}

	clock.Advance(6 * time.Hour)
	remaining, err := ledger.RemainingCount(ctx, "user-1", ActionDocumentVerification)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("remaining after expiry = %d, want 2", remaining)
	}
	throttled, err = ledger.IsThrottledElseIncrement(ctx, "user-1", ActionDocumentVerification)
	if err != nil {
		t.Fatalf("throttled: %v", err)
	}
	if throttled {
		t.Fatal("expected new window to allow an attempt")
	}
	remaining, _ = ledger.RemainingCount(ctx, "user-1", ActionDocumentVerification)
	if remaining != 1 {
		t.Fatalf("remaining in new window = %d, want 1", remaining)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	ledger, _ := newTestLedger(t, 1)
	ctx := context.Background()

	if _, err := ledger.CheckAndIncrement(ctx, "user-1", ActionDocumentVerification); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	decision, err := ledger.CheckAndIncrement(ctx, "user-2", ActionDocumentVerification)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("other subject should not share a counter")
	}
}

func TestConcurrentIncrementsNeverExceedMax(t *testing.T) {
	ledger, _ := newTestLedger(t, 3)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := ledger.CheckAndIncrement(ctx, "user-1", ActionDocumentVerification)
			if err != nil {
				t.Errorf("attempt: %v", err)
				return
			}
			if decision.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 3 {
		t.Fatalf("allowed = %d, want 3", got)
	}
}

func TestLedgerRejectsBadInput(t *testing.T) {
	if _, err := NewLedger(nil, map[Action]Policy{ActionDocumentVerification: {MaxAttempts: 1, Window: time.Hour}}); err == nil {
		t.Fatal("expected missing store error")
	}
	if _, err := NewLedger(NewMemoryStore(), map[Action]Policy{ActionDocumentVerification: {MaxAttempts: 0, Window: time.Hour}}); err == nil {
		t.Fatal("expected invalid policy error")
	}

	ledger, _ := newTestLedger(t, 3)
	if _, err := ledger.CheckAndIncrement(context.Background(), " ", ActionDocumentVerification); err == nil {
		t.Fatal("expected subject id error")
	}
	if _, err := ledger.RemainingCount(context.Background(), "user-1", Action("unknown")); err == nil {
		t.Fatal("expected unknown action error")
	}
}
