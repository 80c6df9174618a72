package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/sitepay/escrowd/internal/rail"
)

func newSchedService(t *testing.T, window time.Duration) (*Service, *Scheduler, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, rail.NewFakeRail(), testLogger(), WithWindow(window))
	sched := NewScheduler(svc, store, testLogger())
	svc.WithScheduler(sched)
	t.Cleanup(sched.Stop)
	return svc, sched, store
}

// waitForStatus polls until the contract reaches the wanted status or the
// deadline expires.
func waitForStatus(t *testing.T, svc *Service, id string, want Status, timeout time.Duration) *Contract {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if c.EscrowStatus == want {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	c, _ := svc.Get(context.Background(), id)
	t.Fatalf("contract %s never reached %s, stuck at %s", id, want, c.EscrowStatus)
	return nil
}

func TestScheduler_FiresAtDeadline(t *testing.T) {
	svc, sched, _ := newSchedService(t, 50*time.Millisecond)
	ctx := context.Background()

	c, err := svc.CreateAndFund(ctx, CreateRequest{
		Parties:  []string{"payer", "payee"},
		Amount:   "100.00",
		Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("CreateAndFund failed: %v", err)
	}
	if !sched.Armed(c.ID) {
		t.Fatal("timer not armed after funding")
	}

	got := waitForStatus(t, svc, c.ID, StatusReleased, 2*time.Second)
	if got.Resolution != ResolutionAutoReleased {
		t.Errorf("resolution: got %s, want %s", got.Resolution, ResolutionAutoReleased)
	}
	if sched.Armed(c.ID) {
		t.Error("timer still armed after firing")
	}
}

func TestScheduler_ConfirmationCancelsTimer(t *testing.T) {
	svc, sched, _ := newSchedService(t, 150*time.Millisecond)
	ctx := context.Background()

	c, err := svc.CreateAndFund(ctx, CreateRequest{
		Parties:  []string{"payer", "payee"},
		Amount:   "100.00",
		Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("CreateAndFund failed: %v", err)
	}

	released, err := svc.ConfirmDelivery(ctx, c.ID, "payee")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if released.EscrowStatus != StatusReleased {
		t.Fatalf("status: got %s, want released", released.EscrowStatus)
	}
	if sched.Armed(c.ID) {
		t.Error("timer still armed after confirmation release")
	}

	// Ride out the original deadline; the resolution must not flip.
	time.Sleep(400 * time.Millisecond)
	got, _ := svc.Get(ctx, c.ID)
	if got.Resolution != ResolutionConfirmed {
		t.Errorf("resolution changed after deadline: %s", got.Resolution)
	}
}

func TestScheduler_DisputeCancelsTimer(t *testing.T) {
	svc, sched, _ := newSchedService(t, 150*time.Millisecond)
	ctx := context.Background()

	c, err := svc.CreateAndFund(ctx, CreateRequest{
		Parties:  []string{"payer", "payee"},
		Amount:   "100.00",
		Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("CreateAndFund failed: %v", err)
	}

	if _, err := svc.RaiseDispute(ctx, c.ID, "payer", "cracked slabs"); err != nil {
		t.Fatalf("dispute failed: %v", err)
	}
	if sched.Armed(c.ID) {
		t.Error("timer still armed after dispute")
	}

	time.Sleep(400 * time.Millisecond)
	got, _ := svc.Get(ctx, c.ID)
	if got.EscrowStatus != StatusDisputed {
		t.Errorf("disputed contract moved to %s after deadline", got.EscrowStatus)
	}
}

func TestScheduler_CancelIsIdempotent(t *testing.T) {
	_, sched, _ := newSchedService(t, time.Hour)

	sched.Cancel("ct_never_armed")

	sched.Arm("ct_x", time.Now().Add(time.Hour))
	sched.Cancel("ct_x")
	sched.Cancel("ct_x")
	if sched.Armed("ct_x") {
		t.Error("timer armed after cancel")
	}
}

func TestScheduler_ArmSameDeadlineIsNoOp(t *testing.T) {
	_, sched, _ := newSchedService(t, time.Hour)

	deadline := time.Now().Add(time.Hour)
	sched.Arm("ct_y", deadline)
	sched.Arm("ct_y", deadline)
	if !sched.Armed("ct_y") {
		t.Fatal("timer not armed")
	}
	sched.Cancel("ct_y")
	if sched.Armed("ct_y") {
		t.Error("timer armed after cancel")
	}
}

func TestScheduler_RecoverReleasesOverdueAndRearms(t *testing.T) {
	svc, sched, store := newSchedService(t, time.Hour)
	ctx := context.Background()

	overdue := lockedContract("payer", "payee")
	overdue.ID = "ct_overdue"
	past := time.Now().Add(-time.Minute)
	overdue.AutoReleaseDeadline = &past
	if err := store.Create(ctx, overdue); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	pending := lockedContract("payer", "payee")
	pending.ID = "ct_future"
	future := time.Now().Add(time.Hour)
	pending.AutoReleaseDeadline = &future
	if err := store.Create(ctx, pending); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := sched.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	got, err := svc.Get(ctx, "ct_overdue")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EscrowStatus != StatusReleased || got.Resolution != ResolutionAutoReleased {
		t.Errorf("overdue contract not released: %s / %s", got.EscrowStatus, got.Resolution)
	}

	if !sched.Armed("ct_future") {
		t.Error("future-deadline contract not re-armed")
	}
	if sched.Armed("ct_overdue") {
		t.Error("overdue contract should not carry a timer")
	}
}

func TestScheduler_SweepReleasesOverdueWithoutTimer(t *testing.T) {
	svc, sched, store := newSchedService(t, time.Hour)
	ctx := context.Background()

	c := lockedContract("payer", "payee")
	c.ID = "ct_missed"
	past := time.Now().Add(-time.Minute)
	c.AutoReleaseDeadline = &past
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sched.sweepOnce(ctx)

	got, err := svc.Get(ctx, "ct_missed")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EscrowStatus != StatusReleased {
		t.Errorf("sweep did not release overdue contract: %s", got.EscrowStatus)
	}
}

func TestScheduler_StopWaitsForTimers(t *testing.T) {
	_, sched, _ := newSchedService(t, time.Hour)

	for i := 0; i < 10; i++ {
		sched.Arm(string(rune('a'+i)), time.Now().Add(time.Hour))
	}
	sched.Stop()
	for i := 0; i < 10; i++ {
		if sched.Armed(string(rune('a'+i))) {
			t.Errorf("timer %d still armed after Stop", i)
		}
	}
}
