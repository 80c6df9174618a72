package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sitepay/escrowd/internal/testutil"
)

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	c := lockedContract("acme_builders", "gravel_supplier")
	c.ID = "ct_pg_1"
	c.Version = 0
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if c.Version != 1 {
		t.Errorf("version after create: got %d, want 1", c.Version)
	}

	got, err := store.Get(ctx, "ct_pg_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EscrowStatus != StatusLocked {
		t.Errorf("status: got %s", got.EscrowStatus)
	}
	if len(got.Parties) != 2 || got.Parties[0] != "acme_builders" {
		t.Errorf("parties: got %v", got.Parties)
	}
	// amount is stored as text and must round-trip byte-for-byte, the same
	// as the memory store.
	if got.Amount != c.Amount {
		t.Errorf("amount: got %q, want %q", got.Amount, c.Amount)
	}
	if got.LedgerTxID != c.LedgerTxID {
		t.Errorf("ledger tx: got %s, want %s", got.LedgerTxID, c.LedgerTxID)
	}
	if got.AutoReleaseDeadline == nil {
		t.Error("deadline lost on roundtrip")
	}

	if _, err := store.Get(ctx, "ct_pg_missing"); !errors.Is(err, ErrContractNotFound) {
		t.Fatalf("expected ErrContractNotFound, got %v", err)
	}
}

func TestPostgresStore_CompareAndSwap(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	c := lockedContract()
	c.ID = "ct_pg_cas"
	c.Version = 0
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	next, err := Transition(c, Confirmed{Party: "payee", At: time.Now()})
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := store.CompareAndSwap(ctx, c.ID, 1, next); err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if next.Version != 2 {
		t.Errorf("version: got %d, want 2", next.Version)
	}

	// Stale version must conflict.
	stale := c.Clone()
	stale.EscrowStatus = StatusDisputed
	if err := store.CompareAndSwap(ctx, c.ID, 1, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// Unknown id maps to not found, not conflict.
	if err := store.CompareAndSwap(ctx, "ct_pg_ghost", 1, next); !errors.Is(err, ErrContractNotFound) {
		t.Fatalf("expected ErrContractNotFound, got %v", err)
	}

	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EscrowStatus != StatusReleased {
		t.Errorf("status: got %s, want released", got.EscrowStatus)
	}
	if got.ResolvedAt == nil {
		t.Error("resolvedAt lost on roundtrip")
	}
}

func TestPostgresStore_ListLockedBefore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	mk := func(id string, status Status, deadline *time.Time) {
		c := lockedContract()
		c.ID = id
		c.EscrowStatus = status
		c.AutoReleaseDeadline = deadline
		c.Version = 0
		if err := store.Create(ctx, c); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	mk("ct_pg_overdue", StatusLocked, &past)
	mk("ct_pg_not_yet", StatusLocked, &future)
	mk("ct_pg_done", StatusReleased, &past)

	got, err := store.ListLockedBefore(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListLockedBefore failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ct_pg_overdue" {
		t.Fatalf("got %d rows, want just ct_pg_overdue", len(got))
	}

	locked, err := store.ListLocked(ctx, 10)
	if err != nil {
		t.Fatalf("ListLocked failed: %v", err)
	}
	if len(locked) != 2 {
		t.Fatalf("ListLocked: got %d, want 2", len(locked))
	}
}

func TestPostgresStore_ListByParty(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	a := lockedContract("payer", "mason")
	a.ID = "ct_pg_a"
	a.Version = 0
	b := lockedContract("payer", "electrician")
	b.ID = "ct_pg_b"
	b.Version = 0
	for _, c := range []*Contract{a, b} {
		if err := store.Create(ctx, c); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := store.ListByParty(ctx, "mason", 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ct_pg_a" {
		t.Fatalf("got %v", got)
	}
}
