package escrow

import (
	"context"
	"time"
)

// Store persists contract records. Mutations go through CompareAndSwap on
// the contract's version so racing writers (a confirmation, the scheduler,
// an admin override) never lose updates: exactly one swap succeeds, the
// others see ErrVersionConflict and must re-read.
//
// Stores never publish lifecycle events; the service does, after a
// successful swap.
type Store interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)

	// CompareAndSwap persists next iff the stored version still equals
	// expectedVersion, bumping the version by one. Returns
	// ErrVersionConflict on a stale expectedVersion and
	// ErrContractNotFound on an unknown id.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next *Contract) error

	ListByParty(ctx context.Context, partyID string, limit int) ([]*Contract, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error)

	// ListLockedBefore returns locked contracts whose auto-release deadline
	// is before the given instant. The scheduler's recovery scan and sweep
	// loop use it; the in-memory timer set is a derived index, never the
	// source of truth.
	ListLockedBefore(ctx context.Context, before time.Time, limit int) ([]*Contract, error)

	// ListLocked returns all locked contracts, for re-arming timers after a
	// process restart.
	ListLocked(ctx context.Context, limit int) ([]*Contract, error)
}
