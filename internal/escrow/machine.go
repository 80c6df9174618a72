package escrow

import (
	"fmt"
	"time"
)

// Event is a requested state change. Transition is the single place that
// decides whether an event is legal from the contract's current state;
// user confirmations, timer firings and admin overrides all go through the
// same table.
type Event interface {
	eventName() string
}

// FundConfirmed moves pending → locked once the payment rail has returned a
// transaction id. Deadline is the precomputed auto-release deadline.
type FundConfirmed struct {
	TxID     string
	At       time.Time
	Deadline time.Time
}

// Confirmed records a delivery confirmation by a party. The contract
// releases when every non-payer party has confirmed.
type Confirmed struct {
	Party string
	At    time.Time
}

// AutoReleaseFired moves locked → released once the deadline has passed.
type AutoReleaseFired struct {
	At time.Time
}

// Disputed freezes a locked contract until an admin resolves it.
type Disputed struct {
	Party  string
	Reason string
	At     time.Time
}

// AdminReleased forces locked/disputed → released.
type AdminReleased struct {
	AdminID string
	At      time.Time
}

// AdminRefunded forces locked/disputed → refunded.
type AdminRefunded struct {
	AdminID string
	At      time.Time
}

func (FundConfirmed) eventName() string    { return "fund_confirmed" }
func (Confirmed) eventName() string        { return "confirm" }
func (AutoReleaseFired) eventName() string { return "auto_release_fired" }
func (Disputed) eventName() string         { return "dispute" }
func (AdminReleased) eventName() string    { return "admin_release" }
func (AdminRefunded) eventName() string    { return "admin_refund" }

// Transition applies ev to a copy of c and returns the resulting contract.
// It is pure: no I/O, no clock reads, no mutation of the input. Callers
// persist the result with a compare-and-swap on c.Version; losers of a race
// see ErrVersionConflict from the store, re-read, and retry against the
// fresh snapshot, where the event is typically no longer legal.
func Transition(c *Contract, ev Event) (*Contract, error) {
	switch e := ev.(type) {
	case FundConfirmed:
		return applyFundConfirmed(c, e)
	case Confirmed:
		return applyConfirmed(c, e)
	case AutoReleaseFired:
		return applyAutoRelease(c, e)
	case Disputed:
		return applyDisputed(c, e)
	case AdminReleased:
		return applyAdminResolve(c, StatusReleased, ResolutionAdminRelease, e.AdminID, e.At)
	case AdminRefunded:
		return applyAdminResolve(c, StatusRefunded, ResolutionAdminRefund, e.AdminID, e.At)
	default:
		return nil, fmt.Errorf("%w: unknown event %q in state %s", ErrIllegalTransition, ev.eventName(), c.EscrowStatus)
	}
}

func applyFundConfirmed(c *Contract, e FundConfirmed) (*Contract, error) {
	if c.EscrowStatus != StatusPending {
		return nil, illegal(c, e)
	}
	if e.TxID == "" {
		return nil, fmt.Errorf("%w: empty ledger transaction id", ErrValidation)
	}
	if c.LedgerTxID != "" {
		// ledger_tx_id is set once and never reassigned
		return nil, fmt.Errorf("%w: contract %s already funded with tx %s", ErrIllegalTransition, c.ID, c.LedgerTxID)
	}

	next := c.Clone()
	next.EscrowStatus = StatusLocked
	next.LedgerTxID = e.TxID
	at := e.At
	next.FundedAt = &at
	deadline := e.Deadline
	next.AutoReleaseDeadline = &deadline
	next.UpdatedAt = e.At
	return next, nil
}

func applyConfirmed(c *Contract, e Confirmed) (*Contract, error) {
	if !c.HasParty(e.Party) {
		return nil, fmt.Errorf("%w: %s is not a party of contract %s", ErrUnauthorized, e.Party, c.ID)
	}
	switch c.EscrowStatus {
	case StatusLocked:
		// proceed
	case StatusReleased, StatusRefunded, StatusDisputed:
		// Lost the race against auto-release, another confirmer, a dispute
		// or an override. Callers surface this so the user can tell their
		// action had no effect.
		return nil, fmt.Errorf("%w: contract %s is %s", ErrStaleConfirmation, c.ID, c.EscrowStatus)
	default:
		return nil, illegal(c, e)
	}

	next := c.Clone()
	next.ConfirmedBy = addConfirmer(next.ConfirmedBy, e.Party)
	next.UpdatedAt = e.At

	if HasQuorum(next) {
		next.EscrowStatus = StatusReleased
		next.ConfirmationStatus = ConfirmationConfirmed
		next.Resolution = ResolutionConfirmed
		next.AutoReleaseDeadline = nil
		at := e.At
		next.ResolvedAt = &at
	}
	return next, nil
}

func applyAutoRelease(c *Contract, e AutoReleaseFired) (*Contract, error) {
	if c.EscrowStatus != StatusLocked {
		return nil, illegal(c, e)
	}
	if c.AutoReleaseDeadline == nil || e.At.Before(*c.AutoReleaseDeadline) {
		return nil, fmt.Errorf("%w: auto-release deadline not reached for contract %s", ErrIllegalTransition, c.ID)
	}

	next := c.Clone()
	next.EscrowStatus = StatusReleased
	next.Resolution = ResolutionAutoReleased
	next.AutoReleaseDeadline = nil
	at := e.At
	next.ResolvedAt = &at
	next.UpdatedAt = e.At
	return next, nil
}

func applyDisputed(c *Contract, e Disputed) (*Contract, error) {
	if !c.HasParty(e.Party) {
		return nil, fmt.Errorf("%w: %s is not a party of contract %s", ErrUnauthorized, e.Party, c.ID)
	}
	if c.EscrowStatus != StatusLocked {
		return nil, illegal(c, e)
	}

	next := c.Clone()
	next.EscrowStatus = StatusDisputed
	next.ConfirmationStatus = ConfirmationDisputed
	next.DisputeReason = e.Reason
	next.DisputedBy = e.Party
	next.AutoReleaseDeadline = nil
	next.UpdatedAt = e.At
	return next, nil
}

func applyAdminResolve(c *Contract, to Status, resolution, adminID string, at time.Time) (*Contract, error) {
	if c.EscrowStatus != StatusLocked && c.EscrowStatus != StatusDisputed {
		if c.IsTerminal() && c.ResolvedAt != nil {
			return nil, fmt.Errorf("%w: contract %s already %s at %s",
				ErrIllegalTransition, c.ID, c.EscrowStatus, c.ResolvedAt.UTC().Format(time.RFC3339))
		}
		return nil, fmt.Errorf("%w: cannot %s contract %s in state %s",
			ErrIllegalTransition, resolution, c.ID, c.EscrowStatus)
	}

	next := c.Clone()
	next.EscrowStatus = to
	next.Resolution = resolution
	next.ResolvedBy = adminID
	next.AutoReleaseDeadline = nil
	// dispute_reason/disputed_by exist only while disputed; the published
	// dispute event retains them for audit.
	next.DisputeReason = ""
	next.DisputedBy = ""
	ts := at
	next.ResolvedAt = &ts
	next.UpdatedAt = at
	return next, nil
}

func illegal(c *Contract, ev Event) error {
	if c.IsTerminal() && c.ResolvedAt != nil {
		return fmt.Errorf("%w: cannot apply %s, contract %s already %s at %s",
			ErrIllegalTransition, ev.eventName(), c.ID, c.EscrowStatus, c.ResolvedAt.UTC().Format(time.RFC3339))
	}
	return fmt.Errorf("%w: cannot apply %s in state %s", ErrIllegalTransition, ev.eventName(), c.EscrowStatus)
}
