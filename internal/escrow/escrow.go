// Package escrow implements the contract escrow lifecycle for site
// transactions (material orders, labor contracts, machinery rentals).
//
// Flow:
//  1. A payer creates a contract and funds it through the payment rail
//     → status: pending, then locked once the rail confirms
//  2. Payee parties confirm delivery → early release once all have confirmed
//  3. No confirmation within the window → auto-release at the deadline
//  4. Any party disputes → frozen; only an admin override can resolve it
//  5. Admin override → released or refunded
//
// Every state change goes through a single compare-and-swap on the stored
// contract version, so concurrent confirmations, disputes, timer firings and
// admin overrides serialize per contract without global locking.
package escrow

import (
	"errors"
	"time"
)

var (
	ErrContractNotFound  = errors.New("contract not found")
	ErrIllegalTransition = errors.New("illegal contract transition")
	ErrUnauthorized      = errors.New("not authorized for this contract operation")
	ErrValidation        = errors.New("invalid contract input")
	ErrLedgerUnavailable = errors.New("payment rail unavailable")
	ErrStaleConfirmation = errors.New("confirmation arrived after contract left locked state")
	ErrVersionConflict   = errors.New("contract version conflict")
)

// Status represents the escrow (fund-movement) state of a contract.
type Status string

const (
	StatusPending  Status = "pending"  // Created, funding not yet confirmed
	StatusLocked   Status = "locked"   // Funds held, auto-release armed
	StatusReleased Status = "released" // Funds released to payees
	StatusRefunded Status = "refunded" // Funds returned to payer
	StatusDisputed Status = "disputed" // Frozen, admin override only
)

// ConfirmationStatus tracks delivery acceptance independent of fund movement.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationDisputed  ConfirmationStatus = "disputed"
)

// Resolution values recorded when a contract reaches a terminal state.
const (
	ResolutionConfirmed    = "confirmed"     // quorum of payee confirmations
	ResolutionAutoReleased = "auto_released" // deadline fired
	ResolutionAdminRelease = "admin_release"
	ResolutionAdminRefund  = "admin_refund"
)

// DefaultAutoRelease is the default window before funds auto-release.
const DefaultAutoRelease = 72 * time.Hour

// Contract is an escrowed transaction record. Parties[0] is always the
// payer; every other entry is a delivery-confirming payee.
type Contract struct {
	ID                  string             `json:"id"`
	Parties             []string           `json:"parties"`
	Amount              string             `json:"amount"`
	Currency            string             `json:"currency"`
	EscrowStatus        Status             `json:"escrowStatus"`
	ConfirmationStatus  ConfirmationStatus `json:"confirmationStatus"`
	ConfirmedBy         []string           `json:"confirmedBy,omitempty"`
	LedgerTxID          string             `json:"ledgerTxId,omitempty"`
	DisputeReason       string             `json:"disputeReason,omitempty"`
	DisputedBy          string             `json:"disputedBy,omitempty"`
	Resolution          string             `json:"resolution,omitempty"`
	ResolvedBy          string             `json:"resolvedBy,omitempty"` // admin identity on override
	AutoReleaseDeadline *time.Time         `json:"autoReleaseDeadline,omitempty"`
	Version             int64              `json:"version"`
	CreatedAt           time.Time          `json:"createdAt"`
	FundedAt            *time.Time         `json:"fundedAt,omitempty"`
	ResolvedAt          *time.Time         `json:"resolvedAt,omitempty"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// IsTerminal returns true once funds have moved and no further transition
// can succeed.
func (c *Contract) IsTerminal() bool {
	switch c.EscrowStatus {
	case StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// HasParty reports whether id is a participant of the contract.
func (c *Contract) HasParty(id string) bool {
	for _, p := range c.Parties {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Transitions operate on copies so a snapshot
// handed to a caller is never mutated behind its back.
func (c *Contract) Clone() *Contract {
	cp := *c
	cp.Parties = append([]string(nil), c.Parties...)
	cp.ConfirmedBy = append([]string(nil), c.ConfirmedBy...)
	if c.AutoReleaseDeadline != nil {
		t := *c.AutoReleaseDeadline
		cp.AutoReleaseDeadline = &t
	}
	if c.FundedAt != nil {
		t := *c.FundedAt
		cp.FundedAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
