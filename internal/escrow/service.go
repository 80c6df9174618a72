package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sitepay/escrowd/internal/events"
	"github.com/sitepay/escrowd/internal/idgen"
	"github.com/sitepay/escrowd/internal/metrics"
	"github.com/sitepay/escrowd/internal/rail"
	"github.com/sitepay/escrowd/internal/traces"
	"github.com/sitepay/escrowd/internal/validation"
)

// casRetries bounds the re-read-and-retry loop for user-initiated
// operations. Scheduler firings never retry (a lost CAS is the expected
// outcome of the race, see autoRelease).
const casRetries = 5

const defaultListLimit = 50

// CreateRequest contains the parameters for creating and funding a
// contract. Parties[0] is the payer; all other entries are
// delivery-confirming payees.
type CreateRequest struct {
	Parties  []string `json:"parties" binding:"required"`
	Amount   string   `json:"amount" binding:"required"`
	Currency string   `json:"currency" binding:"required"`
}

// Service implements the escrow engine business logic. All state changes
// flow through the transition table and a single compare-and-swap per
// attempt; the service layers funding, scheduling, events and metrics on
// top.
type Service struct {
	store   Store
	rail    rail.Rail
	emitter *events.Emitter
	sched   *Scheduler
	window  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithWindow overrides the auto-release window (default 72h).
func WithWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e *events.Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new escrow service.
func NewService(store Store, pr rail.Rail, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		rail:   pr,
		window: DefaultAutoRelease,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithScheduler attaches the auto-release scheduler. Wired after
// construction because the scheduler also needs the service.
func (s *Service) WithScheduler(sched *Scheduler) *Service {
	s.sched = sched
	return s
}

// Window returns the configured auto-release window.
func (s *Service) Window() time.Duration {
	return s.window
}

// CreateAndFund creates a contract and funds it through the payment rail.
// If the rail call fails the pending contract is returned together with an
// ErrLedgerUnavailable error; the funding can be retried with Fund.
func (s *Service) CreateAndFund(ctx context.Context, req CreateRequest) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateAndFund", traces.Amount(req.Amount))
	defer span.End()

	c, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}

	funded, err := s.fund(ctx, c)
	if err != nil {
		return c, err
	}
	return funded, nil
}

// Fund retries the payment-rail funding call for a pending contract.
func (s *Service) Fund(ctx context.Context, id string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.ContractID(id))
	defer span.End()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.EscrowStatus != StatusPending {
		return nil, fmt.Errorf("%w: contract %s is %s, only pending contracts can be funded",
			ErrIllegalTransition, id, c.EscrowStatus)
	}
	return s.fund(ctx, c)
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*Contract, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	now := s.now()
	c := &Contract{
		ID:                 idgen.WithPrefix("ct_"),
		Parties:            normalizeParties(req.Parties),
		Amount:             strings.TrimSpace(req.Amount),
		Currency:           strings.ToUpper(strings.TrimSpace(req.Currency)),
		EscrowStatus:       StatusPending,
		ConfirmationStatus: ConfirmationPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}

	metrics.ContractsCreatedTotal.Inc()
	s.emitter.EmitCreated(c.ID, Payer(c), c.Amount, c.Currency)
	return c, nil
}

func (s *Service) fund(ctx context.Context, c *Contract) (*Contract, error) {
	// Claim the funding attempt before touching the rail: the version bump
	// makes a concurrent funder fail its own claim here instead of both
	// reaching the rail and charging twice.
	claim := c.Clone()
	claim.UpdatedAt = s.now()
	if err := s.store.CompareAndSwap(ctx, c.ID, c.Version, claim); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			metrics.CASConflictsTotal.WithLabelValues("fund").Inc()
			return nil, fmt.Errorf("%w: concurrent funding attempt on contract %s", ErrVersionConflict, c.ID)
		}
		return nil, err
	}

	txID, err := s.rail.Fund(ctx, c.ID, c.Amount, c.Currency)
	if err != nil {
		s.logger.Warn("payment rail funding failed, contract stays pending",
			"contractId", c.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	now := s.now()
	next, err := Transition(claim, FundConfirmed{TxID: txID, At: now, Deadline: now.Add(s.window)})
	if err == nil {
		err = s.store.CompareAndSwap(ctx, c.ID, claim.Version, next)
	}
	if err != nil {
		// The rail has moved funds but the record refused the lock. There
		// is no rollback on the rail; this needs manual resolution.
		s.logger.Error("CRITICAL: rail funded contract but lock transition failed",
			"contractId", c.ID, "ledgerTxId", txID, "error", err)
		return nil, err
	}

	s.armAutoRelease(next)
	metrics.ContractsFundedTotal.Inc()
	s.emitter.EmitFunded(next.ID, Payer(next), next.Amount, next.Currency)
	s.logger.Info("contract funded and locked",
		"contractId", next.ID, "ledgerTxId", txID, "deadline", next.AutoReleaseDeadline)
	return next, nil
}

// ConfirmDelivery records a delivery confirmation by partyID. When the last
// required confirmer signs off the contract releases immediately and the
// auto-release timer is cancelled. Duplicate confirmations are no-ops.
func (s *Service) ConfirmDelivery(ctx context.Context, id, partyID string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.ContractID(id), traces.PartyID(partyID))
	defer span.End()

	if strings.TrimSpace(partyID) == "" {
		return nil, fmt.Errorf("%w: party id is required", ErrValidation)
	}

	var next *Contract
	for attempt := 0; ; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !cur.HasParty(partyID) {
			return nil, fmt.Errorf("%w: %s is not a party of contract %s", ErrUnauthorized, partyID, id)
		}
		if cur.EscrowStatus == StatusLocked && hasConfirmed(cur, partyID) {
			// Already counted; no swap, no side effects.
			return cur, nil
		}

		next, err = Transition(cur, Confirmed{Party: partyID, At: s.now()})
		if err != nil {
			return nil, err
		}

		err = s.store.CompareAndSwap(ctx, id, cur.Version, next)
		if errors.Is(err, ErrVersionConflict) {
			if attempt+1 >= casRetries {
				return nil, fmt.Errorf("%w: too many concurrent updates to contract %s", ErrVersionConflict, id)
			}
			metrics.CASConflictsTotal.WithLabelValues("confirm").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	if next.EscrowStatus == StatusReleased {
		s.cancelAutoRelease(id)
		s.recordRelease(next, "confirmation")
		s.emitter.EmitReleased(next.ID, partyID, next.Amount, next.Currency, "confirmation")
		s.logger.Info("contract released by confirmation quorum",
			"contractId", id, "confirmedBy", next.ConfirmedBy)
	} else {
		s.logger.Info("delivery confirmation recorded",
			"contractId", id, "party", partyID,
			"confirmed", len(next.ConfirmedBy), "required", len(RequiredConfirmers(next)))
	}
	return next, nil
}

// RaiseDispute freezes a locked contract. The auto-release timer is
// cancelled before this returns: "dispute succeeded" implies "auto-release
// will not also fire".
func (s *Service) RaiseDispute(ctx context.Context, id, partyID, reason string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RaiseDispute", traces.ContractID(id), traces.PartyID(partyID))
	defer span.End()

	if strings.TrimSpace(partyID) == "" {
		return nil, fmt.Errorf("%w: party id is required", ErrValidation)
	}
	reason = validation.SanitizeString(reason, validation.MaxReasonLength)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrValidation)
	}

	next, err := s.applyEvent(ctx, "dispute", id, func(cur *Contract) (Event, error) {
		return Disputed{Party: partyID, Reason: reason, At: s.now()}, nil
	})
	if err != nil {
		return nil, err
	}

	s.cancelAutoRelease(id)
	metrics.DisputesTotal.Inc()
	s.emitter.EmitDisputed(next.ID, partyID, next.Amount, next.Currency, reason)
	s.logger.Info("contract disputed, auto-release cancelled",
		"contractId", id, "party", partyID, "reason", reason)
	return next, nil
}

// ForceRelease is the admin override releasing funds from a locked or
// disputed contract. The admin identity is recorded for audit.
func (s *Service) ForceRelease(ctx context.Context, id, adminID string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ForceRelease", traces.ContractID(id), traces.AdminID(adminID))
	defer span.End()

	if strings.TrimSpace(adminID) == "" {
		return nil, fmt.Errorf("%w: admin identity is required", ErrUnauthorized)
	}

	next, err := s.applyEvent(ctx, "force_release", id, func(cur *Contract) (Event, error) {
		return AdminReleased{AdminID: adminID, At: s.now()}, nil
	})
	if err != nil {
		return nil, err
	}

	s.cancelAutoRelease(id)
	s.recordRelease(next, "admin")
	s.emitter.EmitReleased(next.ID, adminID, next.Amount, next.Currency, "admin")
	s.logger.Info("contract force-released", "contractId", id, "admin", adminID)
	return next, nil
}

// ForceRefund is the admin override returning funds to the payer from a
// locked or disputed contract.
func (s *Service) ForceRefund(ctx context.Context, id, adminID string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ForceRefund", traces.ContractID(id), traces.AdminID(adminID))
	defer span.End()

	if strings.TrimSpace(adminID) == "" {
		return nil, fmt.Errorf("%w: admin identity is required", ErrUnauthorized)
	}

	next, err := s.applyEvent(ctx, "force_refund", id, func(cur *Contract) (Event, error) {
		return AdminRefunded{AdminID: adminID, At: s.now()}, nil
	})
	if err != nil {
		return nil, err
	}

	s.cancelAutoRelease(id)
	metrics.RefundsTotal.Inc()
	s.observeDuration(next)
	s.emitter.EmitRefunded(next.ID, adminID, next.Amount, next.Currency)
	s.logger.Info("contract force-refunded", "contractId", id, "admin", adminID)
	return next, nil
}

// autoRelease is the scheduler's firing path. It performs exactly one
// compare-and-swap: a conflict or an illegal transition means a concurrent
// confirmation, dispute or override won the race, which is the expected
// outcome and discarded silently (logged at info).
func (s *Service) autoRelease(ctx context.Context, id string) error {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrContractNotFound) {
			return nil
		}
		return err
	}

	next, err := Transition(cur, AutoReleaseFired{At: s.now()})
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			metrics.SchedulerFiringsTotal.WithLabelValues("lost_race").Inc()
			s.logger.Info("auto-release discarded, contract already transitioned",
				"contractId", id, "status", cur.EscrowStatus)
			return nil
		}
		return err
	}

	if err := s.store.CompareAndSwap(ctx, id, cur.Version, next); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			metrics.SchedulerFiringsTotal.WithLabelValues("lost_race").Inc()
			s.logger.Info("auto-release lost the swap race", "contractId", id)
			return nil
		}
		return err
	}

	metrics.SchedulerFiringsTotal.WithLabelValues("released").Inc()
	s.recordRelease(next, "auto")
	s.emitter.EmitReleased(next.ID, "", next.Amount, next.Currency, "auto")
	s.logger.Info("contract auto-released at deadline",
		"contractId", id, "ledgerTxId", next.LedgerTxID)
	return nil
}

// Get returns a contract by ID.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns contracts involving a party.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.store.ListByParty(ctx, partyID, limit)
}

// ListByStatus returns contracts in the given escrow status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error) {
	switch status {
	case StatusPending, StatusLocked, StatusReleased, StatusRefunded, StatusDisputed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// applyEvent runs the read → transition → compare-and-swap loop for
// user-initiated operations, retrying against a fresh snapshot on version
// conflicts.
func (s *Service) applyEvent(ctx context.Context, op, id string, build func(*Contract) (Event, error)) (*Contract, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		ev, err := build(cur)
		if err != nil {
			return nil, err
		}

		next, err := Transition(cur, ev)
		if err != nil {
			return nil, err
		}

		err = s.store.CompareAndSwap(ctx, id, cur.Version, next)
		if errors.Is(err, ErrVersionConflict) {
			metrics.CASConflictsTotal.WithLabelValues(op).Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: too many concurrent updates to contract %s", ErrVersionConflict, id)
}

func (s *Service) armAutoRelease(c *Contract) {
	if s.sched != nil && c.AutoReleaseDeadline != nil {
		s.sched.Arm(c.ID, *c.AutoReleaseDeadline)
	}
}

func (s *Service) cancelAutoRelease(id string) {
	if s.sched != nil {
		s.sched.Cancel(id)
	}
}

func (s *Service) recordRelease(c *Contract, trigger string) {
	metrics.ReleasesTotal.WithLabelValues(trigger).Inc()
	s.observeDuration(c)
}

func (s *Service) observeDuration(c *Contract) {
	if c.FundedAt != nil && c.ResolvedAt != nil {
		metrics.ContractDuration.Observe(c.ResolvedAt.Sub(*c.FundedAt).Seconds())
	}
}

func validateCreate(req CreateRequest) error {
	parties := normalizeParties(req.Parties)
	if len(parties) < 2 {
		return fmt.Errorf("%w: at least a payer and one payee are required", ErrValidation)
	}
	seen := make(map[string]bool, len(parties))
	for _, p := range parties {
		if !validation.IsValidPartyID(p) {
			return fmt.Errorf("%w: invalid party id %q", ErrValidation, p)
		}
		if seen[p] {
			return fmt.Errorf("%w: duplicate party %s", ErrValidation, p)
		}
		seen[p] = true
	}

	if !validation.IsValidAmount(strings.TrimSpace(req.Amount)) {
		return fmt.Errorf("%w: amount must be a positive decimal", ErrValidation)
	}
	if strings.TrimSpace(req.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrValidation)
	}
	return nil
}

func normalizeParties(parties []string) []string {
	out := make([]string, 0, len(parties))
	for _, p := range parties {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
