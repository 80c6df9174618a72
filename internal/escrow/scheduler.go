package escrow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sitepay/escrowd/internal/metrics"
)

const defaultSweepInterval = time.Minute

// sweepBatch caps how many overdue contracts a single sweep pass picks up.
const sweepBatch = 100

// recoverBatch caps the restart recovery scan.
const recoverBatch = 10000

// Scheduler arms one timer goroutine per locked contract and fires the
// auto-release transition when the deadline passes. Firing goes through the
// service's single-CAS path, so a timer that races a confirmation, dispute
// or override simply loses and discards its firing.
//
// A periodic sweep backstops the in-memory timers: it picks up contracts
// whose deadline passed while no timer was armed (missed during a crash, or
// armed on another process in a previous life).
type Scheduler struct {
	svc    *Service
	store  Store
	logger *slog.Logger
	sweep  time.Duration
	now    func() time.Time

	mu     sync.Mutex
	timers map[string]*armedRelease
}

type armedRelease struct {
	deadline time.Time
	cancel   chan struct{}
	done     chan struct{}
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithSweepInterval overrides the backstop sweep interval.
func WithSweepInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.sweep = d
		}
	}
}

// WithSchedulerClock overrides the time source, for tests.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates the auto-release scheduler for svc.
func NewScheduler(svc *Service, store Store, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		svc:    svc,
		store:  store,
		logger: logger,
		sweep:  defaultSweepInterval,
		now:    time.Now,
		timers: make(map[string]*armedRelease),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Arm schedules an auto-release firing for the contract at deadline. Arming
// an already-armed contract with the same deadline is a no-op; a different
// deadline replaces the existing timer.
func (s *Scheduler) Arm(id string, deadline time.Time) {
	s.mu.Lock()
	if e, ok := s.timers[id]; ok {
		if e.deadline.Equal(deadline) {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		close(e.cancel)
		metrics.SchedulerArmed.Dec()
	}

	e := &armedRelease{
		deadline: deadline,
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.timers[id] = e
	metrics.SchedulerArmed.Inc()
	s.mu.Unlock()

	go s.wait(id, e)
}

// Cancel disarms the contract's timer. When Cancel returns the armed
// goroutine has been stopped or has already entered its firing CAS; in the
// latter case the CAS is guaranteed to lose against whatever transition
// prompted the cancellation, so no release can slip through after a
// successful confirm, dispute or override.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	e, ok := s.timers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	metrics.SchedulerArmed.Dec()
	s.mu.Unlock()

	close(e.cancel)
	<-e.done
}

// Recover re-arms timers after a restart. Locked contracts with a future
// deadline get a fresh timer; contracts whose deadline passed while the
// process was down are released immediately.
func (s *Scheduler) Recover(ctx context.Context) error {
	locked, err := s.store.ListLocked(ctx, recoverBatch)
	if err != nil {
		return err
	}

	now := s.now()
	rearmed, overdue := 0, 0
	for _, c := range locked {
		if c.AutoReleaseDeadline == nil {
			continue
		}
		if c.AutoReleaseDeadline.After(now) {
			s.Arm(c.ID, *c.AutoReleaseDeadline)
			rearmed++
			continue
		}
		overdue++
		if err := s.svc.autoRelease(ctx, c.ID); err != nil {
			s.logger.Error("recovery auto-release failed", "contractId", c.ID, "error", err)
		}
	}

	s.logger.Info("scheduler recovery complete",
		"locked", len(locked), "rearmed", rearmed, "overdue", overdue)
	return nil
}

// Run executes the backstop sweep until ctx is cancelled, then stops all
// armed timers.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// Stop disarms every timer and waits for all armed goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	entries := make([]*armedRelease, 0, len(s.timers))
	for _, e := range s.timers {
		metrics.SchedulerArmed.Dec()
		entries = append(entries, e)
	}
	s.timers = make(map[string]*armedRelease)
	s.mu.Unlock()

	for _, e := range entries {
		close(e.cancel)
	}
	for _, e := range entries {
		<-e.done
	}
}

// Armed reports whether a timer is currently armed for the contract.
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// wait is the armed goroutine. It removes its own map entry before firing
// so that a concurrent Cancel finds nothing to wait on instead of blocking
// behind the firing CAS.
func (s *Scheduler) wait(id string, e *armedRelease) {
	defer close(e.done)

	timer := time.NewTimer(time.Until(e.deadline))
	defer timer.Stop()

	select {
	case <-e.cancel:
		return
	case <-timer.C:
	}

	s.mu.Lock()
	if cur, ok := s.timers[id]; !ok || cur != e {
		// Cancelled or replaced between the timer firing and this lock.
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	metrics.SchedulerArmed.Dec()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.svc.autoRelease(ctx, id); err != nil {
		metrics.SchedulerFiringsTotal.WithLabelValues("error").Inc()
		s.logger.Error("auto-release firing failed, sweep will retry",
			"contractId", id, "error", err)
	}
}

// sweepOnce releases contracts whose deadline has passed but which have no
// armed timer.
func (s *Scheduler) sweepOnce(ctx context.Context) {
	overdue, err := s.store.ListLockedBefore(ctx, s.now(), sweepBatch)
	if err != nil {
		s.logger.Error("scheduler sweep query failed", "error", err)
		return
	}

	for _, c := range overdue {
		if s.Armed(c.ID) {
			// The armed goroutine owns this contract; it fires on its own.
			continue
		}
		if err := s.svc.autoRelease(ctx, c.ID); err != nil {
			s.logger.Error("sweep auto-release failed", "contractId", c.ID, "error", err)
		}
	}
}
