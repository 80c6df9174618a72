package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitepay/escrowd/internal/idgen"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "emit_total",
		Help:      "Total lifecycle event emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "emit_errors_total",
		Help:      "Total lifecycle event emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

const emitTimeout = 10 * time.Second

// Emitter publishes lifecycle events. All methods are fire-and-forget:
// errors are logged and counted but never returned to the caller.
type Emitter struct {
	pub    Publisher
	logger *slog.Logger
}

// NewEmitter creates an emitter over the given publisher. A nil publisher
// yields an emitter whose methods are no-ops, so callers never nil-check.
func NewEmitter(pub Publisher, logger *slog.Logger) *Emitter {
	return &Emitter{pub: pub, logger: logger}
}

func (e *Emitter) emit(ev *Event) {
	if e == nil || e.pub == nil {
		return
	}
	emitTotal.WithLabelValues(string(ev.Type)).Inc()
	ev.ID = idgen.WithPrefix("evt_")
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := e.pub.Publish(ctx, ev); err != nil {
		emitErrors.WithLabelValues(string(ev.Type)).Inc()
		e.logger.Warn("event emit failed", "event", ev.Type, "contractId", ev.ContractID, "error", err)
	}
}

// EmitCreated emits a contract.created event.
func (e *Emitter) EmitCreated(contractID, payerID, amount, currency string) {
	e.emit(&Event{
		Type:       TypeCreated,
		ContractID: contractID,
		ActorID:    payerID,
		Amount:     amount,
		Currency:   currency,
	})
}

// EmitFunded emits a contract.funded event.
func (e *Emitter) EmitFunded(contractID, payerID, amount, currency string) {
	e.emit(&Event{
		Type:       TypeFunded,
		ContractID: contractID,
		ActorID:    payerID,
		Amount:     amount,
		Currency:   currency,
	})
}

// EmitReleased emits a contract.released event. Trigger records which path
// released the funds (confirmation, auto, admin); actor is the confirming
// party or admin, empty for auto-release.
func (e *Emitter) EmitReleased(contractID, actorID, amount, currency, trigger string) {
	e.emit(&Event{
		Type:       TypeReleased,
		ContractID: contractID,
		ActorID:    actorID,
		Amount:     amount,
		Currency:   currency,
		Trigger:    trigger,
	})
}

// EmitRefunded emits a contract.refunded event with the admin identity for
// the audit trail.
func (e *Emitter) EmitRefunded(contractID, adminID, amount, currency string) {
	e.emit(&Event{
		Type:       TypeRefunded,
		ContractID: contractID,
		ActorID:    adminID,
		Amount:     amount,
		Currency:   currency,
		Trigger:    "admin",
	})
}

// EmitDisputed emits a contract.disputed event.
func (e *Emitter) EmitDisputed(contractID, partyID, amount, currency, reason string) {
	e.emit(&Event{
		Type:       TypeDisputed,
		ContractID: contractID,
		ActorID:    partyID,
		Amount:     amount,
		Currency:   currency,
		Reason:     reason,
	})
}
