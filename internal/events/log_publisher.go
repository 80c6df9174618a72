package events

import (
	"context"
	"log/slog"
)

// LogPublisher writes events to the structured log. It is the default sink
// in development mode and doubles as an audit trail of lifecycle decisions.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log-backed publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev *Event) error {
	p.logger.Info("lifecycle event",
		"event", ev.Type,
		"contractId", ev.ContractID,
		"actorId", ev.ActorID,
		"amount", ev.Amount,
		"currency", ev.Currency,
		"trigger", ev.Trigger,
	)
	return nil
}

var _ Publisher = (*LogPublisher)(nil)
