package scanning

import (
	"context"

	"github.com/google/uuid"

	"github.com/ahrav/scanwatch/internal/domain/events"
	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/pkg/common/logger"
)

// scanWriter performs the recovered storage writes shared by both managers.
type scanWriter struct {
	repo      scans.Repository
	recovery  *recoverer
	clock     scans.TimeProvider
	publisher events.DomainEventPublisher
	analytics bool
	logger    *logger.Logger
}

// terminate runs the atomic terminal transition and resolves a CAS miss:
// the same status is an idempotent success, a different one is rejected.
func (w *scanWriter) terminate(ctx context.Context, id uuid.UUID, u scans.TerminalUpdate) TransitionResult {
	var outcome scans.TransitionOutcome
	rec, err := w.recovery.run(ctx, "transition_terminal", id, func(ctx context.Context) error {
		var err error
		outcome, err = w.repo.TransitionTerminal(ctx, id, u)
		return err
	})
	w.publishRecovery(ctx, "transition_terminal", id, rec, err)
	if err != nil {
		return TransitionResult{Result: failResult(err).withRecovery(rec)}
	}

	if !outcome.Applied {
		if outcome.Status == u.Status {
			return TransitionResult{Result: okResult().withRecovery(rec), Status: outcome.Status}
		}
		terr := &scans.TransitionError{ScanID: id, From: outcome.Status, To: u.Status}
		return TransitionResult{Result: failResult(terr).withRecovery(rec), Status: outcome.Status}
	}

	return TransitionResult{Result: okResult().withRecovery(rec), Status: u.Status, Applied: true}
}

func (w *scanWriter) publishRecovery(ctx context.Context, op string, id uuid.UUID, rec recoveryOutcome, err error) {
	if rec.Refresh == nil {
		return
	}
	w.publish(ctx, scans.NewSchemaCacheRecoveredEvent(
		id, op, rec.Refresh.Method, rec.Attempts, err == nil, w.clock.Now(),
	))
}

// publish emits an analytics event. Failures are logged and never affect the
// caller's result.
func (w *scanWriter) publish(ctx context.Context, evt events.DomainEvent) {
	if !w.analytics || w.publisher == nil {
		return
	}

	var opts []events.PublishOption
	if k, ok := evt.(events.Keyed); ok {
		opts = append(opts, events.WithKey(k.EventKey()))
	}
	if err := w.publisher.PublishDomainEvent(ctx, evt, opts...); err != nil {
		w.logger.Warn(ctx, "failed to publish analytics event",
			"event_type", evt.EventType(),
			"error", err,
		)
	}
}
