// Package decider implements the Decider: for one email context it runs
// the Guard Policy, persists the outcome as an audit event, and
// transitions the email's state. Errors never fall through as
// auto-replies; any failure is treated as an automatic escalation.
package decider

import (
	"context"
	"fmt"
	"time"

	"github.com/stoik/email-assistant/internal/coreerr"
	"github.com/stoik/email-assistant/internal/domain"
	"github.com/stoik/email-assistant/internal/guard"
	"github.com/stoik/email-assistant/internal/obs"
	"github.com/stoik/email-assistant/internal/ports"
	"github.com/stoik/email-assistant/internal/settings"
)

// EmailContext is the input to Decide: everything known about one email
// after classification.
type EmailContext struct {
	EmailID    int64
	Class      string
	Confidence float64
	Flags      []string
	Details    map[string]any
	KBPolicy   *guard.KBPolicy
}

// Outcome is what Decide returns to the Pipeline Runner.
type Outcome struct {
	ShouldAutoReply  bool
	EscalationReason string
	EscalationFlags  []string
}

// Decider wires the Guard Policy to the store and settings registry.
type Decider struct {
	store    ports.Store
	settings *settings.Registry
	clock    ports.Clock
	log      *obs.Logger
}

// New creates a Decider.
func New(store ports.Store, reg *settings.Registry, clock ports.Clock) *Decider {
	return &Decider{store: store, settings: reg, clock: clock, log: obs.New("decider")}
}

// Decide runs Guard for ctx's email, persists the decision, and
// transitions the email to ESCALATED when the policy rejects automation.
// On any error (reading settings, running Guard, or writing the audit
// trail) it returns an automatic escalation with reason "guard_error"
// and still attempts to persist an ESCALATED event; it never lets an
// error silently pass through as an auto-reply.
func (d *Decider) Decide(ctx context.Context, ec EmailContext) (Outcome, error) {
	snapshot, err := d.settings.Snapshot(ctx)
	if err != nil {
		return d.escalateOnError(ctx, ec, fmt.Errorf("%w: read settings: %v", coreerr.ErrInvariantViolation, err))
	}

	decision := guard.Evaluate(guard.Input{
		Class:      ec.Class,
		Confidence: ec.Confidence,
		Flags:      ec.Flags,
		Details:    ec.Details,
		KBPolicy:   ec.KBPolicy,
	}, snapshot)

	now := d.clock.Now()
	err = d.store.Transaction(ctx, func(tx ports.Tx) error {
		email, err := tx.GetEmail(ctx, ec.EmailID)
		if err != nil {
			return err
		}
		if email == nil {
			return fmt.Errorf("%w: email %d not found", coreerr.ErrInvariantViolation, ec.EmailID)
		}
		if err := moveToDecided(ctx, tx, email, now); err != nil {
			return err
		}

		if decision.Auto {
			_, err := tx.InsertEvent(ctx, &domain.Event{
				EventType: "GUARD_APPROVED",
				Source:    "decider",
				Payload:   map[string]any{"email_id": ec.EmailID, "timestamp": now, "reason": decision.Reason},
				CreatedAt: now,
			})
			return err
		}

		if _, err := tx.InsertEvent(ctx, &domain.Event{
			EventType: "ESCALATED",
			Source:    "decider",
			Payload:   map[string]any{"email_id": ec.EmailID, "timestamp": now, "reason": decision.Reason, "flags": decision.EscalateFlags},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if _, err := tx.InsertEvent(ctx, &domain.Event{
			EventType: "EMAIL_ESCALATED",
			Source:    "decider",
			Payload:   map[string]any{"email_id": ec.EmailID, "timestamp": now, "reason": decision.Reason},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		if !email.State.CanTransitionTo(domain.StateEscalated) {
			return fmt.Errorf("%w: cannot move email %d from %s to ESCALATED", coreerr.ErrInvariantViolation, ec.EmailID, email.State)
		}
		email.State = domain.StateEscalated
		email.EscalationReason = decision.Reason
		email.UpdatedAt = now
		return tx.UpdateEmail(ctx, email)
	})
	if err != nil {
		return d.escalateOnError(ctx, ec, err)
	}

	if !decision.Auto {
		d.log.Warn("=== EMAIL ESCALATED ===", obs.Fields{
			"email_id": ec.EmailID,
			"reason":   decision.Reason,
			"flags":    decision.EscalateFlags,
		})
	}

	return Outcome{
		ShouldAutoReply:  decision.Auto,
		EscalationReason: decision.Reason,
		EscalationFlags:  decision.EscalateFlags,
	}, nil
}

// moveToDecided hops a CLASSIFIED email to DECIDED. A no-op for an email
// already past CLASSIFIED, since Decide and escalateOnError both call
// this before the ESCALATED/DECIDED-terminal transition and may see the
// email in either state depending on where in Decide the failure
// originated.
func moveToDecided(ctx context.Context, tx ports.Tx, email *domain.Email, now time.Time) error {
	if email.State != domain.StateClassified {
		return nil
	}
	if !email.State.CanTransitionTo(domain.StateDecided) {
		return fmt.Errorf("%w: cannot move email %d to DECIDED", coreerr.ErrInvariantViolation, email.ID)
	}
	email.State = domain.StateDecided
	email.UpdatedAt = now
	return tx.UpdateEmail(ctx, email)
}

// escalateOnError persists a best-effort ESCALATED event for a Decide
// failure and returns the guard_error outcome: errors never fall through
// as auto-replies.
func (d *Decider) escalateOnError(ctx context.Context, ec EmailContext, cause error) (Outcome, error) {
	now := d.clock.Now()
	_ = d.store.Transaction(ctx, func(tx ports.Tx) error {
		if _, err := tx.InsertEvent(ctx, &domain.Event{
			EventType: "ESCALATED",
			Source:    "decider",
			Payload:   map[string]any{"email_id": ec.EmailID, "timestamp": now, "reason": "guard_error", "error": cause.Error()},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		email, err := tx.GetEmail(ctx, ec.EmailID)
		if err != nil || email == nil {
			// Nothing to transition; the event above is still the audit
			// trail of record for this failure.
			return nil
		}
		// The email may still be sitting in CLASSIFIED if Decide failed
		// before its main transaction ran (e.g. a settings-read error),
		// so hop it through DECIDED first; ESCALATED is only reachable
		// from DECIDED.
		if err := moveToDecided(ctx, tx, email, now); err != nil {
			return nil
		}
		if !email.State.CanTransitionTo(domain.StateEscalated) {
			return nil
		}
		email.State = domain.StateEscalated
		email.EscalationReason = "guard_error"
		email.UpdatedAt = now
		return tx.UpdateEmail(ctx, email)
	})
	d.log.Error("guard evaluation failed", cause, obs.Fields{"email_id": ec.EmailID})
	return Outcome{
		ShouldAutoReply:  false,
		EscalationReason: "guard_error",
		EscalationFlags:  []string{"GUARD_ERROR"},
	}, nil
}

// DecideBatch runs independent decisions concurrently, preserving
// per-email ordering only within that email.
func (d *Decider) DecideBatch(ctx context.Context, contexts []EmailContext) ([]Outcome, error) {
	outcomes := make([]Outcome, len(contexts))
	errs := make([]error, len(contexts))

	done := make(chan int, len(contexts))
	for i, ec := range contexts {
		go func(i int, ec EmailContext) {
			outcomes[i], errs[i] = d.Decide(ctx, ec)
			done <- i
		}(i, ec)
	}
	for range contexts {
		<-done
	}

	for _, err := range errs {
		if err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

// Stats is the Decider's reporting shape.
type Stats struct {
	Total             int
	Approved          int
	Escalated         int
	ApprovalRate      float64
	EscalationRate    float64
	EscalationReasons map[string]int
	EscalationFlags   map[string]int
}

// WindowStats computes {total, approved, escalated, rates, reason/flag
// counts} from event counts of GUARD_APPROVED and ESCALATED within
// [start,end).
func (d *Decider) WindowStats(ctx context.Context, start, end time.Time) (Stats, error) {
	stats := Stats{
		EscalationReasons: make(map[string]int),
		EscalationFlags:   make(map[string]int),
	}

	err := d.store.Transaction(ctx, func(tx ports.Tx) error {
		approved, err := tx.CountEventsByTypeInWindow(ctx, "GUARD_APPROVED", start, end)
		if err != nil {
			return err
		}
		stats.Approved = approved

		escalatedEvents, err := tx.ListEventsByTypeInWindow(ctx, "ESCALATED", start, end)
		if err != nil {
			return err
		}
		stats.Escalated = len(escalatedEvents)

		for _, ev := range escalatedEvents {
			if reason, ok := ev.Payload["reason"].(string); ok {
				stats.EscalationReasons[reason]++
			}
			if flags, ok := ev.Payload["flags"].([]interface{}); ok {
				for _, f := range flags {
					if s, ok := f.(string); ok {
						stats.EscalationFlags[s]++
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("window stats: %w", err)
	}

	stats.Total = stats.Approved + stats.Escalated
	if stats.Total > 0 {
		stats.ApprovalRate = float64(stats.Approved) / float64(stats.Total)
		stats.EscalationRate = float64(stats.Escalated) / float64(stats.Total)
	}
	return stats, nil
}
