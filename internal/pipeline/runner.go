// Package pipeline implements the Pipeline Runner: it drives emails
// through the state machine INGESTED -> CLASSIFIED -> DECIDED ->
// (DRAFTED -> SENT) | ESCALATED, with FAILED reachable from any
// non-terminal state after retries are exhausted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stoik/email-assistant/internal/calendar"
	"github.com/stoik/email-assistant/internal/coreerr"
	"github.com/stoik/email-assistant/internal/decider"
	"github.com/stoik/email-assistant/internal/domain"
	"github.com/stoik/email-assistant/internal/obs"
	"github.com/stoik/email-assistant/internal/ports"
	"github.com/stoik/email-assistant/internal/settings"
)

const defaultBatchSize = 10

// errStepEscalated marks a recordStepFailure outcome that moved the email
// to ESCALATED rather than FAILED, so callers can attribute the right
// TickResult counter without re-deriving state from the store.
var errStepEscalated = fmt.Errorf("step escalated")

// Runner drives emails through the pipeline, one tick at a time.
type Runner struct {
	store      ports.Store
	settings   *settings.Registry
	classifier ports.Classifier
	decider    *decider.Decider
	calendar   *calendar.Coordinator
	templates  ports.TemplateEngine
	mailer     ports.MailSender
	clock      ports.Clock

	locks *lockTable
	log   *obs.Logger
}

// Deps bundles every collaborator the Runner needs and is passed to New
// by constructor injection; there is no package-level singleton.
type Deps struct {
	Store      ports.Store
	Settings   *settings.Registry
	Classifier ports.Classifier
	Decider    *decider.Decider
	Calendar   *calendar.Coordinator
	Templates  ports.TemplateEngine
	Mailer     ports.MailSender
	Clock      ports.Clock
}

// New creates a Runner from Deps.
func New(d Deps) *Runner {
	return &Runner{
		store:      d.Store,
		settings:   d.Settings,
		classifier: d.Classifier,
		decider:    d.Decider,
		calendar:   d.Calendar,
		templates:  d.Templates,
		mailer:     d.Mailer,
		clock:      d.Clock,
		locks:      newLockTable(),
		log:        obs.New("pipeline"),
	}
}

// TickResult summarizes one Tick's outcome, for the CLI to log.
type TickResult struct {
	Classified int
	Decided    int
	Sent       int
	Escalated  int
	Retried    int
	Failed     int
}

// Tick runs one pipeline pass: classify new emails, decide classified
// emails, and draft+send auto-approved emails. A batch size of zero is a
// legal no-op.
func (r *Runner) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	batchSize := int(r.settings.GetNumber(ctx, "max_emails_per_batch", defaultBatchSize))
	if batchSize <= 0 {
		return result, nil
	}

	classifiedCount, err := r.classifyBatch(ctx, batchSize)
	if err != nil {
		return result, fmt.Errorf("classify batch: %w", err)
	}
	result.Classified = classifiedCount

	decided, sent, escalated, retried, failed, err := r.decideAndDraftBatch(ctx, batchSize)
	if err != nil {
		return result, fmt.Errorf("decide and draft batch: %w", err)
	}
	result.Decided = decided
	result.Sent = sent
	result.Escalated = escalated
	result.Retried = retried
	result.Failed = failed

	return result, nil
}

// classifyBatch fetches a bounded batch of INGESTED rows, classifies
// each, and transitions it to CLASSIFIED. Rows are processed by a
// bounded worker pool sized to batchSize, serialized per email
// by the lock table.
func (r *Runner) classifyBatch(ctx context.Context, batchSize int) (int, error) {
	var rows []domain.Email
	err := r.store.Transaction(ctx, func(tx ports.Tx) error {
		var err error
		rows, err = tx.ListEmailsByState(ctx, domain.StateIngested, batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	now := r.clock.Now()
	due := rows[:0]
	for _, row := range rows {
		if dueForRetry(row, now) {
			due = append(due, row)
		}
	}
	rows = due

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchSize)
	count := 0
	for _, row := range rows {
		row := row
		g.Go(func() error {
			var stepErr error
			r.locks.withLock(row.ID, func() {
				stepErr = r.classifyOne(gctx, row)
			})
			if stepErr == nil {
				count++
			}
			return stepErr
		})
	}
	if err := g.Wait(); err != nil {
		return count, err
	}
	return count, nil
}

func (r *Runner) classifyOne(ctx context.Context, row domain.Email) error {
	result, err := r.classifier.Classify(ctx, row.BodyText)
	if err != nil {
		return r.recordStepFailure(ctx, row.ID, "classify", err)
	}

	class := result.Class
	if class == "" {
		class = "unclear_intent"
	}

	now := r.clock.Now()
	return r.store.Transaction(ctx, func(tx ports.Tx) error {
		email, err := tx.GetEmail(ctx, row.ID)
		if err != nil {
			return err
		}
		if email == nil || !email.State.CanTransitionTo(domain.StateClassified) {
			return fmt.Errorf("%w: email %d cannot move to CLASSIFIED", coreerr.ErrInvariantViolation, row.ID)
		}
		email.Classification = class
		confidence := result.Confidence
		email.Confidence = &confidence
		email.Flags = result.Flags
		email.Details = result.Details
		email.State = domain.StateClassified
		email.UpdatedAt = now
		if err := tx.UpdateEmail(ctx, email); err != nil {
			return err
		}
		_, err = tx.InsertEvent(ctx, &domain.Event{
			EventType: "email.classified",
			Source:    "pipeline",
			Payload:   map[string]any{"email_id": row.ID, "timestamp": now, "class": class},
			CreatedAt: now,
		})
		return err
	})
}

// decideAndDraftBatch fetches CLASSIFIED rows, runs the Decider, and for
// auto-approved emails renders, persists, and sends a draft. It also
// re-fetches DRAFTED rows left over from a prior send failure whose
// retry delay has elapsed, and retries the send without re-deciding.
func (r *Runner) decideAndDraftBatch(ctx context.Context, batchSize int) (decided, sent, escalated, retried, failed int, err error) {
	var rows []domain.Email
	err = r.store.Transaction(ctx, func(tx ports.Tx) error {
		var e error
		rows, e = tx.ListEmailsByState(ctx, domain.StateClassified, batchSize)
		return e
	})
	if err != nil {
		return
	}

	var pendingRetries []domain.Email
	err = r.store.Transaction(ctx, func(tx ports.Tx) error {
		var e error
		pendingRetries, e = tx.ListEmailsByState(ctx, domain.StateDrafted, batchSize)
		return e
	})
	if err != nil {
		return
	}
	now := r.clock.Now()
	for _, row := range pendingRetries {
		if dueForRetry(row, now) {
			rows = append(rows, row)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchSize)

	outcomes := make([]stepOutcome, len(rows))

	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			var o stepOutcome
			r.locks.withLock(row.ID, func() {
				o = r.decideAndDraftOne(gctx, row)
			})
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.wasDecision {
			decided++
		}
		switch {
		case o.sent:
			sent++
		case o.escalated:
			escalated++
		case o.retried:
			retried++
		case o.failed:
			failed++
		}
	}
	return
}

type stepOutcome struct {
	wasDecision                      bool
	sent, escalated, retried, failed bool
}

// dueForRetry reports whether a DRAFTED row whose last send attempt
// failed has cleared its retry_delay_minutes cooldown, recorded as
// retry_not_before (unix milliseconds) in the email's details.
func dueForRetry(row domain.Email, now time.Time) bool {
	raw, ok := row.Details["retry_not_before"]
	if !ok {
		return true
	}
	ms, ok := raw.(float64)
	if !ok {
		return true
	}
	return !now.Before(fromUnixMillis(int64(ms)))
}

func fromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (r *Runner) decideAndDraftOne(ctx context.Context, row domain.Email) stepOutcome {
	if row.State == domain.StateDrafted {
		if err := r.resendDraft(ctx, row); err != nil {
			retryErr := r.recordStepFailure(ctx, row.ID, "send", err)
			switch {
			case errors.Is(retryErr, errStepEscalated):
				return stepOutcome{escalated: true}
			case retryErr != nil:
				return stepOutcome{failed: true}
			}
			return stepOutcome{retried: true}
		}
		return stepOutcome{sent: true}
	}

	confidence := 0.0
	if row.Confidence != nil {
		confidence = *row.Confidence
	}

	outcome, err := r.decider.Decide(ctx, decider.EmailContext{
		EmailID:    row.ID,
		Class:      row.Classification,
		Confidence: confidence,
		Flags:      row.Flags,
		Details:    row.Details,
	})
	if err != nil {
		_ = r.recordStepFailure(ctx, row.ID, "decide", err)
		return stepOutcome{wasDecision: true, failed: true}
	}
	if !outcome.ShouldAutoReply {
		return stepOutcome{wasDecision: true, escalated: true}
	}

	if err := r.draftAndSend(ctx, row); err != nil {
		retryErr := r.recordStepFailure(ctx, row.ID, "send", err)
		switch {
		case errors.Is(retryErr, errStepEscalated):
			return stepOutcome{wasDecision: true, escalated: true}
		case retryErr != nil:
			return stepOutcome{wasDecision: true, failed: true}
		}
		return stepOutcome{wasDecision: true, retried: true}
	}
	return stepOutcome{wasDecision: true, sent: true}
}

// draftAndSend renders a template, persists the Draft, and sends via the
// mail adapter, transitioning the email through DECIDED -> DRAFTED ->
// SENT.
func (r *Runner) draftAndSend(ctx context.Context, row domain.Email) error {
	snapshot, err := r.settings.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("%w: read settings: %v", coreerr.ErrInfrastructure, err)
	}

	templateID := templateForClass(row.Classification)
	vars := map[string]any{
		"subject":        row.Subject,
		"sender_name":    row.From,
		"classification": row.Classification,
	}

	rendered, err := r.templates.Render(templateID, vars, snapshot)
	if err != nil {
		return fmt.Errorf("%w: render template %q: %v", coreerr.ErrPermanentExternal, templateID, err)
	}

	now := r.clock.Now()
	var draftID int64
	err = r.store.Transaction(ctx, func(tx ports.Tx) error {
		email, err := tx.GetEmail(ctx, row.ID)
		if err != nil {
			return err
		}
		if email == nil || !email.State.CanTransitionTo(domain.StateDrafted) {
			return fmt.Errorf("%w: email %d cannot move to DRAFTED", coreerr.ErrInvariantViolation, row.ID)
		}
		email.State = domain.StateDrafted
		email.UpdatedAt = now
		if err := tx.UpdateEmail(ctx, email); err != nil {
			return err
		}

		draftID, err = tx.InsertDraft(ctx, &domain.Draft{
			EmailID:      row.ID,
			TemplateID:   templateID,
			RenderedText: rendered,
			Status:       domain.DraftCreated,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
		_, err = tx.InsertEvent(ctx, &domain.Event{
			EventType: "draft.created",
			Source:    "pipeline",
			Payload:   map[string]any{"email_id": row.ID, "timestamp": now, "template_id": templateID},
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		return err
	}

	return r.sendDraft(ctx, row, draftID, rendered)
}

// resendDraft retries sending the most recently persisted Draft for a
// DRAFTED email left over from a prior failed send; it never re-renders
// or re-decides.
func (r *Runner) resendDraft(ctx context.Context, row domain.Email) error {
	var draft *domain.Draft
	err := r.store.Transaction(ctx, func(tx ports.Tx) error {
		var err error
		draft, err = tx.LatestDraftForEmail(ctx, row.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: load latest draft: %v", coreerr.ErrInfrastructure, err)
	}
	if draft == nil {
		return fmt.Errorf("%w: email %d has no draft to resend", coreerr.ErrInvariantViolation, row.ID)
	}
	return r.sendDraft(ctx, row, draft.ID, draft.RenderedText)
}

// sendDraft calls the mail adapter for a persisted draft and, on
// success, transitions the email DRAFTED -> SENT.
func (r *Runner) sendDraft(ctx context.Context, row domain.Email, draftID int64, rendered string) error {
	correlationID := fmt.Sprintf("%d", draftID)
	sendResult, err := r.mailer.Send(ctx, row.From, "Re: "+row.Subject, rendered, correlationID)
	if err != nil || !sendResult.OK {
		if err == nil {
			err = fmt.Errorf("%w: mail sender reported failure", coreerr.ErrTransientExternal)
		}
		return err
	}

	sentAt := r.clock.Now()
	return r.store.Transaction(ctx, func(tx ports.Tx) error {
		if err := tx.UpdateDraftStatus(ctx, draftID, domain.DraftSent, &sentAt); err != nil {
			return err
		}
		email, err := tx.GetEmail(ctx, row.ID)
		if err != nil {
			return err
		}
		if email == nil || !email.State.CanTransitionTo(domain.StateSent) {
			return fmt.Errorf("%w: email %d cannot move to SENT", coreerr.ErrInvariantViolation, row.ID)
		}
		email.State = domain.StateSent
		email.UpdatedAt = sentAt
		if err := tx.UpdateEmail(ctx, email); err != nil {
			return err
		}
		_, err = tx.InsertEvent(ctx, &domain.Event{
			EventType: "draft.sent",
			Source:    "pipeline",
			Payload:   map[string]any{"email_id": row.ID, "timestamp": sentAt, "draft_id": draftID},
			CreatedAt: sentAt,
		})
		return err
	})
}

// templateForClass chooses a template id from the classifier's output
// class. Ambiguous classes fall back to faq_antwort; every rendering is
// expected to append the signature block (the Templates contract's
// responsibility, not the runner's).
func templateForClass(class string) string {
	lower := strings.ToLower(class)
	switch {
	case strings.Contains(lower, "absage") || strings.Contains(lower, "cancel"):
		return "termin_absage"
	case strings.Contains(lower, "bestaetigung") || strings.Contains(lower, "confirm"):
		return "termin_bestaetigung"
	case strings.Contains(lower, "termin") || strings.Contains(lower, "appointment"):
		return "termin_vorschlag"
	default:
		return "faq_antwort"
	}
}

// recordStepFailure records a failed side-effectful step as an "error"
// event. A retryable cause (coreerr.KindTransientExternal) increments the
// attempt counter and re-enqueues with a retry delay, moving to FAILED
// only once max_retries is exhausted. A non-retryable cause (permanent
// external failures, invariant violations, or anything the taxonomy
// doesn't recognize) skips the retry loop entirely: it moves straight to
// ESCALATED where the state machine allows that edge, or to FAILED
// otherwise, since counting it toward max_retries would just delay the
// inevitable. It returns a non-nil error when the email has moved to a
// terminal state (ESCALATED or FAILED), or when recording the failure
// itself failed.
func (r *Runner) recordStepFailure(ctx context.Context, emailID int64, step string, cause error) error {
	maxRetries := int(r.settings.GetNumber(ctx, "max_retries", 3))
	retryDelay := time.Duration(r.settings.GetNumber(ctx, "retry_delay_minutes", 15)) * time.Minute
	now := r.clock.Now()
	retryable := coreerr.Retryable(cause)

	var exhausted, escalated bool
	txErr := r.store.Transaction(ctx, func(tx ports.Tx) error {
		email, err := tx.GetEmail(ctx, emailID)
		if err != nil {
			return err
		}
		if email == nil {
			return fmt.Errorf("%w: email %d not found", coreerr.ErrInvariantViolation, emailID)
		}

		attempts := 0
		if email.Details != nil {
			if a, ok := email.Details["attempts"].(float64); ok {
				attempts = int(a)
			} else if a, ok := email.Details["attempts"].(int); ok {
				attempts = a
			}
		}
		attempts++

		if _, err := tx.InsertEvent(ctx, &domain.Event{
			EventType: "error",
			Source:    "pipeline",
			Payload:   map[string]any{"email_id": emailID, "timestamp": now, "step": step, "error": cause.Error(), "attempt": attempts, "kind": string(coreerr.Classify(cause))},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		if email.Details == nil {
			email.Details = map[string]any{}
		}
		email.Details["attempts"] = attempts
		email.Details["last_error_step"] = step

		switch {
		case !retryable && email.State.CanTransitionTo(domain.StateEscalated):
			email.State = domain.StateEscalated
			email.EscalationReason = "permanent_error"
			escalated = true
		case !retryable || attempts > maxRetries:
			if !email.State.CanTransitionTo(domain.StateFailed) {
				return fmt.Errorf("%w: email %d cannot move to FAILED", coreerr.ErrInvariantViolation, emailID)
			}
			email.State = domain.StateFailed
			exhausted = true
		default:
			email.Details["retry_not_before"] = now.Add(retryDelay).UnixMilli()
		}
		email.UpdatedAt = now
		return tx.UpdateEmail(ctx, email)
	})
	if txErr != nil {
		r.log.Error("failed to record step failure", txErr, obs.Fields{"email_id": emailID})
		return txErr
	}

	if escalated {
		r.log.Error("email escalated, non-retryable step failure", cause, obs.Fields{"email_id": emailID, "step": step})
		return fmt.Errorf("%w: %w: email %d escalated at step %s", errStepEscalated, coreerr.ErrPermanentExternal, emailID, step)
	}
	if exhausted {
		r.log.Error("email failed permanently", cause, obs.Fields{"email_id": emailID, "step": step})
		return fmt.Errorf("%w: email %d failed at step %s", coreerr.ErrPermanentExternal, emailID, step)
	}

	r.log.Warn("retrying email after step failure", obs.Fields{"email_id": emailID, "step": step, "retry_in": retryDelay.String(), "cause": cause.Error()})
	return nil
}
