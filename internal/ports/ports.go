// Package ports defines the capability interfaces the core depends on
// but does not implement: the Store, the Classifier, the mail sender,
// the template engine, and the clock. A hexagonal split keeps every
// external collaborator small and single-purpose.
package ports

import (
	"context"
	"time"

	"github.com/stoik/email-assistant/internal/domain"
)

// Store is the persistence contract for every entity in the core plus
// transactional execution.
type Store interface {
	// Transaction runs fn inside a single ACID, serializable transaction.
	// Any error returned by fn rolls back the transaction.
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx is the set of operations available inside a Store.Transaction
// callback. Every mutating operation in the core runs through a Tx.
type Tx interface {
	// Emails
	InsertEmail(ctx context.Context, e *domain.Email) (int64, error)
	GetEmail(ctx context.Context, id int64) (*domain.Email, error)
	FindEmailByMessageID(ctx context.Context, messageID string) (*domain.Email, error)
	FindEmailByTextHash(ctx context.Context, textHash string) (*domain.Email, error)
	ListEmailsByState(ctx context.Context, state domain.EmailState, limit int) ([]domain.Email, error)
	UpdateEmail(ctx context.Context, e *domain.Email) error
	TransitionEmail(ctx context.Context, id int64, next domain.EmailState) error

	// Events
	InsertEvent(ctx context.Context, ev *domain.Event) (int64, error)
	CountEventsByTypeInWindow(ctx context.Context, eventType string, start, end time.Time) (int, error)
	ListEventsByTypeInWindow(ctx context.Context, eventType string, start, end time.Time) ([]domain.Event, error)
	ListUnprocessedEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Event, error)
	MarkEventProcessed(ctx context.Context, id int64) error
	PruneProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Calendar slots
	UpsertSlot(ctx context.Context, s *domain.CalendarSlot) (int64, error)
	GetSlot(ctx context.Context, id int64) (*domain.CalendarSlot, error)
	FindAvailableSlots(ctx context.Context, calendarID string, from, to time.Time) ([]domain.CalendarSlot, error)
	HoldSlot(ctx context.Context, slotID int64, emailID int64, expiresAt time.Time) (bool, error)
	ConfirmSlot(ctx context.Context, slotID int64, now time.Time) (bool, error)
	ReleaseExpiredHolds(ctx context.Context, now time.Time) (int, error)
	SlotsForEmail(ctx context.Context, emailID int64) ([]domain.CalendarSlot, error)
	DeleteFreeSlotsInWindow(ctx context.Context, calendarID string, from, to time.Time) error

	// Drafts
	InsertDraft(ctx context.Context, d *domain.Draft) (int64, error)
	UpdateDraftStatus(ctx context.Context, id int64, status domain.DraftStatus, sentAt *time.Time) error
	LatestDraftForEmail(ctx context.Context, emailID int64) (*domain.Draft, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// ClassifyResult is the Classifier Contract's output shape.
type ClassifyResult struct {
	Class      string
	Confidence float64
	Flags      []string
	Details    map[string]any
}

// Classifier is the external intent classifier. From the core's
// perspective it is a pure function: it must not perform side effects
// the core can observe.
type Classifier interface {
	Classify(ctx context.Context, text string) (ClassifyResult, error)
}

// SendResult is the outcome of a mail-sender call.
type SendResult struct {
	OK         bool
	ProviderID string
}

// MailSender is the outbound mail adapter. Must be idempotent by
// correlationID; a non-idempotent adapter must be wrapped by its
// implementation, not by callers.
type MailSender interface {
	Send(ctx context.Context, to, subject, body, correlationID string) (SendResult, error)
}

// SettingsSnapshot is the read-only settings view passed to the template
// engine and the Guard Policy so that both remain pure functions of
// their inputs.
type SettingsSnapshot map[string]string

// TemplateEngine renders a named template against vars and settings.
// Pure: render(template_id, vars, settings) -> string
type TemplateEngine interface {
	Render(templateID string, vars map[string]any, settings SettingsSnapshot) (string, error)
}

// Clock abstracts wall time so that Hold TTL expiry, working-hours
// checks, and event timestamps are deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
