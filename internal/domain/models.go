// Package domain holds the core entities of the email assistant: the
// durable records that flow through the pipeline, the audit trail, and
// the calendar/draft/settings state that the components above operate on.
package domain

import "time"

// EmailState is the bounded state an Email moves through. Transitions only
// ever advance forward; see EmailState.CanTransitionTo.
type EmailState string

const (
	StateIngested   EmailState = "INGESTED"
	StateClassified EmailState = "CLASSIFIED"
	StateDecided    EmailState = "DECIDED"
	StateDrafted    EmailState = "DRAFTED"
	StateSent       EmailState = "SENT"
	StateEscalated  EmailState = "ESCALATED"
	StateFailed     EmailState = "FAILED"
)

// terminal reports whether a state has no outgoing edges.
func (s EmailState) terminal() bool {
	switch s {
	case StateSent, StateEscalated, StateFailed:
		return true
	default:
		return false
	}
}

// allowedEdges enumerates the forward-only state machine from
// INGESTED -> CLASSIFIED -> DECIDED -> (DRAFTED -> SENT) | ESCALATED,
// with FAILED reachable from any non-terminal state.
var allowedEdges = map[EmailState]map[EmailState]bool{
	StateIngested:   {StateClassified: true, StateFailed: true},
	StateClassified: {StateDecided: true, StateFailed: true},
	StateDecided:    {StateDrafted: true, StateEscalated: true, StateFailed: true},
	StateDrafted:    {StateSent: true, StateFailed: true},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
// Reverse or skipped transitions are rejected here before they ever
// reach the store.
func (s EmailState) CanTransitionTo(next EmailState) bool {
	if s.terminal() {
		return false
	}
	edges, ok := allowedEdges[s]
	if !ok {
		return false
	}
	return edges[next]
}

// Email is a single inbound message tracked by the core.
type Email struct {
	ID                int64
	MessageID         string
	Account           string
	From              string
	Subject           string
	BodyText          string
	ReceivedAt        time.Time
	TextHash          string // 32-byte hex (SHA-256), empty if unset
	State             EmailState
	Classification    string
	Confidence        *float64
	Flags             []string
	Details           map[string]any
	EscalationReason  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Event is an append-only audit record. Events are never mutated after
// insert except Processed, which flips false->true exactly once.
type Event struct {
	ID        int64
	EventType string
	Source    string
	Payload   map[string]any // always carries "timestamp"; "email_id" when applicable
	Processed bool
	CreatedAt time.Time
}

// ReservationKind tags the two live states a CalendarSlot reservation can
// be in. Modeled as a tagged union rather than a pointer back to Email;
// callers look slots up by EmailID value, they never chase a pointer
// from Slot to Email.
type ReservationKind string

const (
	ReservationHold      ReservationKind = "hold"
	ReservationConfirmed ReservationKind = "confirmed"
)

// Reservation is the {Hold{...} | Confirmed{...}} tagged variant embedded
// in a CalendarSlot. Exactly one of ExpiresAt/ConfirmedAt is meaningful,
// selected by Kind.
type Reservation struct {
	Kind        ReservationKind
	EmailID     int64
	ExpiresAt   time.Time // meaningful when Kind == ReservationHold
	ConfirmedAt time.Time // meaningful when Kind == ReservationConfirmed
}

// CalendarSlot is a bookable appointment window. IsAvailable and
// Reservation are mutually exclusive and jointly exhaustive.
type CalendarSlot struct {
	ID          int64
	CalendarID  string
	StartTime   time.Time
	EndTime     time.Time
	IsAvailable bool
	Reservation *Reservation // nil iff IsAvailable
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DraftStatus is the lifecycle of a rendered reply.
type DraftStatus string

const (
	DraftCreated DraftStatus = "created"
	DraftSent    DraftStatus = "sent"
	DraftFailed  DraftStatus = "failed"
)

// Draft is a rendered reply bound to an email; the unit of idempotent send.
type Draft struct {
	ID           int64
	EmailID      int64
	TemplateID   string
	RenderedText string
	Status       DraftStatus
	CreatedAt    time.Time
	SentAt       *time.Time
}

// Setting is one row of the key/value settings table; arrays/JSON values
// are encoded as text, decoded by the Settings Registry.
type Setting struct {
	Key   string
	Value string
}
