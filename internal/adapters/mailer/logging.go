// Package mailer implements the ports.MailSender contract. LoggingSender
// writes the outbound message to the log instead of an SMTP/API call, so
// `cmd/assistant dev` can run the whole pipeline without a live mail
// dependency configured.
package mailer

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/stoik/email-assistant/internal/ports"
)

// LoggingSender sends by logging, and is idempotent by correlationID: a
// correlationID already seen is reported as already-sent without
// re-logging, since the Mail adapter contract requires idempotency be
// handled by the adapter, not its callers.
type LoggingSender struct {
	mu   sync.Mutex
	seen map[string]string
}

// New creates a LoggingSender.
func New() *LoggingSender {
	return &LoggingSender{seen: make(map[string]string)}
}

// Send implements ports.MailSender.
func (s *LoggingSender) Send(ctx context.Context, to, subject, body, correlationID string) (ports.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if providerID, ok := s.seen[correlationID]; ok {
		return ports.SendResult{OK: true, ProviderID: providerID}, nil
	}

	// A real ESP assigns its own message id on every send attempt, distinct
	// from our correlationID (which stays fixed across retries so the
	// dedup map above, not this id, is what makes Send idempotent).
	providerID := uuid.NewString()
	log.Printf("[mailer] to=%s subject=%q correlation_id=%s provider_id=%s\n%s", to, subject, correlationID, providerID, body)
	s.seen[correlationID] = providerID
	return ports.SendResult{OK: true, ProviderID: providerID}, nil
}
