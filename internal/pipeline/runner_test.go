package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoik/email-assistant/internal/calendar"
	"github.com/stoik/email-assistant/internal/decider"
	"github.com/stoik/email-assistant/internal/domain"
	"github.com/stoik/email-assistant/internal/ports"
	"github.com/stoik/email-assistant/internal/settings"
	"github.com/stoik/email-assistant/internal/storage/sqlite"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeClassifier struct {
	class      string
	confidence float64
}

func (f fakeClassifier) Classify(ctx context.Context, text string) (ports.ClassifyResult, error) {
	return ports.ClassifyResult{Class: f.class, Confidence: f.confidence}, nil
}

type fakeTemplates struct{}

func (fakeTemplates) Render(templateID string, vars map[string]any, settings ports.SettingsSnapshot) (string, error) {
	return "rendered:" + templateID, nil
}

type fakeFailingTemplates struct{}

func (fakeFailingTemplates) Render(templateID string, vars map[string]any, settings ports.SettingsSnapshot) (string, error) {
	return "", fmt.Errorf("template %q is not registered", templateID)
}

type fakeMailer struct {
	mu      sync.Mutex
	sent    []string
	calls   int
	failing bool
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, body, correlationID string) (ports.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return ports.SendResult{OK: false}, nil
	}
	f.sent = append(f.sent, correlationID)
	return ports.SendResult{OK: true, ProviderID: "fake-" + correlationID}, nil
}

func newTestRunner(t *testing.T, classifier ports.Classifier, mailer ports.MailSender, seed map[string]string) (*Runner, ports.Store) {
	t.Helper()
	return newTestRunnerWithTemplates(t, classifier, mailer, fakeTemplates{}, seed)
}

func newTestRunnerWithTemplates(t *testing.T, classifier ports.Classifier, mailer ports.MailSender, templates ports.TemplateEngine, seed map[string]string) (*Runner, ports.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "assistant.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := fakeClock{now: time.Now().UTC()}
	reg := settings.New(store, clock)
	require.NoError(t, reg.InitializeDefaults(context.Background()))
	for k, v := range seed {
		require.NoError(t, reg.SetString(context.Background(), k, v))
	}

	runner := New(Deps{
		Store:      store,
		Settings:   reg,
		Classifier: classifier,
		Decider:    decider.New(store, reg, clock),
		Calendar:   calendar.New(store, clock),
		Templates:  templates,
		Mailer:     mailer,
		Clock:      clock,
	})
	return runner, store
}

func insertIngestedEmail(t *testing.T, store ports.Store, messageID string) int64 {
	t.Helper()
	var id int64
	err := store.Transaction(context.Background(), func(tx ports.Tx) error {
		var err error
		id, err = tx.InsertEmail(context.Background(), &domain.Email{
			MessageID:  messageID,
			From:       "patient@example.com",
			Subject:    "Anfrage",
			BodyText:   "Ich haette gerne einen Termin.",
			ReceivedAt: time.Now().UTC(),
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestRunner_TickZeroBatchSizeIsNoOp(t *testing.T) {
	runner, store := newTestRunner(t, fakeClassifier{class: "termin_vorschlag", confidence: 0.99}, &fakeMailer{}, map[string]string{
		"max_emails_per_batch": "0",
	})
	insertIngestedEmail(t, store, "msg-noop")

	result, err := runner.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, result, "a batch size of zero must leave every count at zero")
}

func TestRunner_TickClassifiesDecidesAndSendsAutoApproved(t *testing.T) {
	mailer := &fakeMailer{}
	runner, store := newTestRunner(t, fakeClassifier{class: "termin_vorschlag", confidence: 0.99}, mailer, map[string]string{
		"require_manual_approval": "false",
		"auto_send_enabled":       "true",
		"max_emails_per_batch":    "10",
	})
	emailID := insertIngestedEmail(t, store, "msg-autosend")

	result, err := runner.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Classified)
	// The same tick goes on to decide and send the now-classified email.
	assert.Equal(t, 1, result.Decided)
	assert.Equal(t, 1, result.Sent)

	// A second tick finds the email already SENT and sends nothing more.
	_, err = runner.Tick(context.Background())
	require.NoError(t, err)

	var email *domain.Email
	err = store.Transaction(context.Background(), func(tx ports.Tx) error {
		var err error
		email, err = tx.GetEmail(context.Background(), emailID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, email.State)
	assert.Len(t, mailer.sent, 1)
}

func TestRunner_TickEscalatesWhenManualApprovalRequired(t *testing.T) {
	runner, store := newTestRunner(t, fakeClassifier{class: "faq", confidence: 0.99}, &fakeMailer{}, map[string]string{
		"require_manual_approval": "true",
		"max_emails_per_batch":    "10",
	})
	emailID := insertIngestedEmail(t, store, "msg-escalate")

	// One tick classifies the email and then decides it.
	result, err := runner.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Escalated)
	_, err = runner.Tick(context.Background())
	require.NoError(t, err)

	var email *domain.Email
	err = store.Transaction(context.Background(), func(tx ports.Tx) error {
		var err error
		email, err = tx.GetEmail(context.Background(), emailID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateEscalated, email.State)
}

func TestRunner_RetriesOnSendFailureThenFails(t *testing.T) {
	mailer := &fakeMailer{failing: true}
	runner, store := newTestRunner(t, fakeClassifier{class: "termin_vorschlag", confidence: 0.99}, mailer, map[string]string{
		"require_manual_approval": "false",
		"auto_send_enabled":       "true",
		"max_emails_per_batch":    "10",
		"max_retries":             "2",
		"retry_delay_minutes":     "0",
	})
	emailID := insertIngestedEmail(t, store, "msg-retry")

	_, err := runner.Tick(context.Background())
	require.NoError(t, err)

	// Three decide+draft passes exhaust max_retries=2 and move the email to FAILED.
	for i := 0; i < 3; i++ {
		result, tickErr := runner.Tick(context.Background())
		require.NoError(t, tickErr)
		if result.Failed > 0 {
			break
		}
	}

	var email *domain.Email
	err = store.Transaction(context.Background(), func(tx ports.Tx) error {
		var err error
		email, err = tx.GetEmail(context.Background(), emailID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, email.State)
}

func TestRunner_PermanentTemplateErrorEscalatesWithoutRetrying(t *testing.T) {
	mailer := &fakeMailer{}
	runner, store := newTestRunnerWithTemplates(t, fakeClassifier{class: "termin_vorschlag", confidence: 0.99}, mailer, fakeFailingTemplates{}, map[string]string{
		"require_manual_approval": "false",
		"auto_send_enabled":       "true",
		"max_emails_per_batch":    "10",
		"max_retries":             "5",
		"retry_delay_minutes":     "15",
	})
	emailID := insertIngestedEmail(t, store, "msg-bad-template")

	// A single pass must escalate immediately: an unknown-template render
	// failure is permanent, not transient, so it must never be queued
	// behind retry_delay_minutes or counted toward max_retries.
	result, err := runner.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Escalated)
	assert.Equal(t, 0, result.Retried)

	// A later pass finds nothing left to retry or send.
	_, err = runner.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, mailer.calls, "the mailer must never be called when rendering failed")

	var email *domain.Email
	err = store.Transaction(context.Background(), func(tx ports.Tx) error {
		var err error
		email, err = tx.GetEmail(context.Background(), emailID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateEscalated, email.State)
	assert.Equal(t, "permanent_error", email.EscalationReason)
}
