// Package sqlite implements ports.Store over an embedded, single-file
// SQLite database, the durable transactional store. The pragma DSN
// (WAL journal mode, foreign keys enforced, synchronous=NORMAL, a
// memory-resident temp store, and a cache-size hint) plus a
// checkpoint-on-close keep a single writer durable without a separate
// database process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stoik/email-assistant/internal/domain"
	"github.com/stoik/email-assistant/internal/ports"
)

// Store is the embedded SQLite-backed implementation of ports.Store.
type Store struct {
	db *sql.DB
}

// Open creates the data directory if needed, opens the database at path
// with the durability pragmas, and runs pending migrations as a single
// transaction.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)&_pragma=cache_size(-64000)&_pragma=busy_timeout(5000)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows exactly one writer; a single connection serializes
	// every transaction in this process and avoids SQLITE_BUSY under our
	// own transaction discipline.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close checkpoints the WAL and closes the underlying connection.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Transaction runs fn inside a single ACID transaction; any error rolls
// it back.
func (s *Store) Transaction(ctx context.Context, fn func(tx ports.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	err = fn(&txImpl{tx: sqlTx})
	if err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txImpl implements ports.Tx over a single *sql.Tx.
type txImpl struct {
	tx *sql.Tx
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- Emails -----------------------------------------------------------

func (t *txImpl) InsertEmail(ctx context.Context, e *domain.Email) (int64, error) {
	flagsJSON, err := marshalJSON(e.Flags)
	if err != nil {
		return 0, fmt.Errorf("marshal flags: %w", err)
	}
	detailsJSON, err := marshalJSON(e.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal details: %w", err)
	}
	if e.State == "" {
		e.State = domain.StateIngested
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO emails (message_id, account, sender, subject, body_text, received_at, text_hash,
			state, classification, confidence, flags, details, escalation_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.MessageID, e.Account, e.From, e.Subject, e.BodyText, unixMillis(e.ReceivedAt), nullableText(e.TextHash),
		string(e.State), e.Classification, e.Confidence, flagsJSON, detailsJSON, e.EscalationReason,
		unixMillis(e.CreatedAt), unixMillis(e.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert email: %w", err)
	}
	return res.LastInsertId()
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanEmail(row interface{ Scan(...any) error }) (*domain.Email, error) {
	var e domain.Email
	var receivedAt, createdAt, updatedAt int64
	var textHash sql.NullString
	var confidence sql.NullFloat64
	var flagsJSON, detailsJSON string
	var state string

	err := row.Scan(
		&e.ID, &e.MessageID, &e.Account, &e.From, &e.Subject, &e.BodyText, &receivedAt, &textHash,
		&state, &e.Classification, &confidence, &flagsJSON, &detailsJSON, &e.EscalationReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ReceivedAt = fromUnixMillis(receivedAt)
	e.CreatedAt = fromUnixMillis(createdAt)
	e.UpdatedAt = fromUnixMillis(updatedAt)
	e.State = domain.EmailState(state)
	if textHash.Valid {
		e.TextHash = textHash.String
	}
	if confidence.Valid {
		e.Confidence = &confidence.Float64
	}
	_ = json.Unmarshal([]byte(flagsJSON), &e.Flags)
	_ = json.Unmarshal([]byte(detailsJSON), &e.Details)

	return &e, nil
}

const emailColumns = `id, message_id, account, sender, subject, body_text, received_at, text_hash,
	state, classification, confidence, flags, details, escalation_reason, created_at, updated_at`

func (t *txImpl) GetEmail(ctx context.Context, id int64) (*domain.Email, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id)
	email, err := scanEmail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get email: %w", err)
	}
	return email, nil
}

func (t *txImpl) FindEmailByMessageID(ctx context.Context, messageID string) (*domain.Email, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE message_id = ?`, messageID)
	email, err := scanEmail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find email by message id: %w", err)
	}
	return email, nil
}

func (t *txImpl) FindEmailByTextHash(ctx context.Context, textHash string) (*domain.Email, error) {
	if textHash == "" {
		return nil, nil
	}
	row := t.tx.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE text_hash = ?`, textHash)
	email, err := scanEmail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find email by text hash: %w", err)
	}
	return email, nil
}

func (t *txImpl) ListEmailsByState(ctx context.Context, state domain.EmailState, limit int) ([]domain.Email, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE state = ? ORDER BY received_at ASC LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list emails by state: %w", err)
	}
	defer rows.Close()

	var emails []domain.Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		emails = append(emails, *email)
	}
	return emails, rows.Err()
}

func (t *txImpl) UpdateEmail(ctx context.Context, e *domain.Email) error {
	flagsJSON, err := marshalJSON(e.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	detailsJSON, err := marshalJSON(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE emails SET
			state = ?, classification = ?, confidence = ?, flags = ?, details = ?,
			escalation_reason = ?, text_hash = ?, updated_at = ?
		WHERE id = ?
	`,
		string(e.State), e.Classification, e.Confidence, flagsJSON, detailsJSON,
		e.EscalationReason, nullableText(e.TextHash), unixMillis(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update email: %w", err)
	}
	return nil
}

func (t *txImpl) TransitionEmail(ctx context.Context, id int64, next domain.EmailState) error {
	email, err := t.GetEmail(ctx, id)
	if err != nil {
		return err
	}
	if email == nil {
		return fmt.Errorf("email %d not found", id)
	}
	if !email.State.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition for email %d: %s -> %s", id, email.State, next)
	}
	email.State = next
	return t.UpdateEmail(ctx, email)
}

// --- Events -------------------------------------------------------------

func (t *txImpl) InsertEvent(ctx context.Context, ev *domain.Event) (int64, error) {
	payloadJSON, err := marshalJSON(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (event_type, source, payload, processed, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.EventType, ev.Source, payloadJSON, boolToInt(ev.Processed), unixMillis(createdAt))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanEvent(row interface{ Scan(...any) error }) (*domain.Event, error) {
	var ev domain.Event
	var payloadJSON string
	var processed int
	var createdAt int64

	if err := row.Scan(&ev.ID, &ev.EventType, &ev.Source, &payloadJSON, &processed, &createdAt); err != nil {
		return nil, err
	}
	ev.Processed = processed != 0
	ev.CreatedAt = fromUnixMillis(createdAt)
	_ = json.Unmarshal([]byte(payloadJSON), &ev.Payload)
	return &ev, nil
}

func (t *txImpl) CountEventsByTypeInWindow(ctx context.Context, eventType string, start, end time.Time) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE event_type = ? AND created_at >= ? AND created_at < ?
	`, eventType, unixMillis(start), unixMillis(end)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func (t *txImpl) ListEventsByTypeInWindow(ctx context.Context, eventType string, start, end time.Time) ([]domain.Event, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, event_type, source, payload, processed, created_at
		FROM events WHERE event_type = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC
	`, eventType, unixMillis(start), unixMillis(end))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// ListUnprocessedEventsBefore returns up to limit not-yet-processed events
// created before cutoff, oldest first, for the Watchdog's audit sweep: it
// only marks events processed once they've settled past cutoff, so it
// never races an event still being written by the same tick.
func (t *txImpl) ListUnprocessedEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Event, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, event_type, source, payload, processed, created_at
		FROM events WHERE processed = 0 AND created_at < ?
		ORDER BY created_at ASC LIMIT ?
	`, unixMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func (t *txImpl) MarkEventProcessed(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE events SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func (t *txImpl) PruneProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM events WHERE processed = 1 AND created_at < ?`, unixMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Calendar slots -------------------------------------------------------

func reservationToJSON(r *domain.Reservation) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func reservationFromJSON(raw sql.NullString) (*domain.Reservation, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var r domain.Reservation
	if err := json.Unmarshal([]byte(raw.String), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *txImpl) UpsertSlot(ctx context.Context, s *domain.CalendarSlot) (int64, error) {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO calendar_slots (calendar_id, start_time, end_time, is_available, reservation, created_at, updated_at)
		VALUES (?, ?, ?, 1, NULL, ?, ?)
		ON CONFLICT(calendar_id, start_time, end_time) DO UPDATE SET
			updated_at = excluded.updated_at
		WHERE calendar_slots.is_available = 1
	`, s.CalendarID, unixMillis(s.StartTime), unixMillis(s.EndTime), unixMillis(now), unixMillis(now))
	if err != nil {
		return 0, fmt.Errorf("upsert slot: %w", err)
	}

	var id int64
	err = t.tx.QueryRowContext(ctx, `
		SELECT id FROM calendar_slots WHERE calendar_id = ? AND start_time = ? AND end_time = ?
	`, s.CalendarID, unixMillis(s.StartTime), unixMillis(s.EndTime)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("read upserted slot id: %w", err)
	}
	_ = res
	return id, nil
}

const slotColumns = `id, calendar_id, start_time, end_time, is_available, reservation, created_at, updated_at`

func scanSlot(row interface{ Scan(...any) error }) (*domain.CalendarSlot, error) {
	var s domain.CalendarSlot
	var startTime, endTime, createdAt, updatedAt int64
	var isAvailable int
	var reservation sql.NullString

	err := row.Scan(&s.ID, &s.CalendarID, &startTime, &endTime, &isAvailable, &reservation, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.StartTime = fromUnixMillis(startTime)
	s.EndTime = fromUnixMillis(endTime)
	s.CreatedAt = fromUnixMillis(createdAt)
	s.UpdatedAt = fromUnixMillis(updatedAt)
	s.IsAvailable = isAvailable != 0

	res, err := reservationFromJSON(reservation)
	if err != nil {
		return nil, err
	}
	s.Reservation = res
	return &s, nil
}

func (t *txImpl) GetSlot(ctx context.Context, id int64) (*domain.CalendarSlot, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM calendar_slots WHERE id = ?`, id)
	slot, err := scanSlot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

func (t *txImpl) FindAvailableSlots(ctx context.Context, calendarID string, from, to time.Time) ([]domain.CalendarSlot, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+slotColumns+` FROM calendar_slots
		WHERE calendar_id = ? AND is_available = 1 AND start_time >= ? AND start_time <= ?
		ORDER BY start_time ASC
	`, calendarID, unixMillis(from), unixMillis(to))
	if err != nil {
		return nil, fmt.Errorf("find available slots: %w", err)
	}
	defer rows.Close()

	var slots []domain.CalendarSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, *s)
	}
	return slots, rows.Err()
}

// HoldSlot atomically transitions FREE -> HELD. The UPDATE's WHERE
// clause is the compare-and-set: only a row that is currently available
// gets updated, so RowsAffected == 1 iff this caller won the race.
func (t *txImpl) HoldSlot(ctx context.Context, slotID int64, emailID int64, expiresAt time.Time) (bool, error) {
	reservation, err := reservationToJSON(&domain.Reservation{
		Kind:      domain.ReservationHold,
		EmailID:   emailID,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return false, fmt.Errorf("marshal reservation: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE calendar_slots SET is_available = 0, reservation = ?, updated_at = ?
		WHERE id = ? AND is_available = 1
	`, reservation, unixMillis(time.Now().UTC()), slotID)
	if err != nil {
		return false, fmt.Errorf("hold slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ConfirmSlot transitions HELD -> CONFIRMED iff the current reservation
// is still a live hold (expires_at strictly after now); an expiry equal
// to now is treated as already expired.
func (t *txImpl) ConfirmSlot(ctx context.Context, slotID int64, now time.Time) (bool, error) {
	slot, err := t.GetSlot(ctx, slotID)
	if err != nil {
		return false, err
	}
	if slot == nil || slot.IsAvailable || slot.Reservation == nil || slot.Reservation.Kind != domain.ReservationHold {
		return false, nil
	}
	if !slot.Reservation.ExpiresAt.After(now) {
		return false, nil
	}

	reservation, err := reservationToJSON(&domain.Reservation{
		Kind:        domain.ReservationConfirmed,
		EmailID:     slot.Reservation.EmailID,
		ConfirmedAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("marshal reservation: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE calendar_slots SET reservation = ?, updated_at = ?
		WHERE id = ? AND is_available = 0
	`, reservation, unixMillis(now), slotID)
	if err != nil {
		return false, fmt.Errorf("confirm slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseExpiredHolds transitions HELD -> FREE for every slot whose
// stored expires_at is not after now; it never touches CONFIRMED rows
// because it only scans reservation blobs tagged "hold".
func (t *txImpl) ReleaseExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, reservation FROM calendar_slots WHERE is_available = 0 AND reservation IS NOT NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("scan held slots: %w", err)
	}

	type candidate struct {
		id int64
	}
	var expired []candidate
	for rows.Next() {
		var id int64
		var raw sql.NullString
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan held slot: %w", err)
		}
		res, err := reservationFromJSON(raw)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("parse reservation: %w", err)
		}
		if res != nil && res.Kind == domain.ReservationHold && !res.ExpiresAt.After(now) {
			expired = append(expired, candidate{id: id})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, c := range expired {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE calendar_slots SET is_available = 1, reservation = NULL, updated_at = ?
			WHERE id = ? AND is_available = 0
		`, unixMillis(now), c.id)
		if err != nil {
			return count, fmt.Errorf("release expired hold %d: %w", c.id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return count, err
		}
		count += int(n)
	}
	return count, nil
}

func (t *txImpl) SlotsForEmail(ctx context.Context, emailID int64) ([]domain.CalendarSlot, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+slotColumns+` FROM calendar_slots WHERE is_available = 0 AND reservation IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("scan slots for email: %w", err)
	}
	defer rows.Close()

	var slots []domain.CalendarSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		if s.Reservation != nil && s.Reservation.EmailID == emailID {
			slots = append(slots, *s)
		}
	}
	return slots, rows.Err()
}

func (t *txImpl) DeleteFreeSlotsInWindow(ctx context.Context, calendarID string, from, to time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM calendar_slots
		WHERE calendar_id = ? AND is_available = 1 AND start_time >= ? AND start_time <= ?
	`, calendarID, unixMillis(from), unixMillis(to))
	if err != nil {
		return fmt.Errorf("delete free slots in window: %w", err)
	}
	return nil
}

// --- Drafts ---------------------------------------------------------------

func (t *txImpl) InsertDraft(ctx context.Context, d *domain.Draft) (int64, error) {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO drafts (email_id, template_id, rendered_text, status, created_at, sent_at)
		VALUES (?, ?, ?, ?, ?, NULL)
	`, d.EmailID, d.TemplateID, d.RenderedText, string(d.Status), unixMillis(createdAt))
	if err != nil {
		return 0, fmt.Errorf("insert draft: %w", err)
	}
	return res.LastInsertId()
}

func (t *txImpl) LatestDraftForEmail(ctx context.Context, emailID int64) (*domain.Draft, error) {
	var d domain.Draft
	var createdAt int64
	var sentAt sql.NullInt64
	var status string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, email_id, template_id, rendered_text, status, created_at, sent_at
		FROM drafts WHERE email_id = ? ORDER BY created_at DESC LIMIT 1
	`, emailID).Scan(&d.ID, &d.EmailID, &d.TemplateID, &d.RenderedText, &status, &createdAt, &sentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest draft for email: %w", err)
	}
	d.Status = domain.DraftStatus(status)
	d.CreatedAt = fromUnixMillis(createdAt)
	if sentAt.Valid {
		t := fromUnixMillis(sentAt.Int64)
		d.SentAt = &t
	}
	return &d, nil
}

func (t *txImpl) UpdateDraftStatus(ctx context.Context, id int64, status domain.DraftStatus, sentAt *time.Time) error {
	var sentAtMillis any
	if sentAt != nil {
		sentAtMillis = unixMillis(*sentAt)
	}
	_, err := t.tx.ExecContext(ctx, `UPDATE drafts SET status = ?, sent_at = ? WHERE id = ?`, string(status), sentAtMillis, id)
	if err != nil {
		return fmt.Errorf("update draft status: %w", err)
	}
	return nil
}

// --- Settings ---------------------------------------------------------------

func (t *txImpl) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := t.tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	return value, true, nil
}

func (t *txImpl) SetSetting(ctx context.Context, key, value string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (t *txImpl) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}
