package watchdog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoik/email-assistant/internal/calendar"
	"github.com/stoik/email-assistant/internal/domain"
	"github.com/stoik/email-assistant/internal/ports"
	"github.com/stoik/email-assistant/internal/settings"
	"github.com/stoik/email-assistant/internal/storage/sqlite"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestWatchdog(t *testing.T, seed map[string]string) (*Watchdog, ports.Store, *fakeClock) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "assistant.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Now().UTC()}
	reg := settings.New(store, clock)
	require.NoError(t, reg.InitializeDefaults(context.Background()))
	for k, v := range seed {
		require.NoError(t, reg.SetString(context.Background(), k, v))
	}

	cal := calendar.New(store, clock)
	wd := New(store, cal, nil, reg, clock, time.Hour)
	return wd, store, clock
}

func insertEvent(t *testing.T, store ports.Store, createdAt time.Time, processed bool) int64 {
	t.Helper()
	var id int64
	err := store.Transaction(context.Background(), func(tx ports.Tx) error {
		var err error
		id, err = tx.InsertEvent(context.Background(), &domain.Event{
			EventType: "email.classified",
			Source:    "test",
			Payload:   map[string]any{"timestamp": createdAt},
			Processed: processed,
			CreatedAt: createdAt,
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestWatchdog_RunOnceMarksSettledEventsProcessed(t *testing.T) {
	wd, store, clock := newTestWatchdog(t, nil)

	oldEventID := insertEvent(t, store, clock.now.Add(-time.Hour), false)
	freshEventID := insertEvent(t, store, clock.now, false)

	wd.RunOnce(context.Background())

	var old, fresh *domain.Event
	err := store.Transaction(context.Background(), func(tx ports.Tx) error {
		events, err := tx.ListEventsByTypeInWindow(context.Background(), "email.classified", clock.now.Add(-2*time.Hour), clock.now.Add(time.Hour))
		if err != nil {
			return err
		}
		for i := range events {
			switch events[i].ID {
			case oldEventID:
				old = &events[i]
			case freshEventID:
				fresh = &events[i]
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, old)
	require.NotNil(t, fresh)
	assert.True(t, old.Processed, "an event older than the settle window must be marked processed")
	assert.False(t, fresh.Processed, "an event still inside the settle window must not be marked processed yet, to avoid racing its own tick")
}

func TestWatchdog_RunOncePrunesProcessedEventsPastRetention(t *testing.T) {
	wd, store, clock := newTestWatchdog(t, map[string]string{
		"audit_retention_days": "1",
	})

	expiredID := insertEvent(t, store, clock.now.Add(-48*time.Hour), true)
	keptID := insertEvent(t, store, clock.now.Add(-2*time.Hour), true)

	wd.RunOnce(context.Background())

	var remaining []domain.Event
	err := store.Transaction(context.Background(), func(tx ports.Tx) error {
		var err error
		remaining, err = tx.ListEventsByTypeInWindow(context.Background(), "email.classified", clock.now.Add(-72*time.Hour), clock.now.Add(time.Hour))
		return err
	})
	require.NoError(t, err)

	var remainingIDs []int64
	for _, ev := range remaining {
		remainingIDs = append(remainingIDs, ev.ID)
	}
	assert.NotContains(t, remainingIDs, expiredID, "a processed event past audit_retention_days must be pruned")
	assert.Contains(t, remainingIDs, keptID, "a processed event still within audit_retention_days must survive")
}

func TestWatchdog_RunOnceRecordsHeartbeat(t *testing.T) {
	wd, store, clock := newTestWatchdog(t, nil)

	wd.RunOnce(context.Background())

	var count int
	err := store.Transaction(context.Background(), func(tx ports.Tx) error {
		var err error
		count, err = tx.CountEventsByTypeInWindow(context.Background(), "watchdog.tick", clock.now.Add(-time.Minute), clock.now.Add(time.Minute))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
