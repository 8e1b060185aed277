package calendar

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoik/email-assistant/internal/storage/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeClock) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "assistant.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := newFakeClock(time.Now().UTC())
	return New(store, clock), clock
}

func TestCoordinator_HoldConfirmReleaseLifecycle(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	slotID, err := coord.CreateOrUpdateSlot(ctx, SlotInput{
		CalendarID: "doctor-1",
		StartTime:  time.Now().UTC(),
		EndTime:    time.Now().UTC().Add(30 * time.Minute),
	})
	require.NoError(t, err)

	held, err := coord.Hold(ctx, slotID, 42, 30)
	require.NoError(t, err)
	assert.True(t, held)

	confirmed, err := coord.Confirm(ctx, slotID)
	require.NoError(t, err)
	assert.True(t, confirmed)

	secondConfirm, err := coord.Confirm(ctx, slotID)
	require.NoError(t, err)
	assert.False(t, secondConfirm, "confirming an already-confirmed slot must not succeed again")
}

func TestCoordinator_ConcurrentHoldsOnlyOneWins(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	slotID, err := coord.CreateOrUpdateSlot(ctx, SlotInput{
		CalendarID: "doctor-1",
		StartTime:  time.Now().UTC(),
		EndTime:    time.Now().UTC().Add(30 * time.Minute),
	})
	require.NoError(t, err)

	const attempts = 10
	var wins int64
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		emailID := int64(i + 1)
		go func() {
			defer wg.Done()
			held, err := coord.Hold(ctx, slotID, emailID, 30)
			assert.NoError(t, err)
			if held {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins, "exactly one concurrent hold attempt must win the slot")
}

func TestCoordinator_HoldThenAdvanceClockThenReleaseIsIdempotent(t *testing.T) {
	coord, clock := newTestCoordinator(t)
	ctx := context.Background()

	slotID, err := coord.CreateOrUpdateSlot(ctx, SlotInput{
		CalendarID: "doctor-1",
		StartTime:  time.Now().UTC(),
		EndTime:    time.Now().UTC().Add(30 * time.Minute),
	})
	require.NoError(t, err)

	held, err := coord.Hold(ctx, slotID, 1, 15)
	require.NoError(t, err)
	require.True(t, held)

	clock.Advance(16 * time.Minute)

	firstReleased, err := coord.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, firstReleased)

	secondReleased, err := coord.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, secondReleased)

	slots, err := coord.FindAvailable(ctx, "doctor-1", time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.True(t, slots[0].IsAvailable)
}

func TestCoordinator_HoldExpiryBoundaryIsExclusive(t *testing.T) {
	coord, clock := newTestCoordinator(t)
	ctx := context.Background()

	slotID, err := coord.CreateOrUpdateSlot(ctx, SlotInput{
		CalendarID: "doctor-1",
		StartTime:  time.Now().UTC(),
		EndTime:    time.Now().UTC().Add(30 * time.Minute),
	})
	require.NoError(t, err)

	held, err := coord.Hold(ctx, slotID, 1, 10)
	require.NoError(t, err)
	require.True(t, held)

	clock.Advance(10 * time.Minute)

	confirmed, err := coord.Confirm(ctx, slotID)
	require.NoError(t, err)
	assert.False(t, confirmed, "a hold expiring exactly now must be treated as expired")
}

func TestCoordinator_HoldWithCapRefusesBeyondLimit(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	var slotIDs []int64
	for i := 0; i < 3; i++ {
		id, err := coord.CreateOrUpdateSlot(ctx, SlotInput{
			CalendarID: "doctor-1",
			StartTime:  time.Now().UTC().Add(time.Duration(i) * time.Hour),
			EndTime:    time.Now().UTC().Add(time.Duration(i)*time.Hour + 30*time.Minute),
		})
		require.NoError(t, err)
		slotIDs = append(slotIDs, id)
	}

	const emailID = 99
	first, err := coord.HoldWithCap(ctx, slotIDs[0], emailID, 30, 2)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := coord.HoldWithCap(ctx, slotIDs[1], emailID, 30, 2)
	require.NoError(t, err)
	assert.True(t, second)

	third, err := coord.HoldWithCap(ctx, slotIDs[2], emailID, 30, 2)
	require.NoError(t, err)
	assert.False(t, third, "a third hold must be refused once the cap of 2 active holds is reached")
}

func TestCoordinator_SyncSlotsLeavesHeldSlotsUntouched(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	start := time.Now().UTC()
	slotID, err := coord.CreateOrUpdateSlot(ctx, SlotInput{
		CalendarID: "doctor-1",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
	})
	require.NoError(t, err)

	held, err := coord.Hold(ctx, slotID, 1, 30)
	require.NoError(t, err)
	require.True(t, held)

	err = coord.SyncSlots(ctx, "doctor-1", []SlotInput{
		{CalendarID: "doctor-1", StartTime: start, EndTime: start.Add(30 * time.Minute)},
		{CalendarID: "doctor-1", StartTime: start.Add(time.Hour), EndTime: start.Add(90 * time.Minute)},
	})
	require.NoError(t, err)

	slots, err := coord.SlotsForEmail(ctx, 1)
	require.NoError(t, err)
	require.Len(t, slots, 1, "the held slot must survive a sync over the same window")
	assert.Equal(t, slotID, slots[0].ID)
}
