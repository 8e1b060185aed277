// Package calendar implements the Calendar Coordinator: a
// three-state slot protocol (FREE, HELD, CONFIRMED) with compare-and-set
// holds, confirmation, and expiry release, each running inside a single
// store transaction.
package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/stoik/email-assistant/internal/domain"
	"github.com/stoik/email-assistant/internal/ports"
)

// Coordinator owns every CalendarSlot row; only it may flip IsAvailable
// or set Reservation.
type Coordinator struct {
	store ports.Store
	clock ports.Clock
}

// New creates a Coordinator backed by store, using clock for TTL math.
func New(store ports.Store, clock ports.Clock) *Coordinator {
	return &Coordinator{store: store, clock: clock}
}

// SlotInput describes a slot to create or update via CreateOrUpdateSlot.
type SlotInput struct {
	CalendarID string
	StartTime  time.Time
	EndTime    time.Time
}

// CreateOrUpdateSlot upserts by (calendar_id, start, end); a slot that is
// currently not available (held or confirmed) is left untouched.
func (c *Coordinator) CreateOrUpdateSlot(ctx context.Context, in SlotInput) (int64, error) {
	var id int64
	err := c.store.Transaction(ctx, func(tx ports.Tx) error {
		slotID, err := tx.UpsertSlot(ctx, &domain.CalendarSlot{
			CalendarID:  in.CalendarID,
			StartTime:   in.StartTime,
			EndTime:     in.EndTime,
			IsAvailable: true,
		})
		if err != nil {
			return fmt.Errorf("upsert slot: %w", err)
		}
		id = slotID
		return nil
	})
	return id, err
}

// FindAvailable returns available slots in [from,to], ordered by start
// ascending.
func (c *Coordinator) FindAvailable(ctx context.Context, calendarID string, from, to time.Time) ([]domain.CalendarSlot, error) {
	var slots []domain.CalendarSlot
	err := c.store.Transaction(ctx, func(tx ports.Tx) error {
		var err error
		slots, err = tx.FindAvailableSlots(ctx, calendarID, from, to)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find available slots: %w", err)
	}
	return slots, nil
}

// Hold atomically transitions a FREE slot to HELD with expiresAt = now +
// ttlMinutes, returning true iff the slot was FREE at commit time. The
// store's HoldSlot implements the compare-and-set; only the transaction
// that observes IsAvailable=true may move to HELD.
func (c *Coordinator) Hold(ctx context.Context, slotID int64, emailID int64, ttlMinutes float64) (bool, error) {
	expiresAt := c.clock.Now().Add(time.Duration(ttlMinutes * float64(time.Minute)))
	var held bool
	err := c.store.Transaction(ctx, func(tx ports.Tx) error {
		var err error
		held, err = tx.HoldSlot(ctx, slotID, emailID, expiresAt)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("hold slot %d: %w", slotID, err)
	}
	return held, nil
}

// HoldWithCap enforces max_holds_per_email: it counts emailID's live
// (unexpired) holds via SlotsForEmail and refuses to hold a new slot if
// the cap would be exceeded.
func (c *Coordinator) HoldWithCap(ctx context.Context, slotID, emailID int64, ttlMinutes float64, maxHolds int) (bool, error) {
	existing, err := c.SlotsForEmail(ctx, emailID)
	if err != nil {
		return false, err
	}
	activeHolds := 0
	now := c.clock.Now()
	for _, s := range existing {
		if !s.IsAvailable && s.Reservation != nil &&
			s.Reservation.Kind == domain.ReservationHold && s.Reservation.ExpiresAt.After(now) {
			activeHolds++
		}
	}
	if activeHolds >= maxHolds {
		return false, nil
	}
	return c.Hold(ctx, slotID, emailID, ttlMinutes)
}

// Confirm transitions HELD -> CONFIRMED iff the reservation is still a
// live hold (expiry not yet passed); otherwise returns false.
func (c *Coordinator) Confirm(ctx context.Context, slotID int64) (bool, error) {
	now := c.clock.Now()
	var confirmed bool
	err := c.store.Transaction(ctx, func(tx ports.Tx) error {
		var err error
		confirmed, err = tx.ConfirmSlot(ctx, slotID, now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("confirm slot %d: %w", slotID, err)
	}
	return confirmed, nil
}

// ReleaseExpiredHolds transitions HELD->FREE for every slot whose
// expires_at is not after now (a hold expiring exactly now is released)
// and returns the count released. Idempotent: a second
// call with no intervening holds releases zero.
func (c *Coordinator) ReleaseExpiredHolds(ctx context.Context) (int, error) {
	now := c.clock.Now()
	var released int
	err := c.store.Transaction(ctx, func(tx ports.Tx) error {
		var err error
		released, err = tx.ReleaseExpiredHolds(ctx, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release expired holds: %w", err)
	}
	return released, nil
}

// SlotsForEmail looks up slots by embedded reservation reference.
func (c *Coordinator) SlotsForEmail(ctx context.Context, emailID int64) ([]domain.CalendarSlot, error) {
	var slots []domain.CalendarSlot
	err := c.store.Transaction(ctx, func(tx ports.Tx) error {
		var err error
		slots, err = tx.SlotsForEmail(ctx, emailID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("slots for email %d: %w", emailID, err)
	}
	return slots, nil
}

// SyncSlots deletes prior FREE/empty slots in the covered window and
// upserts the provided slots, never touching HELD or CONFIRMED rows.
func (c *Coordinator) SyncSlots(ctx context.Context, calendarID string, slots []SlotInput) error {
	if len(slots) == 0 {
		return nil
	}
	from, to := slots[0].StartTime, slots[0].EndTime
	for _, s := range slots {
		if s.StartTime.Before(from) {
			from = s.StartTime
		}
		if s.EndTime.After(to) {
			to = s.EndTime
		}
	}

	return c.store.Transaction(ctx, func(tx ports.Tx) error {
		if err := tx.DeleteFreeSlotsInWindow(ctx, calendarID, from, to); err != nil {
			return fmt.Errorf("delete free slots in window: %w", err)
		}
		for _, s := range slots {
			if _, err := tx.UpsertSlot(ctx, &domain.CalendarSlot{
				CalendarID:  calendarID,
				StartTime:   s.StartTime,
				EndTime:     s.EndTime,
				IsAvailable: true,
			}); err != nil {
				return fmt.Errorf("upsert slot in sync: %w", err)
			}
		}
		return nil
	})
}
