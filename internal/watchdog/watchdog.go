// Package watchdog implements periodic housekeeping on a fixed cadence:
// it runs health probes, releases expired calendar holds, and appends a
// heartbeat event. Concurrent ticks are prevented by a single-flight
// guard; the Watchdog has exactly one caller path (its own ticker), so a
// plain atomic.Bool is enough. golang.org/x/sync/singleflight would be
// solving request-coalescing this component doesn't need.
package watchdog

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stoik/email-assistant/internal/calendar"
	"github.com/stoik/email-assistant/internal/domain"
	"github.com/stoik/email-assistant/internal/health"
	"github.com/stoik/email-assistant/internal/obs"
	"github.com/stoik/email-assistant/internal/ports"
	"github.com/stoik/email-assistant/internal/settings"
)

// DefaultInterval is the Watchdog's default cadence.
const DefaultInterval = 60 * time.Second

// auditSettleWindow is how long an event must sit unprocessed before the
// Watchdog will mark it processed. It keeps the audit sweep from racing
// an event inserted earlier in the same tick it is scanning.
const auditSettleWindow = 5 * time.Minute

// auditSweepBatch bounds how many events one tick marks processed, so a
// backlog built up while the Watchdog was stopped drains over several
// ticks instead of one long transaction.
const auditSweepBatch = 500

// Watchdog runs health probes and calendar cleanup on a fixed interval.
type Watchdog struct {
	store    ports.Store
	calendar *calendar.Coordinator
	probes   []health.Probe
	settings *settings.Registry
	clock    ports.Clock
	interval time.Duration

	running  atomic.Bool
	runCount atomic.Int64

	lastHealth atomic.Value // health.Aggregate

	stop chan struct{}
	done chan struct{}

	log *obs.Logger
}

// New creates a Watchdog. interval defaults to DefaultInterval if zero.
func New(store ports.Store, cal *calendar.Coordinator, probes []health.Probe, reg *settings.Registry, clock ports.Clock, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watchdog{
		store:    store,
		calendar: cal,
		probes:   probes,
		settings: reg,
		clock:    clock,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      obs.New("watchdog"),
	}
}

// Start runs the Watchdog loop until Stop is called or ctx is canceled.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and blocks until it has stopped cleanly.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

// LastHealth returns the most recently recorded aggregate health result.
func (w *Watchdog) LastHealth() (health.Aggregate, bool) {
	v := w.lastHealth.Load()
	if v == nil {
		return health.Aggregate{}, false
	}
	return v.(health.Aggregate), true
}

// tick runs one watchdog pass. The single-flight guard drops overlapping
// ticks rather than queuing them; a failure in one task does not abort
// the others running in the same tick.
func (w *Watchdog) tick(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	start := w.clock.Now()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		aggregate := health.RunAll(gctx, w.probes)
		w.lastHealth.Store(aggregate)
		if aggregate.Status == health.StatusUnhealthy {
			w.recordEvent(gctx, "health.check_failed", map[string]any{
				"timestamp": w.clock.Now(),
				"results":   aggregate.Results,
			})
		}
		return nil
	})

	g.Go(func() error {
		released, err := w.calendar.ReleaseExpiredHolds(gctx)
		if err != nil {
			w.log.Error("release expired holds failed", err, nil)
			return nil
		}
		if released > 0 {
			w.recordEvent(gctx, "calendar.holds_released", map[string]any{
				"timestamp": w.clock.Now(),
				"count":     released,
			})
		}
		return nil
	})

	g.Go(func() error {
		w.sweepAudit(gctx)
		return nil
	})

	_ = g.Wait()

	runCount := w.runCount.Add(1)
	duration := w.clock.Now().Sub(start)
	w.recordEvent(ctx, "watchdog.tick", map[string]any{
		"timestamp":   w.clock.Now(),
		"run_count":   runCount,
		"duration_ms": duration.Milliseconds(),
	})
}

// sweepAudit marks settled events processed and prunes events that have
// been processed for longer than audit_retention_days. Events are the
// durable audit trail, never a work queue another component consumes, so
// "processed" just means "old enough to count toward retention" rather
// than "acted upon".
func (w *Watchdog) sweepAudit(ctx context.Context) {
	now := w.clock.Now()

	marked := 0
	err := w.store.Transaction(ctx, func(tx ports.Tx) error {
		events, err := tx.ListUnprocessedEventsBefore(ctx, now.Add(-auditSettleWindow), auditSweepBatch)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := tx.MarkEventProcessed(ctx, ev.ID); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		w.log.Error("audit sweep: mark processed failed", err, nil)
		return
	}

	retentionDays := w.settings.GetNumber(ctx, "audit_retention_days", 90)
	cutoff := now.Add(-time.Duration(retentionDays * float64(24*time.Hour)))

	var pruned int
	err = w.store.Transaction(ctx, func(tx ports.Tx) error {
		var err error
		pruned, err = tx.PruneProcessedEventsBefore(ctx, cutoff)
		return err
	})
	if err != nil {
		w.log.Error("audit sweep: prune failed", err, nil)
		return
	}

	if marked > 0 || pruned > 0 {
		w.recordEvent(ctx, "watchdog.audit_swept", map[string]any{
			"timestamp": now,
			"marked":    marked,
			"pruned":    pruned,
		})
	}
}

func (w *Watchdog) recordEvent(ctx context.Context, eventType string, payload map[string]any) {
	err := w.store.Transaction(ctx, func(tx ports.Tx) error {
		_, err := tx.InsertEvent(ctx, &domain.Event{
			EventType: eventType,
			Source:    "watchdog",
			Payload:   payload,
			CreatedAt: w.clock.Now(),
		})
		return err
	})
	if err != nil {
		w.log.Error("failed to record event", err, obs.Fields{"event_type": eventType})
	}
}

// RunOnce runs a single tick synchronously, useful for the `dev` CLI
// command and for tests that don't want to wait on a ticker. It is a
// no-op if a tick is already running, same as the ticker-driven path.
func (w *Watchdog) RunOnce(ctx context.Context) {
	w.tick(ctx)
}
