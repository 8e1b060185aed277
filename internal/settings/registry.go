// Package settings implements the typed Settings Registry:
// a cached accessor over the key/value settings table with a per-key TTL
// and default seeding. Built once at startup and passed by constructor
// parameter; no package-level singleton.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/stoik/email-assistant/internal/ports"
)

// cacheTTL is the per-key cache lifetime.
const cacheTTL = 60 * time.Second

// Defaults enumerates every known setting and its default value.
var Defaults = map[string]string{
	"auto_send_enabled":              "false",
	"auto_send_confidence_threshold": "0.95",
	"score_gate_threshold":           "0.8", // reserved: no component reads or gates on it
	"working_hours_start":            "08:00",
	"working_hours_end":              "18:00",
	"working_days":                   "[1,2,3,4,5]",
	"hold_expiry_minutes":            "30",
	"max_holds_per_email":            "3",
	"require_manual_approval":        "true",
	"retry_delay_minutes":            "15",
	"max_retries":                    "3",
	"audit_retention_days":           "90",
	"practice_name":                  "Hausarztpraxis Musterstadt",
	"practice_phone":                 "+49 30 1234567",
}

type cacheEntry struct {
	value     string
	ok        bool
	expiresAt time.Time
}

// Registry is the typed, TTL-cached settings accessor.
type Registry struct {
	store ports.Store
	clock ports.Clock

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New creates a Registry backed by store, using clock for TTL bookkeeping.
func New(store ports.Store, clock ports.Clock) *Registry {
	return &Registry{
		store: store,
		clock: clock,
		cache: make(map[string]cacheEntry),
	}
}

// InitializeDefaults idempotently inserts any missing default key so
// that settings contain every known key after first startup.
func (r *Registry) InitializeDefaults(ctx context.Context) error {
	return r.store.Transaction(ctx, func(tx ports.Tx) error {
		existing, err := tx.ListSettings(ctx)
		if err != nil {
			return fmt.Errorf("list settings: %w", err)
		}
		for key, def := range Defaults {
			if _, ok := existing[key]; ok {
				continue
			}
			if err := tx.SetSetting(ctx, key, def); err != nil {
				return fmt.Errorf("seed default %q: %w", key, err)
			}
		}
		return nil
	})
}

// Reset rewrites every known key to its default value.
func (r *Registry) Reset(ctx context.Context) error {
	err := r.store.Transaction(ctx, func(tx ports.Tx) error {
		for key, def := range Defaults {
			if err := tx.SetSetting(ctx, key, def); err != nil {
				return fmt.Errorf("reset %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.ClearCache()
	return nil
}

// ClearCache drops every cached key.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

func (r *Registry) invalidate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
}

// raw returns the current stored value and whether it exists, consulting
// the TTL cache first. Reads are wait-free for cached keys.
func (r *Registry) raw(ctx context.Context, key string) (string, bool, error) {
	now := r.clock.Now()

	r.mu.RLock()
	entry, found := r.cache[key]
	r.mu.RUnlock()
	if found && now.Before(entry.expiresAt) {
		return entry.value, entry.ok, nil
	}

	var value string
	var ok bool
	err := r.store.Transaction(ctx, func(tx ports.Tx) error {
		v, exists, err := tx.GetSetting(ctx, key)
		if err != nil {
			return err
		}
		value, ok = v, exists
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("read setting %q: %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{value: value, ok: ok, expiresAt: now.Add(cacheTTL)}
	r.mu.Unlock()

	return value, ok, nil
}

func (r *Registry) set(ctx context.Context, key, value string) error {
	err := r.store.Transaction(ctx, func(tx ports.Tx) error {
		return tx.SetSetting(ctx, key, value)
	})
	if err != nil {
		return fmt.Errorf("write setting %q: %w", key, err)
	}
	// A write must invalidate the specific key before returning; we don't
	// rely on TTL to converge.
	r.invalidate(key)
	return nil
}

// GetBool returns the current bool value of key, or def if missing/unparsable.
func (r *Registry) GetBool(ctx context.Context, key string, def bool) bool {
	value, ok, err := r.raw(ctx, key)
	if err != nil || !ok {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

// SetBool persists a bool value and invalidates the cached key.
func (r *Registry) SetBool(ctx context.Context, key string, value bool) error {
	return r.set(ctx, key, strconv.FormatBool(value))
}

// GetNumber returns the current float64 value of key, or def if missing/unparsable.
func (r *Registry) GetNumber(ctx context.Context, key string, def float64) float64 {
	value, ok, err := r.raw(ctx, key)
	if err != nil || !ok {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// SetNumber persists a float64 value and invalidates the cached key.
func (r *Registry) SetNumber(ctx context.Context, key string, value float64) error {
	return r.set(ctx, key, strconv.FormatFloat(value, 'f', -1, 64))
}

// GetString returns the current string value of key, or def if missing.
func (r *Registry) GetString(ctx context.Context, key string, def string) string {
	value, ok, err := r.raw(ctx, key)
	if err != nil || !ok {
		return def
	}
	return value
}

// SetString persists a string value and invalidates the cached key.
func (r *Registry) SetString(ctx context.Context, key, value string) error {
	return r.set(ctx, key, value)
}

// GetJSON decodes the current value of key into out, or leaves out as def
// if missing/unparsable. out must be a pointer.
func (r *Registry) GetJSON(ctx context.Context, key string, def any, out any) error {
	value, ok, err := r.raw(ctx, key)
	if err != nil || !ok {
		return assignDefault(def, out)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return assignDefault(def, out)
	}
	return nil
}

// SetJSON encodes value as JSON text and persists it.
func (r *Registry) SetJSON(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %q: %w", key, err)
	}
	return r.set(ctx, key, string(encoded))
}

func assignDefault(def, out any) error {
	encoded, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, out)
}

// Snapshot reads every known setting into a flat map, for handing to pure
// functions like the Guard Policy that must not touch the store directly.
func (r *Registry) Snapshot(ctx context.Context) (ports.SettingsSnapshot, error) {
	snap := make(ports.SettingsSnapshot, len(Defaults))
	for key := range Defaults {
		value, ok, err := r.raw(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			snap[key] = value
		} else {
			snap[key] = Defaults[key]
		}
	}
	return snap, nil
}

// WorkingDays decodes the working_days setting into an ordered []int,
// defaulting to Mon-Fri.
func (r *Registry) WorkingDays(ctx context.Context) []int {
	var days []int
	if err := r.GetJSON(ctx, "working_days", []int{1, 2, 3, 4, 5}, &days); err != nil {
		return []int{1, 2, 3, 4, 5}
	}
	return days
}
