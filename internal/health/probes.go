// Package health implements the Health Probes: read-only
// checks for store reachability, filesystem writeability, configuration
// completeness, and classifier reachability.
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/stoik/email-assistant/internal/ports"
)

// Status is a probe's traffic-light verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusUnhealthy Status = "unhealthy"
)

// Result is one probe's outcome.
type Result struct {
	Name       string
	Status     Status
	Message    string
	Details    map[string]any
	DurationMS int64
}

// Probe is a single read-only health check.
type Probe interface {
	Name() string
	Check(ctx context.Context) Result
}

func timed(name string, fn func() (Status, string, map[string]any)) Result {
	start := time.Now()
	status, message, details := fn()
	return Result{
		Name:       name,
		Status:     status,
		Message:    message,
		Details:    details,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// StoreProbe checks the store is reachable via a trivial transaction.
type StoreProbe struct {
	Store ports.Store
}

func (p StoreProbe) Name() string { return "store-ping" }

func (p StoreProbe) Check(ctx context.Context) Result {
	return timed(p.Name(), func() (Status, string, map[string]any) {
		err := p.Store.Transaction(ctx, func(tx ports.Tx) error {
			_, _, err := tx.GetSetting(ctx, "auto_send_enabled")
			return err
		})
		if err != nil {
			return StatusUnhealthy, fmt.Sprintf("store unreachable: %v", err), nil
		}
		return StatusHealthy, "store reachable", nil
	})
}

// FilesystemProbe verifies the directory beside the store file is writable
// by creating, reading, and deleting a probe file.
type FilesystemProbe struct {
	Dir string
}

func (p FilesystemProbe) Name() string { return "filesystem-writeability" }

func (p FilesystemProbe) Check(ctx context.Context) Result {
	return timed(p.Name(), func() (Status, string, map[string]any) {
		probePath := filepath.Join(p.Dir, ".health-probe")
		if err := os.WriteFile(probePath, []byte("ok"), 0o600); err != nil {
			return StatusUnhealthy, fmt.Sprintf("cannot write probe file: %v", err), nil
		}
		defer os.Remove(probePath)

		data, err := os.ReadFile(probePath)
		if err != nil || string(data) != "ok" {
			return StatusUnhealthy, "probe file readback mismatch", nil
		}
		return StatusHealthy, "filesystem writable", nil
	})
}

// EnvironmentProbe checks that required configuration keys are present
// given the feature toggles that are enabled.
type EnvironmentProbe struct {
	RequiredKeys []string
	Lookup       func(key string) (string, bool)
}

func (p EnvironmentProbe) Name() string { return "environment-completeness" }

func (p EnvironmentProbe) Check(ctx context.Context) Result {
	return timed(p.Name(), func() (Status, string, map[string]any) {
		var missing []string
		for _, key := range p.RequiredKeys {
			if _, ok := p.Lookup(key); !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return StatusUnhealthy, fmt.Sprintf("missing required config: %v", missing), map[string]any{"missing": missing}
		}
		return StatusHealthy, "configuration complete", nil
	})
}

// ClassifierProbe performs a short-timeout HTTP GET against the
// classifier's health endpoint. A timeout is a warning, not unhealthy,
// because the AI classifier is optional.
type ClassifierProbe struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (p ClassifierProbe) Name() string { return "classifier-reachability" }

func (p ClassifierProbe) Check(ctx context.Context) Result {
	return timed(p.Name(), func() (Status, string, map[string]any) {
		if p.URL == "" {
			return StatusWarning, "no classifier endpoint configured", nil
		}

		timeout := p.Timeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		client := p.Client
		if client == nil {
			client = http.DefaultClient
		}

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.URL, nil)
		if err != nil {
			return StatusWarning, fmt.Sprintf("cannot build request: %v", err), nil
		}

		resp, err := client.Do(req)
		if err != nil {
			return StatusWarning, fmt.Sprintf("classifier unreachable (treated as optional): %v", err), nil
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return StatusWarning, fmt.Sprintf("classifier returned %d", resp.StatusCode), nil
		}
		return StatusHealthy, "classifier reachable", nil
	})
}

// Aggregate is the combined result of running every probe.
type Aggregate struct {
	Status  Status
	Results []Result
}

// RunAll executes every probe and aggregates: unhealthy iff any probe is
// unhealthy, warnings do not fail overall health.
func RunAll(ctx context.Context, probes []Probe) Aggregate {
	results := make([]Result, len(probes))
	overall := StatusHealthy

	for i, p := range probes {
		results[i] = p.Check(ctx)
		if results[i].Status == StatusUnhealthy {
			overall = StatusUnhealthy
		} else if results[i].Status == StatusWarning && overall != StatusUnhealthy {
			overall = StatusWarning
		}
	}

	return Aggregate{Status: overall, Results: results}
}
