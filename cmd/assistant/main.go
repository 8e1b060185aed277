package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stoik/email-assistant/internal/adapters/classifier"
	"github.com/stoik/email-assistant/internal/adapters/mailer"
	"github.com/stoik/email-assistant/internal/adapters/template"
	"github.com/stoik/email-assistant/internal/calendar"
	"github.com/stoik/email-assistant/internal/config"
	"github.com/stoik/email-assistant/internal/decider"
	"github.com/stoik/email-assistant/internal/health"
	"github.com/stoik/email-assistant/internal/pipeline"
	"github.com/stoik/email-assistant/internal/ports"
	"github.com/stoik/email-assistant/internal/settings"
	"github.com/stoik/email-assistant/internal/storage/sqlite"
	"github.com/stoik/email-assistant/internal/watchdog"
)

func main() {
	log.Println("Starting Medical Practice Email Assistant...")

	if len(os.Args) < 2 {
		log.Fatalf("usage: assistant <dev|health>")
	}

	switch os.Args[1] {
	case "dev":
		runDev(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	default:
		log.Fatalf("unknown command %q (want dev or health)", os.Args[1])
	}
}

// runDev wires every adapter together (real sqlite store, a keyword-rule
// classifier, a logging mail sender, and the text/template engine) and
// runs the Pipeline Runner on a fixed interval alongside the Watchdog.
// Adapters are constructed here, in main, and injected into the service
// from the outermost layer.
func runDev(args []string) {
	fs := flag.NewFlagSet("dev", flag.ExitOnError)
	interval := fs.Duration("interval", 5*time.Second, "pipeline tick interval")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("loaded config: env=%s log_level=%s db_path=%s", cfg.Env, cfg.LogLevel, cfg.DBPath)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()
	log.Println("sqlite store opened and migrated")

	clock := ports.SystemClock{}
	reg := settings.New(store, clock)
	if err := reg.InitializeDefaults(context.Background()); err != nil {
		log.Fatalf("seed default settings: %v", err)
	}

	cal := calendar.New(store, clock)
	dec := decider.New(store, reg, clock)
	runner := pipeline.New(pipeline.Deps{
		Store:      store,
		Settings:   reg,
		Classifier: classifier.New(),
		Decider:    dec,
		Calendar:   cal,
		Templates:  template.New(),
		Mailer:     mailer.New(),
		Clock:      clock,
	})

	probes := buildProbes(store, cfg)
	wd := watchdog.New(store, cal, probes, reg, clock, watchdog.DefaultInterval)
	wd.Start(context.Background())
	defer wd.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	log.Printf("pipeline running, tick interval %s (ctrl-c to stop)", *interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("shutting down")
			return
		case <-ticker.C:
			result, err := runner.Tick(ctx)
			if err != nil {
				log.Printf("tick failed: %v", err)
				continue
			}
			if result != (pipeline.TickResult{}) {
				log.Printf("tick: classified=%d decided=%d sent=%d escalated=%d retried=%d failed=%d",
					result.Classified, result.Decided, result.Sent, result.Escalated, result.Retried, result.Failed)
			}
			printWindowStats(ctx, dec)
		}
	}
}

// printWindowStats prints a rolling-hour approval/escalation summary,
// the same staged "display summary" step every run of the dev loop ends
// with.
func printWindowStats(ctx context.Context, dec *decider.Decider) {
	now := time.Now()
	stats, err := dec.WindowStats(ctx, now.Add(-1*time.Hour), now)
	if err != nil {
		log.Printf("window stats: %v", err)
		return
	}
	if stats.Total == 0 {
		return
	}
	log.Printf("=== last hour: %d decisions, %.0f%% approved, %.0f%% escalated ===",
		stats.Total, stats.ApprovalRate*100, stats.EscalationRate*100)
}

// runHealth runs every probe once against the configured store and
// exits non-zero if the aggregate is unhealthy, for use in a container
// health check or a deploy smoke test.
func runHealth(args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	probes := buildProbes(store, cfg)
	aggregate := health.RunAll(context.Background(), probes)
	for _, r := range aggregate.Results {
		log.Printf("%-28s %-10s %s (%dms)", r.Name, r.Status, r.Message, r.DurationMS)
	}
	log.Printf("overall: %s", aggregate.Status)

	if aggregate.Status == health.StatusUnhealthy {
		os.Exit(1)
	}
}

func buildProbes(store ports.Store, cfg config.Config) []health.Probe {
	lookup := func(key string) (string, bool) {
		v, ok := os.LookupEnv(key)
		return v, ok
	}
	var required []string
	if cfg.GmailEnabled {
		required = append(required, "GMAIL_CREDENTIALS")
	}
	if cfg.OutlookEnabled {
		required = append(required, "OUTLOOK_CREDENTIALS")
	}

	return []health.Probe{
		health.StoreProbe{Store: store},
		health.FilesystemProbe{Dir: filepath.Dir(cfg.DBPath)},
		health.EnvironmentProbe{RequiredKeys: required, Lookup: lookup},
		health.ClassifierProbe{URL: cfg.OllamaURL, Timeout: 5 * time.Second},
	}
}
