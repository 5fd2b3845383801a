// cmd/autoseq/main.go
//
// The autoseq daemon: discovers completed sequencing runs and drives the
// configured analysis pipelines against them, forever, until signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/seqops/autoseq/internal/config"
	"github.com/seqops/autoseq/internal/discovery"
	"github.com/seqops/autoseq/internal/engine"
	"github.com/seqops/autoseq/internal/events"
	"github.com/seqops/autoseq/internal/launcher"
	"github.com/seqops/autoseq/internal/logging"
	"github.com/seqops/autoseq/internal/notify"
	"github.com/seqops/autoseq/internal/state"
)

func main() {
	configPath := flag.String("config", "", "path to the autoseq config file")
	once := flag.Bool("once", false, "run a single scan cycle and wait for dispatched pipelines")
	flag.Parse()

	if *configPath == "" {
		die("--config is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		die("load config: %v", err)
	}

	log, err := logging.New(cfg.LogFilePath())
	if err != nil {
		die("open log: %v", err)
	}
	defer log.Close()

	journal, err := events.NewJournal(cfg.EventJournalPath())
	if err != nil {
		die("open event journal: %v", err)
	}

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		die("open state store: %v", err)
	}

	scanner, err := discovery.NewScanner(cfg.RunDir, discovery.WithNewestFirst(cfg.ScanNewestFirst))
	if err != nil {
		die("create scanner: %v", err)
	}

	launch, err := launcher.New(store, cfg.AnalysisOutputDir, cfg.WorkDir, cfg.Executable)
	if err != nil {
		die("create launcher: %v", err)
	}

	var notifier notify.Notifier
	if cfg.Notifications.Enabled {
		notifier, err = notify.NewSMTPNotifier(
			cfg.Notifications.SMTPHost,
			cfg.Notifications.SMTPPort,
			cfg.Notifications.From,
			cfg.Notifications.Recipients,
		)
		if err != nil {
			die("create notifier: %v", err)
		}
	}

	eng, err := engine.New(engine.Options{
		Scanner:    scanner,
		Store:      store,
		Graph:      cfg.Graph(),
		Dispatcher: engine.LauncherDispatcher{Launcher: launch},
		Notifier:   notify.NewAdapter(notifier, log),
		Exclusions: func() (discovery.ExclusionSet, error) {
			return discovery.LoadExclusions(cfg.ExcludedRunsList)
		},
		Journal:  journal,
		Log:      log,
		Interval: cfg.ScanInterval(),
	})
	if err != nil {
		die("create engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("autoseq started: run_dir=%s pipelines=%d interval=%s", cfg.RunDir, cfg.Graph().Len(), cfg.ScanInterval())
	if *once {
		if err := runOnce(eng); err != nil {
			die("scan cycle: %v", err)
		}
		return
	}
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		die("engine: %v", err)
	}
	log.Printf("autoseq stopped")
}

// runOnce performs a single cycle and blocks until every dispatched
// pipeline reaches a terminal state.
func runOnce(eng *engine.Engine) error {
	if err := eng.Recover(); err != nil {
		return err
	}
	eng.Tick()
	eng.Drain()
	return nil
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "autoseq: "+format+"\n", args...)
	os.Exit(1)
}
