// Command monitor tails a coding-assistant's session journals, extracts
// privacy-filtered telemetry, and streams signed batches to a vibetea
// server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vibetea/telemetry/internal/debounce"
	"github.com/vibetea/telemetry/internal/event"
	"github.com/vibetea/telemetry/internal/identity"
	"github.com/vibetea/telemetry/internal/monitorconfig"
	"github.com/vibetea/telemetry/internal/parser"
	"github.com/vibetea/telemetry/internal/persistence"
	"github.com/vibetea/telemetry/internal/privacy"
	"github.com/vibetea/telemetry/internal/sender"
	"github.com/vibetea/telemetry/internal/telemetrylog"
	"github.com/vibetea/telemetry/internal/watcher"
)

const (
	journalSuffix  = ".jsonl"
	debounceWindow = 250 * time.Millisecond
	shutdownGrace  = 5 * time.Second
	flushInterval  = 10 * time.Second
	requestFlushTimeout = 30 * time.Second
)

func main() {
	configPath := parseFlags(os.Args[1:])

	log := telemetrylog.New().WithComponent("monitor")

	var cfg *monitorconfig.Config
	var err error
	if configPath != "" {
		cfg, err = monitorconfig.LoadFile(configPath)
	} else {
		cfg, err = monitorconfig.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	privKeyPath := filepath.Join(cfg.KeyPath, "key.priv")
	id, err := identity.Load(cfg.SourceID, "VIBETEA_SIGNING_KEY_SEED", privKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading identity: %v\n", err)
		os.Exit(1)
	}
	log.Info("loaded identity", map[string]any{"source": id.Source, "fingerprint": id.Fingerprint()})

	privacyPipeline := privacy.NewPipeline(privacy.NewConfig(cfg.BasenameAllowlist))

	snd := sender.New(sender.Config{
		ServerURL:   cfg.ServerURL,
		BufferSize:  cfg.BufferSize,
		RetryPolicy: sender.DefaultRetryPolicy(),
	}, id, log.WithComponent("sender"))

	var batcher *persistence.Batcher
	if cfg.Persistence != nil {
		batcher = persistence.New(persistence.Config{
			SinkURL:    cfg.Persistence.SinkURL,
			RetryLimit: cfg.Persistence.RetryLimit,
			RetryDelay: time.Second,
		}, id, log.WithComponent("persistence"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if batcher != nil {
		interval := time.Duration(cfg.Persistence.IntervalSecs) * time.Second
		go batcher.RunTimer(ctx, interval)
	}

	var flushLoopDone sync.WaitGroup
	flushLoopDone.Add(1)
	go func() {
		defer flushLoopDone.Done()
		runSenderFlushLoop(ctx, snd, log)
	}()

	watchEvents := make(chan watcher.Event, cfg.BufferSize)
	w, err := watcher.New(cfg.ClaudeDir, journalSuffix, watchEvents, log.WithComponent("watcher"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting watcher: %v\n", err)
		os.Exit(1)
	}

	debouncer := debounce.New[string, watcher.Event](debounceWindow)

	// Lifecycle events (create/remove) bypass the debouncer; a single
	// processing goroutine owns the parser map, so no lock is needed.
	direct := make(chan watcher.Event, 64)
	go splitWatchEvents(watchEvents, debouncer, direct)
	go runPipeline(direct, debouncer.Out(), privacyPipeline, snd, batcher, id.Source, log)

	log.Info("monitor started", map[string]any{
		"server_url": cfg.ServerURL,
		"claude_dir": cfg.ClaudeDir,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received, draining", nil)

	cancel()
	_ = w.Close()
	debouncer.Close()
	// The periodic flush loop must have fully stopped before the final
	// drain, so only one goroutine is inside the sender at shutdown.
	flushLoopDone.Wait()

	unsent := snd.Shutdown(shutdownGrace)
	if unsent > 0 {
		log.Warn("shutdown: events left unsent", map[string]any{"count": unsent})
	}
	if batcher != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = batcher.Flush(flushCtx)
		flushCancel()
	}
	log.Info("shutdown complete", nil)
}

// splitWatchEvents routes LinesAdded through the debouncer, keyed by
// file path, and forwards lifecycle events for immediate processing.
func splitWatchEvents(
	in <-chan watcher.Event,
	deb *debounce.Debouncer[string, watcher.Event],
	direct chan<- watcher.Event,
) {
	defer close(direct)
	for ev := range in {
		if ev.Kind == watcher.LinesAdded {
			deb.Send(ev.Path, ev)
		} else {
			direct <- ev
		}
	}
}

// runPipeline is the single goroutine that owns the parser map. It
// merges immediate lifecycle events with debounced line batches.
func runPipeline(
	direct <-chan watcher.Event,
	debounced <-chan watcher.Event,
	pipeline *privacy.Pipeline,
	snd *sender.Sender,
	batcher *persistence.Batcher,
	source string,
	log *telemetrylog.Logger,
) {
	parsers := make(map[string]*parser.SessionParser)
	for direct != nil || debounced != nil {
		select {
		case ev, ok := <-direct:
			if !ok {
				direct = nil
				continue
			}
			processWatcherEvent(ev, parsers, pipeline, snd, batcher, source, log)
		case ev, ok := <-debounced:
			if !ok {
				debounced = nil
				continue
			}
			processWatcherEvent(ev, parsers, pipeline, snd, batcher, source, log)
		}
	}
}

func processWatcherEvent(
	ev watcher.Event,
	parsers map[string]*parser.SessionParser,
	pipeline *privacy.Pipeline,
	snd *sender.Sender,
	batcher *persistence.Batcher,
	source string,
	log *telemetrylog.Logger,
) {
	p, ok := parsers[ev.Path]
	if !ok {
		np, err := parser.FromPath(ev.Path)
		if err != nil {
			log.Warn("skipping unparseable journal path", map[string]any{"path": ev.Path, "error": err.Error()})
			return
		}
		p = np
		parsers[ev.Path] = p
	}

	if ev.Kind == watcher.FileRemoved {
		delete(parsers, ev.Path)
		return
	}

	for _, line := range ev.Lines {
		events := p.ParseLine(line, func(msg string) { log.Warn(msg, map[string]any{"path": ev.Path}) })
		for _, raw := range events {
			sanitized := pipeline.Process(raw)
			dispatch(sanitized, snd, batcher, source)
		}

		if spawn := p.ExtractAgentSpawn(line, time.Now()); spawn != nil {
			dispatch(pipeline.Process(*spawn), snd, batcher, source)
		}
	}
}

func dispatch(ev event.Event, snd *sender.Sender, batcher *persistence.Batcher, source string) {
	ev.Source = source
	snd.Queue(ev)
	if batcher != nil && batcher.Queue(ev) {
		ctx, cancel := context.WithTimeout(context.Background(), requestFlushTimeout)
		_ = batcher.FlushWithRetry(ctx)
		cancel()
	}
}

// runSenderFlushLoop periodically flushes the sender's buffer to the
// server; Queue only accumulates events, it never sends them.
func runSenderFlushLoop(ctx context.Context, snd *sender.Sender, log *telemetrylog.Logger) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, requestFlushTimeout)
			if err := snd.Flush(flushCtx); err != nil {
				log.Warn("periodic sender flush failed", map[string]any{"error": err.Error()})
			}
			cancel()
		}
	}
}

func parseFlags(args []string) (configPath string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case (arg == "--config" || arg == "-c") && i+1 < len(args):
			i++
			configPath = args[i]
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		}
	}
	return configPath
}
