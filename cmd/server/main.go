// Command server accepts signed telemetry batches from monitors,
// broadcasts them to subscribed websocket clients, and exchanges
// IdP-validated bearer tokens for subscriber sessions.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vibetea/telemetry/internal/broadcast"
	"github.com/vibetea/telemetry/internal/durablesink"
	"github.com/vibetea/telemetry/internal/idp"
	"github.com/vibetea/telemetry/internal/ratelimit"
	"github.com/vibetea/telemetry/internal/serverconfig"
	"github.com/vibetea/telemetry/internal/serverhttp"
	"github.com/vibetea/telemetry/internal/session"
	"github.com/vibetea/telemetry/internal/telemetrylog"
	"github.com/vibetea/telemetry/internal/verifier"
)

const (
	rateLimitCleanupInterval = 30 * time.Second
	sessionCleanupInterval   = time.Minute
	keyRefreshInterval       = 10 * time.Minute
	startupFetchTimeout      = 30 * time.Second
	shutdownTimeout          = 10 * time.Second
)

func main() {
	keysFileFlag := parseFlags(os.Args[1:])

	log := telemetrylog.New().WithComponent("server")

	cfg, err := serverconfig.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if keysFileFlag != "" {
		cfg.KeysFilePath = keysFileFlag
	}

	publicKeys := cfg.PublicKeys
	if cfg.KeysFilePath != "" {
		fileKeys, err := serverconfig.LoadKeysFile(cfg.KeysFilePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading keys file: %v\n", err)
			os.Exit(1)
		}
		for source, key := range fileKeys {
			publicKeys[source] = key
		}
	}

	verifierDir := verifier.NewDirectory(publicKeys)
	limiter := ratelimit.New(cfg.RateLimitRate, cfg.RateLimitCapacity)
	hub := broadcast.New()
	sessions := session.New()

	var idpClient *idp.Client
	if !cfg.UnsafeNoAuth {
		idpClient = idp.New(cfg.IdPBaseURL, cfg.IdPAnonKey)

		fetchCtx, cancel := context.WithTimeout(context.Background(), startupFetchTimeout)
		entries, err := idpClient.FetchPublicKeysWithRetry(fetchCtx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error fetching public keys from IdP: %v\n", err)
			os.Exit(1)
		}
		fetched := make(map[string]string, len(entries))
		for _, e := range entries {
			fetched[e.SourceID] = e.PublicKey
		}
		for source, key := range publicKeys {
			fetched[source] = key
		}
		verifierDir.Replace(fetched)
		log.Info("fetched public keys from idp", map[string]any{"count": len(entries)})
	}

	var sink serverhttp.DurableSink
	if cfg.NATSUrl != "" {
		natsSink, err := durablesink.Connect(cfg.NATSUrl, cfg.NATSSubject)
		if err != nil {
			log.Warn("durable sink unavailable, continuing without it", map[string]any{"error": err.Error()})
		} else {
			sink = natsSink
			defer natsSink.Close()
		}
	}

	srv := serverhttp.New(serverhttp.Config{
		Verifier:        verifierDir,
		RateLimiter:     limiter,
		Hub:             hub,
		Sessions:        sessions,
		IdP:             idpClient,
		Sink:            sink,
		UnsafeNoAuth:    cfg.UnsafeNoAuth,
		SubscriberToken: cfg.SubscriberToken,
		Log:             log.WithComponent("http"),
	})

	stopCleanup := make(chan struct{})
	go limiter.RunCleanup(rateLimitCleanupInterval, stopCleanup)
	go sessions.RunCleanup(sessionCleanupInterval, stopCleanup)
	if idpClient != nil {
		go refreshKeysPeriodically(idpClient, verifierDir, publicKeys, log, stopCleanup)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", map[string]any{"port": cfg.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received", nil)
	case err := <-errCh:
		log.Error("server error, shutting down", map[string]any{"error": err.Error()})
	}

	close(stopCleanup)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown did not complete cleanly", map[string]any{"error": err.Error()})
	}
	log.Info("shutdown complete", nil)
}

// refreshKeysPeriodically re-fetches the IdP directory on an interval.
// Statically configured keys overlay the fetched set, same as at startup.
func refreshKeysPeriodically(client *idp.Client, dir *verifier.Directory, staticKeys map[string]string, log *telemetrylog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(keyRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), startupFetchTimeout)
			entries, err := client.FetchPublicKeysWithRetry(ctx)
			cancel()
			if err != nil {
				log.Warn("periodic key refresh failed, keeping existing directory", map[string]any{"error": err.Error()})
				continue
			}
			keys := make(map[string]string, len(entries)+len(staticKeys))
			for _, e := range entries {
				keys[e.SourceID] = e.PublicKey
			}
			for source, key := range staticKeys {
				keys[source] = key
			}
			dir.Replace(keys)
			log.Info("refreshed public key directory", map[string]any{"count": len(keys)})
		}
	}
}

func parseFlags(args []string) (keysFile string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case (arg == "--keys-file" || arg == "-k") && i+1 < len(args):
			i++
			keysFile = args[i]
		case strings.HasPrefix(arg, "--keys-file="):
			keysFile = strings.TrimPrefix(arg, "--keys-file=")
		}
	}
	return keysFile
}
