// nostrweetd is a unidirectional bridge daemon: it watches a configured set
// of upstream microblog authors and republishes their posts as signed Nostr
// events, offloading media to Blossom blob servers when configured.
//
// Usage:
//
//	export TWITTER_BEARER_TOKEN=<bearer token>
//	./nostrweetd --user alice --user bob --relay wss://relay.example --data-dir ./data
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/nostrweet/bridge/internal/cachestore"
	"github.com/nostrweet/bridge/internal/config"
	"github.com/nostrweet/bridge/internal/ratelimit"
	"github.com/nostrweet/bridge/internal/relay"
	"github.com/nostrweet/bridge/internal/scheduler"
	"github.com/nostrweet/bridge/internal/signer"
	"github.com/nostrweet/bridge/internal/twitter"
	"github.com/nostrweet/bridge/internal/worker"
)

// Exit codes per the daemon's startup contract: 0 normal, 1 configuration
// error, 2 upstream authentication failure for every configured author, 3
// I/O failure (cache directory, key material) at startup.
const (
	exitOK = iota
	exitConfig
	exitAuth
	exitIO
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(exitConfig)
	}

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	} else if cfg.LogLevel == "warn" {
		logLevel = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting nostrweetd",
		"users", len(cfg.Users), "relays", len(cfg.Relays), "poll_interval", cfg.PollInterval)

	store, err := cachestore.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open cache-as-state data directory", "error", err, "data_dir", cfg.DataDir)
		os.Exit(exitIO)
	}

	sig, err := signer.LoadOrCreate(cfg.PrivateKeyHex, cfg.Mnemonic, cfg.DataDir)
	if err != nil {
		slog.Error("failed to load or create signing key", "error", err)
		os.Exit(exitIO)
	}
	masterNpub, err := nip19.EncodePublicKey(sig.MasterPublicKey())
	if err != nil {
		masterNpub = sig.MasterPublicKey() // fall back to hex if encoding fails
	}
	slog.Info("signer ready", "master_npub", masterNpub)
	for _, handle := range cfg.Users {
		if pub, err := sig.PublicKey(handle); err == nil {
			if npub, err := nip19.EncodePublicKey(pub); err == nil {
				slog.Info("author identity derived", "handle", handle, "npub", npub)
			}
		}
	}

	relay.SetCircuitBreakerThreshold(cfg.RelayCBThreshold)
	publisher := relay.NewPublisher(cfg.Relays)

	client := twitter.NewClient(cfg.BearerToken)

	// Probe the upstream once before starting any workers: an invalid or
	// expired bearer token would quarantine every author anyway, so fail
	// fast with the dedicated exit code instead.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	_, probeErr := client.Profile(probeCtx, cfg.Users[0])
	probeCancel()
	if probeErr != nil && twitter.Classify(probeErr) == twitter.KindPermanentAuth {
		slog.Error("upstream rejected the bearer token", "error", probeErr)
		os.Exit(exitAuth)
	}

	// One sliding-window limiter for the upstream user-timeline endpoint
	// family, shared across all per-author workers so the aggregate call
	// rate stays bounded regardless of how many authors are configured.
	// Sized for the documented per-app user-timeline quota.
	timelineLimiter := ratelimit.New(15, 15*time.Minute)

	stats := &worker.Stats{}
	workers := make(map[string]*worker.Worker, len(cfg.Users))
	for _, handle := range cfg.Users {
		workers[handle] = &worker.Worker{
			Handle:         handle,
			Client:         client,
			Store:          store,
			RateLimiter:    timelineLimiter,
			Signer:         sig,
			Publisher:      publisher,
			BlossomServers: cfg.BlossomServers,
			Relays:         cfg.Relays,
			Stats:          stats,
		}
	}

	sched := scheduler.New(workers, cfg.PollInterval, cfg.MaxConcurrent)
	sched.Counters = stats
	sched.AckSource = publisher

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched.Start(ctx) // blocks until ctx is cancelled

	slog.Info("nostrweetd stopped")
	os.Exit(exitOK)
}
