// Package config loads the daemon's runtime configuration from CLI flags
// and environment variables.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for one daemon run.
type Config struct {
	Users          []string // --user, 1..n
	Relays         []string // --relay, 1..n
	BlossomServers []string // --blossom-server, 0..n

	PollInterval  time.Duration // --poll-interval, default 300s
	MaxConcurrent int           // --max-concurrent, default 3
	DataDir       string        // --data-dir, required
	Mnemonic      string        // --mnemonic, or NOSTRWEET_MNEMONIC

	BearerToken   string // TWITTER_BEARER_TOKEN, required
	PrivateKeyHex string // NOSTRWEET_PRIVATE_KEY, optional explicit hex key
	LogLevel      string // LOG_LEVEL

	// Tunable performance constants (sensible defaults; rarely need changing).
	RelayCBThreshold int // RELAY_CB_THRESHOLD, consecutive publish failures before circuit opens (default 3)
}

// repeatableFlag accumulates repeated occurrences of a CLI flag, e.g.
// --user alice --user bob.
type repeatableFlag []string

func (r *repeatableFlag) String() string { return strings.Join(*r, ",") }

func (r *repeatableFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*r = append(*r, v)
	return nil
}

// Load parses args (typically os.Args[1:]) and the process environment into
// a Config. Returns an error describing the first validation failure
// (missing required flag, missing bearer token, etc.); the caller maps
// this to exit code 1 per the daemon's configuration-error contract.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("nostrweetd", flag.ContinueOnError)

	var users, relays, blossomServers repeatableFlag
	fs.Var(&users, "user", "author handle to monitor (repeatable, required)")
	fs.Var(&relays, "relay", "outbound relay URL, ws[s]://... (repeatable, required)")
	fs.Var(&blossomServers, "blossom-server", "Blossom blob server URL (repeatable, optional)")
	pollInterval := fs.Int("poll-interval", 300, "seconds between cycles per author")
	maxConcurrent := fs.Int("max-concurrent", 3, "simultaneously-processed authors")
	dataDir := fs.String("data-dir", "", "filesystem root for cache-as-state (required)")
	mnemonic := fs.String("mnemonic", "", "BIP-39 phrase for key derivation")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	if len(users) == 0 {
		return nil, errors.New("config: at least one --user is required")
	}
	if len(relays) == 0 {
		return nil, errors.New("config: at least one --relay is required")
	}
	for _, r := range relays {
		if !strings.HasPrefix(r, "ws://") && !strings.HasPrefix(r, "wss://") {
			return nil, fmt.Errorf("config: relay %q must be a ws:// or wss:// URL", r)
		}
	}
	if *dataDir == "" {
		return nil, errors.New("config: --data-dir is required")
	}

	bearerToken := os.Getenv("TWITTER_BEARER_TOKEN")
	if bearerToken == "" {
		return nil, errors.New("config: TWITTER_BEARER_TOKEN environment variable is required")
	}

	if *mnemonic == "" {
		*mnemonic = getEnv("NOSTRWEET_MNEMONIC", "")
	}

	return &Config{
		Users:          []string(users),
		Relays:         []string(relays),
		BlossomServers: []string(blossomServers),

		PollInterval:  time.Duration(*pollInterval) * time.Second,
		MaxConcurrent: *maxConcurrent,
		DataDir:       *dataDir,
		Mnemonic:      *mnemonic,

		BearerToken:   bearerToken,
		PrivateKeyHex: os.Getenv("NOSTRWEET_PRIVATE_KEY"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		RelayCBThreshold: parseInt(os.Getenv("RELAY_CB_THRESHOLD"), 3),
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
