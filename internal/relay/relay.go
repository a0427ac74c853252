// Package relay fans a signed event out to N configured Nostr relays
// concurrently, tolerating partial failures, with a per-relay circuit
// breaker protecting against hammering unreachable or hostile relays.
package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"
)

const (
	cbCooldown    = 5 * time.Minute
	publishWindow = 10 * time.Second // ≥1 ack required within this window
)

// cbThreshold is a var (not const) so it can be overridden at startup via
// SetCircuitBreakerThreshold for deployments that need a different sensitivity.
var cbThreshold = 3 // consecutive failures before circuit opens

// SetCircuitBreakerThreshold sets the number of consecutive publish failures
// required before a relay's circuit breaker opens. Call once at startup,
// before any Publisher is created, to override the default of 3.
func SetCircuitBreakerThreshold(n int) {
	if n > 0 {
		cbThreshold = n
	}
}

// relayCircuit is a per-relay circuit breaker.
type relayCircuit struct {
	mu            sync.Mutex
	failCount     int
	openedAt      time.Time
	open          bool
	permanentOpen bool // true when relay requires PoW; stays open until manual reset
}

// isOpen returns true when the circuit is open (relay should be bypassed).
// Resets to closed once cbCooldown has elapsed (half-open retry), unless permanentOpen is set.
func (cb *relayCircuit) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.permanentOpen {
		return true
	}
	if !cb.open {
		return false
	}
	if time.Since(cb.openedAt) >= cbCooldown {
		cb.open = false
		cb.failCount = 0
		return false
	}
	return true
}

// openForPoW permanently opens the circuit for a relay that requires proof-of-work.
func (cb *relayCircuit) openForPoW() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = true
	cb.permanentOpen = true
	cb.openedAt = time.Now()
	cb.failCount = cbThreshold
}

// recordFailure increments the counter and opens the circuit at threshold.
// Returns true the first time the circuit opens.
func (cb *relayCircuit) recordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failCount++
	if !cb.open && cb.failCount >= cbThreshold {
		cb.open = true
		cb.openedAt = time.Now()
		return true
	}
	return false
}

// recordSuccess resets all failure state. Returns true if the circuit was open.
func (cb *relayCircuit) recordSuccess() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	was := cb.open || cb.failCount > 0
	cb.open = false
	cb.failCount = 0
	return was
}

// reset forcefully clears the circuit breaker state, including any permanent PoW lock.
func (cb *relayCircuit) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = false
	cb.permanentOpen = false
	cb.failCount = 0
}

// RelayStatus describes a relay and its circuit-breaker state.
type RelayStatus struct {
	URL               string
	CircuitOpen       bool
	FailCount         int
	CooldownRemaining int // seconds remaining until circuit resets
}

func (cb *relayCircuit) status(url string) RelayStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	open := cb.permanentOpen || (cb.open && time.Since(cb.openedAt) < cbCooldown)
	var remaining int
	if open && !cb.permanentOpen {
		r := cbCooldown - time.Since(cb.openedAt)
		if r > 0 {
			remaining = int(r.Seconds())
		}
	}
	return RelayStatus{
		URL:               url,
		CircuitOpen:       open,
		FailCount:         cb.failCount,
		CooldownRemaining: remaining,
	}
}

// Outcome classifies how one relay responded to a publish attempt.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeReject
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeReject:
		return "reject"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// RelayResult is one relay's outcome for a single publish attempt.
type RelayResult struct {
	Outcome Outcome
	Reason  string // populated for OutcomeReject
}

// PublishReport is the public contract of Publish: per-relay outcomes for
// one publish attempt. Success() is true iff at least one relay acked.
type PublishReport struct {
	PerRelay map[string]RelayResult
}

// Success reports whether at least one relay acknowledged the event.
func (r PublishReport) Success() bool {
	for _, res := range r.PerRelay {
		if res.Outcome == OutcomeAck {
			return true
		}
	}
	return false
}

// Publisher publishes Nostr events to configured relays with per-relay
// circuit breakers. A circuit opens after cbThreshold consecutive failures
// and stays open for cbCooldown, preventing repeated connection attempts to
// unreachable relays.
type Publisher struct {
	mu       sync.RWMutex
	relays   []string
	circuits map[string]*relayCircuit
	pool     *nostr.SimplePool
	poolOnce sync.Once
	limiter  *rate.Limiter

	attempts atomic.Int64 // per-relay publish attempts, lifetime
	acks     atomic.Int64 // per-relay OK-true responses, lifetime
}

const (
	publishRateLimit = rate.Limit(2) // 2 events per second per publisher
	publishRateBurst = 5             // burst allowance to handle short threads
)

// NewPublisher creates a new Publisher over the given relay set.
func NewPublisher(relays []string) *Publisher {
	circuits := make(map[string]*relayCircuit, len(relays))
	for _, r := range relays {
		circuits[r] = &relayCircuit{}
	}
	return &Publisher{
		relays:   append([]string{}, relays...),
		circuits: circuits,
		limiter:  rate.NewLimiter(publishRateLimit, publishRateBurst),
	}
}

// AckRate returns the lifetime count of per-relay publish attempts and how
// many of them were acknowledged, for the periodic stats line.
func (p *Publisher) AckRate() (attempts, acks int64) {
	return p.attempts.Load(), p.acks.Load()
}

// Relays returns a copy of the current relay list.
func (p *Publisher) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string{}, p.relays...)
}

// RelayStatuses returns the circuit-breaker state for all configured relays.
func (p *Publisher) RelayStatuses() []RelayStatus {
	p.mu.RLock()
	relays := append([]string{}, p.relays...)
	circuits := make(map[string]*relayCircuit, len(p.circuits))
	for k, v := range p.circuits {
		circuits[k] = v
	}
	p.mu.RUnlock()

	statuses := make([]RelayStatus, 0, len(relays))
	for _, url := range relays {
		if cb, ok := circuits[url]; ok {
			statuses = append(statuses, cb.status(url))
		} else {
			statuses = append(statuses, RelayStatus{URL: url})
		}
	}
	return statuses
}

// ResetCircuit clears the circuit-breaker state for a specific relay.
func (p *Publisher) ResetCircuit(url string) {
	p.mu.RLock()
	cb := p.circuits[url]
	p.mu.RUnlock()
	if cb != nil {
		cb.reset()
		slog.Info("relay circuit breaker reset", "relay", url)
	}
}

// getCircuit returns or creates a circuit breaker for the given relay URL.
func (p *Publisher) getCircuit(url string) *relayCircuit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.circuits[url]; ok {
		return cb
	}
	cb := &relayCircuit{}
	p.circuits[url] = cb
	return cb
}

// getPool returns the shared, lazily-initialised SimplePool.
func (p *Publisher) getPool() *nostr.SimplePool {
	p.poolOnce.Do(func() {
		p.pool = nostr.NewSimplePool(context.Background())
	})
	return p.pool
}

// Publish fans event out to every relay whose circuit is currently closed
// and waits up to publishWindow for acks. At least one ack is success; the
// caller (the per-user worker) only records the event sidecar on success.
func (p *Publisher) Publish(ctx context.Context, event *nostr.Event) PublishReport {
	p.mu.RLock()
	allRelays := append([]string{}, p.relays...)
	p.mu.RUnlock()

	report := PublishReport{PerRelay: make(map[string]RelayResult, len(allRelays))}
	if len(allRelays) == 0 {
		slog.Warn("no relays configured; event not published", "id", event.ID, "kind", event.Kind)
		return report
	}

	// Skip relays with open circuits to avoid hammering unreachable endpoints.
	active := make([]string, 0, len(allRelays))
	for _, url := range allRelays {
		if p.getCircuit(url).isOpen() {
			slog.Debug("skipping relay with open circuit", "relay", url, "id", event.ID)
			report.PerRelay[url] = RelayResult{Outcome: OutcomeReject, Reason: "circuit open"}
		} else {
			active = append(active, url)
		}
	}

	if len(active) == 0 {
		slog.Warn("all relay circuits are open; event not published",
			"id", event.ID, "skipped", len(allRelays))
		return report
	}

	// Wait for an outbound rate limit token so we don't trip anti-spam
	// circuits on strict relays during sync bursts.
	if err := p.limiter.Wait(ctx); err != nil {
		for _, url := range active {
			report.PerRelay[url] = RelayResult{Outcome: OutcomeTimeout, Reason: err.Error()}
		}
		return report
	}

	publishCtx, cancel := context.WithTimeout(context.Background(), publishWindow)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-publishCtx.Done():
		}
	}()

	pending := make(map[string]bool, len(active))
	for _, url := range active {
		pending[url] = true
	}

	for result := range p.getPool().PublishMany(publishCtx, active, *event) {
		delete(pending, result.RelayURL)
		p.attempts.Add(1)
		cb := p.getCircuit(result.RelayURL)
		if result.Error != nil {
			if isPowRequired(result.Error) {
				// Relay requires NIP-13 proof-of-work; permanently disabled until a manual reset.
				cb.openForPoW()
				slog.Warn("relay requires proof-of-work (NIP-13); disabling until manually reset",
					"relay", result.RelayURL, "error", result.Error)
			} else if isPolicyRejection(result.Error) {
				// Relay is healthy but rejected the event content via NIP-01.
				cb.recordSuccess()
				slog.Debug("relay rejected event by policy", "relay", result.RelayURL, "id", event.ID, "error", result.Error)
			} else if justOpened := cb.recordFailure(); justOpened {
				slog.Warn("relay circuit opened; will retry in 5 minutes",
					"relay", result.RelayURL, "error", result.Error)
			} else if st := cb.status(result.RelayURL); !st.CircuitOpen {
				slog.Warn("failed to publish event",
					"relay", result.RelayURL, "id", event.ID, "error", result.Error,
					"fail_count", st.FailCount)
			}
			report.PerRelay[result.RelayURL] = RelayResult{Outcome: OutcomeReject, Reason: result.Error.Error()}
		} else {
			p.acks.Add(1)
			wasOpen := cb.recordSuccess()
			if wasOpen {
				slog.Info("relay recovered", "relay", result.RelayURL)
			}
			slog.Debug("published event", "relay", result.RelayURL, "id", event.ID, "kind", event.Kind)
			report.PerRelay[result.RelayURL] = RelayResult{Outcome: OutcomeAck}
		}
	}

	for url := range pending {
		p.attempts.Add(1)
		report.PerRelay[url] = RelayResult{Outcome: OutcomeTimeout}
	}

	if !report.Success() {
		slog.Warn("event not acknowledged by any relay within window",
			"id", event.ID, "window", publishWindow, "relays", len(active))
	}
	return report
}

// isPowRequired returns true if the relay rejected the event due to a
// proof-of-work requirement (NIP-13). The relay error message contains "pow:".
func isPowRequired(err error) bool {
	return err != nil && strings.Contains(err.Error(), "pow:")
}

// isPolicyRejection returns true if the relay rejected the event with a NIP-01
// machine-readable prefix indicating a static policy refusal.
func isPolicyRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "msg: blocked:") || strings.Contains(msg, "msg: invalid:")
}
