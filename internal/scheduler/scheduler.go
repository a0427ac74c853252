// Package scheduler runs one independent poll schedule per author on top of
// worker.Worker, bounding overall concurrency and applying exponential
// backoff (and eventual quarantine) per author on failure.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nostrweet/bridge/internal/worker"
)

const (
	tickInterval  = 1 * time.Second
	statsInterval = 60 * time.Second

	backoffBase = 60 * time.Second
	backoffCap  = 30 * time.Minute
	jitterMax   = 10 * time.Second

	defaultShutdownGrace = 30 * time.Second
)

// authorState tracks one author's scheduling state. Guarded by Scheduler.mu.
type authorState struct {
	nextEligibleAt   time.Time
	consecutiveFails int
	quarantined      bool
	running          bool
	lastSuccess      time.Time
}

// Scheduler drives one worker.Worker per author on independent schedules,
// sharing a single concurrency budget across all of them.
type Scheduler struct {
	// PollInterval is the steady-state delay between successful cycles for
	// an author.
	PollInterval time.Duration
	// MaxConcurrent bounds how many authors' RunCycle calls may be in
	// flight at once.
	MaxConcurrent int
	// ShutdownGrace is how long Start waits for in-flight cycles to
	// finish once ctx is cancelled before returning anyway.
	ShutdownGrace time.Duration
	// Counters, when set, adds the cross-worker progress counters to the
	// periodic stats line.
	Counters *worker.Stats
	// AckSource, when set, adds the relay acknowledgement rate to the
	// periodic stats line (satisfied by relay.Publisher).
	AckSource interface{ AckRate() (attempts, acks int64) }

	workers map[string]*worker.Worker

	mu     sync.Mutex
	states map[string]*authorState

	successes         int
	transientFailures int
	quarantines       int

	wg sync.WaitGroup
}

// New builds a Scheduler over the given handle->Worker set. PollInterval
// and MaxConcurrent should be taken from config.Config; zero values are
// replaced with sane defaults.
func New(workers map[string]*worker.Worker, pollInterval time.Duration, maxConcurrent int) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Minute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	states := make(map[string]*authorState, len(workers))
	for handle := range workers {
		states[handle] = &authorState{}
	}
	return &Scheduler{
		PollInterval:  pollInterval,
		MaxConcurrent: maxConcurrent,
		ShutdownGrace: defaultShutdownGrace,
		workers:       workers,
		states:        states,
	}
}

// Start runs the scheduling loop until ctx is cancelled, then waits up to
// ShutdownGrace for any in-flight cycles to finish before returning.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("scheduler started",
		"authors", len(s.workers), "poll_interval", s.PollInterval, "max_concurrent", s.MaxConcurrent)

	sem := make(chan struct{}, s.MaxConcurrent)

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	statsTick := time.NewTicker(statsInterval)
	defer statsTick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-statsTick.C:
			s.logStats()
		case <-tick.C:
			s.dispatchEligible(ctx, sem)
		}
	}
}

// dispatchEligible scans for authors whose backoff has elapsed and are not
// already running or quarantined, and launches a cycle for each as a
// concurrency permit becomes available. Authors that can't get a permit
// this tick are simply retried on the next one.
func (s *Scheduler) dispatchEligible(ctx context.Context, sem chan struct{}) {
	now := time.Now()

	s.mu.Lock()
	var eligible []string
	for handle, st := range s.states {
		if st.quarantined || st.running {
			continue
		}
		if now.Before(st.nextEligibleAt) {
			continue
		}
		st.running = true
		eligible = append(eligible, handle)
	}
	s.mu.Unlock()

	for _, handle := range eligible {
		select {
		case sem <- struct{}{}:
		default:
			s.mu.Lock()
			s.states[handle].running = false
			s.mu.Unlock()
			continue
		}
		s.wg.Add(1)
		go func(handle string) {
			defer s.wg.Done()
			defer func() { <-sem }()
			s.runOne(ctx, handle)
		}(handle)
	}
}

// runOne executes a single cycle for handle and updates its schedule state
// based on the outcome: reset-and-reschedule on success, backoff on
// transient failure, permanent quarantine on auth failure.
func (s *Scheduler) runOne(ctx context.Context, handle string) {
	kind := s.workers[handle].RunCycle(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[handle]
	st.running = false

	switch kind {
	case worker.FailureNone:
		st.consecutiveFails = 0
		st.lastSuccess = time.Now()
		st.nextEligibleAt = time.Now().Add(s.PollInterval)
		s.successes++
	case worker.FailureTransient:
		st.consecutiveFails++
		// Backoff and the steady-state poll interval are independent: a
		// failed cycle retries after base*2^(n-1), which starts well below
		// the poll interval and overtakes it as failures accumulate. When
		// the backoff exceeds the interval, the backoff wins.
		backoff := backoffDuration(st.consecutiveFails)
		st.nextEligibleAt = time.Now().Add(backoff)
		s.transientFailures++
		slog.Warn("author cycle failed, backing off",
			"handle", handle, "consecutive_failures", st.consecutiveFails, "backoff", backoff)
	case worker.FailurePermanentAuth:
		st.quarantined = true
		s.quarantines++
		slog.Error("author quarantined after permanent authentication failure", "handle", handle)
	}
}

// backoffDuration computes the next-eligible delay for the given count of
// consecutive transient failures: base*2^(n-1), capped, plus jitter.
func backoffDuration(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	shift := failures - 1
	if shift > 20 { // backoffCap dominates long before this; guards the shift from overflowing
		shift = 20
	}
	d := backoffBase * time.Duration(int64(1)<<uint(shift))
	if d <= 0 || d > backoffCap {
		d = backoffCap
	}
	return d + time.Duration(rand.Int63n(int64(jitterMax)))
}

// shutdown waits for in-flight cycles to finish, up to ShutdownGrace. The
// cache-as-state design means there is nothing to flush: any cycle that
// doesn't finish in time simply resumes from its last durable checkpoint on
// next start.
func (s *Scheduler) shutdown() {
	slog.Info("scheduler stopping, waiting for in-flight cycles", "grace", s.ShutdownGrace)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("scheduler stopped cleanly")
	case <-time.After(s.ShutdownGrace):
		slog.Warn("scheduler shutdown grace period elapsed with cycles still in flight")
	}
}

// logStats emits a periodic summary of scheduler progress.
func (s *Scheduler) logStats() {
	s.mu.Lock()
	active, quarantined, backingOff := 0, 0, 0
	for _, st := range s.states {
		switch {
		case st.quarantined:
			quarantined++
		case st.consecutiveFails > 0:
			active++
			backingOff++
		default:
			active++
		}
	}
	successes, transientFailures, quarantines := s.successes, s.transientFailures, s.quarantines
	s.mu.Unlock()

	attrs := []any{
		"authors_active", active,
		"authors_quarantined", quarantined,
		"authors_backing_off", backingOff,
		"cycles_succeeded", successes,
		"cycles_failed_transient", transientFailures,
		"quarantine_events", quarantines,
	}
	if s.Counters != nil {
		attrs = append(attrs,
			"posts_downloaded", s.Counters.PostsDownloaded.Load(),
			"media_downloaded", s.Counters.MediaDownloaded.Load(),
			"events_published", s.Counters.EventsPublished.Load(),
			"publish_failures", s.Counters.PublishFailures.Load(),
		)
	}
	if s.AckSource != nil {
		attempts, acks := s.AckSource.AckRate()
		attrs = append(attrs, "relay_attempts", attempts, "relay_acks", acks)
	}
	slog.Info("scheduler stats", attrs...)
}

// AuthorStatus reports the current schedule state for handle, for
// diagnostics and tests.
func (s *Scheduler) AuthorStatus(handle string) (quarantined bool, consecutiveFails int, nextEligibleAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[handle]
	if !ok {
		return false, 0, time.Time{}
	}
	return st.quarantined, st.consecutiveFails, st.nextEligibleAt
}
