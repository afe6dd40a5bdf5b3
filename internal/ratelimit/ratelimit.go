// Package ratelimit implements the free-tier daily quota (spec §4.6,
// component C6) and its on-disk snapshot (component C8). Two independent
// counters are tracked per admitted free-tier task: one keyed by the
// caller's free-tier identifier, one keyed by the originating peer address;
// both must have remaining quota for a submission to be admitted. Counters
// reset at UTC midnight, following the teacher's
// internal/services/ratelimit.RateLimiter sliding-window shape generalized
// to a fixed daily window.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// peerBurst is the short-window token bucket applied alongside the daily
// peer-address counter (SPEC_FULL's DOMAIN STACK note on x/time/rate). It is
// advisory only: spec §4.2/§4.6 define admission as the two daily counters
// and nothing else, so burst exhaustion alone must never flip Allow from
// true to false. It never widens the admission-pipeline contract.
const (
	peerBurstRatePerSecond = 5
	peerBurstCapacity      = 10
)

// counter tracks a single key's usage within the current UTC day.
type counter struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"resetAt"`
}

// Snapshot is the on-disk representation written by Persist, matching spec
// §6.5's literal rate-limit store layout: `{ did: { <key>: { count,
// resetAt } }, ip: { <key>: { count, resetAt } } }`.
type Snapshot struct {
	Identity map[string]counter `json:"did"`
	Peer     map[string]counter `json:"ip"`
}

// Limiter enforces the dual per-identity/per-peer daily quota described in
// spec §4.6. It is safe for concurrent use.
type Limiter struct {
	mu           sync.Mutex
	identity     map[string]counter
	peer         map[string]counter
	defaultIDCap int
	peerCap      int
	storePath    string

	burstMu sync.Mutex
	burst   map[string]*rate.Limiter
}

// New builds a Limiter. defaultIdentityCap is the NEW-tier identity cap
// (spec §4.7 overrides this per-call via Allow's identityCap argument);
// peerCap is the fixed, non-overridable per-peer-address cap. If storePath
// names an existing snapshot file, its contents seed the initial counters.
func New(defaultIdentityCap, peerCap int, storePath string) *Limiter {
	l := &Limiter{
		identity:     make(map[string]counter),
		peer:         make(map[string]counter),
		defaultIDCap: defaultIdentityCap,
		peerCap:      peerCap,
		storePath:    storePath,
		burst:        make(map[string]*rate.Limiter),
	}
	l.loadLocked()
	return l
}

// burstLimiterFor returns (creating if necessary) the per-peer token
// bucket consulted ahead of the daily counter.
func (l *Limiter) burstLimiterFor(peerKey string) *rate.Limiter {
	l.burstMu.Lock()
	defer l.burstMu.Unlock()
	b, ok := l.burst[peerKey]
	if !ok {
		b = rate.NewLimiter(rate.Limit(peerBurstRatePerSecond), peerBurstCapacity)
		l.burst[peerKey] = b
	}
	return b
}

// nextUTCMidnight returns the start of the day after t, in UTC — the daily
// quota's deterministic reset boundary (spec §4.6).
func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	y, m, d := u.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// Allow reports whether a submission from identityKey/peerKey may be
// admitted under today's (UTC) quota, and if so increments both counters.
// identityCap overrides the default identity cap (spec §4.7: the trust
// store determines the effective per-tier daily cap); pass <= 0 to use the
// limiter's default. Both counters must have headroom; a submission that
// would exceed either one is rejected without incrementing the other (spec
// §4.6).
func (l *Limiter) Allow(identityKey, peerKey string, identityCap int) bool {
	if identityCap <= 0 {
		identityCap = l.defaultIDCap
	}

	// Advisory only: consumes a burst token and discards the result, so it
	// never rejects admission on its own — spec §4.2/§4.6 define admission
	// as the two daily counters below, nothing else.
	l.burstLimiterFor(peerKey).Allow()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	idCount := l.currentCountLocked(l.identity, identityKey, now)
	peerCount := l.currentCountLocked(l.peer, peerKey, now)

	if idCount >= identityCap || peerCount >= l.peerCap {
		return false
	}

	idReset := l.nextResetLocked(l.identity, identityKey, now)
	peerReset := l.nextResetLocked(l.peer, peerKey, now)
	l.identity[identityKey] = counter{Count: idCount + 1, ResetAt: idReset}
	l.peer[peerKey] = counter{Count: peerCount + 1, ResetAt: peerReset}
	return true
}

// currentCountLocked returns a key's usage for the current window, treating
// an entry whose reset boundary has already passed as zero. Caller must
// hold l.mu.
func (l *Limiter) currentCountLocked(m map[string]counter, key string, now time.Time) int {
	c, ok := m[key]
	if !ok || !now.Before(c.ResetAt) {
		return 0
	}
	return c.Count
}

// nextResetLocked returns the reset boundary a key's counter should carry:
// its existing boundary if still in the future, otherwise the next UTC
// midnight. Caller must hold l.mu.
func (l *Limiter) nextResetLocked(m map[string]counter, key string, now time.Time) time.Time {
	if c, ok := m[key]; ok && now.Before(c.ResetAt) {
		return c.ResetAt
	}
	return nextUTCMidnight(now)
}

// Remaining reports the quota left for an identity key today against the
// given cap, for surfacing in error responses (spec §6).
func (l *Limiter) Remaining(identityKey string, identityCap int) int {
	if identityCap <= 0 {
		identityCap = l.defaultIDCap
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	used := l.currentCountLocked(l.identity, identityKey, time.Now())
	remaining := identityCap - used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Persist writes the current counters to the configured store path with
// 0600 permissions (spec §4.8).
func (l *Limiter) Persist() error {
	l.mu.Lock()
	snap := Snapshot{Identity: copyMap(l.identity), Peer: copyMap(l.peer)}
	l.mu.Unlock()

	if l.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.storePath), 0700); err != nil {
		return fmt.Errorf("ratelimit: create store dir: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("ratelimit: marshal snapshot: %w", err)
	}
	tmp := l.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("ratelimit: write snapshot: %w", err)
	}
	return os.Rename(tmp, l.storePath)
}

// loadLocked reads a prior snapshot at construction time. A missing or
// corrupt file is tolerated and simply yields empty counters (spec §4.8):
// rate limiting fails open on restart rather than blocking startup.
func (l *Limiter) loadLocked() {
	if l.storePath == "" {
		return
	}
	data, err := os.ReadFile(l.storePath)
	if err != nil {
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return
	}
	if snap.Identity != nil {
		l.identity = snap.Identity
	}
	if snap.Peer != nil {
		l.peer = snap.Peer
	}
}

func copyMap(m map[string]counter) map[string]counter {
	out := make(map[string]counter, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RunPeriodicPersist calls Persist on the given interval until stop is
// closed. Intended to be launched as a goroutine from main.
func (l *Limiter) RunPeriodicPersist(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = l.Persist()
		case <-stop:
			_ = l.Persist()
			return
		}
	}
}
