// Package ratelimit defends the host against recursion and flooding. Three
// independent gates apply in order: self-identity rejection, per-requester
// sliding-window and concurrency, global sliding-window and concurrency; a
// cooldown penalizes repeat offenders.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/skillfence/skillfence/internal/logger"
)

var log = logger.New("ratelimit")

// Reason identifies which gate refused a request.
type Reason string

const (
	ReasonSelfMessage         Reason = "self_message"
	ReasonRequesterCooldown   Reason = "requester_cooldown"
	ReasonRequesterConcurrent Reason = "requester_concurrent"
	ReasonRequesterRate       Reason = "requester_rate_limit"
	ReasonGlobalConcurrent    Reason = "global_concurrent"
	ReasonGlobalRate          Reason = "global_rate_limit"
)

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// Config tunes a Limiter.
type Config struct {
	RequesterPerWindow  int
	GlobalPerWindow     int
	RequesterConcurrent int
	GlobalConcurrent    int
	Window              time.Duration
	Cooldown            time.Duration

	// SelfIDs name the host's own identities; requests carrying one are
	// rejected absolutely, preventing the bot from recursively processing
	// its own outputs.
	SelfIDs []string
}

// DefaultConfig is the public-facing profile.
func DefaultConfig() Config {
	return Config{
		RequesterPerWindow:  10,
		GlobalPerWindow:     100,
		RequesterConcurrent: 2,
		GlobalConcurrent:    10,
		Window:              time.Minute,
		Cooldown:            30 * time.Second,
	}
}

// StrictConfig is the hardened profile.
func StrictConfig() Config {
	return Config{
		RequesterPerWindow:  5,
		GlobalPerWindow:     30,
		RequesterConcurrent: 1,
		GlobalConcurrent:    5,
		Window:              time.Minute,
		Cooldown:            60 * time.Second,
	}
}

type requesterState struct {
	requests      []time.Time
	concurrent    int
	cooldownUntil time.Time
}

// Stats is the administrative snapshot.
type Stats struct {
	GlobalConcurrent  int `json:"global_concurrent"`
	GlobalWindowSize  int `json:"global_window_size"`
	TrackedRequesters int `json:"tracked_requesters"`
	InCooldown        int `json:"in_cooldown"`
}

// Limiter enforces the gates. All state lives behind one mutex; pruning of
// sliding windows happens inside the critical section on access.
type Limiter struct {
	mu sync.Mutex

	cfg        Config
	selfIDs    map[string]struct{}
	requesters map[string]*requesterState

	globalRequests   []time.Time
	globalConcurrent int

	now func() time.Time
}

// New builds a Limiter from cfg, filling zero fields from DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequesterPerWindow <= 0 {
		cfg.RequesterPerWindow = def.RequesterPerWindow
	}
	if cfg.GlobalPerWindow <= 0 {
		cfg.GlobalPerWindow = def.GlobalPerWindow
	}
	if cfg.RequesterConcurrent <= 0 {
		cfg.RequesterConcurrent = def.RequesterConcurrent
	}
	if cfg.GlobalConcurrent <= 0 {
		cfg.GlobalConcurrent = def.GlobalConcurrent
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}

	l := &Limiter{
		cfg:        cfg,
		selfIDs:    make(map[string]struct{}),
		requesters: make(map[string]*requesterState),
		now:        time.Now,
	}
	for _, id := range cfg.SelfIDs {
		l.selfIDs[strings.ToLower(id)] = struct{}{}
	}
	return l
}

// NewDefault returns a Limiter with the public-facing profile.
func NewDefault() *Limiter { return New(DefaultConfig()) }

// NewStrict returns a Limiter with the hardened profile.
func NewStrict() *Limiter { return New(StrictConfig()) }

func pruneWindow(window []time.Time, cutoff time.Time) []time.Time {
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Check evaluates the gates in order; the first failure wins. A refusal makes
// no state change except opening a cooldown when the per-requester window is
// exhausted.
func (l *Limiter) Check(id string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Gate 1: self identity, an absolute bar.
	if _, self := l.selfIDs[strings.ToLower(id)]; self {
		return Decision{Reason: ReasonSelfMessage}
	}

	state := l.requesters[id]
	if state == nil {
		state = &requesterState{}
		l.requesters[id] = state
	}

	// Gate 2: cooldown.
	if state.cooldownUntil.After(now) {
		return Decision{Reason: ReasonRequesterCooldown, RetryAfter: state.cooldownUntil.Sub(now)}
	}

	// Gate 3: per-requester concurrency.
	if state.concurrent >= l.cfg.RequesterConcurrent {
		return Decision{Reason: ReasonRequesterConcurrent}
	}

	// Gate 4: per-requester window; exhaustion opens a cooldown.
	cutoff := now.Add(-l.cfg.Window)
	state.requests = pruneWindow(state.requests, cutoff)
	if len(state.requests) >= l.cfg.RequesterPerWindow {
		state.cooldownUntil = now.Add(l.cfg.Cooldown)
		log.Debug("requester %q entered cooldown until %s", id, state.cooldownUntil.Format(time.RFC3339))
		return Decision{Reason: ReasonRequesterRate, RetryAfter: l.cfg.Cooldown}
	}

	// Gate 5: global concurrency.
	if l.globalConcurrent >= l.cfg.GlobalConcurrent {
		return Decision{Reason: ReasonGlobalConcurrent}
	}

	// Gate 6: global window.
	l.globalRequests = pruneWindow(l.globalRequests, cutoff)
	if len(l.globalRequests) >= l.cfg.GlobalPerWindow {
		return Decision{Reason: ReasonGlobalRate, RetryAfter: l.globalRequests[0].Add(l.cfg.Window).Sub(now)}
	}

	return Decision{Allowed: true}
}

// RecordStart brackets the beginning of an admitted request.
func (l *Limiter) RecordStart(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state := l.requesters[id]
	if state == nil {
		state = &requesterState{}
		l.requesters[id] = state
	}
	state.requests = append(state.requests, now)
	state.concurrent++
	l.globalRequests = append(l.globalRequests, now)
	l.globalConcurrent++
}

// RecordEnd brackets the end of an admitted request. The executor calls it
// exactly once per RecordStart, on every exit path.
func (l *Limiter) RecordEnd(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if state := l.requesters[id]; state != nil && state.concurrent > 0 {
		state.concurrent--
	}
	if l.globalConcurrent > 0 {
		l.globalConcurrent--
	}
}

// AddSelfID registers an identity as the host's own.
func (l *Limiter) AddSelfID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.selfIDs[strings.ToLower(id)] = struct{}{}
}

// RemoveSelfID drops a registered self identity.
func (l *Limiter) RemoveSelfID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.selfIDs, strings.ToLower(id))
}

// ClearCooldown lifts the cooldown for a requester.
func (l *Limiter) ClearCooldown(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.requesters[id]; state != nil {
		state.cooldownUntil = time.Time{}
	}
}

// Reset drops all tracked state, keeping configuration and self identities.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requesters = make(map[string]*requesterState)
	l.globalRequests = nil
	l.globalConcurrent = 0
}

// Stats returns the administrative snapshot.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)
	l.globalRequests = pruneWindow(l.globalRequests, cutoff)

	inCooldown := 0
	for _, s := range l.requesters {
		if s.cooldownUntil.After(now) {
			inCooldown++
		}
	}
	return Stats{
		GlobalConcurrent:  l.globalConcurrent,
		GlobalWindowSize:  len(l.globalRequests),
		TrackedRequesters: len(l.requesters),
		InCooldown:        inCooldown,
	}
}
