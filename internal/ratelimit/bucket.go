package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// BucketConfig tunes the token-bucket variant for bursty workloads.
type BucketConfig struct {
	// RequesterRate is tokens per second refilled into each requester's
	// bucket; RequesterBurst is its capacity.
	RequesterRate  float64
	RequesterBurst float64

	GlobalRate  float64
	GlobalBurst float64

	SelfIDs []string
}

type bucket struct {
	tokens float64
	last   time.Time
}

func (b *bucket) refill(now time.Time, rate, burst float64) {
	if b.last.IsZero() {
		b.tokens = burst
		b.last = now
		return
	}
	b.tokens += now.Sub(b.last).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.last = now
}

// BucketLimiter is the token-bucket variant. It preserves the self-identity
// bar: a self request is refused before any bucket is consulted.
type BucketLimiter struct {
	mu sync.Mutex

	cfg        BucketConfig
	selfIDs    map[string]struct{}
	requesters map[string]*bucket
	global     bucket

	now func() time.Time
}

// NewBucket builds a BucketLimiter.
func NewBucket(cfg BucketConfig) *BucketLimiter {
	if cfg.RequesterRate <= 0 {
		cfg.RequesterRate = 0.2 // ~12/min
	}
	if cfg.RequesterBurst <= 0 {
		cfg.RequesterBurst = 5
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 2
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 20
	}

	b := &BucketLimiter{
		cfg:        cfg,
		selfIDs:    make(map[string]struct{}),
		requesters: make(map[string]*bucket),
		now:        time.Now,
	}
	for _, id := range cfg.SelfIDs {
		b.selfIDs[strings.ToLower(id)] = struct{}{}
	}
	return b
}

// Check reports whether a request from id would be admitted. Denies when
// either bucket is below one token. Does not consume.
func (b *BucketLimiter) Check(id string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, self := b.selfIDs[strings.ToLower(id)]; self {
		return Decision{Reason: ReasonSelfMessage}
	}

	now := b.now()
	rb := b.requesterBucket(id)
	rb.refill(now, b.cfg.RequesterRate, b.cfg.RequesterBurst)
	b.global.refill(now, b.cfg.GlobalRate, b.cfg.GlobalBurst)

	if rb.tokens < 1 {
		return Decision{Reason: ReasonRequesterRate, RetryAfter: timeToToken(rb.tokens, b.cfg.RequesterRate)}
	}
	if b.global.tokens < 1 {
		return Decision{Reason: ReasonGlobalRate, RetryAfter: timeToToken(b.global.tokens, b.cfg.GlobalRate)}
	}
	return Decision{Allowed: true}
}

// Consume debits one token from both buckets.
func (b *BucketLimiter) Consume(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	rb := b.requesterBucket(id)
	rb.refill(now, b.cfg.RequesterRate, b.cfg.RequesterBurst)
	b.global.refill(now, b.cfg.GlobalRate, b.cfg.GlobalBurst)
	rb.tokens--
	b.global.tokens--
}

func (b *BucketLimiter) requesterBucket(id string) *bucket {
	rb := b.requesters[id]
	if rb == nil {
		rb = &bucket{}
		b.requesters[id] = rb
	}
	return rb
}

func timeToToken(tokens, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	deficit := 1 - tokens
	if deficit < 0 {
		deficit = 0
	}
	return time.Duration(deficit / rate * float64(time.Second))
}
