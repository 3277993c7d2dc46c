package ratelimit

import (
	"testing"
	"time"
)

func newTestBucket(cfg BucketConfig) (*BucketLimiter, *fixedClock) {
	b := NewBucket(cfg)
	clock := &fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b.now = clock.now
	return b, clock
}

func TestBucketSelfBar(t *testing.T) {
	b, _ := newTestBucket(BucketConfig{SelfIDs: []string{"bot-1"}})
	if d := b.Check("BOT-1"); d.Allowed || d.Reason != ReasonSelfMessage {
		t.Errorf("Check = %+v, want %s", d, ReasonSelfMessage)
	}
}

func TestBucketBurstThenDeny(t *testing.T) {
	b, _ := newTestBucket(BucketConfig{
		RequesterRate:  1,
		RequesterBurst: 2,
		GlobalRate:     100,
		GlobalBurst:    100,
	})

	for i := 0; i < 2; i++ {
		if d := b.Check("u1"); !d.Allowed {
			t.Fatalf("request %d refused: %s", i, d.Reason)
		}
		b.Consume("u1")
	}

	d := b.Check("u1")
	if d.Allowed || d.Reason != ReasonRequesterRate {
		t.Fatalf("Check after burst = %+v, want %s", d, ReasonRequesterRate)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %s, want positive", d.RetryAfter)
	}
}

func TestBucketRefills(t *testing.T) {
	b, clock := newTestBucket(BucketConfig{
		RequesterRate:  1,
		RequesterBurst: 1,
		GlobalRate:     100,
		GlobalBurst:    100,
	})

	if d := b.Check("u1"); !d.Allowed {
		t.Fatalf("first request refused: %s", d.Reason)
	}
	b.Consume("u1")
	if d := b.Check("u1"); d.Allowed {
		t.Fatal("drained bucket still admits")
	}

	clock.advance(2 * time.Second)
	if d := b.Check("u1"); !d.Allowed {
		t.Errorf("refilled bucket refused: %s", d.Reason)
	}
}

func TestBucketGlobalGate(t *testing.T) {
	b, _ := newTestBucket(BucketConfig{
		RequesterRate:  100,
		RequesterBurst: 100,
		GlobalRate:     1,
		GlobalBurst:    1,
	})

	if d := b.Check("a"); !d.Allowed {
		t.Fatalf("first request refused: %s", d.Reason)
	}
	b.Consume("a")
	if d := b.Check("b"); d.Allowed || d.Reason != ReasonGlobalRate {
		t.Errorf("Check = %+v, want %s", d, ReasonGlobalRate)
	}
}
