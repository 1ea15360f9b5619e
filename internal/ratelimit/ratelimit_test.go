package ratelimit

import (
	"testing"
	"time"
)

func TestBucketAllowsUpToBurst(t *testing.T) {
	b := NewBucket(1, 3)
	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("expected token %d to be allowed", i)
		}
	}
	if b.Allow() {
		t.Fatal("expected burst to be exhausted")
	}
}

func TestBucketRefillsOverTime(t *testing.T) {
	b := NewBucket(100, 1)
	b.Allow()
	if b.Allow() {
		t.Fatal("expected bucket to be empty immediately after draining its burst of 1")
	}
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected bucket to have refilled after 20ms at rate 100/s")
	}
}

func TestPerSessionIsolatesBuckets(t *testing.T) {
	p := NewPerSession(1, 1, 1000)
	defer p.Stop()

	a := p.Get("session-a")
	b := p.Get("session-b")

	if !a.Allow() {
		t.Fatal("expected session-a's first frame to be allowed")
	}
	if a.Allow() {
		t.Fatal("expected session-a to be rate limited on its second frame")
	}
	if !b.Allow() {
		t.Fatal("expected session-b to be unaffected by session-a's limiter")
	}
}

func TestPerSessionRemove(t *testing.T) {
	p := NewPerSession(1, 1, 1000)
	defer p.Stop()

	first := p.Get("session-a")
	p.Remove("session-a")
	second := p.Get("session-a")

	if first == second {
		t.Fatal("expected a fresh bucket after Remove")
	}
}
