package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func TestAllowAdmitsUpToLimit(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1_700_000_000, 0)}
	limiter := NewWithClock(15, 60*time.Second, clock.Now)

	for i := 0; i < 15; i++ {
		if !limiter.Allow("user-1:10.0.0.1") {
			t.Fatalf("call %d rejected, want admitted", i+1)
		}
		clock.Advance(time.Second)
	}

	if limiter.Allow("user-1:10.0.0.1") {
		t.Fatal("16th call within the window admitted, want rejected")
	}
}

func TestAllowRecoversAfterWindow(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1_700_000_000, 0)}
	limiter := NewWithClock(15, 60*time.Second, clock.Now)

	for i := 0; i < 15; i++ {
		if !limiter.Allow("key") {
			t.Fatalf("call %d rejected, want admitted", i+1)
		}
	}
	if limiter.Allow("key") {
		t.Fatal("over-limit call admitted")
	}

	clock.Advance(61 * time.Second)
	if !limiter.Allow("key") {
		t.Fatal("call after window elapsed rejected, want admitted")
	}
}

func TestAllowRejectionRecordsNothing(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1_700_000_000, 0)}
	limiter := NewWithClock(2, 60*time.Second, clock.Now)

	limiter.Allow("key")
	clock.Advance(30 * time.Second)
	limiter.Allow("key")

	// Rejected calls must not extend the window.
	for i := 0; i < 5; i++ {
		if limiter.Allow("key") {
			t.Fatal("over-limit call admitted")
		}
	}

	clock.Advance(31 * time.Second)
	if !limiter.Allow("key") {
		t.Fatal("first event should have aged out, want admitted")
	}
}

func TestAllowIsolatesKeys(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1_700_000_000, 0)}
	limiter := NewWithClock(1, 60*time.Second, clock.Now)

	if !limiter.Allow("a") {
		t.Fatal("first call for key a rejected")
	}
	if limiter.Allow("a") {
		t.Fatal("second call for key a admitted")
	}
	if !limiter.Allow("b") {
		t.Fatal("first call for key b rejected")
	}
	if limiter.KeyCount() != 2 {
		t.Fatalf("KeyCount() = %d, want 2", limiter.KeyCount())
	}
}
