package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newBreaker(threshold int) (*Breaker, *stepClock) {
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clock.now), clock
}

var errSink = errors.New("sink down")

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newBreaker(3)
	for i := 0; i < 2; i++ {
		b.Failure("hub")
	}
	if !b.Allow("hub") {
		t.Fatal("circuit opened before the threshold")
	}
	b.Failure("hub")
	if b.Allow("hub") || b.State("hub") != StateOpen {
		t.Fatalf("state = %v, want open", b.State("hub"))
	}
	if !b.Allow("webhook") {
		t.Error("keys must not share a circuit")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newBreaker(2)
	b.Failure("hub")
	b.Success("hub")
	b.Failure("hub")
	if b.State("hub") != StateClosed {
		t.Errorf("state = %v, want closed", b.State("hub"))
	}
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	b, clock := newBreaker(1)
	b.Failure("hub")

	clock.advance(59 * time.Second)
	if b.Allow("hub") {
		t.Fatal("allowed during cooldown")
	}
	clock.advance(time.Second)
	if !b.Allow("hub") {
		t.Fatal("probe not allowed after cooldown")
	}
	if b.Allow("hub") {
		t.Fatal("second caller admitted while probing")
	}

	// A failed probe reopens the circuit.
	b.Failure("hub")
	if b.State("hub") != StateOpen {
		t.Fatalf("state = %v after failed probe", b.State("hub"))
	}

	clock.advance(time.Minute)
	if err := b.Do("hub", func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State("hub") != StateClosed {
		t.Errorf("state = %v after successful probe", b.State("hub"))
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newBreaker(2)
	calls := 0
	fail := func() error { calls++; return errSink }

	for i := 0; i < 2; i++ {
		if err := b.Do("webhook", fail); !errors.Is(err, errSink) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if err := b.Do("webhook", fail); !errors.Is(err, ErrOpen) {
		t.Errorf("got %v, want ErrOpen", err)
	}
	if calls != 2 {
		t.Errorf("fn ran %d times, want 2", calls)
	}
}
