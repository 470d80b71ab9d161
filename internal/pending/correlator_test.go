package pending

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/tradebridge/errs"
)

func TestResolveWakesWaiter(t *testing.T) {
	c := NewCorrelator()
	token := c.Open()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve(token, "ack")
	}()

	got, err := c.AwaitResult(context.Background(), token, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got != "ack" {
		t.Fatalf("payload = %v, want ack", got)
	}
	if c.OpenCount() != 0 {
		t.Fatalf("open calls = %d, want 0", c.OpenCount())
	}
}

func TestAwaitTimeout(t *testing.T) {
	c := NewCorrelator()
	token := c.Open()
	_, err := c.AwaitResult(context.Background(), token, 20*time.Millisecond)
	if !errs.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if c.OpenCount() != 0 {
		t.Fatal("timed-out call not removed")
	}
}

func TestResolveUnknownTokenIsNoop(t *testing.T) {
	c := NewCorrelator()
	c.Resolve(Token("missing"), "x")
	if c.OpenCount() != 0 {
		t.Fatal("unexpected open call")
	}
}

func TestResolveOldestIsFIFO(t *testing.T) {
	c := NewCorrelator()
	first := c.Open()
	second := c.Open()

	results := make(chan string, 2)
	awaitInto := func(token Token, label string) {
		go func() {
			payload, err := c.AwaitResult(context.Background(), token, time.Second)
			if err != nil {
				results <- label + ":err"
				return
			}
			results <- label + ":" + payload.(string)
		}()
	}
	awaitInto(first, "first")
	awaitInto(second, "second")

	if !c.ResolveOldest("A") {
		t.Fatal("expected an open call")
	}
	if got := <-results; got != "first:A" {
		t.Fatalf("oldest resolution got %q, want first:A", got)
	}

	if !c.ResolveOldest("B") {
		t.Fatal("expected a second open call")
	}
	if got := <-results; got != "second:B" {
		t.Fatalf("second resolution got %q, want second:B", got)
	}
}

func TestResolveOldestWithNoCalls(t *testing.T) {
	c := NewCorrelator()
	if c.ResolveOldest("orphan") {
		t.Fatal("expected no open call to resolve")
	}
}

func TestTimedOutCallDoesNotStealLaterResponse(t *testing.T) {
	c := NewCorrelator()
	stale := c.Open()
	if _, err := c.AwaitResult(context.Background(), stale, time.Millisecond); !errs.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	fresh := c.Open()
	if !c.ResolveOldest("late") {
		t.Fatal("expected the fresh call to be resolvable")
	}
	got, err := c.AwaitResult(context.Background(), fresh, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got != "late" {
		t.Fatalf("payload = %v, want late", got)
	}
}
