package quote

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/pkg/market"
)

func tick(instrument string, last float64) market.Quote {
	q := market.EmptyQuote(instrument)
	q.LastPrice = last
	q.BidPrice = last - 1
	q.AskPrice = last + 1
	q.Volume = int64(last)
	return q
}

func TestSnapshotAbsent(t *testing.T) {
	c := NewCache()
	if _, ok := c.Snapshot("rb2505"); ok {
		t.Fatal("expected no snapshot for unseen instrument")
	}
}

func TestUpdateThenSnapshot(t *testing.T) {
	c := NewCache()
	c.Update(context.Background(), tick("rb2505", 3500))

	q, ok := c.Snapshot("rb2505")
	if !ok {
		t.Fatal("expected snapshot")
	}
	if q.LastPrice != 3500 {
		t.Fatalf("last price = %v, want 3500", q.LastPrice)
	}
	if !math.IsNaN(q.OpenInterest) {
		t.Fatalf("open interest = %v, want NaN sentinel", q.OpenInterest)
	}
}

func TestAwaitNextFanout(t *testing.T) {
	c := NewCache()
	const waiters = 8

	var ready, done sync.WaitGroup
	results := make([]market.Quote, waiters)
	errors := make([]error, waiters)
	ready.Add(waiters)
	done.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func(i int) {
			defer done.Done()
			ready.Done()
			results[i], errors[i] = c.AwaitNext(context.Background(), "ag2506", 2*time.Second)
		}(i)
	}
	ready.Wait()

	// Give the goroutines time to register their mailboxes.
	deadline := time.Now().Add(time.Second)
	for {
		c.mu.Lock()
		n := len(c.waiters["ag2506"])
		c.mu.Unlock()
		if n == waiters {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d waiters registered", n, waiters)
		}
		time.Sleep(time.Millisecond)
	}

	c.Update(context.Background(), tick("ag2506", 6100))
	done.Wait()

	for i := 0; i < waiters; i++ {
		if errors[i] != nil {
			t.Fatalf("waiter %d: %v", i, errors[i])
		}
		if results[i].LastPrice != 6100 {
			t.Fatalf("waiter %d got last price %v, want 6100", i, results[i].LastPrice)
		}
	}
}

func TestOccupiedMailboxDropsNewTick(t *testing.T) {
	c := NewCache()

	// A waiter that has not consumed its previous delivery: the mailbox
	// already holds a quote when the next update arrives.
	box := make(chan market.Quote, 1)
	stale := tick("rb2505", 3500)
	box <- stale

	c.mu.Lock()
	c.waiters["rb2505"] = map[uint64]chan market.Quote{1: box}
	c.mu.Unlock()

	c.Update(context.Background(), tick("rb2505", 3600))

	if got := <-box; got.LastPrice != 3500 {
		t.Fatalf("mailbox delivered %v, want the unconsumed 3500", got.LastPrice)
	}
	select {
	case got := <-box:
		t.Fatalf("dropped tick was delivered anyway: %v", got.LastPrice)
	default:
	}

	// The snapshot still advances: only the per-waiter delivery is lossy.
	q, ok := c.Snapshot("rb2505")
	if !ok || q.LastPrice != 3600 {
		t.Fatalf("snapshot = %v (ok=%v), want 3600", q.LastPrice, ok)
	}
}

func TestAwaitNextTimeout(t *testing.T) {
	c := NewCache()
	start := time.Now()
	_, err := c.AwaitNext(context.Background(), "rb2505", 30*time.Millisecond)
	if !errs.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("returned before the deadline")
	}
	c.mu.Lock()
	remaining := len(c.waiters)
	c.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("mailbox leak: %d waiter sets remain", remaining)
	}
}

func TestAwaitNextIgnoresOtherInstruments(t *testing.T) {
	c := NewCache()
	done := make(chan error, 1)
	go func() {
		_, err := c.AwaitNext(context.Background(), "rb2505", 80*time.Millisecond)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Update(context.Background(), tick("ag2506", 6100))
	if err := <-done; !errs.IsTimeout(err) {
		t.Fatalf("expected timeout after unrelated update, got %v", err)
	}
}

func TestSnapshotNeverTorn(t *testing.T) {
	c := NewCache()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			q := market.EmptyQuote("rb2505")
			q.LastPrice = float64(i)
			q.BidPrice = float64(i)
			q.AskPrice = float64(i)
			q.Volume = i
			c.Update(context.Background(), q)
		}
	}()

	for i := 0; i < 10000; i++ {
		q, ok := c.Snapshot("rb2505")
		if !ok {
			continue
		}
		if q.BidPrice != q.LastPrice || q.AskPrice != q.LastPrice || q.Volume != int64(q.LastPrice) {
			t.Fatalf("torn snapshot: %+v", q)
		}
	}
	close(stop)
	wg.Wait()
}

func TestClear(t *testing.T) {
	c := NewCache()
	c.Update(context.Background(), tick("rb2505", 3500))
	c.Clear()
	if _, ok := c.Snapshot("rb2505"); ok {
		t.Fatal("expected empty cache after clear")
	}
}
