package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConsumeNoWaitThrottles(t *testing.T) {
	b := New("test", 3, 0.001)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !b.Consume(ctx, 1, false) {
			t.Fatalf("consume %d failed on a full bucket", i)
		}
	}
	if b.Consume(ctx, 1, false) {
		t.Fatal("consume succeeded on an empty bucket")
	}
	st := b.Stats()
	if st.Requests != 4 || st.Throttled != 1 {
		t.Errorf("stats = %+v, want requests=4 throttled=1", st)
	}
	if st.Tokens > 0.01 {
		t.Errorf("tokens = %v, want ~0", st.Tokens)
	}
}

func TestConsumeWaitSleepsExactDeficit(t *testing.T) {
	b := New("wait", 1, 2)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	var slept []time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock = clock.Add(d)
		return nil
	}

	ctx := context.Background()
	if !b.Consume(ctx, 1, true) {
		t.Fatal("first consume failed")
	}
	if !b.Consume(ctx, 1, true) {
		t.Fatal("second consume failed")
	}
	if len(slept) != 1 {
		t.Fatalf("slept %d times, want 1", len(slept))
	}
	if slept[0] != 500*time.Millisecond {
		t.Errorf("slept %v, want 500ms", slept[0])
	}
}

func TestConsumeWaitOverCapacity(t *testing.T) {
	b := New("cap", 2, 1)
	if b.Consume(context.Background(), 3, true) {
		t.Fatal("consume of more than capacity should fail")
	}
}

func TestConsumeWaitHonorsContext(t *testing.T) {
	b := New("ctx", 1, 0.01)
	ctx, cancel := context.WithCancel(context.Background())
	b.Consume(ctx, 1, false)
	cancel()
	if b.Consume(ctx, 1, true) {
		t.Fatal("consume should fail on a cancelled context")
	}
}

// Ten sequential waits on a 5-token, 1/s bucket all succeed and together
// wait five seconds: the first five are free, the rest wait one second each.
func TestSequentialWaitsNonStarvation(t *testing.T) {
	b := New("seq", 5, 1)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	var total time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		total += d
		clock = clock.Add(d)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if !b.Consume(ctx, 1, true) {
			t.Fatalf("consume %d failed", i)
		}
	}
	if total < 5*time.Second || total > 5*time.Second+time.Millisecond {
		t.Fatalf("total wait = %v, want 5s", total)
	}
	if st := b.Stats(); st.Requests != 10 || st.Throttled != 5 {
		t.Errorf("stats = %+v, want requests=10 throttled=5", st)
	}
}

// Callers waiting on a shared bucket all eventually obtain a token.
func TestNonStarvationScaled(t *testing.T) {
	b := New("scaled", 5, 50)
	runNonStarvation(t, b, 50, 3*time.Second)
}

func TestNonStarvationFullLength(t *testing.T) {
	if testing.Short() || os.Getenv("CALSYNC_LONG_TESTS") == "" {
		t.Skip("set CALSYNC_LONG_TESTS=1 to run the 25s variant")
	}
	b := New("event_list", 5, 0.5)
	runNonStarvation(t, b, 10, 25*time.Second)
}

func runNonStarvation(t *testing.T, b *Bucket, callers int, deadline time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	var wg sync.WaitGroup
	var ok atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Consume(ctx, 1, true) {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := ok.Load(); got != int64(callers) {
		t.Fatalf("%d of %d callers got a token", got, callers)
	}
}
