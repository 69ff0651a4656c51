package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"calsync/internal/model"
	"calsync/internal/ratelimit"
)

type recordingSink[T any] struct {
	mu    sync.Mutex
	items []T
	err   error
}

func (r *recordingSink[T]) Deliver(_ context.Context, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return r.err
}

func (r *recordingSink[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func TestQueueDropsWhenFull(t *testing.T) {
	sink := &recordingSink[int]{}
	q := NewQueue[int]("test", 2, sink, nil)
	if !q.Enqueue(1) || !q.Enqueue(2) {
		t.Fatal("enqueue into empty queue failed")
	}
	if q.Enqueue(3) {
		t.Fatal("enqueue into full queue succeeded")
	}
	if st := q.Stats(); st.Dropped != 1 || st.Pending != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueueRunDeliversAndDrains(t *testing.T) {
	sink := &recordingSink[int]{}
	q := NewQueue[int]("test", 8, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		q.Enqueue(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if sink.count() != 5 {
		t.Errorf("delivered %d, want 5", sink.count())
	}
	if st := q.Stats(); st.Delivered != 5 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueueDrainOnShutdown(t *testing.T) {
	sink := &recordingSink[int]{}
	q := NewQueue[int]("test", 8, sink, nil)
	q.Enqueue(1)
	q.Enqueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)
	if sink.count() != 2 {
		t.Errorf("drained %d, want 2", sink.count())
	}
}

func TestQueueCountsFailures(t *testing.T) {
	sink := &recordingSink[int]{err: errors.New("down")}
	q := NewQueue[int]("test", 4, sink, nil)
	q.Enqueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)
	if st := q.Stats(); st.Failed != 1 || st.Delivered != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestWebhook(t *testing.T) {
	var got model.ChangeSet
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.TenantID == "fail" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	wh := NewWebhook[model.ChangeSet](srv.URL, srv.Client(), ratelimit.New("webhook", 5, 1))
	cs := model.ChangeSet{TenantID: "t1", GroupKey: "g1", Added: []model.Event{{Summary: "New"}}}
	if err := wh.Deliver(context.Background(), cs); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.TenantID != "t1" || len(got.Added) != 1 || got.Added[0].Summary != "New" {
		t.Errorf("received = %+v", got)
	}
	if err := wh.Deliver(context.Background(), model.ChangeSet{TenantID: "fail"}); err == nil {
		t.Error("expected error on 500")
	}
}

func TestCooldown(t *testing.T) {
	inner := &recordingSink[model.Alert]{}
	c := NewCooldown(inner, 15*time.Minute)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	ctx := context.Background()
	a := model.Alert{Key: "t1:google:cal", Kind: "source_error"}
	_ = c.Deliver(ctx, a)
	_ = c.Deliver(ctx, a)
	_ = c.Deliver(ctx, model.Alert{Key: "other"})
	if inner.count() != 2 {
		t.Errorf("delivered %d, want 2", inner.count())
	}
	clock = clock.Add(15 * time.Minute)
	_ = c.Deliver(ctx, a)
	if inner.count() != 3 {
		t.Errorf("delivered %d after cooldown, want 3", inner.count())
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingSink[int]{}
	bad := &recordingSink[int]{err: errors.New("x")}
	f := Fanout[int]{ok, bad}
	if err := f.Deliver(context.Background(), 1); err == nil {
		t.Error("expected joined error")
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Error("not every sink received the item")
	}
}

func TestQueueCancelledRunStillDelivers(t *testing.T) {
	for i := 0; i < 50; i++ {
		var live, dead int
		sink := SinkFunc[int](func(ctx context.Context, _ int) error {
			if ctx.Err() != nil {
				dead++
				return ctx.Err()
			}
			live++
			return nil
		})
		q := NewQueue[int]("test", 4, sink, nil)
		q.Enqueue(1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		q.Run(ctx)

		if live != 1 || dead != 0 {
			t.Fatalf("iteration %d: live=%d dead=%d, want 1/0", i, live, dead)
		}
	}
}

func TestQueueShutdownDoesNotAbortInFlightDelivery(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr error
	sink := SinkFunc[int](func(ctx context.Context, _ int) error {
		close(started)
		<-release
		ctxErr = ctx.Err()
		return ctxErr
	})
	q := NewQueue[int]("test", 4, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	q.Enqueue(1)
	<-started
	cancel()
	close(release)
	<-done

	if ctxErr != nil {
		t.Fatalf("delivery context cancelled by shutdown: %v", ctxErr)
	}
	if st := q.Stats(); st.Delivered != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}
