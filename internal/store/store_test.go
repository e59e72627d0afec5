package store

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ff-fab/lumehaven/internal/signal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sig(id string) signal.Signal {
	return signal.New(id, signal.StringValue("v"), signal.TypeString, signal.Fields{})
}

func TestSetManyThenGetAll(t *testing.T) {
	st := New(0, 0, discardLogger())
	st.SetMany(map[string]signal.Signal{
		"a": sig("a"),
		"b": sig("b"),
	})

	all := st.GetAll()
	if len(all) != 2 {
		t.Fatalf("GetAll() returned %d signals, want 2", len(all))
	}

	// Mutating the returned snapshot must not affect the store.
	delete(all, "a")
	if _, ok := st.Get("a"); !ok {
		t.Error("mutating GetAll() result affected the store")
	}
}

func TestGetMissing(t *testing.T) {
	st := New(0, 0, discardLogger())
	if _, ok := st.Get("missing"); ok {
		t.Error("Get on empty store should report not-found")
	}
}

func TestPublishUpdatesStoreAndFansOut(t *testing.T) {
	st := New(0, 0, discardLogger())
	sub := st.Subscribe()
	defer st.Release(sub)

	s := sig("a")
	st.Publish(s)

	got, ok := st.Get("a")
	if !ok || got != s {
		t.Fatalf("Get(a) = %+v, %v; want %+v, true", got, ok, s)
	}

	select {
	case delivered := <-sub.C():
		if delivered != s {
			t.Errorf("delivered = %+v, want %+v", delivered, s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSetDoesNotNotifySubscribers(t *testing.T) {
	st := New(0, 0, discardLogger())
	sub := st.Subscribe()
	defer st.Release(sub)

	st.Set(sig("a"))
	st.SetMany(map[string]signal.Signal{"b": sig("b")})

	select {
	case delivered := <-sub.C():
		t.Fatalf("unexpected delivery from Set/SetMany: %+v", delivered)
	case <-time.After(50 * time.Millisecond):
		// expected: no delivery
	}
}

func TestReleaseIsIdempotentAndClosesChannel(t *testing.T) {
	st := New(0, 0, discardLogger())
	sub := st.Subscribe()
	st.Release(sub)
	st.Release(sub) // must not panic

	if _, open := <-sub.C(); open {
		t.Error("channel should be closed after Release")
	}
}

func TestMetricsTracksSubscribersAndSignals(t *testing.T) {
	st := New(0, 0, discardLogger())
	if m := st.Metrics(); m.Subscribers.Total != 0 || m.Signals.Stored != 0 {
		t.Fatalf("expected empty metrics, got %+v", m)
	}

	sub := st.Subscribe()
	st.SetMany(map[string]signal.Signal{"a": sig("a")})

	m := st.Metrics()
	if m.Subscribers.Total != 1 {
		t.Errorf("Subscribers.Total = %d, want 1", m.Subscribers.Total)
	}
	if m.Signals.Stored != 1 {
		t.Errorf("Signals.Stored = %d, want 1", m.Signals.Stored)
	}

	st.Release(sub)
	if m := st.Metrics(); m.Subscribers.Total != 0 {
		t.Errorf("Subscribers.Total after release = %d, want 0", m.Subscribers.Total)
	}
}

// TestBoundedQueueDropAccounting exercises scenario E from the
// specification: a slow subscriber with a full queue must not block
// publish, must be reflected as "slow" in metrics, and must clear once it
// drains.
func TestBoundedQueueDropAccounting(t *testing.T) {
	st := New(2, time.Hour, discardLogger())
	sub := st.Subscribe() // never drained until the end: simulates a blocked consumer

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			st.Publish(sig("s"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if m := st.Metrics(); m.Subscribers.Slow != 1 {
		t.Errorf("Subscribers.Slow = %d, want 1", m.Subscribers.Slow)
	}

	// Drain the queue fully, then a fresh publish should clear the drop record.
	for i := 0; i < 2; i++ {
		<-sub.C()
	}
	st.Publish(sig("s"))

	if m := st.Metrics(); m.Subscribers.Slow != 0 {
		t.Errorf("Subscribers.Slow after drain+publish = %d, want 0", m.Subscribers.Slow)
	}
}

func TestDropLogThrottling(t *testing.T) {
	st := New(1, 10*time.Second, discardLogger())
	sub := st.Subscribe()
	defer st.Release(sub)

	fakeNow := time.Now()
	st.now = func() time.Time { return fakeNow }

	st.Publish(sig("fill")) // occupies the one queue slot

	// First overflow: logs immediately, pending resets to 0.
	st.Publish(sig("drop1"))
	rec, ok := st.dropStats[sub]
	if !ok || rec.pending != 0 {
		t.Fatalf("after first drop, dropStats = %+v, %v", rec, ok)
	}

	// Second overflow within the interval: suppressed, pending increments.
	st.Publish(sig("drop2"))
	rec = st.dropStats[sub]
	if rec.pending != 1 {
		t.Fatalf("after second drop within interval, pending = %d, want 1", rec.pending)
	}

	// Advance the clock past the interval: next overflow logs a summary and resets.
	fakeNow = fakeNow.Add(11 * time.Second)
	st.Publish(sig("drop3"))
	rec = st.dropStats[sub]
	if rec.pending != 0 {
		t.Fatalf("after interval elapses, pending = %d, want reset to 0", rec.pending)
	}
}
