package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/errs"
	"github.com/peregrine-ai/researchd/internal/store"
)

func newTestBus(t *testing.T, opts Options) (*Bus, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bus.db"), store.Options{VectorDim: 4}, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	jobID, _, err := st.InsertJob(context.Background(), store.KindResearch,
		json.RawMessage(`{"query":"q"}`), "bus-key", time.Hour, 3)
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return New(st, opts, zap.NewNop()), st, jobID
}

// collect drains a subscription until the channel closes or the deadline
// passes.
func collect(t *testing.T, sub *Subscription, deadline time.Duration) []store.Event {
	t.Helper()
	var got []store.Event
	timeout := time.After(deadline)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(got))
		}
	}
}

func TestSubscribeUnknownJob(t *testing.T) {
	bus, _, _ := newTestBus(t, Options{})
	_, err := bus.Subscribe(context.Background(), "job_nope", 0)
	if !errs.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestCatchUpThenLiveNoGapsNoDuplicates(t *testing.T) {
	bus, st, jobID := newTestBus(t, Options{})
	ctx := context.Background()

	// Three events persisted before anyone subscribes.
	for i := 0; i < 3; i++ {
		if _, err := bus.Emit(ctx, jobID, store.EventJobProgress, map[string]any{"pct": i * 10}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	sub, err := bus.Subscribe(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Live events after the catch-up, ending with the terminal.
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = bus.Emit(ctx, jobID, store.EventToolDelta, map[string]any{"text": "…"})
		evt, err := st.FinishJob(ctx, jobID, "", store.StatusSucceeded, nil, store.EventJobSucceeded, nil)
		if err != nil {
			t.Errorf("finish: %v", err)
			return
		}
		bus.Publish(evt)
	}()

	got := collect(t, sub, 2*time.Second)
	if len(got) != 5 {
		t.Fatalf("got %d events, want 5", len(got))
	}
	for i, evt := range got {
		if evt.ID != int64(i+1) {
			t.Errorf("event %d has id %d, want %d", i, evt.ID, i+1)
		}
	}
	if got[4].Type != store.EventJobSucceeded {
		t.Errorf("last event = %s, want %s", got[4].Type, store.EventJobSucceeded)
	}
}

func TestSubscribeSinceSkipsReplayed(t *testing.T) {
	bus, st, jobID := newTestBus(t, Options{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := bus.Emit(ctx, jobID, store.EventJobProgress, nil); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	evt, err := st.FinishJob(ctx, jobID, "", store.StatusSucceeded, nil, store.EventJobSucceeded, nil)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	bus.Publish(evt)

	sub, err := bus.Subscribe(ctx, jobID, 2)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	got := collect(t, sub, 2*time.Second)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3 (ids 3..5)", len(got))
	}
	if got[0].ID != 3 || got[2].ID != 5 {
		t.Errorf("ids = %d..%d, want 3..5", got[0].ID, got[2].ID)
	}
}

func TestTwoSubscribersSeeIdenticalStreams(t *testing.T) {
	bus, st, jobID := newTestBus(t, Options{})
	ctx := context.Background()

	subA, err := bus.Subscribe(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	subB, err := bus.Subscribe(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	go func() {
		for i := 0; i < 5; i++ {
			_, _ = bus.Emit(ctx, jobID, store.EventJobProgress, map[string]any{"pct": i})
		}
		evt, err := st.FinishJob(ctx, jobID, "", store.StatusSucceeded, nil, store.EventJobSucceeded, nil)
		if err != nil {
			t.Errorf("finish: %v", err)
			return
		}
		bus.Publish(evt)
	}()

	done := make(chan []store.Event, 2)
	go func() { done <- collect(t, subA, 2*time.Second) }()
	go func() { done <- collect(t, subB, 2*time.Second) }()
	first, second := <-done, <-done

	if len(first) != len(second) {
		t.Fatalf("streams differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Type != second[i].Type {
			t.Errorf("event %d differs: %d/%s vs %d/%s",
				i, first[i].ID, first[i].Type, second[i].ID, second[i].Type)
		}
	}
}

func TestTerminalEventClosesStream(t *testing.T) {
	bus, st, jobID := newTestBus(t, Options{})
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	evt, err := st.FinishJob(ctx, jobID, "", store.StatusCanceled, nil, store.EventJobCanceled, nil)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	bus.Publish(evt)

	got := collect(t, sub, 2*time.Second)
	if len(got) != 1 || got[0].Type != store.EventJobCanceled {
		t.Fatalf("got %v", got)
	}
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	var drops int
	bus, _, jobID := newTestBus(t, Options{
		SubscriberQueue: 2,
		OnDrop:          func(string) { drops++ },
	})
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Nobody reads sub.out, so the live queue fills and the bus detaches
	// the subscriber.
	for i := 0; i < 10; i++ {
		if _, err := bus.Emit(ctx, jobID, store.EventJobProgress, nil); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	got := collect(t, sub, 2*time.Second)
	if len(got) == 0 {
		t.Fatal("no events before disconnect")
	}
	last := got[len(got)-1]
	if last.Type != store.EventSubscriberSlow {
		t.Errorf("last event = %s, want %s", last.Type, store.EventSubscriberSlow)
	}
	if drops != 1 {
		t.Errorf("drops = %d, want 1", drops)
	}
}

func TestLateSubscriberReplaysFromLog(t *testing.T) {
	bus, st, jobID := newTestBus(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := bus.Emit(ctx, jobID, store.EventJobProgress, nil); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	evt, err := st.FinishJob(ctx, jobID, "", store.StatusSucceeded, nil, store.EventJobSucceeded, nil)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	bus.Publish(evt)

	// The stream retired with the terminal publish; a fresh subscriber
	// must still see the full history from the durable log.
	sub, err := bus.Subscribe(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("late subscribe: %v", err)
	}
	got := collect(t, sub, 2*time.Second)
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4", len(got))
	}
	if got[3].Type != store.EventJobSucceeded {
		t.Errorf("last = %s", got[3].Type)
	}
}
