// Package events fans persisted job events out to live subscribers.
// Subscribers first catch up from the durable log (or the in-memory
// replay ring when it covers their position), then switch to live
// delivery. The combined stream has no gaps and no duplicates, and ends
// after the job's terminal event.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/store"
)

// Options tunes the bus.
type Options struct {
	// ReplayWindow is the per-job in-memory ring size (default 512).
	ReplayWindow int
	// SubscriberQueue bounds each subscriber's live queue (default 64).
	// A subscriber that lets its queue fill is disconnected.
	SubscriberQueue int
	// OnPublish is an optional hook called per published event type.
	OnPublish func(eventType string)
	// OnDrop is an optional hook called when a slow subscriber is
	// disconnected.
	OnDrop func(jobID string)
}

func (o *Options) fill() {
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = 512
	}
	if o.SubscriberQueue <= 0 {
		o.SubscriberQueue = 64
	}
}

// Bus is the per-job event fan-out.
type Bus struct {
	store  *store.Store
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mu   sync.Mutex
	ring []store.Event // ascending event ids, at most ReplayWindow
	subs map[*Subscription]struct{}
	done bool // terminal event published
}

// Subscription is one live consumer of a job's events. Read from Events()
// until it closes; the channel closes after the terminal event, after a
// slow-subscriber disconnect (final subscriber.slow event), or on Close.
type Subscription struct {
	ID    string
	jobID string

	out  chan store.Event
	live chan store.Event
	quit chan struct{}
	slow atomic.Bool

	closeOnce sync.Once
	bus       *Bus
}

// Events returns the subscriber-facing channel.
func (s *Subscription) Events() <-chan store.Event { return s.out }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s.jobID, s)
		close(s.quit)
	})
}

// New creates a bus over the durable event log.
func New(st *store.Store, opts Options, logger *zap.Logger) *Bus {
	opts.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		store:   st,
		opts:    opts,
		logger:  logger.Named("events"),
		streams: make(map[string]*stream),
	}
}

// Emit appends an event to the durable log and publishes it live.
func (b *Bus) Emit(ctx context.Context, jobID, eventType string, payload any) (store.Event, error) {
	evt, err := b.store.AppendEvent(ctx, jobID, eventType, payload)
	if err != nil {
		return store.Event{}, err
	}
	b.Publish(evt)
	return evt, nil
}

// Publish fans an already-persisted event out to live subscribers.
// Callers must have durably appended the event first.
func (b *Bus) Publish(evt store.Event) {
	if b.opts.OnPublish != nil {
		b.opts.OnPublish(evt.Type)
	}

	st := b.stream(evt.JobID)
	st.mu.Lock()

	st.ring = append(st.ring, evt)
	if len(st.ring) > b.opts.ReplayWindow {
		st.ring = st.ring[len(st.ring)-b.opts.ReplayWindow:]
	}
	if store.IsTerminalEvent(evt.Type) {
		st.done = true
	}

	for sub := range st.subs {
		select {
		case sub.live <- evt:
		default:
			// Queue full: the subscriber cannot keep up. Detach it so one
			// slow consumer never stalls the job.
			delete(st.subs, sub)
			sub.slow.Store(true)
			close(sub.live)
			if b.opts.OnDrop != nil {
				b.opts.OnDrop(evt.JobID)
			}
			b.logger.Warn("disconnecting slow subscriber",
				zap.String("job_id", evt.JobID), zap.String("subscriber", sub.ID))
		}
	}
	st.mu.Unlock()

	if store.IsTerminalEvent(evt.Type) {
		b.retireStream(evt.JobID)
	}
}

// Subscribe attaches a consumer to a job's event stream starting after
// sinceEventID. Persisted events past that position replay first, then
// delivery goes live. The stream closes after the terminal event.
func (b *Bus) Subscribe(ctx context.Context, jobID string, sinceEventID int64) (*Subscription, error) {
	// Reject unknown jobs up front rather than delivering an empty stream.
	if _, err := b.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:    uuid.NewString()[:8],
		jobID: jobID,
		out:   make(chan store.Event),
		live:  make(chan store.Event, b.opts.SubscriberQueue),
		quit:  make(chan struct{}),
		bus:   b,
	}

	st := b.stream(jobID)
	st.mu.Lock()
	fromRing := len(st.ring) > 0 && st.ring[0].ID <= sinceEventID+1
	var replay []store.Event
	if fromRing {
		for _, evt := range st.ring {
			if evt.ID > sinceEventID {
				replay = append(replay, evt)
			}
		}
	}
	st.subs[sub] = struct{}{}
	st.mu.Unlock()

	go sub.pump(ctx, sinceEventID, replay, fromRing)
	return sub, nil
}

// pump drives one subscription: catch-up then live, deduplicated by
// event id so the handoff is exact.
func (s *Subscription) pump(ctx context.Context, since int64, ringReplay []store.Event, fromRing bool) {
	defer close(s.out)
	defer s.Close()

	last := since

	deliver := func(evt store.Event) bool {
		if evt.ID <= last {
			return true // duplicate across the catch-up/live boundary
		}
		if evt.ID > last+1 {
			// A publisher raced ahead; backfill the gap durably.
			missed, err := s.bus.store.ReadEvents(ctx, s.jobID, last, int(evt.ID-last-1))
			if err != nil {
				s.bus.logger.Warn("event backfill failed",
					zap.String("job_id", s.jobID), zap.Error(err))
			}
			for _, m := range missed {
				if m.ID >= evt.ID {
					break
				}
				if !s.send(ctx, m) {
					return false
				}
				last = m.ID
			}
		}
		if !s.send(ctx, evt) {
			return false
		}
		last = evt.ID
		return !store.IsTerminalEvent(evt.Type)
	}

	if fromRing {
		for _, evt := range ringReplay {
			if !deliver(evt) {
				return
			}
		}
	} else {
		for {
			page, err := s.bus.store.ReadEvents(ctx, s.jobID, last, 256)
			if err != nil {
				s.bus.logger.Warn("event catch-up failed",
					zap.String("job_id", s.jobID), zap.Error(err))
				return
			}
			for _, evt := range page {
				if !deliver(evt) {
					return
				}
			}
			if len(page) < 256 {
				break
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case evt, ok := <-s.live:
			if !ok {
				if s.slow.Load() {
					s.send(ctx, store.Event{
						JobID: s.jobID,
						ID:    last,
						Type:  store.EventSubscriberSlow,
						Payload: []byte(fmt.Sprintf(
							`{"reason":"queue overflow","last_event_id":%d}`, last)),
					})
				}
				return
			}
			if !deliver(evt) {
				return
			}
		}
	}
}

func (s *Subscription) send(ctx context.Context, evt store.Event) bool {
	select {
	case s.out <- evt:
		return true
	case <-ctx.Done():
		return false
	case <-s.quit:
		return false
	}
}

func (b *Bus) stream(jobID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[jobID]
	if !ok {
		st = &stream{subs: make(map[*Subscription]struct{})}
		b.streams[jobID] = st
	}
	return st
}

func (b *Bus) unsubscribe(jobID string, sub *Subscription) {
	b.mu.Lock()
	st := b.streams[jobID]
	b.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.subs, sub)
	st.mu.Unlock()
}

// retireStream drops the in-memory stream once the terminal event is out
// and every subscriber has detached. Late subscribers replay from the
// durable log.
func (b *Bus) retireStream(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[jobID]
	if !ok {
		return
	}
	st.mu.Lock()
	empty := len(st.subs) == 0
	st.mu.Unlock()
	if empty && st.done {
		delete(b.streams, jobID)
	}
}
