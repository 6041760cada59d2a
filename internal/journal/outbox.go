// internal/journal/outbox.go
package journal

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"loanengine/internal/circulation"
)

var ErrOutboxClosed = errors.New("outbox closed")

// Sink receives events in per-aggregate version order. A batch only ever
// holds events of one aggregate.
type Sink interface {
	Deliver(ctx context.Context, events []circulation.Event) error
}

type aggregateKey struct {
	typ string
	id  uuid.UUID
}

type aggregateState struct {
	next    int
	pending map[int]circulation.Event
	// waitingSince is when the current gap opened; zero while nothing is held back.
	waitingSince time.Time
}

// Outbox buffers events published by the engine and hands them to the sinks
// from a single goroutine. Publication happens after the engine drops its
// locks, so two events of one aggregate can arrive swapped. The outbox holds
// back an event until every lower version of its aggregate was delivered,
// or until the gap has stayed open for longer than the gap timeout.
type Outbox struct {
	events       chan circulation.Event
	done         chan struct{}
	sinks        []Sink
	logger       *zap.Logger
	drainTimeout time.Duration
	gapTimeout   time.Duration
	now          func() time.Time

	aggregates map[aggregateKey]*aggregateState
}

func NewOutbox(capacity int, logger *zap.Logger, sinks ...Sink) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		events:       make(chan circulation.Event, capacity),
		done:         make(chan struct{}),
		sinks:        sinks,
		logger:       logger,
		drainTimeout: 10 * time.Second,
		gapTimeout:   5 * time.Second,
		now:          time.Now,
		aggregates:   make(map[aggregateKey]*aggregateState),
	}
}

// SetGapTimeout bounds how long held-back events wait for a missing lower
// version while the outbox runs. Zero waits until shutdown. Call it before Run.
func (o *Outbox) SetGapTimeout(d time.Duration) {
	o.gapTimeout = d
}

// Publish enqueues events. It blocks while the buffer is full and gives up
// when ctx ends or the outbox has stopped.
func (o *Outbox) Publish(ctx context.Context, events ...circulation.Event) error {
	select {
	case <-o.done:
		return ErrOutboxClosed
	default:
	}

	for _, e := range events {
		select {
		case o.events <- e:
		case <-o.done:
			return ErrOutboxClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run delivers events until ctx is cancelled, then drains what is already
// buffered and returns.
func (o *Outbox) Run(ctx context.Context) error {
	o.logger.Info("outbox started", zap.Int("sinks", len(o.sinks)), zap.Int("capacity", cap(o.events)))

	var tick <-chan time.Time
	if o.gapTimeout > 0 {
		ticker := time.NewTicker(gapCheckInterval(o.gapTimeout))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case e := <-o.events:
			o.accept(ctx, e)
		case <-tick:
			o.flushGaps(ctx, o.gapTimeout)
		case <-ctx.Done():
			close(o.done)
			o.drain(ctx)
			o.logger.Info("outbox stopped")
			return nil
		}
	}
}

func (o *Outbox) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.drainTimeout)
	defer cancel()

	for {
		select {
		case e := <-o.events:
			o.accept(ctx, e)
		default:
			o.flushGaps(ctx, 0)
			return
		}
	}
}

func (o *Outbox) accept(ctx context.Context, e circulation.Event) {
	key := aggregateKey{typ: e.AggregateType, id: e.AggregateID}
	st, ok := o.aggregates[key]
	if !ok {
		st = &aggregateState{next: 1, pending: make(map[int]circulation.Event)}
		o.aggregates[key] = st
	}

	if e.Version < st.next {
		o.logger.Warn("dropping replayed event",
			zap.String("event_type", string(e.Type)),
			zap.Stringer("aggregate_id", e.AggregateID),
			zap.Int("version", e.Version))
		return
	}
	st.pending[e.Version] = e

	var ready []circulation.Event
	for {
		next, ok := st.pending[st.next]
		if !ok {
			break
		}
		delete(st.pending, st.next)
		ready = append(ready, next)
		st.next++
	}
	switch {
	case len(st.pending) == 0:
		st.waitingSince = time.Time{}
	case len(ready) > 0 || st.waitingSince.IsZero():
		st.waitingSince = o.now()
	}
	if len(ready) > 0 {
		o.deliver(ctx, ready)
	}
}

// flushGaps delivers events that have waited at least olderThan for a lower
// version. That version is assumed lost; if it shows up later it is dropped
// as a replay.
func (o *Outbox) flushGaps(ctx context.Context, olderThan time.Duration) {
	now := o.now()
	for key, st := range o.aggregates {
		if len(st.pending) == 0 || now.Sub(st.waitingSince) < olderThan {
			continue
		}
		versions := make([]int, 0, len(st.pending))
		for v := range st.pending {
			versions = append(versions, v)
		}
		sort.Ints(versions)

		o.logger.Warn("delivering events with a version gap",
			zap.String("aggregate_type", key.typ),
			zap.Stringer("aggregate_id", key.id),
			zap.Int("expected_version", st.next),
			zap.Int("first_pending", versions[0]))

		batch := make([]circulation.Event, len(versions))
		for i, v := range versions {
			batch[i] = st.pending[v]
		}
		st.pending = make(map[int]circulation.Event)
		st.waitingSince = time.Time{}
		st.next = versions[len(versions)-1] + 1
		o.deliver(ctx, batch)
	}
}

func gapCheckInterval(timeout time.Duration) time.Duration {
	interval := timeout / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

func (o *Outbox) deliver(ctx context.Context, batch []circulation.Event) {
	for _, sink := range o.sinks {
		if err := sink.Deliver(ctx, batch); err != nil {
			o.logger.Error("sink delivery failed",
				zap.Error(err),
				zap.String("aggregate_type", batch[0].AggregateType),
				zap.Stringer("aggregate_id", batch[0].AggregateID),
				zap.Int("events", len(batch)))
		}
	}
}
