// internal/journal/postgres_sink.go
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"loanengine/internal/circulation"
	"loanengine/internal/eventstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Appender is the write side of the event store.
type Appender interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []eventstore.Event) error
}

// PostgresSink appends engine events to the journal. Calls go through a
// circuit breaker so an unavailable database does not stall the outbox on
// every batch.
type PostgresSink struct {
	store   Appender
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewPostgresSink(store Appender, logger *zap.Logger) *PostgresSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        "journal-postgres",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A conflict means the batch is already stored.
			return err == nil || errors.Is(err, eventstore.ErrConcurrencyConflict)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &PostgresSink{
		store:   store,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (s *PostgresSink) Deliver(ctx context.Context, events []circulation.Event) error {
	if len(events) == 0 {
		return nil
	}
	first := events[0]

	rows := make([]eventstore.Event, len(events))
	for i, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Type, err)
		}
		rows[i] = eventstore.Event{
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     string(e.Type),
			EventData:     data,
			Metadata:      eventstore.Metadata{"event_id": e.ID.String()},
			Version:       e.Version,
			CreatedAt:     e.OccurredAt,
		}
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.store.AppendEvents(ctx, first.AggregateID, first.AggregateType, first.Version-1, rows)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		s.logger.Warn("journal already holds events",
			zap.Stringer("aggregate_id", first.AggregateID),
			zap.Int("from_version", first.Version))
		return nil
	default:
		return fmt.Errorf("append %s %s: %w", first.AggregateType, first.AggregateID, err)
	}
}

// State reports the breaker state.
func (s *PostgresSink) State() gobreaker.State {
	return s.breaker.State()
}
