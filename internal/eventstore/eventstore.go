// internal/eventstore/eventstore.go
package eventstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

const (
	dialectPostgres = "postgres"
	tableEvents     = "events"
)

var eventColumns = []interface{}{
	"id", "aggregate_id", "aggregate_type", "event_type", "event_data", "metadata", "version", "created_at",
}

// Schema creates the journal table. Versions are unique per aggregate so a
// racing writer fails on insert even if it passed the version check.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id BIGSERIAL PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL,
	metadata JSONB,
	version INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS events_aggregate_type_idx ON events (aggregate_type);
`

// Metadata is free-form string context stored next to an event.
type Metadata map[string]string

// Value encodes the metadata as JSON for the JSONB column.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan decodes a JSONB column.
func (m *Metadata) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("metadata: cannot scan %T", src)
	}
}

// Event is one row of the journal.
type Event struct {
	ID            int64               `json:"id" db:"id"`
	AggregateID   uuid.UUID           `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string              `json:"aggregate_type" db:"aggregate_type"`
	EventType     string              `json:"event_type" db:"event_type"`
	EventData     jsoniter.RawMessage `json:"event_data" db:"event_data"`
	Metadata      Metadata            `json:"metadata" db:"metadata"`
	Version       int                 `json:"version" db:"version"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}

// EventStore appends and reads events with optimistic concurrency per
// aggregate.
type EventStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
	now    func() time.Time
}

func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("loanengine/eventstore"),
		now:    time.Now,
	}
}

// Open connects to Postgres through lib/pq and checks the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the events table if it does not exist.
func (es *EventStore) EnsureSchema(ctx context.Context) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.ensure_schema")
	defer span.End()

	if _, err := es.db.ExecContext(ctx, Schema); err != nil {
		span.RecordError(err)
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// AppendEvents appends events to an aggregate whose stored version must equal
// expectedVersion. The events get versions expectedVersion+1, +2, ...
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := es.db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.QueryRowxContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query current version: %w", err)
	}

	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, event := range events {
		version := expectedVersion + i + 1
		createdAt := event.CreatedAt
		if createdAt.IsZero() {
			createdAt = es.now()
		}

		var eventID int64
		err = stmt.QueryRowxContext(ctx,
			aggregateID,
			aggregateType,
			event.EventType,
			[]byte(event.EventData),
			event.Metadata,
			version,
			createdAt.UTC(),
		).Scan(&eventID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", eventID),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// LoadEvents returns the events of an aggregate with fromVersion <= version,
// bounded by toVersion when it is positive.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query, args, err := buildLoadQuery(aggregateID, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}

	events := []Event{}
	if err := es.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// CurrentVersion returns the latest stored version of an aggregate, 0 when it
// has no events.
func (es *EventStore) CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.current_version",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
		),
	)
	defer span.End()

	var version int
	err := es.db.GetContext(ctx, &version, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query version: %w", err)
	}

	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

// StreamEvents returns up to batchSize events with id > fromID, in id order,
// for projections that follow the journal.
func (es *EventStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	query, args, err := buildStreamQuery(fromID, batchSize)
	if err != nil {
		return nil, err
	}

	events := []Event{}
	if err := es.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func buildLoadQuery(aggregateID uuid.UUID, fromVersion, toVersion int) (string, []interface{}, error) {
	where := goqu.Ex{
		"aggregate_id": aggregateID.String(),
		"version":      goqu.Op{"gte": fromVersion},
	}
	ds := goqu.Dialect(dialectPostgres).
		From(tableEvents).
		Select(eventColumns...).
		Where(where).
		Order(goqu.I("version").Asc())
	if toVersion > 0 {
		ds = ds.Where(goqu.C("version").Lte(toVersion))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("build load query: %w", err)
	}
	return query, args, nil
}

func buildStreamQuery(fromID int64, batchSize int) (string, []interface{}, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	query, args, err := goqu.Dialect(dialectPostgres).
		From(tableEvents).
		Select(eventColumns...).
		Where(goqu.C("id").Gt(fromID)).
		Order(goqu.I("id").Asc()).
		Limit(uint(batchSize)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("build stream query: %w", err)
	}
	return query, args, nil
}
