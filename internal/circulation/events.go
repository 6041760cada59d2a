// internal/circulation/events.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a domain event produced by the engine.
type EventType string

const (
	LoanOpened    EventType = "LoanOpened"
	LoanRenewed   EventType = "LoanRenewed"
	LoanClosed    EventType = "LoanClosed"
	LoanLost      EventType = "LoanLost"
	HoldPlaced    EventType = "HoldPlaced"
	HoldCancelled EventType = "HoldCancelled"
	HoldPromoted  EventType = "HoldPromoted"
	HoldFulfilled EventType = "HoldFulfilled"
	PickupExpired EventType = "PickupExpired"
)

// Aggregate types events belong to. Loan events are versioned by the loan
// ledger, hold events by the title's reservation version.
const (
	AggregateLoan  = "loan"
	AggregateTitle = "title"
)

// Event is a committed change. Version is assigned while the owning lock is
// held, so per aggregate the versions are gapless and increasing even though
// publication happens later and may interleave.
type Event struct {
	ID            uuid.UUID `json:"id"`
	Type          EventType `json:"type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   uuid.UUID `json:"aggregate_id"`
	Version       int       `json:"version"`
	OccurredAt    time.Time `json:"occurred_at"`
	Data          EventData `json:"data"`
}

// EventData carries the facts of an event. Fields that do not apply to a
// type are left at their zero value.
type EventData struct {
	MemberID  uuid.UUID       `json:"member_id"`
	TitleID   uuid.UUID       `json:"title_id"`
	CopyID    uuid.UUID       `json:"copy_id"`
	LoanID    uuid.UUID       `json:"loan_id"`
	DueAt     time.Time       `json:"due_at,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
	Fine      decimal.Decimal `json:"fine"`
	Position  int             `json:"position,omitempty"`
}

// Publisher receives events after the engine has released its locks.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, ...Event) error { return nil }
