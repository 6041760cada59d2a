// internal/journal/kafka_sink.go
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"loanengine/internal/circulation"
)

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NotificationKind tells a member what happened.
type NotificationKind string

const (
	NotifyHoldReady     NotificationKind = "hold_ready"
	NotifyPickupExpired NotificationKind = "pickup_expired"
	NotifyFineCharged   NotificationKind = "fine_charged"
)

// Notification is the message published for member-facing events.
type Notification struct {
	EventID    uuid.UUID        `json:"event_id"`
	Kind       NotificationKind `json:"kind"`
	MemberID   uuid.UUID        `json:"member_id"`
	TitleID    uuid.UUID        `json:"title_id"`
	CopyID     uuid.UUID        `json:"copy_id"`
	LoanID     uuid.UUID        `json:"loan_id"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	Fine       *decimal.Decimal `json:"fine,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// NewKafkaWriter builds a writer that hashes on the message key so all
// notifications of one member land on one partition.
func NewKafkaWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaSink turns events into member notifications.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Deliver(ctx context.Context, events []circulation.Event) error {
	var msgs []kafka.Message
	for _, e := range events {
		n, ok := notificationFor(e)
		if !ok {
			continue
		}
		value, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(n.MemberID.String()),
			Value: value,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
				{Key: "event-id", Value: []byte(e.ID.String())},
			},
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write notifications: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func notificationFor(e circulation.Event) (Notification, bool) {
	n := Notification{
		EventID:    e.ID,
		MemberID:   e.Data.MemberID,
		TitleID:    e.Data.TitleID,
		CopyID:     e.Data.CopyID,
		OccurredAt: e.OccurredAt,
	}

	switch e.Type {
	case circulation.HoldPromoted:
		n.Kind = NotifyHoldReady
		expires := e.Data.ExpiresAt
		n.ExpiresAt = &expires
	case circulation.PickupExpired:
		n.Kind = NotifyPickupExpired
	case circulation.LoanClosed, circulation.LoanLost:
		if !e.Data.Fine.IsPositive() {
			return Notification{}, false
		}
		n.Kind = NotifyFineCharged
		n.LoanID = e.Data.LoanID
		fine := e.Data.Fine
		n.Fine = &fine
	default:
		return Notification{}, false
	}
	return n, true
}
