// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanengine/internal/catalog"
	"loanengine/internal/ledger"
	"loanengine/internal/membership"
	"loanengine/internal/reservation"
)

// Service defines the interface for the circulation engine.
type Service interface {
	Checkout(ctx context.Context, memberID, copyID uuid.UUID) (ledger.Loan, error)
	ReturnCopy(ctx context.Context, copyID uuid.UUID) (decimal.Decimal, error)
	Renew(ctx context.Context, loanID uuid.UUID) (time.Time, error)
	MarkLost(ctx context.Context, copyID uuid.UUID) (decimal.Decimal, error)
	PlaceHold(ctx context.Context, titleID, memberID uuid.UUID) (int, error)
	CancelHold(ctx context.Context, titleID, memberID uuid.UUID) error
	ExpirePendingPickups(ctx context.Context, now time.Time) (int, error)

	AddTitle(ctx context.Context, meta catalog.TitleMetadata) (catalog.Title, error)
	UpdateTitle(ctx context.Context, titleID uuid.UUID, meta catalog.TitleMetadata) (catalog.Title, error)
	RemoveTitle(ctx context.Context, titleID uuid.UUID) error
	FindTitles(ctx context.Context, name string) ([]catalog.Title, error)
	ListTitles(ctx context.Context) ([]catalog.Title, error)
	AddCopy(ctx context.Context, titleID uuid.UUID, barcode string) (catalog.Copy, error)
	WithdrawCopy(ctx context.Context, copyID uuid.UUID) (catalog.Copy, error)

	RegisterMember(ctx context.Context, email, name string) (membership.Member, error)
	Member(ctx context.Context, memberID uuid.UUID) (membership.Member, error)
	PayFine(ctx context.Context, memberID uuid.UUID, amount decimal.Decimal) (membership.Member, error)

	CopyStatus(ctx context.Context, copyID uuid.UUID) (CopyStatus, error)
	TitleAvailability(ctx context.Context, titleID uuid.UUID) (Availability, error)
	MemberFineBalance(ctx context.Context, memberID uuid.UUID) (decimal.Decimal, error)
	Loan(ctx context.Context, loanID uuid.UUID) (ledger.Loan, error)
	LoanHistory(ctx context.Context, loanID uuid.UUID) ([]ledger.Entry, error)
	ActiveLoans(ctx context.Context, memberID uuid.UUID) ([]ledger.Loan, error)
	HoldQueue(ctx context.Context, titleID uuid.UUID) ([]reservation.Hold, error)
	HoldStatus(ctx context.Context, titleID, memberID uuid.UUID) (HoldStatus, error)
	CopiesInState(ctx context.Context, state catalog.CopyState) ([]catalog.Copy, error)
	LedgerEntries(ctx context.Context, afterSeq int64, limit int) ([]ledger.Entry, error)
}

// CopyStatus is a copy together with the loan or pickup that currently
// claims it, if any.
type CopyStatus struct {
	Copy   catalog.Copy        `json:"copy"`
	Loan   *ledger.Loan        `json:"loan,omitempty"`
	Pickup *reservation.Pickup `json:"pickup,omitempty"`
}

// Availability summarizes the copies and holds of a title. HoldsVersion is
// the version of the title's last hold event.
type Availability struct {
	TitleID       uuid.UUID  `json:"title_id"`
	TotalCopies   int        `json:"total_copies"`
	Available     int        `json:"available"`
	OnLoan        int        `json:"on_loan"`
	PendingPickup int        `json:"pending_pickup"`
	Lost          int        `json:"lost"`
	QueueLength   int        `json:"queue_length"`
	HoldsVersion  int        `json:"holds_version"`
	NextDueAt     *time.Time `json:"next_due_at,omitempty"`
}

// HoldStatus is where a member stands for a title: queued at Position, or
// promoted with a pending Pickup.
type HoldStatus struct {
	TitleID  uuid.UUID           `json:"title_id"`
	MemberID uuid.UUID           `json:"member_id"`
	Position int                 `json:"position,omitempty"`
	Pickup   *reservation.Pickup `json:"pickup,omitempty"`
}
