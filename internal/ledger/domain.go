// internal/ledger/domain.go
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanState is the lifecycle state of a Loan.
type LoanState string

const (
	LoanOpen   LoanState = "OPEN"
	LoanClosed LoanState = "CLOSED"
	LoanLost   LoanState = "LOST"
)

// Loan links one Copy to one Member.
type Loan struct {
	ID           uuid.UUID       `json:"id"`
	CopyID       uuid.UUID       `json:"copy_id"`
	TitleID      uuid.UUID       `json:"title_id"`
	MemberID     uuid.UUID       `json:"member_id"`
	State        LoanState       `json:"state"`
	CheckedOutAt time.Time       `json:"checked_out_at"`
	DueAt        time.Time       `json:"due_at"`
	ReturnedAt   *time.Time      `json:"returned_at,omitempty"`
	Renewals     int             `json:"renewals"`
	Fine         decimal.Decimal `json:"fine"`
	Version      int             `json:"version"`
}

// Transition names a recorded change of a Loan.
type Transition string

const (
	TransitionOpened  Transition = "LoanOpened"
	TransitionRenewed Transition = "LoanRenewed"
	TransitionClosed  Transition = "LoanClosed"
	TransitionLost    Transition = "LoanLost"
)

// Entry is one immutable line of the ledger. Loan is the state of the loan
// right after the transition; Seq orders entries across all loans.
type Entry struct {
	Seq        int64      `json:"seq"`
	Transition Transition `json:"transition"`
	At         time.Time  `json:"at"`
	Loan       Loan       `json:"loan"`
}
