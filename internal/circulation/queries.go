// internal/circulation/queries.go
package circulation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanengine/internal/catalog"
	"loanengine/internal/ledger"
	"loanengine/internal/membership"
	"loanengine/internal/reservation"
)

// Read queries take no engine locks. Each store answers from a consistent
// snapshot of its own state.

func (e *Engine) CopyStatus(_ context.Context, copyID uuid.UUID) (CopyStatus, error) {
	cp, err := e.catalog.GetCopy(copyID)
	if err != nil {
		return CopyStatus{}, err
	}

	status := CopyStatus{Copy: cp}
	if loan, ok := e.ledger.OpenLoanFor(copyID); ok {
		status.Loan = &loan
	}
	if p, ok := e.holds.PickupOn(copyID); ok {
		status.Pickup = &p
	}
	return status, nil
}

func (e *Engine) TitleAvailability(_ context.Context, titleID uuid.UUID) (Availability, error) {
	title, err := e.catalog.GetTitle(titleID)
	if err != nil {
		return Availability{}, err
	}
	copies, err := e.catalog.CopiesOf(titleID)
	if err != nil {
		return Availability{}, err
	}

	a := Availability{
		TitleID:      titleID,
		TotalCopies:  title.TotalCopies,
		QueueLength:  e.holds.Len(titleID),
		HoldsVersion: e.holds.Version(titleID),
	}
	for _, cp := range copies {
		switch cp.State {
		case catalog.CopyAvailable:
			a.Available++
		case catalog.CopyOnLoan:
			a.OnLoan++
			if loan, ok := e.ledger.OpenLoanFor(cp.ID); ok {
				if a.NextDueAt == nil || loan.DueAt.Before(*a.NextDueAt) {
					due := loan.DueAt
					a.NextDueAt = &due
				}
			}
		case catalog.CopyReservedPendingPickup:
			a.PendingPickup++
		case catalog.CopyLost:
			a.Lost++
		}
	}
	return a, nil
}

func (e *Engine) Member(_ context.Context, memberID uuid.UUID) (membership.Member, error) {
	return e.members.Get(memberID)
}

func (e *Engine) MemberFineBalance(_ context.Context, memberID uuid.UUID) (decimal.Decimal, error) {
	m, err := e.members.Get(memberID)
	if err != nil {
		return decimal.Zero, err
	}
	return m.FineBalance, nil
}

func (e *Engine) Loan(_ context.Context, loanID uuid.UUID) (ledger.Loan, error) {
	return e.ledger.Loan(loanID)
}

func (e *Engine) LoanHistory(_ context.Context, loanID uuid.UUID) ([]ledger.Entry, error) {
	return e.ledger.History(loanID)
}

func (e *Engine) ActiveLoans(_ context.Context, memberID uuid.UUID) ([]ledger.Loan, error) {
	if _, err := e.members.Get(memberID); err != nil {
		return nil, err
	}
	return e.ledger.ActiveLoansFor(memberID), nil
}

// HoldQueue returns the members waiting for a title, head first.
func (e *Engine) HoldQueue(_ context.Context, titleID uuid.UUID) ([]reservation.Hold, error) {
	if _, err := e.catalog.GetTitle(titleID); err != nil {
		return nil, err
	}
	return e.holds.Queued(titleID), nil
}

// HoldStatus reports a member's queue position or pending pickup for a title.
func (e *Engine) HoldStatus(_ context.Context, titleID, memberID uuid.UUID) (HoldStatus, error) {
	if _, err := e.catalog.GetTitle(titleID); err != nil {
		return HoldStatus{}, err
	}

	status := HoldStatus{TitleID: titleID, MemberID: memberID}
	if p, ok := e.holds.PickupFor(titleID, memberID); ok {
		status.Pickup = &p
		return status, nil
	}
	pos, ok := e.holds.Position(titleID, memberID)
	if !ok {
		return HoldStatus{}, fmt.Errorf("%w: member %s on title %s", ErrHoldNotFound, memberID, titleID)
	}
	status.Position = pos
	return status, nil
}

func (e *Engine) CopiesInState(_ context.Context, state catalog.CopyState) ([]catalog.Copy, error) {
	return e.catalog.CopiesInState(state)
}

// LedgerEntries pages through the loan ledger in commit order. afterSeq is
// the last sequence number the caller has seen.
func (e *Engine) LedgerEntries(_ context.Context, afterSeq int64, limit int) ([]ledger.Entry, error) {
	if afterSeq < 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: after=%d limit=%d", ErrInvalidCursor, afterSeq, limit)
	}
	entries := e.ledger.Entries(afterSeq, limit)
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return entries, nil
}
