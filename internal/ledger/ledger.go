// internal/ledger/ledger.go
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrLoanNotFound = errors.New("loan not found")
	ErrLoanNotOpen  = errors.New("loan is not open")
	ErrCopyOnLoan   = errors.New("copy already has an open loan")
)

// Ledger is the append-only record of loan lifecycle transitions. It owns
// every Loan; callers only ever receive copies.
//
// Writes come from the circulation coordinator while it holds the copy lock
// of the loan's copy. Reads are safe from any goroutine once a transition
// has been appended.
type Ledger struct {
	mu       sync.RWMutex
	loans    map[uuid.UUID]*Loan
	entries  []Entry
	byLoan   map[uuid.UUID][]int
	openCopy map[uuid.UUID]uuid.UUID
	active   map[uuid.UUID]map[uuid.UUID]struct{}
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		loans:    make(map[uuid.UUID]*Loan),
		byLoan:   make(map[uuid.UUID][]int),
		openCopy: make(map[uuid.UUID]uuid.UUID),
		active:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Open records a new loan of copyID to memberID.
func (l *Ledger) Open(copyID, titleID, memberID uuid.UUID, at, due time.Time) (Loan, Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.openCopy[copyID]; ok {
		return Loan{}, Entry{}, fmt.Errorf("%w: copy %s, loan %s", ErrCopyOnLoan, copyID, existing)
	}

	loan := &Loan{
		ID:           uuid.New(),
		CopyID:       copyID,
		TitleID:      titleID,
		MemberID:     memberID,
		State:        LoanOpen,
		CheckedOutAt: at,
		DueAt:        due,
		Fine:         decimal.Zero,
	}
	l.loans[loan.ID] = loan
	l.openCopy[copyID] = loan.ID
	if l.active[memberID] == nil {
		l.active[memberID] = make(map[uuid.UUID]struct{})
	}
	l.active[memberID][loan.ID] = struct{}{}

	entry := l.append(loan, TransitionOpened, at)
	return *loan, entry, nil
}

// Renew moves the due date of an open loan and counts the renewal.
func (l *Ledger) Renew(loanID uuid.UUID, due, at time.Time) (Loan, Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	loan, err := l.openLoan(loanID)
	if err != nil {
		return Loan{}, Entry{}, err
	}

	loan.DueAt = due
	loan.Renewals++

	entry := l.append(loan, TransitionRenewed, at)
	return *loan, entry, nil
}

// Close records the return of an open loan with the fine it incurred.
func (l *Ledger) Close(loanID uuid.UUID, at time.Time, fine decimal.Decimal) (Loan, Entry, error) {
	return l.finish(loanID, LoanClosed, TransitionClosed, at, fine)
}

// MarkLost closes an open loan whose copy will not come back.
func (l *Ledger) MarkLost(loanID uuid.UUID, at time.Time, fine decimal.Decimal) (Loan, Entry, error) {
	return l.finish(loanID, LoanLost, TransitionLost, at, fine)
}

func (l *Ledger) finish(loanID uuid.UUID, state LoanState, transition Transition, at time.Time, fine decimal.Decimal) (Loan, Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	loan, err := l.openLoan(loanID)
	if err != nil {
		return Loan{}, Entry{}, err
	}

	loan.State = state
	loan.ReturnedAt = &at
	loan.Fine = fine
	delete(l.openCopy, loan.CopyID)
	delete(l.active[loan.MemberID], loan.ID)
	if len(l.active[loan.MemberID]) == 0 {
		delete(l.active, loan.MemberID)
	}

	entry := l.append(loan, transition, at)
	return *loan, entry, nil
}

// Loan retrieves a loan by its ID.
func (l *Ledger) Loan(loanID uuid.UUID) (Loan, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	loan, ok := l.loans[loanID]
	if !ok {
		return Loan{}, fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
	}
	return *loan, nil
}

// OpenLoanFor returns the open loan of a copy, if there is one.
func (l *Ledger) OpenLoanFor(copyID uuid.UUID) (Loan, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	loanID, ok := l.openCopy[copyID]
	if !ok {
		return Loan{}, false
	}
	return *l.loans[loanID], true
}

// ActiveLoansFor returns the member's open loans, oldest first.
func (l *Ledger) ActiveLoansFor(memberID uuid.UUID) []Loan {
	l.mu.RLock()
	defer l.mu.RUnlock()

	loans := make([]Loan, 0, len(l.active[memberID]))
	for loanID := range l.active[memberID] {
		loans = append(loans, *l.loans[loanID])
	}
	sort.Slice(loans, func(i, j int) bool {
		return loans[i].CheckedOutAt.Before(loans[j].CheckedOutAt)
	})
	return loans
}

// History returns every transition of a loan in the order it happened.
func (l *Ledger) History(loanID uuid.UUID) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byLoan[loanID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
	}
	history := make([]Entry, len(idx))
	for i, pos := range idx {
		history[i] = l.entries[pos]
	}
	return history, nil
}

// Entries returns up to limit entries with a sequence number greater than
// afterSeq. It is the cursor used to stream the ledger.
func (l *Ledger) Entries(afterSeq int64, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(l.entries) {
		return nil
	}
	end := len(l.entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]Entry, end-start)
	copy(out, l.entries[start:end])
	return out
}

func (l *Ledger) openLoan(loanID uuid.UUID) (*Loan, error) {
	loan, ok := l.loans[loanID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
	}
	if loan.State != LoanOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrLoanNotOpen, loanID, loan.State)
	}
	return loan, nil
}

// append must be called with mu held.
func (l *Ledger) append(loan *Loan, transition Transition, at time.Time) Entry {
	loan.Version++
	entry := Entry{
		Seq:        int64(len(l.entries) + 1),
		Transition: transition,
		At:         at,
		Loan:       *loan,
	}
	l.byLoan[loan.ID] = append(l.byLoan[loan.ID], len(l.entries))
	l.entries = append(l.entries, entry)
	return entry
}
