// internal/membership/store.go
package membership

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMemberNotFound      = errors.New("member not found")
	ErrMemberSuspended     = errors.New("member is suspended")
	ErrBorrowLimitExceeded = errors.New("member has reached the borrowing limit")
	ErrDuplicateEmail      = errors.New("a member with this email already exists")
	ErrInvalidMember       = errors.New("member name and a valid email are required")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrOverpayment         = errors.New("payment exceeds outstanding fine balance")
)

// Store holds Member records together with their loan and fine counters.
// Every method is atomic; the suspension flag is recomputed on each change.
type Store struct {
	mu      sync.RWMutex
	members map[uuid.UUID]*Member
	byEmail map[string]uuid.UUID
	limits  Limits
	now     func() time.Time
}

// NewStore creates an empty member store enforcing limits.
func NewStore(limits Limits) *Store {
	return &Store{
		members: make(map[uuid.UUID]*Member),
		byEmail: make(map[string]uuid.UUID),
		limits:  limits,
		now:     time.Now,
	}
}

// Limits returns the rules the store enforces.
func (s *Store) Limits() Limits {
	return s.limits
}

// Register creates a new member in good standing.
func (s *Store) Register(email, name string) (Member, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)
	if name == "" {
		return Member{}, ErrInvalidMember
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Member{}, ErrInvalidMember
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[email]; exists {
		return Member{}, fmt.Errorf("%w: %s", ErrDuplicateEmail, email)
	}

	now := s.now()
	m := &Member{
		ID:          uuid.New(),
		Email:       email,
		Name:        name,
		FineBalance: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.members[m.ID] = m
	s.byEmail[email] = m.ID

	return *m, nil
}

// Get retrieves a member by their ID.
func (s *Store) Get(id uuid.UUID) (Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[id]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	return *m, nil
}

// BeginLoan takes one borrowing slot for the member. It fails without
// changing anything if the member is suspended or already at the limit.
func (s *Store) BeginLoan(id uuid.UUID) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	if m.Suspended {
		return Member{}, ErrMemberSuspended
	}
	if m.ActiveLoans >= s.limits.MaxActiveLoans {
		return Member{}, ErrBorrowLimitExceeded
	}

	m.ActiveLoans++
	s.touch(m)
	return *m, nil
}

// EndLoan releases a borrowing slot and charges fine, if any.
func (s *Store) EndLoan(id uuid.UUID, fine decimal.Decimal) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	if m.ActiveLoans == 0 {
		panic(fmt.Sprintf("membership: ending a loan for member %s with no active loans", id))
	}

	m.ActiveLoans--
	if fine.IsPositive() {
		m.FineBalance = m.FineBalance.Add(fine)
	}
	s.touch(m)
	return *m, nil
}

// PayFine reduces the member's outstanding balance.
func (s *Store) PayFine(id uuid.UUID, amount decimal.Decimal) (Member, error) {
	if !amount.IsPositive() {
		return Member{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	if amount.GreaterThan(m.FineBalance) {
		return Member{}, fmt.Errorf("%w: balance is %s", ErrOverpayment, m.FineBalance.StringFixed(2))
	}

	m.FineBalance = m.FineBalance.Sub(amount)
	s.touch(m)
	return *m, nil
}

func (s *Store) touch(m *Member) {
	m.Suspended = s.limits.suspended(m)
	m.UpdatedAt = s.now()
}
