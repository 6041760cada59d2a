// internal/membership/domain.go
package membership

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Member represents a library member and their borrowing standing.
type Member struct {
	ID          uuid.UUID       `json:"id"`
	Email       string          `json:"email"`
	Name        string          `json:"name"`
	ActiveLoans int             `json:"active_loans"`
	FineBalance decimal.Decimal `json:"fine_balance"`
	Suspended   bool            `json:"suspended"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Limits are the borrowing rules a member's suspension flag is derived from.
type Limits struct {
	MaxActiveLoans          int
	SuspensionFineThreshold decimal.Decimal
}

// suspended reports whether m violates the limits.
func (l Limits) suspended(m *Member) bool {
	return m.FineBalance.GreaterThan(l.SuspensionFineThreshold) || m.ActiveLoans > l.MaxActiveLoans
}
