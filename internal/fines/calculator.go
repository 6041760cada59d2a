// internal/fines/calculator.go
package fines

import (
	"time"

	"github.com/shopspring/decimal"
)

// Day is the unit overdue time is counted in.
const Day = 24 * time.Hour

// Calculator computes overdue fines. It holds no state besides its rates and
// is safe to call from any goroutine.
type Calculator struct {
	DailyRate  decimal.Decimal
	MaxPerLoan decimal.Decimal
}

// NewCalculator creates a Calculator charging dailyRate per started overdue day,
// never more than maxPerLoan for a single loan.
func NewCalculator(dailyRate, maxPerLoan decimal.Decimal) Calculator {
	return Calculator{
		DailyRate:  dailyRate,
		MaxPerLoan: maxPerLoan,
	}
}

// Fine returns the amount owed for an item due at due and returned at returned.
func (c Calculator) Fine(due, returned time.Time) decimal.Decimal {
	days := OverdueDays(due, returned)
	if days == 0 {
		return decimal.Zero
	}

	amount := c.DailyRate.Mul(decimal.NewFromInt(days))
	if amount.GreaterThan(c.MaxPerLoan) {
		return c.MaxPerLoan
	}
	return amount
}

// OverdueDays counts started days between due and returned. A partial day counts
// as a full one.
func OverdueDays(due, returned time.Time) int64 {
	if !returned.After(due) {
		return 0
	}

	late := returned.Sub(due)
	days := int64(late / Day)
	if late%Day != 0 {
		days++
	}
	return days
}
