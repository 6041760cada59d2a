package fines

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func testCalculator() Calculator {
	return NewCalculator(decimal.RequireFromString("0.25"), decimal.RequireFromString("10.00"))
}

func TestFine(t *testing.T) {
	c := testCalculator()
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		returned time.Time
		want     string
	}{
		{"returned early", due.Add(-48 * time.Hour), "0"},
		{"returned on due", due, "0"},
		{"one second late", due.Add(time.Second), "0.25"},
		{"exactly one day late", due.Add(Day), "0.25"},
		{"one day and a minute", due.Add(Day + time.Minute), "0.5"},
		{"ten days late", due.Add(10 * Day), "2.5"},
		{"hundred days late hits cap", due.Add(100 * Day), "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Fine(due, tt.returned)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestOverdueDays(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, int64(0), OverdueDays(due, due))
	assert.Equal(t, int64(1), OverdueDays(due, due.Add(time.Nanosecond)))
	assert.Equal(t, int64(2), OverdueDays(due, due.Add(Day+time.Hour)))
	assert.Equal(t, int64(0), OverdueDays(due, due.Add(-Day)))
}

func TestFineProperties(t *testing.T) {
	c := testCalculator()
	due := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rapid.Check(t, func(t *rapid.T) {
		a := time.Duration(rapid.Int64Range(-int64(30*Day), int64(400*Day)).Draw(t, "a"))
		b := time.Duration(rapid.Int64Range(-int64(30*Day), int64(400*Day)).Draw(t, "b"))
		if a > b {
			a, b = b, a
		}

		fa := c.Fine(due, due.Add(a))
		fb := c.Fine(due, due.Add(b))

		if fa.IsNegative() {
			t.Fatalf("negative fine %s", fa)
		}
		if fb.GreaterThan(c.MaxPerLoan) {
			t.Fatalf("fine %s exceeds cap %s", fb, c.MaxPerLoan)
		}
		if fa.GreaterThan(fb) {
			t.Fatalf("fine not monotonic: %s after %s, %s after %s", fa, a, fb, b)
		}
		if a <= 0 && !fa.IsZero() {
			t.Fatalf("fine %s charged for on-time return", fa)
		}
	})
}
