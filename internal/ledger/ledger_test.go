package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func TestOpenIndexesByCopyAndMember(t *testing.T) {
	l := New()
	copyID, titleID, memberID := uuid.New(), uuid.New(), uuid.New()

	loan, entry, err := l.Open(copyID, titleID, memberID, t0, t0.Add(14*24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, LoanOpen, loan.State)
	assert.Equal(t, 1, loan.Version)
	assert.Equal(t, TransitionOpened, entry.Transition)
	assert.Equal(t, int64(1), entry.Seq)

	open, ok := l.OpenLoanFor(copyID)
	require.True(t, ok)
	assert.Equal(t, loan.ID, open.ID)

	active := l.ActiveLoansFor(memberID)
	require.Len(t, active, 1)
	assert.Equal(t, loan.ID, active[0].ID)
}

func TestOpenRejectsSecondOpenLoanOnCopy(t *testing.T) {
	l := New()
	copyID := uuid.New()

	_, _, err := l.Open(copyID, uuid.New(), uuid.New(), t0, t0)
	require.NoError(t, err)

	_, _, err = l.Open(copyID, uuid.New(), uuid.New(), t0, t0)
	assert.ErrorIs(t, err, ErrCopyOnLoan)
}

func TestRenewAndClose(t *testing.T) {
	l := New()
	copyID, memberID := uuid.New(), uuid.New()
	loan, _, err := l.Open(copyID, uuid.New(), memberID, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)

	renewed, entry, err := l.Renew(loan.ID, t0.Add(48*time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.Renewals)
	assert.Equal(t, t0.Add(48*time.Hour), renewed.DueAt)
	assert.Equal(t, 2, renewed.Version)
	assert.Equal(t, TransitionRenewed, entry.Transition)

	fine := decimal.RequireFromString("0.75")
	closed, entry, err := l.Close(loan.ID, t0.Add(5*24*time.Hour), fine)
	require.NoError(t, err)
	assert.Equal(t, LoanClosed, closed.State)
	assert.True(t, closed.Fine.Equal(fine))
	assert.Equal(t, TransitionClosed, entry.Transition)

	_, ok := l.OpenLoanFor(copyID)
	assert.False(t, ok)
	assert.Empty(t, l.ActiveLoansFor(memberID))

	_, _, err = l.Renew(loan.ID, t0, t0)
	assert.ErrorIs(t, err, ErrLoanNotOpen)
	_, _, err = l.Close(loan.ID, t0, decimal.Zero)
	assert.ErrorIs(t, err, ErrLoanNotOpen)

	history, err := l.History(loan.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []Transition{TransitionOpened, TransitionRenewed, TransitionClosed},
		[]Transition{history[0].Transition, history[1].Transition, history[2].Transition})
	// earlier entries are not rewritten by later transitions
	assert.Equal(t, LoanOpen, history[0].Loan.State)
	assert.Equal(t, 0, history[0].Loan.Renewals)
}

func TestMarkLost(t *testing.T) {
	l := New()
	copyID := uuid.New()
	loan, _, err := l.Open(copyID, uuid.New(), uuid.New(), t0, t0)
	require.NoError(t, err)

	lost, entry, err := l.MarkLost(loan.ID, t0.Add(time.Hour), decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, LoanLost, lost.State)
	assert.Equal(t, TransitionLost, entry.Transition)

	// the copy can carry a new loan once found again
	_, _, err = l.Open(copyID, uuid.New(), uuid.New(), t0, t0)
	assert.NoError(t, err)
}

func TestUnknownLoan(t *testing.T) {
	l := New()

	_, err := l.Loan(uuid.New())
	assert.ErrorIs(t, err, ErrLoanNotFound)
	_, err = l.History(uuid.New())
	assert.ErrorIs(t, err, ErrLoanNotFound)
	_, _, err = l.Renew(uuid.New(), t0, t0)
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestActiveLoansOrderedByCheckout(t *testing.T) {
	l := New()
	memberID := uuid.New()

	second, _, err := l.Open(uuid.New(), uuid.New(), memberID, t0.Add(time.Hour), t0)
	require.NoError(t, err)
	first, _, err := l.Open(uuid.New(), uuid.New(), memberID, t0, t0)
	require.NoError(t, err)

	active := l.ActiveLoansFor(memberID)
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)
}

func TestEntriesCursor(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		_, _, err := l.Open(uuid.New(), uuid.New(), uuid.New(), t0, t0)
		require.NoError(t, err)
	}

	page := l.Entries(0, 2)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].Seq)

	page = l.Entries(page[len(page)-1].Seq, 10)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[0].Seq)

	assert.Empty(t, l.Entries(5, 10))
}

func TestReturnedAtOnlyEncodedOnceFinished(t *testing.T) {
	json := jsoniter.ConfigCompatibleWithStandardLibrary
	l := New()
	loan, _, err := l.Open(uuid.New(), uuid.New(), uuid.New(), t0, t0.Add(14*24*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, loan.ReturnedAt)

	raw, err := json.Marshal(loan)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "returned_at")

	returned := t0.Add(3 * 24 * time.Hour)
	closed, _, err := l.Close(loan.ID, returned, decimal.Zero)
	require.NoError(t, err)
	require.NotNil(t, closed.ReturnedAt)
	assert.Equal(t, returned, *closed.ReturnedAt)

	raw, err = json.Marshal(closed)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"returned_at":"2026-02-04T09:00:00Z"`)
}
