package catalog

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	return s
}

func TestAddTitle(t *testing.T) {
	s := newTestStore(t)

	title, err := s.AddTitle(TitleMetadata{ISBN: "978-0-14-143951-8", Name: "  Pride and Prejudice ", Author: "Jane Austen"})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, title.ID)
	assert.Equal(t, "9780141439518", title.ISBN)
	assert.Equal(t, "Pride and Prejudice", title.Name)
	assert.Zero(t, title.TotalCopies)

	got, err := s.GetTitle(title.ID)
	require.NoError(t, err)
	assert.Equal(t, title, got)
}

func TestAddTitleRejectsDuplicateISBN(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AddTitle(TitleMetadata{ISBN: "9780743273565", Name: "The Great Gatsby"})
	require.NoError(t, err)

	_, err = s.AddTitle(TitleMetadata{ISBN: "978-0743273565", Name: "Gatsby (reprint)"})
	assert.ErrorIs(t, err, ErrDuplicateISBN)
}

func TestAddTitleRequiresName(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AddTitle(TitleMetadata{Name: "   "})
	assert.ErrorIs(t, err, ErrInvalidTitle)
}

func TestUpdateTitle(t *testing.T) {
	s := newTestStore(t)
	title, err := s.AddTitle(TitleMetadata{ISBN: "111", Name: "Draft"})
	require.NoError(t, err)
	other, err := s.AddTitle(TitleMetadata{ISBN: "222", Name: "Other"})
	require.NoError(t, err)

	_, err = s.UpdateTitle(title.ID, TitleMetadata{ISBN: other.ISBN, Name: "Clash"})
	assert.ErrorIs(t, err, ErrDuplicateISBN)

	updated, err := s.UpdateTitle(title.ID, TitleMetadata{ISBN: "333", Name: "Final", Author: "Someone"})
	require.NoError(t, err)
	assert.Equal(t, "Final", updated.Name)

	// the old ISBN is free again
	_, err = s.AddTitle(TitleMetadata{ISBN: "111", Name: "Reuse"})
	assert.NoError(t, err)

	_, err = s.UpdateTitle(uuid.New(), TitleMetadata{Name: "x"})
	assert.ErrorIs(t, err, ErrTitleNotFound)
}

func TestFindByNameIgnoresCaseAndSpaces(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddTitle(TitleMetadata{Name: "Dom Casmurro"})
	require.NoError(t, err)
	_, err = s.AddTitle(TitleMetadata{Name: "Memórias Póstumas"})
	require.NoError(t, err)

	found := s.FindByName("  dom CASMURRO ")
	require.Len(t, found, 1)
	assert.Equal(t, "Dom Casmurro", found[0].Name)

	assert.Empty(t, s.FindByName("missing"))
}

func TestListTitlesSortedByName(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"charlie", "Alpha", "bravo"} {
		_, err := s.AddTitle(TitleMetadata{Name: name})
		require.NoError(t, err)
	}

	titles := s.ListTitles()
	require.Len(t, titles, 3)
	assert.Equal(t, "Alpha", titles[0].Name)
	assert.Equal(t, "bravo", titles[1].Name)
	assert.Equal(t, "charlie", titles[2].Name)
}

func TestCopyLifecycle(t *testing.T) {
	s := newTestStore(t)
	title, err := s.AddTitle(TitleMetadata{Name: "Dune"})
	require.NoError(t, err)

	c, err := s.AddCopy(title.ID, "BC-0001")
	require.NoError(t, err)
	assert.Equal(t, CopyAvailable, c.State)

	title, err = s.GetTitle(title.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, title.TotalCopies)

	loanID := uuid.New()
	c, err = s.Lend(c.ID, loanID)
	require.NoError(t, err)
	assert.Equal(t, CopyOnLoan, c.State)
	assert.Equal(t, loanID, c.LoanID)

	member := uuid.New()
	expires := time.Date(2026, 5, 7, 10, 0, 0, 0, time.UTC)
	c, err = s.HoldForPickup(c.ID, member, expires)
	require.NoError(t, err)
	assert.Equal(t, CopyReservedPendingPickup, c.State)
	assert.Equal(t, uuid.Nil, c.LoanID)
	assert.Equal(t, member, c.ReservedFor)
	assert.Equal(t, expires, c.PickupExpiresAt)

	c, err = s.Release(c.ID)
	require.NoError(t, err)
	assert.Equal(t, CopyAvailable, c.State)
	assert.Equal(t, uuid.Nil, c.ReservedFor)
	assert.True(t, c.PickupExpiresAt.IsZero())

	c, err = s.Withdraw(c.ID)
	require.NoError(t, err)
	assert.Equal(t, CopyWithdrawn, c.State)

	title, err = s.GetTitle(title.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, title.TotalCopies)
}

func TestAddCopyValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AddCopy(uuid.New(), "BC-1")
	assert.ErrorIs(t, err, ErrTitleNotFound)

	title, err := s.AddTitle(TitleMetadata{Name: "Emma"})
	require.NoError(t, err)
	_, err = s.AddCopy(title.ID, " ")
	assert.ErrorIs(t, err, ErrInvalidBarcode)
}

func TestCopiesInState(t *testing.T) {
	s := newTestStore(t)
	title, err := s.AddTitle(TitleMetadata{Name: "Ulysses"})
	require.NoError(t, err)

	a, err := s.AddCopy(title.ID, "A")
	require.NoError(t, err)
	_, err = s.AddCopy(title.ID, "B")
	require.NoError(t, err)
	_, err = s.MarkLost(a.ID)
	require.NoError(t, err)

	available, err := s.CopiesInState(CopyAvailable)
	require.NoError(t, err)
	assert.Len(t, available, 1)
	lost, err := s.CopiesInState(CopyLost)
	require.NoError(t, err)
	require.Len(t, lost, 1)
	assert.Equal(t, a.ID, lost[0].ID)

	withdrawn, err := s.CopiesInState(CopyWithdrawn)
	require.NoError(t, err)
	assert.NotNil(t, withdrawn)
	assert.Empty(t, withdrawn)

	_, err = s.CopiesInState("BORROWED")
	assert.ErrorIs(t, err, ErrInvalidState)

	copies, err := s.CopiesOf(title.ID)
	require.NoError(t, err)
	require.Len(t, copies, 2)
	assert.Equal(t, "A", copies[0].Barcode)
	assert.Len(t, s.Copies(), 2)
}

func TestRemoveTitle(t *testing.T) {
	s := newTestStore(t)
	title, err := s.AddTitle(TitleMetadata{ISBN: "42", Name: "Hitchhiker"})
	require.NoError(t, err)
	c, err := s.AddCopy(title.ID, "H-1")
	require.NoError(t, err)

	assert.ErrorIs(t, s.RemoveTitle(title.ID), ErrTitleInUse)

	_, err = s.Withdraw(c.ID)
	require.NoError(t, err)
	require.NoError(t, s.RemoveTitle(title.ID))

	_, err = s.GetTitle(title.ID)
	assert.ErrorIs(t, err, ErrTitleNotFound)
	_, err = s.GetCopy(c.ID)
	assert.ErrorIs(t, err, ErrCopyNotFound)
	assert.ErrorIs(t, s.RemoveTitle(title.ID), ErrTitleNotFound)

	_, err = s.AddTitle(TitleMetadata{ISBN: "42", Name: "Hitchhiker again"})
	assert.NoError(t, err)
}
