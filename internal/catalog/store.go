// internal/catalog/store.go
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTitleNotFound  = errors.New("title not found")
	ErrCopyNotFound   = errors.New("copy not found")
	ErrDuplicateISBN  = errors.New("a title with this ISBN already exists")
	ErrInvalidTitle   = errors.New("title name is required")
	ErrTitleInUse     = errors.New("title still has circulating copies")
	ErrInvalidBarcode = errors.New("copy barcode is required")
	ErrInvalidState   = errors.New("unknown copy state")
)

// Store holds Title and Copy records.
//
// The store only guarantees memory safety of individual reads and writes.
// Multi-step decisions (check a copy, then lend it) are serialized by the
// caller's per-copy and per-title locks.
type Store struct {
	mu            sync.RWMutex
	titles        map[uuid.UUID]*Title
	copies        map[uuid.UUID]*Copy
	copiesByTitle map[uuid.UUID][]uuid.UUID
	titleByISBN   map[string]uuid.UUID
	now           func() time.Time
}

// NewStore creates an empty catalog.
func NewStore() *Store {
	return &Store{
		titles:        make(map[uuid.UUID]*Title),
		copies:        make(map[uuid.UUID]*Copy),
		copiesByTitle: make(map[uuid.UUID][]uuid.UUID),
		titleByISBN:   make(map[string]uuid.UUID),
		now:           time.Now,
	}
}

// AddTitle catalogs a new title with no copies.
func (s *Store) AddTitle(meta TitleMetadata) (Title, error) {
	meta = cleanMetadata(meta)
	if meta.Name == "" {
		return Title{}, ErrInvalidTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.ISBN != "" {
		if _, exists := s.titleByISBN[meta.ISBN]; exists {
			return Title{}, fmt.Errorf("%w: %s", ErrDuplicateISBN, meta.ISBN)
		}
	}

	now := s.now()
	title := &Title{
		ID:            uuid.New(),
		ISBN:          meta.ISBN,
		Name:          meta.Name,
		Author:        meta.Author,
		Publisher:     meta.Publisher,
		PublishedYear: meta.PublishedYear,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.titles[title.ID] = title
	if title.ISBN != "" {
		s.titleByISBN[title.ISBN] = title.ID
	}

	return *title, nil
}

// UpdateTitle replaces the descriptive metadata of a title.
func (s *Store) UpdateTitle(id uuid.UUID, meta TitleMetadata) (Title, error) {
	meta = cleanMetadata(meta)
	if meta.Name == "" {
		return Title{}, ErrInvalidTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	title, ok := s.titles[id]
	if !ok {
		return Title{}, fmt.Errorf("%w: %s", ErrTitleNotFound, id)
	}
	if meta.ISBN != "" && meta.ISBN != title.ISBN {
		if _, exists := s.titleByISBN[meta.ISBN]; exists {
			return Title{}, fmt.Errorf("%w: %s", ErrDuplicateISBN, meta.ISBN)
		}
	}

	if title.ISBN != "" {
		delete(s.titleByISBN, title.ISBN)
	}
	title.ISBN = meta.ISBN
	title.Name = meta.Name
	title.Author = meta.Author
	title.Publisher = meta.Publisher
	title.PublishedYear = meta.PublishedYear
	title.UpdatedAt = s.now()
	if title.ISBN != "" {
		s.titleByISBN[title.ISBN] = title.ID
	}

	return *title, nil
}

// RemoveTitle deletes a title whose copies are all lost or withdrawn.
func (s *Store) RemoveTitle(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	title, ok := s.titles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTitleNotFound, id)
	}
	for _, copyID := range s.copiesByTitle[id] {
		if s.copies[copyID].State.Circulating() {
			return ErrTitleInUse
		}
	}

	for _, copyID := range s.copiesByTitle[id] {
		delete(s.copies, copyID)
	}
	delete(s.copiesByTitle, id)
	if title.ISBN != "" {
		delete(s.titleByISBN, title.ISBN)
	}
	delete(s.titles, id)
	return nil
}

// GetTitle retrieves a title by its ID.
func (s *Store) GetTitle(id uuid.UUID) (Title, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	title, ok := s.titles[id]
	if !ok {
		return Title{}, fmt.Errorf("%w: %s", ErrTitleNotFound, id)
	}
	return *title, nil
}

// FindByName returns titles whose name matches, ignoring case and
// surrounding whitespace.
func (s *Store) FindByName(name string) []Title {
	key := normalize(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []Title
	for _, title := range s.titles {
		if normalize(title.Name) == key {
			found = append(found, *title)
		}
	}
	sortTitles(found)
	return found
}

// ListTitles returns every title ordered by name.
func (s *Store) ListTitles() []Title {
	s.mu.RLock()
	defer s.mu.RUnlock()

	titles := make([]Title, 0, len(s.titles))
	for _, title := range s.titles {
		titles = append(titles, *title)
	}
	sortTitles(titles)
	return titles
}

// AddCopy registers a new AVAILABLE copy of a title.
func (s *Store) AddCopy(titleID uuid.UUID, barcode string) (Copy, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return Copy{}, ErrInvalidBarcode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	title, ok := s.titles[titleID]
	if !ok {
		return Copy{}, fmt.Errorf("%w: %s", ErrTitleNotFound, titleID)
	}

	now := s.now()
	c := &Copy{
		ID:        uuid.New(),
		TitleID:   titleID,
		Barcode:   barcode,
		State:     CopyAvailable,
		UpdatedAt: now,
	}
	s.copies[c.ID] = c
	s.copiesByTitle[titleID] = append(s.copiesByTitle[titleID], c.ID)
	title.TotalCopies++
	title.UpdatedAt = now

	return *c, nil
}

// GetCopy retrieves a copy by its ID.
func (s *Store) GetCopy(id uuid.UUID) (Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.copies[id]
	if !ok {
		return Copy{}, fmt.Errorf("%w: %s", ErrCopyNotFound, id)
	}
	return *c, nil
}

// CopiesOf returns the copies of a title in the order they were added.
func (s *Store) CopiesOf(titleID uuid.UUID) ([]Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.titles[titleID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTitleNotFound, titleID)
	}

	ids := s.copiesByTitle[titleID]
	copies := make([]Copy, 0, len(ids))
	for _, id := range ids {
		copies = append(copies, *s.copies[id])
	}
	return copies, nil
}

// CopiesInState returns every copy currently in the given state, ordered by
// barcode.
func (s *Store) CopiesInState(state CopyState) ([]Copy, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	copies := []Copy{}
	for _, c := range s.copies {
		if c.State == state {
			copies = append(copies, *c)
		}
	}
	sort.Slice(copies, func(i, j int) bool { return copies[i].Barcode < copies[j].Barcode })
	return copies, nil
}

// Copies returns a snapshot of every copy.
func (s *Store) Copies() []Copy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copies := make([]Copy, 0, len(s.copies))
	for _, c := range s.copies {
		copies = append(copies, *c)
	}
	return copies
}

// Lend marks a copy ON_LOAN under the given loan.
func (s *Store) Lend(copyID, loanID uuid.UUID) (Copy, error) {
	return s.update(copyID, func(c *Copy) {
		c.State = CopyOnLoan
		c.LoanID = loanID
		c.ReservedFor = uuid.Nil
		c.PickupExpiresAt = time.Time{}
	})
}

// Release puts a copy back on the shelf.
func (s *Store) Release(copyID uuid.UUID) (Copy, error) {
	return s.update(copyID, func(c *Copy) {
		c.State = CopyAvailable
		c.LoanID = uuid.Nil
		c.ReservedFor = uuid.Nil
		c.PickupExpiresAt = time.Time{}
	})
}

// HoldForPickup sets a copy aside for a member until expiresAt.
func (s *Store) HoldForPickup(copyID, memberID uuid.UUID, expiresAt time.Time) (Copy, error) {
	return s.update(copyID, func(c *Copy) {
		c.State = CopyReservedPendingPickup
		c.LoanID = uuid.Nil
		c.ReservedFor = memberID
		c.PickupExpiresAt = expiresAt
	})
}

// MarkLost records that a copy can no longer be found.
func (s *Store) MarkLost(copyID uuid.UUID) (Copy, error) {
	return s.update(copyID, func(c *Copy) {
		c.State = CopyLost
		c.LoanID = uuid.Nil
		c.ReservedFor = uuid.Nil
		c.PickupExpiresAt = time.Time{}
	})
}

// Withdraw removes a copy from circulation and from its title's copy count.
func (s *Store) Withdraw(copyID uuid.UUID) (Copy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.copies[copyID]
	if !ok {
		return Copy{}, fmt.Errorf("%w: %s", ErrCopyNotFound, copyID)
	}
	if c.State == CopyWithdrawn {
		return *c, nil
	}

	now := s.now()
	c.State = CopyWithdrawn
	c.LoanID = uuid.Nil
	c.ReservedFor = uuid.Nil
	c.PickupExpiresAt = time.Time{}
	c.UpdatedAt = now

	title := s.titles[c.TitleID]
	title.TotalCopies--
	title.UpdatedAt = now

	return *c, nil
}

func (s *Store) update(copyID uuid.UUID, mutate func(*Copy)) (Copy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.copies[copyID]
	if !ok {
		return Copy{}, fmt.Errorf("%w: %s", ErrCopyNotFound, copyID)
	}
	mutate(c)
	c.UpdatedAt = s.now()
	return *c, nil
}

func cleanMetadata(meta TitleMetadata) TitleMetadata {
	meta.ISBN = strings.ReplaceAll(strings.TrimSpace(meta.ISBN), "-", "")
	meta.Name = strings.TrimSpace(meta.Name)
	meta.Author = strings.TrimSpace(meta.Author)
	meta.Publisher = strings.TrimSpace(meta.Publisher)
	return meta
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sortTitles(titles []Title) {
	sort.Slice(titles, func(i, j int) bool {
		ni, nj := normalize(titles[i].Name), normalize(titles[j].Name)
		if ni != nj {
			return ni < nj
		}
		return titles[i].CreatedAt.Before(titles[j].CreatedAt)
	})
}
