// internal/reservation/manager.go
package reservation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDuplicateHold = errors.New("member already holds a reservation for this title")
	ErrQueueFull     = errors.New("hold queue is full")
	ErrHoldNotFound  = errors.New("hold not found")
)

// Hold is a queued reservation of a title by a member.
type Hold struct {
	TitleID  uuid.UUID `json:"title_id"`
	MemberID uuid.UUID `json:"member_id"`
	PlacedAt time.Time `json:"placed_at"`
	// Version is the title's reservation version after the change that
	// produced this value.
	Version int `json:"version"`
}

// Pickup is a hold that was promoted onto a specific copy and now waits
// for the member to collect it.
type Pickup struct {
	TitleID    uuid.UUID `json:"title_id"`
	MemberID   uuid.UUID `json:"member_id"`
	CopyID     uuid.UUID `json:"copy_id"`
	PlacedAt   time.Time `json:"placed_at"`
	PromotedAt time.Time `json:"promoted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Version    int       `json:"version"`
}

// Expired reports whether the pickup window has closed at now.
func (p Pickup) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

type titleHolds struct {
	queue *queue
	// pickups maps member to the copy held for them.
	pickups map[uuid.UUID]uuid.UUID
}

// Manager owns the hold queues and pending pickups of every title.
//
// Its own mutex only keeps the maps consistent. Callers that need a
// decision spanning several calls (who receives a vacated copy) hold the
// title lock of the circulation engine around them.
type Manager struct {
	mu       sync.Mutex
	maxLen   int
	titles   map[uuid.UUID]*titleHolds
	pickups  map[uuid.UUID]*Pickup
	versions map[uuid.UUID]int
}

// NewManager creates a manager whose queues accept at most maxLen holds.
func NewManager(maxLen int) *Manager {
	return &Manager{
		maxLen:   maxLen,
		titles:   make(map[uuid.UUID]*titleHolds),
		pickups:  make(map[uuid.UUID]*Pickup),
		versions: make(map[uuid.UUID]int),
	}
}

// Place appends a hold to the tail of the title's queue and returns its
// 1-based position.
func (m *Manager) Place(titleID, memberID uuid.UUID, at time.Time) (Hold, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	th := m.title(titleID)
	if th.queue.contains(memberID) {
		return Hold{}, 0, fmt.Errorf("%w: queued for title %s", ErrDuplicateHold, titleID)
	}
	if _, ok := th.pickups[memberID]; ok {
		return Hold{}, 0, fmt.Errorf("%w: pickup pending for title %s", ErrDuplicateHold, titleID)
	}
	if th.queue.len() >= m.maxLen {
		m.gc(titleID)
		return Hold{}, 0, fmt.Errorf("%w: %d holds", ErrQueueFull, m.maxLen)
	}

	h := Hold{
		TitleID:  titleID,
		MemberID: memberID,
		PlacedAt: at,
		Version:  m.bump(titleID),
	}
	th.queue.pushBack(h)
	return h, th.queue.len(), nil
}

// Remove takes a queued hold out of the title's queue wherever it sits.
func (m *Manager) Remove(titleID, memberID uuid.UUID) (Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	th, ok := m.titles[titleID]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	h, ok := th.queue.remove(memberID)
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	h.Version = m.bump(titleID)
	m.gc(titleID)
	return h, nil
}

// PromoteHead moves the head of the title's queue onto copyID. It reports
// false and changes nothing when the queue is empty.
func (m *Manager) PromoteHead(titleID, copyID uuid.UUID, at, expiresAt time.Time) (Pickup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	th, ok := m.titles[titleID]
	if !ok {
		return Pickup{}, false
	}
	if _, taken := m.pickups[copyID]; taken {
		panic(fmt.Sprintf("reservation: copy %s already has a pending pickup", copyID))
	}
	h, ok := th.queue.popFront()
	if !ok {
		return Pickup{}, false
	}

	p := &Pickup{
		TitleID:    titleID,
		MemberID:   h.MemberID,
		CopyID:     copyID,
		PlacedAt:   h.PlacedAt,
		PromotedAt: at,
		ExpiresAt:  expiresAt,
		Version:    m.bump(titleID),
	}
	m.pickups[copyID] = p
	th.pickups[h.MemberID] = copyID
	return *p, true
}

// CompletePickup ends the pending pickup on copyID because the member
// collected it. DropPickup ends it for any other reason.
func (m *Manager) CompletePickup(copyID uuid.UUID) (Pickup, error) {
	return m.endPickup(copyID)
}

// DropPickup removes the pending pickup on copyID after a cancellation or
// an expired window. The hold is gone; it does not rejoin the queue.
func (m *Manager) DropPickup(copyID uuid.UUID) (Pickup, error) {
	return m.endPickup(copyID)
}

func (m *Manager) endPickup(copyID uuid.UUID) (Pickup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pickups[copyID]
	if !ok {
		return Pickup{}, fmt.Errorf("%w: no pickup pending on copy %s", ErrHoldNotFound, copyID)
	}
	delete(m.pickups, copyID)
	delete(m.titles[p.TitleID].pickups, p.MemberID)
	p.Version = m.bump(p.TitleID)
	m.gc(p.TitleID)
	return *p, nil
}

// PickupOn returns the pending pickup held on a copy.
func (m *Manager) PickupOn(copyID uuid.UUID) (Pickup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pickups[copyID]
	if !ok {
		return Pickup{}, false
	}
	return *p, true
}

// PickupFor returns the member's pending pickup for a title.
func (m *Manager) PickupFor(titleID, memberID uuid.UUID) (Pickup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	th, ok := m.titles[titleID]
	if !ok {
		return Pickup{}, false
	}
	copyID, ok := th.pickups[memberID]
	if !ok {
		return Pickup{}, false
	}
	return *m.pickups[copyID], true
}

// Pickups returns every pending pickup.
func (m *Manager) Pickups() []Pickup {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Pickup, 0, len(m.pickups))
	for _, p := range m.pickups {
		out = append(out, *p)
	}
	return out
}

// Position returns the member's 1-based place in the title's queue.
func (m *Manager) Position(titleID, memberID uuid.UUID) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	th, ok := m.titles[titleID]
	if !ok {
		return 0, false
	}
	pos := th.queue.position(memberID)
	return pos, pos > 0
}

// Len is the number of queued holds, excluding pending pickups.
func (m *Manager) Len(titleID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	th, ok := m.titles[titleID]
	if !ok {
		return 0
	}
	return th.queue.len()
}

// Queued returns the title's queue in priority order.
func (m *Manager) Queued(titleID uuid.UUID) []Hold {
	m.mu.Lock()
	defer m.mu.Unlock()

	th, ok := m.titles[titleID]
	if !ok {
		return []Hold{}
	}
	return th.queue.holds()
}

// Active reports whether the title has queued holds or pending pickups.
func (m *Manager) Active(titleID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.titles[titleID]
	return ok
}

// Version is the title's current reservation version.
func (m *Manager) Version(titleID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.versions[titleID]
}

func (m *Manager) title(titleID uuid.UUID) *titleHolds {
	th, ok := m.titles[titleID]
	if !ok {
		th = &titleHolds{queue: newQueue(), pickups: make(map[uuid.UUID]uuid.UUID)}
		m.titles[titleID] = th
	}
	return th
}

func (m *Manager) bump(titleID uuid.UUID) int {
	m.versions[titleID]++
	return m.versions[titleID]
}

// gc drops the per-title state once nothing is queued or pending.
func (m *Manager) gc(titleID uuid.UUID) {
	th, ok := m.titles[titleID]
	if ok && th.queue.len() == 0 && len(th.pickups) == 0 {
		delete(m.titles, titleID)
	}
}
