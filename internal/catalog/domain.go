// internal/catalog/domain.go
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// CopyState is the circulation state of a single physical copy.
type CopyState string

const (
	CopyAvailable             CopyState = "AVAILABLE"
	CopyOnLoan                CopyState = "ON_LOAN"
	CopyReservedPendingPickup CopyState = "RESERVED_PENDING_PICKUP"
	CopyLost                  CopyState = "LOST"
	CopyWithdrawn             CopyState = "WITHDRAWN"
)

// Valid reports whether s is one of the known states.
func (s CopyState) Valid() bool {
	switch s {
	case CopyAvailable, CopyOnLoan, CopyReservedPendingPickup, CopyLost, CopyWithdrawn:
		return true
	}
	return false
}

// Circulating reports whether a copy in this state still belongs to the
// lendable stock of its title.
func (s CopyState) Circulating() bool {
	return s == CopyAvailable || s == CopyOnLoan || s == CopyReservedPendingPickup
}

// Title represents a catalogued work, independent of its physical copies.
type Title struct {
	ID            uuid.UUID `json:"id"`
	ISBN          string    `json:"isbn"`
	Name          string    `json:"name"`
	Author        string    `json:"author"`
	Publisher     string    `json:"publisher,omitempty"`
	PublishedYear int       `json:"published_year,omitempty"`
	TotalCopies   int       `json:"total_copies"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TitleMetadata is the descriptive part of a Title.
type TitleMetadata struct {
	ISBN          string `json:"isbn"`
	Name          string `json:"name"`
	Author        string `json:"author"`
	Publisher     string `json:"publisher,omitempty"`
	PublishedYear int    `json:"published_year,omitempty"`
}

// Copy is one physical instance of a Title.
//
// LoanID is set only while the copy is ON_LOAN. ReservedFor and
// PickupExpiresAt are set only while it is RESERVED_PENDING_PICKUP.
type Copy struct {
	ID              uuid.UUID `json:"id"`
	TitleID         uuid.UUID `json:"title_id"`
	Barcode         string    `json:"barcode"`
	State           CopyState `json:"state"`
	LoanID          uuid.UUID `json:"loan_id"`
	ReservedFor     uuid.UUID `json:"reserved_for"`
	PickupExpiresAt time.Time `json:"pickup_expires_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
