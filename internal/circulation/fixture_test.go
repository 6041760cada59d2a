package circulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loanengine/internal/catalog"
	"loanengine/internal/fines"
	"loanengine/internal/ledger"
	"loanengine/internal/membership"
	"loanengine/internal/reservation"
)

const day = 24 * time.Hour

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type fixture struct {
	engine  *Engine
	clock   *fakeClock
	catalog *catalog.Store
	members *membership.Store
	ledger  *ledger.Ledger
	holds   *reservation.Manager
	events  *recorder
}

type fixtureConfig struct {
	maxLoans int
	maxQueue int
	logger   *zap.Logger
	opts     []Option
}

func newFixture(cfg fixtureConfig) *fixture {
	if cfg.maxLoans == 0 {
		cfg.maxLoans = 5
	}
	if cfg.maxQueue == 0 {
		cfg.maxQueue = 20
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	f := &fixture{
		clock:   newFakeClock(),
		catalog: catalog.NewStore(),
		members: membership.NewStore(membership.Limits{
			MaxActiveLoans:          cfg.maxLoans,
			SuspensionFineThreshold: decimal.RequireFromString("5.00"),
		}),
		ledger: ledger.New(),
		holds:  reservation.NewManager(cfg.maxQueue),
		events: &recorder{},
	}

	opts := []Option{
		WithClock(f.clock.Now),
		WithPublisher(f.events),
		WithLogger(cfg.logger),
	}
	f.engine = NewEngine(
		Stores{Catalog: f.catalog, Members: f.members, Ledger: f.ledger, Holds: f.holds},
		fines.NewCalculator(decimal.RequireFromString("0.25"), decimal.RequireFromString("10.00")),
		Policy{LoanPeriod: 14 * day, MaxRenewals: 2, PickupWindow: 3 * day},
		append(opts, cfg.opts...)...,
	)
	return f
}

func (f *fixture) title(t require.TestingT, copies int) (catalog.Title, []catalog.Copy) {
	title, err := f.engine.AddTitle(context.Background(), catalog.TitleMetadata{
		ISBN: uuid.NewString()[:13],
		Name: "Title " + uuid.NewString()[:8],
	})
	require.NoError(t, err)

	out := make([]catalog.Copy, copies)
	for i := range out {
		out[i], err = f.engine.AddCopy(context.Background(), title.ID, fmt.Sprintf("BC-%s-%d", title.ID.String()[:8], i))
		require.NoError(t, err)
	}
	return title, out
}

func (f *fixture) member(t require.TestingT) membership.Member {
	id := uuid.NewString()[:8]
	m, err := f.engine.RegisterMember(context.Background(), id+"@example.com", "Member "+id)
	require.NoError(t, err)
	return m
}

func (f *fixture) copyState(t require.TestingT, copyID uuid.UUID) catalog.Copy {
	cp, err := f.catalog.GetCopy(copyID)
	require.NoError(t, err)
	return cp
}

func (f *fixture) activeLoans(t require.TestingT, memberID uuid.UUID) int {
	m, err := f.members.Get(memberID)
	require.NoError(t, err)
	return m.ActiveLoans
}

// checkInvariants asserts the cross-store consistency rules that must hold
// whenever no operation is in flight.
func (f *fixture) checkInvariants() error {
	for _, cp := range f.catalog.Copies() {
		loan, hasLoan := f.ledger.OpenLoanFor(cp.ID)
		pickup, hasPickup := f.holds.PickupOn(cp.ID)

		switch cp.State {
		case catalog.CopyOnLoan:
			if !hasLoan || loan.ID != cp.LoanID {
				return fmt.Errorf("copy %s on loan without matching open loan", cp.ID)
			}
			if hasPickup {
				return fmt.Errorf("copy %s on loan and held for pickup", cp.ID)
			}
		case catalog.CopyReservedPendingPickup:
			if hasLoan {
				return fmt.Errorf("reserved copy %s has open loan", cp.ID)
			}
			if !hasPickup || pickup.MemberID != cp.ReservedFor {
				return fmt.Errorf("reserved copy %s without matching pickup", cp.ID)
			}
		default:
			if hasLoan {
				return fmt.Errorf("copy %s is %s with open loan %s", cp.ID, cp.State, loan.ID)
			}
			if hasPickup {
				return fmt.Errorf("copy %s is %s with pending pickup", cp.ID, cp.State)
			}
			if cp.State == catalog.CopyAvailable && f.holds.Len(cp.TitleID) > 0 {
				return fmt.Errorf("copy %s is on the shelf while title %s has a queue", cp.ID, cp.TitleID)
			}
		}
	}
	return nil
}

func (f *fixture) checkMemberCounts(memberIDs []uuid.UUID) error {
	for _, id := range memberIDs {
		m, err := f.members.Get(id)
		if err != nil {
			return err
		}
		if n := len(f.ledger.ActiveLoansFor(id)); n != m.ActiveLoans {
			return fmt.Errorf("member %s counts %d loans, ledger has %d", id, m.ActiveLoans, n)
		}
		if m.ActiveLoans > f.members.Limits().MaxActiveLoans {
			return fmt.Errorf("member %s exceeds the borrowing limit", id)
		}
	}
	return nil
}
