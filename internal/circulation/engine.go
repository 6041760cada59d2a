// internal/circulation/engine.go
package circulation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"loanengine/internal/catalog"
	"loanengine/internal/fines"
	"loanengine/internal/ledger"
	"loanengine/internal/membership"
	"loanengine/internal/reservation"
)

// Policy holds the loan rules applied by the engine itself. The borrowing
// limit and suspension threshold belong to the member store and the queue
// cap to the reservation manager.
type Policy struct {
	LoanPeriod   time.Duration
	MaxRenewals  int
	PickupWindow time.Duration
}

// Stores are the owners of circulation state. The engine never keeps state
// of its own besides locks.
type Stores struct {
	Catalog *catalog.Store
	Members *membership.Store
	Ledger  *ledger.Ledger
	Holds   *reservation.Manager
}

// Engine coordinates checkouts, returns, renewals and holds.
//
// Every mutation of a copy runs under that copy's lock, and every decision
// about a title's queue under the title's lock. When both are needed the
// copy lock is always taken first. Events are published only after the
// locks are released.
type Engine struct {
	catalog *catalog.Store
	members *membership.Store
	ledger  *ledger.Ledger
	holds   *reservation.Manager
	fines   fines.Calculator
	policy  Policy

	copyLocks  *keyedMutex
	titleLocks *keyedMutex

	now            func() time.Time
	logger         *zap.Logger
	publisher      Publisher
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	instruments
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// NewEngine creates an engine over the given stores.
func NewEngine(stores Stores, calc fines.Calculator, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		catalog:        stores.Catalog,
		members:        stores.Members,
		ledger:         stores.Ledger,
		holds:          stores.Holds,
		fines:          calc,
		policy:         policy,
		copyLocks:      newKeyedMutex(),
		titleLocks:     newKeyedMutex(),
		now:            time.Now,
		logger:         zap.NewNop(),
		publisher:      nopPublisher{},
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.instruments = newInstruments(e.tracerProvider, e.meterProvider)
	return e
}

// Checkout lends a copy to a member. The copy must be AVAILABLE or waiting
// for pickup by this member.
func (e *Engine) Checkout(ctx context.Context, memberID, copyID uuid.UUID) (loan ledger.Loan, err error) {
	ctx, span := e.begin(ctx, "checkout",
		attribute.String("member.id", memberID.String()),
		attribute.String("copy.id", copyID.String()),
	)
	defer func() { e.end(ctx, span, "checkout", err) }()

	member, err := e.members.Get(memberID)
	if err != nil {
		return ledger.Loan{}, err
	}
	if member.Suspended {
		return ledger.Loan{}, ErrMemberSuspended
	}
	cp, err := e.catalog.GetCopy(copyID)
	if err != nil {
		return ledger.Loan{}, err
	}

	loan, events, otherPickup, err := e.checkoutLocked(memberID, cp.ID, cp.TitleID)
	if err != nil {
		return ledger.Loan{}, err
	}
	e.publish(ctx, events)
	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))

	// The member took another copy of a title they were already holding
	// one for; that copy goes to the next in line.
	if otherPickup != uuid.Nil {
		e.dropPickup(ctx, otherPickup, HoldCancelled, e.now(), func(p reservation.Pickup) bool {
			return p.MemberID == memberID
		})
	}

	return loan, nil
}

func (e *Engine) checkoutLocked(memberID, copyID, titleID uuid.UUID) (ledger.Loan, []Event, uuid.UUID, error) {
	defer e.copyLocks.lock(copyID)()
	defer e.titleLocks.lock(titleID)()

	cp, err := e.catalog.GetCopy(copyID)
	if err != nil {
		return ledger.Loan{}, nil, uuid.Nil, err
	}
	switch {
	case cp.State == catalog.CopyAvailable:
	case cp.State == catalog.CopyReservedPendingPickup && cp.ReservedFor == memberID:
	default:
		return ledger.Loan{}, nil, uuid.Nil, fmt.Errorf("%w: copy %s is %s", ErrCopyUnavailable, copyID, cp.State)
	}

	if _, err := e.members.BeginLoan(memberID); err != nil {
		return ledger.Loan{}, nil, uuid.Nil, err
	}

	now := e.now()
	loan, _, err := e.ledger.Open(copyID, titleID, memberID, now, now.Add(e.policy.LoanPeriod))
	invariant(err)
	must(e.catalog.Lend(copyID, loan.ID))

	events := []Event{loanEvent(LoanOpened, loan, now)}

	var otherPickup uuid.UUID
	if cp.State == catalog.CopyReservedPendingPickup {
		p := must(e.holds.CompletePickup(copyID))
		events = append(events, titleEvent(HoldFulfilled, titleID, p.Version, now, EventData{
			MemberID: memberID,
			TitleID:  titleID,
			CopyID:   copyID,
			LoanID:   loan.ID,
		}))
	} else if h, err := e.holds.Remove(titleID, memberID); err == nil {
		events = append(events, titleEvent(HoldFulfilled, titleID, h.Version, now, EventData{
			MemberID: memberID,
			TitleID:  titleID,
			CopyID:   copyID,
			LoanID:   loan.ID,
		}))
	} else if p, ok := e.holds.PickupFor(titleID, memberID); ok {
		otherPickup = p.CopyID
	}

	return loan, events, otherPickup, nil
}

// ReturnCopy closes the open loan on a copy and returns the fine charged.
// The copy goes to the head of the title's queue if anyone is waiting.
func (e *Engine) ReturnCopy(ctx context.Context, copyID uuid.UUID) (fine decimal.Decimal, err error) {
	ctx, span := e.begin(ctx, "return", attribute.String("copy.id", copyID.String()))
	defer func() { e.end(ctx, span, "return", err) }()

	cp, err := e.catalog.GetCopy(copyID)
	if err != nil {
		return decimal.Zero, err
	}

	fine, events, err := e.returnLocked(ctx, cp.ID, cp.TitleID)
	if err != nil {
		return decimal.Zero, err
	}
	e.publish(ctx, events)

	span.SetAttributes(attribute.String("fine", fine.StringFixed(2)))
	return fine, nil
}

func (e *Engine) returnLocked(ctx context.Context, copyID, titleID uuid.UUID) (decimal.Decimal, []Event, error) {
	defer e.copyLocks.lock(copyID)()
	defer e.titleLocks.lock(titleID)()

	loan, ok := e.ledger.OpenLoanFor(copyID)
	if !ok {
		return decimal.Zero, nil, fmt.Errorf("%w: %s", ErrNoOpenLoan, copyID)
	}
	cp := must(e.catalog.GetCopy(copyID))
	if cp.State != catalog.CopyOnLoan || cp.LoanID != loan.ID {
		panic(fmt.Sprintf("circulation: copy %s is %s but loan %s is open", copyID, cp.State, loan.ID))
	}

	now := e.now()
	fine := e.fines.Fine(loan.DueAt, now)
	closed, _, err := e.ledger.Close(loan.ID, now, fine)
	invariant(err)
	must(e.members.EndLoan(loan.MemberID, fine))

	events := []Event{loanEvent(LoanClosed, closed, now)}
	events = append(events, e.offerLocked(ctx, cp, now)...)
	return fine, events, nil
}

// Renew extends an open loan by one loan period, counted from the later of
// the current due date and now.
func (e *Engine) Renew(ctx context.Context, loanID uuid.UUID) (due time.Time, err error) {
	ctx, span := e.begin(ctx, "renew", attribute.String("loan.id", loanID.String()))
	defer func() { e.end(ctx, span, "renew", err) }()

	loan, err := e.ledger.Loan(loanID)
	if err != nil {
		return time.Time{}, err
	}

	due, events, err := e.renewLocked(loan.ID, loan.CopyID, loan.TitleID)
	if err != nil {
		return time.Time{}, err
	}
	e.publish(ctx, events)
	return due, nil
}

func (e *Engine) renewLocked(loanID, copyID, titleID uuid.UUID) (time.Time, []Event, error) {
	defer e.copyLocks.lock(copyID)()
	defer e.titleLocks.lock(titleID)()

	loan := must(e.ledger.Loan(loanID))
	if loan.State != ledger.LoanOpen {
		return time.Time{}, nil, fmt.Errorf("%w: loan %s is %s", ErrNoOpenLoan, loanID, loan.State)
	}
	if loan.Renewals >= e.policy.MaxRenewals {
		return time.Time{}, nil, fmt.Errorf("%w: %d of %d used", ErrRenewalLimitExceeded, loan.Renewals, e.policy.MaxRenewals)
	}
	if n := e.holds.Len(titleID); n > 0 {
		return time.Time{}, nil, fmt.Errorf("%w: %d waiting", ErrHoldExists, n)
	}

	now := e.now()
	from := loan.DueAt
	if now.After(from) {
		from = now
	}
	renewed, _, err := e.ledger.Renew(loanID, from.Add(e.policy.LoanPeriod), now)
	invariant(err)

	return renewed.DueAt, []Event{loanEvent(LoanRenewed, renewed, now)}, nil
}

// MarkLost writes a copy off. A copy on loan closes its loan as LOST and
// charges the member the per-loan fine cap.
func (e *Engine) MarkLost(ctx context.Context, copyID uuid.UUID) (fine decimal.Decimal, err error) {
	ctx, span := e.begin(ctx, "mark_lost", attribute.String("copy.id", copyID.String()))
	defer func() { e.end(ctx, span, "mark_lost", err) }()

	fine, events, err := e.markLostLocked(copyID)
	if err != nil {
		return decimal.Zero, err
	}
	e.publish(ctx, events)
	return fine, nil
}

func (e *Engine) markLostLocked(copyID uuid.UUID) (decimal.Decimal, []Event, error) {
	defer e.copyLocks.lock(copyID)()

	cp, err := e.catalog.GetCopy(copyID)
	if err != nil {
		return decimal.Zero, nil, err
	}

	switch cp.State {
	case catalog.CopyAvailable:
		must(e.catalog.MarkLost(copyID))
		return decimal.Zero, nil, nil

	case catalog.CopyOnLoan:
		loan, ok := e.ledger.OpenLoanFor(copyID)
		if !ok {
			panic(fmt.Sprintf("circulation: copy %s is on loan without an open loan", copyID))
		}
		now := e.now()
		fine := e.fines.MaxPerLoan
		lost, _, err := e.ledger.MarkLost(loan.ID, now, fine)
		invariant(err)
		must(e.members.EndLoan(loan.MemberID, fine))
		must(e.catalog.MarkLost(copyID))
		return fine, []Event{loanEvent(LoanLost, lost, now)}, nil

	default:
		return decimal.Zero, nil, fmt.Errorf("%w: copy %s is %s", ErrCopyUnavailable, copyID, cp.State)
	}
}

// PlaceHold appends the member to the title's queue and returns the
// position they were given. If a copy is on the shelf it is offered to the
// queue right away.
func (e *Engine) PlaceHold(ctx context.Context, titleID, memberID uuid.UUID) (position int, err error) {
	ctx, span := e.begin(ctx, "place_hold",
		attribute.String("title.id", titleID.String()),
		attribute.String("member.id", memberID.String()),
	)
	defer func() { e.end(ctx, span, "place_hold", err) }()

	if _, err := e.members.Get(memberID); err != nil {
		return 0, err
	}

	position, events, err := e.placeHoldLocked(ctx, titleID, memberID)
	if err != nil {
		return 0, err
	}
	e.publish(ctx, events)
	span.SetAttributes(attribute.Int("hold.position", position))

	e.offerAvailable(ctx, titleID)
	return position, nil
}

func (e *Engine) placeHoldLocked(ctx context.Context, titleID, memberID uuid.UUID) (int, []Event, error) {
	defer e.titleLocks.lock(titleID)()

	if _, err := e.catalog.GetTitle(titleID); err != nil {
		return 0, nil, err
	}
	for _, loan := range e.ledger.ActiveLoansFor(memberID) {
		if loan.TitleID == titleID {
			return 0, nil, fmt.Errorf("%w: loan %s is open on this title", ErrDuplicateHold, loan.ID)
		}
	}

	now := e.now()
	h, position, err := e.holds.Place(titleID, memberID, now)
	if err != nil {
		return 0, nil, err
	}
	e.queueLength.Record(ctx, int64(e.holds.Len(titleID)))

	return position, []Event{titleEvent(HoldPlaced, titleID, h.Version, now, EventData{
		MemberID: memberID,
		TitleID:  titleID,
		Position: position,
	})}, nil
}

// CancelHold removes a member's hold on a title, whether still queued or
// already promoted onto a copy. A freed copy moves on to the next in line.
func (e *Engine) CancelHold(ctx context.Context, titleID, memberID uuid.UUID) (err error) {
	ctx, span := e.begin(ctx, "cancel_hold",
		attribute.String("title.id", titleID.String()),
		attribute.String("member.id", memberID.String()),
	)
	defer func() { e.end(ctx, span, "cancel_hold", err) }()

	if _, err := e.catalog.GetTitle(titleID); err != nil {
		return err
	}

	for {
		events, pickupCopy, err := e.cancelQueued(titleID, memberID)
		if err != nil {
			return err
		}
		if pickupCopy == uuid.Nil {
			e.publish(ctx, events)
			return nil
		}

		// The pickup was found under the title lock only; take the copy
		// lock first and look again.
		dropped := e.dropPickup(ctx, pickupCopy, HoldCancelled, e.now(), func(p reservation.Pickup) bool {
			return p.MemberID == memberID
		})
		if dropped {
			return nil
		}
	}
}

func (e *Engine) cancelQueued(titleID, memberID uuid.UUID) ([]Event, uuid.UUID, error) {
	defer e.titleLocks.lock(titleID)()

	h, err := e.holds.Remove(titleID, memberID)
	if err == nil {
		return []Event{titleEvent(HoldCancelled, titleID, h.Version, e.now(), EventData{
			MemberID: memberID,
			TitleID:  titleID,
		})}, uuid.Nil, nil
	}
	if p, ok := e.holds.PickupFor(titleID, memberID); ok {
		return nil, p.CopyID, nil
	}
	return nil, uuid.Nil, fmt.Errorf("%w: member %s on title %s", ErrHoldNotFound, memberID, titleID)
}

// ExpirePendingPickups cancels every pickup whose window has closed at now
// and passes each freed copy on. It returns the number of pickups expired.
func (e *Engine) ExpirePendingPickups(ctx context.Context, now time.Time) (expired int, err error) {
	ctx, span := e.begin(ctx, "expire_pickups")
	defer func() {
		span.SetAttributes(attribute.Int("pickups.expired", expired))
		e.end(ctx, span, "expire_pickups", err)
	}()

	pickups := e.holds.Pickups()
	sort.Slice(pickups, func(i, j int) bool {
		return pickups[i].ExpiresAt.Before(pickups[j].ExpiresAt)
	})

	for _, p := range pickups {
		if !p.Expired(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		member := p.MemberID
		dropped := e.dropPickup(ctx, p.CopyID, PickupExpired, now, func(cur reservation.Pickup) bool {
			return cur.MemberID == member && cur.Expired(now)
		})
		if dropped {
			expired++
			e.logger.Info("pickup expired",
				zap.Stringer("copy_id", p.CopyID),
				zap.Stringer("member_id", p.MemberID),
				zap.Time("expires_at", p.ExpiresAt),
			)
		}
	}

	return expired, nil
}

// dropPickup ends the pending pickup on copyID if it still satisfies valid,
// then offers the copy to the title's queue.
func (e *Engine) dropPickup(ctx context.Context, copyID uuid.UUID, reason EventType, now time.Time, valid func(reservation.Pickup) bool) bool {
	events, dropped := e.dropPickupLocked(ctx, copyID, reason, now, valid)
	e.publish(ctx, events)
	return dropped
}

func (e *Engine) dropPickupLocked(ctx context.Context, copyID uuid.UUID, reason EventType, now time.Time, valid func(reservation.Pickup) bool) ([]Event, bool) {
	defer e.copyLocks.lock(copyID)()

	cp, err := e.catalog.GetCopy(copyID)
	if err != nil {
		return nil, false
	}
	defer e.titleLocks.lock(cp.TitleID)()

	p, ok := e.holds.PickupOn(copyID)
	if !ok || !valid(p) {
		return nil, false
	}
	if cp.State != catalog.CopyReservedPendingPickup || cp.ReservedFor != p.MemberID {
		panic(fmt.Sprintf("circulation: copy %s is %s but held for %s", copyID, cp.State, p.MemberID))
	}

	dropped := must(e.holds.DropPickup(copyID))
	events := []Event{titleEvent(reason, cp.TitleID, dropped.Version, now, EventData{
		MemberID:  dropped.MemberID,
		TitleID:   cp.TitleID,
		CopyID:    copyID,
		ExpiresAt: dropped.ExpiresAt,
	})}
	events = append(events, e.offerLocked(ctx, cp, now)...)
	return events, true
}

// offerAvailable hands the title's AVAILABLE copies to its queue until one
// of them runs out.
func (e *Engine) offerAvailable(ctx context.Context, titleID uuid.UUID) {
	copies, err := e.catalog.CopiesOf(titleID)
	if err != nil {
		return
	}
	for _, cp := range copies {
		if cp.State != catalog.CopyAvailable {
			continue
		}
		events, waiting := e.offerCopy(ctx, cp.ID)
		e.publish(ctx, events)
		if !waiting {
			return
		}
	}
}

// offerCopy offers one copy to its title's queue if it is still AVAILABLE.
// It reports whether anyone is left waiting.
func (e *Engine) offerCopy(ctx context.Context, copyID uuid.UUID) ([]Event, bool) {
	defer e.copyLocks.lock(copyID)()

	cp, err := e.catalog.GetCopy(copyID)
	if err != nil {
		return nil, true
	}
	defer e.titleLocks.lock(cp.TitleID)()

	if e.holds.Len(cp.TitleID) == 0 {
		return nil, false
	}
	if cp.State != catalog.CopyAvailable {
		return nil, true
	}
	events := e.offerLocked(ctx, cp, e.now())
	return events, e.holds.Len(cp.TitleID) > 0
}

// offerLocked gives a vacated copy to the head of its title's queue, or
// shelves it when nobody waits. Both the copy and title locks must be held.
func (e *Engine) offerLocked(ctx context.Context, cp catalog.Copy, now time.Time) []Event {
	expires := now.Add(e.policy.PickupWindow)
	p, ok := e.holds.PromoteHead(cp.TitleID, cp.ID, now, expires)
	if !ok {
		if cp.State != catalog.CopyAvailable {
			must(e.catalog.Release(cp.ID))
		}
		return nil
	}

	must(e.catalog.HoldForPickup(cp.ID, p.MemberID, expires))
	e.queueLength.Record(ctx, int64(e.holds.Len(cp.TitleID)))
	e.logger.Info("hold promoted",
		zap.Stringer("title_id", cp.TitleID),
		zap.Stringer("copy_id", cp.ID),
		zap.Stringer("member_id", p.MemberID),
		zap.Time("expires_at", expires),
	)

	return []Event{titleEvent(HoldPromoted, cp.TitleID, p.Version, now, EventData{
		MemberID:  p.MemberID,
		TitleID:   cp.TitleID,
		CopyID:    cp.ID,
		ExpiresAt: expires,
	})}
}

func (e *Engine) publish(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}
	// The state change is already committed. A caller that gives up must
	// not leave a hole in the aggregate's version sequence.
	if err := e.publisher.Publish(context.WithoutCancel(ctx), events...); err != nil {
		e.logger.Warn("event publication failed",
			zap.Int("events", len(events)),
			zap.String("first_type", string(events[0].Type)),
			zap.Error(err),
		)
	}
}

func loanEvent(t EventType, loan ledger.Loan, at time.Time) Event {
	return Event{
		ID:            uuid.New(),
		Type:          t,
		AggregateType: AggregateLoan,
		AggregateID:   loan.ID,
		Version:       loan.Version,
		OccurredAt:    at,
		Data: EventData{
			MemberID: loan.MemberID,
			TitleID:  loan.TitleID,
			CopyID:   loan.CopyID,
			LoanID:   loan.ID,
			DueAt:    loan.DueAt,
			Fine:     loan.Fine,
		},
	}
}

func titleEvent(t EventType, titleID uuid.UUID, version int, at time.Time, data EventData) Event {
	return Event{
		ID:            uuid.New(),
		Type:          t,
		AggregateType: AggregateTitle,
		AggregateID:   titleID,
		Version:       version,
		OccurredAt:    at,
		Data:          data,
	}
}

// must and invariant guard calls that cannot fail while the engine holds
// the right locks. A failure means the stores disagree with each other.
func must[T any](v T, err error) T {
	invariant(err)
	return v
}

func invariant(err error) {
	if err != nil {
		panic(fmt.Sprintf("circulation: broken invariant: %v", err))
	}
}
