// internal/circulation/admin.go
package circulation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"loanengine/internal/catalog"
	"loanengine/internal/membership"
)

func (e *Engine) AddTitle(ctx context.Context, meta catalog.TitleMetadata) (title catalog.Title, err error) {
	ctx, span := e.begin(ctx, "add_title", attribute.String("title.isbn", meta.ISBN))
	defer func() { e.end(ctx, span, "add_title", err) }()

	return e.catalog.AddTitle(meta)
}

func (e *Engine) UpdateTitle(ctx context.Context, titleID uuid.UUID, meta catalog.TitleMetadata) (title catalog.Title, err error) {
	ctx, span := e.begin(ctx, "update_title", attribute.String("title.id", titleID.String()))
	defer func() { e.end(ctx, span, "update_title", err) }()

	return e.catalog.UpdateTitle(titleID, meta)
}

// RemoveTitle deletes a title that has no circulating copies and nobody
// waiting for it.
func (e *Engine) RemoveTitle(ctx context.Context, titleID uuid.UUID) (err error) {
	ctx, span := e.begin(ctx, "remove_title", attribute.String("title.id", titleID.String()))
	defer func() { e.end(ctx, span, "remove_title", err) }()

	defer e.titleLocks.lock(titleID)()

	if e.holds.Active(titleID) {
		return fmt.Errorf("%w: holds are pending", catalog.ErrTitleInUse)
	}
	return e.catalog.RemoveTitle(titleID)
}

func (e *Engine) FindTitles(_ context.Context, name string) ([]catalog.Title, error) {
	return e.catalog.FindByName(name), nil
}

func (e *Engine) ListTitles(context.Context) ([]catalog.Title, error) {
	return e.catalog.ListTitles(), nil
}

// AddCopy registers a new copy of a title. The copy is offered to the
// title's queue before it reaches the shelf.
func (e *Engine) AddCopy(ctx context.Context, titleID uuid.UUID, barcode string) (cp catalog.Copy, err error) {
	ctx, span := e.begin(ctx, "add_copy", attribute.String("title.id", titleID.String()))
	defer func() { e.end(ctx, span, "add_copy", err) }()

	cp, err = e.catalog.AddCopy(titleID, barcode)
	if err != nil {
		return catalog.Copy{}, err
	}
	span.SetAttributes(attribute.String("copy.id", cp.ID.String()))

	events, _ := e.offerCopy(ctx, cp.ID)
	e.publish(ctx, events)

	return e.catalog.GetCopy(cp.ID)
}

// WithdrawCopy takes a copy out of circulation for good. Only copies on the
// shelf or already written off can be withdrawn.
func (e *Engine) WithdrawCopy(ctx context.Context, copyID uuid.UUID) (cp catalog.Copy, err error) {
	ctx, span := e.begin(ctx, "withdraw_copy", attribute.String("copy.id", copyID.String()))
	defer func() { e.end(ctx, span, "withdraw_copy", err) }()

	defer e.copyLocks.lock(copyID)()

	cp, err = e.catalog.GetCopy(copyID)
	if err != nil {
		return catalog.Copy{}, err
	}
	if cp.State != catalog.CopyAvailable && cp.State != catalog.CopyLost && cp.State != catalog.CopyWithdrawn {
		return catalog.Copy{}, fmt.Errorf("%w: copy %s is %s", ErrCopyUnavailable, copyID, cp.State)
	}
	return e.catalog.Withdraw(copyID)
}

func (e *Engine) RegisterMember(ctx context.Context, email, name string) (m membership.Member, err error) {
	ctx, span := e.begin(ctx, "register_member")
	defer func() { e.end(ctx, span, "register_member", err) }()

	return e.members.Register(email, name)
}

// PayFine reduces the member's balance, which may lift a suspension.
func (e *Engine) PayFine(ctx context.Context, memberID uuid.UUID, amount decimal.Decimal) (m membership.Member, err error) {
	ctx, span := e.begin(ctx, "pay_fine",
		attribute.String("member.id", memberID.String()),
		attribute.String("amount", amount.StringFixed(2)),
	)
	defer func() { e.end(ctx, span, "pay_fine", err) }()

	return e.members.PayFine(memberID, amount)
}
