// internal/circulation/telemetry.go
package circulation

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"loanengine/internal/catalog"
	"loanengine/internal/ledger"
	"loanengine/internal/membership"
)

const instrumentationName = "loanengine/circulation"

type instruments struct {
	tracer      trace.Tracer
	operations  metric.Int64Counter
	queueLength metric.Int64Histogram
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider) instruments {
	meter := mp.Meter(instrumentationName)

	ops, err := meter.Int64Counter("circulation.operations",
		metric.WithDescription("Engine operations by outcome"),
	)
	if err != nil {
		otel.Handle(err)
		ops, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("circulation.operations")
	}
	queue, err := meter.Int64Histogram("circulation.hold_queue.length",
		metric.WithDescription("Hold queue length after a hold is placed or promoted"),
		metric.WithUnit("{hold}"),
	)
	if err != nil {
		otel.Handle(err)
		queue, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Histogram("circulation.hold_queue.length")
	}

	return instruments{
		tracer:      tp.Tracer(instrumentationName),
		operations:  ops,
		queueLength: queue,
	}
}

func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "circulation."+op, trace.WithAttributes(attrs...))
}

func (e *Engine) end(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()

	outcome := "success"
	if err != nil {
		outcome = "rejected"
		if !isBusinessError(err) {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug("operation failed",
			zap.String("operation", op),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
	}

	e.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

var businessErrors = []error{
	ErrCopyUnavailable,
	ErrNoOpenLoan,
	ErrRenewalLimitExceeded,
	ErrHoldExists,
	ErrMemberSuspended,
	ErrBorrowLimitExceeded,
	ErrDuplicateHold,
	ErrQueueFull,
	ErrHoldNotFound,
	catalog.ErrTitleNotFound,
	catalog.ErrCopyNotFound,
	catalog.ErrDuplicateISBN,
	catalog.ErrInvalidTitle,
	catalog.ErrTitleInUse,
	catalog.ErrInvalidBarcode,
	catalog.ErrInvalidState,
	ErrInvalidCursor,
	membership.ErrMemberNotFound,
	membership.ErrDuplicateEmail,
	membership.ErrInvalidMember,
	membership.ErrInvalidAmount,
	membership.ErrOverpayment,
	ledger.ErrLoanNotFound,
}

func isBusinessError(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
