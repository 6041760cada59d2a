// internal/circulation/handler.go
package circulation

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"loanengine/internal/catalog"
	"loanengine/internal/ledger"
	"loanengine/internal/membership"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultLedgerPage = 100
	maxLedgerPage     = 1000
)

type Handler struct {
	service Service
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHandler exposes service over HTTP. Mutating routes share limiter.
func NewHandler(service Service, limiter *rate.Limiter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, limiter: limiter, logger: logger}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/titles", h.handleListTitles)
	r.Get("/titles/{titleID}/availability", h.handleTitleAvailability)
	r.Get("/titles/{titleID}/holds", h.handleHoldQueue)
	r.Get("/titles/{titleID}/holds/{memberID}", h.handleHoldStatus)
	r.Get("/copies", h.handleCopiesInState)
	r.Get("/copies/{copyID}", h.handleCopyStatus)
	r.Get("/members/{memberID}", h.handleGetMember)
	r.Get("/members/{memberID}/loans", h.handleActiveLoans)
	r.Get("/members/{memberID}/fines", h.handleFineBalance)
	r.Get("/loans/{loanID}", h.handleGetLoan)
	r.Get("/loans/{loanID}/history", h.handleLoanHistory)
	r.Get("/ledger", h.handleLedgerEntries)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)

		r.Post("/titles", h.handleAddTitle)
		r.Put("/titles/{titleID}", h.handleUpdateTitle)
		r.Delete("/titles/{titleID}", h.handleRemoveTitle)
		r.Post("/titles/{titleID}/copies", h.handleAddCopy)
		r.Post("/titles/{titleID}/holds", h.handlePlaceHold)
		r.Delete("/titles/{titleID}/holds/{memberID}", h.handleCancelHold)

		r.Post("/copies/{copyID}/checkout", h.handleCheckout)
		r.Post("/copies/{copyID}/return", h.handleReturn)
		r.Post("/copies/{copyID}/lost", h.handleMarkLost)
		r.Delete("/copies/{copyID}", h.handleWithdrawCopy)

		r.Post("/members", h.handleRegisterMember)
		r.Post("/members/{memberID}/payments", h.handlePayFine)

		r.Post("/loans/{loanID}/renew", h.handleRenew)

		r.Post("/pickups/expire", h.handleExpirePickups)
	})

	return r
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleAddTitle(w http.ResponseWriter, r *http.Request) {
	var req catalog.TitleMetadata
	if !decode(w, r, &req) {
		return
	}

	title, err := h.service.AddTitle(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, title)
}

func (h *Handler) handleListTitles(w http.ResponseWriter, r *http.Request) {
	var (
		titles []catalog.Title
		err    error
	)
	if name := r.URL.Query().Get("name"); name != "" {
		titles, err = h.service.FindTitles(r.Context(), name)
	} else {
		titles, err = h.service.ListTitles(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, titles)
}

func (h *Handler) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	var req catalog.TitleMetadata
	if !decode(w, r, &req) {
		return
	}

	title, err := h.service.UpdateTitle(r.Context(), titleID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, title)
}

func (h *Handler) handleRemoveTitle(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	if err := h.service.RemoveTitle(r.Context(), titleID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTitleAvailability(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	a, err := h.service.TitleAvailability(r.Context(), titleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, a)
}

func (h *Handler) handleAddCopy(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	var req struct {
		Barcode string `json:"barcode"`
	}
	if !decode(w, r, &req) {
		return
	}

	cp, err := h.service.AddCopy(r.Context(), titleID, req.Barcode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, cp)
}

func (h *Handler) handleHoldQueue(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	holds, err := h.service.HoldQueue(r.Context(), titleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, holds)
}

func (h *Handler) handleHoldStatus(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	status, err := h.service.HoldStatus(r.Context(), titleID, memberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, status)
}

func (h *Handler) handlePlaceHold(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	var req struct {
		MemberID uuid.UUID `json:"member_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	position, err := h.service.PlaceHold(r.Context(), titleID, req.MemberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]int{"position": position})
}

func (h *Handler) handleCancelHold(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	if err := h.service.CancelHold(r.Context(), titleID, memberID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCopyStatus(w http.ResponseWriter, r *http.Request) {
	copyID, ok := pathID(w, r, "copyID")
	if !ok {
		return
	}
	status, err := h.service.CopyStatus(r.Context(), copyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, status)
}

func (h *Handler) handleCopiesInState(w http.ResponseWriter, r *http.Request) {
	state := catalog.CopyState(r.URL.Query().Get("state"))
	if state == "" {
		state = catalog.CopyAvailable
	}
	copies, err := h.service.CopiesInState(r.Context(), state)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, copies)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	copyID, ok := pathID(w, r, "copyID")
	if !ok {
		return
	}
	var req struct {
		MemberID uuid.UUID `json:"member_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	loan, err := h.service.Checkout(r.Context(), req.MemberID, copyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, loan)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	copyID, ok := pathID(w, r, "copyID")
	if !ok {
		return
	}
	fine, err := h.service.ReturnCopy(r.Context(), copyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]decimal.Decimal{"fine": fine})
}

func (h *Handler) handleMarkLost(w http.ResponseWriter, r *http.Request) {
	copyID, ok := pathID(w, r, "copyID")
	if !ok {
		return
	}
	fine, err := h.service.MarkLost(r.Context(), copyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]decimal.Decimal{"fine": fine})
}

func (h *Handler) handleWithdrawCopy(w http.ResponseWriter, r *http.Request) {
	copyID, ok := pathID(w, r, "copyID")
	if !ok {
		return
	}
	cp, err := h.service.WithdrawCopy(r.Context(), copyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, cp)
}

func (h *Handler) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}

	m, err := h.service.RegisterMember(r.Context(), req.Email, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, m)
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	m, err := h.service.Member(r.Context(), memberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, m)
}

func (h *Handler) handleActiveLoans(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	loans, err := h.service.ActiveLoans(r.Context(), memberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, loans)
}

func (h *Handler) handleFineBalance(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	balance, err := h.service.MemberFineBalance(r.Context(), memberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]decimal.Decimal{"balance": balance})
}

func (h *Handler) handlePayFine(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}

	m, err := h.service.PayFine(r.Context(), memberID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, m)
}

func (h *Handler) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	loan, err := h.service.Loan(r.Context(), loanID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, loan)
}

func (h *Handler) handleLoanHistory(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	history, err := h.service.LoanHistory(r.Context(), loanID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, history)
}

// handleLedgerEntries pages through the loan ledger. Clients resume from
// the seq of the last entry they received.
func (h *Handler) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	after, ok := queryInt(w, r, "after", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", defaultLedgerPage)
	if !ok {
		return
	}
	if limit > maxLedgerPage {
		limit = maxLedgerPage
	}
	entries, err := h.service.LedgerEntries(r.Context(), after, int(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, entries)
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	due, err := h.service.Renew(r.Context(), loanID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]time.Time{"due_at": due})
}

func (h *Handler) handleExpirePickups(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ExpirePendingPickups(r.Context(), time.Now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]int{"expired": n})
}

func (h *Handler) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	http.Error(w, err.Error(), status)
}

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrTitleNotFound),
		errors.Is(err, catalog.ErrCopyNotFound),
		errors.Is(err, membership.ErrMemberNotFound),
		errors.Is(err, ledger.ErrLoanNotFound),
		errors.Is(err, ErrHoldNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMemberSuspended):
		return http.StatusForbidden
	case errors.Is(err, catalog.ErrInvalidTitle),
		errors.Is(err, catalog.ErrInvalidBarcode),
		errors.Is(err, catalog.ErrInvalidState),
		errors.Is(err, ErrInvalidCursor),
		errors.Is(err, membership.ErrInvalidMember),
		errors.Is(err, membership.ErrInvalidAmount):
		return http.StatusBadRequest
	case isBusinessError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid "+key, http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, "invalid "+param, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
