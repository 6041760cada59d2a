// internal/journal/handler.go
package journal

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"loanengine/internal/eventstore"
)

const (
	defaultStreamBatch = 100
	maxStreamBatch     = 1000
)

// Reader is the read side of the event store.
type Reader interface {
	LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]eventstore.Event, error)
	CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)
	StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]eventstore.Event, error)
}

var _ Reader = (*eventstore.EventStore)(nil)

// AggregateHistory is the journaled history of one loan or title.
type AggregateHistory struct {
	AggregateID uuid.UUID          `json:"aggregate_id"`
	Version     int                `json:"version"`
	Events      []eventstore.Event `json:"events"`
}

// Handler serves the persisted journal over HTTP.
type Handler struct {
	reader Reader
	logger *zap.Logger
}

func NewHandler(reader Reader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{reader: reader, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/events", h.handleStream)
	r.Get("/aggregates/{aggregateID}", h.handleAggregate)
	return r
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "aggregateID"))
	if err != nil {
		http.Error(w, "invalid aggregateID", http.StatusBadRequest)
		return
	}
	from, ok := queryInt(w, r, "from", 1)
	if !ok {
		return
	}
	to, ok := queryInt(w, r, "to", 0)
	if !ok {
		return
	}
	if from < 1 || to < 0 || (to > 0 && to < from) {
		http.Error(w, "invalid version range", http.StatusBadRequest)
		return
	}

	version, err := h.reader.CurrentVersion(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if version == 0 {
		http.Error(w, "no events for aggregate", http.StatusNotFound)
		return
	}
	events, err := h.reader.LoadEvents(r.Context(), id, int(from), int(to))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, AggregateHistory{AggregateID: id, Version: version, Events: events})
}

// handleStream pages through the whole journal by event id.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	after, ok := queryInt(w, r, "after", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", defaultStreamBatch)
	if !ok {
		return
	}
	if after < 0 || limit <= 0 {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}
	if limit > maxStreamBatch {
		limit = maxStreamBatch
	}

	events, err := h.reader.StreamEvents(r.Context(), after, int(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, events)
}

func (h *Handler) respond(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("journal read failed",
		zap.String("path", r.URL.Path),
		zap.Error(err))
	http.Error(w, "journal unavailable", http.StatusInternalServerError)
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
