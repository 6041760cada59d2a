package circulation

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"loanengine/internal/catalog"
	"loanengine/internal/ledger"
	"loanengine/internal/membership"
)

func newTestServer(t *testing.T, limiter *rate.Limiter) (*fixture, *httptest.Server) {
	f := newFixture(fixtureConfig{})
	srv := httptest.NewServer(NewHandler(f.engine, limiter, nil).Routes())
	t.Cleanup(srv.Close)
	return f, srv
}

func doJSON(t *testing.T, method, url string, body, out interface{}) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHandlerCheckoutFlow(t *testing.T) {
	_, srv := newTestServer(t, nil)

	var title catalog.Title
	status := doJSON(t, http.MethodPost, srv.URL+"/titles", catalog.TitleMetadata{
		ISBN: "978-0-13-468599-1",
		Name: "The Go Programming Language",
	}, &title)
	require.Equal(t, http.StatusCreated, status)

	var cp catalog.Copy
	status = doJSON(t, http.MethodPost, srv.URL+"/titles/"+title.ID.String()+"/copies",
		map[string]string{"barcode": "GO-001"}, &cp)
	require.Equal(t, http.StatusCreated, status)

	var m membership.Member
	status = doJSON(t, http.MethodPost, srv.URL+"/members",
		map[string]string{"email": "gopher@example.com", "name": "Gopher"}, &m)
	require.Equal(t, http.StatusCreated, status)

	var loan ledger.Loan
	status = doJSON(t, http.MethodPost, srv.URL+"/copies/"+cp.ID.String()+"/checkout",
		map[string]uuid.UUID{"member_id": m.ID}, &loan)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, cp.ID, loan.CopyID)

	status = doJSON(t, http.MethodPost, srv.URL+"/copies/"+cp.ID.String()+"/checkout",
		map[string]uuid.UUID{"member_id": m.ID}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var copyStatus CopyStatus
	status = doJSON(t, http.MethodGet, srv.URL+"/copies/"+cp.ID.String(), nil, &copyStatus)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, catalog.CopyOnLoan, copyStatus.Copy.State)
	require.NotNil(t, copyStatus.Loan)
	assert.Equal(t, loan.ID, copyStatus.Loan.ID)

	var returned struct {
		Fine string `json:"fine"`
	}
	status = doJSON(t, http.MethodPost, srv.URL+"/copies/"+cp.ID.String()+"/return", nil, &returned)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0", returned.Fine)

	var history []ledger.Entry
	status = doJSON(t, http.MethodGet, srv.URL+"/loans/"+loan.ID.String()+"/history", nil, &history)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, history, 2)
}

func TestHandlerHolds(t *testing.T) {
	f, srv := newTestServer(t, nil)
	title, copies := f.title(t, 1)
	holder, waiting := f.member(t), f.member(t)
	_, err := f.engine.Checkout(t.Context(), holder.ID, copies[0].ID)
	require.NoError(t, err)

	var placed struct {
		Position int `json:"position"`
	}
	status := doJSON(t, http.MethodPost, srv.URL+"/titles/"+title.ID.String()+"/holds",
		map[string]uuid.UUID{"member_id": waiting.ID}, &placed)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 1, placed.Position)

	var availability Availability
	status = doJSON(t, http.MethodGet, srv.URL+"/titles/"+title.ID.String()+"/availability", nil, &availability)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, availability.QueueLength)
	assert.Equal(t, 1, availability.OnLoan)
	assert.Equal(t, 1, availability.HoldsVersion)

	status = doJSON(t, http.MethodDelete, srv.URL+"/titles/"+title.ID.String()+"/holds/"+waiting.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = doJSON(t, http.MethodDelete, srv.URL+"/titles/"+title.ID.String()+"/holds/"+waiting.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandlerRejectsBadInput(t *testing.T) {
	_, srv := newTestServer(t, nil)

	status := doJSON(t, http.MethodGet, srv.URL+"/copies/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = doJSON(t, http.MethodGet, srv.URL+"/copies/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = doJSON(t, http.MethodPost, srv.URL+"/members", map[string]string{"email": "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandlerRateLimitsWrites(t *testing.T) {
	_, srv := newTestServer(t, rate.NewLimiter(rate.Limit(0.001), 1))

	status := doJSON(t, http.MethodPost, srv.URL+"/members",
		map[string]string{"email": "first@example.com", "name": "First"}, nil)
	assert.Equal(t, http.StatusCreated, status)

	status = doJSON(t, http.MethodPost, srv.URL+"/members",
		map[string]string{"email": "second@example.com", "name": "Second"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)

	// reads are not limited
	status = doJSON(t, http.MethodGet, srv.URL+"/titles", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestHandlerConcurrentCheckoutPreventsDoubleBooking(t *testing.T) {
	f, srv := newTestServer(t, nil)
	_, copies := f.title(t, 1)

	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < 10; i++ {
		m := f.member(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := doJSON(t, http.MethodPost, srv.URL+"/copies/"+copies[0].ID.String()+"/checkout",
				map[string]uuid.UUID{"member_id": m.ID}, nil)
			if status == http.StatusCreated {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())

	var availability Availability
	status := doJSON(t, http.MethodGet, srv.URL+"/titles/"+copies[0].TitleID.String()+"/availability", nil, &availability)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, availability.Available)
	assert.Equal(t, 1, availability.OnLoan)
}

func TestHandlerHoldStatus(t *testing.T) {
	f, srv := newTestServer(t, nil)
	title, copies := f.title(t, 1)
	holder, first, second := f.member(t), f.member(t), f.member(t)
	_, err := f.engine.Checkout(t.Context(), holder.ID, copies[0].ID)
	require.NoError(t, err)
	_, err = f.engine.PlaceHold(t.Context(), title.ID, first.ID)
	require.NoError(t, err)

	var placed struct {
		Position int `json:"position"`
	}
	status := doJSON(t, http.MethodPost, srv.URL+"/titles/"+title.ID.String()+"/holds",
		map[string]uuid.UUID{"member_id": second.ID}, &placed)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 2, placed.Position)

	var hold HoldStatus
	status = doJSON(t, http.MethodGet, srv.URL+"/titles/"+title.ID.String()+"/holds/"+second.ID.String(), nil, &hold)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, hold.Position)
	assert.Nil(t, hold.Pickup)

	_, err = f.engine.ReturnCopy(t.Context(), copies[0].ID)
	require.NoError(t, err)

	hold = HoldStatus{}
	status = doJSON(t, http.MethodGet, srv.URL+"/titles/"+title.ID.String()+"/holds/"+first.ID.String(), nil, &hold)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, hold.Pickup)
	assert.Equal(t, copies[0].ID, hold.Pickup.CopyID)
	assert.Zero(t, hold.Position)

	status = doJSON(t, http.MethodGet, srv.URL+"/titles/"+title.ID.String()+"/holds/"+holder.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	var reserved []catalog.Copy
	status = doJSON(t, http.MethodGet, srv.URL+"/copies?state=RESERVED_PENDING_PICKUP", nil, &reserved)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, reserved, 1)
	assert.Equal(t, copies[0].ID, reserved[0].ID)

	status = doJSON(t, http.MethodGet, srv.URL+"/copies?state=BORROWED", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandlerLedgerCursor(t *testing.T) {
	f, srv := newTestServer(t, nil)
	_, copies := f.title(t, 2)
	m := f.member(t)
	for _, cp := range copies {
		_, err := f.engine.Checkout(t.Context(), m.ID, cp.ID)
		require.NoError(t, err)
	}
	_, err := f.engine.ReturnCopy(t.Context(), copies[0].ID)
	require.NoError(t, err)

	var page []ledger.Entry
	status := doJSON(t, http.MethodGet, srv.URL+"/ledger?limit=2", nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].Seq)

	last := page[len(page)-1].Seq
	status = doJSON(t, http.MethodGet, srv.URL+"/ledger?after="+strconv.FormatInt(last, 10), nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page, 1)
	assert.Equal(t, int64(3), page[0].Seq)

	status = doJSON(t, http.MethodGet, srv.URL+"/ledger?after=3", nil, &page)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, page)

	for _, query := range []string{"after=-1", "limit=0", "after=x"} {
		status = doJSON(t, http.MethodGet, srv.URL+"/ledger?"+query, nil, nil)
		assert.Equal(t, http.StatusBadRequest, status, query)
	}
}
