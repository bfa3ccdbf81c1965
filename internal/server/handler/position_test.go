package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketd/internal/coverage"
	"bracketd/internal/domain"
	"bracketd/internal/service"
)

type stubPositions struct {
	byID   map[int64]domain.Position
	listed []domain.Position
}

func (s *stubPositions) Get(_ context.Context, id int64) (domain.Position, error) {
	p, ok := s.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *stubPositions) ListByStatus(_ context.Context, status domain.PositionStatus, _ domain.ListOpts) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.listed {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

type stubCoverage struct {
	cov coverage.Coverage
	err error
}

func (s *stubCoverage) EvaluateCoverage(context.Context, int64) (coverage.Coverage, error) {
	return s.cov, s.err
}

type stubCloser struct {
	closeErr  error
	retryErr  error
	closedIDs []int64
}

func (s *stubCloser) Close(_ context.Context, id int64) (<-chan service.CloseResult, error) {
	if s.closeErr != nil {
		return nil, s.closeErr
	}
	s.closedIDs = append(s.closedIDs, id)
	ch := make(chan service.CloseResult, 1)
	ch <- service.CloseResult{PositionID: id}
	close(ch)
	return ch, nil
}

func (s *stubCloser) RetryClose(_ context.Context, id int64) error {
	return s.retryErr
}

type stubAdjuster struct {
	err     error
	lastTP  *float64
	lastSL  *float64
	lastDel float64
}

func (s *stubAdjuster) SetTakeProfit(_ context.Context, _ int64, price *float64) error {
	s.lastTP = price
	return s.err
}

func (s *stubAdjuster) SetStopLoss(_ context.Context, _ int64, price *float64) error {
	s.lastSL = price
	return s.err
}

func (s *stubAdjuster) AdjustQuantity(_ context.Context, _ int64, delta float64, tp, sl *float64) error {
	s.lastDel = delta
	s.lastTP = tp
	s.lastSL = sl
	return s.err
}

type positionFixture struct {
	handler   *PositionHandler
	positions *stubPositions
	coverage  *stubCoverage
	closer    *stubCloser
	adjuster  *stubAdjuster
	mux       *http.ServeMux
}

func newPositionFixture() *positionFixture {
	f := &positionFixture{
		positions: &stubPositions{byID: map[int64]domain.Position{}},
		coverage:  &stubCoverage{},
		closer:    &stubCloser{},
		adjuster:  &stubAdjuster{},
	}
	f.handler = NewPositionHandler(f.positions, f.coverage, f.closer, f.adjuster,
		slog.New(slog.DiscardHandler))

	f.mux = http.NewServeMux()
	f.mux.HandleFunc("GET /api/positions", f.handler.ListPositions)
	f.mux.HandleFunc("GET /api/positions/{id}/coverage", f.handler.GetCoverage)
	f.mux.HandleFunc("POST /api/positions/{id}/close", f.handler.ClosePosition)
	f.mux.HandleFunc("POST /api/positions/{id}/close/retry", f.handler.RetryClose)
	f.mux.HandleFunc("PUT /api/positions/{id}/take-profit", f.handler.SetTakeProfit)
	f.mux.HandleFunc("PUT /api/positions/{id}/stop-loss", f.handler.SetStopLoss)
	f.mux.HandleFunc("PUT /api/positions/{id}/quantity", f.handler.AdjustQuantity)
	return f
}

func (f *positionFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestListPositions_FiltersByStatus(t *testing.T) {
	f := newPositionFixture()
	f.positions.listed = []domain.Position{
		{ID: 1, Symbol: "LRCX", Status: domain.PositionStatusOpened, CreatedAt: time.Now()},
		{ID: 2, Symbol: "AMD", Status: domain.PositionStatusClosed, CreatedAt: time.Now()},
	}

	rec := f.do(t, http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	assert.Equal(t, "LRCX", positions[0].(map[string]any)["symbol"])
}

func TestListPositions_RejectsUnknownStatus(t *testing.T) {
	f := newPositionFixture()
	rec := f.do(t, http.MethodGet, "/api/positions?status=sideways", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCoverage(t *testing.T) {
	f := newPositionFixture()
	f.coverage.cov = coverage.Coverage{SLMissing: true}

	rec := f.do(t, http.MethodGet, "/api/positions/7/coverage", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["covered"])
	assert.Equal(t, false, body["tp_missing"])
	assert.Equal(t, true, body["sl_missing"])
}

func TestGetCoverage_NotFound(t *testing.T) {
	f := newPositionFixture()
	f.coverage.err = domain.ErrNotFound

	rec := f.do(t, http.MethodGet, "/api/positions/99/coverage", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClosePosition_Accepted(t *testing.T) {
	f := newPositionFixture()

	rec := f.do(t, http.MethodPost, "/api/positions/5/close", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "closing", body["status"])
	assert.Equal(t, []int64{5}, f.closer.closedIDs)
}

func TestClosePosition_PreconditionIsConflict(t *testing.T) {
	f := newPositionFixture()
	f.closer.closeErr = domain.ErrPrecondition

	rec := f.do(t, http.MethodPost, "/api/positions/5/close", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClosePosition_BadID(t *testing.T) {
	f := newPositionFixture()
	rec := f.do(t, http.MethodPost, "/api/positions/abc/close", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryClose_ReturnsPosition(t *testing.T) {
	f := newPositionFixture()
	f.positions.byID[5] = domain.Position{
		ID: 5, Symbol: "LRCX", Status: domain.PositionStatusOpened, CreatedAt: time.Now(),
	}

	rec := f.do(t, http.MethodPost, "/api/positions/5/close/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "opened", decode(t, rec)["status"])
}

func TestSetTakeProfit(t *testing.T) {
	f := newPositionFixture()
	f.positions.byID[5] = domain.Position{ID: 5, Status: domain.PositionStatusOpened, CreatedAt: time.Now()}

	rec := f.do(t, http.MethodPut, "/api/positions/5/take-profit", `{"price": 250.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.adjuster.lastTP)
	assert.Equal(t, 250.5, *f.adjuster.lastTP)
}

func TestSetTakeProfit_NullClearsTarget(t *testing.T) {
	f := newPositionFixture()
	f.positions.byID[5] = domain.Position{ID: 5, Status: domain.PositionStatusOpened, CreatedAt: time.Now()}

	rec := f.do(t, http.MethodPut, "/api/positions/5/take-profit", `{"price": null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.adjuster.lastTP)
}

func TestSetStopLoss_RejectsNonPositivePrice(t *testing.T) {
	f := newPositionFixture()

	rec := f.do(t, http.MethodPut, "/api/positions/5/stop-loss", `{"price": -3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, f.adjuster.lastSL)
}

func TestAdjustQuantity(t *testing.T) {
	f := newPositionFixture()
	f.positions.byID[5] = domain.Position{ID: 5, Status: domain.PositionStatusOpened, CreatedAt: time.Now()}

	rec := f.do(t, http.MethodPut, "/api/positions/5/quantity",
		`{"delta": -4, "take_profit": 250, "stop_loss": 200}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, -4.0, f.adjuster.lastDel)
	require.NotNil(t, f.adjuster.lastTP)
	assert.Equal(t, 250.0, *f.adjuster.lastTP)
}

func TestAdjustQuantity_ValidationIsBadRequest(t *testing.T) {
	f := newPositionFixture()
	f.adjuster.err = domain.ErrValidation

	rec := f.do(t, http.MethodPut, "/api/positions/5/quantity", `{"delta": -99}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdjustQuantity_RejectsZeroDelta(t *testing.T) {
	f := newPositionFixture()

	rec := f.do(t, http.MethodPut, "/api/positions/5/quantity", `{"delta": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
