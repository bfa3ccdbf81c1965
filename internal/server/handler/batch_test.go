package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketd/internal/service"
)

type stubBatch struct {
	result      service.BatchResult
	closeIDs    []int64
	tpIDs       []int64
	tpPercent   float64
	closeCalled bool
}

func (s *stubBatch) BatchClose(_ context.Context, ids []int64) service.BatchResult {
	s.closeCalled = true
	s.closeIDs = ids
	return s.result
}

func (s *stubBatch) BatchSetTakeProfitByPercent(_ context.Context, ids []int64, percent float64) service.BatchResult {
	s.tpIDs = ids
	s.tpPercent = percent
	return s.result
}

func newBatchMux(batch *stubBatch) *http.ServeMux {
	h := NewBatchHandler(batch, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/positions/close", h.BatchClose)
	mux.HandleFunc("POST /api/positions/take-profit", h.BatchSetTakeProfit)
	return mux
}

func TestBatchClose_ReportsPerPositionOutcomes(t *testing.T) {
	batch := &stubBatch{result: service.BatchResult{
		Succeeded: []int64{1, 2},
		Failed:    []service.BatchFailure{{PositionID: 3, Reason: "broker unavailable"}},
	}}
	mux := newBatchMux(batch)

	req := httptest.NewRequest(http.MethodPost, "/api/positions/close",
		strings.NewReader(`{"position_ids": [1, 2, 3]}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{1, 2, 3}, batch.closeIDs)

	var out service.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []int64{1, 2}, out.Succeeded)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, int64(3), out.Failed[0].PositionID)
}

func TestBatchClose_RejectsEmptyIDs(t *testing.T) {
	batch := &stubBatch{}
	mux := newBatchMux(batch)

	req := httptest.NewRequest(http.MethodPost, "/api/positions/close",
		strings.NewReader(`{"position_ids": []}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, batch.closeCalled)
}

func TestBatchTakeProfit_PassesPercent(t *testing.T) {
	batch := &stubBatch{result: service.BatchResult{Succeeded: []int64{4}}}
	mux := newBatchMux(batch)

	req := httptest.NewRequest(http.MethodPost, "/api/positions/take-profit",
		strings.NewReader(`{"position_ids": [4], "percent": 10}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{4}, batch.tpIDs)
	assert.Equal(t, 10.0, batch.tpPercent)
}

func TestBatchTakeProfit_RejectsImpossiblePercent(t *testing.T) {
	batch := &stubBatch{}
	mux := newBatchMux(batch)

	req := httptest.NewRequest(http.MethodPost, "/api/positions/take-profit",
		strings.NewReader(`{"position_ids": [4], "percent": -100}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
