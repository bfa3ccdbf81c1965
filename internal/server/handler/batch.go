package handler

import (
	"context"
	"log/slog"
	"net/http"

	"bracketd/internal/service"
)

// BatchService fans operations out over many positions at once.
type BatchService interface {
	BatchClose(ctx context.Context, ids []int64) service.BatchResult
	BatchSetTakeProfitByPercent(ctx context.Context, ids []int64, percent float64) service.BatchResult
}

// BatchHandler serves the batch position endpoints.
type BatchHandler struct {
	batch  BatchService
	logger *slog.Logger
}

// NewBatchHandler creates a BatchHandler with the given service and logger.
func NewBatchHandler(batch BatchService, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{
		batch:  batch,
		logger: logHandler(logger, "batch"),
	}
}

// batchCloseRequest names the positions to close.
type batchCloseRequest struct {
	PositionIDs []int64 `json:"position_ids"`
}

// BatchClose closes many positions concurrently. Per-position failures are
// attributed in the response; one failure never aborts the rest.
// POST /api/positions/close
func (h *BatchHandler) BatchClose(w http.ResponseWriter, r *http.Request) {
	var req batchCloseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.PositionIDs) == 0 {
		writeError(w, http.StatusBadRequest, "position_ids must not be empty")
		return
	}

	result := h.batch.BatchClose(r.Context(), req.PositionIDs)

	h.logger.InfoContext(r.Context(), "handler: batch close finished",
		slog.Int("requested", len(req.PositionIDs)),
		slog.Int("succeeded", len(result.Succeeded)),
		slog.Int("failed", len(result.Failed)),
	)
	writeJSON(w, http.StatusOK, result)
}

// batchTakeProfitRequest sets take-profit targets relative to each position's
// open price.
type batchTakeProfitRequest struct {
	PositionIDs []int64 `json:"position_ids"`
	Percent     float64 `json:"percent"`
}

// BatchSetTakeProfit sets each position's take-profit to open price scaled by
// the given percent gain. POST /api/positions/take-profit
func (h *BatchHandler) BatchSetTakeProfit(w http.ResponseWriter, r *http.Request) {
	var req batchTakeProfitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.PositionIDs) == 0 {
		writeError(w, http.StatusBadRequest, "position_ids must not be empty")
		return
	}
	if req.Percent <= -100 {
		writeError(w, http.StatusBadRequest, "percent must be greater than -100")
		return
	}

	result := h.batch.BatchSetTakeProfitByPercent(r.Context(), req.PositionIDs, req.Percent)

	h.logger.InfoContext(r.Context(), "handler: batch take-profit finished",
		slog.Int("requested", len(req.PositionIDs)),
		slog.Float64("percent", req.Percent),
		slog.Int("succeeded", len(result.Succeeded)),
		slog.Int("failed", len(result.Failed)),
	)
	writeJSON(w, http.StatusOK, result)
}
