package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"bracketd/internal/coverage"
	"bracketd/internal/domain"
	"bracketd/internal/service"
)

// PositionReader is the store slice the position handler reads from.
type PositionReader interface {
	Get(ctx context.Context, id int64) (domain.Position, error)
	ListByStatus(ctx context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error)
}

// CoverageService evaluates protective-order coverage for one position.
type CoverageService interface {
	EvaluateCoverage(ctx context.Context, positionID int64) (coverage.Coverage, error)
}

// CloseService drives the close workflow.
type CloseService interface {
	Close(ctx context.Context, positionID int64) (<-chan service.CloseResult, error)
	RetryClose(ctx context.Context, positionID int64) error
}

// AdjustService mutates position targets and quantity.
type AdjustService interface {
	SetTakeProfit(ctx context.Context, positionID int64, price *float64) error
	SetStopLoss(ctx context.Context, positionID int64, price *float64) error
	AdjustQuantity(ctx context.Context, positionID int64, delta float64, tp, sl *float64) error
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionReader
	coverage  CoverageService
	closer    CloseService
	adjuster  AdjustService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given services.
func NewPositionHandler(
	positions PositionReader,
	cov CoverageService,
	closer CloseService,
	adjuster AdjustService,
	logger *slog.Logger,
) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		coverage:  cov,
		closer:    closer,
		adjuster:  adjuster,
		logger:    logHandler(logger, "position"),
	}
}

// positionJSON is the wire shape of a position.
type positionJSON struct {
	ID         int64    `json:"id"`
	AccountID  string   `json:"account_id"`
	Symbol     string   `json:"symbol"`
	Quantity   float64  `json:"quantity"`
	OpenPrice  float64  `json:"open_price"`
	ClosePrice *float64 `json:"close_price,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	Status     string   `json:"status"`
	CreatedAt  string   `json:"created_at"`
	CloseDate  *string  `json:"close_date,omitempty"`
}

func toPositionJSON(p domain.Position) positionJSON {
	out := positionJSON{
		ID:         p.ID,
		AccountID:  p.AccountID,
		Symbol:     p.Symbol,
		Quantity:   p.Quantity,
		OpenPrice:  p.OpenPrice,
		ClosePrice: p.ClosePrice,
		TakeProfit: p.TakeProfit,
		StopLoss:   p.StopLoss,
		Status:     string(p.Status),
		CreatedAt:  p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if p.CloseDate != nil {
		s := p.CloseDate.UTC().Format(time.RFC3339)
		out.CloseDate = &s
	}
	return out
}

// ListPositions returns positions filtered by lifecycle status.
// GET /api/positions?status=opened&limit=50&offset=0
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	status := domain.PositionStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.PositionStatusOpened
	}
	switch status {
	case domain.PositionStatusWaiting, domain.PositionStatusOpened,
		domain.PositionStatusClosing, domain.PositionStatusClosed,
		domain.PositionStatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}

	positions, err := h.positions.ListByStatus(r.Context(), status, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// GetCoverage reports which configured targets lack a live protective order.
// GET /api/positions/{id}/coverage
func (h *PositionHandler) GetCoverage(w http.ResponseWriter, r *http.Request) {
	id, err := positionIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cov, err := h.coverage.EvaluateCoverage(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: coverage evaluation failed",
			slog.Int64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeServiceError(w, err, "failed to evaluate coverage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position_id": id,
		"covered":     cov.Covered(),
		"tp_missing":  cov.TPMissing,
		"sl_missing":  cov.SLMissing,
	})
}

// ClosePosition starts the asynchronous close workflow. The response reports
// acceptance, not completion; the fill confirmation arrives by stream or poll.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := positionIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.closer.Close(r.Context(), id); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: close failed",
			slog.Int64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeServiceError(w, err, "failed to close position")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"position_id": id,
		"status":      string(domain.PositionStatusClosing),
	})
}

// RetryClose re-arms a position stuck in closing so it can be closed again.
// POST /api/positions/{id}/close/retry
func (h *PositionHandler) RetryClose(w http.ResponseWriter, r *http.Request) {
	id, err := positionIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.closer.RetryClose(r.Context(), id); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: retry close failed",
			slog.Int64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeServiceError(w, err, "failed to retry close")
		return
	}

	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "failed to load position")
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

// targetRequest carries a single target price; null clears the target.
type targetRequest struct {
	Price *float64 `json:"price"`
}

// SetTakeProfit replaces the take-profit target and reconciles protective
// orders. PUT /api/positions/{id}/take-profit
func (h *PositionHandler) SetTakeProfit(w http.ResponseWriter, r *http.Request) {
	h.setTarget(w, r, "take_profit", h.adjuster.SetTakeProfit)
}

// SetStopLoss replaces the stop-loss target and reconciles protective orders.
// PUT /api/positions/{id}/stop-loss
func (h *PositionHandler) SetStopLoss(w http.ResponseWriter, r *http.Request) {
	h.setTarget(w, r, "stop_loss", h.adjuster.SetStopLoss)
}

func (h *PositionHandler) setTarget(
	w http.ResponseWriter,
	r *http.Request,
	field string,
	set func(context.Context, int64, *float64) error,
) {
	id, err := positionIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req targetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Price != nil && *req.Price <= 0 {
		writeError(w, http.StatusBadRequest, field+" price must be positive")
		return
	}

	if err := set(r.Context(), id, req.Price); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: set "+field+" failed",
			slog.Int64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeServiceError(w, err, "failed to set "+field)
		return
	}

	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "failed to load position")
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

// quantityRequest scales a position. The targets are the full desired targets
// after the adjustment; omitted or null fields clear them.
type quantityRequest struct {
	Delta      float64  `json:"delta"`
	TakeProfit *float64 `json:"take_profit"`
	StopLoss   *float64 `json:"stop_loss"`
}

// AdjustQuantity scales the position in or out and re-sizes protective orders.
// PUT /api/positions/{id}/quantity
func (h *PositionHandler) AdjustQuantity(w http.ResponseWriter, r *http.Request) {
	id, err := positionIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req quantityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Delta == 0 {
		writeError(w, http.StatusBadRequest, "delta must be non-zero")
		return
	}

	if err := h.adjuster.AdjustQuantity(r.Context(), id, req.Delta, req.TakeProfit, req.StopLoss); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: adjust quantity failed",
			slog.Int64("position_id", id),
			slog.Float64("delta", req.Delta),
			slog.String("error", err.Error()),
		)
		writeServiceError(w, err, "failed to adjust quantity")
		return
	}

	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "failed to load position")
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}
