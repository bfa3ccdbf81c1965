package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"bracketd/internal/domain"
)

// Closer is the slice of CloseService the batch layer needs.
type Closer interface {
	Close(ctx context.Context, positionID int64) (<-chan CloseResult, error)
}

// TakeProfitSetter is the slice of AdjustService the batch layer needs.
type TakeProfitSetter interface {
	SetTakeProfit(ctx context.Context, positionID int64, price *float64) error
}

// BatchFailure attributes one failed item to its position.
type BatchFailure struct {
	PositionID int64  `json:"position_id"`
	Reason     string `json:"reason"`
}

// BatchResult aggregates per-position outcomes. There is no ordering guarantee
// across items; entries appear as their tasks finish.
type BatchResult struct {
	Succeeded []int64        `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// BatchService fans close and take-profit operations out over many positions
// concurrently. Every item runs as its own task; one item's broker or network
// failure never aborts its siblings.
type BatchService struct {
	positions domain.PositionStore
	closer    Closer
	adjuster  TakeProfitSetter
	logger    *slog.Logger

	// maxParallel bounds concurrent tasks per batch call.
	maxParallel int
}

// NewBatchService creates a BatchService. maxParallel values below 1 default
// to 8.
func NewBatchService(
	positions domain.PositionStore,
	closer Closer,
	adjuster TakeProfitSetter,
	maxParallel int,
	logger *slog.Logger,
) *BatchService {
	if maxParallel < 1 {
		maxParallel = 8
	}
	return &BatchService{
		positions:   positions,
		closer:      closer,
		adjuster:    adjuster,
		maxParallel: maxParallel,
		logger:      logger,
	}
}

// BatchClose closes every listed position. Duplicate ids are processed at
// most once. Positions may belong to different accounts; each close resolves
// its own gateway.
func (s *BatchService) BatchClose(ctx context.Context, ids []int64) BatchResult {
	return s.run(ctx, ids, func(taskCtx context.Context, id int64) error {
		results, err := s.closer.Close(taskCtx, id)
		if err != nil {
			return err
		}
		res, ok := <-results
		if ok && res.Err != nil {
			return res.Err
		}
		return nil
	})
}

// BatchSetTakeProfitByPercent sets each position's take-profit to
// open price × (1 + percent/100). A percent at or below -100 can only produce
// non-positive prices and is rejected per item with ErrValidation.
func (s *BatchService) BatchSetTakeProfitByPercent(ctx context.Context, ids []int64, percent float64) BatchResult {
	return s.run(ctx, ids, func(taskCtx context.Context, id int64) error {
		pos, err := s.positions.Get(taskCtx, id)
		if err != nil {
			return fmt.Errorf("get position: %w", err)
		}
		price := pos.OpenPrice * (1 + percent/100)
		if price <= 0 {
			return fmt.Errorf("percent %.2f yields take-profit %.4f: %w", percent, price, domain.ErrValidation)
		}
		return s.adjuster.SetTakeProfit(taskCtx, id, &price)
	})
}

// run dispatches one task per unique id and aggregates outcomes. Tasks always
// return nil to the errgroup so the shared context is never cancelled by a
// sibling's failure; failures land in the result instead.
func (s *BatchService) run(ctx context.Context, ids []int64, op func(context.Context, int64) error) BatchResult {
	var (
		mu     sync.Mutex
		result BatchResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)

	for _, id := range dedupeIDs(ids) {
		id := id
		g.Go(func() error {
			if err := op(gctx, id); err != nil {
				s.logger.WarnContext(gctx, "batch_service: item failed",
					slog.Int64("position_id", id),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				result.Failed = append(result.Failed, BatchFailure{PositionID: id, Reason: err.Error()})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			result.Succeeded = append(result.Succeeded, id)
			mu.Unlock()
			return nil
		})
	}

	// Tasks never return errors, so Wait only blocks for completion.
	_ = g.Wait()

	s.logger.InfoContext(ctx, "batch_service: batch complete",
		slog.Int("requested", len(ids)),
		slog.Int("succeeded", len(result.Succeeded)),
		slog.Int("failed", len(result.Failed)),
	)
	return result
}

// dedupeIDs drops repeated ids, keeping first-occurrence order.
func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
