package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bracketd/internal/domain"
)

// PositionArchiveStore is the slice of the position store the archiver needs:
// closed positions whose close date precedes the cutoff.
type PositionArchiveStore interface {
	ListClosedBefore(ctx context.Context, cutoff time.Time, opts domain.ListOpts) ([]domain.Position, error)
}

// archivedPosition is the JSONL row written to cold storage.
type archivedPosition struct {
	ID         int64    `json:"id"`
	AccountID  string   `json:"account_id"`
	Symbol     string   `json:"symbol"`
	Quantity   float64  `json:"quantity"`
	OpenPrice  float64  `json:"open_price"`
	ClosePrice *float64 `json:"close_price,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	CreatedAt  string   `json:"created_at"`
	CloseDate  string   `json:"close_date,omitempty"`
}

// ArchiveImpl implements domain.Archiver by querying closed positions past
// the cutoff, serializing them to JSONL, and uploading the batch to S3.
//
// Deleting archived rows from the primary store is intentionally not done
// here; that is a separate, explicit step after the archive is verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions PositionArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, positions PositionArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		positions: positions,
		audit:     audit,
	}
}

// ArchivePositions uploads every closed position with a close date before the
// cutoff to archive/positions/YYYY-MM-DD.jsonl and records the archival in
// the audit log. It returns the number of archived records.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalPositionsJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := fmt.Sprintf("archive/positions/%s.jsonl", before.UTC().Format("2006-01-02"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return count, nil
}

// marshalPositionsJSONL renders positions as newline-delimited JSON.
func marshalPositionsJSONL(positions []domain.Position) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range positions {
		row := archivedPosition{
			ID:         p.ID,
			AccountID:  p.AccountID,
			Symbol:     p.Symbol,
			Quantity:   p.Quantity,
			OpenPrice:  p.OpenPrice,
			ClosePrice: p.ClosePrice,
			TakeProfit: p.TakeProfit,
			StopLoss:   p.StopLoss,
			CreatedAt:  p.CreatedAt.UTC().Format(time.RFC3339),
		}
		if p.CloseDate != nil {
			row.CloseDate = p.CloseDate.UTC().Format(time.RFC3339)
		}
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
