package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// ExportLedger uploads serialized ledger state and returns its key:
//
//	ledger/2026-01-05/T210000Z.json
func ExportLedger(ctx context.Context, writer domain.BlobWriter, state []byte, at time.Time) (string, error) {
	at = at.UTC()
	path := fmt.Sprintf("ledger/%s/T%sZ.json", at.Format(time.DateOnly), at.Format("150405"))
	if err := writer.Put(ctx, path, bytes.NewReader(state), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: export ledger: %w", err)
	}
	return path, nil
}

// ExportReport uploads a backtest report under reports/.
func ExportReport(ctx context.Context, writer domain.BlobWriter, name string, report []byte) (string, error) {
	path := "reports/" + name
	if err := writer.Put(ctx, path, bytes.NewReader(report), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: export report: %w", err)
	}
	return path, nil
}
