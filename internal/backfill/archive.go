package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// Archive lands the trades fetched for a market in object storage as JSON
// lines, one object per market per day.
type Archive struct {
	writer domain.BlobWriter
	prefix string
	now    func() time.Time
}

// NewArchive creates an Archive writing under prefix, e.g. "raw/trades".
func NewArchive(writer domain.BlobWriter, prefix string) *Archive {
	if prefix == "" {
		prefix = "raw/trades"
	}
	return &Archive{writer: writer, prefix: prefix, now: time.Now}
}

// Path returns the object path for a market on the given day.
func (a *Archive) Path(conditionID string, day time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", a.prefix, conditionID, day.UTC().Format("2006-01-02"))
}

// Land uploads trades for conditionID.
func (a *Archive) Land(ctx context.Context, conditionID string, trades []domain.Trade) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range trades {
		if err := enc.Encode(&trades[i]); err != nil {
			return fmt.Errorf("backfill: encode archive line: %w", err)
		}
	}

	path := a.Path(conditionID, a.now())
	if err := a.writer.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("backfill: upload %s: %w", path, err)
	}
	return nil
}
