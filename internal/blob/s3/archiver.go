package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

const (
	// archivePageSize bounds each DecisionStore query during an archive run.
	archivePageSize = 1000

	// Day files at or above multipartThreshold bytes go through the
	// multipart upload manager in parts of multipartPartSize.
	multipartThreshold int64 = 32 << 20
	multipartPartSize  int64 = 8 << 20
)

// DecisionArchiver copies one UTC day of decision events from the decision
// store to object storage as JSONL. Rows are not deleted from the store;
// that is a separate step once the archive has been verified.
type DecisionArchiver struct {
	writer    domain.BlobWriter
	decisions domain.DecisionStore
	audit     domain.AuditStore

	multipartAt int64
}

// NewDecisionArchiver creates a DecisionArchiver. audit may be nil.
func NewDecisionArchiver(writer domain.BlobWriter, decisions domain.DecisionStore, audit domain.AuditStore) *DecisionArchiver {
	return &DecisionArchiver{
		writer:      writer,
		decisions:   decisions,
		audit:       audit,
		multipartAt: multipartThreshold,
	}
}

// ArchiveDay uploads the decisions of day's UTC date to
// archive/decisions/YYYY-MM-DD.jsonl, oldest first, and returns the count.
// A day without decisions uploads nothing.
func (a *DecisionArchiver) ArchiveDay(ctx context.Context, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Nanosecond)

	var all []domain.DecisionEvent
	for offset := 0; ; offset += archivePageSize {
		page, err := a.decisions.ListRecent(ctx, domain.ListOpts{
			Since:  &start,
			Until:  &end,
			Limit:  archivePageSize,
			Offset: offset,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive decisions query: %w", err)
		}
		all = append(all, page...)
		if len(page) < archivePageSize {
			break
		}
	}
	if len(all) == 0 {
		return 0, nil
	}

	// ListRecent is newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	buf, err := marshalJSONL(all)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive decisions marshal: %w", err)
	}

	path := archivePath("decisions", start)
	if int64(len(buf)) >= a.multipartAt {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive decisions upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.decisions", map[string]any{
			"path":  path,
			"count": len(all),
			"day":   start.Format(time.DateOnly),
		}); err != nil {
			return len(all), fmt.Errorf("s3blob: archive decisions audit log: %w", err)
		}
	}
	return len(all), nil
}

// archivePath builds the key for an archive file:
//
//	archive/decisions/2026-03-01.jsonl
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.Format(time.DateOnly))
}

func marshalJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
