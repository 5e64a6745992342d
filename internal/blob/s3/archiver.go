package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

// archiveBatchSize bounds one archive pass so a large backlog is drained
// across successive passes instead of one unbounded query.
const archiveBatchSize = 1000

// ArchiveImpl implements domain.Archiver. Settled positions and aged
// audit rows are serialized to JSONL, uploaded to the object store, and
// deleted from the primary database only after the upload succeeded.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions domain.PositionStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, positions domain.PositionStore, audit domain.AuditStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		positions: positions,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ArchiveClosedPositions moves settled positions closed before the
// cutoff to archive/positions/YYYY-MM/<timestamp>.jsonl. Rows are
// deleted from the database only after the upload succeeds, so a failed
// upload leaves them in place for the next pass. Returns the number of
// positions archived.
func (a *ArchiveImpl) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.positions.ListClosedBefore(ctx, before, archiveBatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions query: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions marshal: %w", err)
		}

		path := archivePath("positions", before)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive positions upload: %w", err)
		}

		ids := make([]string, len(batch))
		for i, p := range batch {
			ids[i] = p.ID
		}
		if err := a.positions.DeleteByIDs(ctx, ids); err != nil {
			// The batch is uploaded; a failed delete means the next pass
			// re-uploads the same rows, which is safe.
			return total, fmt.Errorf("s3blob: archive positions delete: %w", err)
		}

		total += int64(len(batch))
		a.logger.InfoContext(ctx, "archived closed positions",
			slog.String("path", path),
			slog.Int("count", len(batch)),
		)

		if len(batch) < archiveBatchSize {
			return total, nil
		}
	}
}

// ArchiveAuditLog moves audit rows created before the cutoff to
// archive/audit/YYYY-MM/<timestamp>.jsonl, then deletes them. Returns
// the number of rows archived.
func (a *ArchiveImpl) ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.audit.ListBefore(ctx, before, archiveBatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit marshal: %w", err)
		}

		path := archivePath("audit", before)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive audit upload: %w", err)
		}

		cutoff := batch[len(batch)-1].CreatedAt
		deleted, err := a.audit.DeleteBefore(ctx, cutoff.Add(time.Millisecond))
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit delete: %w", err)
		}

		total += deleted
		a.logger.InfoContext(ctx, "archived audit log rows",
			slog.String("path", path),
			slog.Int64("count", deleted),
		)

		if len(batch) < archiveBatchSize {
			return total, nil
		}
	}
}

// archivePath builds the object key for an archive file, partitioned by
// the year-month of the cutoff with a timestamp suffix so successive
// batches never overwrite each other.
//
//	archive/positions/2026-08/20260831T120000Z.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl",
		kind,
		before.Format("2006-01"),
		time.Now().UTC().Format("20060102T150405Z"),
	)
}

// marshalJSONL serializes records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
