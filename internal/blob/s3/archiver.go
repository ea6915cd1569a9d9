package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

const (
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
	jsonlContentType   = "application/x-ndjson"
)

// PositionArchiveStore lists positions; domain.PositionStore satisfies it.
type PositionArchiveStore interface {
	List(ctx context.Context, f domain.PositionFilter) ([]domain.Position, error)
}

// EventArchiveStore lists processed events; domain.PositionStore satisfies it.
type EventArchiveStore interface {
	ListEvents(ctx context.Context, opts domain.ListOpts) ([]domain.ProcessedEvent, error)
}

// ObjectChecker reports whether an object exists. *Reader satisfies it.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveImpl implements domain.Archiver by exporting a day of CLOSED
// positions (by updated_at) or processed events as JSONL. Source rows are
// never deleted.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	existing  ObjectChecker
	positions PositionArchiveStore
	events    EventArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates an ArchiveImpl. existing and audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	existing ObjectChecker,
	positions PositionArchiveStore,
	events EventArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		existing:  existing,
		positions: positions,
		events:    events,
		audit:     audit,
	}
}

// ArchivePositions exports positions closed during day to
// archive/positions/YYYY-MM-DD.jsonl.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, day time.Time) (int64, error) {
	from, to := dayBounds(day)
	path := ArchivePath("positions", from)
	if done, err := a.exported(ctx, path); err != nil || done {
		return 0, err
	}

	positions, err := a.positions.List(ctx, domain.PositionFilter{
		Status:   domain.PositionStatusClosed,
		ListOpts: domain.ListOpts{Since: &from, Until: &to},
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	return upload(ctx, a, "positions", path, from, positions)
}

// ArchiveEvents exports events processed during day to
// archive/events/YYYY-MM-DD.jsonl.
func (a *ArchiveImpl) ArchiveEvents(ctx context.Context, day time.Time) (int64, error) {
	from, to := dayBounds(day)
	path := ArchivePath("events", from)
	if done, err := a.exported(ctx, path); err != nil || done {
		return 0, err
	}

	events, err := a.events.ListEvents(ctx, domain.ListOpts{Since: &from, Until: &to})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	return upload(ctx, a, "events", path, from, events)
}

func (a *ArchiveImpl) exported(ctx context.Context, path string) (bool, error) {
	if a.existing == nil {
		return false, nil
	}
	ok, err := a.existing.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive check %s: %w", path, err)
	}
	return ok, nil
}

func upload[T any](ctx context.Context, a *ArchiveImpl, kind, path string, day time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":  path,
			"count": count,
			"day":   day.Format(time.DateOnly),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// ArchivePath builds the object key for one day of kind.
//
//	archive/positions/2025-01-31.jsonl
//	archive/events/2025-01-31.jsonl
func ArchivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.UTC().Format(time.DateOnly))
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}

// marshalJSONL serialises records as newline-delimited JSON.
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

var _ domain.Archiver = (*ArchiveImpl)(nil)
