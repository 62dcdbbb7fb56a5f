// Package archive exports aged opportunity history and notification log rows
// to object storage as JSONL and prunes them from the primary store. Rows are
// only deleted after their export uploaded successfully.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
)

const (
	// batchLimit caps rows fetched per export query.
	batchLimit = 10_000

	// multipartThreshold switches uploads to the multipart path.
	multipartThreshold = 8 * 1024 * 1024
)

// BlobWriter is the upload surface the archiver needs; the s3blob Writer
// satisfies it.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver exports and prunes aged rows.
type Archiver struct {
	writer    BlobWriter
	history   domain.HistoryStore
	notes     domain.NotificationStore
	retention time.Duration
	batch     int
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Archiver. Retention <= 0 defaults to 90 days.
func New(writer BlobWriter, history domain.HistoryStore, notes domain.NotificationStore, retention time.Duration, logger *slog.Logger) *Archiver {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Archiver{
		writer:    writer,
		history:   history,
		notes:     notes,
		retention: retention,
		batch:     batchLimit,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// Run performs one full archive cycle for both record kinds. Failure on one
// kind does not stop the other; the first error is returned.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().Add(-a.retention)

	histErr := a.archiveHistory(ctx, cutoff)
	noteErr := a.archiveNotifications(ctx, cutoff)

	if histErr != nil {
		return histErr
	}
	return noteErr
}

// archiveHistory exports and prunes in batches until no aged rows remain.
// Each batch is deleted by ID only after its upload succeeded, so a run that
// dies mid-way never drops a row it has not exported.
func (a *Archiver) archiveHistory(ctx context.Context, cutoff time.Time) error {
	for part := 0; ; part++ {
		rows, err := a.history.ListBefore(ctx, cutoff, a.batch)
		if err != nil {
			return fmt.Errorf("archive: list history: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		buf, err := marshalJSONL(rows)
		if err != nil {
			return fmt.Errorf("archive: marshal history: %w", err)
		}
		if err := a.upload(ctx, archivePath("opportunity_history", cutoff, part), buf); err != nil {
			return err
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		pruned, err := a.history.DeleteByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("archive: prune history: %w", err)
		}
		a.logger.Info("history archived",
			slog.Int("exported", len(rows)),
			slog.Int64("pruned", pruned),
			slog.Int("part", part),
			slog.Time("cutoff", cutoff),
		)
		if len(rows) < a.batch {
			return nil
		}
	}
}

func (a *Archiver) archiveNotifications(ctx context.Context, cutoff time.Time) error {
	for part := 0; ; part++ {
		rows, err := a.notes.ListBefore(ctx, cutoff, a.batch)
		if err != nil {
			return fmt.Errorf("archive: list notifications: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		buf, err := marshalJSONL(rows)
		if err != nil {
			return fmt.Errorf("archive: marshal notifications: %w", err)
		}
		if err := a.upload(ctx, archivePath("notifications", cutoff, part), buf); err != nil {
			return err
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		pruned, err := a.notes.DeleteByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("archive: prune notifications: %w", err)
		}
		a.logger.Info("notifications archived",
			slog.Int("exported", len(rows)),
			slog.Int64("pruned", pruned),
			slog.Int("part", part),
			slog.Time("cutoff", cutoff),
		)
		if len(rows) < a.batch {
			return nil
		}
	}
}

func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if len(buf) >= multipartThreshold {
		if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0); err != nil {
			return fmt.Errorf("archive: upload %s: %w", path, err)
		}
		return nil
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("archive: upload %s: %w", path, err)
	}
	return nil
}

// archivePath partitions exports by the year-month of the cutoff, with a part
// suffix when one run spills over the batch limit:
//
//	archive/opportunity_history/2025-01.jsonl
//	archive/opportunity_history/2025-01-p01.jsonl
func archivePath(kind string, cutoff time.Time, part int) string {
	if part == 0 {
		return fmt.Sprintf("archive/%s/%s.jsonl", kind, cutoff.Format("2006-01"))
	}
	return fmt.Sprintf("archive/%s/%s-p%02d.jsonl", kind, cutoff.Format("2006-01"), part)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON. Each
// element is marshalled as one compact JSON line followed by '\n'.
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
