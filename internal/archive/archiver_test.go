package archive

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/q0821/fundingarb/internal/domain"
)

type fakeWriter struct {
	objects map[string][]byte
	fail    bool
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.fail {
		return io.ErrClosedPipe
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[path] = buf.Bytes()
	return nil
}

func (w *fakeWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "")
}

type fakeHistory struct {
	rows    []domain.OpportunityHistory
	deleted bool
}

func (s *fakeHistory) Insert(context.Context, domain.OpportunityHistory) error { return nil }

func (s *fakeHistory) ListBySymbol(context.Context, string, domain.ListOpts) ([]domain.OpportunityHistory, error) {
	return nil, nil
}

func (s *fakeHistory) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.OpportunityHistory, error) {
	var out []domain.OpportunityHistory
	for _, r := range s.rows {
		if r.EndedAt.Before(cutoff) {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeHistory) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []domain.OpportunityHistory
	var n int64
	for _, r := range s.rows {
		if drop[r.ID] {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	s.deleted = s.deleted || n > 0
	return n, nil
}

type fakeNotes struct {
	rows    []domain.NotificationRecord
	deleted bool
}

func (s *fakeNotes) Insert(context.Context, domain.NotificationRecord) error { return nil }

func (s *fakeNotes) ListByKey(context.Context, string, domain.ListOpts) ([]domain.NotificationRecord, error) {
	return nil, nil
}

func (s *fakeNotes) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.NotificationRecord, error) {
	var out []domain.NotificationRecord
	for _, r := range s.rows {
		if r.SentAt.Before(cutoff) {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeNotes) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var n int64
	var kept []domain.NotificationRecord
	for _, r := range s.rows {
		if drop[r.ID] {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	s.deleted = s.deleted || n > 0
	return n, nil
}

func TestArchiverExportsAndPrunes(t *testing.T) {
	old := time.Now().Add(-120 * 24 * time.Hour)
	history := &fakeHistory{rows: []domain.OpportunityHistory{
		{ID: "h1", Symbol: "BTCUSDT", EndedAt: old},
		{ID: "h2", Symbol: "ETHUSDT", EndedAt: time.Now()},
	}}
	notes := &fakeNotes{rows: []domain.NotificationRecord{
		{ID: "n1", OpportunityKey: "BTCUSDT:binance:bybit", SentAt: old},
	}}
	writer := &fakeWriter{}
	a := New(writer, history, notes, 90*24*time.Hour, slog.New(slog.DiscardHandler))

	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(writer.objects) != 2 {
		t.Fatalf("objects = %d", len(writer.objects))
	}
	for path, body := range writer.objects {
		if !strings.HasSuffix(path, ".jsonl") {
			t.Fatalf("path = %q", path)
		}
		if !bytes.HasSuffix(body, []byte("\n")) {
			t.Fatal("jsonl body missing trailing newline")
		}
	}
	if len(history.rows) != 1 || history.rows[0].ID != "h2" {
		t.Fatalf("history rows after prune = %+v", history.rows)
	}
	if len(notes.rows) != 0 {
		t.Fatalf("notification rows after prune = %d", len(notes.rows))
	}
}

func TestArchiverKeepsRowsWhenUploadFails(t *testing.T) {
	old := time.Now().Add(-120 * 24 * time.Hour)
	history := &fakeHistory{rows: []domain.OpportunityHistory{{ID: "h1", EndedAt: old}}}
	notes := &fakeNotes{}
	a := New(&fakeWriter{fail: true}, history, notes, 90*24*time.Hour, slog.New(slog.DiscardHandler))

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	if history.deleted {
		t.Fatal("rows pruned despite failed upload")
	}
}

func TestArchiverExportsEveryBatchBeforeRowsAreLost(t *testing.T) {
	old := time.Now().Add(-120 * 24 * time.Hour)
	history := &fakeHistory{}
	for i := 0; i < 5; i++ {
		history.rows = append(history.rows, domain.OpportunityHistory{
			ID:      string(rune('a' + i)),
			EndedAt: old.Add(time.Duration(i) * time.Minute),
		})
	}
	writer := &fakeWriter{}
	a := New(writer, history, &fakeNotes{}, 90*24*time.Hour, slog.New(slog.DiscardHandler))
	a.batch = 2

	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(history.rows) != 0 {
		t.Fatalf("rows left after retention run = %d", len(history.rows))
	}
	// 5 rows at batch 2 produce three parts; every row must appear in
	// exactly one of them.
	if len(writer.objects) != 3 {
		t.Fatalf("objects = %d, want 3", len(writer.objects))
	}
	var lines int
	for _, body := range writer.objects {
		lines += bytes.Count(body, []byte("\n"))
	}
	if lines != 5 {
		t.Fatalf("exported rows = %d, want 5", lines)
	}
}

func TestArchiverNoopWhenNothingAged(t *testing.T) {
	writer := &fakeWriter{}
	a := New(writer,
		&fakeHistory{rows: []domain.OpportunityHistory{{ID: "h1", EndedAt: time.Now()}}},
		&fakeNotes{}, 90*24*time.Hour, slog.New(slog.DiscardHandler))

	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(writer.objects) != 0 {
		t.Fatal("unexpected upload for fresh rows")
	}
}
