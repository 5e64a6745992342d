package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

type fakeWriter struct {
	puts []string
	err  error
}

func (f *fakeWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if f.err != nil {
		return f.err
	}
	var buf bytes.Buffer
	buf.ReadFrom(data)
	f.puts = append(f.puts, path+"|"+buf.String())
	return nil
}

type archivePositionStore struct {
	domain.PositionStore
	closed  []domain.Position
	deleted []string
}

func (s *archivePositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	if len(s.closed) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(s.closed) {
		n = len(s.closed)
	}
	batch := s.closed[:n]
	s.closed = s.closed[n:]
	return batch, nil
}

func (s *archivePositionStore) DeleteByIDs(ctx context.Context, ids []string) error {
	s.deleted = append(s.deleted, ids...)
	return nil
}

type archiveAuditStore struct {
	domain.AuditStore
	rows []domain.AuditEntry
}

func (s *archiveAuditStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.AuditEntry, error) {
	if len(s.rows) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(s.rows) {
		n = len(s.rows)
	}
	batch := s.rows[:n]
	s.rows = s.rows[n:]
	return batch, nil
}

func (s *archiveAuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 2, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchiveClosedPositionsUploadsThenDeletes(t *testing.T) {
	w := &fakeWriter{}
	ps := &archivePositionStore{closed: []domain.Position{
		{ID: "pos-1", Market: "BTC", Status: domain.StatusClosed},
		{ID: "pos-2", Market: "ETH", Status: domain.StatusAlreadyClosed},
	}}
	a := NewArchiver(w, ps, &archiveAuditStore{}, discardLogger())

	n, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ArchiveClosedPositions: %v", err)
	}
	if n != 2 {
		t.Errorf("archived = %d, want 2", n)
	}
	if len(w.puts) != 1 {
		t.Fatalf("uploads = %d, want 1", len(w.puts))
	}
	if !strings.Contains(w.puts[0], "archive/positions/") {
		t.Errorf("unexpected path: %s", w.puts[0])
	}
	if !strings.Contains(w.puts[0], `"pos-1"`) || !strings.Contains(w.puts[0], `"pos-2"`) {
		t.Errorf("payload missing rows: %s", w.puts[0])
	}
	if len(ps.deleted) != 2 {
		t.Errorf("deleted = %v, want both ids", ps.deleted)
	}
}

func TestArchiveClosedPositionsUploadFailureKeepsRows(t *testing.T) {
	w := &fakeWriter{err: errors.New("bucket unreachable")}
	ps := &archivePositionStore{closed: []domain.Position{{ID: "pos-1"}}}
	a := NewArchiver(w, ps, &archiveAuditStore{}, discardLogger())

	n, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected upload error")
	}
	if n != 0 {
		t.Errorf("archived = %d, want 0", n)
	}
	if len(ps.deleted) != 0 {
		t.Errorf("deleted = %v, want none", ps.deleted)
	}
}

func TestArchiveAuditLog(t *testing.T) {
	w := &fakeWriter{}
	as := &archiveAuditStore{rows: []domain.AuditEntry{
		{ID: 1, Event: "position_submitted", CreatedAt: time.Now().Add(-48 * time.Hour)},
		{ID: 2, Event: "position_closed", CreatedAt: time.Now().Add(-47 * time.Hour)},
	}}
	a := NewArchiver(w, &archivePositionStore{}, as, discardLogger())

	n, err := a.ArchiveAuditLog(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ArchiveAuditLog: %v", err)
	}
	if n != 2 {
		t.Errorf("archived = %d, want 2", n)
	}
	if len(w.puts) != 1 || !strings.Contains(w.puts[0], "archive/audit/") {
		t.Errorf("uploads = %v", w.puts)
	}
}
