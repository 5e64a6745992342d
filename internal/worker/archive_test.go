package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeArchiver struct {
	positionCutoffs []time.Time
	auditCutoffs    []time.Time
}

func (f *fakeArchiver) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	f.positionCutoffs = append(f.positionCutoffs, before)
	return 3, nil
}

func (f *fakeArchiver) ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error) {
	f.auditCutoffs = append(f.auditCutoffs, before)
	return 7, nil
}

func TestArchivePassUsesRetentionCutoff(t *testing.T) {
	fa := &fakeArchiver{}
	w := NewArchiveWorker(fa, 30, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fa.positionCutoffs) != 1 || len(fa.auditCutoffs) != 1 {
		t.Fatalf("cutoffs = %d/%d, want 1/1", len(fa.positionCutoffs), len(fa.auditCutoffs))
	}

	want := time.Now().UTC().Add(-30 * 24 * time.Hour)
	got := fa.positionCutoffs[0]
	if diff := got.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about %v", got, want)
	}
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2026, 8, 31, 2, 30, 0, 0, time.UTC)

	next, err := nextCronTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("nextCronTime: %v", err)
	}
	want := time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// Past today's trigger, the match rolls to tomorrow.
	next, err = nextCronTime("0 3 * * *", want.Add(time.Minute))
	if err != nil {
		t.Fatalf("nextCronTime: %v", err)
	}
	want = time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestParseCronRejectsMalformed(t *testing.T) {
	for _, expr := range []string{"", "* * *", "x * * * *"} {
		if _, err := parseCron(expr); err == nil {
			t.Errorf("parseCron(%q) succeeded, want error", expr)
		}
	}
}
