package retention

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderwatch/internal/models"
	"renderwatch/internal/store"
)

type countingSweeper struct {
	cutoff time.Time
	n      int
}

func (s *countingSweeper) ClearOld(cutoff time.Time) int {
	s.cutoff = cutoff
	return s.n
}

func TestRunSweepsMemoryAndStore(t *testing.T) {
	st, err := store.Open(t.TempDir() + "/retention.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate())

	old := time.Now().UTC().AddDate(0, 0, -30)
	require.NoError(t, st.SaveReport(context.Background(), models.DiagnosticReport{
		ReportID: "stale", Timestamp: old, DocumentID: "doc-1",
		Error: models.RenderError{Type: "E"},
	}))

	sw := &countingSweeper{n: 3}
	svc := NewService(st, []Sweeper{sw}, 14, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Run(context.Background())

	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -14), sw.cutoff, time.Minute)

	reports, err := st.RecentReports(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestNewServiceDefaultsRetentionDays(t *testing.T) {
	svc := NewService(nil, nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, 14, svc.retentionDays)
}
