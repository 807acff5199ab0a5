package retention

import (
	"context"
	"log/slog"
	"time"

	"renderwatch/internal/store"
)

// Sweeper is an in-memory buffer that can drop entries older than a cutoff.
type Sweeper interface {
	ClearOld(cutoff time.Time) int
}

type Service struct {
	store         *store.Store
	sweepers      []Sweeper
	retentionDays int
	log           *slog.Logger
}

func NewService(st *store.Store, sweepers []Sweeper, days int, logger *slog.Logger) *Service {
	if days <= 0 {
		days = 14
	}
	return &Service{store: st, sweepers: sweepers, retentionDays: days, log: logger}
}

func (s *Service) Run(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	removed := 0
	for _, sw := range s.sweepers {
		removed += sw.ClearOld(cutoff)
	}
	if s.store != nil {
		if err := s.store.DeleteOlderThan(ctx, cutoff); err != nil {
			s.log.Error("retention cleanup failed", "err", err)
			return
		}
	}
	s.log.Info("retention cleanup completed", "cutoff", cutoff, "memory_entries_removed", removed)
}
