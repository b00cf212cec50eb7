package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/engine"
)

// DayArchiver runs one archival pass.
type DayArchiver interface {
	ArchiveDay(ctx context.Context, day domain.Date) (domain.ArchiveResult, error)
}

// ArchiveScheduler re-archives the current business date on a fixed
// interval so late after-hours band revisions land in the archive.
type ArchiveScheduler struct {
	archiver DayArchiver
	dates    engine.DateStamper
	interval time.Duration
	clock    domain.Clock
	logger   *slog.Logger

	mu   sync.RWMutex
	last *domain.ArchiveResult
}

// NewArchiveScheduler creates a scheduler. A non-positive interval means hourly.
func NewArchiveScheduler(archiver DayArchiver, dates engine.DateStamper, interval time.Duration, logger *slog.Logger) *ArchiveScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveScheduler{
		archiver: archiver,
		dates:    dates,
		interval: interval,
		clock:    time.Now,
		logger:   logger,
	}
}

// Run archives immediately, then on every tick until ctx is done.
func (s *ArchiveScheduler) Run(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Archive scheduler panic recovered", slog.Any("panic", r))
		}
	}()

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Archive scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ArchiveScheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("Archive pass failed", slog.Any("error", err))
	}
}

// RunOnce resolves the business date and archives it.
func (s *ArchiveScheduler) RunOnce(ctx context.Context) (domain.ArchiveResult, error) {
	bd := s.dates.Resolve(ctx, s.clock())
	if w := bd.Warning(); w != nil {
		s.logger.Warn("Archiving on a degraded business date", slog.Any("warning", w))
	}
	return s.RunFor(ctx, bd.Date)
}

// RunFor archives an explicit business date.
func (s *ArchiveScheduler) RunFor(ctx context.Context, day domain.Date) (domain.ArchiveResult, error) {
	res, err := s.archiver.ArchiveDay(ctx, day)

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()

	return res, err
}

// LastResult returns the most recent pass, if any.
func (s *ArchiveScheduler) LastResult() (domain.ArchiveResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return domain.ArchiveResult{}, false
	}
	return *s.last, true
}
