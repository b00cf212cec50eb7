package service

import (
	"context"
	"fmt"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/engine"
)

// IndexCatalog lists active contracts of one index.
type IndexCatalog interface {
	ActiveContractsForIndex(ctx context.Context, indexName string) ([]domain.ContractKey, error)
}

// DayChanges is the change report for one contract on one business date.
type DayChanges struct {
	Contract     domain.ContractKey   `json:"contract"`
	BusinessDate domain.Date          `json:"business_date"`
	Baseline     *domain.Baseline     `json:"baseline,omitempty"`
	Events       []domain.ChangeEvent `json:"events"`
}

// ReportService is the read side used by downstream consumers.
// Everything it returns is derived on demand from stored snapshots.
type ReportService struct {
	log       domain.SnapshotLog
	archive   domain.ArchiveStore
	catalog   IndexCatalog
	dates     engine.DateStamper
	baselines *engine.BaselineTracker
	clock     domain.Clock
}

// NewReportService creates a new ReportService instance
func NewReportService(log domain.SnapshotLog, archive domain.ArchiveStore, catalog IndexCatalog, dates engine.DateStamper, baselines *engine.BaselineTracker) *ReportService {
	return &ReportService{
		log:       log,
		archive:   archive,
		catalog:   catalog,
		dates:     dates,
		baselines: baselines,
		clock:     time.Now,
	}
}

// Today resolves the current business date.
func (s *ReportService) Today(ctx context.Context) domain.BusinessDate {
	return s.dates.Resolve(ctx, s.clock())
}

// Changes returns the band change events of key on day.
// A day without snapshots yields an empty event list, not an error.
func (s *ReportService) Changes(ctx context.Context, key domain.ContractKey, day domain.Date) (DayChanges, error) {
	out := DayChanges{Contract: key, BusinessDate: day, Events: []domain.ChangeEvent{}}

	snaps, err := s.log.SnapshotsForDay(ctx, key, day)
	if err != nil {
		return out, err
	}
	if len(snaps) == 0 {
		return out, nil
	}

	baseline, err := s.baselines.GetBaseline(ctx, key, day)
	if err != nil {
		return out, err
	}
	out.Baseline = baseline

	events, err := engine.Detect(key, day, snaps, baseline)
	if err != nil {
		return out, err
	}
	out.Events = events
	return out, nil
}

// ChangesToday is Changes for the resolved current business date.
func (s *ReportService) ChangesToday(ctx context.Context, key domain.ContractKey) (DayChanges, domain.BusinessDate, error) {
	bd := s.Today(ctx)
	changes, err := s.Changes(ctx, key, bd.Date)
	return changes, bd, err
}

// ChangesForIndex reports every active contract of indexName on day.
// Contracts without snapshots that day are left out.
func (s *ReportService) ChangesForIndex(ctx context.Context, indexName string, day domain.Date) ([]DayChanges, error) {
	keys, err := s.catalog.ActiveContractsForIndex(ctx, indexName)
	if err != nil {
		return nil, err
	}

	out := make([]DayChanges, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		changes, err := s.Changes(ctx, key, day)
		if err != nil {
			return out, fmt.Errorf("changes for %s: %w", key.ID(), err)
		}
		if len(changes.Events) == 0 {
			continue
		}
		out = append(out, changes)
	}
	return out, nil
}

// Archive returns archive rows with from <= business date <= to.
func (s *ReportService) Archive(ctx context.Context, from, to domain.Date) ([]domain.ArchiveRecord, error) {
	if from.IsZero() || to.IsZero() {
		return nil, fmt.Errorf("archive range needs both ends")
	}
	if to.Before(from) {
		return nil, fmt.Errorf("archive range end %s before start %s", to, from)
	}
	return s.archive.ArchiveRange(ctx, from, to)
}
