package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/infra"

	"github.com/google/uuid"
)

// ArchivalUpserter writes the end-of-day archive row for every active
// contract. Each pass re-reads the current last snapshot, so repeated
// passes pick up late band revisions.
type ArchivalUpserter struct {
	log     domain.SnapshotLog
	store   domain.ArchiveStore
	catalog domain.InstrumentCatalog
	loc     *time.Location
	clock   domain.Clock
	metrics *infra.Metrics
	logger  *slog.Logger
	runID   func() string
}

// ArchiverOption configures an ArchivalUpserter.
type ArchiverOption func(*ArchivalUpserter)

// WithArchiveClock overrides the archival wall clock.
func WithArchiveClock(c domain.Clock) ArchiverOption {
	return func(a *ArchivalUpserter) { a.clock = c }
}

// WithArchiveMetrics overrides the metrics sink.
func WithArchiveMetrics(m *infra.Metrics) ArchiverOption {
	return func(a *ArchivalUpserter) { a.metrics = m }
}

// WithArchiveLogger overrides the logger.
func WithArchiveLogger(l *slog.Logger) ArchiverOption {
	return func(a *ArchivalUpserter) { a.logger = l }
}

// WithRunID overrides run id generation.
func WithRunID(fn func() string) ArchiverOption {
	return func(a *ArchivalUpserter) { a.runID = fn }
}

// NewArchivalUpserter creates an upserter. loc is the market zone used to
// decide whether a contract had expired at archival time.
func NewArchivalUpserter(log domain.SnapshotLog, store domain.ArchiveStore, catalog domain.InstrumentCatalog, loc *time.Location, opts ...ArchiverOption) *ArchivalUpserter {
	if loc == nil {
		loc = time.UTC
	}
	a := &ArchivalUpserter{
		log:     log,
		store:   store,
		catalog: catalog,
		loc:     loc,
		clock:   time.Now,
		metrics: infra.GlobalMetrics,
		logger:  slog.Default(),
		runID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ArchiveDay runs one pass for day.
//
// A contract whose write fails is recorded in Failures and the pass moves
// on. Cancellation is checked between contracts; an aborted pass returns
// the partial result together with ctx.Err(). Rows already written stay
// intact either way.
func (a *ArchivalUpserter) ArchiveDay(ctx context.Context, day domain.Date) (domain.ArchiveResult, error) {
	res := domain.ArchiveResult{
		RunID:        a.runID(),
		BusinessDate: day,
		StartedAt:    a.clock().UTC(),
	}

	contracts, err := a.catalog.ActiveContracts(ctx)
	if err != nil {
		res.Aborted = true
		res.FinishedAt = a.clock().UTC()
		return res, err
	}

	logger := a.logger.With(slog.String("run_id", res.RunID), slog.String("business_date", day.String()))

	for _, key := range contracts {
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			res.FinishedAt = a.clock().UTC()
			a.metrics.RecordArchive(res)
			logger.Warn("Archive pass aborted", slog.Int("remaining", len(contracts)-res.Created-res.Updated-res.Skipped-len(res.Failures)))
			return res, err
		}

		outcome, err := a.archiveOne(ctx, key, day, res.RunID)
		switch {
		case errors.Is(err, domain.ErrDataUnavailable):
			res.Skipped++
		case err != nil:
			res.Failures = append(res.Failures, domain.ContractFailure{ContractID: key.ID(), Error: err.Error()})
			logger.Error("Archive upsert failed", slog.String("contract", key.ID()), slog.Any("error", err))
		case outcome == domain.UpsertCreated:
			res.Created++
		default:
			res.Updated++
		}
	}

	res.FinishedAt = a.clock().UTC()
	a.metrics.RecordArchive(res)
	logger.Info("Archive pass finished",
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", len(res.Failures)),
	)
	return res, nil
}

func (a *ArchivalUpserter) archiveOne(ctx context.Context, key domain.ContractKey, day domain.Date, runID string) (domain.UpsertOutcome, error) {
	last, err := a.log.LastSnapshot(ctx, key, day)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, domain.ErrDataUnavailable
	}

	now := a.clock().UTC()
	rec := domain.ArchiveRecord{
		Contract:       key,
		BusinessDate:   day,
		Final:          *last,
		IsExpired:      key.ExpiryDate.Before(domain.DateOf(now.In(a.loc))),
		ArchivedAt:     now,
		LastMergedAt:   now,
		LastMergeRunID: runID,
	}
	return a.store.UpsertArchive(ctx, rec)
}
