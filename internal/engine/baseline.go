package engine

import (
	"context"

	"circuit_go/internal/domain"
)

// baselinePage is how many prior dates are fetched per lookup round.
const baselinePage = 8

// BaselineTracker finds the band in force at the start of a business date:
// the last snapshot of the latest earlier trading day that has data.
type BaselineTracker struct {
	log domain.SnapshotLog
	cal domain.Calendar
}

// NewBaselineTracker creates a tracker. A nil calendar skips weekends only.
func NewBaselineTracker(log domain.SnapshotLog, cal domain.Calendar) *BaselineTracker {
	if cal == nil {
		cal = domain.WeekdayCalendar{}
	}
	return &BaselineTracker{log: log, cal: cal}
}

// GetBaseline returns nil, nil when the contract has no earlier snapshots.
// Dates that are not trading days are passed over even if they hold data.
func (b *BaselineTracker) GetBaseline(ctx context.Context, key domain.ContractKey, day domain.Date) (*domain.Baseline, error) {
	before := day
	for {
		dates, err := b.log.BusinessDatesBefore(ctx, key, before, baselinePage)
		if err != nil {
			return nil, err
		}
		if len(dates) == 0 {
			return nil, nil
		}

		for _, d := range dates {
			if !b.cal.IsTradingDay(d) {
				continue
			}
			last, err := b.log.LastSnapshot(ctx, key, d)
			if err != nil {
				return nil, err
			}
			if last == nil {
				continue
			}
			return &domain.Baseline{
				Contract:           key,
				BusinessDate:       day,
				LowerLimit:         last.LowerLimit,
				UpperLimit:         last.UpperLimit,
				SourceBusinessDate: d,
				SourcePosition:     last.Position,
			}, nil
		}

		if len(dates) < baselinePage {
			return nil, nil
		}
		before = dates[len(dates)-1]
	}
}
