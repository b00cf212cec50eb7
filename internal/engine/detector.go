package engine

import (
	"fmt"

	"circuit_go/internal/domain"
)

// Detect derives the day's band change events from snapshots sorted by
// ascending position. It has no side effects.
//
// The first snapshot is always emitted as the anchor. After it, an event is
// emitted whenever either limit differs from the last emitted band, so no
// two consecutive events share a band. The baseline only decides the
// anchor's ChangedFromBaseline flag.
//
// Unsorted or duplicate positions, or a snapshot belonging to another
// contract or date, return an *domain.OrderingError.
func Detect(key domain.ContractKey, day domain.Date, snaps []domain.QuoteSnapshot, baseline *domain.Baseline) ([]domain.ChangeEvent, error) {
	if len(snaps) == 0 {
		return []domain.ChangeEvent{}, nil
	}
	if err := checkOrdered(key, day, snaps); err != nil {
		return nil, err
	}

	first := snaps[0]
	anchor := newChangeEvent(first)
	anchor.Anchor = true
	anchor.ChangedFromBaseline = baseline == nil ||
		!domain.BandEqual(first.LowerLimit, first.UpperLimit, baseline.LowerLimit, baseline.UpperLimit)

	events := []domain.ChangeEvent{anchor}
	prevLower, prevUpper := first.LowerLimit, first.UpperLimit

	for _, s := range snaps[1:] {
		if domain.BandEqual(s.LowerLimit, s.UpperLimit, prevLower, prevUpper) {
			continue
		}
		events = append(events, newChangeEvent(s))
		prevLower, prevUpper = s.LowerLimit, s.UpperLimit
	}
	return events, nil
}

func checkOrdered(key domain.ContractKey, day domain.Date, snaps []domain.QuoteSnapshot) error {
	id := key.ID()
	for i, s := range snaps {
		if s.Contract.ID() != id {
			return &domain.OrderingError{Index: i, Reason: fmt.Sprintf("snapshot belongs to %s, not %s", s.Contract.ID(), id)}
		}
		if !s.BusinessDate.Equal(day) {
			return &domain.OrderingError{Index: i, Reason: fmt.Sprintf("snapshot dated %s, not %s", s.BusinessDate, day)}
		}
		if i > 0 && s.Position <= snaps[i-1].Position {
			return &domain.OrderingError{Index: i, Reason: fmt.Sprintf("position %d does not follow %d", s.Position, snaps[i-1].Position)}
		}
	}
	return nil
}

func newChangeEvent(s domain.QuoteSnapshot) domain.ChangeEvent {
	return domain.ChangeEvent{
		Contract:     s.Contract,
		BusinessDate: s.BusinessDate,
		Position:     s.Position,
		LowerLimit:   s.LowerLimit,
		UpperLimit:   s.UpperLimit,
		WallClock:    s.WallClock,
	}
}
