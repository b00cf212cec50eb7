package engine

import (
	"context"
	"errors"
	"testing"

	"circuit_go/internal/domain"
)

func TestGetBaseline(t *testing.T) {
	ctx := context.Background()
	key := niftyKey("24500", domain.OptionCall)

	t.Run("Monday resolves to Friday", func(t *testing.T) {
		log := newMemLog()
		log.put(key, "2026-10-16", "90", "110") // Friday
		log.put(key, "2026-10-16", "95", "105")

		b, err := NewBaselineTracker(log, nil).GetBaseline(ctx, key, domain.MustParseDate("2026-10-19"))
		if err != nil || b == nil {
			t.Fatalf("GetBaseline: %v, %v", b, err)
		}
		if b.SourceBusinessDate.String() != "2026-10-16" || b.SourcePosition != 2 {
			t.Errorf("unexpected source %s@%d", b.SourceBusinessDate, b.SourcePosition)
		}
		if b.BusinessDate.String() != "2026-10-19" {
			t.Errorf("baseline must be for the requested date, got %s", b.BusinessDate)
		}
	})

	t.Run("weekend data is passed over", func(t *testing.T) {
		log := newMemLog()
		log.put(key, "2026-10-16", "90", "110") // Friday
		log.put(key, "2026-10-17", "70", "130") // Saturday, mis-stamped

		b, err := NewBaselineTracker(log, nil).GetBaseline(ctx, key, domain.MustParseDate("2026-10-19"))
		if err != nil || b == nil {
			t.Fatalf("GetBaseline: %v, %v", b, err)
		}
		if b.SourceBusinessDate.String() != "2026-10-16" {
			t.Errorf("expected Friday, got %s", b.SourceBusinessDate)
		}
	})

	t.Run("holiday calendar skips closed days", func(t *testing.T) {
		log := newMemLog()
		log.put(key, "2026-10-15", "90", "110")
		log.put(key, "2026-10-16", "70", "130")
		cal := domain.NewHolidayCalendar([]domain.Date{domain.MustParseDate("2026-10-16")})

		b, _ := NewBaselineTracker(log, cal).GetBaseline(ctx, key, domain.MustParseDate("2026-10-19"))
		if b == nil || b.SourceBusinessDate.String() != "2026-10-15" {
			t.Errorf("expected Thursday baseline, got %+v", b)
		}
	})

	t.Run("gap of several trading days", func(t *testing.T) {
		log := newMemLog()
		log.put(key, "2026-10-01", "90", "110")

		b, _ := NewBaselineTracker(log, nil).GetBaseline(ctx, key, domain.MustParseDate("2026-10-14"))
		if b == nil || b.SourceBusinessDate.String() != "2026-10-01" {
			t.Errorf("expected 2026-10-01 baseline, got %+v", b)
		}
	})

	t.Run("later dates are ignored", func(t *testing.T) {
		log := newMemLog()
		log.put(key, "2026-10-14", "90", "110")
		log.put(key, "2026-10-15", "80", "120")

		b, _ := NewBaselineTracker(log, nil).GetBaseline(ctx, key, domain.MustParseDate("2026-10-14"))
		if b != nil {
			t.Errorf("expected no baseline, got %+v", b)
		}
	})

	t.Run("newly listed contract has none", func(t *testing.T) {
		b, err := NewBaselineTracker(newMemLog(), nil).GetBaseline(ctx, key, domain.MustParseDate("2026-10-14"))
		if err != nil || b != nil {
			t.Errorf("expected nil, nil; got %+v, %v", b, err)
		}
	})

	t.Run("only weekend data beyond one page", func(t *testing.T) {
		log := newMemLog()
		log.put(key, "2026-09-01", "90", "110") // Tuesday
		for _, d := range []string{
			"2026-09-05", "2026-09-06", "2026-09-12", "2026-09-13",
			"2026-09-19", "2026-09-20", "2026-09-26", "2026-09-27", "2026-10-03",
		} {
			log.put(key, d, "1", "2")
		}

		b, err := NewBaselineTracker(log, nil).GetBaseline(ctx, key, domain.MustParseDate("2026-10-05"))
		if err != nil || b == nil {
			t.Fatalf("GetBaseline: %v, %v", b, err)
		}
		if b.SourceBusinessDate.String() != "2026-09-01" {
			t.Errorf("expected 2026-09-01, got %s", b.SourceBusinessDate)
		}
	})

	t.Run("read failure propagates", func(t *testing.T) {
		log := newMemLog()
		log.readError = domain.NewPersistenceError("read", key.ID(), errDisk)
		_, err := NewBaselineTracker(log, nil).GetBaseline(ctx, key, domain.MustParseDate("2026-10-14"))
		if !errors.Is(err, domain.ErrPersistenceFailure) {
			t.Errorf("expected persistence failure, got %v", err)
		}
	})
}
