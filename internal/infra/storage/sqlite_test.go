package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(strike string, ot domain.OptionType) domain.ContractKey {
	return domain.ContractKey{
		IndexName:   "NIFTY",
		StrikePrice: decimal.RequireFromString(strike),
		OptionType:  ot,
		ExpiryDate:  domain.MustParseDate("2026-10-29"),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var baseClock = time.Date(2026, time.October, 14, 4, 0, 0, 0, time.UTC)

func appendBand(t *testing.T, s *Storage, key domain.ContractKey, day string, lower, upper string, at time.Time) domain.QuoteSnapshot {
	t.Helper()
	snap, err := s.AppendNext(context.Background(), key, func(pos uint64) domain.QuoteSnapshot {
		return domain.QuoteSnapshot{
			Contract:     key,
			BusinessDate: domain.MustParseDate(day),
			Position:     pos,
			WallClock:    at,
			ObservedAt:   at,
			Last:         dec("100.05"),
			LowerLimit:   dec(lower),
			UpperLimit:   dec(upper),
		}
	})
	if err != nil {
		t.Fatalf("AppendNext failed: %v", err)
	}
	return snap
}

func TestInstrumentCatalog(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	call := testKey("24500", domain.OptionCall)
	put := testKey("24500", domain.OptionPut)
	if err := s.UpsertInstrument(ctx, domain.NewInstrument(call, true)); err != nil {
		t.Fatalf("UpsertInstrument failed: %v", err)
	}
	if err := s.UpsertInstrument(ctx, domain.NewInstrument(put, false)); err != nil {
		t.Fatalf("UpsertInstrument failed: %v", err)
	}

	fetched, err := s.GetInstrument(ctx, call.ID())
	if err != nil || fetched == nil {
		t.Fatalf("GetInstrument: %v, %v", fetched, err)
	}
	if !fetched.StrikePrice.Equal(call.StrikePrice) {
		t.Errorf("expected strike %s, got %s", call.StrikePrice, fetched.StrikePrice)
	}

	missing, err := s.GetInstrument(ctx, "NOPE")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing instrument, got %v, %v", missing, err)
	}

	active, err := s.ActiveContracts(ctx)
	if err != nil {
		t.Fatalf("ActiveContracts failed: %v", err)
	}
	if len(active) != 1 || active[0].ID() != call.ID() {
		t.Fatalf("expected only %s active, got %v", call.ID(), active)
	}

	if err := s.SetActive(ctx, put.ID(), true); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	forIndex, err := s.ActiveContractsForIndex(ctx, "NIFTY")
	if err != nil {
		t.Fatalf("ActiveContractsForIndex failed: %v", err)
	}
	if len(forIndex) != 2 {
		t.Errorf("expected 2 active NIFTY contracts, got %d", len(forIndex))
	}

	if err := s.SetActive(ctx, "NOPE", true); err == nil {
		t.Error("SetActive on unknown contract should fail")
	}

	if err := s.SetActive(ctx, put.ID(), false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	all, _ := s.GetAllInstruments(ctx)
	if len(all) != 2 {
		t.Errorf("deactivation must keep the catalog row, got %d rows", len(all))
	}
}

func TestBusinessDateOverride(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if _, ok, err := s.BusinessDateOverride(ctx); err != nil || ok {
		t.Fatalf("expected no override, got ok=%v err=%v", ok, err)
	}

	want := domain.MustParseDate("2026-10-13")
	if err := s.SetBusinessDateOverride(ctx, want); err != nil {
		t.Fatalf("SetBusinessDateOverride failed: %v", err)
	}
	got, ok, err := s.BusinessDateOverride(ctx)
	if err != nil || !ok || !got.Equal(want) {
		t.Fatalf("expected %s, got %s ok=%v err=%v", want, got, ok, err)
	}

	if err := s.ClearBusinessDateOverride(ctx); err != nil {
		t.Fatalf("ClearBusinessDateOverride failed: %v", err)
	}
	if _, ok, _ := s.BusinessDateOverride(ctx); ok {
		t.Error("override should be gone after clear")
	}

	t.Run("garbage value is an error", func(t *testing.T) {
		if err := s.SaveConfig(ctx, domain.ConfigKeyBusinessDateOverride, "not-a-date"); err != nil {
			t.Fatal(err)
		}
		if _, _, err := s.BusinessDateOverride(ctx); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestAppendNext(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	key := testKey("24500", domain.OptionCall)

	t.Run("positions start at one and increase", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			snap := appendBand(t, s, key, "2026-10-14", "10", "20", baseClock.Add(time.Duration(i)*time.Second))
			if snap.Position != uint64(i) {
				t.Errorf("append %d: expected position %d, got %d", i, i, snap.Position)
			}
		}
		hwm, err := s.HighWaterMark(ctx, key)
		if err != nil || hwm != 3 {
			t.Errorf("expected high-water mark 3, got %d (%v)", hwm, err)
		}
	})

	t.Run("positions are per contract", func(t *testing.T) {
		other := testKey("24600", domain.OptionPut)
		snap := appendBand(t, s, other, "2026-10-14", "5", "9", baseClock)
		if snap.Position != 1 {
			t.Errorf("expected first position 1 for a fresh contract, got %d", snap.Position)
		}
	})

	t.Run("builder mismatch writes nothing", func(t *testing.T) {
		_, err := s.AppendNext(ctx, key, func(pos uint64) domain.QuoteSnapshot {
			return domain.QuoteSnapshot{Contract: key, Position: pos + 7}
		})
		if err == nil {
			t.Fatal("expected error")
		}
		hwm, _ := s.HighWaterMark(ctx, key)
		if hwm != 3 {
			t.Errorf("high-water mark moved to %d on failed append", hwm)
		}
	})
}

func TestAppendNextConcurrent(t *testing.T) {
	s := setupTestDB(t)
	key := testKey("24500", domain.OptionCall)

	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	errs := make(chan error, writers*perWriter)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				snap, err := s.AppendNext(context.Background(), key, func(pos uint64) domain.QuoteSnapshot {
					return domain.QuoteSnapshot{
						Contract:     key,
						BusinessDate: domain.MustParseDate("2026-10-14"),
						Position:     pos,
						WallClock:    baseClock,
						LowerLimit:   dec("1"),
						UpperLimit:   dec("2"),
					}
				})
				if err != nil {
					errs <- err
					continue
				}
				mu.Lock()
				seen[snap.Position] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent append failed: %v", err)
	}
	if len(seen) != writers*perWriter {
		t.Fatalf("expected %d distinct positions, got %d", writers*perWriter, len(seen))
	}
	for p := uint64(1); p <= writers*perWriter; p++ {
		if !seen[p] {
			t.Errorf("position %d was never assigned", p)
		}
	}
}

func TestSnapshotQueries(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	key := testKey("24500.5", domain.OptionCall)

	appendBand(t, s, key, "2026-10-12", "10", "20", baseClock.Add(-48*time.Hour))
	appendBand(t, s, key, "2026-10-13", "10", "20", baseClock.Add(-24*time.Hour))
	appendBand(t, s, key, "2026-10-13", "11.25", "21.75", baseClock.Add(-23*time.Hour))
	appendBand(t, s, key, "2026-10-14", "12", "22", baseClock)

	t.Run("SnapshotsForDay is position ordered", func(t *testing.T) {
		snaps, err := s.SnapshotsForDay(ctx, key, domain.MustParseDate("2026-10-13"))
		if err != nil {
			t.Fatal(err)
		}
		if len(snaps) != 2 {
			t.Fatalf("expected 2 snapshots, got %d", len(snaps))
		}
		if snaps[0].Position >= snaps[1].Position {
			t.Errorf("positions not ascending: %d, %d", snaps[0].Position, snaps[1].Position)
		}
		if !snaps[1].LowerLimit.Equal(dec("11.25")) || !snaps[1].UpperLimit.Equal(dec("21.75")) {
			t.Errorf("decimal band not preserved: %s..%s", snaps[1].LowerLimit, snaps[1].UpperLimit)
		}
		if snaps[0].Contract.ID() != key.ID() {
			t.Errorf("contract round trip: got %s", snaps[0].Contract.ID())
		}
	})

	t.Run("LastSnapshot", func(t *testing.T) {
		last, err := s.LastSnapshot(ctx, key, domain.MustParseDate("2026-10-13"))
		if err != nil || last == nil {
			t.Fatalf("LastSnapshot: %v, %v", last, err)
		}
		if last.Position != 3 {
			t.Errorf("expected position 3, got %d", last.Position)
		}
		none, err := s.LastSnapshot(ctx, key, domain.MustParseDate("2026-10-01"))
		if err != nil || none != nil {
			t.Errorf("expected nil for empty day, got %v, %v", none, err)
		}
	})

	t.Run("BusinessDatesBefore newest first", func(t *testing.T) {
		dates, err := s.BusinessDatesBefore(ctx, key, domain.MustParseDate("2026-10-14"), 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(dates) != 2 || dates[0].String() != "2026-10-13" || dates[1].String() != "2026-10-12" {
			t.Errorf("unexpected dates: %v", dates)
		}
		one, _ := s.BusinessDatesBefore(ctx, key, domain.MustParseDate("2026-10-14"), 1)
		if len(one) != 1 || one[0].String() != "2026-10-13" {
			t.Errorf("limit not honoured: %v", one)
		}
	})

	t.Run("LatestReferenceTime", func(t *testing.T) {
		ts, ok, err := s.LatestReferenceTime(ctx, "NIFTY")
		if err != nil || !ok {
			t.Fatalf("LatestReferenceTime: ok=%v err=%v", ok, err)
		}
		if !ts.Equal(baseClock) {
			t.Errorf("expected %s, got %s", baseClock, ts)
		}
		if _, ok, _ := s.LatestReferenceTime(ctx, "BANKNIFTY"); ok {
			t.Error("expected no reference time for an unseen index")
		}
	})
}

func TestLatestReferenceTime(t *testing.T) {
	ctx := context.Background()
	key := testKey("24500", domain.OptionCall)

	t.Run("snapshots without an upstream time do not count", func(t *testing.T) {
		s := setupTestDB(t)
		appendBand(t, s, key, "2026-10-16", "10", "20", time.Time{})
		appendBand(t, s, key, "2026-10-16", "10", "20", time.Unix(0, 0))

		if ts, ok, err := s.LatestReferenceTime(ctx, "NIFTY"); err != nil || ok {
			t.Errorf("expected no reference time, got %s ok=%v err=%v", ts, ok, err)
		}

		last, err := s.LastSnapshot(ctx, key, domain.MustParseDate("2026-10-16"))
		if err != nil || last == nil {
			t.Fatalf("LastSnapshot: %v, %v", last, err)
		}
		if !last.ObservedAt.IsZero() {
			t.Errorf("epoch trade time should read back unset, got %s", last.ObservedAt)
		}
	})

	t.Run("newest in log order wins over a later timestamp", func(t *testing.T) {
		s := setupTestDB(t)
		future := time.Date(2099, time.January, 1, 4, 0, 0, 0, time.UTC)
		appendBand(t, s, key, "2026-10-14", "10", "20", future)
		appendBand(t, s, key, "2026-10-14", "10", "20", baseClock)

		ts, ok, err := s.LatestReferenceTime(ctx, "NIFTY")
		if err != nil || !ok {
			t.Fatalf("LatestReferenceTime: ok=%v err=%v", ok, err)
		}
		if !ts.Equal(baseClock) {
			t.Errorf("expected %s, got %s", baseClock, ts)
		}
	})

	t.Run("a later unset time leaves the previous one in force", func(t *testing.T) {
		s := setupTestDB(t)
		appendBand(t, s, key, "2026-10-14", "10", "20", baseClock)
		appendBand(t, s, key, "2026-10-14", "10", "20", time.Time{})

		ts, ok, err := s.LatestReferenceTime(ctx, "NIFTY")
		if err != nil || !ok || !ts.Equal(baseClock) {
			t.Errorf("expected %s, got %s ok=%v err=%v", baseClock, ts, ok, err)
		}
	})
}

func TestAppendNextAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "restart.db")
	key := testKey("24500", domain.OptionCall)

	s, err := NewStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	appendBand(t, s, key, "2026-10-14", "10", "20", baseClock)
	appendBand(t, s, key, "2026-10-14", "10", "20", baseClock)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	hwm, err := reopened.HighWaterMark(ctx, key)
	if err != nil || hwm != 2 {
		t.Fatalf("expected high-water mark 2 after reopen, got %d (%v)", hwm, err)
	}
	snap := appendBand(t, reopened, key, "2026-10-15", "10", "20", baseClock)
	if snap.Position != 3 {
		t.Errorf("expected position 3 after reopen, got %d", snap.Position)
	}
}

func TestUpsertArchive(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	key := testKey("24500", domain.OptionCall)
	day := domain.MustParseDate("2026-10-14")

	first := baseClock.Add(10 * time.Hour)
	rec := domain.ArchiveRecord{
		Contract:     key,
		BusinessDate: day,
		Final: domain.QuoteSnapshot{
			Contract: key, BusinessDate: day, Position: 4, WallClock: baseClock,
			LowerLimit: dec("10"), UpperLimit: dec("20"),
		},
		ArchivedAt:     first,
		LastMergedAt:   first,
		LastMergeRunID: "run-1",
	}

	outcome, err := s.UpsertArchive(ctx, rec)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if outcome != domain.UpsertCreated {
		t.Errorf("expected created, got %v", outcome)
	}

	second := first.Add(time.Hour)
	rec.Final.Position = 9
	rec.Final.UpperLimit = dec("25.5")
	rec.ArchivedAt = second
	rec.LastMergedAt = second
	rec.LastMergeRunID = "run-2"

	outcome, err = s.UpsertArchive(ctx, rec)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if outcome != domain.UpsertUpdated {
		t.Errorf("expected updated, got %v", outcome)
	}

	got, err := s.GetArchive(ctx, key, day)
	if err != nil || got == nil {
		t.Fatalf("GetArchive: %v, %v", got, err)
	}
	if !got.ArchivedAt.Equal(first) {
		t.Errorf("archived_at overwritten: got %s, want %s", got.ArchivedAt, first)
	}
	if !got.LastMergedAt.Equal(second) || got.LastMergeRunID != "run-2" {
		t.Errorf("merge markers not updated: %s %s", got.LastMergedAt, got.LastMergeRunID)
	}
	if got.Final.Position != 9 || !got.Final.UpperLimit.Equal(dec("25.5")) {
		t.Errorf("payload not replaced: pos=%d upper=%s", got.Final.Position, got.Final.UpperLimit)
	}

	rows, err := s.ArchiveRange(ctx, day, day)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("expected exactly one archive row, got %d", len(rows))
	}

	empty, _ := s.ArchiveRange(ctx, day.AddDays(1), day.AddDays(3))
	if len(empty) != 0 {
		t.Errorf("expected empty range, got %d rows", len(empty))
	}
}
