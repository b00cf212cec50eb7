package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
)

// memLog is an in-memory SnapshotLog.
type memLog struct {
	mu        sync.Mutex
	snaps     map[string][]domain.QuoteSnapshot
	hwm       map[string]uint64
	failNext  error
	readError error
}

func newMemLog() *memLog {
	return &memLog{
		snaps: make(map[string][]domain.QuoteSnapshot),
		hwm:   make(map[string]uint64),
	}
}

func (m *memLog) AppendNext(_ context.Context, key domain.ContractKey, build func(uint64) domain.QuoteSnapshot) (domain.QuoteSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return domain.QuoteSnapshot{}, domain.NewPersistenceError("append", key.ID(), err)
	}
	id := key.ID()
	next := m.hwm[id] + 1
	snap := build(next)
	m.snaps[id] = append(m.snaps[id], snap)
	m.hwm[id] = next
	return snap, nil
}

func (m *memLog) SnapshotsForDay(_ context.Context, key domain.ContractKey, day domain.Date) ([]domain.QuoteSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readError != nil {
		return nil, m.readError
	}
	var out []domain.QuoteSnapshot
	for _, s := range m.snaps[key.ID()] {
		if s.BusinessDate.Equal(day) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memLog) LastSnapshot(ctx context.Context, key domain.ContractKey, day domain.Date) (*domain.QuoteSnapshot, error) {
	snaps, err := m.SnapshotsForDay(ctx, key, day)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	last := snaps[len(snaps)-1]
	return &last, nil
}

func (m *memLog) BusinessDatesBefore(_ context.Context, key domain.ContractKey, before domain.Date, limit int) ([]domain.Date, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readError != nil {
		return nil, m.readError
	}
	seen := make(map[domain.Date]bool)
	var dates []domain.Date
	for _, s := range m.snaps[key.ID()] {
		if s.BusinessDate.Before(before) && !seen[s.BusinessDate] {
			seen[s.BusinessDate] = true
			dates = append(dates, s.BusinessDate)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })
	if len(dates) > limit {
		dates = dates[:limit]
	}
	return dates, nil
}

// put stores a snapshot directly with the next position.
func (m *memLog) put(key domain.ContractKey, day string, lower, upper string) domain.QuoteSnapshot {
	snap, _ := m.AppendNext(context.Background(), key, func(pos uint64) domain.QuoteSnapshot {
		return domain.QuoteSnapshot{
			Contract:     key,
			BusinessDate: domain.MustParseDate(day),
			Position:     pos,
			WallClock:    time.Date(2026, time.October, 1, 4, 0, 0, int(pos), time.UTC),
			LowerLimit:   decimal.RequireFromString(lower),
			UpperLimit:   decimal.RequireFromString(upper),
		}
	})
	return snap
}

// memArchive is an in-memory ArchiveStore.
type memArchive struct {
	mu      sync.Mutex
	rows    map[string]domain.ArchiveRecord
	failFor map[string]error
}

func newMemArchive() *memArchive {
	return &memArchive{rows: make(map[string]domain.ArchiveRecord), failFor: make(map[string]error)}
}

func archiveKey(key domain.ContractKey, day domain.Date) string {
	return key.ID() + "@" + day.String()
}

func (m *memArchive) UpsertArchive(_ context.Context, rec domain.ArchiveRecord) (domain.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[rec.Contract.ID()]; err != nil {
		return 0, domain.NewPersistenceError("archive_upsert", rec.Contract.ID(), err)
	}
	k := archiveKey(rec.Contract, rec.BusinessDate)
	if prev, ok := m.rows[k]; ok {
		rec.ArchivedAt = prev.ArchivedAt
		m.rows[k] = rec
		return domain.UpsertUpdated, nil
	}
	m.rows[k] = rec
	return domain.UpsertCreated, nil
}

func (m *memArchive) ArchiveRange(_ context.Context, from, to domain.Date) ([]domain.ArchiveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ArchiveRecord
	for _, r := range m.rows {
		if !r.BusinessDate.Before(from) && !r.BusinessDate.After(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract.ID() < out[j].Contract.ID() })
	return out, nil
}

type staticCatalog struct {
	keys []domain.ContractKey
	err  error
}

func (c staticCatalog) ActiveContracts(context.Context) ([]domain.ContractKey, error) {
	return c.keys, c.err
}

type fakeReference struct {
	at  time.Time
	ok  bool
	err error
}

func (f fakeReference) LatestReferenceTime(context.Context, string) (time.Time, bool, error) {
	return f.at, f.ok, f.err
}

type fakeOverride struct {
	d   domain.Date
	ok  bool
	err error
}

func (f fakeOverride) BusinessDateOverride(context.Context) (domain.Date, bool, error) {
	return f.d, f.ok, f.err
}

type panicReference struct{}

func (panicReference) LatestReferenceTime(context.Context, string) (time.Time, bool, error) {
	panic("feed exploded")
}

// fixedStamper always stamps the same business date.
type fixedStamper struct{ day domain.Date }

func (f fixedStamper) Resolve(context.Context, time.Time) domain.BusinessDate {
	return domain.BusinessDate{Date: f.day, Tier: domain.TierManualOverride}
}

var errDisk = errors.New("disk full")

func niftyKey(strike string, ot domain.OptionType) domain.ContractKey {
	return domain.ContractKey{
		IndexName:   "NIFTY",
		StrikePrice: decimal.RequireFromString(strike),
		OptionType:  ot,
		ExpiryDate:  domain.MustParseDate("2026-10-29"),
	}
}

func band(lower, upper string) domain.RawQuote {
	return domain.RawQuote{
		LowerLimit: decimal.RequireFromString(lower),
		UpperLimit: decimal.RequireFromString(upper),
	}
}

var ist = time.FixedZone("IST", 5*60*60+30*60)

func istTime(day string, hour, minute int) time.Time {
	d := domain.MustParseDate(day)
	y, mo, dd := d.In(time.UTC).Date()
	return time.Date(y, mo, dd, hour, minute, 0, 0, ist)
}
