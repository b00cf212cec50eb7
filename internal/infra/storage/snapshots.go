package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// snapshotRow is one entry of the append-only snapshot log.
// Uniqueness of (contract_id, position) backs the sequencer's guarantee.
type snapshotRow struct {
	ID           uint            `gorm:"primaryKey"`
	ContractID   string          `gorm:"not null;uniqueIndex:idx_snapshot_position,priority:1;index:idx_snapshot_day,priority:1"`
	Position     uint64          `gorm:"not null;uniqueIndex:idx_snapshot_position,priority:2"`
	BusinessDate string          `gorm:"not null;size:10;index:idx_snapshot_day,priority:2"`
	IndexName    string          `gorm:"not null;index:idx_snapshot_reference,priority:1"`
	WallClock    time.Time
	ObservedAt   *time.Time      `gorm:"index:idx_snapshot_reference,priority:2"` // NULL when upstream sent none
	Open         decimal.Decimal `gorm:"type:text"`
	High         decimal.Decimal `gorm:"type:text"`
	Low          decimal.Decimal `gorm:"type:text"`
	Close        decimal.Decimal `gorm:"type:text"`
	Last         decimal.Decimal `gorm:"type:text"`
	LowerLimit   decimal.Decimal `gorm:"type:text;not null"`
	UpperLimit   decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt    time.Time
}

func (snapshotRow) TableName() string { return "quote_snapshots" }

// sequenceMark is the durable per-contract high-water mark.
type sequenceMark struct {
	ContractID string `gorm:"primaryKey"`
	HighWater  uint64 `gorm:"not null"`
	UpdatedAt  time.Time
}

func (sequenceMark) TableName() string { return "sequence_marks" }

// observedColumn maps an unset or pre-epoch trade time to NULL.
func observedColumn(t time.Time) *time.Time {
	if t.IsZero() || t.Unix() <= 0 {
		return nil
	}
	u := t.UTC()
	return &u
}

func observedValue(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.UTC()
}

func newSnapshotRow(s domain.QuoteSnapshot) snapshotRow {
	return snapshotRow{
		ContractID:   s.Contract.ID(),
		Position:     s.Position,
		BusinessDate: s.BusinessDate.String(),
		IndexName:    s.Contract.IndexName,
		WallClock:    s.WallClock.UTC(),
		ObservedAt:   observedColumn(s.ObservedAt),
		Open:         s.Open,
		High:         s.High,
		Low:          s.Low,
		Close:        s.Close,
		Last:         s.Last,
		LowerLimit:   s.LowerLimit,
		UpperLimit:   s.UpperLimit,
	}
}

func (r *snapshotRow) toDomain() (domain.QuoteSnapshot, error) {
	key, err := domain.ParseContractID(r.ContractID)
	if err != nil {
		return domain.QuoteSnapshot{}, err
	}
	day, err := domain.ParseDate(r.BusinessDate)
	if err != nil {
		return domain.QuoteSnapshot{}, err
	}
	return domain.QuoteSnapshot{
		Contract:     key,
		BusinessDate: day,
		Position:     r.Position,
		WallClock:    r.WallClock.UTC(),
		ObservedAt:   observedValue(r.ObservedAt),
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Last:         r.Last,
		LowerLimit:   r.LowerLimit,
		UpperLimit:   r.UpperLimit,
	}, nil
}

// ======================================================================================
// Snapshot Log Operations
// ======================================================================================

// AppendNext implements domain.SnapshotLog. The high-water mark bump and the
// snapshot insert commit together or not at all.
func (s *Storage) AppendNext(ctx context.Context, key domain.ContractKey, build func(position uint64) domain.QuoteSnapshot) (domain.QuoteSnapshot, error) {
	id := key.ID()
	var stored domain.QuoteSnapshot

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mark sequenceMark
		err := tx.Where("contract_id = ?", id).Take(&mark).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			mark = sequenceMark{ContractID: id}
		case err != nil:
			return fmt.Errorf("read high-water mark: %w", err)
		}

		next := mark.HighWater + 1
		snap := build(next)
		if snap.Position != next || snap.Contract.ID() != id {
			return fmt.Errorf("snapshot builder returned position %d for %s, want %d for %s",
				snap.Position, snap.Contract.ID(), next, id)
		}

		row := newSnapshotRow(snap)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		mark.HighWater = next
		if err := tx.Save(&mark).Error; err != nil {
			return fmt.Errorf("advance high-water mark: %w", err)
		}

		stored = snap
		return nil
	})
	if err != nil {
		return domain.QuoteSnapshot{}, domain.NewPersistenceError("append", id, err)
	}
	return stored, nil
}

// HighWaterMark returns the last position handed out for key (0 if none).
func (s *Storage) HighWaterMark(ctx context.Context, key domain.ContractKey) (uint64, error) {
	var mark sequenceMark
	err := s.db.WithContext(ctx).Where("contract_id = ?", key.ID()).Take(&mark).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.NewPersistenceError("high_water_mark", key.ID(), err)
	}
	return mark.HighWater, nil
}

// SnapshotsForDay implements domain.SnapshotLog.
func (s *Storage) SnapshotsForDay(ctx context.Context, key domain.ContractKey, day domain.Date) ([]domain.QuoteSnapshot, error) {
	var rows []snapshotRow
	err := s.db.WithContext(ctx).
		Where("contract_id = ? AND business_date = ?", key.ID(), day.String()).
		Order("position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, domain.NewPersistenceError("snapshots_for_day", key.ID()+"@"+day.String(), err)
	}

	out := make([]domain.QuoteSnapshot, 0, len(rows))
	for i := range rows {
		snap, err := rows[i].toDomain()
		if err != nil {
			return nil, domain.NewPersistenceError("decode_snapshot", key.ID(), err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// LastSnapshot implements domain.SnapshotLog.
func (s *Storage) LastSnapshot(ctx context.Context, key domain.ContractKey, day domain.Date) (*domain.QuoteSnapshot, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).
		Where("contract_id = ? AND business_date = ?", key.ID(), day.String()).
		Order("position DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewPersistenceError("last_snapshot", key.ID()+"@"+day.String(), err)
	}

	snap, err := row.toDomain()
	if err != nil {
		return nil, domain.NewPersistenceError("decode_snapshot", key.ID(), err)
	}
	return &snap, nil
}

// BusinessDatesBefore implements domain.SnapshotLog.
func (s *Storage) BusinessDatesBefore(ctx context.Context, key domain.ContractKey, before domain.Date, limit int) ([]domain.Date, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []string
	err := s.db.WithContext(ctx).
		Model(&snapshotRow{}).
		Distinct("business_date").
		Where("contract_id = ? AND business_date < ?", key.ID(), before.String()).
		Order("business_date DESC").
		Limit(limit).
		Pluck("business_date", &raw).Error
	if err != nil {
		return nil, domain.NewPersistenceError("business_dates_before", key.ID(), err)
	}

	dates := make([]domain.Date, 0, len(raw))
	for _, r := range raw {
		d, err := domain.ParseDate(r)
		if err != nil {
			return nil, domain.NewPersistenceError("decode_date", key.ID(), err)
		}
		dates = append(dates, d)
	}
	return dates, nil
}

// LatestReferenceTime implements domain.ReferenceSource: the upstream trade
// time carried by the newest snapshot of indexName, in log order. Snapshots
// without an upstream time are ignored, and so is the receive clock.
func (s *Storage) LatestReferenceTime(ctx context.Context, indexName string) (time.Time, bool, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).
		Select("id", "observed_at").
		Where("index_name = ? AND observed_at IS NOT NULL", indexName).
		Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, domain.NewPersistenceError("latest_reference_time", indexName, err)
	}
	return observedValue(row.ObservedAt), true, nil
}
