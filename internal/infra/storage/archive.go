package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// archiveRow is the single authoritative end-of-day row per (contract, date).
type archiveRow struct {
	ID             uint            `gorm:"primaryKey"`
	ContractID     string          `gorm:"not null;uniqueIndex:idx_archive_key,priority:1"`
	BusinessDate   string          `gorm:"not null;size:10;uniqueIndex:idx_archive_key,priority:2;index"`
	IndexName      string          `gorm:"not null;index"`
	SourcePosition uint64          `gorm:"not null"`
	WallClock      time.Time
	ObservedAt     *time.Time
	Open           decimal.Decimal `gorm:"type:text"`
	High           decimal.Decimal `gorm:"type:text"`
	Low            decimal.Decimal `gorm:"type:text"`
	Close          decimal.Decimal `gorm:"type:text"`
	Last           decimal.Decimal `gorm:"type:text"`
	LowerLimit     decimal.Decimal `gorm:"type:text;not null"`
	UpperLimit     decimal.Decimal `gorm:"type:text;not null"`
	IsExpired      bool            `gorm:"not null"`
	ArchivedAt     time.Time       `gorm:"not null"` // creation marker
	LastMergedAt   time.Time       `gorm:"not null"`
	LastMergeRunID string
}

func (archiveRow) TableName() string { return "archive_records" }

// payloadColumns are replaced on every merge. archived_at is deliberately absent.
var payloadColumns = []string{
	"index_name", "source_position", "wall_clock", "observed_at",
	"open", "high", "low", "close", "last",
	"lower_limit", "upper_limit", "is_expired",
	"last_merged_at", "last_merge_run_id",
}

func newArchiveRow(rec domain.ArchiveRecord) archiveRow {
	f := rec.Final
	return archiveRow{
		ContractID:     rec.Contract.ID(),
		BusinessDate:   rec.BusinessDate.String(),
		IndexName:      rec.Contract.IndexName,
		SourcePosition: f.Position,
		WallClock:      f.WallClock.UTC(),
		ObservedAt:     observedColumn(f.ObservedAt),
		Open:           f.Open,
		High:           f.High,
		Low:            f.Low,
		Close:          f.Close,
		Last:           f.Last,
		LowerLimit:     f.LowerLimit,
		UpperLimit:     f.UpperLimit,
		IsExpired:      rec.IsExpired,
		ArchivedAt:     rec.ArchivedAt.UTC(),
		LastMergedAt:   rec.LastMergedAt.UTC(),
		LastMergeRunID: rec.LastMergeRunID,
	}
}

func (r *archiveRow) toDomain() (domain.ArchiveRecord, error) {
	key, err := domain.ParseContractID(r.ContractID)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	day, err := domain.ParseDate(r.BusinessDate)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	return domain.ArchiveRecord{
		Contract:     key,
		BusinessDate: day,
		Final: domain.QuoteSnapshot{
			Contract:     key,
			BusinessDate: day,
			Position:     r.SourcePosition,
			WallClock:    r.WallClock.UTC(),
			ObservedAt:   observedValue(r.ObservedAt),
			Open:         r.Open,
			High:         r.High,
			Low:          r.Low,
			Close:        r.Close,
			Last:         r.Last,
			LowerLimit:   r.LowerLimit,
			UpperLimit:   r.UpperLimit,
		},
		IsExpired:      r.IsExpired,
		ArchivedAt:     r.ArchivedAt.UTC(),
		LastMergedAt:   r.LastMergedAt.UTC(),
		LastMergeRunID: r.LastMergeRunID,
	}, nil
}

// ======================================================================================
// Archive Operations
// ======================================================================================

// UpsertArchive implements domain.ArchiveStore. The existence check and the
// ON CONFLICT upsert run in one transaction; the unique key decides the
// winner if another writer races in.
func (s *Storage) UpsertArchive(ctx context.Context, rec domain.ArchiveRecord) (domain.UpsertOutcome, error) {
	key := rec.Contract.ID() + "@" + rec.BusinessDate.String()
	row := newArchiveRow(rec)
	if row.ArchivedAt.IsZero() {
		row.ArchivedAt = row.LastMergedAt
	}

	var outcome domain.UpsertOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&archiveRow{}).
			Where("contract_id = ? AND business_date = ?", row.ContractID, row.BusinessDate).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check archive row: %w", err)
		}

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contract_id"}, {Name: "business_date"}},
			DoUpdates: clause.AssignmentColumns(payloadColumns),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("upsert archive row: %w", err)
		}

		outcome = domain.UpsertCreated
		if count > 0 {
			outcome = domain.UpsertUpdated
		}
		return nil
	})
	if err != nil {
		return 0, domain.NewPersistenceError("archive_upsert", key, err)
	}
	return outcome, nil
}

// GetArchive returns the row for (key, day), or nil.
func (s *Storage) GetArchive(ctx context.Context, key domain.ContractKey, day domain.Date) (*domain.ArchiveRecord, error) {
	var row archiveRow
	err := s.db.WithContext(ctx).
		Where("contract_id = ? AND business_date = ?", key.ID(), day.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewPersistenceError("get_archive", key.ID(), err)
	}
	rec, err := row.toDomain()
	if err != nil {
		return nil, domain.NewPersistenceError("decode_archive", key.ID(), err)
	}
	return &rec, nil
}

// ArchiveRange implements domain.ArchiveStore.
func (s *Storage) ArchiveRange(ctx context.Context, from, to domain.Date) ([]domain.ArchiveRecord, error) {
	var rows []archiveRow
	err := s.db.WithContext(ctx).
		Where("business_date >= ? AND business_date <= ?", from.String(), to.String()).
		Order("business_date ASC, contract_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, domain.NewPersistenceError("archive_range", from.String()+".."+to.String(), err)
	}

	out := make([]domain.ArchiveRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, domain.NewPersistenceError("decode_archive", rows[i].ContractID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
