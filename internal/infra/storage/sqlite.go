package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"circuit_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the SQLite-backed snapshot log, archive, catalog and override store
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at dbPath.
// An empty dbPath resolves to the per-user config directory.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		resolved, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		dbPath = resolved
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	// SQLite has a single writer. One connection serializes every
	// transaction, which is what position reservation relies on.
	sqlDB.SetMaxOpenConns(1)

	// Auto Migration
	if err := db.AutoMigrate(
		&domain.Instrument{},
		&domain.AppConfig{},
		&snapshotRow{},
		&sequenceMark{},
		&archiveRow{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "CircuitGo", "data", "circuit.db"), nil
}

// ======================================================================================
// Instrument Catalog Operations
// ======================================================================================

// UpsertInstrument creates or updates a catalog entry
func (s *Storage) UpsertInstrument(ctx context.Context, inst *domain.Instrument) error {
	return s.db.WithContext(ctx).Save(inst).Error
}

// GetInstrument retrieves a catalog entry by contract id
func (s *Storage) GetInstrument(ctx context.Context, contractID string) (*domain.Instrument, error) {
	var inst domain.Instrument
	err := s.db.WithContext(ctx).First(&inst, "contract_id = ?", contractID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetAllInstruments retrieves every catalog entry
func (s *Storage) GetAllInstruments(ctx context.Context) ([]domain.Instrument, error) {
	var insts []domain.Instrument
	err := s.db.WithContext(ctx).Order("contract_id").Find(&insts).Error
	return insts, err
}

// SetActive flips a contract in or out of archival passes
func (s *Storage) SetActive(ctx context.Context, contractID string, active bool) error {
	res := s.db.WithContext(ctx).Model(&domain.Instrument{}).
		Where("contract_id = ?", contractID).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instrument not found: %s", contractID)
	}
	return nil
}

// ActiveContracts implements domain.InstrumentCatalog.
// Rows with an unparsable id are skipped; the catalog is external input.
func (s *Storage) ActiveContracts(ctx context.Context) ([]domain.ContractKey, error) {
	var insts []domain.Instrument
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("contract_id").Find(&insts).Error; err != nil {
		return nil, domain.NewPersistenceError("active_contracts", "", err)
	}

	keys := make([]domain.ContractKey, 0, len(insts))
	for i := range insts {
		key, err := insts[i].Key()
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ActiveContractsForIndex narrows ActiveContracts to one index.
func (s *Storage) ActiveContractsForIndex(ctx context.Context, indexName string) ([]domain.ContractKey, error) {
	all, err := s.ActiveContracts(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.ContractKey
	for _, k := range all {
		if k.IndexName == indexName {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// ======================================================================================
// Config Operations
// ======================================================================================

// SaveConfig saves an operator configuration value
func (s *Storage) SaveConfig(ctx context.Context, key, value string) error {
	config := domain.AppConfig{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Save(&config).Error
}

// DeleteConfig removes an operator configuration value
func (s *Storage) DeleteConfig(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where(&domain.AppConfig{Key: key}).Delete(&domain.AppConfig{}).Error
}

// SetBusinessDateOverride stores the tier 2 manual business date.
func (s *Storage) SetBusinessDateOverride(ctx context.Context, d domain.Date) error {
	if d.IsZero() {
		return errors.New("override date must be set")
	}
	return s.SaveConfig(ctx, domain.ConfigKeyBusinessDateOverride, d.String())
}

// ClearBusinessDateOverride removes the tier 2 manual business date.
func (s *Storage) ClearBusinessDateOverride(ctx context.Context) error {
	return s.DeleteConfig(ctx, domain.ConfigKeyBusinessDateOverride)
}

// BusinessDateOverride implements domain.OverrideSource.
// An unparsable stored value is an error, not an absent override.
func (s *Storage) BusinessDateOverride(ctx context.Context) (domain.Date, bool, error) {
	var cfg domain.AppConfig
	err := s.db.WithContext(ctx).Where(&domain.AppConfig{Key: domain.ConfigKeyBusinessDateOverride}).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Date{}, false, nil
	}
	if err != nil {
		return domain.Date{}, false, err
	}
	if cfg.Value == "" {
		return domain.Date{}, false, nil
	}
	d, err := domain.ParseDate(cfg.Value)
	if err != nil {
		return domain.Date{}, false, err
	}
	return d, true, nil
}
