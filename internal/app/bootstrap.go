package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"circuit_go/internal/domain"
	"circuit_go/internal/engine"
	"circuit_go/internal/event"
	"circuit_go/internal/infra"
	"circuit_go/internal/infra/feed"
	"circuit_go/internal/infra/httpapi"
	"circuit_go/internal/infra/storage"
	"circuit_go/internal/service"

	"github.com/prometheus/client_golang/prometheus"
)

const syncConcurrency = 5

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config   *infra.Config
	Logger   *slog.Logger
	Storage  *storage.Storage
	Metrics  *infra.Metrics
	Registry *prometheus.Registry

	Tracker   *engine.ReferenceTracker
	Resolver  *engine.BusinessDateResolver
	Sequencer *engine.Sequencer
	Baselines *engine.BaselineTracker
	Archiver  *engine.ArchivalUpserter

	Reports   *service.ReportService
	Scheduler *service.ArchiveScheduler

	Inbox chan *event.QuoteEvent
	Feed  *feed.Worker // nil when no feed URL is configured
	API   *httpapi.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads config, opens storage and wires every component.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	b.Logger.Info("🚀 Bootstrapping circuit_go...", slog.String("config", b.ConfigPath))

	store, err := storage.NewStorage(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	b.Storage = store
	b.Logger.Info("✅ Database initialized")

	if cfg.BusinessDateOverride != "" {
		d, err := domain.ParseDate(cfg.BusinessDateOverride)
		if err != nil {
			return &domain.ConfigError{Field: "CIRCUIT_BUSINESS_DATE", Err: err}
		}
		if err := store.SetBusinessDateOverride(ctx, d); err != nil {
			return err
		}
		b.Logger.Warn("Business date override seeded from environment", slog.String("date", d.String()))
	}

	return b.wire()
}

func (b *Bootstrap) wire() error {
	cfg := b.Config

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	open, closeAt, err := cfg.SessionWindow()
	if err != nil {
		return err
	}
	holidays, err := cfg.HolidayDates()
	if err != nil {
		return err
	}
	cal := domain.NewHolidayCalendar(holidays)

	b.Metrics = infra.GlobalMetrics
	b.Registry = infra.NewRegistry(b.Metrics)

	b.Tracker = engine.NewReferenceTracker(b.Storage)
	b.Resolver = engine.NewBusinessDateResolver(b.Tracker, b.Storage, engine.SessionConfig{
		Location:       loc,
		Open:           open,
		Close:          closeAt,
		ReferenceIndex: cfg.Market.ReferenceIndex,
		Calendar:       cal,
	}, b.Metrics, b.Logger)

	b.Sequencer = engine.NewSequencer(b.Storage, b.Resolver,
		engine.WithMetrics(b.Metrics),
		engine.WithLogger(b.Logger),
	)
	b.Baselines = engine.NewBaselineTracker(b.Storage, cal)
	b.Archiver = engine.NewArchivalUpserter(b.Storage, b.Storage, b.Storage, loc,
		engine.WithArchiveMetrics(b.Metrics),
		engine.WithArchiveLogger(b.Logger),
	)

	b.Reports = service.NewReportService(b.Storage, b.Storage, b.Storage, b.Resolver, b.Baselines)
	b.Scheduler = service.NewArchiveScheduler(b.Archiver, b.Resolver, cfg.Archive.Interval, b.Logger)

	b.Inbox = make(chan *event.QuoteEvent, cfg.Feed.Buffer)
	if cfg.Feed.WSURL != "" {
		b.Feed = feed.NewWorker(cfg.Feed.WSURL, b.Tracker, b.Inbox,
			feed.WithMetrics(b.Metrics),
			feed.WithLogger(b.Logger),
			feed.WithSubscriptions(b.subscriptions()),
		)
	}

	var apiOpts []httpapi.Option
	if cfg.HTTP.RateLimit > 0 {
		apiOpts = append(apiOpts, httpapi.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.Burst))
	}
	b.API = httpapi.NewServer(cfg.HTTP.Addr, b.Reports, b.Scheduler, b.Storage, b.Registry, b.Logger, apiOpts...)
	return nil
}

func (b *Bootstrap) subscriptions() []string {
	var ids []string
	for _, ic := range b.Config.Instruments {
		if !ic.IsActive() {
			continue
		}
		if key, err := ic.Key(); err == nil {
			ids = append(ids, key.ID())
		}
	}
	return ids
}

// SyncInstruments upserts the configured instruments into the catalog.
// Entries that fail are logged and reported together.
func (b *Bootstrap) SyncInstruments(ctx context.Context) error {
	b.Logger.Info("🔄 Starting instrument synchronization...", slog.Int("instruments", len(b.Config.Instruments)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	semaphore := make(chan struct{}, syncConcurrency)

	for _, ic := range b.Config.Instruments {
		wg.Add(1)
		go func(ic infra.InstrumentConfig) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}:
			}
			defer func() { <-semaphore }()

			err := b.syncOne(ctx, ic)
			if err != nil {
				b.Logger.Error("Failed to sync instrument", slog.String("index", ic.Index), slog.Any("error", err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(ic)
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(errs) > 0 {
		return fmt.Errorf("instrument sync: %w", errors.Join(errs...))
	}
	b.Logger.Info("✨ Instrument synchronization completed")
	return nil
}

func (b *Bootstrap) syncOne(ctx context.Context, ic infra.InstrumentConfig) error {
	key, err := ic.Key()
	if err != nil {
		return err
	}
	inst := domain.NewInstrument(key, ic.IsActive())
	// The config flag only seeds new rows; -activate/-deactivate own it after that.
	if existing, _ := b.Storage.GetInstrument(ctx, inst.ContractID); existing != nil {
		inst.CreatedAt = existing.CreatedAt
		inst.IsActive = existing.IsActive
	}
	return b.Storage.UpsertInstrument(ctx, inst)
}

// SetContractActive moves a catalog entry in or out of archive passes and
// returns the last position sequenced for it.
func (b *Bootstrap) SetContractActive(ctx context.Context, contractID string, active bool) (uint64, error) {
	key, err := domain.ParseContractID(contractID)
	if err != nil {
		return 0, err
	}
	if err := b.Storage.SetActive(ctx, key.ID(), active); err != nil {
		return 0, err
	}
	hwm, err := b.Storage.HighWaterMark(ctx, key)
	if err != nil {
		return 0, err
	}
	b.Logger.Info("Catalog entry updated",
		slog.String("contract", key.ID()),
		slog.Bool("active", active),
		slog.Uint64("last_position", hwm),
	)
	return hwm, nil
}

// Close releases storage.
func (b *Bootstrap) Close() error {
	if b.Storage == nil {
		return nil
	}
	return b.Storage.Close()
}
