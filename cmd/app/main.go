package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"circuit_go/internal/app"
	"circuit_go/internal/domain"
	"circuit_go/internal/event"

	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	setOverride := flag.String("set-override", "", "store a manual business date override (YYYY-MM-DD) and exit")
	clearOverride := flag.Bool("clear-override", false, "remove the manual business date override and exit")
	archiveOnce := flag.Bool("archive-once", false, "run a single archive pass and exit")
	archiveDate := flag.String("date", "", "business date for -archive-once (default: resolved current date)")
	activate := flag.String("activate", "", "put a contract id (INDEX|STRIKE|CE/PE|EXPIRY) back into archive passes and exit")
	deactivate := flag.String("deactivate", "", "take a contract id out of archive passes and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap := app.NewBootstrap(*configPath)
	if err := bootstrap.Initialize(ctx); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		return 1
	}
	defer bootstrap.Close()

	switch {
	case *setOverride != "":
		return setBusinessDateOverride(ctx, bootstrap, *setOverride)
	case *clearOverride:
		if err := bootstrap.Storage.ClearBusinessDateOverride(ctx); err != nil {
			slog.Error("Failed to clear override", slog.Any("error", err))
			return 1
		}
		slog.Info("✅ Business date override cleared")
		return 0
	case *activate != "":
		return setContractActive(ctx, bootstrap, *activate, true)
	case *deactivate != "":
		return setContractActive(ctx, bootstrap, *deactivate, false)
	}

	if err := bootstrap.SyncInstruments(ctx); err != nil {
		slog.Warn("Instrument sync incomplete", slog.Any("error", err))
	}

	if *archiveOnce {
		return archiveAndReport(ctx, bootstrap, *archiveDate)
	}

	return serve(ctx, bootstrap)
}

func setBusinessDateOverride(ctx context.Context, b *app.Bootstrap, raw string) int {
	d, err := domain.ParseDate(raw)
	if err != nil {
		slog.Error("Invalid override date", slog.String("value", raw), slog.Any("error", err))
		return 1
	}
	if err := b.Storage.SetBusinessDateOverride(ctx, d); err != nil {
		slog.Error("Failed to store override", slog.Any("error", err))
		return 1
	}
	slog.Info("✅ Business date override stored", slog.String("date", d.String()))
	return 0
}

func setContractActive(ctx context.Context, b *app.Bootstrap, contractID string, active bool) int {
	// New config entries must exist in the catalog before they can be toggled.
	if err := b.SyncInstruments(ctx); err != nil {
		slog.Warn("Instrument sync incomplete", slog.Any("error", err))
	}
	hwm, err := b.SetContractActive(ctx, contractID, active)
	if err != nil {
		slog.Error("Failed to update catalog entry", slog.String("contract", contractID), slog.Any("error", err))
		return 1
	}
	fmt.Printf("%s active=%t last_position=%d\n", contractID, active, hwm)
	return 0
}

func archiveAndReport(ctx context.Context, b *app.Bootstrap, rawDate string) int {
	var (
		res domain.ArchiveResult
		err error
	)
	if rawDate != "" {
		d, perr := domain.ParseDate(rawDate)
		if perr != nil {
			slog.Error("Invalid archive date", slog.String("value", rawDate), slog.Any("error", perr))
			return 1
		}
		res, err = b.Scheduler.RunFor(ctx, d)
	} else {
		res, err = b.Scheduler.RunOnce(ctx)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))

	if err != nil {
		slog.Error("❌ Archive pass failed", slog.Any("error", err))
		return 1
	}
	if !res.Complete() {
		slog.Error("❌ Archive pass incomplete", slog.Int("failures", len(res.Failures)))
		return 1
	}
	return 0
}

func serve(ctx context.Context, b *app.Bootstrap) int {
	event.Warmup(b.Config.Feed.Buffer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.Sequencer.Run(gctx, b.Inbox) })
	if b.Feed != nil {
		g.Go(func() error { return b.Feed.Run(gctx) })
	} else {
		slog.Warn("No feed URL configured; only stored snapshots will be served")
	}
	g.Go(func() error { return b.Scheduler.Run(gctx) })
	g.Go(func() error { return b.API.Run(gctx) })

	slog.InfoContext(ctx, "✨ circuit_go fully operational. Press Ctrl+C to exit.",
		slog.String("http", b.Config.HTTP.Addr),
	)

	err := g.Wait()
	slog.Info("👋 Shutting down gracefully...")
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Worker stopped with error", slog.Any("error", err))
		return 1
	}
	return 0
}
