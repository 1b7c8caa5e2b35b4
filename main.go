package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"f0oster/admirror/activedirectory"
	"f0oster/admirror/config"
	"f0oster/admirror/database"
	"f0oster/admirror/dclocator"
	"f0oster/admirror/metrics"
	"f0oster/admirror/pipeline"
	"f0oster/admirror/snapshot"
	"f0oster/admirror/store"
	"f0oster/admirror/web"

	"github.com/prometheus/client_golang/prometheus"
)

const identity = "admirror"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadEnvConfig("settings.env")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	snapshotPath := cfg.SnapshotPath
	if snapshotPath == "" {
		snapshotPath = snapshot.DefaultPath(".", identity, cfg.Domain)
	}

	defectFile, err := os.OpenFile(snapshot.DefectLogPath(snapshotPath), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("failed to open defect log: %v", err)
	}
	defer defectFile.Close()
	defectLogger := slog.New(slog.NewTextHandler(defectFile, nil))

	registry := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(identity, registry)

	st := store.NewStore(cfg.Domain, logger, store.NewDefectLog(defectLogger, sink), sink)
	codec := snapshot.NewCodec(logger, sink)

	// Warm start from the on-disk cache when one is present and compatible.
	if entities, err := codec.Load(snapshotPath); err == nil {
		if err := st.Restore(entities); err != nil {
			log.Fatalf("snapshot restore failed: %v", err)
		}
		fmt.Printf("Restored %d tags from %s\n", st.Len(), snapshotPath)
	} else if errors.Is(err, os.ErrNotExist) {
		logger.Info("no snapshot found, starting empty", "path", snapshotPath)
	} else {
		logger.Warn("snapshot unusable, starting empty", "path", snapshotPath, "err", err)
	}

	var exporter pipeline.Exporter
	if cfg.DatabaseDSN != "" {
		db := database.NewDatabase(cfg.DatabaseDSN, logger)
		if err := db.Connect(ctx); err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		exporter = db
	}

	locator := dclocator.NewLocator(dclocator.Config{
		Domain:          cfg.Domain,
		PreferredServer: cfg.PreferredServer,
		Username:        cfg.Username,
		Password:        cfg.Password,
		SidecarPath:     snapshot.PreferredDCPath(snapshotPath),
	}, logger)

	pipelineCfg := pipeline.Config{
		Attributes:       cfg.RequestedAttributes(activedirectory.DefaultAttributes),
		PageSize:         cfg.BulkLoadPageSize,
		SnapshotPath:     snapshotPath,
		SnapshotInterval: cfg.SnapshotInterval,
	}

	watchdog := dclocator.NewWatchdog(locator, st, func(baseDN string) *pipeline.Pipeline {
		runCfg := pipelineCfg
		runCfg.BaseDN = baseDN
		return pipeline.New(st, codec, exporter, runCfg, logger, sink)
	}, logger)

	if cfg.WebAddr != "" {
		srv := web.NewServer(st, cfg.WebAddr, registry, logger).Start()
		defer srv.Close()
	}

	err = watchdog.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("pipeline halted: %v", err)
	}

	// Best-effort snapshot on the way out, so the next start is warm.
	if werr := codec.Write(snapshotPath, st.Entities()); werr != nil {
		logger.Error("final snapshot write failed", "err", werr)
	}
}
