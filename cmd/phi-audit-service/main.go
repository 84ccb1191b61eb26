package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veracare/phi-core/internal/audit"
	"github.com/veracare/phi-core/internal/service"
	"github.com/veracare/phi-core/pkg/config"
	"github.com/veracare/phi-core/pkg/logger"
	"github.com/veracare/phi-core/pkg/monitoring"
	"github.com/veracare/phi-core/pkg/phi"
	"github.com/veracare/phi-core/pkg/policy"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	appLogger := logger.New(cfg.LogLevel)

	// Open the audit store
	store, err := audit.NewPostgresStore(&cfg.Database, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to connect to audit store")
	}
	defer store.Close()

	// Core components
	auditLogger := audit.NewLogger(store, appLogger, &cfg.Audit)

	phiService, err := phi.NewService(&cfg.Encryption)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize PHI encryption service")
	}

	policyValidator, err := policy.NewValidator(&cfg.Policy)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize access policy validator")
	}

	var metrics *monitoring.MetricsCollector
	if cfg.Monitoring.Enabled {
		metrics = monitoring.NewMetricsCollector("phi-audit-service")
	}

	// Compliance monitor: rebuild sliding windows from the recent chain,
	// then follow new appends
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := audit.NewMonitor(&cfg.Monitor, appLogger, auditLogger)
	rebuildCtx, rebuildCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := monitor.Rebuild(rebuildCtx, rebuildStart(rebuildCtx, store, appLogger)); err != nil {
		appLogger.WithError(err).Warn("Compliance monitor rebuild failed, starting with empty windows")
	}
	rebuildCancel()
	monitor.Start(ctx)
	defer monitor.Stop()

	// Boundary service
	svc := service.NewService(cfg, appLogger, auditLogger, phiService, policyValidator, metrics, store.Health)

	go func() {
		if err := svc.Start(); err != nil {
			appLogger.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down PHI audit service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Failed to shutdown server gracefully")
		os.Exit(1)
	}

	appLogger.Info("PHI audit service stopped")
}

// rebuildStart picks the sequence to rebuild the monitor from: the last 24
// hours of chain history is enough to repopulate every sliding window.
func rebuildStart(ctx context.Context, store *audit.PostgresStore, log *logger.Logger) uint64 {
	tail, err := store.Tail(ctx)
	if err != nil || tail == nil {
		return 1
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	events, err := store.Query(ctx, &audit.Filter{StartTime: cutoff, Limit: 1})
	if err != nil || len(events) == 0 {
		return tail.SequenceNumber
	}

	log.WithField("from_sequence", events[0].SequenceNumber).Info("Rebuilding compliance windows")
	return events[0].SequenceNumber
}
