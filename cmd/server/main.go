package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-hail/internal/availability"
	"github.com/example/ride-hail/internal/config"
	"github.com/example/ride-hail/internal/dispatch"
	"github.com/example/ride-hail/internal/geo"
	httpapi "github.com/example/ride-hail/internal/http"
	"github.com/example/ride-hail/internal/ingest"
	"github.com/example/ride-hail/internal/logging"
	"github.com/example/ride-hail/internal/payments"
	"github.com/example/ride-hail/internal/rides"
	"github.com/example/ride-hail/internal/settlement"
	"github.com/example/ride-hail/internal/storage"
)

// offlineGateway stands in for Stripe when no API key is configured:
// card charges are collected out of band and treated as settled.
type offlineGateway struct{}

func (offlineGateway) VerifyCharge(ctx context.Context, rideID string) (bool, error) {
	return true, nil
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var rideStore storage.RideStore
	var walletStore storage.WalletStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		rideStore, walletStore = ps, ps
	} else {
		rideStore = storage.NewMemoryRideStore()
		walletStore = storage.NewMemoryWalletStore()
		logger.Warn("running with in-memory stores; rides will not survive a restart")
	}

	var area geo.AreaStrategy = geo.Everywhere{}
	if len(cfg.RegionVertices) > 0 {
		area = geo.NewBoundingBox(cfg.RegionVertices)
	}

	var source availability.PingSource
	var sink httpapi.PingSink
	if cfg.RedisAddr != "" {
		source = availability.NewRedisSource(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		mem := availability.NewMemorySource()
		source = mem
		sink = mem
	}
	index := availability.NewIndex(source, area)

	wsreg := dispatch.NewWSRegistry(logging.ForComponent(logger, "ws"))

	coordinator := dispatch.NewCoordinator(rideStore, wsreg, logging.ForComponent(logger, "dispatch"))
	coordinator.BroadcastTimeout = cfg.BroadcastTimeout
	coordinator.TargetedTimeout = cfg.TargetedTimeout

	var gateway settlement.PaymentGateway = offlineGateway{}
	if cfg.StripeKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeKey)
	}
	engine := settlement.NewEngine(rideStore, walletStore, gateway, logging.ForComponent(logger, "settlement"))

	svc := rides.NewService(rideStore, index, coordinator, engine, area, wsreg, logging.ForComponent(logger, "rides"))

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	srv := httpapi.NewServer(svc, producer, wsreg, sink, logging.ForComponent(logger, "http"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// re-arm dispatch rounds that were live when a previous process died
	go coordinator.RunSweeper(ctx, cfg.SweepInterval)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("ride-hail listening", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}
