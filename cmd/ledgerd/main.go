package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexcomply/ledger/internal/auth"
	"github.com/lexcomply/ledger/internal/config"
	"github.com/lexcomply/ledger/internal/handlers"
	"github.com/lexcomply/ledger/internal/ledger"
	"github.com/lexcomply/ledger/internal/ledger/metrics"
	"github.com/lexcomply/ledger/internal/signer"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadFromEnv()

	// Store: Postgres when configured, otherwise in-memory for dev.
	var (
		db    *sql.DB
		store ledger.ExportStore
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		cancel()
		store = ledger.NewPGStore(db)
		log.Println("connected to postgres")
	} else {
		store = ledger.NewMemoryStore()
		log.Println("DATABASE_URL not set; using in-memory store (dev only)")
	}

	// Signer and verification registry.
	signClient := signer.NewLocalSigner(cfg.SignerID)
	registry := signer.NewRegistry()
	registry.Add(cfg.SignerID, signClient.PublicKey())

	m := metrics.New()
	classifier := ledger.NewClassifier()
	chain := ledger.NewChainBuilder(store, classifier, ledger.ChainBuilderConfig{
		Signer:  signClient,
		Metrics: m,
	})
	detector := ledger.NewDetector(store, ledger.DetectorConfig{
		Registry: registry,
		Metrics:  m,
	})
	reporter := ledger.NewReporter(store, detector)

	// Cold-storage archiver is optional; retention falls back to logical
	// archival only.
	var archiver ledger.Archiver
	if cfg.ArchiveS3Bucket != "" {
		a, err := ledger.NewS3Archiver(context.Background(), cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix)
		if err != nil {
			log.Fatalf("failed to initialize s3 archiver: %v", err)
		}
		archiver = a
		log.Printf("s3 archiver configured (bucket=%s)", cfg.ArchiveS3Bucket)
	}

	retention := ledger.NewRetentionManager(store, chain, ledger.RetentionManagerConfig{
		Archiver: archiver,
		Metrics:  m,
	})
	anchorer := ledger.NewAnchorer(store, ledger.AnchorerConfig{
		Window:  cfg.AnchorWindow,
		Metrics: m,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic jobs: Merkle anchoring and the retention sweep.
	go runEvery(rootCtx, "anchor", cfg.AnchorInterval, func(ctx context.Context) error {
		return anchorer.Tick(ctx)
	})
	go runEvery(rootCtx, "sweep", cfg.SweepInterval, func(ctx context.Context) error {
		_, err := retention.Sweep(ctx, "retention-scheduler")
		return err
	})

	// Export streamer: only when Kafka is configured.
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		producer, err := ledger.NewKafkaProducer(ledger.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("failed to initialize kafka producer: %v", err)
		}
		streamer := ledger.NewStreamer(store, producer, archiver, ledger.StreamerConfig{})
		go func() {
			if err := streamer.Run(rootCtx); err != nil && err != context.Canceled {
				log.Printf("[ledgerd] streamer exited: %v", err)
			}
		}()
		log.Printf("export streamer started (topic=%s)", cfg.KafkaTopic)
	}

	api := &handlers.API{
		Chain:     chain,
		Store:     store,
		Detector:  detector,
		Reporter:  reporter,
		Retention: retention,
	}

	r := chi.NewRouter()
	api.HealthRoutes(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret, cfg.DevMode))
		api.Routes(r)
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("ledgerd listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if db != nil {
		_ = db.Close()
	}
	os.Exit(0)
}

// runEvery runs fn on a fixed interval until ctx is cancelled.
func runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Printf("[ledgerd.%s] %v", name, err)
			}
		}
	}
}
