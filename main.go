package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"catalog_sync/api"
	"catalog_sync/config"
	"catalog_sync/httputil"
	"catalog_sync/logging"
	"catalog_sync/models"
	"catalog_sync/scheduler"
	"catalog_sync/services"
	"catalog_sync/storage"
	"catalog_sync/workers"
)

var (
	syncNow    = flag.Bool("sync", false, "Run one sync batch and exit")
	cleanupNow = flag.Bool("cleanup", false, "Run one 3D model cleanup and exit")
	batchSize  = flag.Int("batch", 0, "Batch size for -sync (default SYNC_BATCH_SIZE)")
)

// catalogBackend is what both catalog stores provide
type catalogBackend interface {
	services.CatalogStore
	services.ResyncNotifier
	workers.ModelStore
}

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup("sync.log", cfg.LogLevel)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting catalog_sync...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite for run history and dashboard commands
	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer sqliteStore.Close()
	log.Printf("SQLite database: %s", cfg.DBPath)

	backend, closeBackend, err := openCatalog(ctx, cfg)
	if err != nil {
		if *syncNow || *cleanupNow {
			log.Fatalf("Catalog unavailable: %v", err)
		}
		log.Printf("Warning: catalog unavailable, sync endpoints will report a configuration error: %v", err)
	} else {
		defer closeBackend()
	}

	var syncService *services.SyncService
	if backend != nil {
		syncService = services.NewSyncService(backend, backend, cfg.Markup)
		syncService.SetRecorder(sqliteStore)

		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Fatalf("Failed to connect to Redis: %v", err)
			}
			syncService.SetLocker(storage.NewRedisLocker(rdb, "", cfg.Sync.LockTTL))
			log.Printf("Redis run lock: %s", cfg.Redis.Addr)
		}
		log.Printf("Markup table: %d bands", len(cfg.Markup))
	}

	var cleanupWorker *workers.CleanupWorker
	if backend != nil && cfg.S3.Enabled() {
		remover, err := storage.NewS3Remover(ctx, cfg.S3)
		if err != nil {
			log.Fatalf("Failed to set up S3 client: %v", err)
		}
		cleanupWorker = workers.NewCleanupWorker(backend, remover, cfg.S3.Bucket, cfg.Cleanup.MaxAge, cfg.Cleanup.Batch)
		cleanupWorker.SetLogger(func(level models.LogLevel, source, message string) {
			if err := sqliteStore.CreateLog(&models.SyncLog{Level: level, Message: message, Source: source}); err != nil {
				log.Printf("Failed to persist log: %v", err)
			}
		})
	} else {
		log.Println("S3 credentials not set, 3D model cleanup disabled")
	}

	// Handle one-shot commands
	if *syncNow {
		batch := *batchSize
		if batch <= 0 {
			batch = cfg.Sync.BatchSize
		}
		stats, err := syncService.Run(ctx, batch, models.TriggerCLI)
		if err != nil {
			log.Fatalf("Sync failed: %v", err)
		}
		log.Printf("Sync complete: %d entries, %d updated, %d errors",
			stats.CacheEntriesProcessed, stats.ProductsUpdated, stats.Errors)
		return
	}
	if *cleanupNow {
		if cleanupWorker == nil {
			log.Fatal("Cleanup needs S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY")
		}
		if _, err := cleanupWorker.RunOnce(ctx); err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
		return
	}

	// Daemon mode. Interfaces are only set for non-nil services so the
	// handlers can tell "not configured" apart.
	var (
		syncRunner    api.SyncRunner
		cleanupRunner api.CleanupRunner
	)
	var sched *scheduler.Scheduler
	if syncService != nil {
		syncRunner = syncService
		sched = scheduler.New(cfg, syncService, sqliteStore)
		if cleanupWorker != nil {
			sched.SetWorkers(cleanupWorker)
		}
		if err := sched.Start(ctx); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
	}
	if cleanupWorker != nil {
		cleanupRunner = cleanupWorker
		go cleanupWorker.Run(ctx, cfg.Cleanup.Interval)
		log.Printf("Cleanup worker started (every %s, max age %s)", cfg.Cleanup.Interval, cfg.Cleanup.MaxAge)
	}

	server := api.NewServer(cfg, syncRunner, cleanupRunner, sqliteStore)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if sched != nil {
		sched.Stop()
	}
	cancel()
	log.Println("Goodbye!")
}

// openCatalog connects to Postgres when a database URL is set and falls back
// to the PostgREST API otherwise.
func openCatalog(ctx context.Context, cfg *config.Config) (catalogBackend, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	if cfg.Supabase.DBURL != "" {
		pgStore, err := storage.NewPostgresStore(ctx, cfg.Supabase.DBURL, cfg.Sync.ClaimTTL)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.Supabase.DBURL))
		return pgStore, pgStore.Close, nil
	}

	clients := httputil.NewClients(&cfg.Supabase)
	log.Printf("Using Supabase REST API: %s", cfg.Supabase.URL)
	return storage.NewSupabaseStore(&cfg.Supabase, clients.API), func() {}, nil
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.User == nil {
		return connStr
	}
	return u.Redacted()
}
