package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/moments-app/backend/internal/cache"
	"github.com/moments-app/backend/internal/config"
	"github.com/moments-app/backend/internal/database"
	"github.com/moments-app/backend/internal/export"
	"github.com/moments-app/backend/internal/gamification"
	"github.com/moments-app/backend/internal/middleware"
	"github.com/moments-app/backend/internal/notify"
	"github.com/moments-app/backend/internal/store"
	"github.com/moments-app/backend/internal/store/memory"
	"github.com/moments-app/backend/internal/store/mongodb"
	"github.com/moments-app/backend/internal/store/postgres"
	"github.com/rs/cors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage backend
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StorageBackend, err)
	}
	defer closeStore()

	opts := []gamification.Option{
		gamification.WithPredicates(gamification.Builtin()),
		gamification.WithMaxRetries(cfg.MaxRetries),
		gamification.WithRecentLimit(cfg.RecentUnlocksLimit),
	}

	// Notifications
	if cfg.RabbitMQURL != "" {
		emitter, err := notify.DialAMQP(cfg.RabbitMQURL, cfg.NotifyQueue, 0)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer emitter.Close()
		opts = append(opts, gamification.WithEmitter(emitter))
	} else {
		opts = append(opts, gamification.WithEmitter(notify.LogEmitter{}))
	}

	// Leaderboard cache
	if cfg.RedisURL != "" {
		rc, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rc.Close()
		opts = append(opts, gamification.WithLeaderboardCache(rc, cfg.LeaderboardCacheTTL))
	}

	// Leaderboard snapshots
	if cfg.S3.Enabled() {
		exp, err := export.NewS3Exporter(ctx, cfg.S3)
		if err != nil {
			log.Fatalf("Failed to configure S3 export: %v", err)
		}
		opts = append(opts, gamification.WithSnapshotSink(exp))
	}

	svc := gamification.NewService(st, opts...)

	if cfg.SeedTemplates {
		if _, err := svc.SeedTemplates(ctx, gamification.DefaultTemplates()); err != nil {
			log.Fatalf("Failed to seed templates: %v", err)
		}
	}

	if _, err := svc.StartWorkers(ctx, gamification.WorkerConfig{
		LeaderboardRefresh: cfg.LeaderboardRefresh,
		StatsReconcile:     cfg.StatsReconcile,
		Users:              st,
	}); err != nil {
		log.Fatalf("Failed to start background workers: %v", err)
	}

	// Setup router
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	api.Use(middleware.Timeout(cfg.StorageTimeout))

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminOnly)

	gamification.NewHandler(svc).Register(api, admin)

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s (storage=%s)", cfg.Port, cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
}

// openStore connects the configured backend and returns a close func for it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		db, err := database.Connect(cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return postgres.NewStore(db), func() { db.Close() }, nil

	case config.BackendMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		ms, err := mongodb.Connect(connectCtx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, err
		}
		return ms, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ms.Disconnect(dctx); err != nil {
				log.Printf("MongoDB disconnect: %v", err)
			}
		}, nil

	default:
		log.Println("Using in-memory store; data is lost on restart")
		return memory.New(), func() {}, nil
	}
}
