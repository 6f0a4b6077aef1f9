package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/fluxnote/llm-gateway/config"
	"github.com/fluxnote/llm-gateway/internal/audit"
	"github.com/fluxnote/llm-gateway/internal/auth"
	"github.com/fluxnote/llm-gateway/internal/keypool"
	"github.com/fluxnote/llm-gateway/internal/ledger"
	"github.com/fluxnote/llm-gateway/internal/provider"
	"github.com/fluxnote/llm-gateway/internal/provider/freetier"
	"github.com/fluxnote/llm-gateway/internal/provider/openai"
	"github.com/fluxnote/llm-gateway/internal/proxy"
	"github.com/fluxnote/llm-gateway/internal/seeder"
	"github.com/fluxnote/llm-gateway/internal/telemetry"
	"github.com/fluxnote/llm-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load(os.Getenv("GATEWAY_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-gateway", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Connect PostgreSQL (optional; auditing is disabled without it)
	var auditStore audit.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Info("PostgreSQL connected")
		auditStore = audit.NewPostgresStore(pool)
	} else {
		log.Warn("no postgres DSN configured, request auditing disabled")
	}

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Info("Redis connected")

	// 5. Init usage ledger
	usage := ledger.New(ledger.NewRedisStore(rdb), ledger.Limits{
		WeeklyConversations: cfg.Quota.WeeklyConversations,
		WeeklyImages:        cfg.Quota.WeeklyImages,
	})

	// 6. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitRPM)

	// 7. Init free-tier adapter
	retryPolicy := provider.DefaultRetryPolicy()
	retryPolicy.Budget = cfg.RetryBudget

	freeCfg := freetier.Config{
		APIKey:            cfg.FreeTier.APIKey,
		BaseURL:           cfg.FreeTier.BaseURL,
		ConversationModel: cfg.FreeTier.ConversationModel,
		AnalysisModel:     cfg.FreeTier.AnalysisModel,
	}
	free := freetier.New(freeCfg, openai.WithRetryPolicy(retryPolicy))
	if !freeCfg.Configured() {
		log.Warn("free-tier credential not configured, metered routes will return 503")
	}

	// 8. Init dispatcher
	dispatcher := proxy.NewDispatcher(keypool.NewRegistry(), free).
		WithRetryPolicy(retryPolicy).
		WithGeminiThoughtFallback(cfg.FreeTier.ThoughtFallback)

	// 9. Init handler
	tracer := otel.GetTracerProvider().Tracer("llm-gateway")
	handler := proxy.NewHandler(dispatcher, usage, free, freeCfg, tracer).
		WithLimiter(limiter).
		WithAudit(auditStore)

	imageCfg := freetier.ImageConfig{
		APIKey:  cfg.Images.APIKey,
		BaseURL: cfg.Images.BaseURL,
		Model:   cfg.Images.Model,
	}
	if imageCfg.Configured() {
		handler.WithImages(freetier.NewImageClient(imageCfg))
	}

	// 10. Seed test user if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestUser(ctx, usage)
	}

	adminIDs := cfg.AdminSet()

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-gateway"}`))
	})

	// Gateway entry: callers with their own credentials need no bearer
	// token, free-tier callers do. The handler sorts that out.
	r.Group(func(r chi.Router) {
		r.Use(auth.OptionalMiddleware(adminIDs))
		r.Post("/v1/chat/completions", handler.HandleChat)
	})

	// Metered routes require an identity.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(adminIDs))
		r.Post("/v1/freetier/chat", handler.HandleChat)
		r.Get("/v1/freetier/usage", handler.HandleUsageCheck)
		r.Post("/v1/freetier/images", handler.HandleImage)
		r.Get("/v1/keys/stats", handler.HandleKeyStats)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infof("LLM Gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Info("Server stopped")
}
