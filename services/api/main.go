package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/peopledesk/internal/broadcast"
	"github.com/peopledesk/internal/config"
	"github.com/peopledesk/internal/counter"
	"github.com/peopledesk/internal/handler"
	"github.com/peopledesk/internal/logger"
	"github.com/peopledesk/internal/middleware"
	"github.com/peopledesk/internal/push"
	"github.com/peopledesk/internal/repository"
	"github.com/peopledesk/internal/startup"
	"github.com/peopledesk/internal/tracker"
	"github.com/peopledesk/internal/ws"
	"github.com/peopledesk/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting delivery API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	msgRepo := repository.NewMessageRepository(pool)
	receiptRepo := repository.NewReceiptRepository(pool)
	memberRepo := repository.NewMemberRepository(pool)
	counters := counter.NewService(memberRepo, msgRepo)
	pushClient := push.NewClient(cfg.PushServiceURL)

	var redisCli *redis.Client
	if cfg.Redis.URL != "" {
		redisCli = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		defer redisCli.Close()
		logger.Info("redis connected, cross-instance fan-out enabled")
	} else {
		logger.Info("REDIS_URL not set, events are delivered in-process only")
	}
	publisher := broadcast.NewPublisher(redisCli)

	tr := tracker.New(msgRepo, receiptRepo, counters, memberRepo, publisher)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(tr, memberRepo, memberRepo, cfg.MaxWSConnections, pushClient)
	publisher.AttachLocal(hub)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()
	if redisCli != nil {
		hubWg.Add(1)
		go func() {
			defer hubWg.Done()
			broadcast.NewSubscriber(redisCli, hub).Run(hubCtx)
		}()
	}

	// The platform's permission service plugs in here; without one configured
	// every authenticated actor is allowed.
	var oracle middleware.PermissionOracle = middleware.AllowAll{}

	msgH := handler.NewMessageHandler(tr, msgRepo, counters)
	memberH := handler.NewMemberHandler(memberRepo)
	pushH := handler.NewPushHandler(pushClient)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Do not compress WebSocket traffic: the wrapped ResponseWriter would not
	// implement http.Hijacker and the upgrade fails with 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Actor-Id", "X-Actor-Type", "X-Actor-Name"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })

	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOnly)
		r.Post("/internal/members/sync", memberH.Sync)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.ActorAuth)
		r.With(middleware.RequirePermission(oracle, middleware.PermSendMessages)).
			Post("/api/messages", msgH.Send)
		r.Post("/api/messages/read", msgH.MarkReadBatch)
		r.Post("/api/messages/{messageId}/delivered", msgH.MarkDelivered)
		r.Post("/api/messages/{messageId}/read", msgH.MarkRead)
		r.Get("/api/messages/{messageId}/status", msgH.GetStatus)
		r.Get("/api/messages/{messageId}/receipts", msgH.GetReceipts)
		r.Get("/api/messages/{messageId}/read-by-all", msgH.CheckAllRead)
		r.With(middleware.RequirePermission(oracle, middleware.PermDeleteMessages)).
			Delete("/api/messages/{messageId}", msgH.Delete)
		r.Get("/api/channels/{channelId}/messages", msgH.ListMessages)
		r.Get("/api/rooms/{roomId}/messages", msgH.ListMessages)
		r.Post("/api/channels/{channelId}/read", msgH.MarkConversationRead)
		r.Post("/api/rooms/{roomId}/read", msgH.MarkConversationRead)
		r.Get("/api/unread-counts", msgH.GetUnreadCounts)
		r.Post("/api/unread-counts/recompute", msgH.RecomputeUnread)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "peopledesk"
		password = "peopledesk_secret"
		database = "peopledesk"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
