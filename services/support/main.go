package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/supportchat/internal/config"
	"github.com/supportchat/internal/handler"
	"github.com/supportchat/internal/logger"
	"github.com/supportchat/internal/middleware"
	"github.com/supportchat/internal/presence"
	"github.com/supportchat/internal/push"
	"github.com/supportchat/internal/repository"
	"github.com/supportchat/internal/router"
	"github.com/supportchat/internal/session"
	"github.com/supportchat/internal/startup"
	"github.com/supportchat/internal/storage"
	"github.com/supportchat/internal/storage/memory"
	"github.com/supportchat/internal/ws"
	"github.com/supportchat/migrations"
)

func main() {
	logger.SetPrefix("support")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting support chat service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	defer logger.Flush(2 * time.Second)

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev && cfg.Storage == config.StoragePostgres {
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

	persister, closePersister := openPersister(cfg)
	defer closePersister()
	if serve, note := afterSetup(*migrate, cfg.Storage); !serve {
		logger.Info(note)
		return
	}

	store := session.NewStore(persister, session.WithRetryBackoff(cfg.PersistRetryBackoff))
	registry := presence.NewRegistry(cfg.WS.MaxConnections)
	var routerOpts []router.Option
	if pushClient := push.NewClient(cfg.PushServiceURL); pushClient.Enabled() {
		routerOpts = append(routerOpts, router.WithNotifier(pushClient))
	}
	rt := router.New(store, registry, routerOpts...)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(registry, rt, ws.Limits{
		SendBufferSize: cfg.WS.SendBufferSize,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		WriteWait:      cfg.WS.WriteTimeout,
		PongWait:       cfg.WS.PongTimeout,
	})
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	sessionH := handler.NewSessionHandler(rt)
	configH := handler.NewConfigHandler(cfg)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.TrustedIdentity(cfg.InternalSecret))
	r.Use(middleware.RateLimit(cfg.RateLimit.PerIP, cfg.RateLimit.PerOperator))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/config", configH.GetWidgetConfig)
	r.Get("/ws", wsH.ServeWS)

	r.Route("/api/orgs/{orgId}", func(r chi.Router) {
		r.Use(middleware.StaffOnly)
		r.Get("/sessions", sessionH.List)
		r.Get("/sessions/{sessionId}", sessionH.Get)
		r.Post("/sessions/{sessionId}/read", sessionH.MarkRead)
		r.Get("/waiting", sessionH.Waiting)
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
		logger.Infof("server listening on %s (storage=%s)", cfg.ServerAddr, cfg.Storage)
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
			hubCancel()
			hubWg.Wait()
			return
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// Hijacked WebSocket connections are not covered by Shutdown; the hub closes them.
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}

// afterSetup решает, запускать ли сервер после подключения хранилища.
// С -migrate процесс завершается в любом режиме (в том числе с -dev).
func afterSetup(migrate bool, storageKind string) (serve bool, note string) {
	if !migrate {
		return true, ""
	}
	if storageKind != config.StoragePostgres {
		return false, "-migrate: storage=" + storageKind + " has no schema, nothing to migrate"
	}
	return false, "-migrate: migrations applied, exiting"
}

// openPersister выбирает хранилище сессий по cfg.Storage. Возвращает функцию закрытия.
func openPersister(cfg *config.Config) (storage.Persister, func()) {
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Info("session storage: memory (sessions are lost on restart)")
		p := memory.New()
		return p, func() { _ = p.Close() }

	case config.StorageRedis:
		client, err := startup.ConnectRedisWithRetry(context.Background(), cfg.Redis.URL, 60*time.Second)
		if err != nil {
			logger.Errorf("connect: %v", err)
			os.Exit(1)
		}
		logger.Info("session storage: redis")
		return client, func() {
			if err := client.Close(); err != nil {
				logger.Errorf("redis close: %v", err)
			}
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 2

	pool, err := startup.ConnectDBWithRetry(context.Background(), poolCfg, 60*time.Second)
	if err != nil {
		logger.Errorf("connect: %v", err)
		os.Exit(1)
	}
	runMigrations(pool)
	logger.Info("session storage: postgres, migrations applied")
	return repository.NewSessionRepository(pool), pool.Close
}

// runMigrations применяет встроенные миграции по порядку имён. Все миграции идемпотентны.
func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(migrations.Files, e.Name())
		if err != nil {
			logger.Errorf("read migration %s: %v", e.Name(), err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", e.Name(), err)
			os.Exit(1)
		}
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "support"
		password = "support_secret"
		database = "support"
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
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime-support")),
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
