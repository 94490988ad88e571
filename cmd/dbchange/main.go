package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	v1 "go_dbchange/api/v1"
	"go_dbchange/internal/artifact"
	"go_dbchange/internal/audit"
	"go_dbchange/internal/auth"
	"go_dbchange/internal/authz"
	"go_dbchange/internal/cache"
	"go_dbchange/internal/catalog"
	"go_dbchange/internal/config"
	"go_dbchange/internal/db"
	"go_dbchange/internal/inspect"
	"go_dbchange/internal/lock"
	"go_dbchange/internal/logger"
	"go_dbchange/internal/metrics"
	"go_dbchange/internal/notify"
	"go_dbchange/internal/order"
	"go_dbchange/internal/scheduler"
	"go_dbchange/internal/targetdb"
	"go_dbchange/internal/task"
	"go_dbchange/internal/ws"
)

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return config.LoadFromINI(path)
	}
	return config.Load()
}

func main() {
	// 1. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	root := logger.New(cfg.Log)
	log := logrus.NewEntry(root)
	log.Info("Configuration loaded")

	// 2. Initialize MySQL
	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
	}
	defer db.Close()
	conn := db.GetDB()
	if cfg.Migrate {
		if err := db.Migrate(conn); err != nil {
			log.Fatalf("Failed to migrate: %v", err)
		}
	}

	// 3. Per-order lock
	var locker lock.Locker
	lockOpts := lock.Options{TTL: time.Duration(cfg.Lock.TTLSec) * time.Second}
	if cfg.Lock.Backend == "memory" {
		locker = lock.NewMemoryLocker(lockOpts)
		log.Warn("Using in-process order lock, run a single replica only")
	} else {
		rdb, err := cache.NewClient(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to initialize Redis: %v", err)
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, lockOpts, log)
	}

	// 4. Domain services
	m := metrics.New()
	runner := targetdb.NewManager(cfg.RemoteDB, log)
	defer runner.Close()
	cat := catalog.NewService(conn, runner, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := artifact.NewFromConfig(ctx, cfg.Artifact, log)
	if err != nil {
		log.Fatalf("Failed to initialize artifact store: %v", err)
	}

	tokens := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.ExpireMinutes)*time.Minute)

	// 5. Event sinks; the hub needs the order service for access checks
	var orders *order.Service
	hub := ws.NewHub(tokens, func(ctx context.Context, caller authz.Caller, orderID int) error {
		return orders.CanWatch(ctx, caller, orderID)
	}, allowOrigin(cfg.CORS), log)
	hub.Serve()
	defer hub.Close()

	sinks := []notify.Sink{
		notify.NewHookSink(conn, &http.Client{Timeout: 10 * time.Second}),
		notify.NewRoomSink(hub),
	}
	if cfg.RabbitMQ.URL != "" {
		bus, err := notify.DialAMQP(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer bus.Close()
		sinks = append(sinks, bus)
	}
	if cfg.Mail.Host != "" {
		sinks = append(sinks, notify.NewMailSink(conn, cfg.Mail))
	}
	events := notify.NewDispatcher(log, 10*time.Second, sinks...)

	orders = order.NewService(order.Deps{
		DB:        conn,
		Catalog:   cat,
		Inspector: inspect.New(runner, cfg.Inspector, m, log),
		Audit:     audit.New(),
		Locker:    locker,
		Events:    events,
		Metrics:   m,
		Logger:    log,
	})
	generator := task.NewGenerator(orders, log)
	executor := task.NewExecutor(orders, cat, runner, store, cfg.Executor, m, log)

	if cfg.Executor.RecoverOnStart {
		if _, err := executor.Recover(ctx); err != nil {
			log.WithError(err).Warn("Interrupted tasks left for the recover job")
		}
	}

	// 6. Background jobs
	sched := scheduler.New(log)
	if cfg.Scheduler.Enabled {
		err := sched.Register(cfg.Scheduler, scheduler.Jobs{
			Inspector: orders,
			Runner:    executor,
			Syncer:    cat,
			Recoverer: executor,
		})
		if err != nil {
			log.Fatalf("Failed to register jobs: %v", err)
		}
		sched.Start()
	}

	// 7. HTTP server
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	router := v1.SetupRouter(r, v1.Deps{
		DB:        conn,
		Tokens:    tokens,
		Orders:    orders,
		Catalog:   cat,
		Generator: generator,
		Executor:  executor,
		Metrics:   m,
		Socket:    hub.Handler(),
		CORS:      cfg.CORS,
		Logger:    log,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infof("Server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	sched.Stop(shutdownCtx)
	router.Orders.Wait()
	events.Wait()
}

func allowOrigin(cfg config.CORSConfig) func(*http.Request) bool {
	if len(cfg.AllowOrigins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(cfg.AllowOrigins))
	for _, o := range cfg.AllowOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
