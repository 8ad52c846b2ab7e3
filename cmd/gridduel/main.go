package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "github.com/park285/gridduel-server/internal/config"
	"github.com/park285/gridduel-server/internal/httpapi"
	"github.com/park285/gridduel-server/internal/lease"
	"github.com/park285/gridduel-server/internal/match"
	"github.com/park285/gridduel-server/internal/msgcat"
	"github.com/park285/gridduel-server/internal/notify"
	"github.com/park285/gridduel-server/internal/obslog"
	"github.com/park285/gridduel-server/internal/realtime"
	"github.com/park285/gridduel-server/internal/repo"
	"github.com/park285/gridduel-server/internal/session"
	"github.com/park285/gridduel-server/internal/worker"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		workerID = host + "-" + uuid.NewString()[:8]
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("redis connect error: %v", err)
	}
	cancel()

	repository, err := repo.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}

	cat, err := msgcat.New(cfg.MessageOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	sessions := session.NewStore(rdb)

	leases, err := lease.NewManager(rdb, sessions, workerID, lease.Config{
		LeaseTTL:      cfg.LeaseTTL,
		RenewInterval: cfg.RenewInterval,
		HeartbeatTTL:  cfg.HeartbeatTTL,
	})
	if err != nil {
		log.Fatalf("lease manager error: %v", err)
	}

	hub := realtime.NewHub()

	wk := worker.New(leases, sessions, worker.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		RenewInterval:     cfg.RenewInterval,
		OrphanInterval:    cfg.OrphanInterval,
		ShutdownGrace:     cfg.ShutdownGrace,
		StaleAfter:        cfg.StaleAfter,
		ConnectionCutoff:  cfg.ConnectionCutoff,
		AbandonCutoff:     cfg.AbandonCutoff,
	})
	wk.AttachResults(repository)
	wk.AttachBroadcaster(hub)

	engine := match.NewEngine(rdb, sessions, repository, match.Config{
		QueueEntryTTL:  cfg.QueueEntryTTL,
		RatingWindow:   cfg.RatingWindow,
		CandidateLimit: cfg.CandidateLimit,
	})
	engine.AttachCatalog(cat)
	engine.SetOnMatched(func(sess *session.Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if ok, err := wk.Adopt(ctx, sess.ID); err != nil {
			obslog.L().Warn("adopt_failed", zap.String("session_id", sess.ID), zap.Error(err))
		} else if !ok {
			obslog.L().Info("adopt_contended", zap.String("session_id", sess.ID))
		}
	})

	router := notify.NewRouter(rdb, hub, workerID)
	router.AttachAuditor(repository)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := router.EnsureGroups(rootCtx); err != nil {
		log.Fatalf("notification groups error: %v", err)
	}
	go func() {
		if err := router.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			obslog.L().Error("notification_router_stopped", zap.Error(err))
		}
	}()

	if err := wk.Start(rootCtx); err != nil {
		log.Fatalf("worker start error: %v", err)
	}

	sweeper, err := engine.StartSweeper(time.Minute)
	if err != nil {
		log.Fatalf("queue sweeper error: %v", err)
	}

	wsServer := &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		obslog.L().Info("ws_listen", zap.String("addr", cfg.WSAddr))
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Error("ws_server_stopped", zap.Error(err))
		}
	}()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
	})
	httpapi.Setup(app, httpapi.New(engine))
	go func() {
		obslog.L().Info("http_listen", zap.String("addr", cfg.HTTPAddr))
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			obslog.L().Error("http_server_stopped", zap.Error(err))
		}
	}()

	obslog.L().Info("worker_started", zap.String("worker_id", workerID))
	<-rootCtx.Done()
	obslog.L().Info("shutdown_signal")

	shCtx, shCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shCancel()

	_ = app.ShutdownWithTimeout(10 * time.Second)
	_ = wsServer.Shutdown(shCtx)
	_ = sweeper.Shutdown()

	wk.GracefulShutdown(shCtx)
	hub.CloseAll()

	_ = repository.Close()
	_ = rdb.Close()
}
