package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"family-calls/internal/admission"
	"family-calls/internal/audit"
	"family-calls/internal/auth"
	"family-calls/internal/config"
	"family-calls/internal/family"
	"family-calls/internal/httpapi"
	"family-calls/internal/metrics"
	"family-calls/internal/reporting"
	"family-calls/internal/signaling"
	"family-calls/internal/store"
	"family-calls/internal/sweeper"
	"family-calls/internal/termination"
	"family-calls/pkg/logger"
	"family-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics.Register(prometheus.DefaultRegisterer)

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Every write goes through the feed so connected clients see it.
	records := store.WithFeed(store.NewPostgres(db), signaling.NewRedis(rdb, log), log)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	terminator := termination.New(records, auditSvc, log)

	h := httpapi.Handlers{
		Calls: records,
		Busy: admission.NewChecker(records, admission.Config{
			Recency:    cfg.Calls.BusyRecency,
			StaleGrace: cfg.Calls.BusyStaleGrace,
		}, log),
		Terminator: terminator,
		Reporting:  reporting.NewService(records, auditSvc),
		Directory:  family.NewPostgresDirectory(db),
	}

	sw := sweeper.New(records, terminator, sweeper.Config{
		Schedule:      cfg.Calls.SweepSchedule,
		RingWindow:    2 * cfg.Calls.RingTimeout,
		ConnectWindow: 2 * cfg.Calls.ConnectTimeout,
		MaxActive:     cfg.Calls.MaxCallDuration,
	}, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, auth.RequireAccessToken(authManager), h)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sw.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}
