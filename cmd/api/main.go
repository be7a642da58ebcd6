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

	"call-billing/internal/audit"
	"call-billing/internal/auth"
	"call-billing/internal/calls"
	"call-billing/internal/config"
	"call-billing/internal/httpapi"
	"call-billing/internal/ingest"
	"call-billing/internal/migrations"
	"call-billing/internal/reconcile"
	"call-billing/internal/telephony"
	"call-billing/internal/wallet"
	"call-billing/pkg/logger"
	"call-billing/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
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

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, stop, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(rootCtx context.Context, stop context.CancelFunc, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.DB.AutoMigrate {
		if err := migrations.Apply(rootCtx, db); err != nil {
			return err
		}
		log.Info("schema applied")
	}

	var (
		cursors ingest.CursorStore = ingest.NewMemoryCursorStore()
		lease   ingest.Lease
	)
	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		cursors = ingest.NewRedisCursorStore(rdb, cfg.Redis.CursorKey)
		lease = ingest.NewRedisLease(rdb, cfg.Redis.LeaseKey, cfg.Ingestion.LeaseTTL)
	} else {
		log.Warn("redis not configured; ingestion cursor is in memory and no fleet lease is taken")
	}

	callStore := calls.NewPostgresStore(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	walletSvc := wallet.NewService(wallet.NewPostgresRepo(db), auditSvc, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sched, err := ingest.New(ingest.Config{
		Interval:       cfg.Ingestion.Interval,
		FetchTimeout:   cfg.Ingestion.FetchTimeout,
		StorageTimeout: cfg.Ingestion.StorageTimeout,
		SettleDelay:    cfg.Ingestion.SettleDelay,
	}, ingest.Deps{
		Provider: telephony.NewHTTPProvider(telephony.HTTPConfig{
			BaseURL:        cfg.Provider.BaseURL,
			APIKey:         cfg.Provider.APIKey,
			RequestTimeout: cfg.Provider.RequestTimeout,
			PageSize:       cfg.Provider.PageSize,
			RetryCount:     cfg.Provider.RetryCount,
		}),
		Store:      callStore,
		Reconciler: reconcile.New(callStore, walletSvc, cfg.Pricing, log, cfg.Ingestion.StorageTimeout),
		Cursors:    cursors,
		Lease:      lease,
		Audit:      auditSvc,
		Metrics:    ingest.NewMetrics(reg),
		Log:        log,
	})
	if err != nil {
		return err
	}
	if cfg.Ingestion.AutoStart {
		sched.Start()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Calls:     callStore,
		Wallet:    walletSvc,
		Ingestion: sched,
		Ping: func(ctx context.Context) error {
			return utils.HealthCheck(ctx, db, 2*time.Second)
		},
	}, auth.RequireAccessToken(authManager), reg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Manual cycles run inside the request.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	// Scheduler first; manual runs arriving while HTTP drains get a 409.
	select {
	case <-sched.Shutdown().Done():
	case <-shutdownCtx.Done():
		log.Warn("in-flight ingestion cycle still running at shutdown deadline")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	return nil
}
