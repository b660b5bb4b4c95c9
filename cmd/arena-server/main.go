package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/cheese-arena/internal/admin"
	"github.com/park285/cheese-arena/internal/archive"
	"github.com/park285/cheese-arena/internal/binder"
	appcfg "github.com/park285/cheese-arena/internal/config"
	"github.com/park285/cheese-arena/internal/gateway"
	"github.com/park285/cheese-arena/internal/matchmaking"
	"github.com/park285/cheese-arena/internal/msgcat"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/session"
	"go.uber.org/zap"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := obslog.InitFromEnv()
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("message catalog error", zap.Error(err))
	}

	rec, history, checks, closeArchive := openArchive(cfg, logger)
	defer closeArchive()

	regOpts := []session.Option{
		session.WithCatalog(catalog),
		session.WithForfeitGrace(cfg.ForfeitGrace),
		session.WithLogger(logger.Named("session")),
	}
	if rec != nil {
		regOpts = append(regOpts, session.WithRecorder(rec))
	}
	registry := session.NewRegistry(rules.NewChessOracle(), regOpts...)
	queue := matchmaking.New(binder.SessionPairer(registry),
		matchmaking.WithEligibility(binder.NotSeated(registry)),
		matchmaking.WithLogger(logger.Named("queue")),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := binder.New(queue, registry,
		binder.WithCatalog(catalog),
		binder.WithForfeitGrace(cfg.ForfeitGrace),
		binder.WithLimits(cfg.MaxIdentityLen, cfg.MaxChatLen),
		binder.WithBaseContext(context.WithoutCancel(rootCtx)),
		binder.WithLogger(logger.Named("binder")),
	)

	gw := gateway.NewServer(b, gateway.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		PingInterval:   cfg.PingInterval,
	}, logger.Named("gateway"))

	mux := http.NewServeMux()
	mux.Handle("/", gw)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var adminSrv *admin.Server
	if cfg.AdminAddr != "" {
		adminSrv = admin.NewServer(admin.Sources{
			Sessions:        registry.Len,
			Queue:           queue.Stats,
			Online:          b.Online,
			Connections:     gw.Active,
			PendingForfeits: b.PendingForfeits,
			History:         history,
			Checks:          checks,
		}, logger.Named("admin"))
		go func() {
			logger.Info("admin_listen", zap.String("addr", cfg.AdminAddr))
			if err := adminSrv.ListenAndServe(cfg.AdminAddr); err != nil {
				logger.Error("admin_serve_failed", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("arena_listen",
			zap.String("addr", cfg.ListenAddr),
			zap.Strings("origins", cfg.AllowedOrigins),
			zap.Duration("forfeit_grace", cfg.ForfeitGrace),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("arena_shutdown", zap.String("reason", "signal"))
	case err := <-serveErr:
		if err != nil {
			logger.Error("arena_serve_failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// http.Server does not track hijacked websocket connections; the gateway
	// closes those itself.
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("arena_shutdown_connections", zap.Int64("open", gw.Active()), zap.Error(err))
	}
	b.Shutdown()
	if adminSrv != nil {
		_ = adminSrv.Shutdown(shutdownCtx)
	}
}

// openArchive connects the configured game stores. Both are optional; a store
// that fails to open is logged and skipped.
func openArchive(cfg *appcfg.AppConfig, logger *zap.Logger) (session.Recorder, admin.HistoryReader, map[string]func(context.Context) error, func()) {
	var (
		multi   archive.Multi
		history admin.HistoryReader
		closers []func() error
	)
	checks := map[string]func(context.Context) error{}

	if cfg.RedisURL != "" {
		store, err := archive.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Warn("archive_redis_unavailable", zap.Error(err))
		} else {
			multi = append(multi, store)
			history = store
			checks["redis"] = store.Ping
			closers = append(closers, store.Close)
		}
	}
	if cfg.DatabaseURL != "" {
		repo, err := archive.NewPostgresRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("archive_postgres_unavailable", zap.Error(err))
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = repo.EnsureSchema(ctx)
			cancel()
			if err != nil {
				logger.Warn("archive_postgres_schema", zap.Error(err))
				_ = repo.Close()
			} else {
				multi = append(multi, repo)
				checks["postgres"] = repo.Ping
				closers = append(closers, repo.Close)
			}
		}
	}

	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if len(multi) == 0 {
		return nil, history, checks, closeAll
	}
	return multi, history, checks, closeAll
}
