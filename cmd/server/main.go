package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transcend42/pong-backend/internal/auth"
	"github.com/transcend42/pong-backend/internal/config"
	"github.com/transcend42/pong-backend/internal/history"
	"github.com/transcend42/pong-backend/internal/httpapi"
	"github.com/transcend42/pong-backend/internal/registry"
	"github.com/transcend42/pong-backend/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *history.Store
	if cfg.DatabaseDSN != "" {
		store, err = history.Open(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("opening match history store", zap.Error(err))
		}
		logger.Info("match history enabled")
	} else {
		logger.Info("no database configured; match history disabled")
	}

	sessionCfg := session.Config{
		TickInterval:    cfg.TickInterval(),
		WinScore:        cfg.WinScore,
		ReconnectWindow: cfg.ReconnectWindow,
		IdleTimeout:     cfg.IdleTimeout,
		Logger:          logger.Named("session"),
	}
	if store != nil {
		sessionCfg.Recorder = store
	}
	reg := registry.New(ctx, sessionCfg, logger)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.SetupRoutes(logger, verifier, reg, store),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shut down cleanly")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
