package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/config"
	"github.com/mossy-p/meshchat/internal/handlers"
	"github.com/mossy-p/meshchat/internal/logger"
	"github.com/mossy-p/meshchat/internal/media"
	"github.com/mossy-p/meshchat/internal/mongo"
	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/mossy-p/meshchat/internal/redis"
	"github.com/mossy-p/meshchat/internal/session"
	"github.com/mossy-p/meshchat/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	lg, err := logger.New(logger.Config{Level: cfg.Log.Level, Filename: cfg.Log.File}, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("meshchat stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, lg.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close(context.Background())
	lg.Info("store ready", zap.String("backend", cfg.Store.Backend))

	factory, err := peer.NewPionFactory(peer.Options{STUNURLs: cfg.Session.STUNURLs, Logger: lg.Named("peer")})
	if err != nil {
		return err
	}
	source := media.NewRTPSource(
		media.Endpoint{VideoAddr: cfg.Media.VideoAddr, AudioAddr: cfg.Media.AudioAddr},
		media.Endpoint{VideoAddr: cfg.Media.DisplayVideoAddr, AudioAddr: cfg.Media.DisplayAudioAddr},
		lg.Named("media"),
	)

	sess := session.New(session.Config{
		Store:           st,
		Factory:         factory,
		Source:          source,
		Logger:          lg.Named("session"),
		Root:            cfg.Store.Root,
		MaxParticipants: cfg.Session.MaxParticipants,
		UIDRetryLimit:   cfg.Session.UIDRetryLimit,
		Username:        cfg.Session.Username,
	})
	sessionDone := make(chan error, 1)
	go func() { sessionDone <- sess.Run(ctx) }()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))
	handlers.New(sess, cfg.JWTSecret, lg.Named("http")).Register(router)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	serveErr := make(chan error, 1)
	go func() {
		lg.Info("control API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutting down")
	case err := <-serveErr:
		stop()
		<-sessionDone
		return fmt.Errorf("control API: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", zap.Error(err))
	}
	return <-sessionDone
}

func openStore(ctx context.Context, cfg *config.Config, lg *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory", "":
		return store.NewMemory(), nil
	case "redis":
		return redis.Connect(ctx, cfg.Redis, lg)
	case "mongo":
		return mongo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, lg)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
