package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"go-chatsync/internal/backend"
	"go-chatsync/internal/config"
	"go-chatsync/internal/logger"
)

func main() {
	addr := flag.String("addr", "", "http service address (overrides server.addr)")
	flag.Parse()

	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "text").WithError(err).Fatal("load config")
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if cfg.Server.JWTSecret == "" {
		log.Fatal("server.jwt_secret is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var broker backend.Broker
	if cfg.Server.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Server.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("parse server.redis_url")
		}
		redisClient := redis.NewClient(opt)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("connect to redis")
		}
		defer redisClient.Close()
		broker = backend.NewRedisBroker(redisClient, logger.Component(log, "broker"))
		log.Info("room fan-out over redis")
	}

	srv := backend.New(backend.Options{
		JWTSecret:      cfg.Server.JWTSecret,
		TokenTTL:       cfg.Server.TokenTTL,
		Broker:         broker,
		RequestLogging: cfg.Logging.Level == "debug",
	}, logger.Component(log, "backend"))
	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Fatal("start hub")
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", cfg.Server.Addr).Info("server starting")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}
