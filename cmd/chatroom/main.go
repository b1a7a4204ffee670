package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chatroom/internal/app"
	"chatroom/internal/config"
	"chatroom/internal/server"
	"chatroom/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	storeTimeout, err := config.ParseTimeout(cfg.StoreTimeout, 5*time.Second)
	if err != nil {
		log.Fatalf("failed to parse store timeout: %v", err)
	}
	uploadTimeout, err := config.ParseTimeout(cfg.UploadTimeout, 30*time.Second)
	if err != nil {
		log.Fatalf("failed to parse upload timeout: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	// One Redis pool serves sessions, the verification store, the change
	// feed, and the rate limiters.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	appCore, err := app.New(app.Config{
		DatabaseURL:        cfg.DatabaseURL,
		RedisClient:        redisClient,
		JWTSecret:          cfg.JWTSecret,
		SessionTTL:         sessionTTL,
		MinioEndpoint:      cfg.MinioEndpoint,
		MinioAccessKey:     cfg.MinioAccessKey,
		MinioSecretKey:     cfg.MinioSecretKey,
		MinioBucket:        cfg.MinioBucket,
		MinioUseSSL:        cfg.MinioUseSSL,
		MinioPublicBaseURL: cfg.MinioPublicBaseURL,
		Room:               cfg.Room,
		EchoReverse:        cfg.EchoReverse,
		StoreTimeout:       storeTimeout,
		UploadTimeout:      uploadTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		RedisClient:              redisClient,
		MaxUploadBytes:           cfg.MaxUploadBytes,
		TrustedProxyCIDRs:        cfg.TrustedProxyCIDRs,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		VerifyRateLimitPerMinute: cfg.VerifyRateLimitPerMinute,
		SendRateLimitPerMinute:   cfg.SendRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Write timeout stays off so chat sockets can outlive it; the
		// non-socket handlers bound their own work with contexts.
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chatroom server listening", "addr", addr, "room", cfg.Room)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
