package main

import (
	"flag"
	"log"
	"log/slog"
	"net/http"
	"time"

	"chatrelay/internal/app"
	"chatrelay/internal/config"
	"chatrelay/internal/events"
	"chatrelay/internal/server"
	"chatrelay/internal/storage"
	"chatrelay/internal/util"
	"chatrelay/pkg/ai"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	gemini, err := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GenerationModel)
	if err != nil {
		log.Fatalf("failed to init gemini client: %v", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
	}

	var publisher *events.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = events.NewPublisher(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		defer publisher.Close()
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		JWTSecret:      cfg.JWTSecret,
		SessionTTL:     sessionTTL,
		StorageDir:     cfg.StorageDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		SystemPrompt:   cfg.SystemPrompt,
		Personas:       cfg.Personas,
		Generator:      gemini,
		Uploader:       gemini,
		Objects:        objects,
		Events:         publisher,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		TrustedProxyCIDRs:        cfg.TrustedProxyCIDRs,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		ChatRateLimitPerMinute:   cfg.ChatRateLimitPerMinute,
		MaxUploadBytes:           cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
