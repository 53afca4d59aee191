package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"kasircore/internal/cache"
	"kasircore/internal/config"
	"kasircore/internal/domain"
	"kasircore/internal/events"
	"kasircore/internal/httpapi"
	"kasircore/internal/metrics"
	"kasircore/internal/recommendation"
	"kasircore/internal/service"
	"kasircore/internal/store"
	"kasircore/internal/store/memory"
	pgstore "kasircore/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := configureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("invalid logging configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	taxRate, _ := cfg.TaxRate()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("postgres schema: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	cacheStore := cache.FrequentItemsCache(cache.NoopFrequentItemsCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisFrequentItemsCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unavailable, using noop cache")
			_ = redisCache.Close()
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("cache: redis")
		}
	} else {
		log.Info("cache: noop")
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaSalesTopic)
		if err != nil {
			log.WithError(err).Warn("kafka unavailable, sale events disabled")
		} else {
			publisher = kafkaPublisher
			closers = append(closers, kafkaPublisher.Close)
			log.WithField("topic", cfg.KafkaSalesTopic).Info("events: kafka")
		}
	} else {
		log.Info("events: noop")
	}

	posMetrics := metrics.New()
	recommender := recommendation.NewEngine(repo, repo, cacheStore, cfg.Branch.ID, cfg.FrequentItemsWindow, cfg.FrequentItemsTTL)
	svc := service.New(repo, recommender, service.Options{
		Branch:             cfg.Branch,
		InvoicePrefix:      cfg.InvoicePrefix,
		TaxRate:            taxRate,
		IdleTimeout:        cfg.SessionIdleTimeout,
		FrequentItemsLimit: cfg.FrequentItemsLimit,
		Publisher:          publisher,
		Metrics:            posMetrics,
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if err := bootstrapAdmin(ctx, auth, os.Getenv("SEED_ADMIN_PASSWORD")); err != nil {
		log.WithError(err).Warn("admin bootstrap failed")
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go svc.RunJanitor(janitorCtx, time.Minute)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{"addr": cfg.Address(), "branch": cfg.Branch.ID}).Info("POS transaction core listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopJanitor()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Error("close error")
		}
	}

	log.Info("server stopped")
}

func configureLogging(level string, format string) error {
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	log.SetLevel(parsed)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// bootstrapAdmin creates the first admin account when the operator store is
// empty and a seed password is provided.
func bootstrapAdmin(ctx context.Context, auth *httpapi.AuthManager, password string) error {
	if strings.TrimSpace(password) == "" || len(auth.ListOperators(ctx)) > 0 {
		return nil
	}
	_, err := auth.CreateOperator(ctx, httpapi.OperatorCreateRequest{
		Username: "admin",
		Password: password,
		Role:     domain.RoleAdmin,
	})
	if err == nil {
		log.Info("bootstrapped admin operator")
	}
	return err
}
