// Command mailqd runs the ModernShop email queue: the worker pool, the
// lifecycle daemons and the admin HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/modernshop/mailq"
	"github.com/modernshop/mailq/admin"
	"github.com/modernshop/mailq/internal/config"
	"github.com/modernshop/mailq/internal/rdb"
	"github.com/modernshop/mailq/mailer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.Production() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("mailqd exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return err
	}
	cancel()
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	broker := rdb.NewRDB(client, rdb.WithLeaseTimeout(cfg.LeaseTimeout))
	queue, err := mailq.NewQueue(broker,
		mailq.WithName(cfg.QueueName),
		mailq.WithLogger(logger),
		mailq.WithDefaultMaxAttempts(cfg.MaxAttempts),
		mailq.WithBackoffBase(cfg.BackoffBase),
	)
	if err != nil {
		return err
	}

	var sender mailq.Mailer
	if cfg.EmailHost != "" {
		sender = mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:     cfg.EmailHost,
			Port:     cfg.EmailPort,
			Username: cfg.EmailUser,
			Password: cfg.EmailPass,
			FromName: cfg.FromName,
		})
	} else {
		logger.Warn("EMAIL_HOST not set, outgoing email will only be logged")
		sender = mailer.NewLogSender(logger)
	}

	reg := mailq.NewRegistry()
	if err := mailq.RegisterEmailHandlers(reg, sender, mailq.EmailHandlerConfig{
		BaseURL:   cfg.AppBaseURL,
		StoreName: cfg.FromName,
	}); err != nil {
		return err
	}

	srv := mailq.NewServer(queue, reg, mailq.Config{
		Concurrency:        cfg.Concurrency,
		PollInterval:       cfg.PollInterval,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
		Logger:             logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	adminOpts := []admin.Option{admin.WithLogger(logger)}
	if !cfg.Production() {
		adminOpts = append(adminOpts, admin.WithTestInjector())
	}
	api := admin.New(queue, adminOpts...)
	httpSrv := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: api.Router(),
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", zap.String("addr", cfg.AdminAddr))
		httpErr <- httpSrv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.Shutdown()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin API shutdown", zap.Error(err))
	}
	srv.Shutdown()
	return nil
}
