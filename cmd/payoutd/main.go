// Package main запускает сервис выплат: операторский HTTP API, фоновый опрос шлюза
// и приём уведомлений о новых запросах.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/payoutd/internal/config"
	"github.com/mmeshcher/payoutd/internal/gateway"
	"github.com/mmeshcher/payoutd/internal/handler"
	"github.com/mmeshcher/payoutd/internal/notify"
	"github.com/mmeshcher/payoutd/internal/owners"
	"github.com/mmeshcher/payoutd/internal/repository"
	"github.com/mmeshcher/payoutd/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []service.Option{
		service.WithLogger(logger.Named("orchestrator")),
		service.WithMetrics(service.NewMetrics(reg)),
		service.WithPollInterval(cfg.PollInterval),
		service.WithMaxAttempts(cfg.PollMaxAttempts),
		service.WithDeadline(cfg.PollDeadline),
		service.WithTransientStatuses(cfg.TransientStatuses),
		service.WithRetryUnknown(*cfg.RetryUnknownStatuses),
		service.WithSerializeByOwner(*cfg.SerializeByOwner),
		service.WithOutcomeHandler(func(out service.Outcome) {
			if out.Err != nil {
				sugar.Warnw("payout tracking finished with error",
					"request", out.RequestID, "batch", out.BatchID, "status", out.Status, "error", out.Err)
				return
			}
			sugar.Infow("payout tracking finished",
				"request", out.RequestID, "batch", out.BatchID, "status", out.Status, "polls", out.Polls)
		}),
	}
	if cfg.OwnerDirectoryAddress != "" {
		opts = append(opts, service.WithOwnerDirectory(owners.NewClient(cfg.OwnerDirectoryAddress)))
	}

	orch := service.NewOrchestrator(repo, repo, gateway.NewClient(cfg.GatewayAddress, cfg.GatewayCurrency), opts...)
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resumed, err := orch.ResumePending(ctx)
	if err != nil {
		sugar.Errorw("resume pending payouts error", "error", err)
	}
	if err := orch.Refresh(ctx); err != nil {
		sugar.Errorw("initial refresh error", "error", err)
	}
	sugar.Infow("payout state loaded", "resumed", resumed)

	h := handler.NewHandler(orch, logger, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	g, ctx := errgroup.WithContext(ctx)

	// Приём уведомлений о новых запросах на выплату
	if cfg.AMQPURL != "" {
		consumer, err := notify.NewConsumer(cfg.AMQPURL, logger.Named("notify"))
		if err != nil {
			sugar.Fatalw("notification consumer initialization error", "error", err.Error())
		}
		defer consumer.Close()

		g.Go(func() error {
			return consumer.Consume(ctx, orch.HandleNotification)
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting payoutd server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
