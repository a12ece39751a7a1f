package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/toxguard/internal/app"
	"github.com/xela07ax/toxguard/internal/console/handler"
	"github.com/xela07ax/toxguard/internal/console/server"
	"github.com/xela07ax/toxguard/internal/engine"
	"github.com/xela07ax/toxguard/internal/infra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "moderator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGTERM cancel() остановит слушателей
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Ядро: хранилища, журнал, пул ключей, шлюз, модерация
	stack, err := app.Build(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	// 3. gRPC health: NOT_SERVING, пока в пуле нет активных ключей
	healthSrv := health.NewServer()
	reporter := engine.NewHealthReporter(stack.Pool, healthSrv, stack.Metrics, logger)
	if err := reporter.Refresh(appCtx); err != nil {
		logger.Warn("initial health refresh failed", zap.Error(err))
	}
	if stack.Redis != nil {
		go reporter.Watch(appCtx, stack.Redis)
	} else {
		go reporter.Poll(appCtx, 15*time.Second)
	}

	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen gRPC: %w", err)
	}
	go func() {
		logger.Info("gRPC health server started", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	// 4. Метрики для Prometheus
	var metricsSrv *http.Server
	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(stack.Registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort), Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// 5. HTTP API
	api := server.NewConsoleServer(logger, stack.Validator, server.Handlers{
		Moderation: handler.NewModerationHandler(stack.Moderation, logger),
		Credential: handler.NewCredentialHandler(stack.Pool, logger),
		Audit:      handler.NewAuditHandler(stack.Journal, stack.Live, logger),
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("moderator started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 6. Graceful Shutdown
	select {
	case <-appCtx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("moderator stopping...")
	healthSrv.Shutdown()

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	grpcSrv.GracefulStop()
	logger.Info("moderator exited properly")
	return nil
}
