package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/payment/facilitator"
	"AgentPay-Chain/internal/reconcile"
	"AgentPay-Chain/internal/saga"
	"AgentPay-Chain/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   true,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	chains, err := openChains(ctx, cfg)
	if err != nil {
		return err
	}
	if chains != nil {
		defer chains.Close()
	}

	book, err := openLedger(ctx, cfg, chains)
	if err != nil {
		return err
	}

	invoker, err := createInvoker(cfg)
	if err != nil {
		return err
	}

	store, err := openActivityStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	limiter, err := openLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer limiter.Close()

	queue, err := openReconcileQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭对账队列失败", "error", err)
		}
	}()

	requirements := payment.Requirements{
		Asset:             cfg.Payment.Asset,
		AssetName:         cfg.Payment.AssetName,
		AssetVersion:      cfg.Payment.AssetVersion,
		MaxTimeoutSeconds: cfg.Payment.MaxTimeoutSeconds,
		Decimals:          payment.USDCDecimals,
	}
	fac := facilitator.New(facilitator.Config{
		BaseURL: cfg.Payment.FacilitatorURL,
		Timeout: cfg.Payment.Timeout(),
	})

	opts := []saga.Option{
		saga.WithActivityStore(store),
		saga.WithRateLimiter(limiter),
		saga.WithReconcileQueue(queue),
	}
	if augmenter := createAugmenter(cfg, chains); augmenter != nil {
		opts = append(opts, saga.WithAugmenter(augmenter))
	}

	orchestrator := saga.New(
		book,
		payment.NewVerifier(fac, requirements, cfg.Payment.Timeout()),
		payment.NewSettler(fac, requirements, book, cfg.Payment.PlatformFeeBps, cfg.Payment.Timeout()),
		invoker,
		requirements,
		saga.Config{
			PayTo:           cfg.Payment.PayTo,
			Network:         cfg.Payment.Network,
			Decimals:        payment.USDCDecimals,
			ResourceBaseURL: cfg.Payment.ResourceBaseURL,
			SystemPrompt:    cfg.LLM.SystemPromptBase,
			Timeout:         cfg.Server.SagaTimeout(),
		},
		opts...,
	)

	processor := reconcile.NewProcessor(queue,
		reconcile.WithWorkerCount(cfg.Reconcile.Worker),
		reconcile.WithAlertDispatcher(createAlerting(cfg)),
		reconcile.WithPaymentLookup(store),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("对账处理器异常退出", "error", err)
		}
	}()

	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(processorCtx, addr); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, orchestrator, store,
		api.WithOperatorToken(cfg.OperatorToken()),
		api.WithProduction(cfg.Runtime.IsProduction()),
		api.WithDecimals(payment.USDCDecimals),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
