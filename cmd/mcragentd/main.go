package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"MCR-Agent/internal/api"
	"MCR-Agent/internal/auth"
	"MCR-Agent/internal/config"
	"MCR-Agent/internal/gateway"
	"MCR-Agent/internal/intent"
	"MCR-Agent/internal/observability/alerting"
	"MCR-Agent/internal/registry"
	"MCR-Agent/internal/run"
	"MCR-Agent/internal/workflow"
	"MCR-Agent/pkg/logger"
)

// main 是 MCR Agent 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx); err != nil {
		log.Fatalf("mcragentd 运行失败: %v", err)
	}
}

func runDaemon(ctx context.Context) error {
	configPath := os.Getenv("MCR_AGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "mcragent.json")
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
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 操作目录：内置操作加可选的目录文件覆盖。
	catalog := registry.Default()
	if cfg.Registry.CatalogPath != "" {
		catalog, err = registry.Load(cfg.Registry.CatalogPath)
		if err != nil {
			return err
		}
	}

	credentials, err := credentialSource(cfg.Gateway)
	if err != nil {
		return err
	}

	client, err := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		Timeout:     cfg.Gateway.Timeout(),
		Credentials: credentials,
		Registry:    catalog,
	})
	if err != nil {
		return err
	}

	orchestrator, err := workflow.New(
		intent.NewRuleResolver(),
		client,
		catalog,
		workflow.WithStepBudget(cfg.Workflow.StepBudget),
		workflow.WithRunTimeout(cfg.Workflow.RunTimeout()),
	)
	if err != nil {
		return err
	}

	var store run.Store
	switch cfg.RunStore.Driver {
	case "", "memory":
		store = run.NewMemoryStore()
	case "mysql":
		store, err = run.NewMySQLStore(cfg.RunStore.DSN)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的运行存储驱动: %s", cfg.RunStore.Driver)
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	var queue run.Queue
	switch cfg.RunQueue.Driver {
	case "", "memory":
		queue = run.NewMemoryQueue(1024)
	case "redis":
		queue, err = run.NewRedisQueue(run.RedisQueueConfig{
			Address:   cfg.RunQueue.Redis.Address,
			Password:  cfg.RunQueue.Redis.Password,
			DB:        cfg.RunQueue.Redis.DB,
			Queue:     cfg.RunQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.RunQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
	case "rabbitmq":
		queue, err = run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:        cfg.RunQueue.RabbitMQ.URL,
			Queue:      cfg.RunQueue.RabbitMQ.Queue,
			Prefetch:   cfg.RunQueue.RabbitMQ.Prefetch,
			Durable:    cfg.RunQueue.RabbitMQ.Durable,
			AutoDelete: cfg.RunQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的运行队列驱动: %s", cfg.RunQueue.Driver)
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				logger.L().Warn("关闭运行队列失败", slog.Any("error", err))
			}
		}
	}()

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.Webhook.URL})
	}
	dispatcher := alerting.NewFanout(notifiers...)

	runService := run.NewService(store, queue, cfg.RunStore.MaxRetries)
	processor := run.NewProcessor(orchestrator, store, queue, queue,
		run.WithWorkerCount(cfg.RunQueue.Worker),
		run.WithProcessorLogger(logger.Named("processor")),
		run.WithAlertDispatcher(dispatcher),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	authService, err := auth.NewService(authConfig(cfg.Auth))
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, orchestrator, runService, authService)

	logger.L().Info("mcragentd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("gateway", cfg.Gateway.BaseURL),
		slog.Int("step_budget", cfg.Workflow.StepBudget))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// credentialSource 依据配置选择出站凭证来源，bearer 与 basic 互斥。
func credentialSource(cfg config.GatewayConfig) (gateway.CredentialSource, error) {
	switch cfg.AuthScheme {
	case "", config.AuthSchemeBearer:
		return &gateway.EnvBearerSource{TokenEnv: cfg.BearerTokenEnv}, nil
	case config.AuthSchemeBasic:
		return &gateway.EnvBasicSource{
			UsernameEnv: cfg.BasicUsernameEnv,
			PasswordEnv: cfg.BasicPasswordEnv,
		}, nil
	default:
		return nil, fmt.Errorf("未知的网关凭证模式: %s", cfg.AuthScheme)
	}
}

func authConfig(cfg config.AuthConfig) auth.Config {
	tokens := make([]auth.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, auth.Token{
			Name:        t.Name,
			Value:       t.Token,
			ValueEnv:    t.TokenEnv,
			Permissions: t.Permissions,
		})
	}
	return auth.Config{Mode: auth.Mode(cfg.Mode), Tokens: tokens}
}
