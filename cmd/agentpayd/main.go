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
	"sort"
	"syscall"
	"time"

	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/credential"
	"AgentPay-Chain/internal/directory"
	"AgentPay-Chain/internal/fulfill"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/service"
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
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	dir, err := directory.Load(cfg.Directory.AgentsFile)
	if err != nil {
		return err
	}

	chainCfg, err := resolveChain(cfg)
	if err != nil {
		return err
	}

	pool := ledger.NewPool(
		func(dialCtx context.Context) (ledger.Client, error) {
			return ledger.DialEVM(dialCtx, chainCfg)
		},
		ledger.WithDialTimeout(time.Duration(cfg.Ledger.ConnectTimeoutSeconds)*time.Second),
	)
	defer pool.DisconnectAll()

	verifier, credCache, err := createVerifier(cfg, pool)
	if err != nil {
		return err
	}
	defer func() {
		if closer, ok := credCache.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}()

	dispatcher := payment.NewDispatcher(pool,
		payment.WithPolicy(payment.NewWeightedPolicy(
			cfg.Payment.DirectWeight, cfg.Payment.BatchWeight, time.Now().UnixNano())),
		payment.WithSubmitTimeout(time.Duration(cfg.Ledger.SubmitTimeoutSeconds)*time.Second),
		payment.WithGratuity(cfg.Payment.GratuityBps),
		payment.WithTokenAuthority(cfg.Payment.TokenContract, cfg.Payment.TokenIssuer, cfg.Payment.TokenIssuerKey),
	)

	var store service.Store
	switch cfg.Storage.TransactionStore.Driver {
	case "", "memory":
		store = service.NewMemoryStore()
	case "mysql":
		mysqlStore, err := service.NewMySQLStore(service.MySQLStoreConfig{
			DSN:             cfg.Storage.TransactionStore.DSN,
			MaxOpenConns:    cfg.Storage.TransactionStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.TransactionStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.TransactionStore.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.TransactionStore.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的交易存储驱动: %s", cfg.Storage.TransactionStore.Driver)
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				logger.L().Warn("关闭请求队列失败", slog.Any("error", err))
			}
		}
	}()

	orchestratorOpts := []service.OrchestratorOption{}
	if cfg.Fulfill.TemplatesFile != "" {
		provider, err := fulfill.LoadStaticProvider(cfg.Fulfill.TemplatesFile)
		if err != nil {
			return err
		}
		orchestratorOpts = append(orchestratorOpts, service.WithFulfiller(provider))
	}

	orch := service.NewOrchestrator(dir, verifier, dispatcher, store, orchestratorOpts...)
	svc := service.NewService(orch, store, queue)
	processor := service.NewProcessor(orch, store, queue,
		service.WithWorkerCount(cfg.RequestQueue.Workers),
		service.WithProcessorLogger(logger.Named("processor")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("交易处理器异常退出", slog.Any("error", err))
		}
	}()

	logger.L().Info("agentpayd 已启动",
		slog.String("chain", chainCfg.Name),
		slog.Int("agents", len(dir.List())),
		slog.String("store", cfg.Storage.TransactionStore.Driver),
		slog.String("queue", cfg.RequestQueue.Driver),
	)

	if cfg.Demo.Enabled {
		if err := runDemo(ctx, cfg, dir, svc); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	<-ctx.Done()
	return nil
}

// resolveChain 优先使用链配置文件, 其次回退到单一 rpc_url。
func resolveChain(cfg *config.Config) (ledger.EVMConfig, error) {
	if cfg.Ledger.ChainConfig != "" {
		chains, err := ledger.LoadChains(cfg.Ledger.ChainConfig)
		if err != nil {
			return ledger.EVMConfig{}, err
		}
		name := cfg.Ledger.DefaultChain
		if name == "" && len(chains) == 1 {
			for only := range chains {
				name = only
			}
		}
		chain, ok := chains[name]
		if !ok {
			return ledger.EVMConfig{}, fmt.Errorf("链配置中找不到默认链: %q", name)
		}
		return chain, nil
	}
	if cfg.Ledger.RPCURL == "" {
		return ledger.EVMConfig{}, errors.New("必须配置 ledger.chain_config 或 ledger.rpc_url")
	}
	return ledger.EVMConfig{Name: "default", RPCURL: cfg.Ledger.RPCURL}, nil
}

// createVerifier 按配置选择凭证缓存驱动并组装校验器。
func createVerifier(cfg *config.Config, pool *ledger.Pool) (*credential.Verifier, credential.Cache, error) {
	var cache credential.Cache
	switch cfg.Credential.Cache.Driver {
	case "", "memory":
		cache = credential.NewMemoryCache()
	case "redis":
		redisCache, err := credential.NewRedisCache(credential.RedisCacheConfig{
			Address:  cfg.Credential.Redis.Address,
			Password: cfg.Credential.Redis.Password,
			DB:       cfg.Credential.Redis.DB,
			Prefix:   cfg.Credential.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		cache = redisCache
	case "sqlite":
		sqliteCache, err := credential.NewSQLiteCache(cfg.Credential.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		cache = sqliteCache
	default:
		return nil, nil, fmt.Errorf("未知的凭证缓存驱动: %s", cfg.Credential.Cache.Driver)
	}

	var registry credential.Registry
	if cfg.Credential.RegistryAddress != "" {
		evmRegistry, err := credential.NewEVMRegistry(pool,
			cfg.Credential.RegistryAddress, cfg.Credential.IssuerAddress, cfg.Credential.IssuerKey)
		if err != nil {
			return nil, nil, err
		}
		registry = evmRegistry
	}

	verifier := credential.NewVerifier(registry, cache, cfg.Credential.IssuerAddress,
		credential.WithBasicTTL(time.Duration(cfg.Credential.BasicTTLDays)*24*time.Hour),
	)
	return verifier, cache, nil
}

// createQueue 按配置选择请求队列驱动。
func createQueue(cfg *config.Config) (service.Queue, error) {
	switch cfg.RequestQueue.Driver {
	case "", "memory":
		return service.NewMemoryQueue(1024), nil
	case "redis":
		return service.NewRedisQueue(service.RedisQueueConfig{
			Address:   cfg.RequestQueue.Redis.Address,
			Password:  cfg.RequestQueue.Redis.Password,
			DB:        cfg.RequestQueue.Redis.DB,
			Queue:     cfg.RequestQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.RequestQueue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return service.NewRabbitMQQueue(service.RabbitMQConfig{
			URL:      cfg.RequestQueue.RabbitMQ.URL,
			Queue:    cfg.RequestQueue.RabbitMQ.Queue,
			Prefetch: cfg.RequestQueue.RabbitMQ.Prefetch,
			Durable:  cfg.RequestQueue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.RequestQueue.Driver)
	}
}

// runDemo 顺序执行一轮演示请求: 同一付款方的多笔请求逐笔等待终态,
// 保证账本上的序号连续推进。
func runDemo(ctx context.Context, cfg *config.Config, dir *directory.Directory, svc *service.Service) error {
	payer, err := dir.Get(cfg.Demo.PayerID)
	if err != nil {
		return fmt.Errorf("演示付款方无效: %w", err)
	}
	payee, err := dir.Get(cfg.Demo.PayeeID)
	if err != nil {
		return fmt.Errorf("演示收款方无效: %w", err)
	}
	capabilities := payee.Capabilities()
	if len(capabilities) == 0 {
		return fmt.Errorf("演示收款方 %s 未声明任何能力", payee.ID)
	}
	sort.Strings(capabilities)

	for i := 0; i < cfg.Demo.Requests; i++ {
		capability := capabilities[i%len(capabilities)]
		tx, err := svc.Submit(ctx, payer.ID, payee.ID, capability, service.RequestOptions{
			Params: map[string]any{"round": i + 1},
		})
		if err != nil {
			logger.L().Error("演示请求提交失败",
				slog.Int("round", i+1),
				slog.String("capability", capability),
				slog.Any("error", err),
			)
			continue
		}

		// 等待 opt-in 的交易停留在 authorized, 必须用截止时间兜底。
		waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Minute)
		final, err := svc.WaitUntilTerminal(waitCtx, tx.ID, 500*time.Millisecond)
		cancelWait()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				logger.L().Warn("演示请求未在限期内落定",
					slog.Int("round", i+1),
					slog.String("transaction_id", tx.ID),
					slog.String("capability", capability),
				)
				continue
			}
			return err
		}
		fields := []any{
			slog.Int("round", i + 1),
			slog.String("transaction_id", final.ID),
			slog.String("capability", capability),
			slog.String("status", string(final.Status)),
			slog.String("strategy", string(final.Strategy)),
		}
		if final.PaymentProof != "" {
			fields = append(fields, slog.String("proof", final.PaymentProof))
		}
		if final.LastError != "" {
			fields = append(fields, slog.String("last_error", final.LastError))
		}
		logger.L().Info("演示请求结束", fields...)
	}
	return nil
}
