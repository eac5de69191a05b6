package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/bridge"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/escrow"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/handoff"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/observability/telemetry"
	"AgentPay-Chain/internal/payment/eip3009"
	"AgentPay-Chain/internal/payment/facilitator"
	"AgentPay-Chain/internal/payment/resolver"
	"AgentPay-Chain/internal/retry"
	"AgentPay-Chain/internal/settlement"
	redisstore "AgentPay-Chain/internal/storage/redis"
	"AgentPay-Chain/internal/storage/sqlstore"
	"AgentPay-Chain/internal/task"
	"AgentPay-Chain/internal/tools"
	"AgentPay-Chain/internal/web3/provider"
	"AgentPay-Chain/pkg/logger"
)

const (
	serviceName = "agentpayd"
	version     = "0.1.0"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "配置文件路径，默认读取 AGENTPAY_CONFIG 或 configs/agentpayd.json")
	pflag.Parse()
	if configPath == "" {
		configPath = os.Getenv("AGENTPAY_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpayd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.Named("agentpayd")

	shutdownTelemetry, err := telemetry.Init(ctx, serviceName, version, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	checks := map[string]func(context.Context) error{}

	var db *sqlstore.DB
	if cfg.Storage.Driver == "sql" {
		db, err = sqlstore.Open(ctx, cfg.Storage.SQL)
		if err != nil {
			return err
		}
		defer db.Close()
		checks["sql"] = db.PingContext
	}

	var redisClient *goredis.Client
	if cfg.Storage.Redis.Address != "" {
		redisClient, err = redisstore.Open(ctx, cfg.Storage.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	bus, err := openBus(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			lg.Warn("关闭事件总线失败", slog.Any("error", err))
		}
	}()

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Slack:  cfg.Alerting.Slack,
			Client: &http.Client{Timeout: 10 * time.Second},
		})
	}
	dispatcher := events.NewDispatcher(bus,
		events.WithWorkerCount(cfg.Events.Workers),
		events.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
		events.WithDispatcherLogger(logger.Named("events")),
	)
	metrics.Subscribe(dispatcher)

	var registry *provider.Registry
	if cfg.Web3.ChainsFile != "" || cfg.Web3.RPCURL != "" {
		registry, err = provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer registry.Close()
		checks["chain"] = registry.Check
	}

	taskStore, escrowStore, settlementStore := storesFor(db)
	taskService := task.NewService(taskStore, bus)

	escrowOpts := []escrow.Option{escrow.WithPublisher(bus)}
	var contract *escrow.ContractReader
	if registry != nil {
		client, err := registry.DefaultClient()
		if err != nil {
			return err
		}
		if cfg.Web3.EscrowKey != "" {
			payouts, err := provider.NewEscrowPayouts(client, cfg.Web3.EscrowKey, cfg.Escrow.Asset, cfg.Escrow.EscrowAddress)
			if err != nil {
				return err
			}
			verifier, err := provider.NewDepositVerifier(client, cfg.Escrow.Asset, cfg.Escrow.EscrowAddress)
			if err != nil {
				return err
			}
			escrowOpts = append(escrowOpts, escrow.WithTransferer(payouts), escrow.WithDepositVerifier(verifier))
		}
		if cfg.Escrow.ContractAddress != "" {
			if contract, err = escrow.NewContractReader(client, cfg.Escrow.ContractAddress); err != nil {
				return err
			}
		}
	}
	sessions, err := escrow.NewManager(cfg.Escrow, escrowStore, escrowOpts...)
	if err != nil {
		return err
	}

	var submitter settlement.Submitter = settlement.LedgerSubmitter{}
	if registry != nil && cfg.Web3.RelayerKey != "" {
		if submitter, err = provider.NewAuthorizationSubmitter(registry, cfg.Web3.RelayerKey); err != nil {
			return err
		}
	}
	settlementCfg := cfg.Settlement
	if registry != nil {
		for network, id := range registry.ChainIDs() {
			if _, ok := settlementCfg.ChainIDs[network]; !ok {
				settlementCfg.ChainIDs[network] = id
			}
		}
	}
	settlementService, err := settlement.NewService(settlementCfg, settlementStore, submitter, settlement.WithPublisher(bus))
	if err != nil {
		return err
	}

	handoffStore, err := handoffStoreFor(cfg, db, redisClient)
	if err != nil {
		return err
	}
	handoffService := handoff.NewService(handoffStore, cfg.Handoff.Config, handoff.WithPublisher(bus))

	payResolver, err := newResolver(cfg, registry, settlementCfg.ChainIDs)
	if err != nil {
		return err
	}

	var peer *bridge.Bridge
	if cfg.Bridge.URL != "" {
		if peer, err = bridge.New(cfg.Bridge); err != nil {
			return err
		}
		defer peer.Close()
	}

	toolServer := tools.New(serviceName, version, tools.Deps{
		ServiceID:  cfg.Server.ServiceID,
		Tracker:    task.NewTracker(taskService),
		Resolver:   payResolver,
		HTTPClient: &http.Client{Timeout: facilitator.DefaultTimeout},
		Sessions:   sessions,
		Handoff:    handoffService,
		Peer:       peer,
	})

	authService, err := newAuthService(ctx, cfg, db)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, api.Services{
		Settlement: settlementService,
		Sessions:   sessions,
		Contract:   contract,
		Tasks:      taskService,
		Handoff:    handoffService,
		Auth:       authService,
		Tools:      toolServer.Handler(),
		Checks:     checks,
	})

	lg.Info("agentpayd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("handoff_store", cfg.Handoff.Store),
		slog.Bool("chain", registry != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return dispatcher.Start(gctx) })
	g.Go(func() error { return handoffService.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openBus(ctx context.Context, cfg *config.Config, shared *goredis.Client) (events.Bus, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryBus(cfg.Events.BufferSize), nil
	case "redis":
		if cfg.Events.Redis.Address == "" && shared != nil {
			return events.NewRedisBusWithClient(shared, cfg.Events.Redis.Key, cfg.Events.Redis.BlockWait), nil
		}
		return events.NewRedisBus(ctx, cfg.Events.Redis)
	case "rabbitmq":
		return events.NewRabbitMQBus(cfg.Events.RabbitMQ)
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.Events.Driver)
	}
}

func storesFor(db *sqlstore.DB) (task.Store, escrow.Store, settlement.Store) {
	if db == nil {
		return task.NewMemoryStore(), escrow.NewMemoryStore(), settlement.NewMemoryStore()
	}
	return task.NewSQLStore(db), escrow.NewSQLStore(db), settlement.NewSQLStore(db)
}

func handoffStoreFor(cfg *config.Config, db *sqlstore.DB, client *goredis.Client) (handoff.Store, error) {
	switch cfg.Handoff.Store {
	case "memory":
		return handoff.NewMemoryStore(), nil
	case "redis":
		if client == nil {
			return nil, errors.New("handoff.store=redis 需要 storage.redis.address")
		}
		return handoff.NewRedisStore(client, cfg.Handoff.RedisPrefix, cfg.Handoff.Retention), nil
	case "sql":
		if db == nil {
			return nil, errors.New("handoff.store=sql 需要 storage.driver=sql")
		}
		return handoff.NewSQLStore(db), nil
	default:
		return nil, fmt.Errorf("未知的交接存储: %s", cfg.Handoff.Store)
	}
}

// newResolver 构造付费资源解析器。未配置远端结算服务时指向本进程的 /api/pay。
func newResolver(cfg *config.Config, registry *provider.Registry, chainIDs map[string]int64) (*resolver.Resolver, error) {
	baseURL := cfg.Facilitator.URL
	if baseURL == "" {
		baseURL = loopbackURL(cfg.Server.Address)
	}
	fac, err := facilitator.NewClient(facilitator.Config{
		BaseURL: baseURL,
		APIKey:  cfg.Facilitator.APIKey,
		Timeout: cfg.Facilitator.Timeout,
		Retry:   retry.Once(cfg.Facilitator.Backoff).WithRetryable(facilitator.IsUnavailable),
	})
	if err != nil {
		return nil, err
	}

	var opts []resolver.Option
	if cfg.Payer.PrivateKey != "" {
		signer, err := eip3009.NewSigner(cfg.Payer.PrivateKey,
			eip3009.WithChainIDs(chainIDs),
			eip3009.WithDefaultDomain(cfg.Payer.DomainName, cfg.Payer.DomainVersion),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, resolver.WithSigner(signer))
	}
	if registry != nil {
		opts = append(opts, resolver.WithBalanceReader(registry))
	}
	return resolver.New(fac, opts...), nil
}

func loopbackURL(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "http://" + strings.TrimPrefix(address, "http://")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func newAuthService(ctx context.Context, cfg *config.Config, db *sqlstore.DB) (*auth.Service, error) {
	var store auth.Store = auth.NewMemoryStore()
	if db != nil {
		store = auth.NewSQLStore(db)
	}
	return auth.NewService(ctx, cfg.Auth, store)
}
