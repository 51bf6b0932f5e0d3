package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"MemeLoop-Agent/internal/actions"
	"MemeLoop-Agent/internal/agent"
	"MemeLoop-Agent/internal/api"
	"MemeLoop-Agent/internal/chain"
	"MemeLoop-Agent/internal/chain/ethereum"
	"MemeLoop-Agent/internal/config"
	"MemeLoop-Agent/internal/consensus"
	"MemeLoop-Agent/internal/decide"
	"MemeLoop-Agent/internal/journal"
	"MemeLoop-Agent/internal/kvstore"
	"MemeLoop-Agent/internal/safetx"
	"MemeLoop-Agent/internal/staking"
	"MemeLoop-Agent/pkg/logger"
)

// main 是 memeloopd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("memeloopd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("MEMELOOP_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "memeloop.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 链端点。
	defs, err := chain.LoadDefinitions(cfg.Chain.DefinitionsPath)
	if err != nil {
		return err
	}
	def, err := defs.Resolve(cfg.Chain.Default)
	if err != nil {
		return err
	}
	caller, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:   cfg.Chain.Default,
		RPCURL: def.RPCURL,
	})
	if err != nil {
		return err
	}
	defer caller.Close()

	// 键值存储。
	var store kvstore.Store
	switch cfg.Storage.KVStore.Driver {
	case "", "memory":
		store, err = kvstore.NewMemoryStore(cfg.Runtime.DataDir)
		if err != nil {
			return err
		}
	case "redis":
		store, err = kvstore.NewRedisStore(kvstore.RedisConfig{
			Address: cfg.Storage.KVStore.Addr,
			Prefix:  cfg.Storage.KVStore.Prefix,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的键值存储驱动: %s", cfg.Storage.KVStore.Driver)
	}
	defer func() { _ = store.Close() }()

	// 回合日志。
	var journalStore journal.Store
	switch cfg.Storage.Journal.Driver {
	case "", "memory":
		journalStore = journal.NewMemoryStore(1024)
	case "mysql":
		journalStore, err = journal.NewMySQLStore(cfg.Storage.Journal.DSN)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的回合日志驱动: %s", cfg.Storage.Journal.Driver)
	}
	defer func() { _ = journalStore.Close() }()

	// 共识服务。
	var service consensus.Service
	switch cfg.Consensus.Driver {
	case "", "local", "memory":
		service = consensus.NewLocalService()
	case "rabbitmq":
		transport, err := consensus.NewRabbitMQTransport(consensus.RabbitMQConfig{
			URL:      cfg.Consensus.RabbitMQ.URL,
			Exchange: cfg.Consensus.RabbitMQ.Exchange,
		})
		if err != nil {
			return err
		}
		defer func() { _ = transport.Close() }()
		service = consensus.NewQuorumService(
			transport,
			cfg.Consensus.ReplicaID,
			cfg.Consensus.Replicas,
			consensus.WithCollectTimeout(time.Duration(cfg.Consensus.CollectSeconds)*time.Second),
		)
	default:
		return fmt.Errorf("未知的共识驱动: %s", cfg.Consensus.Driver)
	}

	minBalance, err := parseBig(cfg.Chain.MinNativeBalance)
	if err != nil {
		return fmt.Errorf("min_native_balance 非法: %s", cfg.Chain.MinNativeBalance)
	}
	safeTxGas, err := parseBig(cfg.Chain.SafeTxGas)
	if err != nil {
		return fmt.Errorf("safe_tx_gas 非法: %s", cfg.Chain.SafeTxGas)
	}

	builder := safetx.NewBuilder(caller, cfg.Chain.SafeAddress, cfg.Chain.Default)
	planner := actions.NewPlanner(caller, builder, store, cfg.Chain.FactoryAddress, safeTxGas)
	fetcher := staking.NewFetcher(caller, store, staking.FetcherConfig{
		StakingAddress:  cfg.Staking.StakingAddress,
		ActivityChecker: cfg.Staking.ActivityChecker,
		SafeAddress:     cfg.Chain.SafeAddress,
		ServiceID:       cfg.Staking.ServiceID,
		ChainID:         cfg.Chain.Default,
	})
	engine := staking.NewEngine(cfg.Staking.SafetyMargin)
	decider := decide.NewRuleBased(cfg.Chain.HeartAmount)
	source := agent.NewStoreTokenSource(store)

	ag, err := agent.New(
		agent.Config{
			AgentAddress:     cfg.Chain.AgentAddress,
			SafeAddress:      cfg.Chain.SafeAddress,
			ChainID:          cfg.Chain.Default,
			MinNativeBalance: minBalance,
			SafeTxGas:        safeTxGas,
			RoundTimeout:     time.Duration(cfg.Consensus.RoundSeconds) * time.Second,
		},
		caller,
		store,
		planner,
		builder,
		fetcher,
		engine,
		decider,
		agent.EchoSettler{},
		source,
		service,
		agent.WithJournal(journalStore),
	)
	if err != nil {
		return err
	}

	// 状态接口与周期并行运行，任一退出则整体退出。
	errCh := make(chan error, 2)
	go func() {
		errCh <- api.NewServer(cfg.Server.Address, ag, journalStore).Start(ctx)
	}()
	go func() {
		errCh <- ag.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func parseBig(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, errors.New("无法解析整数")
	}
	return parsed, nil
}
