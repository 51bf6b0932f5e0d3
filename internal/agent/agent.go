package agent

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"MemeLoop-Agent/internal/actions"
	"MemeLoop-Agent/internal/chain"
	"MemeLoop-Agent/internal/consensus"
	"MemeLoop-Agent/internal/decide"
	xerrors "MemeLoop-Agent/internal/errors"
	"MemeLoop-Agent/internal/journal"
	"MemeLoop-Agent/internal/kvstore"
	"MemeLoop-Agent/internal/observability/alerting"
	"MemeLoop-Agent/internal/observability/metrics"
	"MemeLoop-Agent/internal/rounds"
	"MemeLoop-Agent/internal/safetx"
	"MemeLoop-Agent/internal/staking"
	"MemeLoop-Agent/pkg/logger"
)

// Settler 把已达成一致的交易负载提交到多签并等待上链。实现由外层
// 注入，回合行为只关心最终交易哈希。每个副本都会对同一负载各自调用
// 一次 Settle，实现必须幂等：同一负载重复提交要返回首次上链的交易
// 哈希，不得再次发起交易。
type Settler interface {
	Settle(ctx context.Context, payload string) (txHash string, err error)
}

// Mech 是外部计算服务的窄接口：构造请求交易，以及取回最近一次
// 请求的计算结果。
type Mech interface {
	BuildRequestTx(ctx context.Context) (payload string, err error)
	Response(ctx context.Context) (string, error)
}

// TokenSource 提供决策所需的代币快照与外部条件。
type TokenSource interface {
	Tokens(ctx context.Context) ([]actions.Token, error)
	Environment(ctx context.Context) (actions.Environment, error)
}

// Config 汇总周期编排所需的地址与阈值。
type Config struct {
	AgentAddress     string
	SafeAddress      string
	ChainID          string
	MinNativeBalance *big.Int
	SafeTxGas        *big.Int
	RoundTimeout     time.Duration
}

// Agent 把各回合行为装配成状态机并驱动周期运行。
type Agent struct {
	cfg     Config
	caller  chain.Caller
	store   kvstore.Store
	planner *actions.Planner
	builder *safetx.Builder
	fetcher *staking.Fetcher
	engine  *staking.Engine
	decider decide.Decider
	settler Settler
	mech    Mech
	source  TokenSource
	journal journal.Store
	alerts  alerting.Dispatcher

	machine      *rounds.Machine
	logger       *slog.Logger
	lastFinalize time.Time
}

// Option 定义可选协作方。
type Option func(*Agent)

// WithJournal 启用回合日志。
func WithJournal(store journal.Store) Option {
	return func(a *Agent) { a.journal = store }
}

// WithAlerts 启用告警分发。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(a *Agent) { a.alerts = dispatcher }
}

// WithMech 启用外部计算服务。未配置时决策回合不得要求外部计算。
func WithMech(mech Mech) Option {
	return func(a *Agent) { a.mech = mech }
}

// New 装配智能体。所有必要协作方缺一不可。
func New(
	cfg Config,
	caller chain.Caller,
	store kvstore.Store,
	planner *actions.Planner,
	builder *safetx.Builder,
	fetcher *staking.Fetcher,
	engine *staking.Engine,
	decider decide.Decider,
	settler Settler,
	source TokenSource,
	service consensus.Service,
	opts ...Option,
) (*Agent, error) {
	if caller == nil || planner == nil || builder == nil || decider == nil || settler == nil || source == nil {
		return nil, xerrors.New(xerrors.CodeUninitialized, "缺少必要协作方")
	}
	if cfg.AgentAddress == "" || cfg.SafeAddress == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "缺少 agent 或 safe 地址")
	}
	if cfg.MinNativeBalance == nil {
		cfg.MinNativeBalance = big.NewInt(0)
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 30 * time.Second
	}

	a := &Agent{
		cfg:     cfg,
		caller:  caller,
		store:   store,
		planner: planner,
		builder: builder,
		fetcher: fetcher,
		engine:  engine,
		decider: decider,
		settler: settler,
		source:  source,
		logger:  logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	sd := rounds.NewSynchronizedData(map[string]string{
		rounds.KeySafeContractAddress: cfg.SafeAddress,
		rounds.KeyAgentAddress:        cfg.AgentAddress,
	})

	machine, err := rounds.NewMachine(
		service,
		rounds.RoundCheckFunds,
		sd,
		a.specs(),
		rounds.DefaultTransitions(),
		rounds.WithFinalizeHook(a.onFinalize),
	)
	if err != nil {
		return nil, err
	}
	a.machine = machine
	return a, nil
}

// Run 驱动周期直到上下文取消。
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("周期启动",
		slog.String("agent", a.cfg.AgentAddress),
		slog.String("safe", a.cfg.SafeAddress),
	)
	return a.machine.Run(ctx)
}

// Machine 暴露状态机，供状态接口读取。
func (a *Agent) Machine() *rounds.Machine {
	return a.machine
}

func (a *Agent) stakingAddress() string {
	if a.fetcher == nil {
		return ""
	}
	return a.fetcher.StakingAddress()
}

func bigZero() *big.Int { return big.NewInt(0) }

// mustBig 还原负载里随行携带的十进制大整数，损坏时退化为 nil。
func mustBig(value string) *big.Int {
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil
	}
	return parsed
}

// onFinalize 在回合敲定后落账并上报指标。日志写入失败不阻塞周期。
func (a *Agent) onFinalize(round rounds.RoundID, event rounds.Event, payloadDigest string) {
	now := time.Now()
	var elapsed time.Duration
	if !a.lastFinalize.IsZero() {
		elapsed = now.Sub(a.lastFinalize)
	}
	a.lastFinalize = now
	metrics.ObserveRound(string(round), string(event), elapsed)
	if round == rounds.RoundSettlement {
		switch event {
		case rounds.EventDone:
			metrics.ObserveSettlement("settled")
		case rounds.EventSettlementFailed:
			metrics.ObserveSettlement("failed")
		}
	}

	if a.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		record := journal.NewRecord(string(round), string(event), payloadDigest)
		if err := a.journal.Append(ctx, record); err != nil {
			a.logger.Warn("回合日志写入失败", slog.String("round", string(round)), slog.Any("error", err))
		}
	}

	if a.alerts != nil && event == rounds.EventFatal {
		fatal := xerrors.New(rounds.CodeRoundFatal, "回合不变量被破坏: "+string(round))
		if alert, ok := alerting.FromError(string(round), fatal); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.alerts.Notify(ctx, alert); err != nil {
				a.logger.Warn("告警发送失败", slog.Any("error", err))
			}
		}
	}
}
