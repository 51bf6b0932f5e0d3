package staking

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"

	"MemeLoop-Agent/internal/chain"
	xerrors "MemeLoop-Agent/internal/errors"
	"MemeLoop-Agent/internal/kvstore"
	"MemeLoop-Agent/internal/rounds"
	"MemeLoop-Agent/pkg/logger"
)

// Snapshot 是一次回合评估所需的链上计量快照。生命周期只有一个回合：
// 每次评估重新拉取，绝不跨回合缓存。
type Snapshot struct {
	State                rounds.StakingState
	LivenessRatio        *big.Int
	LivenessPeriod       int64
	LastCheckpointTs     int64
	NextCheckpointTs     int64
	MultisigNoncesAtCp   uint64
	CurrentMultisigNonce uint64
	MechRequestsAtLastCp uint64
	CurrentMechRequests  uint64
}

// KV 键：上一次 checkpoint 敲定时记录的基线计数。
const (
	keyMechRequestsAtCp  = "mech_requests_at_cp"
	keyMultisigNonceAtCp = "multisig_nonce_at_cp"
)

// FetcherConfig 描述快照拉取所需的合约地址。
type FetcherConfig struct {
	StakingAddress  string
	ActivityChecker string
	SafeAddress     string
	ServiceID       int64
	ChainID         string
}

// Fetcher 每回合从链上拉取一份新鲜的质押快照。
type Fetcher struct {
	caller chain.Caller
	store  kvstore.Store
	cfg    FetcherConfig
	logger *slog.Logger
}

// NewFetcher 构造快照拉取器。
func NewFetcher(caller chain.Caller, store kvstore.Store, cfg FetcherConfig) *Fetcher {
	return &Fetcher{
		caller: caller,
		store:  store,
		cfg:    cfg,
		logger: logger.Named("staking"),
	}
}

// StakingAddress 返回质押合约地址，checkpoint 交易以它为目标。
func (f *Fetcher) StakingAddress() string {
	if f == nil {
		return ""
	}
	return f.cfg.StakingAddress
}

// Enabled 判断质押功能是否已配置。未配置质押合约时智能体仍然要能执行
// 非质押动作，所以这里降级而不是报错。
func (f *Fetcher) Enabled() bool {
	return f != nil && f.cfg.StakingAddress != ""
}

// Fetch 拉取当前快照。质押未配置时返回 UNSTAKED 快照。
func (f *Fetcher) Fetch(ctx context.Context, agentAddress string) (Snapshot, error) {
	if !f.Enabled() {
		f.logger.Debug("质押未配置，按未质押处理")
		return Snapshot{State: rounds.StakingUnstaked}, nil
	}

	state, err := f.fetchState(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{State: state}
	if state != rounds.StakingStaked {
		return snapshot, nil
	}

	if snapshot.LivenessPeriod, err = f.readInt(ctx, f.cfg.StakingAddress, "liveness_period"); err != nil {
		return Snapshot{}, err
	}
	if snapshot.LastCheckpointTs, err = f.readInt(ctx, f.cfg.StakingAddress, "ts_checkpoint"); err != nil {
		return Snapshot{}, err
	}
	if snapshot.NextCheckpointTs, err = f.readInt(ctx, f.cfg.StakingAddress, "next_checkpoint_ts"); err != nil {
		return Snapshot{}, err
	}
	if snapshot.LivenessRatio, err = f.readBig(ctx, f.cfg.ActivityChecker, "liveness_ratio"); err != nil {
		return Snapshot{}, err
	}

	current, err := f.fetchRequestCount(ctx, agentAddress)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.CurrentMechRequests = current

	atCp, err := f.baselineAtLastCheckpoint(ctx, keyMechRequestsAtCp)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.MechRequestsAtLastCp = atCp

	// 多签 nonce 只随快照记录，KPI 的唯一来源是请求计数。
	if f.cfg.SafeAddress != "" {
		if snapshot.CurrentMultisigNonce, err = f.fetchSafeNonce(ctx); err != nil {
			return Snapshot{}, err
		}
		if snapshot.MultisigNoncesAtCp, err = f.baselineAtLastCheckpoint(ctx, keyMultisigNonceAtCp); err != nil {
			return Snapshot{}, err
		}
	}

	return snapshot, nil
}

// RecordCheckpoint 在 checkpoint 交易结算后记录当前计数与时间戳，
// 作为下一期 KPI 的基线。
func (f *Fetcher) RecordCheckpoint(ctx context.Context, agentAddress string, ts int64) error {
	if !f.Enabled() || f.store == nil {
		return nil
	}
	current, err := f.fetchRequestCount(ctx, agentAddress)
	if err != nil {
		return err
	}
	writes := map[string]string{
		keyMechRequestsAtCp:     strconv.FormatUint(current, 10),
		kvstore.KeyCheckpointTs: strconv.FormatInt(ts, 10),
	}
	if f.cfg.SafeAddress != "" {
		nonce, err := f.fetchSafeNonce(ctx)
		if err != nil {
			return err
		}
		writes[keyMultisigNonceAtCp] = strconv.FormatUint(nonce, 10)
	}
	return f.store.Write(ctx, writes)
}

func (f *Fetcher) fetchState(ctx context.Context) (rounds.StakingState, error) {
	resp, err := f.caller.Call(ctx, chain.Request{
		Performative:    chain.GetState,
		ContractID:      "staking",
		ContractAddress: f.cfg.StakingAddress,
		Callable:        "staking_state",
		ChainID:         f.cfg.ChainID,
		Kwargs:          map[string]any{"service_id": f.cfg.ServiceID},
	})
	if err != nil {
		return "", xerrors.Wrap(CodeKpiUnavailable, err, "查询质押状态失败")
	}
	raw, err := chain.ExpectBody(resp, chain.State, "staking_state")
	if err != nil {
		return "", err
	}
	code, ok := raw.(uint8)
	if !ok {
		return "", xerrors.New(chain.CodeBadResponse, "质押状态类型异常")
	}
	switch code {
	case 1:
		return rounds.StakingStaked, nil
	case 2:
		return rounds.StakingEvicted, nil
	default:
		return rounds.StakingUnstaked, nil
	}
}

func (f *Fetcher) fetchRequestCount(ctx context.Context, agentAddress string) (uint64, error) {
	resp, err := f.caller.Call(ctx, chain.Request{
		Performative:    chain.GetState,
		ContractID:      "activity_checker",
		ContractAddress: f.cfg.ActivityChecker,
		Callable:        "mech_request_count",
		ChainID:         f.cfg.ChainID,
		Kwargs:          map[string]any{"address": agentAddress},
	})
	if err != nil {
		return 0, xerrors.Wrap(CodeKpiUnavailable, err, "查询请求计数失败")
	}
	raw, err := chain.ExpectBody(resp, chain.State, "request_count")
	if err != nil {
		return 0, err
	}
	count, ok := raw.(*big.Int)
	if !ok {
		return 0, xerrors.New(chain.CodeBadResponse, "请求计数类型异常")
	}
	return count.Uint64(), nil
}

func (f *Fetcher) fetchSafeNonce(ctx context.Context) (uint64, error) {
	resp, err := f.caller.Call(ctx, chain.Request{
		Performative:    chain.GetState,
		ContractID:      "safe",
		ContractAddress: f.cfg.SafeAddress,
		Callable:        "get_safe_nonce",
		ChainID:         f.cfg.ChainID,
	})
	if err != nil {
		return 0, xerrors.Wrap(CodeKpiUnavailable, err, "查询多签 nonce 失败")
	}
	raw, err := chain.ExpectBody(resp, chain.State, "nonce")
	if err != nil {
		return 0, err
	}
	nonce, ok := raw.(*big.Int)
	if !ok {
		return 0, xerrors.New(chain.CodeBadResponse, "多签 nonce 类型异常")
	}
	return nonce.Uint64(), nil
}

func (f *Fetcher) baselineAtLastCheckpoint(ctx context.Context, key string) (uint64, error) {
	if f.store == nil {
		return 0, nil
	}
	values, err := f.store.Read(ctx, []string{key})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 checkpoint 基线失败")
	}
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	count, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "checkpoint 基线解析失败")
	}
	return count, nil
}

func (f *Fetcher) readInt(ctx context.Context, address, callable string) (int64, error) {
	value, err := f.readBig(ctx, address, callable)
	if err != nil {
		return 0, err
	}
	return value.Int64(), nil
}

func (f *Fetcher) readBig(ctx context.Context, address, callable string) (*big.Int, error) {
	resp, err := f.caller.Call(ctx, chain.Request{
		Performative:    chain.GetState,
		ContractID:      "staking",
		ContractAddress: address,
		Callable:        callable,
		ChainID:         f.cfg.ChainID,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeKpiUnavailable, err, callable+" 查询失败")
	}
	raw, err := chain.ExpectBody(resp, chain.State, callable)
	if err != nil {
		return nil, err
	}
	value, ok := raw.(*big.Int)
	if !ok {
		return nil, xerrors.New(chain.CodeBadResponse, callable+" 返回值类型异常")
	}
	return value, nil
}
