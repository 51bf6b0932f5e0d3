package staking

import (
	"math/big"

	xerrors "MemeLoop-Agent/internal/errors"
	"MemeLoop-Agent/internal/rounds"
)

// 质押 KPI 的唯一口径是 mech 请求计数的增量。多签 nonce 增量仍然随
// 快照携带，但只用于观测，不参与 KPI 判定。

const CodeKpiUnavailable xerrors.Code = "KPI_UNAVAILABLE"

func init() {
	xerrors.Register(CodeKpiUnavailable, xerrors.Attributes{
		Message:   "staking KPI data unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Result 是一次 KPI 判定的结果。
type Result struct {
	Met      bool
	Required uint64
	Observed uint64
}

// Engine 执行纯粹的 KPI 计算。
type Engine struct {
	safetyMargin uint64
}

// NewEngine 构造 KPI 引擎。safetyMargin 叠加在要求值上，默认 0。
func NewEngine(safetyMargin uint64) *Engine {
	return &Engine{safetyMargin: safetyMargin}
}

var e18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ComputeKpi 判定奖励资格所需的请求数是否已经满足。
// livenessRatio 为 1e18 定点的每秒速率。liveness 数据为零或缺失时返回
// 可重试错误，绝不静默当作满足或不满足。
func (e *Engine) ComputeKpi(snapshot Snapshot, nowTs int64) (Result, error) {
	if snapshot.State != rounds.StakingStaked {
		// 未质押时没有需要保护的奖励，KPI 定义为未满足。
		return Result{Met: false}, nil
	}
	if snapshot.LivenessRatio == nil || snapshot.LivenessRatio.Sign() <= 0 {
		return Result{}, xerrors.New(CodeKpiUnavailable, "liveness ratio 为零或缺失")
	}
	if snapshot.LivenessPeriod <= 0 {
		return Result{}, xerrors.New(CodeKpiUnavailable, "liveness period 为零或缺失")
	}

	elapsed := nowTs - snapshot.LastCheckpointTs
	window := snapshot.LivenessPeriod
	if elapsed > window {
		window = elapsed
	}

	// required = ceil(window * ratio / 1e18) + margin
	product := new(big.Int).Mul(big.NewInt(window), snapshot.LivenessRatio)
	required, remainder := new(big.Int).DivMod(product, e18, new(big.Int))
	if remainder.Sign() > 0 {
		required.Add(required, big.NewInt(1))
	}
	requiredCount := required.Uint64() + e.safetyMargin

	var observed uint64
	if snapshot.CurrentMechRequests > snapshot.MechRequestsAtLastCp {
		observed = snapshot.CurrentMechRequests - snapshot.MechRequestsAtLastCp
	}

	return Result{
		Met:      observed >= requiredCount,
		Required: requiredCount,
		Observed: observed,
	}, nil
}

// CheckpointDue 判断链上 checkpoint 是否到期。零值表示立即到期。
func CheckpointDue(nextCheckpointTs, nowTs int64) bool {
	if nextCheckpointTs == 0 {
		return true
	}
	return nextCheckpointTs <= nowTs
}
