package rounds

import (
	"strconv"

	xerrors "MemeLoop-Agent/internal/errors"
)

// SynchronizedData 是副本间已达成一致的复制状态。每个键保留追加式的
// 历史，当前值为最近一次敲定回合写入的值。本类型只读；任何写入都通过
// Apply 产生一个新快照，且只能发生在回合敲定时。
type SynchronizedData struct {
	history map[string][]string
}

// 复制状态中的键。
const (
	KeySafeContractAddress = "safe_contract_address"
	KeyAgentAddress        = "agent_address"
	KeyTokenAction         = "token_action"
	KeyFinalTxHash         = "final_tx_hash"
	KeyMostVotedTx         = "most_voted_tx"
	KeyTxSubmitter         = "tx_submitter"
	KeyStakingState        = "staking_state"
	KeyTsCheckpoint        = "ts_checkpoint"
	KeyKpiMet              = "kpi_met"
	KeyTxLoopCount         = "tx_loop_count"
	KeyMemeCoins           = "meme_coins"
	KeyMechResponse        = "mech_response"
)

// StakingState 表示服务在质押合约中的状态。
type StakingState string

const (
	StakingUnstaked StakingState = "unstaked"
	StakingStaked   StakingState = "staked"
	StakingEvicted  StakingState = "evicted"
)

// NewSynchronizedData 从初始键值构造复制状态快照。
func NewSynchronizedData(initial map[string]string) *SynchronizedData {
	sd := &SynchronizedData{history: make(map[string][]string, len(initial))}
	for key, value := range initial {
		sd.history[key] = []string{value}
	}
	return sd
}

// Apply 追加一批写入并返回新的快照，原快照保持不变。
func (sd *SynchronizedData) Apply(writes map[string]string) *SynchronizedData {
	next := &SynchronizedData{history: make(map[string][]string, len(sd.history)+len(writes))}
	for key, values := range sd.history {
		cloned := make([]string, len(values))
		copy(cloned, values)
		next.history[key] = cloned
	}
	for key, value := range writes {
		next.history[key] = append(next.history[key], value)
	}
	return next
}

// Get 返回键的当前值。
func (sd *SynchronizedData) Get(key string) (string, bool) {
	values, ok := sd.history[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[len(values)-1], true
}

// GetDefault 返回键的当前值，缺失时返回默认值。
func (sd *SynchronizedData) GetDefault(key, fallback string) string {
	if value, ok := sd.Get(key); ok {
		return value
	}
	return fallback
}

// History 返回键的完整历史副本，供诊断使用。
func (sd *SynchronizedData) History(key string) []string {
	values := sd.history[key]
	cloned := make([]string, len(values))
	copy(cloned, values)
	return cloned
}

// SafeContractAddress 返回多签合约地址。周期内不可变。
func (sd *SynchronizedData) SafeContractAddress() string {
	return sd.GetDefault(KeySafeContractAddress, "")
}

// AgentAddress 返回智能体自身地址。
func (sd *SynchronizedData) AgentAddress() string {
	return sd.GetDefault(KeyAgentAddress, "")
}

// TokenAction 返回已达成一致的动作 JSON，未决定时返回空串。
func (sd *SynchronizedData) TokenAction() string {
	return sd.GetDefault(KeyTokenAction, "")
}

// FinalTxHash 返回已上链交易的哈希，未结算时为空。
func (sd *SynchronizedData) FinalTxHash() string {
	return sd.GetDefault(KeyFinalTxHash, "")
}

// MostVotedTx 返回等待结算的交易负载。
func (sd *SynchronizedData) MostVotedTx() string {
	return sd.GetDefault(KeyMostVotedTx, "")
}

// TxSubmitter 返回发起当前待结算交易的回合。
func (sd *SynchronizedData) TxSubmitter() RoundID {
	return RoundID(sd.GetDefault(KeyTxSubmitter, ""))
}

// StakingState 返回质押状态，缺失时视为未质押。
func (sd *SynchronizedData) StakingState() StakingState {
	switch StakingState(sd.GetDefault(KeyStakingState, "")) {
	case StakingStaked:
		return StakingStaked
	case StakingEvicted:
		return StakingEvicted
	default:
		return StakingUnstaked
	}
}

// KpiMet 返回最近一次 checkpoint 回合的 KPI 判定，"true" 或 "false"，
// 尚未评估时为空串。
func (sd *SynchronizedData) KpiMet() string {
	return sd.GetDefault(KeyKpiMet, "")
}

// TsCheckpoint 返回链上最近一次 checkpoint 的时间戳。
func (sd *SynchronizedData) TsCheckpoint() (int64, error) {
	raw, ok := sd.Get(KeyTsCheckpoint)
	if !ok {
		return 0, nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "ts_checkpoint 解析失败")
	}
	return ts, nil
}

// TxLoopCount 返回结算失败重试计数。
func (sd *SynchronizedData) TxLoopCount() int {
	raw, ok := sd.Get(KeyTxLoopCount)
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return count
}

// MemeCoins 返回最近拉取的代币列表 JSON。
func (sd *SynchronizedData) MemeCoins() string {
	return sd.GetDefault(KeyMemeCoins, "")
}

// MechResponse 返回最近一次外部计算的结果，未请求过时为空。
func (sd *SynchronizedData) MechResponse() string {
	return sd.GetDefault(KeyMechResponse, "")
}
