package rounds

// Event 驱动回合状态机的状态迁移。事件要么来自已达成一致的负载
// （由 Apply 产生），要么由状态机把组件错误转换而来。
type Event string

const (
	// EventDone 表示回合正常完成。
	EventDone Event = "done"
	// EventNoFunds 表示资金门槛未满足，回合原地重试。
	EventNoFunds Event = "no_funds"
	// EventNoMajority 表示计票已证明无法达成多数，回合重新进入。
	EventNoMajority Event = "no_majority"
	// EventRoundTimeout 表示回合在时间窗口内未完成收集。
	EventRoundTimeout Event = "round_timeout"
	// EventSettle 表示已产出待结算的交易负载。
	EventSettle Event = "settle"
	// EventSettlementFailed 表示外部结算流程报告失败。
	EventSettlementFailed Event = "settlement_failed"
	// EventAction 表示结算完成的交易来自普通动作回合。
	EventAction Event = "action"
	// EventMech 表示结算完成的交易来自外部计算请求回合。
	EventMech Event = "mech"
	// EventWait 表示本回合没有可执行的内容，流转到下一阶段。
	EventWait Event = "wait"
	// EventRetry 表示环路检查同意再次尝试结算。
	EventRetry Event = "retry"
	// EventFatal 表示回合不变量被破坏，周期被重置。
	EventFatal Event = "fatal"
)

// RoundID 标识状态机中的一个回合。
type RoundID string

const (
	RoundCheckFunds           RoundID = "check_funds"
	RoundPullMemes            RoundID = "pull_memes"
	RoundActionDecision       RoundID = "action_decision"
	RoundActionPreparation    RoundID = "action_preparation"
	RoundSettlement           RoundID = "settlement"
	RoundPostTxDecision       RoundID = "post_tx_decision"
	RoundCallCheckpoint       RoundID = "call_checkpoint"
	RoundMechRequest          RoundID = "mech_request"
	RoundMechResponse         RoundID = "mech_response"
	RoundTransactionLoopCheck RoundID = "transaction_loop_check"
)

// KnownRound 判断回合标识是否合法。
func KnownRound(id RoundID) bool {
	switch id {
	case RoundCheckFunds, RoundPullMemes, RoundActionDecision, RoundActionPreparation,
		RoundSettlement, RoundPostTxDecision, RoundCallCheckpoint, RoundMechRequest,
		RoundMechResponse, RoundTransactionLoopCheck:
		return true
	default:
		return false
	}
}
