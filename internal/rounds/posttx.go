package rounds

import (
	"strconv"

	xerrors "MemeLoop-Agent/internal/errors"
)

const CodeInvalidSubmitter xerrors.Code = "INVALID_TX_SUBMITTER"

func init() {
	xerrors.Register(CodeInvalidSubmitter, xerrors.Attributes{
		Message:   "unknown transaction submitter",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// RouteSubmitter 是交易结算后的纯路由：根据发起交易的回合决定状态机
// 恢复到哪个分支。未知的发起方是编程不变量被破坏，绝不静默兜底。
func RouteSubmitter(submitter RoundID) (Event, error) {
	switch submitter {
	case RoundCallCheckpoint:
		return EventDone, nil
	case RoundActionPreparation:
		return EventAction, nil
	case RoundMechRequest:
		return EventMech, nil
	default:
		return "", xerrors.New(CodeInvalidSubmitter, "未知的交易发起回合: "+string(submitter))
	}
}

// LoopCheckWrites 在结算失败时递增重试计数。计数本身不终止重试，
// 只是提供给外层编排的护栏信号。
func LoopCheckWrites(sd *SynchronizedData) map[string]string {
	return map[string]string{
		KeyTxLoopCount: strconv.Itoa(sd.TxLoopCount() + 1),
	}
}
