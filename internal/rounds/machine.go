package rounds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"MemeLoop-Agent/internal/consensus"
	xerrors "MemeLoop-Agent/internal/errors"
	"MemeLoop-Agent/pkg/logger"
)

// Act 是回合的本地行为：基于当前复制状态计算候选负载。返回错误时本副本
// 对该回合不提交负载，只旁听其余副本投票。
type Act func(ctx context.Context, sd *SynchronizedData) ([]byte, error)

// Apply 在负载达成一致后执行：产出对复制状态的写入与驱动事件。
// 返回错误表示回合不变量被破坏，周期会被重置。
type Apply func(sd *SynchronizedData, payload []byte) (map[string]string, Event, error)

// Spec 描述一个回合：负载如何产生、敲定后如何应用。
type Spec struct {
	ID      RoundID
	Act     Act
	Apply   Apply
	Timeout time.Duration
}

// FinalizeHook 在回合敲定后被调用，用于落账与指标。
type FinalizeHook func(round RoundID, event Event, payloadDigest string)

const (
	CodeNoTransition xerrors.Code = "NO_TRANSITION"
	CodeRoundFatal   xerrors.Code = "ROUND_FATAL"
)

func init() {
	xerrors.Register(CodeNoTransition, xerrors.Attributes{
		Message:   "no transition registered for event",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRoundFatal, xerrors.Attributes{
		Message:   "round invariant violated",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Machine 是严格串行的回合状态机：一个回合敲定之前不会进入下一个回合，
// 复制状态只在敲定时刻被替换。
type Machine struct {
	specs       map[RoundID]*Spec
	transitions map[RoundID]map[Event]RoundID
	service     consensus.Service
	initial     RoundID

	mu      sync.RWMutex
	current RoundID
	sd      *SynchronizedData

	hooks        []FinalizeHook
	retryBackoff time.Duration
	logger       *slog.Logger
}

// MachineOption 定义可选配置。
type MachineOption func(*Machine)

// WithFinalizeHook 注册回合敲定后的回调。
func WithFinalizeHook(hook FinalizeHook) MachineOption {
	return func(m *Machine) {
		if hook != nil {
			m.hooks = append(m.hooks, hook)
		}
	}
}

// WithRetryBackoff 设置失败自环之间的等待时间，0 表示不等待。
func WithRetryBackoff(backoff time.Duration) MachineOption {
	return func(m *Machine) {
		if backoff >= 0 {
			m.retryBackoff = backoff
		}
	}
}

// NewMachine 构造状态机。specs 与 transitions 必须覆盖同一组回合。
func NewMachine(
	service consensus.Service,
	initial RoundID,
	sd *SynchronizedData,
	specs []*Spec,
	transitions map[RoundID]map[Event]RoundID,
	opts ...MachineOption,
) (*Machine, error) {
	if service == nil {
		return nil, xerrors.New(xerrors.CodeUninitialized, "未配置共识服务")
	}
	if sd == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少初始复制状态")
	}
	index := make(map[RoundID]*Spec, len(specs))
	for _, spec := range specs {
		if spec == nil || !KnownRound(spec.ID) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法回合定义")
		}
		index[spec.ID] = spec
	}
	if _, ok := index[initial]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "初始回合未定义: "+string(initial))
	}
	for from, edges := range transitions {
		if _, ok := index[from]; !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "转移表引用未定义回合: "+string(from))
		}
		for _, to := range edges {
			if _, ok := index[to]; !ok {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "转移表指向未定义回合: "+string(to))
			}
		}
	}

	m := &Machine{
		specs:        index,
		transitions:  transitions,
		service:      service,
		initial:      initial,
		current:      initial,
		sd:           sd,
		retryBackoff: time.Second,
		logger:       logger.Named("rounds"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Current 返回当前回合，供状态接口读取。
func (m *Machine) Current() RoundID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot 返回当前复制状态快照。
func (m *Machine) Snapshot() *SynchronizedData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sd
}

// Step 执行一个完整回合：行为计算、负载提交、敲定应用与状态迁移。
func (m *Machine) Step(ctx context.Context) (Event, error) {
	round := m.Current()
	spec := m.specs[round]

	stepCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	payload, err := spec.Act(stepCtx, m.Snapshot())
	if err != nil {
		// 本地计算失败：不提交负载，旁听其余副本，让共识继续或超时。
		m.logger.Warn("回合行为计算失败",
			slog.String("round", string(round)),
			slog.Any("error", err),
			slog.Bool("retryable", xerrors.Retryable(err)),
		)
		payload = nil
	}

	outcome, err := m.service.Propose(stepCtx, string(round), payload)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.logger.Warn("负载提交失败", slog.String("round", string(round)), slog.Any("error", err))
		outcome = consensus.Outcome{Status: consensus.StatusTimeout}
	}

	var event Event
	var writes map[string]string
	switch outcome.Status {
	case consensus.StatusAgreed:
		writes, event, err = spec.Apply(m.Snapshot(), outcome.Payload)
		if err != nil {
			// 已达成一致的负载违反回合不变量，属于编程不变量被破坏。
			m.logger.Error("回合不变量被破坏",
				slog.String("round", string(round)),
				slog.Any("error", err),
			)
			writes, event = nil, EventFatal
		}
	case consensus.StatusNoMajority:
		event = EventNoMajority
	default:
		event = EventRoundTimeout
	}

	next, err := m.nextRound(round, event)
	if err != nil {
		return event, err
	}

	m.mu.Lock()
	if len(writes) > 0 {
		m.sd = m.sd.Apply(writes)
	}
	m.current = next
	m.mu.Unlock()

	digest := payloadDigest(outcome.Payload)
	for _, hook := range m.hooks {
		hook(round, event, digest)
	}
	m.logger.Info("回合敲定",
		slog.String("round", string(round)),
		slog.String("event", string(event)),
		slog.String("next", string(next)),
	)
	return event, nil
}

// Run 持续执行回合直到上下文取消。超时与不成多数的自环之间等待一段
// 退避时间，共识持续失败时不空转。
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, err := m.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if m.retryBackoff > 0 && (event == EventRoundTimeout || event == EventNoMajority) {
			timer := time.NewTimer(m.retryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (m *Machine) nextRound(round RoundID, event Event) (RoundID, error) {
	if edges, ok := m.transitions[round]; ok {
		if next, ok := edges[event]; ok {
			return next, nil
		}
	}
	if event == EventFatal {
		// 不变量被破坏时重置周期，从头开始。
		return m.initial, nil
	}
	return "", xerrors.New(CodeNoTransition, "",
		xerrors.WithMetadata("round", string(round)),
		xerrors.WithMetadata("event", string(event)))
}

func payloadDigest(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// DefaultTransitions 返回本核心的标准转移表。
func DefaultTransitions() map[RoundID]map[Event]RoundID {
	return map[RoundID]map[Event]RoundID{
		RoundCheckFunds: {
			EventDone:         RoundPullMemes,
			EventNoFunds:      RoundCheckFunds,
			EventNoMajority:   RoundCheckFunds,
			EventRoundTimeout: RoundCheckFunds,
		},
		RoundPullMemes: {
			EventDone:         RoundActionDecision,
			EventNoMajority:   RoundPullMemes,
			EventRoundTimeout: RoundPullMemes,
		},
		RoundActionDecision: {
			EventDone:         RoundActionPreparation,
			EventWait:         RoundCallCheckpoint,
			EventMech:         RoundMechRequest,
			EventNoMajority:   RoundActionDecision,
			EventRoundTimeout: RoundActionDecision,
		},
		RoundActionPreparation: {
			EventSettle:       RoundSettlement,
			EventWait:         RoundCallCheckpoint,
			EventNoMajority:   RoundActionPreparation,
			EventRoundTimeout: RoundActionPreparation,
		},
		RoundSettlement: {
			EventDone:             RoundPostTxDecision,
			EventSettlementFailed: RoundTransactionLoopCheck,
			EventNoMajority:       RoundSettlement,
			EventRoundTimeout:     RoundSettlement,
		},
		RoundPostTxDecision: {
			EventDone:         RoundCheckFunds,
			EventAction:       RoundCallCheckpoint,
			EventMech:         RoundMechResponse,
			EventNoMajority:   RoundPostTxDecision,
			EventRoundTimeout: RoundPostTxDecision,
		},
		RoundCallCheckpoint: {
			EventSettle:       RoundSettlement,
			EventDone:         RoundCheckFunds,
			EventMech:         RoundMechRequest,
			EventNoMajority:   RoundCallCheckpoint,
			EventRoundTimeout: RoundCallCheckpoint,
		},
		RoundMechRequest: {
			EventSettle:       RoundSettlement,
			EventWait:         RoundActionDecision,
			EventNoMajority:   RoundMechRequest,
			EventRoundTimeout: RoundMechRequest,
		},
		RoundMechResponse: {
			EventDone:         RoundActionDecision,
			EventNoMajority:   RoundMechResponse,
			EventRoundTimeout: RoundMechResponse,
		},
		RoundTransactionLoopCheck: {
			EventRetry:        RoundSettlement,
			EventNoMajority:   RoundTransactionLoopCheck,
			EventRoundTimeout: RoundTransactionLoopCheck,
		},
	}
}
