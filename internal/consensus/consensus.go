package consensus

import (
	"context"

	xerrors "MemeLoop-Agent/internal/errors"

	"github.com/google/uuid"
)

// 本包承载回合负载在副本间的收集与计票。通用的 BFT 引擎是外部协作方，
// 这里只实现窄接口：广播本副本的候选负载，等待多数一致或者判定失败。

// Status 表示一次负载提交的最终结果。
type Status string

const (
	// StatusAgreed 表示达到法定多数，负载已确定。
	StatusAgreed Status = "agreed"
	// StatusNoMajority 表示剩余未投票副本已不足以凑齐多数。
	StatusNoMajority Status = "no_majority"
	// StatusTimeout 表示在配置的时间窗口内未能完成收集。
	StatusTimeout Status = "timeout"
)

// Envelope 是副本间交换的负载信封。Seq 是发送方每次提交递增的序号，
// 接收方据此识别上一次回合访问残留的信封。
type Envelope struct {
	ID      string `json:"id"`
	Round   string `json:"round"`
	Replica string `json:"replica"`
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

// NewEnvelope 构造带唯一标识的负载信封。
func NewEnvelope(round, replica string, seq uint64, payload []byte) Envelope {
	return Envelope{
		ID:      uuid.NewString(),
		Round:   round,
		Replica: replica,
		Seq:     seq,
		Payload: payload,
	}
}

// Outcome 是 Propose 的返回值。只有 StatusAgreed 时 Payload 才有意义。
type Outcome struct {
	Status  Status
	Payload []byte
}

// Service 是回合状态机注入的共识能力。payload 为 nil 时表示本副本对该
// 回合不提交负载，只旁听其余副本的投票。
type Service interface {
	Propose(ctx context.Context, round string, payload []byte) (Outcome, error)
}

// Transport 在副本之间传递信封。实现方保证本副本广播的信封也会回送到
// 自己的 Deliveries 通道。
type Transport interface {
	Broadcast(ctx context.Context, env Envelope) error
	Deliveries() <-chan Envelope
	Close() error
}

const CodeBroadcast xerrors.Code = "CONSENSUS_BROADCAST_FAILED"

func init() {
	xerrors.Register(CodeBroadcast, xerrors.Attributes{
		Message:   "failed to broadcast payload",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// QualifiedMajority 返回 n 个副本下的法定多数阈值（严格超过 2/3）。
func QualifiedMajority(n int) int {
	if n <= 0 {
		return 1
	}
	return 2*n/3 + 1
}

// Tally 按回合统计逐字节一致的负载。
type Tally struct {
	total     int
	threshold int
	votes     map[string]string // replica -> payload
	seqs      map[string]uint64 // replica -> 已采纳信封的序号
	counts    map[string]int    // payload -> count
}

// NewTally 创建计票器。threshold 小于等于 0 时使用法定多数。
func NewTally(total, threshold int) *Tally {
	if threshold <= 0 {
		threshold = QualifiedMajority(total)
	}
	return &Tally{
		total:     total,
		threshold: threshold,
		votes:     make(map[string]string),
		seqs:      make(map[string]uint64),
		counts:    make(map[string]int),
	}
}

// Add 记录一个副本的投票。同一副本以序号更高的信封为准，旧序号的
// 残留信封不得顶掉新投票。返回是否被采纳。
func (t *Tally) Add(replica string, seq uint64, payload []byte) bool {
	if prev, ok := t.seqs[replica]; ok && seq <= prev {
		return false
	}
	if prev, ok := t.votes[replica]; ok {
		t.counts[prev]--
		if t.counts[prev] <= 0 {
			delete(t.counts, prev)
		}
	}
	key := string(payload)
	t.votes[replica] = key
	t.seqs[replica] = seq
	t.counts[key]++
	return true
}

// Agreed 返回达到阈值的负载。
func (t *Tally) Agreed() ([]byte, bool) {
	for payload, count := range t.counts {
		if count >= t.threshold {
			return []byte(payload), true
		}
	}
	return nil, false
}

// Impossible 判断剩余未投票副本是否已不足以凑齐多数。
func (t *Tally) Impossible() bool {
	remaining := t.total - len(t.votes)
	best := 0
	for _, count := range t.counts {
		if count > best {
			best = count
		}
	}
	return best+remaining < t.threshold
}

// Threshold 返回当前阈值，供日志与状态接口使用。
func (t *Tally) Threshold() int {
	return t.threshold
}

// Votes 返回已收到的投票数。
func (t *Tally) Votes() int {
	return len(t.votes)
}
