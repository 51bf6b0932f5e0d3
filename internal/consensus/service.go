package consensus

import (
	"context"
	"log/slog"
	"time"

	xerrors "MemeLoop-Agent/internal/errors"
	"MemeLoop-Agent/pkg/logger"
)

// QuorumService 基于 Transport 收集信封并计票，实现 Service。
type QuorumService struct {
	transport Transport
	replica   string
	total     int
	threshold int
	timeout   time.Duration
	logger    *slog.Logger

	// 提交序号。状态机严格串行调用 Propose，无需加锁。
	seq uint64
}

// QuorumOption 定义可选配置。
type QuorumOption func(*QuorumService)

// WithThreshold 覆盖默认的法定多数阈值。
func WithThreshold(threshold int) QuorumOption {
	return func(s *QuorumService) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

// WithCollectTimeout 设置单回合的收集时间窗口。
func WithCollectTimeout(timeout time.Duration) QuorumOption {
	return func(s *QuorumService) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewQuorumService 构造多副本共识服务。
func NewQuorumService(transport Transport, replica string, total int, opts ...QuorumOption) *QuorumService {
	s := &QuorumService{
		transport: transport,
		replica:   replica,
		total:     total,
		threshold: QualifiedMajority(total),
		timeout:   30 * time.Second,
		logger:    logger.Named("consensus"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Propose 广播本副本负载并等待该回合出现逐字节一致的多数。
// payload 为 nil 时只旁听，不投票。
func (s *QuorumService) Propose(ctx context.Context, round string, payload []byte) (Outcome, error) {
	if s == nil || s.transport == nil {
		return Outcome{}, xerrors.New(xerrors.CodeUninitialized, "共识服务未初始化")
	}

	s.seq++
	attempt := s.seq

	tally := NewTally(s.total, s.threshold)
	if payload != nil {
		if err := s.transport.Broadcast(ctx, NewEnvelope(round, s.replica, attempt, payload)); err != nil {
			return Outcome{}, xerrors.Wrap(CodeBroadcast, err, "广播回合负载失败")
		}
	}

	collectCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for {
		select {
		case <-collectCtx.Done():
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			s.logger.Warn("回合收集超时",
				slog.String("round", round),
				slog.Int("votes", tally.Votes()),
				slog.Int("threshold", tally.Threshold()),
			)
			return Outcome{Status: StatusTimeout}, nil
		case env, ok := <-s.transport.Deliveries():
			if !ok {
				return Outcome{}, xerrors.New(CodeBroadcast, "共识传输通道已关闭")
			}
			if env.Round != round || env.Seq < attempt {
				// 过期回合或上一次提交残留的信封，直接丢弃。序号早于
				// 本次提交的投票属于该回合的上一次访问。
				continue
			}
			tally.Add(env.Replica, env.Seq, env.Payload)
			if agreed, ok := tally.Agreed(); ok {
				return Outcome{Status: StatusAgreed, Payload: agreed}, nil
			}
			if tally.Impossible() {
				s.logger.Warn("回合无法达成多数",
					slog.String("round", round),
					slog.Int("votes", tally.Votes()),
					slog.Int("threshold", tally.Threshold()),
				)
				return Outcome{Status: StatusNoMajority}, nil
			}
		}
	}
}

// LocalService 是单副本实现：自己的负载立即视为达成一致。
// 用于开发模式与测试。
type LocalService struct{}

// NewLocalService 创建单副本共识服务。
func NewLocalService() *LocalService {
	return &LocalService{}
}

// Propose 实现 Service。
func (s *LocalService) Propose(ctx context.Context, _ string, payload []byte) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if payload == nil {
		// 单副本下不投票等价于超时重入。
		return Outcome{Status: StatusTimeout}, nil
	}
	return Outcome{Status: StatusAgreed, Payload: payload}, nil
}
