package journal

import (
	"context"
	"sync"
	"time"

	xerrors "MemeLoop-Agent/internal/errors"

	"github.com/google/uuid"
)

// 回合日志记录每一次敲定，供重启诊断与状态接口查询。日志是观测性
// 基础设施：写入失败不应阻塞状态机，由调用方决定如何降级。

// Record 描述一次已敲定的回合。
type Record struct {
	ID            string `json:"id"`
	Round         string `json:"round"`
	Event         string `json:"event"`
	PayloadDigest string `json:"payload_digest,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// Store 抽象回合日志的持久化接口。
type Store interface {
	Append(ctx context.Context, record *Record) error
	ListLatest(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}

// NewRecord 构造带唯一标识与时间戳的记录。
func NewRecord(round, event, payloadDigest string) *Record {
	return &Record{
		ID:            uuid.NewString(),
		Round:         round,
		Event:         event,
		PayloadDigest: payloadDigest,
		CreatedAt:     time.Now().Unix(),
	}
}

// MemoryStore 是内存实现，用于开发与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	cap     int
}

// NewMemoryStore 创建内存日志。cap 限制保留的记录条数，0 表示不限制。
func NewMemoryStore(cap int) *MemoryStore {
	return &MemoryStore{cap: cap}
}

// Append 实现 Store。
func (s *MemoryStore) Append(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if s.cap > 0 && len(s.records) > s.cap {
		s.records = s.records[len(s.records)-s.cap:]
	}
	return nil
}

// ListLatest 实现 Store，按时间倒序返回最近的记录。
func (s *MemoryStore) ListLatest(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	result := make([]*Record, 0, limit)
	for i := len(s.records) - 1; i >= len(s.records)-limit; i-- {
		clone := *s.records[i]
		result = append(result, &clone)
	}
	return result, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error {
	return nil
}
