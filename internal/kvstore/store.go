package kvstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	xerrors "MemeLoop-Agent/internal/errors"
)

// 本包实现智能体的持久化键值接口。缺失的键返回时直接从结果中省略，
// 调用方不应将其视为错误。

// 本核心使用到的持久化键。
const (
	KeyTokens       = "tokens"
	KeyHeartedMemes = "hearted_memes"
	KeyCheckpointTs = "checkpoint_ts"
)

// Store 抽象持久化键值接口。
type Store interface {
	// Read 返回存在的键值，缺失的键不出现在结果中。
	Read(ctx context.Context, keys []string) (map[string]string, error)
	// Write 原子写入一批键值。
	Write(ctx context.Context, values map[string]string) error
	Close() error
}

// AppendJSONList 读取一个 JSON 列表键，追加一项后写回。
// 用于 tokens / hearted_memes 这类只增不减的列表。
func AppendJSONList(ctx context.Context, store Store, key string, item any) error {
	if store == nil {
		return xerrors.New(xerrors.CodeUninitialized, "未配置持久化存储")
	}
	values, err := store.Read(ctx, []string{key})
	if err != nil {
		return err
	}
	var list []json.RawMessage
	if raw, ok := values[key]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析列表键失败: "+key)
		}
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化列表项失败")
	}
	list = append(list, encoded)
	merged, err := json.Marshal(list)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化列表失败")
	}
	return store.Write(ctx, map[string]string{key: string(merged)})
}

// MemoryStore 是文件落盘的内存实现，用于开发与测试。
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	path   string
}

// NewMemoryStore 创建内存存储。dataDir 非空时内容会持久化到该目录。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	store := &MemoryStore{values: make(map[string]string)}
	if dataDir == "" {
		return store, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	store.path = filepath.Join(dataDir, "kvstore.json")
	content, err := os.ReadFile(store.path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取存储文件失败")
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &store.values); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析存储文件失败")
		}
	}
	return store, nil
}

// Read 实现 Store。
func (s *MemoryStore) Read(_ context.Context, keys []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := s.values[key]; ok {
			result[key] = value
		}
	}
	return result, nil
}

// Write 实现 Store。
func (s *MemoryStore) Write(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range values {
		s.values[key] = value
	}
	return s.flushLocked()
}

func (s *MemoryStore) flushLocked() error {
	if s.path == "" {
		return nil
	}
	content, err := json.Marshal(s.values)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化存储内容失败")
	}
	if err := os.WriteFile(s.path, content, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入存储文件失败")
	}
	return nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error {
	return nil
}
