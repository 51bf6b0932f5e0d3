package agent

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"MemeLoop-Agent/internal/actions"
	xerrors "MemeLoop-Agent/internal/errors"
	"MemeLoop-Agent/internal/kvstore"
	"MemeLoop-Agent/internal/safetx"
)

// StoreTokenSource 从键值存储读取代币快照。召唤与贡献动作结算时由
// 规划器写入，这里只读。
type StoreTokenSource struct {
	store kvstore.Store

	// 外部条件的静态配置。链上派生这些条件的能力由更丰富的实现
	// 提供，规则决策与测试场景用静态值足够。
	Collectable  *big.Int
	Burnable     *big.Int
	MagaLaunched bool
}

// NewStoreTokenSource 创建键值存储代币源。
func NewStoreTokenSource(store kvstore.Store) *StoreTokenSource {
	return &StoreTokenSource{store: store}
}

// Tokens 实现 TokenSource。
func (s *StoreTokenSource) Tokens(ctx context.Context) ([]actions.Token, error) {
	if s.store == nil {
		return nil, nil
	}
	values, err := s.store.Read(ctx, []string{kvstore.KeyTokens})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取代币列表失败")
	}
	raw, ok := values[kvstore.KeyTokens]
	if !ok || raw == "" {
		return nil, nil
	}
	var tokens []actions.Token
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "代币列表解析失败")
	}
	return tokens, nil
}

// Environment 实现 TokenSource。时间戳对齐到分钟：各副本本地时钟的
// 细微漂移不能体现在负载里，否则永远凑不齐字节级一致的多数。
func (s *StoreTokenSource) Environment(_ context.Context) (actions.Environment, error) {
	now := time.Now().Unix()
	return actions.Environment{
		Collectable:  s.Collectable,
		Burnable:     s.Burnable,
		MagaLaunched: s.MagaLaunched,
		Now:          now - now%60,
	}, nil
}

// EchoSettler 是开发模式的结算器：不真正上链，直接把负载里的多签
// 交易哈希当作最终哈希返回。
type EchoSettler struct{}

// Settle 实现 Settler。
func (EchoSettler) Settle(_ context.Context, payload string) (string, error) {
	if len(payload) < safetx.HashLength*2 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "结算负载长度异常")
	}
	return "0x" + payload[:safetx.HashLength*2], nil
}
