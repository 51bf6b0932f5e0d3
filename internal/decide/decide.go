package decide

import (
	"context"
	"math/big"

	"MemeLoop-Agent/internal/actions"
)

// 动作决策的来源（大模型连接）是外部协作方，这里只定义窄接口，
// 并提供一个确定性的规则实现用于测试与单副本开发模式。

// Proposal 是决策回合的产出。Action 为 nil 且 NeedsCompute 为假时
// 表示本回合无事可做。
type Proposal struct {
	Action       *actions.TokenAction `json:"action,omitempty"`
	NeedsCompute bool                 `json:"needs_compute,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

// Decider 基于代币快照提出下一步动作。实现必须是确定性的：
// 相同输入在所有副本上产出相同提案，否则回合无法达成多数。
type Decider interface {
	Decide(ctx context.Context, tokens []actions.Token, env actions.Environment) (*Proposal, error)
}

// 规则实现的动作优先级。解锁与收取有时间窗口，优先于长期可做的动作。
var priority = []actions.Action{
	actions.ActionUnleash,
	actions.ActionCollect,
	actions.ActionPurge,
	actions.ActionHeart,
	actions.ActionBurn,
}

// RuleBased 按固定优先级挑选第一个可用动作。
type RuleBased struct {
	HeartAmount int64
}

// NewRuleBased 创建规则决策器。
func NewRuleBased(heartAmount int64) *RuleBased {
	return &RuleBased{HeartAmount: heartAmount}
}

// Decide 实现 Decider。
func (d *RuleBased) Decide(_ context.Context, tokens []actions.Token, env actions.Environment) (*Proposal, error) {
	for _, want := range priority {
		for _, token := range tokens {
			if !actions.Allowed(want, token, env) {
				continue
			}
			return &Proposal{Action: buildAction(want, token, d.HeartAmount), Reason: "rule"}, nil
		}
	}
	return &Proposal{Reason: "no action available"}, nil
}

func buildAction(action actions.Action, token actions.Token, heartAmount int64) *actions.TokenAction {
	result := &actions.TokenAction{Action: action}
	switch action {
	case actions.ActionHeart, actions.ActionUnleash:
		nonce := token.Nonce
		result.TokenNonce = &nonce
		if action == actions.ActionHeart && heartAmount > 0 {
			result.Amount = big.NewInt(heartAmount)
		}
	case actions.ActionCollect, actions.ActionPurge:
		result.TokenAddress = token.Address
	}
	return result
}
