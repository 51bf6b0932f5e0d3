package actions

import (
	"encoding/json"
	"math/big"

	xerrors "MemeLoop-Agent/internal/errors"
)

// Action 枚举代币生命周期动作。
type Action string

const (
	ActionSummon  Action = "summon"
	ActionHeart   Action = "heart"
	ActionUnleash Action = "unleash"
	ActionCollect Action = "collect"
	ActionPurge   Action = "purge"
	ActionBurn    Action = "burn"
)

// 代币从召唤到可解锁、从解锁到可收取的窗口都是 24 小时。
const windowSeconds = 24 * 60 * 60

// nonce 1 的代币被保留，不参与 heart/unleash。
const reservedNonce = 1

const (
	CodeActionUnavailable xerrors.Code = "ACTION_UNAVAILABLE"
	CodeActionInvalid     xerrors.Code = "ACTION_INVALID"
)

func init() {
	xerrors.Register(CodeActionUnavailable, xerrors.Attributes{
		Message:   "agreed action not in available set",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeActionInvalid, xerrors.Attributes{
		Message:   "malformed token action",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// TokenAction 是决策回合产出、规划器消费的动作描述。
// Action 字段始终使用枚举比较，绝不与字符串字面量混用。
type TokenAction struct {
	Action       Action   `json:"action"`
	TokenNonce   *uint64  `json:"token_nonce,omitempty"`
	TokenAddress string   `json:"token_address,omitempty"`
	Amount       *big.Int `json:"amount,omitempty"`
	Name         string   `json:"name,omitempty"`
	Ticker       string   `json:"ticker,omitempty"`
	Supply       *big.Int `json:"supply,omitempty"`
	Tweet        string   `json:"tweet,omitempty"`
}

// ValidAction 判断动作枚举是否合法。
func ValidAction(action Action) bool {
	switch action {
	case ActionSummon, ActionHeart, ActionUnleash, ActionCollect, ActionPurge, ActionBurn:
		return true
	default:
		return false
	}
}

// Encode 序列化为确定性的 JSON。
func (t *TokenAction) Encode() (string, error) {
	if t == nil {
		return "", xerrors.New(CodeActionInvalid, "动作为空")
	}
	if !ValidAction(t.Action) {
		return "", xerrors.New(CodeActionInvalid, "非法动作: "+string(t.Action))
	}
	encoded, err := json.Marshal(t)
	if err != nil {
		return "", xerrors.Wrap(CodeActionInvalid, err, "动作序列化失败")
	}
	return string(encoded), nil
}

// ParseTokenAction 解析决策负载中的动作 JSON。
func ParseTokenAction(raw string) (*TokenAction, error) {
	if raw == "" {
		return nil, xerrors.New(CodeActionInvalid, "动作 JSON 为空")
	}
	var action TokenAction
	if err := json.Unmarshal([]byte(raw), &action); err != nil {
		return nil, xerrors.Wrap(CodeActionInvalid, err, "动作 JSON 解析失败")
	}
	if !ValidAction(action.Action) {
		return nil, xerrors.New(CodeActionInvalid, "非法动作: "+string(action.Action))
	}
	return &action, nil
}

// Token 是决策时刻的代币快照。
type Token struct {
	Nonce       uint64   `json:"nonce"`
	Address     string   `json:"address,omitempty"`
	Name        string   `json:"name,omitempty"`
	Ticker      string   `json:"ticker,omitempty"`
	SummonTime  int64    `json:"summon_time"`
	UnleashTime int64    `json:"unleash_time"`
	IsPurged    bool     `json:"is_purged"`
	Hearters    []string `json:"hearters,omitempty"`
}

// Unleashed 判断代币是否已解锁。
func (t Token) Unleashed() bool {
	return t.UnleashTime > 0
}

// Environment 是可用动作判定所需的外部条件。
type Environment struct {
	Caller       string
	Collectable  *big.Int
	Burnable     *big.Int
	MagaLaunched bool
	Now          int64
}

// AvailableActions 计算一个代币在当前时刻的可用动作集合。
// 计算是纯函数且幂等：同一快照重复调用得到相同结果。
func AvailableActions(token Token, env Environment) []Action {
	available := make([]Action, 0, 5)

	if !token.Unleashed() && token.Nonce != reservedNonce {
		available = append(available, ActionHeart)
		if env.Now-token.SummonTime >= windowSeconds {
			available = append(available, ActionUnleash)
		}
	}

	if token.Unleashed() {
		sinceUnleash := env.Now - token.UnleashTime
		if sinceUnleash < windowSeconds && isHearter(token, env.Caller) && positive(env.Collectable) {
			available = append(available, ActionCollect)
		}
		if sinceUnleash > windowSeconds && !token.IsPurged {
			available = append(available, ActionPurge)
		}
	}

	if env.MagaLaunched && positive(env.Burnable) {
		available = append(available, ActionBurn)
	}

	return available
}

// Allowed 判断某动作是否在该代币的可用集合内。
func Allowed(action Action, token Token, env Environment) bool {
	for _, candidate := range AvailableActions(token, env) {
		if candidate == action {
			return true
		}
	}
	return false
}

func isHearter(token Token, caller string) bool {
	for _, hearter := range token.Hearters {
		if hearter == caller {
			return true
		}
	}
	return false
}

func positive(value *big.Int) bool {
	return value != nil && value.Sign() > 0
}
