package actions

import (
	"context"
	"log/slog"
	"math/big"

	"MemeLoop-Agent/internal/chain"
	xerrors "MemeLoop-Agent/internal/errors"
	"MemeLoop-Agent/internal/kvstore"
	"MemeLoop-Agent/internal/safetx"
	"MemeLoop-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// 动作到工厂合约调用的映射。新增动作必须同时补齐这里与参数组装，
// 编译期的穷尽性靠 planCall 的 switch 保证。
var callables = map[Action]string{
	ActionSummon:  "build_summon_tx",
	ActionHeart:   "build_heart_tx",
	ActionUnleash: "build_unleash_tx",
	ActionCollect: "build_collect_tx",
	ActionPurge:   "build_purge_tx",
	ActionBurn:    "build_burn_tx",
}

// Planner 把已达成一致的代币动作翻译为多签交易负载。
type Planner struct {
	caller         chain.Caller
	builder        *safetx.Builder
	store          kvstore.Store
	factoryAddress string
	safeTxGas      *big.Int
	logger         *slog.Logger
}

// NewPlanner 构造规划器。
func NewPlanner(caller chain.Caller, builder *safetx.Builder, store kvstore.Store, factoryAddress string, safeTxGas *big.Int) *Planner {
	if safeTxGas == nil {
		safeTxGas = big.NewInt(0)
	}
	return &Planner{
		caller:         caller,
		builder:        builder,
		store:          store,
		factoryAddress: factoryAddress,
		safeTxGas:      safeTxGas,
		logger:         logger.Named("planner"),
	}
}

// PlanTransaction 为动作构造结算负载。finalTxHash 非空说明动作已经
// 上链：只做事后记账并返回空负载，表示没有需要提交的交易。
func (p *Planner) PlanTransaction(ctx context.Context, action *TokenAction, chainID, finalTxHash string) (string, error) {
	if p == nil || p.caller == nil || p.builder == nil {
		return "", xerrors.New(xerrors.CodeUninitialized, "规划器未初始化")
	}
	if action == nil || !ValidAction(action.Action) {
		return "", xerrors.New(CodeActionInvalid, "")
	}

	if finalTxHash != "" {
		if err := p.recordSettled(ctx, action); err != nil {
			return "", err
		}
		return "", nil
	}

	kwargs, err := planCall(action)
	if err != nil {
		return "", err
	}

	resp, err := p.caller.Call(ctx, chain.Request{
		Performative:    chain.GetRawTransaction,
		ContractID:      "meme_factory",
		ContractAddress: p.factoryAddress,
		Callable:        callables[action.Action],
		ChainID:         chainID,
		Kwargs:          kwargs,
	})
	if err != nil {
		p.logger.Warn("构造调用数据失败",
			slog.String("action", string(action.Action)),
			slog.Any("error", err),
		)
		return "", xerrors.Wrap(chain.CodeContractCall, err, "构造调用数据失败")
	}
	raw, err := chain.ExpectBody(resp, chain.RawTransaction, "data")
	if err != nil {
		return "", err
	}
	encoded, ok := raw.(string)
	if !ok {
		return "", xerrors.New(chain.CodeBadResponse, "调用数据类型异常")
	}
	data, err := hexutil.Decode(encoded)
	if err != nil {
		return "", xerrors.Wrap(chain.CodeBadResponse, err, "调用数据解码失败")
	}

	return p.builder.BuildHash(ctx, p.factoryAddress, callValue(action), data, p.safeTxGas)
}

// recordSettled 在动作结算后更新持久化列表。
func (p *Planner) recordSettled(ctx context.Context, action *TokenAction) error {
	if p.store == nil {
		return nil
	}
	switch action.Action {
	case ActionSummon:
		token := Token{
			Name:   action.Name,
			Ticker: action.Ticker,
		}
		if action.TokenNonce != nil {
			token.Nonce = *action.TokenNonce
		}
		if err := kvstore.AppendJSONList(ctx, p.store, kvstore.KeyTokens, token); err != nil {
			return err
		}
		return p.recordHearted(ctx, action)
	case ActionHeart:
		return p.recordHearted(ctx, action)
	default:
		return nil
	}
}

func (p *Planner) recordHearted(ctx context.Context, action *TokenAction) error {
	if action.TokenNonce == nil {
		return nil
	}
	return kvstore.AppendJSONList(ctx, p.store, kvstore.KeyHeartedMemes, *action.TokenNonce)
}

// planCall 组装每个动作的调用参数，缺失的必填字段直接报错。
func planCall(action *TokenAction) (map[string]any, error) {
	switch action.Action {
	case ActionSummon:
		if action.Name == "" || action.Ticker == "" || action.Supply == nil {
			return nil, xerrors.New(CodeActionInvalid, "summon 缺少 name/ticker/supply")
		}
		return map[string]any{
			"name":   action.Name,
			"ticker": action.Ticker,
			"supply": action.Supply,
		}, nil
	case ActionHeart, ActionUnleash:
		if action.TokenNonce == nil {
			return nil, xerrors.New(CodeActionInvalid, string(action.Action)+" 缺少 token_nonce")
		}
		return map[string]any{"token_nonce": *action.TokenNonce}, nil
	case ActionCollect, ActionPurge:
		if action.TokenAddress == "" {
			return nil, xerrors.New(CodeActionInvalid, string(action.Action)+" 缺少 token_address")
		}
		return map[string]any{"token_address": action.TokenAddress}, nil
	case ActionBurn:
		return map[string]any{}, nil
	default:
		return nil, xerrors.New(CodeActionInvalid, "非法动作: "+string(action.Action))
	}
}

// callValue 返回随调用发送的原生币数量。只有 summon 与 heart 携带出资，
// 其余动作一律为零。
func callValue(action *TokenAction) *big.Int {
	switch action.Action {
	case ActionSummon, ActionHeart:
		if action.Amount != nil {
			return action.Amount
		}
		return big.NewInt(0)
	default:
		return big.NewInt(0)
	}
}
