package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"MemeLoop-Agent/internal/actions"
	"MemeLoop-Agent/internal/chain"
	"MemeLoop-Agent/internal/decide"
	xerrors "MemeLoop-Agent/internal/errors"
	"MemeLoop-Agent/internal/rounds"
	"MemeLoop-Agent/internal/staking"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// 各回合在副本间交换的负载。负载必须字节级一致才能计入多数，所以
// 所有字段都来自已复制状态或确定性计算，绝不携带本地时钟原始值。

type fundsPayload struct {
	Enough bool `json:"enough"`
}

type envSnapshot struct {
	Caller       string `json:"caller"`
	Collectable  string `json:"collectable,omitempty"`
	Burnable     string `json:"burnable,omitempty"`
	MagaLaunched bool   `json:"maga_launched,omitempty"`
	Now          int64  `json:"now"`
}

type decisionPayload struct {
	Proposal decide.Proposal `json:"proposal"`
	Env      envSnapshot     `json:"env"`
}

type txPayload struct {
	Tx   string `json:"tx,omitempty"`
	Wait bool   `json:"wait,omitempty"`

	// 仅 checkpoint 回合填写：随负载复制观测到的质押状态、最近
	// checkpoint 时间与 KPI 判定，敲定后写入复制状态。Compute 表示
	// KPI 未达标且应转入外部计算请求分支。
	StakingState string `json:"staking_state,omitempty"`
	TsCheckpoint int64  `json:"ts_checkpoint,omitempty"`
	KpiMet       string `json:"kpi_met,omitempty"`
	Compute      bool   `json:"compute,omitempty"`
}

type settlementPayload struct {
	TxHash string `json:"tx_hash,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

type postTxPayload struct {
	Submitter string `json:"submitter"`
}

type mechResponsePayload struct {
	Response string `json:"response"`
}

type loopPayload struct {
	Proceed bool `json:"proceed"`
}

// specs 返回全部回合定义。
func (a *Agent) specs() []*rounds.Spec {
	timeout := a.cfg.RoundTimeout
	return []*rounds.Spec{
		{ID: rounds.RoundCheckFunds, Act: a.actCheckFunds, Apply: applyCheckFunds, Timeout: timeout},
		{ID: rounds.RoundPullMemes, Act: a.actPullMemes, Apply: applyPullMemes, Timeout: timeout},
		{ID: rounds.RoundActionDecision, Act: a.actDecision, Apply: applyDecision, Timeout: timeout},
		{ID: rounds.RoundActionPreparation, Act: a.actPreparation, Apply: applyPreparation, Timeout: timeout},
		{ID: rounds.RoundSettlement, Act: a.actSettlement, Apply: applySettlement, Timeout: timeout},
		{ID: rounds.RoundPostTxDecision, Act: a.actPostTx, Apply: applyPostTx, Timeout: timeout},
		{ID: rounds.RoundCallCheckpoint, Act: a.actCheckpoint, Apply: applyCheckpoint, Timeout: timeout},
		{ID: rounds.RoundMechRequest, Act: a.actMechRequest, Apply: applyMechRequest, Timeout: timeout},
		{ID: rounds.RoundMechResponse, Act: a.actMechResponse, Apply: applyMechResponse, Timeout: timeout},
		{ID: rounds.RoundTransactionLoopCheck, Act: actLoopCheck, Apply: applyLoopCheck, Timeout: timeout},
	}
}

// actCheckFunds 查询智能体与多签的原生币余额并与下限比较。负载只携带
// 布尔结论：余额数值在查询瞬间因区块高度不同而在副本间漂移。查询失败
// 按资金不足处理，走 NO_FUNDS 重试而不是等待回合超时。
func (a *Agent) actCheckFunds(ctx context.Context, sd *rounds.SynchronizedData) ([]byte, error) {
	enough := true
	for _, address := range []string{sd.AgentAddress(), sd.SafeContractAddress()} {
		if address == "" {
			continue
		}
		balance, err := a.caller.BalanceAt(ctx, address)
		if err != nil {
			a.logger.Warn("余额查询失败",
				slog.String("address", address),
				slog.Any("error", err),
			)
			enough = false
			continue
		}
		if balance.Cmp(a.cfg.MinNativeBalance) < 0 {
			a.logger.Warn("余额不足",
				slog.String("address", address),
				slog.String("balance", balance.String()),
				slog.String("required", a.cfg.MinNativeBalance.String()),
			)
			enough = false
		}
	}
	return json.Marshal(fundsPayload{Enough: enough})
}

func applyCheckFunds(_ *rounds.SynchronizedData, payload []byte) (map[string]string, rounds.Event, error) {
	var funds fundsPayload
	if err := json.Unmarshal(payload, &funds); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "资金负载解析失败")
	}
	if !funds.Enough {
		return nil, rounds.EventNoFunds, nil
	}
	return nil, rounds.EventDone, nil
}

// actPullMemes 拉取当前代币列表。按 nonce 排序保证负载确定性。
func (a *Agent) actPullMemes(ctx context.Context, _ *rounds.SynchronizedData) ([]byte, error) {
	tokens, err := a.source.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Nonce < tokens[j].Nonce })
	return json.Marshal(tokens)
}

func applyPullMemes(_ *rounds.SynchronizedData, payload []byte) (map[string]string, rounds.Event, error) {
	var tokens []actions.Token
	if err := json.Unmarshal(payload, &tokens); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "代币列表解析失败")
	}
	return map[string]string{rounds.KeyMemeCoins: string(payload)}, rounds.EventDone, nil
}

// actDecision 基于代币快照询问决策器。外部条件随负载一起复制，
// 让敲定后的校验在所有副本上使用同一份输入。
func (a *Agent) actDecision(ctx context.Context, sd *rounds.SynchronizedData) ([]byte, error) {
	var tokens []actions.Token
	if raw := sd.MemeCoins(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "复制状态中的代币列表损坏")
		}
	}
	env, err := a.source.Environment(ctx)
	if err != nil {
		return nil, err
	}
	env.Caller = sd.SafeContractAddress()

	proposal, err := a.decider.Decide(ctx, tokens, env)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		proposal = &decide.Proposal{}
	}
	if proposal.NeedsCompute && a.mech == nil {
		a.logger.Warn("决策要求外部计算但未配置 mech，降级为等待")
		proposal = &decide.Proposal{Reason: "mech unavailable"}
	}

	snapshot := envSnapshot{
		Caller:       env.Caller,
		MagaLaunched: env.MagaLaunched,
		Now:          env.Now,
	}
	if env.Collectable != nil {
		snapshot.Collectable = env.Collectable.String()
	}
	if env.Burnable != nil {
		snapshot.Burnable = env.Burnable.String()
	}
	return json.Marshal(decisionPayload{Proposal: *proposal, Env: snapshot})
}

func applyDecision(sd *rounds.SynchronizedData, payload []byte) (map[string]string, rounds.Event, error) {
	var decision decisionPayload
	if err := json.Unmarshal(payload, &decision); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "决策负载解析失败")
	}
	if decision.Proposal.NeedsCompute {
		return nil, rounds.EventMech, nil
	}
	action := decision.Proposal.Action
	if action == nil {
		return nil, rounds.EventWait, nil
	}

	if err := validateAgainstAvailable(sd, action, decision.Env); err != nil {
		return nil, "", err
	}

	encoded, err := action.Encode()
	if err != nil {
		return nil, "", err
	}
	return map[string]string{rounds.KeyTokenAction: encoded}, rounds.EventDone, nil
}

// validateAgainstAvailable 校验已达成一致的动作确实在可用集合内。
// 不在集合内说明决策与规则实现脱节，按不变量被破坏处理。
func validateAgainstAvailable(sd *rounds.SynchronizedData, action *actions.TokenAction, env envSnapshot) error {
	if action.Action == actions.ActionSummon {
		// 召唤不依赖已有代币，规划阶段校验必填字段。
		return nil
	}

	restored := actions.Environment{
		Caller:       env.Caller,
		MagaLaunched: env.MagaLaunched,
		Now:          env.Now,
	}
	if env.Collectable != "" {
		restored.Collectable = mustBig(env.Collectable)
	}
	if env.Burnable != "" {
		restored.Burnable = mustBig(env.Burnable)
	}

	var tokens []actions.Token
	if raw := sd.MemeCoins(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "复制状态中的代币列表损坏")
		}
	}

	if action.Action == actions.ActionBurn {
		if restored.MagaLaunched && restored.Burnable != nil && restored.Burnable.Sign() > 0 {
			return nil
		}
		return xerrors.New(actions.CodeActionUnavailable, "burn 条件不满足")
	}

	for _, token := range tokens {
		if !matchesToken(action, token) {
			continue
		}
		if actions.Allowed(action.Action, token, restored) {
			return nil
		}
		return xerrors.New(actions.CodeActionUnavailable,
			"动作不在可用集合内: "+string(action.Action))
	}
	return xerrors.New(actions.CodeActionUnavailable, "动作指向未知代币")
}

func matchesToken(action *actions.TokenAction, token actions.Token) bool {
	switch action.Action {
	case actions.ActionHeart, actions.ActionUnleash:
		return action.TokenNonce != nil && *action.TokenNonce == token.Nonce
	case actions.ActionCollect, actions.ActionPurge:
		return action.TokenAddress != "" && action.TokenAddress == token.Address
	default:
		return false
	}
}

// actPreparation 把动作翻译成多签交易负载。空负载表示动作当下无事
// 可做，周期转入 checkpoint 分支。
func (a *Agent) actPreparation(ctx context.Context, sd *rounds.SynchronizedData) ([]byte, error) {
	raw := sd.TokenAction()
	if raw == "" {
		return json.Marshal(txPayload{Wait: true})
	}
	action, err := actions.ParseTokenAction(raw)
	if err != nil {
		return nil, err
	}
	tx, err := a.planner.PlanTransaction(ctx, action, a.cfg.ChainID, "")
	if err != nil {
		return nil, err
	}
	if tx == "" {
		return json.Marshal(txPayload{Wait: true})
	}
	return json.Marshal(txPayload{Tx: tx})
}

func applyPreparation(_ *rounds.SynchronizedData, payload []byte) (map[string]string, rounds.Event, error) {
	var prep txPayload
	if err := json.Unmarshal(payload, &prep); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "准备负载解析失败")
	}
	if prep.Wait || prep.Tx == "" {
		return nil, rounds.EventWait, nil
	}
	writes := map[string]string{
		rounds.KeyMostVotedTx: prep.Tx,
		rounds.KeyTxSubmitter: string(rounds.RoundActionPreparation),
	}
	return writes, rounds.EventSettle, nil
}

// actSettlement 提交待结算负载。提交失败是领域结果而不是本地故障，
// 要随负载复制出去让所有副本一起进入重试分支。
func (a *Agent) actSettlement(ctx context.Context, sd *rounds.SynchronizedData) ([]byte, error) {
	tx := sd.MostVotedTx()
	if tx == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有待结算的交易")
	}
	txHash, err := a.settler.Settle(ctx, tx)
	if err != nil {
		a.logger.Warn("交易结算失败", slog.Any("error", err))
		return json.Marshal(settlementPayload{Failed: true})
	}
	return json.Marshal(settlementPayload{TxHash: txHash})
}

func applySettlement(_ *rounds.SynchronizedData, payload []byte) (map[string]string, rounds.Event, error) {
	var settled settlementPayload
	if err := json.Unmarshal(payload, &settled); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "结算负载解析失败")
	}
	if settled.Failed || settled.TxHash == "" {
		return nil, rounds.EventSettlementFailed, nil
	}
	return map[string]string{rounds.KeyFinalTxHash: settled.TxHash}, rounds.EventDone, nil
}

// actPostTx 在交易上链后做事后记账，然后把发起回合原样提交。路由
// 本身在 Apply 里完成，保证所有副本按同一份复制状态分流。
func (a *Agent) actPostTx(ctx context.Context, sd *rounds.SynchronizedData) ([]byte, error) {
	submitter := sd.TxSubmitter()

	switch submitter {
	case rounds.RoundActionPreparation:
		if raw := sd.TokenAction(); raw != "" {
			action, err := actions.ParseTokenAction(raw)
			if err != nil {
				return nil, err
			}
			if _, err := a.planner.PlanTransaction(ctx, action, a.cfg.ChainID, sd.FinalTxHash()); err != nil {
				return nil, err
			}
		}
	case rounds.RoundCallCheckpoint:
		if a.fetcher != nil {
			if err := a.fetcher.RecordCheckpoint(ctx, sd.AgentAddress(), time.Now().Unix()); err != nil {
				return nil, err
			}
		}
	}

	return json.Marshal(postTxPayload{Submitter: string(submitter)})
}

func applyPostTx(_ *rounds.SynchronizedData, payload []byte) (map[string]string, rounds.Event, error) {
	var post postTxPayload
	if err := json.Unmarshal(payload, &post); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "路由负载解析失败")
	}
	event, err := rounds.RouteSubmitter(rounds.RoundID(post.Submitter))
	if err != nil {
		return nil, "", err
	}
	writes := map[string]string{
		rounds.KeyMostVotedTx: "",
		rounds.KeyTxSubmitter: "",
	}
	return writes, event, nil
}

// actCheckpoint 评估质押 KPI 并在 checkpoint 到期时构造调用。未质押
// 或未到期时提交空负载，周期直接回到资金检查。
func (a *Agent) actCheckpoint(ctx context.Context, sd *rounds.SynchronizedData) ([]byte, error) {
	if a.fetcher == nil || !a.fetcher.Enabled() {
		return json.Marshal(txPayload{Wait: true})
	}

	snapshot, err := a.fetcher.Fetch(ctx, sd.AgentAddress())
	if err != nil {
		return nil, err
	}
	observed := txPayload{
		StakingState: string(snapshot.State),
		TsCheckpoint: snapshot.LastCheckpointTs,
	}
	if snapshot.State != rounds.StakingStaked {
		observed.Wait = true
		return json.Marshal(observed)
	}

	now := time.Now().Unix()
	var kpiShort bool
	if a.engine != nil {
		kpi, err := a.engine.ComputeKpi(snapshot, now)
		if err != nil {
			return nil, err
		}
		observed.KpiMet = strconv.FormatBool(kpi.Met)
		kpiShort = !kpi.Met
		a.logger.Info("质押 KPI",
			slog.Bool("met", kpi.Met),
			slog.Uint64("required", kpi.Required),
			slog.Uint64("observed", kpi.Observed),
		)
	}
	if !staking.CheckpointDue(snapshot.NextCheckpointTs, now) {
		// KPI 缺口只能靠新的请求计数弥补，配置了外部计算时转入
		// 请求分支而不是空等。
		if kpiShort && a.mech != nil {
			observed.Compute = true
			return json.Marshal(observed)
		}
		observed.Wait = true
		return json.Marshal(observed)
	}

	tx, err := a.buildCheckpointTx(ctx)
	if err != nil {
		return nil, err
	}
	observed.Tx = tx
	return json.Marshal(observed)
}

func (a *Agent) buildCheckpointTx(ctx context.Context) (string, error) {
	resp, err := a.caller.Call(ctx, chain.Request{
		Performative: chain.GetRawTransaction,
		ContractID:   "staking",
		Callable:     "build_checkpoint_tx",
		ChainID:      a.cfg.ChainID,
	})
	if err != nil {
		return "", xerrors.Wrap(chain.CodeContractCall, err, "构造 checkpoint 调用失败")
	}
	raw, err := chain.ExpectBody(resp, chain.RawTransaction, "data")
	if err != nil {
		return "", err
	}
	encoded, ok := raw.(string)
	if !ok {
		return "", xerrors.New(chain.CodeBadResponse, "checkpoint 调用数据类型异常")
	}
	data, err := hexutil.Decode(encoded)
	if err != nil {
		return "", xerrors.Wrap(chain.CodeBadResponse, err, "checkpoint 调用数据解码失败")
	}
	return a.builder.BuildHash(ctx, a.stakingAddress(), bigZero(), data, a.cfg.SafeTxGas)
}

func applyCheckpoint(_ *rounds.SynchronizedData, payload []byte) (map[string]string, rounds.Event, error) {
	var cp txPayload
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "checkpoint 负载解析失败")
	}
	writes := map[string]string{}
	if cp.StakingState != "" {
		writes[rounds.KeyStakingState] = cp.StakingState
	}
	if cp.TsCheckpoint > 0 {
		writes[rounds.KeyTsCheckpoint] = strconv.FormatInt(cp.TsCheckpoint, 10)
	}
	if cp.KpiMet != "" {
		writes[rounds.KeyKpiMet] = cp.KpiMet
	}
	if cp.Compute {
		return writes, rounds.EventMech, nil
	}
	if cp.Wait || cp.Tx == "" {
		return writes, rounds.EventDone, nil
	}
	writes[rounds.KeyMostVotedTx] = cp.Tx
	writes[rounds.KeyTxSubmitter] = string(rounds.RoundCallCheckpoint)
	return writes, rounds.EventSettle, nil
}

// actMechRequest 构造外部计算请求交易。
func (a *Agent) actMechRequest(ctx context.Context, _ *rounds.SynchronizedData) ([]byte, error) {
	if a.mech == nil {
		return json.Marshal(txPayload{Wait: true})
	}
	tx, err := a.mech.BuildRequestTx(ctx)
	if err != nil {
		return nil, err
	}
	if tx == "" {
		return json.Marshal(txPayload{Wait: true})
	}
	return json.Marshal(txPayload{Tx: tx})
}

func applyMechRequest(_ *rounds.SynchronizedData, payload []byte) (map[string]string, rounds.Event, error) {
	var req txPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求负载解析失败")
	}
	if req.Wait || req.Tx == "" {
		return nil, rounds.EventWait, nil
	}
	writes := map[string]string{
		rounds.KeyMostVotedTx: req.Tx,
		rounds.KeyTxSubmitter: string(rounds.RoundMechRequest),
	}
	return writes, rounds.EventSettle, nil
}

// actMechResponse 取回外部计算结果。
func (a *Agent) actMechResponse(ctx context.Context, _ *rounds.SynchronizedData) ([]byte, error) {
	if a.mech == nil {
		return nil, xerrors.New(xerrors.CodeUninitialized, "mech 未配置")
	}
	response, err := a.mech.Response(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(mechResponsePayload{Response: response})
}

func applyMechResponse(_ *rounds.SynchronizedData, payload []byte) (map[string]string, rounds.Event, error) {
	var resp mechResponsePayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "计算结果负载解析失败")
	}
	return map[string]string{rounds.KeyMechResponse: resp.Response}, rounds.EventDone, nil
}

// actLoopCheck 的负载只表达继续重试的共识，计数递增在 Apply 完成。
func actLoopCheck(_ context.Context, _ *rounds.SynchronizedData) ([]byte, error) {
	return json.Marshal(loopPayload{Proceed: true})
}

func applyLoopCheck(sd *rounds.SynchronizedData, payload []byte) (map[string]string, rounds.Event, error) {
	var loop loopPayload
	if err := json.Unmarshal(payload, &loop); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "重试负载解析失败")
	}
	return rounds.LoopCheckWrites(sd), rounds.EventRetry, nil
}
