package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"MemeLoop-Agent/internal/chain"
	xerrors "MemeLoop-Agent/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Minimal ABI fragments for the contracts the agent talks to. Only the
// callables reachable from the handler registry are declared.
const (
	safeABI = `[
		{"name":"nonce","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"getTransactionHash","type":"function","stateMutability":"view","inputs":[
			{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},
			{"name":"operation","type":"uint8"},{"name":"safeTxGas","type":"uint256"},{"name":"baseGas","type":"uint256"},
			{"name":"gasPrice","type":"uint256"},{"name":"gasToken","type":"address"},{"name":"refundReceiver","type":"address"},
			{"name":"_nonce","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]}
	]`

	factoryABI = `[
		{"name":"summonThisMeme","type":"function","stateMutability":"payable","inputs":[
			{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"totalSupply","type":"uint256"}],"outputs":[]},
		{"name":"heartThisMeme","type":"function","stateMutability":"payable","inputs":[{"name":"memeNonce","type":"uint256"}],"outputs":[]},
		{"name":"unleashThisMeme","type":"function","stateMutability":"nonpayable","inputs":[{"name":"memeNonce","type":"uint256"}],"outputs":[]},
		{"name":"collectThisMeme","type":"function","stateMutability":"nonpayable","inputs":[{"name":"memeToken","type":"address"}],"outputs":[]},
		{"name":"purgeThisMeme","type":"function","stateMutability":"nonpayable","inputs":[{"name":"memeToken","type":"address"}],"outputs":[]},
		{"name":"scheduleForAscendance","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]}
	]`

	stakingABI = `[
		{"name":"livenessPeriod","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"tsCheckpoint","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"getNextRewardCheckpointTimestamp","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"getStakingState","type":"function","stateMutability":"view","inputs":[{"name":"serviceId","type":"uint256"}],"outputs":[{"name":"","type":"uint8"}]},
		{"name":"checkpoint","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]}
	]`

	activityABI = `[
		{"name":"livenessRatio","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"mapRequestCounts","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`
)

// Config describes how to construct an EVM compatible caller.
type Config struct {
	Name   string
	RPCURL string
}

type handler func(ctx context.Context, c *Client, req chain.Request) (chain.Performative, map[string]any, error)

// Client implements chain.Caller against an EVM endpoint. Callables are
// resolved through a fixed registry so an unknown name fails at the edge
// instead of dispatching dynamically.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   bind
	handlers  map[string]handler
	abis      map[string]abi.ABI
	mu        sync.Mutex
}

// bind mirrors the subset of ethclient used by the handlers so tests can
// substitute a fake backend.
type bind interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// NewClient dials the configured RPC endpoint and returns a ready caller.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	return newClient(cfg.Name, rpcClient, eth, eth)
}

// NewClientWithBackend wires an arbitrary call backend, used in tests.
func NewClientWithBackend(name string, backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}) (*Client, error) {
	return newClient(name, nil, nil, backend)
}

func newClient(name string, rpcClient *gethrpc.Client, eth *ethclient.Client, backend bind) (*Client, error) {
	abis := make(map[string]abi.ABI, 4)
	for contract, raw := range map[string]string{
		"safe":     safeABI,
		"factory":  factoryABI,
		"staking":  stakingABI,
		"activity": activityABI,
	} {
		parsed, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("解析 %s ABI 失败: %w", contract, err)
		}
		abis[contract] = parsed
	}

	c := &Client{
		name:      name,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   backend,
		abis:      abis,
	}
	c.handlers = map[string]handler{
		"get_safe_nonce":                handleSafeNonce,
		"get_raw_safe_transaction_hash": handleSafeTxHash,
		"liveness_period":               readUint("staking", "livenessPeriod", "liveness_period"),
		"ts_checkpoint":                 readUint("staking", "tsCheckpoint", "ts_checkpoint"),
		"next_checkpoint_ts":            readUint("staking", "getNextRewardCheckpointTimestamp", "next_checkpoint_ts"),
		"staking_state":                 handleStakingState,
		"liveness_ratio":                readUint("activity", "livenessRatio", "liveness_ratio"),
		"mech_request_count":            handleMechRequestCount,
		"build_summon_tx":               packTx("factory", "summonThisMeme", "name", "ticker", "supply"),
		"build_heart_tx":                packTx("factory", "heartThisMeme", "token_nonce"),
		"build_unleash_tx":              packTx("factory", "unleashThisMeme", "token_nonce"),
		"build_collect_tx":              packTx("factory", "collectThisMeme", "token_address"),
		"build_purge_tx":                packTx("factory", "purgeThisMeme", "token_address"),
		"build_burn_tx":                 packTx("factory", "scheduleForAscendance"),
		"build_checkpoint_tx":           packTx("staking", "checkpoint"),
	}
	return c, nil
}

// Close releases the underlying network connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Call resolves the requested callable through the handler registry.
func (c *Client) Call(ctx context.Context, req chain.Request) (chain.Response, error) {
	if c == nil || c.backend == nil {
		return chain.Response{}, xerrors.New(xerrors.CodeUninitialized, "链客户端未初始化")
	}
	h, ok := c.handlers[req.Callable]
	if !ok {
		return chain.Response{}, xerrors.New(xerrors.CodeInvalidArgument, "未注册的合约调用: "+req.Callable)
	}
	performative, body, err := h(ctx, c, req)
	if err != nil {
		return chain.Response{Performative: chain.ErrorResponse, Body: map[string]any{"error": err.Error()}}, err
	}
	return chain.Response{Performative: performative, Body: body}, nil
}

// BalanceAt reads the native balance of the given address.
func (c *Client) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, xerrors.New(xerrors.CodeUninitialized, "链客户端未初始化")
	}
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法地址: "+address)
	}
	balance, err := c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, xerrors.Wrap(chain.CodeContractCall, err, "查询余额失败")
	}
	return balance, nil
}

func (c *Client) callView(ctx context.Context, contract, method, address string, args ...any) ([]any, error) {
	a := c.abis[contract]
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用参数失败")
	}
	to := common.HexToAddress(address)
	output, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(chain.CodeContractCall, err, method+" 调用失败")
	}
	values, err := a.Unpack(method, output)
	if err != nil {
		return nil, xerrors.Wrap(chain.CodeBadResponse, err, method+" 返回值解析失败")
	}
	return values, nil
}

func handleSafeNonce(ctx context.Context, c *Client, req chain.Request) (chain.Performative, map[string]any, error) {
	values, err := c.callView(ctx, "safe", "nonce", req.ContractAddress)
	if err != nil {
		return chain.ErrorResponse, nil, err
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return chain.ErrorResponse, nil, xerrors.New(chain.CodeBadResponse, "nonce 类型异常")
	}
	return chain.State, map[string]any{"nonce": nonce}, nil
}

func handleSafeTxHash(ctx context.Context, c *Client, req chain.Request) (chain.Performative, map[string]any, error) {
	to, err := kwargAddress(req, "to_address")
	if err != nil {
		return chain.ErrorResponse, nil, err
	}
	value, err := kwargBig(req, "value")
	if err != nil {
		return chain.ErrorResponse, nil, err
	}
	data, err := kwargBytes(req, "data")
	if err != nil {
		return chain.ErrorResponse, nil, err
	}
	safeTxGas, err := kwargBig(req, "safe_tx_gas")
	if err != nil {
		return chain.ErrorResponse, nil, err
	}

	nonceValues, err := c.callView(ctx, "safe", "nonce", req.ContractAddress)
	if err != nil {
		return chain.ErrorResponse, nil, err
	}
	nonce, ok := nonceValues[0].(*big.Int)
	if !ok {
		return chain.ErrorResponse, nil, xerrors.New(chain.CodeBadResponse, "nonce 类型异常")
	}

	values, err := c.callView(ctx, "safe", "getTransactionHash", req.ContractAddress,
		to, value, data, uint8(0), safeTxGas,
		big.NewInt(0), big.NewInt(0), common.Address{}, common.Address{}, nonce)
	if err != nil {
		return chain.ErrorResponse, nil, err
	}
	hash, ok := values[0].([32]byte)
	if !ok {
		return chain.ErrorResponse, nil, xerrors.New(chain.CodeBadResponse, "交易哈希类型异常")
	}
	return chain.State, map[string]any{"tx_hash": hexutil.Encode(hash[:])}, nil
}

func handleStakingState(ctx context.Context, c *Client, req chain.Request) (chain.Performative, map[string]any, error) {
	serviceID, err := kwargBig(req, "service_id")
	if err != nil {
		return chain.ErrorResponse, nil, err
	}
	values, err := c.callView(ctx, "staking", "getStakingState", req.ContractAddress, serviceID)
	if err != nil {
		return chain.ErrorResponse, nil, err
	}
	state, ok := values[0].(uint8)
	if !ok {
		return chain.ErrorResponse, nil, xerrors.New(chain.CodeBadResponse, "质押状态类型异常")
	}
	return chain.State, map[string]any{"staking_state": state}, nil
}

func handleMechRequestCount(ctx context.Context, c *Client, req chain.Request) (chain.Performative, map[string]any, error) {
	account, err := kwargAddress(req, "address")
	if err != nil {
		return chain.ErrorResponse, nil, err
	}
	values, err := c.callView(ctx, "activity", "mapRequestCounts", req.ContractAddress, account)
	if err != nil {
		return chain.ErrorResponse, nil, err
	}
	count, ok := values[0].(*big.Int)
	if !ok {
		return chain.ErrorResponse, nil, xerrors.New(chain.CodeBadResponse, "请求计数类型异常")
	}
	return chain.State, map[string]any{"request_count": count}, nil
}

// readUint builds a handler for zero-argument uint256 views.
func readUint(contract, method, key string) handler {
	return func(ctx context.Context, c *Client, req chain.Request) (chain.Performative, map[string]any, error) {
		values, err := c.callView(ctx, contract, method, req.ContractAddress)
		if err != nil {
			return chain.ErrorResponse, nil, err
		}
		value, ok := values[0].(*big.Int)
		if !ok {
			return chain.ErrorResponse, nil, xerrors.New(chain.CodeBadResponse, method+" 返回值类型异常")
		}
		return chain.State, map[string]any{key: value}, nil
	}
}

// packTx builds a handler that encodes call data without touching the chain.
func packTx(contract, method string, kwargNames ...string) handler {
	return func(_ context.Context, c *Client, req chain.Request) (chain.Performative, map[string]any, error) {
		args := make([]any, 0, len(kwargNames))
		for _, name := range kwargNames {
			arg, err := packArg(req, name)
			if err != nil {
				return chain.ErrorResponse, nil, err
			}
			args = append(args, arg)
		}
		data, err := c.abis[contract].Pack(method, args...)
		if err != nil {
			return chain.ErrorResponse, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, method+" 编码失败")
		}
		return chain.RawTransaction, map[string]any{"data": hexutil.Encode(data)}, nil
	}
}

func packArg(req chain.Request, name string) (any, error) {
	switch name {
	case "name", "ticker":
		return kwargString(req, name)
	case "supply", "token_nonce":
		return kwargBig(req, name)
	case "token_address":
		return kwargAddress(req, name)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知参数: "+name)
	}
}

func kwargString(req chain.Request, name string) (string, error) {
	raw, ok := req.Kwargs[name]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少参数: "+name)
	}
	value, ok := raw.(string)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "参数类型错误: "+name)
	}
	return value, nil
}

func kwargAddress(req chain.Request, name string) (common.Address, error) {
	value, err := kwargString(req, name)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "非法地址参数: "+name)
	}
	return common.HexToAddress(value), nil
}

func kwargBig(req chain.Request, name string) (*big.Int, error) {
	raw, ok := req.Kwargs[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少参数: "+name)
	}
	switch v := raw.(type) {
	case *big.Int:
		return v, nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case string:
		base := 10
		if strings.HasPrefix(v, "0x") {
			v, base = v[2:], 16
		}
		value, ok := new(big.Int).SetString(v, base)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "数值参数解析失败: "+name)
		}
		return value, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数类型错误: "+name)
	}
}

func kwargBytes(req chain.Request, name string) ([]byte, error) {
	raw, ok := req.Kwargs[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少参数: "+name)
	}
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		decoded, err := hexutil.Decode(v)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "字节参数解析失败: "+name)
		}
		return decoded, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数类型错误: "+name)
	}
}
