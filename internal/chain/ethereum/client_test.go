package ethereum

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"MemeLoop-Agent/internal/chain"
	xerrors "MemeLoop-Agent/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// fakeBackend 回放固定的合约返回值并记录最后一次调用。
type fakeBackend struct {
	output  []byte
	balance *big.Int
	err     error
	lastMsg gethcore.CallMsg
}

func (f *fakeBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastMsg = msg
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func (f *fakeBackend) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.balance, nil
}

func uint256Word(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

const stakingAddr = "0x00000000000000000000000000000000000000AA"

func TestCallReadsUintView(t *testing.T) {
	backend := &fakeBackend{output: uint256Word(86400)}
	client, err := NewClientWithBackend("base", backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Call(context.Background(), chain.Request{
		Performative:    chain.GetState,
		Callable:        "liveness_period",
		ContractAddress: stakingAddr,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Performative != chain.State {
		t.Fatalf("unexpected performative: %s", resp.Performative)
	}
	period, ok := resp.Body["liveness_period"].(*big.Int)
	if !ok || period.Int64() != 86400 {
		t.Fatalf("unexpected liveness_period: %v", resp.Body["liveness_period"])
	}
	if backend.lastMsg.To == nil || backend.lastMsg.To.Hex() != common.HexToAddress(stakingAddr).Hex() {
		t.Fatalf("view call hit wrong contract: %v", backend.lastMsg.To)
	}
}

func TestCallPacksHeartTransaction(t *testing.T) {
	client, err := NewClientWithBackend("base", &fakeBackend{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Call(context.Background(), chain.Request{
		Performative:    chain.GetRawTransaction,
		Callable:        "build_heart_tx",
		ContractAddress: "0x00000000000000000000000000000000000000BB",
		Kwargs:          map[string]any{"token_nonce": big.NewInt(7)},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Performative != chain.RawTransaction {
		t.Fatalf("unexpected performative: %s", resp.Performative)
	}
	data, ok := resp.Body["data"].(string)
	if !ok {
		t.Fatalf("missing data in body: %v", resp.Body)
	}
	// 4 字节选择器加上一个 uint256 参数。
	if !strings.HasPrefix(data, "0x") || len(data) != 2+8+64 {
		t.Fatalf("unexpected calldata: %s", data)
	}
	if !strings.HasSuffix(data, "0000000000000000000000000000000000000000000000000000000000000007") {
		t.Fatalf("nonce not encoded in calldata: %s", data)
	}
}

func TestCallPacksCheckpointWithoutArgs(t *testing.T) {
	client, err := NewClientWithBackend("base", &fakeBackend{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Call(context.Background(), chain.Request{
		Performative:    chain.GetRawTransaction,
		Callable:        "build_checkpoint_tx",
		ContractAddress: stakingAddr,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	data, _ := resp.Body["data"].(string)
	if len(data) != 2+8 {
		t.Fatalf("expected selector-only calldata, got %s", data)
	}
}

func TestCallBuildsSafeTxHash(t *testing.T) {
	// nonce 与 getTransactionHash 两次视图调用共用同一个 32 字节回放。
	backend := &fakeBackend{output: uint256Word(5)}
	client, err := NewClientWithBackend("base", backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Call(context.Background(), chain.Request{
		Performative:    chain.GetState,
		Callable:        "get_raw_safe_transaction_hash",
		ContractAddress: stakingAddr,
		Kwargs: map[string]any{
			"to_address":  "0x00000000000000000000000000000000000000BB",
			"value":       big.NewInt(0),
			"data":        "0x0a0b",
			"safe_tx_gas": big.NewInt(0),
		},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Performative != chain.State {
		t.Fatalf("unexpected performative: %s", resp.Performative)
	}
	hash, ok := resp.Body["tx_hash"].(string)
	if !ok || len(hash) != 66 || !strings.HasSuffix(hash, "05") {
		t.Fatalf("unexpected tx hash: %v", resp.Body["tx_hash"])
	}
}

func TestCallRejectsUnknownCallable(t *testing.T) {
	client, err := NewClientWithBackend("base", &fakeBackend{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Call(context.Background(), chain.Request{Callable: "self_destruct"})
	if err == nil {
		t.Fatal("expected error for unregistered callable")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestCallReportsContractFailure(t *testing.T) {
	backend := &fakeBackend{err: context.DeadlineExceeded}
	client, err := NewClientWithBackend("base", backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Call(context.Background(), chain.Request{
		Performative:    chain.GetState,
		Callable:        "ts_checkpoint",
		ContractAddress: stakingAddr,
	})
	if err == nil {
		t.Fatal("expected error when backend fails")
	}
	if xerrors.CodeOf(err) != chain.CodeContractCall {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if resp.Performative != chain.ErrorResponse {
		t.Fatalf("unexpected performative: %s", resp.Performative)
	}
}

func TestStakingStateRequiresServiceID(t *testing.T) {
	client, err := NewClientWithBackend("base", &fakeBackend{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Call(context.Background(), chain.Request{
		Performative:    chain.GetState,
		Callable:        "staking_state",
		ContractAddress: stakingAddr,
	})
	if err == nil {
		t.Fatal("expected error without service_id")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestBalanceAt(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(42)}
	client, err := NewClientWithBackend("base", backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	balance, err := client.BalanceAt(context.Background(), "0x00000000000000000000000000000000000000CC")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 42 {
		t.Fatalf("unexpected balance: %s", balance)
	}

	if _, err := client.BalanceAt(context.Background(), "not-an-address"); err == nil {
		t.Fatal("expected error for malformed address")
	}
}
