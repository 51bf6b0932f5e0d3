package safetx

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"MemeLoop-Agent/internal/chain"
	xerrors "MemeLoop-Agent/internal/errors"
)

// 多签方案的交易哈希长度是固定常量，任何长度不符的返回值都按失败处理。
const (
	// HashLength 是 safe 交易哈希的字节数。
	HashLength = 32
	hashHexLen = HashLength * 2
)

const CodeInvalidHash xerrors.Code = "INVALID_SAFE_TX_HASH"

func init() {
	xerrors.Register(CodeInvalidHash, xerrors.Attributes{
		Message:   "malformed safe transaction hash",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Builder 负责确定性地构造并哈希多签交易负载。
type Builder struct {
	caller      chain.Caller
	safeAddress string
	chainID     string
}

// NewBuilder 构造 Builder。
func NewBuilder(caller chain.Caller, safeAddress, chainID string) *Builder {
	return &Builder{caller: caller, safeAddress: safeAddress, chainID: chainID}
}

// BuildHash 向多签合约请求原始交易哈希，校验后与调用参数一起编码为
// 结算流程使用的负载。哈希格式不符时返回 CodeInvalidHash，绝不带着
// 畸形哈希继续。
func (b *Builder) BuildHash(ctx context.Context, to string, value *big.Int, data []byte, safeTxGas *big.Int) (string, error) {
	if b == nil || b.caller == nil {
		return "", xerrors.New(xerrors.CodeUninitialized, "未配置链调用器")
	}
	if value == nil {
		value = big.NewInt(0)
	}
	if safeTxGas == nil {
		safeTxGas = big.NewInt(0)
	}

	resp, err := b.caller.Call(ctx, chain.Request{
		Performative:    chain.GetState,
		ContractID:      "gnosis_safe",
		ContractAddress: b.safeAddress,
		Callable:        "get_raw_safe_transaction_hash",
		ChainID:         b.chainID,
		Kwargs: map[string]any{
			"to_address":  to,
			"value":       value,
			"data":        data,
			"safe_tx_gas": safeTxGas,
		},
	})
	if err != nil {
		return "", xerrors.Wrap(chain.CodeContractCall, err, "请求交易哈希失败")
	}
	raw, err := chain.ExpectBody(resp, chain.State, "tx_hash")
	if err != nil {
		return "", err
	}
	hash, ok := raw.(string)
	if !ok {
		return "", xerrors.New(CodeInvalidHash, "交易哈希不是字符串")
	}

	normalized, err := normalizeHash(hash)
	if err != nil {
		return "", err
	}
	return EncodePayload(normalized, value, safeTxGas, to, data), nil
}

// normalizeHash 去除文本前缀并校验长度与字符集。
func normalizeHash(hash string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hash), "0x")
	if len(trimmed) != hashHexLen {
		return "", xerrors.New(CodeInvalidHash,
			fmt.Sprintf("交易哈希长度异常: 期望 %d 个十六进制字符，实际 %d", hashHexLen, len(trimmed)))
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", xerrors.Wrap(CodeInvalidHash, err, "交易哈希包含非法字符")
	}
	return strings.ToLower(trimmed), nil
}

// EncodePayload 把交易哈希与调用参数编码为结算流程的十六进制负载。
// 字段定宽拼接：hash(64) + value(64) + safeTxGas(64) + to(40) + data。
func EncodePayload(hash string, value, safeTxGas *big.Int, to string, data []byte) string {
	var sb strings.Builder
	sb.WriteString(hash)
	sb.WriteString(fmt.Sprintf("%064x", value))
	sb.WriteString(fmt.Sprintf("%064x", safeTxGas))
	sb.WriteString(strings.ToLower(strings.TrimPrefix(to, "0x")))
	sb.WriteString(hex.EncodeToString(data))
	return sb.String()
}
