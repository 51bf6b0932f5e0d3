package chain

import (
	"context"
	"math/big"

	xerrors "MemeLoop-Agent/internal/errors"
)

// Performative identifies the intent of a contract interaction, mirroring the
// request/response contract exposed by the surrounding agent runtime.
type Performative string

const (
	// Request performatives.
	GetState          Performative = "get_state"
	GetRawTransaction Performative = "get_raw_transaction"

	// Response performatives. A response whose performative does not match
	// the expected success value must be treated as a failure.
	State          Performative = "state"
	RawTransaction Performative = "raw_transaction"
	ErrorResponse  Performative = "error"
)

// Request describes one contract read or call-data construction request.
type Request struct {
	Performative    Performative
	ContractID      string
	ContractAddress string
	Callable        string
	ChainID         string
	Kwargs          map[string]any
}

// Response carries the raw body returned by a contract interaction.
type Response struct {
	Performative Performative
	Body         map[string]any
}

// Caller is the narrow chain interface consumed by the round behaviours.
// Implementations resolve callables through a closed handler registry rather
// than dynamic name dispatch.
type Caller interface {
	Call(ctx context.Context, req Request) (Response, error)
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
}

const (
	CodeContractCall Code = "CONTRACT_CALL_FAILED"
	CodeBadResponse  Code = "CONTRACT_BAD_RESPONSE"
)

// Code aliases the shared error code type for package-local constants.
type Code = xerrors.Code

func init() {
	xerrors.Register(CodeContractCall, xerrors.Attributes{
		Message:   "contract call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeBadResponse, xerrors.Attributes{
		Message:   "contract returned unexpected performative",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// ExpectBody validates the response performative and extracts a body entry.
// 应答类型不匹配时按失败处理，绝不继续使用空数据。
func ExpectBody(resp Response, want Performative, key string) (any, error) {
	if resp.Performative != want {
		return nil, xerrors.New(CodeBadResponse, "",
			xerrors.WithMetadata("got", string(resp.Performative)),
			xerrors.WithMetadata("want", string(want)))
	}
	value, ok := resp.Body[key]
	if !ok {
		return nil, xerrors.New(CodeBadResponse, "响应缺少字段: "+key)
	}
	return value, nil
}
