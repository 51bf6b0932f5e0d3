package safetx

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"MemeLoop-Agent/internal/chain"
	xerrors "MemeLoop-Agent/internal/errors"
)

type hashCaller struct {
	hash string
	last chain.Request
}

func (c *hashCaller) Call(_ context.Context, req chain.Request) (chain.Response, error) {
	c.last = req
	return chain.Response{
		Performative: chain.State,
		Body:         map[string]any{"tx_hash": c.hash},
	}, nil
}

func (c *hashCaller) BalanceAt(_ context.Context, _ string) (*big.Int, error) {
	return big.NewInt(0), nil
}

const validHash = "0x" + "ab" + "cd" +
	"000000000000000000000000000000000000000000000000000000000000"

func TestBuildHashEncodesPayload(t *testing.T) {
	caller := &hashCaller{hash: validHash}
	builder := NewBuilder(caller, "0x00000000000000000000000000000000000000aa", "base")

	data := []byte{0x01, 0x02, 0x03}
	payload, err := builder.BuildHash(context.Background(),
		"0x00000000000000000000000000000000000000BB", big.NewInt(7), data, big.NewInt(100000))
	if err != nil {
		t.Fatalf("build hash: %v", err)
	}

	wantLen := hashHexLen + 64 + 64 + 40 + len(data)*2
	if len(payload) != wantLen {
		t.Fatalf("unexpected payload length: expected %d, got %d", wantLen, len(payload))
	}
	if !strings.HasPrefix(payload, strings.TrimPrefix(validHash, "0x")) {
		t.Fatalf("payload must start with the normalized hash: %s", payload[:hashHexLen])
	}
	if strings.ContainsAny(payload, "ABCDEF") {
		t.Fatalf("payload must be lowercase hex")
	}
	if !strings.HasSuffix(payload, "010203") {
		t.Fatalf("payload must end with call data")
	}

	if c := caller.last.Callable; c != "get_raw_safe_transaction_hash" {
		t.Fatalf("unexpected callable: %s", c)
	}
}

func TestBuildHashRejectsMalformedHash(t *testing.T) {
	cases := []string{
		"0x1234",
		strings.Repeat("ab", HashLength) + "00",
		"0x" + strings.Repeat("zz", HashLength),
		"",
	}
	for _, hash := range cases {
		caller := &hashCaller{hash: hash}
		builder := NewBuilder(caller, "0x00000000000000000000000000000000000000aa", "base")
		_, err := builder.BuildHash(context.Background(),
			"0x00000000000000000000000000000000000000bb", nil, nil, nil)
		if err == nil {
			t.Fatalf("hash %q: expected rejection", hash)
		}
		if code := xerrors.CodeOf(err); code != CodeInvalidHash {
			t.Fatalf("hash %q: unexpected error code %s", hash, code)
		}
	}
}

func TestEncodePayloadFixedWidths(t *testing.T) {
	hash := strings.Repeat("00", HashLength)
	payload := EncodePayload(hash, big.NewInt(1), big.NewInt(2), "0xABCDEF0000000000000000000000000000000000", nil)

	value := payload[hashHexLen : hashHexLen+64]
	if value != strings.Repeat("0", 63)+"1" {
		t.Fatalf("value field not zero padded: %s", value)
	}
	gas := payload[hashHexLen+64 : hashHexLen+128]
	if gas != strings.Repeat("0", 63)+"2" {
		t.Fatalf("gas field not zero padded: %s", gas)
	}
	to := payload[hashHexLen+128:]
	if to != "abcdef0000000000000000000000000000000000" {
		t.Fatalf("to field not normalized: %s", to)
	}
}
