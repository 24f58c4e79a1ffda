package exchange

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

func TestFloatToWire(t *testing.T) {
	cases := []struct {
		in  float64
		out string
	}{
		{in: 1.23, out: "1.23"},
		{in: 0, out: "0"},
		{in: math.Copysign(0, -1), out: "0"},
		{in: 106.05, out: "106.05"},
		{in: 65000, out: "65000"},
	}
	for _, tc := range cases {
		got, err := floatToWire(tc.in)
		if err != nil {
			t.Fatalf("unexpected error for %f: %v", tc.in, err)
		}
		if got != tc.out {
			t.Fatalf("expected %s, got %s", tc.out, got)
		}
	}
	if _, err := floatToWire(1.234567891); err == nil {
		t.Fatalf("expected rounding error")
	}
}

func TestLimitOrderWireRejectsZeroSize(t *testing.T) {
	if _, err := LimitOrderWire(0, true, 0, 100, false, TifAlo); err == nil {
		t.Fatalf("expected error for zero size")
	}
}

func TestEncodeOrderActionFieldOrder(t *testing.T) {
	order, err := LimitOrderWire(1, true, 2.5, 100.0, true, TifAlo)
	if err != nil {
		t.Fatalf("unexpected order wire error: %v", err)
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}}
	b1, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	b2, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected deterministic encoding")
	}

	dec := msgpack.NewDecoder(bytes.NewReader(b1))
	keys, err := dec.DecodeMapLen()
	if err != nil || keys != 3 {
		t.Fatalf("expected 3 top-level keys, got %d (%v)", keys, err)
	}
	if first, _ := dec.DecodeString(); first != "type" {
		t.Fatalf("expected type first, got %q", first)
	}

	var decoded map[string]any
	if err := msgpack.Unmarshal(b1, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["grouping"] != "na" {
		t.Fatalf("expected default grouping, got %v", decoded["grouping"])
	}
	orders, ok := decoded["orders"].([]any)
	if !ok || len(orders) != 1 {
		t.Fatalf("expected 1 order")
	}
	orderMap, ok := orders[0].(map[string]any)
	if !ok {
		t.Fatalf("expected order map")
	}
	if orderMap["p"] != "100" || orderMap["s"] != "2.5" || orderMap["r"] != true {
		t.Fatalf("unexpected order fields: %v", orderMap)
	}
	tif := orderMap["t"].(map[string]any)["limit"].(map[string]any)["tif"]
	if tif != "Alo" {
		t.Fatalf("expected Alo, got %v", tif)
	}
}

func TestEncodeCancelAndNoop(t *testing.T) {
	b, err := EncodeCancelAction(CancelAction{Type: "cancel", Cancels: []CancelWire{{Asset: 3, OrderID: 91490942}}})
	if err != nil {
		t.Fatalf("encode cancel: %v", err)
	}
	var cancel map[string]any
	if err := msgpack.Unmarshal(b, &cancel); err != nil {
		t.Fatalf("decode cancel: %v", err)
	}
	entry := cancel["cancels"].([]any)[0].(map[string]any)
	if toInt(entry["a"]) != 3 || toInt(entry["o"]) != 91490942 {
		t.Fatalf("unexpected cancel entry: %v", entry)
	}
	if _, err := EncodeCancelAction(CancelAction{Type: "cancel"}); err == nil {
		t.Fatalf("expected error for empty cancels")
	}

	noop, err := EncodeNoopAction(NoopAction{})
	if err != nil {
		t.Fatalf("encode noop: %v", err)
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(noop, &decoded); err != nil || decoded["type"] != "noop" {
		t.Fatalf("unexpected noop: %v (%v)", decoded, err)
	}
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	}
	return -1
}

func TestSignerRecover(t *testing.T) {
	signer, err := NewSigner("0x"+testKey, true)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	order, err := LimitOrderWire(1, true, 2.5, 100.0, false, TifIoc)
	if err != nil {
		t.Fatalf("order wire error: %v", err)
	}
	payload, err := EncodeOrderAction(OrderAction{Type: "order", Orders: []OrderWire{order}})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	nonce := uint64(1700000000000)
	vault := common.HexToAddress("0x1111111111111111111111111111111111111111")
	for _, v := range []*common.Address{nil, &vault} {
		sig, err := signer.SignL1(payload, nonce, v)
		if err != nil {
			t.Fatalf("sign error: %v", err)
		}
		digest, err := agentDigest(actionHash(payload, nonce, v), true)
		if err != nil {
			t.Fatalf("digest error: %v", err)
		}
		sigBytes, err := signatureBytes(sig)
		if err != nil {
			t.Fatalf("signature bytes error: %v", err)
		}
		pubKey, err := crypto.SigToPub(digest, sigBytes)
		if err != nil {
			t.Fatalf("recover error: %v", err)
		}
		if recovered := crypto.PubkeyToAddress(*pubKey); recovered != signer.Address() {
			t.Fatalf("expected %s, got %s", signer.Address().Hex(), recovered.Hex())
		}
	}
}

func TestActionHashDependsOnNetworkAndVault(t *testing.T) {
	payload := []byte{0x81}
	vault := common.HexToAddress("0x1111111111111111111111111111111111111111")
	if bytes.Equal(actionHash(payload, 1, nil), actionHash(payload, 1, &vault)) {
		t.Fatalf("expected vault to change action hash")
	}
	hash := actionHash(payload, 1, nil)
	mainnet, _ := agentDigest(hash, true)
	testnet, _ := agentDigest(hash, false)
	if bytes.Equal(mainnet, testnet) {
		t.Fatalf("expected network source to change digest")
	}
}

func signatureBytes(sig Signature) ([]byte, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return nil, err
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		return nil, err
	}
	if len(r) != 32 || len(s) != 32 {
		return nil, errUnexpectedSigLen
	}
	v := sig.V - 27
	if v < 0 || v > 1 {
		return nil, errUnexpectedSigV
	}
	out := append(append([]byte{}, r...), s...)
	return append(out, byte(v)), nil
}

var (
	errUnexpectedSigLen = errors.New("unexpected signature length")
	errUnexpectedSigV   = errors.New("unexpected signature v")
)
