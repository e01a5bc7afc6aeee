package routerabi

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestPackRemove_SelectorMatchesSolidity(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	b, err := PackRemove(RemoveLiquidityETH, token, big.NewInt(100), big.NewInt(1), big.NewInt(2), to, big.NewInt(1_700_000_000))
	if err != nil {
		t.Fatalf("PackRemove: %v", err)
	}
	want := crypto.Keccak256([]byte("removeLiquidityETH(address,uint256,uint256,uint256,address,uint256)"))[:4]
	if !bytes.Equal(b[:4], want) {
		t.Fatalf("selector: got %x want %x", b[:4], want)
	}
	if len(b) != 4+6*32 {
		t.Fatalf("calldata len: got %d want %d", len(b), 4+6*32)
	}

	m, err := MethodFromCalldata(b)
	if err != nil {
		t.Fatalf("MethodFromCalldata: %v", err)
	}
	if m != RemoveLiquidityETH {
		t.Fatalf("method: got %s want %s", m, RemoveLiquidityETH)
	}
}

func TestPackRemove_PermitVariantTakesSignature(t *testing.T) {
	a := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	bAddr := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	var r, s [32]byte
	r[0], s[0] = 1, 2
	b, err := PackRemove(RemoveLiquidityWithPermit, a, bAddr, big.NewInt(1), big.NewInt(0), big.NewInt(0), to, big.NewInt(9), false, uint8(27), r, s)
	if err != nil {
		t.Fatalf("PackRemove: %v", err)
	}
	want := crypto.Keccak256([]byte("removeLiquidityWithPermit(address,address,uint256,uint256,uint256,address,uint256,bool,uint8,bytes32,bytes32)"))[:4]
	if !bytes.Equal(b[:4], want) {
		t.Fatalf("selector: got %x want %x", b[:4], want)
	}

	if _, err := PackRemove(RemoveLiquidityWithPermit, a, bAddr); err == nil {
		t.Fatalf("expected error for missing args")
	}
}

func TestPackRemove_RejectsUnknownMethod(t *testing.T) {
	if _, err := PackRemove(MethodUnknown); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMethod_StringRoundTripAndFlags(t *testing.T) {
	for m := RemoveLiquidity; m <= RemoveLiquidityETHWithPermitSupportingFeeOnTransferTokens; m++ {
		got, err := ParseMethod(m.String())
		if err != nil {
			t.Fatalf("ParseMethod(%s): %v", m, err)
		}
		if got != m {
			t.Fatalf("ParseMethod: got %s want %s", got, m)
		}
	}
	if !RemoveLiquidityETHWithPermit.UsesPermit() || RemoveLiquidityETH.UsesPermit() {
		t.Fatalf("UsesPermit mismatch")
	}
	if RemoveLiquidity.Native() || !RemoveLiquidityETHSupportingFeeOnTransferTokens.Native() {
		t.Fatalf("Native mismatch")
	}
}

func TestPackApprove_RejectsZeroSpender(t *testing.T) {
	if _, err := PackApprove(common.Address{}, big.NewInt(1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	b, err := PackApprove(common.HexToAddress("0x01"), big.NewInt(1))
	if err != nil {
		t.Fatalf("PackApprove: %v", err)
	}
	want := crypto.Keccak256([]byte("approve(address,uint256)"))[:4]
	if !bytes.Equal(b[:4], want) {
		t.Fatalf("selector: got %x want %x", b[:4], want)
	}
}
