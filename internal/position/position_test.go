package position

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	pairAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	router   = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

type callKey struct {
	to       common.Address
	selector string
}

type fakeCaller struct {
	mu      sync.Mutex
	results map[callKey][]byte
	calls   map[callKey]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{results: make(map[callKey][]byte), calls: make(map[callKey]int)}
}

func (f *fakeCaller) set(to common.Address, sig string, out []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[callKey{to: to, selector: selector(sig)}] = out
}

func (f *fakeCaller) count(to common.Address, sig string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[callKey{to: to, selector: selector(sig)}]
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("bad call")
	}
	k := callKey{to: *msg.To, selector: string(msg.Data[:4])}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[k]++
	out, ok := f.results[k]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func selector(sig string) string {
	return string(crypto.Keccak256([]byte(sig))[:4])
}

func pack(t *testing.T, typ string, v any) []byte {
	t.Helper()
	at, err := abi.NewType(typ, "", nil)
	if err != nil {
		t.Fatalf("NewType %s: %v", typ, err)
	}
	b, err := abi.Arguments{{Type: at}}.Pack(v)
	if err != nil {
		t.Fatalf("pack %s: %v", typ, err)
	}
	return b
}

func packReserves(t *testing.T, r0, r1 *big.Int) []byte {
	t.Helper()
	u112, _ := abi.NewType("uint112", "", nil)
	u32, _ := abi.NewType("uint32", "", nil)
	b, err := abi.Arguments{{Type: u112}, {Type: u112}, {Type: u32}}.Pack(r0, r1, uint32(1))
	if err != nil {
		t.Fatalf("pack reserves: %v", err)
	}
	return b
}

func seedPair(t *testing.T, f *fakeCaller) {
	t.Helper()
	f.set(pairAddr, "name()", pack(t, "string", "Mojito LPs"))
	f.set(pairAddr, "token0()", pack(t, "address", usdc))
	f.set(pairAddr, "token1()", pack(t, "address", weth))
	f.set(pairAddr, "balanceOf(address)", pack(t, "uint256", big.NewInt(1_000)))
	f.set(pairAddr, "totalSupply()", pack(t, "uint256", big.NewInt(10_000)))
	f.set(pairAddr, "allowance(address,address)", pack(t, "uint256", big.NewInt(77)))
	f.set(pairAddr, "nonces(address)", pack(t, "uint256", big.NewInt(3)))
	// 2000 USDC (6 dp) against 1 WETH (18 dp).
	f.set(pairAddr, "getReserves()", packReserves(t, big.NewInt(2_000_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
	f.set(usdc, "symbol()", pack(t, "string", "USDC"))
	f.set(usdc, "decimals()", pack(t, "uint8", uint8(6)))
	f.set(weth, "symbol()", pack(t, "string", "WETH"))
	f.set(weth, "decimals()", pack(t, "uint8", uint8(18)))
}

func TestChainProvider_Position(t *testing.T) {
	f := newFakeCaller()
	seedPair(t, f)
	p, err := NewChainProvider(f, Config{WrappedNative: weth})
	if err != nil {
		t.Fatalf("NewChainProvider: %v", err)
	}

	pos, err := p.Position(context.Background(), pairAddr, owner)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos.Name != "Mojito LPs" {
		t.Fatalf("name: got %q", pos.Name)
	}
	if pos.Token0.Symbol != "USDC" || pos.Token0.Decimals != 6 || pos.Token0.Native {
		t.Fatalf("token0: got %+v", pos.Token0)
	}
	if pos.Token1.Symbol != "WETH" || pos.Token1.Decimals != 18 || !pos.Token1.Native {
		t.Fatalf("token1: got %+v", pos.Token1)
	}
	if got := pos.Token1.DisplaySymbol(true); got != "ETH" {
		t.Fatalf("unwrapped symbol: got %q want ETH", got)
	}
	if got := pos.Token1.DisplaySymbol(false); got != "WETH" {
		t.Fatalf("wrapped symbol: got %q want WETH", got)
	}
	if got := pos.Token0.DisplaySymbol(true); got != "USDC" {
		t.Fatalf("token0 symbol: got %q want USDC", got)
	}
	if pos.Balance.Int64() != 1_000 || pos.TotalSupply.Int64() != 10_000 {
		t.Fatalf("balance/supply: got %s/%s", pos.Balance, pos.TotalSupply)
	}

	a0, a1 := pos.Underlying(pos.Balance)
	if a0.Int64() != 200_000_000 {
		t.Fatalf("amount0: got %s want 200000000", a0)
	}
	if a1.String() != "100000000000000000" {
		t.Fatalf("amount1: got %s want 1e17", a1)
	}

	price0, price1 := pos.Rates()
	if price0.Cmp(big.NewRat(1, 2000)) != 0 {
		t.Fatalf("price0: got %s want 1/2000", price0)
	}
	if price1.Cmp(big.NewRat(2000, 1)) != 0 {
		t.Fatalf("price1: got %s want 2000", price1)
	}
}

func TestChainProvider_CachesTokenMetadata(t *testing.T) {
	f := newFakeCaller()
	seedPair(t, f)
	p, err := NewChainProvider(f, Config{})
	if err != nil {
		t.Fatalf("NewChainProvider: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := p.Position(context.Background(), pairAddr, owner); err != nil {
			t.Fatalf("Position #%d: %v", i, err)
		}
	}
	if n := f.count(usdc, "symbol()"); n != 1 {
		t.Fatalf("symbol calls: got %d want 1", n)
	}
	if n := f.count(pairAddr, "balanceOf(address)"); n != 3 {
		t.Fatalf("balanceOf calls: got %d want 3", n)
	}
}

func TestChainProvider_AllowanceAndNonce(t *testing.T) {
	f := newFakeCaller()
	seedPair(t, f)
	p, err := NewChainProvider(f, Config{})
	if err != nil {
		t.Fatalf("NewChainProvider: %v", err)
	}
	a, err := p.Allowance(context.Background(), pairAddr, owner, router)
	if err != nil {
		t.Fatalf("Allowance: %v", err)
	}
	if a.Int64() != 77 {
		t.Fatalf("allowance: got %s want 77", a)
	}
	n, err := p.PermitNonce(context.Background(), pairAddr, owner)
	if err != nil {
		t.Fatalf("PermitNonce: %v", err)
	}
	if n.Int64() != 3 {
		t.Fatalf("nonce: got %s want 3", n)
	}
}

func TestChainProvider_CallFailure(t *testing.T) {
	f := newFakeCaller()
	p, err := NewChainProvider(f, Config{})
	if err != nil {
		t.Fatalf("NewChainProvider: %v", err)
	}
	if _, err := p.Position(context.Background(), pairAddr, owner); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := p.Position(context.Background(), common.Address{}, owner); !errors.Is(err, ErrInvalidPair) {
		t.Fatalf("expected ErrInvalidPair, got %v", err)
	}
}

func TestPosition_EmptyPool(t *testing.T) {
	pos := Position{TotalSupply: new(big.Int), Reserve0: new(big.Int), Reserve1: new(big.Int)}
	a0, a1 := pos.Underlying(big.NewInt(5))
	if a0.Sign() != 0 || a1.Sign() != 0 {
		t.Fatalf("underlying: got %s/%s want 0/0", a0, a1)
	}
	if p0, p1 := pos.Rates(); p0 != nil || p1 != nil {
		t.Fatalf("rates: expected nil")
	}
}

func TestNewChainProvider_InvalidConfig(t *testing.T) {
	if _, err := NewChainProvider(nil, Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewChainProvider(newFakeCaller(), Config{TokenCacheSize: -1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
