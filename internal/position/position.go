package position

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mojitoswap/lp-withdraw/internal/routerabi"
)

var (
	ErrInvalidConfig = errors.New("position: invalid config")
	ErrInvalidPair   = errors.New("position: invalid pair")
)

const defaultTokenCacheSize = 512

// Caller executes read-only contract calls at the latest block.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Token is one side of a pair. A Native token is the wrapped native coin; withdrawals can unwrap it.
type Token struct {
	Address      common.Address `json:"address"`
	Symbol       string         `json:"symbol"`
	Decimals     uint8          `json:"decimals"`
	Native       bool           `json:"native"`
	NativeSymbol string         `json:"native_symbol,omitempty"`
}

// DisplaySymbol is the symbol the recipient ends up holding.
func (t Token) DisplaySymbol(unwrap bool) string {
	if t.Native && unwrap && t.NativeSymbol != "" {
		return t.NativeSymbol
	}
	return t.Symbol
}

// Position is an owner's liquidity in a pair, in token0/token1 order.
type Position struct {
	Pair  common.Address
	Name  string
	Owner common.Address

	Token0 Token
	Token1 Token

	Balance     *big.Int
	TotalSupply *big.Int
	Reserve0    *big.Int
	Reserve1    *big.Int
}

// Underlying returns the token amounts redeemable for liquidity at current reserves, rounded down.
func (p Position) Underlying(liquidity *big.Int) (amount0, amount1 *big.Int) {
	if liquidity == nil || p.TotalSupply == nil || p.TotalSupply.Sign() == 0 {
		return new(big.Int), new(big.Int)
	}
	amount0 = new(big.Int).Mul(liquidity, p.Reserve0)
	amount0.Quo(amount0, p.TotalSupply)
	amount1 = new(big.Int).Mul(liquidity, p.Reserve1)
	amount1.Quo(amount1, p.TotalSupply)
	return amount0, amount1
}

// Rates returns the decimal-adjusted spot prices "1 token0 = x token1" and "1 token1 = y token0".
// Both are nil when a reserve is empty.
func (p Position) Rates() (price0, price1 *big.Rat) {
	if p.Reserve0 == nil || p.Reserve1 == nil || p.Reserve0.Sign() == 0 || p.Reserve1.Sign() == 0 {
		return nil, nil
	}
	r0 := new(big.Rat).SetFrac(p.Reserve0, pow10(p.Token0.Decimals))
	r1 := new(big.Rat).SetFrac(p.Reserve1, pow10(p.Token1.Decimals))
	return new(big.Rat).Quo(r1, r0), new(big.Rat).Quo(r0, r1)
}

func pow10(d uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d)), nil)
}

type Config struct {
	// WrappedNative marks the pair side that can be received as the native coin.
	WrappedNative common.Address
	// NativeSymbol names the unwrapped coin, e.g. "ETH".
	NativeSymbol string

	TokenCacheSize int
}

// ChainProvider reads positions directly from the pair and token contracts.
type ChainProvider struct {
	caller Caller
	cfg    Config
	tokens *lru.Cache[common.Address, Token]
}

func NewChainProvider(caller Caller, cfg Config) (*ChainProvider, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: nil caller", ErrInvalidConfig)
	}
	if cfg.TokenCacheSize < 0 {
		return nil, fmt.Errorf("%w: token cache size must be >= 0", ErrInvalidConfig)
	}
	if cfg.TokenCacheSize == 0 {
		cfg.TokenCacheSize = defaultTokenCacheSize
	}
	cfg.NativeSymbol = strings.TrimSpace(cfg.NativeSymbol)
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}
	tokens, err := lru.New[common.Address, Token](cfg.TokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &ChainProvider{caller: caller, cfg: cfg, tokens: tokens}, nil
}

// Position reads owner's balance together with the pair's supply, reserves and token metadata.
func (p *ChainProvider) Position(ctx context.Context, pair, owner common.Address) (Position, error) {
	if (pair == common.Address{}) {
		return Position{}, fmt.Errorf("%w: zero pair address", ErrInvalidPair)
	}
	name, err := p.pairString(ctx, pair, "name")
	if err != nil {
		return Position{}, err
	}
	t0, err := p.pairAddress(ctx, pair, "token0")
	if err != nil {
		return Position{}, err
	}
	t1, err := p.pairAddress(ctx, pair, "token1")
	if err != nil {
		return Position{}, err
	}
	token0, err := p.Token(ctx, t0)
	if err != nil {
		return Position{}, err
	}
	token1, err := p.Token(ctx, t1)
	if err != nil {
		return Position{}, err
	}
	balance, err := p.pairUint(ctx, pair, "balanceOf", owner)
	if err != nil {
		return Position{}, err
	}
	supply, err := p.pairUint(ctx, pair, "totalSupply")
	if err != nil {
		return Position{}, err
	}
	out, err := p.call(ctx, pair, "getReserves", routerabi.PackPairCall, routerabi.UnpackPairCall)
	if err != nil {
		return Position{}, err
	}
	if len(out) != 3 {
		return Position{}, fmt.Errorf("%w: getReserves returned %d values", ErrInvalidPair, len(out))
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return Position{}, fmt.Errorf("%w: unexpected getReserves types", ErrInvalidPair)
	}
	return Position{
		Pair:        pair,
		Name:        name,
		Owner:       owner,
		Token0:      token0,
		Token1:      token1,
		Balance:     balance,
		TotalSupply: supply,
		Reserve0:    r0,
		Reserve1:    r1,
	}, nil
}

// Token returns cached ERC-20 metadata for addr.
func (p *ChainProvider) Token(ctx context.Context, addr common.Address) (Token, error) {
	if t, ok := p.tokens.Get(addr); ok {
		return t, nil
	}
	t := Token{Address: addr}
	if addr == p.cfg.WrappedNative && (addr != common.Address{}) {
		t.Native = true
		t.NativeSymbol = p.cfg.NativeSymbol
	}

	out, err := p.call(ctx, addr, "decimals", routerabi.PackERC20Call, routerabi.UnpackERC20Call)
	if err != nil {
		return Token{}, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return Token{}, fmt.Errorf("%w: token %s decimals has type %T", ErrInvalidPair, addr, out[0])
	}
	t.Decimals = d

	out, err = p.call(ctx, addr, "symbol", routerabi.PackERC20Call, routerabi.UnpackERC20Call)
	if err != nil {
		return Token{}, err
	}
	sym, ok := out[0].(string)
	if !ok {
		return Token{}, fmt.Errorf("%w: token %s symbol has type %T", ErrInvalidPair, addr, out[0])
	}
	t.Symbol = sym

	p.tokens.Add(addr, t)
	return t, nil
}

func (p *ChainProvider) Allowance(ctx context.Context, pair, owner, spender common.Address) (*big.Int, error) {
	return p.pairUint(ctx, pair, "allowance", owner, spender)
}

func (p *ChainProvider) PermitNonce(ctx context.Context, pair, owner common.Address) (*big.Int, error) {
	return p.pairUint(ctx, pair, "nonces", owner)
}

type packFunc func(method string, args ...any) ([]byte, error)
type unpackFunc func(method string, data []byte) ([]any, error)

func (p *ChainProvider) call(ctx context.Context, to common.Address, method string, pack packFunc, unpack unpackFunc, args ...any) ([]any, error) {
	data, err := pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("position: call %s on %s: %w", method, to, err)
	}
	out, err := unpack(method, res)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s on %s returned nothing", ErrInvalidPair, method, to)
	}
	return out, nil
}

func (p *ChainProvider) pairUint(ctx context.Context, pair common.Address, method string, args ...any) (*big.Int, error) {
	out, err := p.call(ctx, pair, method, routerabi.PackPairCall, routerabi.UnpackPairCall, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s has type %T", ErrInvalidPair, method, out[0])
	}
	return v, nil
}

func (p *ChainProvider) pairAddress(ctx context.Context, pair common.Address, method string) (common.Address, error) {
	out, err := p.call(ctx, pair, method, routerabi.PackPairCall, routerabi.UnpackPairCall)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s has type %T", ErrInvalidPair, method, out[0])
	}
	return v, nil
}

func (p *ChainProvider) pairString(ctx context.Context, pair common.Address, method string) (string, error) {
	out, err := p.call(ctx, pair, method, routerabi.PackPairCall, routerabi.UnpackPairCall)
	if err != nil {
		return "", err
	}
	v, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s has type %T", ErrInvalidPair, method, out[0])
	}
	return v, nil
}
