package routerabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("routerabi: invalid input")

// Method identifies one of the router's liquidity removal entry points.
type Method uint8

const (
	MethodUnknown Method = iota
	RemoveLiquidity
	RemoveLiquidityWithPermit
	RemoveLiquidityETH
	RemoveLiquidityETHSupportingFeeOnTransferTokens
	RemoveLiquidityETHWithPermit
	RemoveLiquidityETHWithPermitSupportingFeeOnTransferTokens
)

// String returns the Solidity function name.
func (m Method) String() string {
	switch m {
	case RemoveLiquidity:
		return "removeLiquidity"
	case RemoveLiquidityWithPermit:
		return "removeLiquidityWithPermit"
	case RemoveLiquidityETH:
		return "removeLiquidityETH"
	case RemoveLiquidityETHSupportingFeeOnTransferTokens:
		return "removeLiquidityETHSupportingFeeOnTransferTokens"
	case RemoveLiquidityETHWithPermit:
		return "removeLiquidityETHWithPermit"
	case RemoveLiquidityETHWithPermitSupportingFeeOnTransferTokens:
		return "removeLiquidityETHWithPermitSupportingFeeOnTransferTokens"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// UsesPermit reports whether the method takes trailing (approveMax, v, r, s) permit arguments.
func (m Method) UsesPermit() bool {
	switch m {
	case RemoveLiquidityWithPermit, RemoveLiquidityETHWithPermit, RemoveLiquidityETHWithPermitSupportingFeeOnTransferTokens:
		return true
	default:
		return false
	}
}

// Native reports whether the method unwraps the native coin.
func (m Method) Native() bool {
	switch m {
	case RemoveLiquidityETH, RemoveLiquidityETHSupportingFeeOnTransferTokens,
		RemoveLiquidityETHWithPermit, RemoveLiquidityETHWithPermitSupportingFeeOnTransferTokens:
		return true
	default:
		return false
	}
}

// ParseMethod is the inverse of Method.String.
func ParseMethod(name string) (Method, error) {
	for m := RemoveLiquidity; m <= RemoveLiquidityETHWithPermitSupportingFeeOnTransferTokens; m++ {
		if m.String() == name {
			return m, nil
		}
	}
	return MethodUnknown, fmt.Errorf("%w: unknown method %q", ErrInvalidInput, name)
}

var (
	initOnce sync.Once
	initErr  error

	routerABI abi.ABI
	pairABI   abi.ABI
	erc20ABI  abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		routerABI, err = abi.JSON(strings.NewReader(routerABIJSON))
		if err != nil {
			initErr = fmt.Errorf("routerabi: parse router ABI: %w", err)
			return
		}
		pairABI, err = abi.JSON(strings.NewReader(pairABIJSON))
		if err != nil {
			initErr = fmt.Errorf("routerabi: parse pair ABI: %w", err)
			return
		}
		erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
		if err != nil {
			initErr = fmt.Errorf("routerabi: parse erc20 ABI: %w", err)
			return
		}
	})
	return initErr
}

// PackRemove packs router calldata for m with args in ABI order.
func PackRemove(m Method, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if m == MethodUnknown || m > RemoveLiquidityETHWithPermitSupportingFeeOnTransferTokens {
		return nil, fmt.Errorf("%w: method %s", ErrInvalidInput, m)
	}
	b, err := routerABI.Pack(m.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("routerabi: pack %s calldata: %w", m, err)
	}
	return b, nil
}

func PackApprove(spender common.Address, value *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (spender == common.Address{}) {
		return nil, fmt.Errorf("%w: spender must be non-zero", ErrInvalidInput)
	}
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: value must be >= 0", ErrInvalidInput)
	}
	b, err := pairABI.Pack("approve", spender, value)
	if err != nil {
		return nil, fmt.Errorf("routerabi: pack approve calldata: %w", err)
	}
	return b, nil
}

// PackPairCall packs a read-only pair call (name, nonces, allowance, balanceOf, totalSupply, getReserves, token0, token1).
func PackPairCall(method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := pairABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("routerabi: pack pair %s: %w", method, err)
	}
	return b, nil
}

// UnpackPairCall decodes the return values of a pair call.
func UnpackPairCall(method string, data []byte) ([]any, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	out, err := pairABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("routerabi: unpack pair %s: %w", method, err)
	}
	return out, nil
}

// PackERC20Call packs a read-only token call (symbol, decimals).
func PackERC20Call(method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("routerabi: pack erc20 %s: %w", method, err)
	}
	return b, nil
}

func UnpackERC20Call(method string, data []byte) ([]any, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	out, err := erc20ABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("routerabi: unpack erc20 %s: %w", method, err)
	}
	return out, nil
}

// MethodFromCalldata resolves the router method selected by calldata's 4-byte selector.
func MethodFromCalldata(data []byte) (Method, error) {
	if err := initABI(); err != nil {
		return MethodUnknown, err
	}
	if len(data) < 4 {
		return MethodUnknown, fmt.Errorf("%w: calldata too short", ErrInvalidInput)
	}
	am, err := routerABI.MethodById(data[:4])
	if err != nil {
		return MethodUnknown, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return ParseMethod(am.RawName)
}

const permitTail = `,
      {"internalType":"bool","name":"approveMax","type":"bool"},
      {"internalType":"uint8","name":"v","type":"uint8"},
      {"internalType":"bytes32","name":"r","type":"bytes32"},
      {"internalType":"bytes32","name":"s","type":"bytes32"}`

const pairArgs = `
      {"internalType":"address","name":"tokenA","type":"address"},
      {"internalType":"address","name":"tokenB","type":"address"},
      {"internalType":"uint256","name":"liquidity","type":"uint256"},
      {"internalType":"uint256","name":"amountAMin","type":"uint256"},
      {"internalType":"uint256","name":"amountBMin","type":"uint256"},
      {"internalType":"address","name":"to","type":"address"},
      {"internalType":"uint256","name":"deadline","type":"uint256"}`

const ethArgs = `
      {"internalType":"address","name":"token","type":"address"},
      {"internalType":"uint256","name":"liquidity","type":"uint256"},
      {"internalType":"uint256","name":"amountTokenMin","type":"uint256"},
      {"internalType":"uint256","name":"amountETHMin","type":"uint256"},
      {"internalType":"address","name":"to","type":"address"},
      {"internalType":"uint256","name":"deadline","type":"uint256"}`

const twoAmounts = `[
      {"internalType":"uint256","name":"amountA","type":"uint256"},
      {"internalType":"uint256","name":"amountB","type":"uint256"}
    ]`

const oneAmount = `[
      {"internalType":"uint256","name":"amountETH","type":"uint256"}
    ]`

var routerABIJSON = `[
  {"inputs":[` + pairArgs + `],"name":"removeLiquidity","outputs":` + twoAmounts + `,"stateMutability":"nonpayable","type":"function"},
  {"inputs":[` + pairArgs + permitTail + `],"name":"removeLiquidityWithPermit","outputs":` + twoAmounts + `,"stateMutability":"nonpayable","type":"function"},
  {"inputs":[` + ethArgs + `],"name":"removeLiquidityETH","outputs":` + twoAmounts + `,"stateMutability":"nonpayable","type":"function"},
  {"inputs":[` + ethArgs + `],"name":"removeLiquidityETHSupportingFeeOnTransferTokens","outputs":` + oneAmount + `,"stateMutability":"nonpayable","type":"function"},
  {"inputs":[` + ethArgs + permitTail + `],"name":"removeLiquidityETHWithPermit","outputs":` + twoAmounts + `,"stateMutability":"nonpayable","type":"function"},
  {"inputs":[` + ethArgs + permitTail + `],"name":"removeLiquidityETHWithPermitSupportingFeeOnTransferTokens","outputs":` + oneAmount + `,"stateMutability":"nonpayable","type":"function"}
]`

const pairABIJSON = `[
  {"inputs":[],"name":"name","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"nonces","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"reserve0","type":"uint112"},{"internalType":"uint112","name":"reserve1","type":"uint112"},{"internalType":"uint32","name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"token1","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const erc20ABIJSON = `[
  {"inputs":[],"name":"symbol","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`
