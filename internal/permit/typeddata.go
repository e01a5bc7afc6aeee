package permit

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var ErrInvalidSignature = errors.New("permit: invalid signature")

// Message binds the fields of a liquidity-token permit.
type Message struct {
	ChainID  *big.Int
	Pair     common.Address // verifying contract
	Name     string         // pair ERC-20 name, part of the domain separator
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
	Nonce    *big.Int
	Deadline uint64
}

// BuildTypedData returns the EIP-712 Permit payload for m.
func BuildTypedData(m Message) (apitypes.TypedData, error) {
	if m.ChainID == nil || m.ChainID.Sign() <= 0 {
		return apitypes.TypedData{}, fmt.Errorf("%w: chain id must be > 0", ErrInvalidRequest)
	}
	if (m.Pair == common.Address{}) || (m.Owner == common.Address{}) || (m.Spender == common.Address{}) {
		return apitypes.TypedData{}, fmt.Errorf("%w: pair, owner and spender must be non-zero", ErrInvalidRequest)
	}
	if m.Value == nil || m.Value.Sign() <= 0 {
		return apitypes.TypedData{}, fmt.Errorf("%w: value must be > 0", ErrInvalidRequest)
	}
	if m.Nonce == nil || m.Nonce.Sign() < 0 {
		return apitypes.TypedData{}, fmt.Errorf("%w: nonce must be >= 0", ErrInvalidRequest)
	}
	if m.Name == "" {
		return apitypes.TypedData{}, fmt.Errorf("%w: missing domain name", ErrInvalidRequest)
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": {
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              m.Name,
			Version:           "1",
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(m.ChainID)),
			VerifyingContract: m.Pair.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":    m.Owner.Hex(),
			"spender":  m.Spender.Hex(),
			"value":    m.Value.String(),
			"nonce":    m.Nonce.String(),
			"deadline": new(big.Int).SetUint64(m.Deadline).String(),
		},
	}, nil
}

// SplitSignature parses a 65-byte [R || S || V] signature. V in {0, 1} is normalized to {27, 28}.
func SplitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != 65 {
		return 0, r, s, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, [32]byte{}, [32]byte{}, fmt.Errorf("%w: v=%d", ErrInvalidSignature, sig[64])
	}
	return v, r, s, nil
}
