package eth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signing failure classes. Callers branch on these with errors.Is and never on raw provider codes.
var (
	ErrSignRejected    = errors.New("eth: signature request rejected by user")
	ErrSignUnsupported = errors.New("eth: typed data signing unsupported")
	ErrSignTimeout     = errors.New("eth: signature request timed out")
)

// EIP-1193 / JSON-RPC provider error codes.
const (
	codeUserRejected      = 4001
	codeUnauthorized      = 4100
	codeUnsupportedMethod = 4200
	codeDisconnected      = 4900
	codeMethodNotFound    = -32601
)

// ClassifySignError maps a provider signing error onto ErrSignRejected, ErrSignUnsupported or ErrSignTimeout.
// Errors that match none of them are returned unchanged.
func ClassifySignError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSignRejected) || errors.Is(err, ErrSignUnsupported) || errors.Is(err, ErrSignTimeout) {
		return err
	}
	var rerr rpc.Error
	if errors.As(err, &rerr) {
		switch rerr.ErrorCode() {
		case codeUserRejected:
			return fmt.Errorf("%w: %v", ErrSignRejected, err)
		case codeUnauthorized, codeUnsupportedMethod, codeMethodNotFound, codeDisconnected:
			return fmt.Errorf("%w: %v", ErrSignUnsupported, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrSignTimeout, err)
	}
	return err
}

// RPCCaller is the subset of *rpc.Client used for wallet signing requests.
type RPCCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// RPCTypedDataSigner requests eth_signTypedData_v4 signatures from an external wallet endpoint.
type RPCTypedDataSigner struct {
	client  RPCCaller
	account common.Address
}

func NewRPCTypedDataSigner(client RPCCaller, account common.Address) (*RPCTypedDataSigner, error) {
	if client == nil || (account == common.Address{}) {
		return nil, ErrInvalidSigner
	}
	return &RPCTypedDataSigner{client: client, account: account}, nil
}

func (s *RPCTypedDataSigner) Address() common.Address { return s.account }

func (s *RPCTypedDataSigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	// Wallets expect the typed data as a JSON string parameter.
	payload, err := json.Marshal(td)
	if err != nil {
		return nil, fmt.Errorf("eth: marshal typed data: %w", err)
	}
	var sig hexutil.Bytes
	if err := s.client.CallContext(ctx, &sig, "eth_signTypedData_v4", s.account, string(payload)); err != nil {
		return nil, ClassifySignError(err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("eth: signature length %d, want 65", len(sig))
	}
	return sig, nil
}
