package permit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mojitoswap/lp-withdraw/internal/eth"
	"github.com/mojitoswap/lp-withdraw/internal/metrics"
	"github.com/mojitoswap/lp-withdraw/internal/routerabi"
)

var (
	ErrInvalidConfig  = errors.New("permit: invalid config")
	ErrInvalidRequest = errors.New("permit: invalid request")

	// ErrAuthorizationRejected is returned when the user declined the signature request and the
	// DeclinePolicy does not fall back to an approval.
	ErrAuthorizationRejected = errors.New("permit: authorization rejected")
	// ErrAuthorizationFailed is returned when the fallback approval was not sent or did not confirm.
	ErrAuthorizationFailed = errors.New("permit: authorization failed")
)

// DeclinePolicy selects what happens when the user declines the typed-data signature.
type DeclinePolicy uint8

const (
	// DeclineStops leaves the withdrawal unauthorized. The user declined on purpose; an approval
	// transaction would be a second, unrequested prompt.
	DeclineStops DeclinePolicy = iota
	// DeclineFallsBack issues the on-chain approval instead.
	DeclineFallsBack
)

// Chain reads pair state needed to authorize a withdrawal.
type Chain interface {
	Allowance(ctx context.Context, pair, owner, spender common.Address) (*big.Int, error)
	PermitNonce(ctx context.Context, pair, owner common.Address) (*big.Int, error)
}

// Approver broadcasts the fallback approval transaction from the owner's account.
type Approver interface {
	Address() common.Address
	Send(ctx context.Context, req eth.TxRequest) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	ChainID       *big.Int
	DeclinePolicy DeclinePolicy

	Now    func() time.Time
	Logger *slog.Logger
}

// Request describes the liquidity the router must be allowed to pull from the owner.
type Request struct {
	Owner   common.Address
	Spender common.Address // router
	Pair    common.Address
	Name    string // pair token name (EIP-712 domain)
	Value   *big.Int

	// Deadline is relative; the permit binds now+Deadline.
	Deadline time.Duration
}

// Manager obtains authorization for the router to move an owner's liquidity tokens, preferring an
// off-chain permit and falling back to an on-chain approval.
type Manager struct {
	chain    Chain
	signer   eth.TypedDataSigner
	approver Approver
	cfg      Config
	log      *slog.Logger

	mu    sync.Mutex
	locks map[lockKey]*keyLock
}

type lockKey struct {
	owner   common.Address
	spender common.Address
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager(chain Chain, signer eth.TypedDataSigner, approver Approver, cfg Config) (*Manager, error) {
	if chain == nil || signer == nil || approver == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.DeclinePolicy > DeclineFallsBack {
		return nil, fmt.Errorf("%w: unknown decline policy %d", ErrInvalidConfig, cfg.DeclinePolicy)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		chain:    chain,
		signer:   signer,
		approver: approver,
		cfg:      cfg,
		log:      log,
		locks:    make(map[lockKey]*keyLock),
	}, nil
}

// RequestAuthorization returns ApprovalGranted or PermitSigned on success.
//
// observe, when non-nil, is called with ApprovalPending as soon as a fallback approval has been
// broadcast. Requests for the same (owner, spender) are serialized.
func (m *Manager) RequestAuthorization(ctx context.Context, req Request, observe func(State)) (State, error) {
	if err := m.validate(req); err != nil {
		return State{}, err
	}

	unlock := m.lock(lockKey{owner: req.Owner, spender: req.Spender})
	defer unlock()

	// Previously granted (or concurrently granted) approvals need nothing further.
	allowance, err := m.chain.Allowance(ctx, req.Pair, req.Owner, req.Spender)
	if err != nil {
		return State{}, fmt.Errorf("permit: read allowance: %w", err)
	}
	if allowance != nil && allowance.Cmp(req.Value) >= 0 {
		metrics.RecordAuthorization("allowance", "granted")
		return State{Kind: ApprovalGranted}, nil
	}

	st, signErr := m.signPermit(ctx, req)
	if signErr == nil {
		metrics.RecordAuthorization("permit", "signed")
		return st, nil
	}

	if errors.Is(signErr, eth.ErrSignRejected) {
		metrics.RecordAuthorization("permit", "rejected")
		if m.cfg.DeclinePolicy == DeclineStops {
			m.log.Info("permit signature declined", "owner", req.Owner, "pair", req.Pair)
			return State{Kind: NotAuthorized}, fmt.Errorf("%w: %v", ErrAuthorizationRejected, signErr)
		}
	} else {
		metrics.RecordAuthorization("permit", "failed")
	}
	if ctx.Err() != nil {
		return State{Kind: NotAuthorized}, ctx.Err()
	}

	m.log.Info("falling back to on-chain approval", "owner", req.Owner, "pair", req.Pair, "err", signErr)
	return m.approve(ctx, req, observe)
}

func (m *Manager) validate(req Request) error {
	if (req.Owner == common.Address{}) || (req.Spender == common.Address{}) || (req.Pair == common.Address{}) {
		return fmt.Errorf("%w: owner, spender and pair must be non-zero", ErrInvalidRequest)
	}
	if req.Value == nil || req.Value.Sign() <= 0 {
		return fmt.Errorf("%w: value must be > 0", ErrInvalidRequest)
	}
	if req.Deadline <= 0 {
		return fmt.Errorf("%w: deadline must be > 0", ErrInvalidRequest)
	}
	if req.Owner != m.signer.Address() {
		return fmt.Errorf("%w: owner %s is not the signing account", ErrInvalidRequest, req.Owner)
	}
	return nil
}

func (m *Manager) signPermit(ctx context.Context, req Request) (State, error) {
	// The nonce must be read right before signing; a stale one makes the permit unusable on-chain.
	nonce, err := m.chain.PermitNonce(ctx, req.Pair, req.Owner)
	if err != nil {
		return State{}, fmt.Errorf("permit: read nonce: %w", err)
	}
	deadline := uint64(m.cfg.Now().Add(req.Deadline).Unix())

	td, err := BuildTypedData(Message{
		ChainID:  m.cfg.ChainID,
		Pair:     req.Pair,
		Name:     req.Name,
		Owner:    req.Owner,
		Spender:  req.Spender,
		Value:    req.Value,
		Nonce:    nonce,
		Deadline: deadline,
	})
	if err != nil {
		return State{}, err
	}

	sig, err := m.signer.SignTypedData(ctx, td)
	if err != nil {
		return State{}, eth.ClassifySignError(err)
	}
	v, r, s, err := SplitSignature(sig)
	if err != nil {
		return State{}, err
	}
	return State{
		Kind: PermitSigned,
		Permit: &Signature{
			V:        v,
			R:        r,
			S:        s,
			Deadline: deadline,
			Nonce:    new(big.Int).Set(nonce),
			Value:    new(big.Int).Set(req.Value),
		},
	}, nil
}

func (m *Manager) approve(ctx context.Context, req Request, observe func(State)) (State, error) {
	if m.approver.Address() != req.Owner {
		return State{Kind: NotAuthorized}, fmt.Errorf("%w: approver %s is not the owner", ErrAuthorizationFailed, m.approver.Address())
	}
	data, err := routerabi.PackApprove(req.Spender, req.Value)
	if err != nil {
		return State{Kind: NotAuthorized}, fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}

	txHash, err := m.approver.Send(ctx, eth.TxRequest{To: req.Pair, Data: data})
	if err != nil {
		metrics.RecordAuthorization("approval", "send_failed")
		return State{Kind: NotAuthorized}, fmt.Errorf("%w: send approval: %v", ErrAuthorizationFailed, err)
	}
	pending := State{Kind: ApprovalPending}
	if observe != nil {
		observe(pending)
	}
	m.log.Info("approval broadcast", "owner", req.Owner, "pair", req.Pair, "tx", txHash)

	receipt, err := m.approver.WaitMined(ctx, txHash)
	if err != nil {
		return pending, fmt.Errorf("%w: wait approval %s: %v", ErrAuthorizationFailed, txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.RecordAuthorization("approval", "reverted")
		return pending, fmt.Errorf("%w: approval %s reverted", ErrAuthorizationFailed, txHash)
	}
	metrics.RecordAuthorization("approval", "granted")
	return State{Kind: ApprovalGranted}, nil
}

func (m *Manager) lock(k lockKey) func() {
	m.mu.Lock()
	l, ok := m.locks[k]
	if !ok {
		l = &keyLock{}
		m.locks[k] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, k)
		}
		m.mu.Unlock()
	}
}
