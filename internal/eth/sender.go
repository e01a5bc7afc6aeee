package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidSenderConfig = errors.New("eth: invalid sender config")
	ErrInvalidTxRequest    = errors.New("eth: invalid tx request")
)

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type SenderConfig struct {
	ChainID      *big.Int
	GasMarginBps uint32
	MinTipCap    *big.Int

	ReceiptPollInterval time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// Sender broadcasts EIP-1559 transactions for a single account and waits for their receipts.
//
// Once SendTransaction succeeds the transaction is out of our hands: Sender never replaces or
// cancels it, it only observes the outcome.
type Sender struct {
	backend Backend
	signer  Signer
	nonces  *NonceManager
	cfg     SenderConfig
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate and pad by GasMarginBps
}

func NewSender(backend Backend, signer Signer, cfg SenderConfig) (*Sender, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSenderConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: zero signer address", ErrInvalidSenderConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidSenderConfig
	}
	if cfg.GasMarginBps == 0 {
		cfg.GasMarginBps = DefaultGasMarginBps
	}
	if cfg.GasMarginBps < 10_000 {
		return nil, fmt.Errorf("%w: gas margin must be >= 10000 bps", ErrInvalidSenderConfig)
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, ErrInvalidSenderConfig
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, ErrInvalidSenderConfig
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Sender{
		backend: backend,
		signer:  signer,
		nonces:  NewNonceManager(backend, signer.Address()),
		cfg:     cfg,
	}, nil
}

func (s *Sender) Address() common.Address { return s.signer.Address() }

// Send signs and broadcasts req, returning the transaction hash without waiting for inclusion.
func (s *Sender) Send(ctx context.Context, req TxRequest) (common.Hash, error) {
	if (req.To == common.Address{}) {
		return common.Hash{}, fmt.Errorf("%w: missing to", ErrInvalidTxRequest)
	}
	from := s.signer.Address()

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return common.Hash{}, err
		}
		gasLimit = ApplyGasMargin(est, s.cfg.GasMarginBps)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, err
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("eth: missing baseFee in latest header")
	}

	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := s.nonces.Reserve(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		s.nonces.Rollback(nonce)
		return common.Hash{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		s.nonces.Rollback(nonce)
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// WaitMined polls for the receipt of txHash until it is available or ctx ends.
func (s *Sender) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return nil, err
		}
	}
}

// RevertReason replays req at the receipt's block and returns the decoded revert string, or "" when
// the node does not report one.
func (s *Sender) RevertReason(ctx context.Context, req TxRequest, receipt *types.Receipt) string {
	if receipt == nil {
		return ""
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := req.To
	_, err := s.backend.CallContract(ctx, ethereum.CallMsg{
		From:  s.signer.Address(),
		To:    &to,
		Gas:   receipt.GasUsed,
		Value: value,
		Data:  req.Data,
	}, receipt.BlockNumber)
	return DecodeRevert(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
