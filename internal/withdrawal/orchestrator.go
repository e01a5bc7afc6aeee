package withdrawal

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
	"github.com/google/uuid"
	"github.com/mojitoswap/lp-withdraw/internal/amounts"
	"github.com/mojitoswap/lp-withdraw/internal/candidate"
	"github.com/mojitoswap/lp-withdraw/internal/eth"
	"github.com/mojitoswap/lp-withdraw/internal/gasest"
	"github.com/mojitoswap/lp-withdraw/internal/metrics"
	"github.com/mojitoswap/lp-withdraw/internal/permit"
	"github.com/mojitoswap/lp-withdraw/internal/position"
	"github.com/mojitoswap/lp-withdraw/internal/routerabi"
	"github.com/mojitoswap/lp-withdraw/internal/txhistory"
)

var (
	ErrInvalidConfig = errors.New("withdrawal: invalid config")
	// ErrMissingContext is returned when the account, pair or position cannot be resolved.
	ErrMissingContext     = errors.New("withdrawal: missing context")
	ErrSubmissionReverted = errors.New("withdrawal: submission reverted")
	ErrBroadcastFailed    = errors.New("withdrawal: broadcast failed")
	ErrPreviewExpired     = errors.New("withdrawal: preview deadline passed")
	ErrNotConfirmed       = errors.New("withdrawal: not confirmed")
	ErrBusy               = errors.New("withdrawal: operation in progress")
	ErrInvalidTransition  = errors.New("withdrawal: invalid transition")
	ErrDismissed          = errors.New("withdrawal: dismissed")
)

const defaultRevertReason = "execution reverted"

type PositionProvider interface {
	Position(ctx context.Context, pair, owner common.Address) (position.Position, error)
}

type Authorizer interface {
	RequestAuthorization(ctx context.Context, req permit.Request, observe func(permit.State)) (permit.State, error)
}

type GasEstimator interface {
	Select(ctx context.Context, from, router common.Address, cs []candidate.Candidate) (gasest.Estimate, error)
}

// Submitter broadcasts transactions from the withdrawing account.
type Submitter interface {
	Address() common.Address
	Send(ctx context.Context, req eth.TxRequest) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	RevertReason(ctx context.Context, req eth.TxRequest, receipt *types.Receipt) string
}

type Config struct {
	Router common.Address
	// WrappedFallback adds removeLiquidity against the wrapped token as a last resort for native pairs.
	WrappedFallback bool

	Now    func() time.Time
	NewID  func() uuid.UUID
	Logger *slog.Logger
}

// Input names the field the user entered; the other amounts are derived from it.
type Input uint8

const (
	InputPercent Input = iota
	InputLiquidity
	InputAmountA
	InputAmountB
)

func (in Input) String() string {
	switch in {
	case InputPercent:
		return "percent"
	case InputLiquidity:
		return "liquidity"
	case InputAmountA:
		return "amount_a"
	case InputAmountB:
		return "amount_b"
	default:
		return "unknown"
	}
}

// ParseInput is the inverse of Input.String. An empty string selects InputPercent.
func ParseInput(s string) (Input, error) {
	switch s {
	case "", "percent":
		return InputPercent, nil
	case "liquidity":
		return InputLiquidity, nil
	case "amount_a":
		return InputAmountA, nil
	case "amount_b":
		return InputAmountB, nil
	default:
		return 0, fmt.Errorf("%w: unknown input %q", amounts.ErrConfiguration, s)
	}
}

// Draft is what the user chose to withdraw.
type Draft struct {
	Pair common.Address
	// Input selects whether Percent or Amount determines the liquidity.
	Input Input
	// Percent is derived from Amount for the other inputs.
	Percent uint8
	// Amount is in base units of the LP token (InputLiquidity) or of token A/B.
	Amount      *big.Int
	SlippageBps uint32
	// Deadline is relative to the time the transaction is prepared.
	Deadline time.Duration
	// ReceiveWrapped keeps the wrapped token instead of unwrapping the native coin.
	ReceiveWrapped bool
}

// Request is the withdrawal derived from a Draft and the current position.
type Request struct {
	ID             uuid.UUID
	Pair           common.Address
	Liquidity      *big.Int
	TokenA         position.Token
	TokenB         position.Token
	Percent        uint8
	SlippageBps    uint32
	Deadline       time.Duration
	ReceiveWrapped bool
}

// Amounts is the share of a position selected by a percent or an exact amount.
type Amounts struct {
	Percent   uint8
	Liquidity *big.Int
	AmountA   *big.Int
	AmountB   *big.Int
}

// Preview is everything the user confirms before broadcast.
type Preview struct {
	RequestID uuid.UUID
	Pair      common.Address
	PairName  string
	TokenA    position.Token
	TokenB    position.Token
	SymbolA   string
	SymbolB   string

	Percent   uint8
	Liquidity *big.Int
	AmountA   *big.Int
	AmountB   *big.Int
	MinA      *big.Int
	MinB      *big.Int

	// RateAB reads "1 A = RateAB B".
	RateAB string
	RateBA string

	Summary       string
	Method        routerabi.Method
	GasLimit      uint64
	Deadline      uint64
	Authorization permit.Kind
	Warnings      []string
}

// Status is a point-in-time view of an orchestrator.
type Status struct {
	State   State
	Auth    permit.State
	Percent uint8
	Preview *Preview
	Record  *txhistory.Record
	Err     error
}

// ConfirmFunc is shown the preview and reports whether to broadcast.
type ConfirmFunc func(Preview) bool

// Orchestrator drives one account's withdrawal through authorization, estimation, broadcast and
// confirmation. Methods other than Dismiss, State and Status run one at a time; overlapping calls
// return ErrBusy.
type Orchestrator struct {
	positions PositionProvider
	auth      Authorizer
	estimator GasEstimator
	submitter Submitter
	recorder  txhistory.Recorder
	cfg       Config
	log       *slog.Logger

	mu      sync.Mutex
	state   State
	busy    bool
	waiting bool
	cancel  context.CancelFunc
	// gen changes on Dismiss so results of a dismissed attempt are discarded.
	gen uint64

	draft Draft
	pos   *position.Position
	req   *Request

	authState     permit.State
	authPair      common.Address
	authLiquidity *big.Int

	preview *Preview
	txReq   eth.TxRequest
	method  routerabi.Method
	record  *txhistory.Record
	lastErr error
	// staleDraft is set when a broadcast transaction was dismissed before its outcome was known.
	staleDraft bool

	watchCtx  context.Context
	stopWatch context.CancelFunc
	watchers  sync.WaitGroup
}

func New(positions PositionProvider, auth Authorizer, estimator GasEstimator, submitter Submitter, recorder txhistory.Recorder, cfg Config) (*Orchestrator, error) {
	if positions == nil || auth == nil || estimator == nil || submitter == nil || recorder == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if (cfg.Router == common.Address{}) {
		return nil, fmt.Errorf("%w: missing router", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.New
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	return &Orchestrator{
		positions: positions,
		auth:      auth,
		estimator: estimator,
		submitter: submitter,
		recorder:  recorder,
		cfg:       cfg,
		log:       log,
		watchCtx:  watchCtx,
		stopWatch: stopWatch,
	}, nil
}

// Close stops watching dismissed transactions and waits for the watchers to exit. Records of
// transactions still unmined stay pending.
func (o *Orchestrator) Close() {
	o.stopWatch()
	o.watchers.Wait()
}

// State returns the held authorization and the lifecycle state.
func (o *Orchestrator) State() (permit.State, State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.authState, o.state
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		State:   o.state,
		Auth:    o.authState,
		Percent: o.draft.Percent,
		Err:     o.lastErr,
	}
	if o.preview != nil {
		p := *o.preview
		st.Preview = &p
	}
	if o.record != nil {
		r := *o.record
		st.Record = &r
	}
	return st
}

// Draft returns the most recent draft, including percent changes made since.
func (o *Orchestrator) Draft() Draft {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := o.draft
	if d.Amount != nil {
		d.Amount = new(big.Int).Set(d.Amount)
	}
	return d
}

// SetPercent changes the share to withdraw. Authorization bound to a different amount is dropped
// and any preview is discarded.
func (o *Orchestrator) SetPercent(ctx context.Context, percent uint8) (Amounts, error) {
	if percent > 100 {
		return Amounts{}, fmt.Errorf("%w: percent %d > 100", amounts.ErrConfiguration, percent)
	}
	return o.edit(ctx, InputPercent, percent, nil)
}

// SetAmount selects the share by an exact LP or token amount in base units. Amounts beyond the
// position select the whole balance.
func (o *Orchestrator) SetAmount(ctx context.Context, in Input, amount *big.Int) (Amounts, error) {
	if in == InputPercent {
		return Amounts{}, fmt.Errorf("%w: use SetPercent", amounts.ErrConfiguration)
	}
	if amount == nil || amount.Sign() <= 0 {
		return Amounts{}, fmt.Errorf("%w: amount must be > 0", amounts.ErrConfiguration)
	}
	return o.edit(ctx, in, 0, new(big.Int).Set(amount))
}

func (o *Orchestrator) edit(ctx context.Context, in Input, percent uint8, amount *big.Int) (Amounts, error) {
	ctx, gen, end, err := o.begin(ctx)
	if err != nil {
		return Amounts{}, err
	}
	defer end()

	o.mu.Lock()
	if _, err := transition(o.state, evEdit); err != nil {
		o.mu.Unlock()
		return Amounts{}, err
	}
	pair := o.draft.Pair
	var pos position.Position
	havePos := o.pos != nil && o.pos.Pair == pair
	if havePos {
		pos = *o.pos
	}
	o.mu.Unlock()

	if !havePos {
		pos, err = o.loadPosition(ctx, pair)
		if err != nil {
			return Amounts{}, err
		}
	}
	liquidity, percent, err := selectLiquidity(pos, Draft{Input: in, Percent: percent, Amount: amount})
	if err != nil {
		return Amounts{}, err
	}
	a, b := pos.Underlying(liquidity)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.apply(gen, evEdit); err != nil {
		return Amounts{}, err
	}
	o.draft.Input = in
	o.draft.Percent = percent
	o.draft.Amount = amount
	o.staleDraft = false
	o.pos = &pos
	o.req = nil
	o.preview = nil
	o.lastErr = nil
	if o.authLiquidity == nil || o.authLiquidity.Cmp(liquidity) != 0 {
		o.clearAuthLocked()
	}
	return Amounts{Percent: percent, Liquidity: liquidity, AmountA: a, AmountB: b}, nil
}

// Prepare authorizes and estimates the withdrawal described by d, leaving it awaiting confirmation.
func (o *Orchestrator) Prepare(ctx context.Context, d Draft) (Preview, error) {
	ctx, gen, end, err := o.begin(ctx)
	if err != nil {
		return Preview{}, err
	}
	defer end()

	if err := validateDraft(d); err != nil {
		return Preview{}, err
	}
	if d.Amount != nil {
		d.Amount = new(big.Int).Set(d.Amount)
	}
	o.mu.Lock()
	if _, err := transition(o.state, evPrepare); err != nil {
		o.mu.Unlock()
		return Preview{}, err
	}
	o.mu.Unlock()

	pos, err := o.loadPosition(ctx, d.Pair)
	if err != nil {
		o.abort(gen, err)
		return Preview{}, err
	}
	liquidity, percent, err := selectLiquidity(pos, d)
	if err != nil {
		return Preview{}, err
	}
	d.Percent = percent
	if liquidity.Sign() == 0 {
		return Preview{}, fmt.Errorf("%w: no liquidity to withdraw", amounts.ErrConfiguration)
	}

	o.mu.Lock()
	if err := o.apply(gen, evPrepare); err != nil {
		o.mu.Unlock()
		return Preview{}, err
	}
	o.draft = d
	o.staleDraft = false
	o.pos = &pos
	o.req = &Request{
		ID:             o.cfg.NewID(),
		Pair:           d.Pair,
		Liquidity:      liquidity,
		TokenA:         pos.Token0,
		TokenB:         pos.Token1,
		Percent:        d.Percent,
		SlippageBps:    d.SlippageBps,
		Deadline:       d.Deadline,
		ReceiveWrapped: d.ReceiveWrapped,
	}
	o.preview = nil
	o.record = nil
	o.lastErr = nil
	o.mu.Unlock()

	return o.run(ctx, gen)
}

// Retry resumes a failed request without re-entering amounts. A held authorization is reused.
func (o *Orchestrator) Retry(ctx context.Context) (Preview, error) {
	ctx, gen, end, err := o.begin(ctx)
	if err != nil {
		return Preview{}, err
	}
	defer end()

	o.mu.Lock()
	if o.req == nil || o.pos == nil {
		o.mu.Unlock()
		return Preview{}, fmt.Errorf("%w: nothing to retry", ErrInvalidTransition)
	}
	if err := o.apply(gen, evRetry); err != nil {
		o.mu.Unlock()
		return Preview{}, err
	}
	o.preview = nil
	o.lastErr = nil
	o.mu.Unlock()

	return o.run(ctx, gen)
}

// Confirm broadcasts the prepared transaction and records it as pending.
func (o *Orchestrator) Confirm(ctx context.Context) (txhistory.Record, error) {
	ctx, gen, end, err := o.begin(ctx)
	if err != nil {
		return txhistory.Record{}, err
	}
	defer end()

	o.mu.Lock()
	if o.preview == nil || o.req == nil {
		o.mu.Unlock()
		return txhistory.Record{}, fmt.Errorf("%w: nothing prepared", ErrInvalidTransition)
	}
	if _, err := transition(o.state, evConfirm); err != nil {
		o.mu.Unlock()
		return txhistory.Record{}, err
	}
	if uint64(o.cfg.Now().Unix()) >= o.preview.Deadline {
		err := o.failLocked(gen, ErrPreviewExpired)
		o.mu.Unlock()
		return txhistory.Record{}, err
	}
	if err := o.apply(gen, evConfirm); err != nil {
		o.mu.Unlock()
		return txhistory.Record{}, err
	}
	preview := *o.preview
	req := *o.req
	txReq := o.txReq
	method := o.method
	o.mu.Unlock()

	account := o.submitter.Address()
	hash, err := o.submitter.Send(ctx, txReq)
	if err != nil {
		metrics.RecordSubmission(method.String(), "send_failed")
		o.log.Warn("withdrawal broadcast failed", "request", req.ID, "method", method, "err", err)
		o.mu.Lock()
		defer o.mu.Unlock()
		return txhistory.Record{}, o.failLocked(gen, fmt.Errorf("%w: %v", ErrBroadcastFailed, err))
	}
	metrics.RecordSubmission(method.String(), "broadcast")

	rec := txhistory.Record{
		Hash:        hash,
		RequestID:   req.ID,
		Account:     account,
		Pair:        req.Pair,
		Method:      method.String(),
		GasLimit:    txReq.GasLimit,
		Summary:     preview.Summary,
		SubmittedAt: o.cfg.Now().UTC(),
		Outcome:     txhistory.OutcomePending,
	}
	o.log.Info("withdrawal broadcast", "request", req.ID, "tx", hash, "method", method, "gas_limit", txReq.GasLimit)
	// The transaction is out; record it even if the caller or a dismissal canceled ctx.
	if err := o.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		o.log.Error("record withdrawal", "tx", hash, "err", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		// Dismissed while sending; the transaction is out regardless.
		o.staleDraft = true
		o.watchLocked(rec, txReq, method)
		return rec, nil
	}
	if err := o.apply(gen, evBroadcast); err != nil {
		return rec, err
	}
	o.record = &rec
	return rec, nil
}

// Wait blocks until the pending transaction is mined. A revert moves the request to Failed with the
// on-chain reason and returns ErrSubmissionReverted. Wait is not canceled by Dismiss.
func (o *Orchestrator) Wait(ctx context.Context) (txhistory.Record, error) {
	o.mu.Lock()
	if o.waiting {
		o.mu.Unlock()
		return txhistory.Record{}, ErrBusy
	}
	if o.state != StatePending || o.record == nil {
		s := o.state
		o.mu.Unlock()
		return txhistory.Record{}, fmt.Errorf("%w: wait on %s", ErrInvalidTransition, s)
	}
	o.waiting = true
	gen := o.gen
	rec := *o.record
	txReq := o.txReq
	method := o.method
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.waiting = false
		o.mu.Unlock()
	}()

	rec, outErr, err := o.await(ctx, rec, txReq, method)
	if err != nil {
		return rec, err
	}
	ev := evMined
	if outErr != nil {
		ev = evFail
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		o.settleDetachedLocked(rec)
		return rec, outErr
	}
	if err := o.apply(gen, ev); err != nil {
		return rec, err
	}
	o.record = &rec
	if ev == evMined {
		// The allowance or permit nonce was consumed.
		o.clearAuthLocked()
		o.preview = nil
	} else {
		o.lastErr = outErr
	}
	return rec, outErr
}

// await waits for rec to be mined and stores its outcome. outErr is ErrSubmissionReverted on a
// revert; err reports a failed wait, after which the outcome is still unknown.
func (o *Orchestrator) await(ctx context.Context, rec txhistory.Record, txReq eth.TxRequest, method routerabi.Method) (_ txhistory.Record, outErr, err error) {
	receipt, err := o.submitter.WaitMined(ctx, rec.Hash)
	if err != nil {
		return rec, nil, fmt.Errorf("withdrawal: wait %s: %w", rec.Hash, err)
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		rec.Outcome = txhistory.OutcomeConfirmed
		metrics.RecordSubmission(method.String(), "confirmed")
		o.log.Info("withdrawal confirmed", "request", rec.RequestID, "tx", rec.Hash, "block", receipt.BlockNumber)
	} else {
		reason := o.submitter.RevertReason(ctx, txReq, receipt)
		if reason == "" {
			reason = defaultRevertReason
		}
		rec.Outcome = txhistory.OutcomeFailed
		rec.Reason = reason
		outErr = fmt.Errorf("%w: %s", ErrSubmissionReverted, reason)
		metrics.RecordSubmission(method.String(), "reverted")
		o.log.Warn("withdrawal reverted", "request", rec.RequestID, "tx", rec.Hash, "reason", reason)
	}
	if err := o.recorder.UpdateOutcome(context.WithoutCancel(ctx), rec.Hash, rec.Outcome, rec.Reason); err != nil {
		o.log.Error("update withdrawal outcome", "tx", rec.Hash, "err", err)
	}
	return rec, outErr, nil
}

// watchLocked awaits a dismissed transaction in the background. o.mu must be held.
func (o *Orchestrator) watchLocked(rec txhistory.Record, txReq eth.TxRequest, method routerabi.Method) {
	o.watchers.Add(1)
	go func() {
		defer o.watchers.Done()
		out, _, err := o.await(o.watchCtx, rec, txReq, method)
		if err != nil {
			o.log.Warn("dismissed withdrawal left pending", "request", rec.RequestID, "tx", rec.Hash, "err", err)
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		o.settleDetachedLocked(out)
	}()
}

// settleDetachedLocked applies the outcome of a dismissed transaction. Once it confirms, the
// position it was drafted against is gone, so an untouched draft is reset. o.mu must be held.
func (o *Orchestrator) settleDetachedLocked(rec txhistory.Record) {
	if rec.Outcome != txhistory.OutcomeConfirmed || !o.staleDraft {
		return
	}
	o.staleDraft = false
	o.resetDraftLocked()
}

func (o *Orchestrator) resetDraftLocked() {
	o.draft.Input = InputPercent
	o.draft.Percent = 0
	o.draft.Amount = nil
	o.pos = nil
}

// Submit runs the whole flow: prepare, ask confirm, broadcast and wait for the outcome.
func (o *Orchestrator) Submit(ctx context.Context, d Draft, confirm ConfirmFunc) (txhistory.Record, error) {
	preview, err := o.Prepare(ctx, d)
	if err != nil {
		return txhistory.Record{}, err
	}
	if confirm != nil && !confirm(preview) {
		return txhistory.Record{}, ErrNotConfirmed
	}
	if _, err := o.Confirm(ctx); err != nil {
		return txhistory.Record{}, err
	}
	return o.Wait(ctx)
}

// Dismiss returns to Idle from any state and drops the held authorization. An attempt that has not
// been broadcast is canceled. A broadcast transaction is still awaited: by a running Wait, or else
// in the background until it is mined or Close is called. After a confirmed withdrawal the selected
// amount is reset to 0%.
func (o *Orchestrator) Dismiss() {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateAuthorizing, StateEstimating, StateSubmitting:
		if o.cancel != nil {
			o.cancel()
		}
	case StatePending:
		o.staleDraft = true
		if !o.waiting && o.record != nil {
			o.watchLocked(*o.record, o.txReq, o.method)
		}
	}
	if o.record != nil && o.record.Outcome == txhistory.OutcomeConfirmed {
		o.resetDraftLocked()
	}
	if o.state != StateIdle {
		metrics.RecordTransition(o.state.String(), StateIdle.String())
	}
	o.gen++
	o.state = StateIdle
	o.clearAuthLocked()
	o.req = nil
	o.preview = nil
	o.record = nil
	o.lastErr = nil
}

// IsRecoverable reports whether err leaves the request retryable with Retry.
func IsRecoverable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, gasest.ErrEstimationExhausted),
		errors.Is(err, permit.ErrAuthorizationFailed),
		errors.Is(err, ErrSubmissionReverted),
		errors.Is(err, ErrBroadcastFailed),
		errors.Is(err, ErrPreviewExpired),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// run authorizes (unless a usable authorization is held), builds candidates and estimates gas.
// The orchestrator must be in Authorizing.
func (o *Orchestrator) run(ctx context.Context, gen uint64) (Preview, error) {
	o.mu.Lock()
	req := *o.req
	pos := *o.pos
	auth := o.authState
	reuse := o.authUsableLocked(req.Pair, req.Liquidity)
	o.mu.Unlock()

	account := o.submitter.Address()
	if !reuse {
		st, err := o.auth.RequestAuthorization(ctx, permit.Request{
			Owner:    account,
			Spender:  o.cfg.Router,
			Pair:     req.Pair,
			Name:     pos.Name,
			Value:    req.Liquidity,
			Deadline: req.Deadline,
		}, func(s permit.State) {
			o.mu.Lock()
			defer o.mu.Unlock()
			if gen == o.gen {
				o.bindAuthLocked(s, req)
			}
		})

		o.mu.Lock()
		if gen != o.gen {
			o.mu.Unlock()
			return Preview{}, ErrDismissed
		}
		o.bindAuthLocked(st, req)
		if err != nil {
			if errors.Is(err, permit.ErrAuthorizationRejected) {
				o.lastErr = err
				_ = o.apply(gen, evAbort)
			} else {
				err = o.failLocked(gen, err)
			}
			o.mu.Unlock()
			return Preview{}, err
		}
		o.mu.Unlock()
		auth = st
	} else {
		o.log.Debug("reusing authorization", "request", req.ID, "auth", auth)
	}

	o.mu.Lock()
	if err := o.apply(gen, evAuthorized); err != nil {
		o.mu.Unlock()
		return Preview{}, err
	}
	o.mu.Unlock()

	preview, txReq, method, err := o.estimate(ctx, account, req, pos, auth)
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		return Preview{}, ErrDismissed
	}
	if err != nil {
		return Preview{}, o.failLocked(gen, err)
	}
	if err := o.apply(gen, evEstimated); err != nil {
		return Preview{}, err
	}
	o.preview = &preview
	o.txReq = txReq
	o.method = method
	return preview, nil
}

func (o *Orchestrator) estimate(ctx context.Context, account common.Address, req Request, pos position.Position, auth permit.State) (Preview, eth.TxRequest, routerabi.Method, error) {
	amountA, amountB := pos.Underlying(req.Liquidity)
	minA, minB, err := amounts.ComputeMinimums(amountA, amountB, req.SlippageBps)
	if err != nil {
		return Preview{}, eth.TxRequest{}, 0, err
	}
	deadline := uint64(o.cfg.Now().Add(req.Deadline).Unix())
	if auth.Kind == permit.PermitSigned && auth.Permit != nil {
		deadline = auth.Permit.Deadline
	}

	cs, err := candidate.Build(candidate.Params{
		Auth:            auth,
		TokenA:          req.TokenA.Address,
		TokenB:          req.TokenB.Address,
		NativeA:         req.TokenA.Native && !req.ReceiveWrapped,
		NativeB:         req.TokenB.Native && !req.ReceiveWrapped,
		Liquidity:       req.Liquidity,
		MinA:            minA,
		MinB:            minB,
		To:              account,
		Deadline:        deadline,
		WrappedFallback: o.cfg.WrappedFallback,
	})
	if err != nil {
		return Preview{}, eth.TxRequest{}, 0, err
	}
	est, err := o.estimator.Select(ctx, account, o.cfg.Router, cs)
	if err != nil {
		return Preview{}, eth.TxRequest{}, 0, err
	}
	chosen := cs[est.Index]

	unwrap := chosen.Native
	symA := req.TokenA.DisplaySymbol(unwrap)
	symB := req.TokenB.DisplaySymbol(unwrap)
	p := Preview{
		RequestID:     req.ID,
		Pair:          req.Pair,
		PairName:      pos.Name,
		TokenA:        req.TokenA,
		TokenB:        req.TokenB,
		SymbolA:       symA,
		SymbolB:       symB,
		Percent:       req.Percent,
		Liquidity:     new(big.Int).Set(req.Liquidity),
		AmountA:       amountA,
		AmountB:       amountB,
		MinA:          minA,
		MinB:          minB,
		Summary:       Summary(amountA, req.TokenA.Decimals, symA, amountB, req.TokenB.Decimals, symB),
		Method:        chosen.Method,
		GasLimit:      est.GasLimit,
		Deadline:      deadline,
		Authorization: auth.Kind,
	}
	if rateAB, rateBA := pos.Rates(); rateAB != nil {
		p.RateAB = amounts.FormatRat(rateAB, 6)
		p.RateBA = amounts.FormatRat(rateBA, 6)
	}
	if w := amounts.SlippageWarning(req.SlippageBps); w != "" {
		p.Warnings = append(p.Warnings, w)
	}
	return p, eth.TxRequest{To: o.cfg.Router, Data: chosen.Calldata, GasLimit: est.GasLimit}, chosen.Method, nil
}

// Summary renders the transaction description shown in history.
func Summary(amountA *big.Int, decimalsA uint8, symbolA string, amountB *big.Int, decimalsB uint8, symbolB string) string {
	return fmt.Sprintf("Remove %s %s and %s %s",
		amounts.FormatSignificant(amountA, decimalsA, 3), symbolA,
		amounts.FormatSignificant(amountB, decimalsB, 3), symbolB)
}

func validateDraft(d Draft) error {
	switch d.Input {
	case InputPercent:
		if err := amounts.ValidatePercent(d.Percent); err != nil {
			return err
		}
	case InputLiquidity, InputAmountA, InputAmountB:
		if d.Amount == nil || d.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: amount must be > 0", amounts.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown input %d", amounts.ErrConfiguration, d.Input)
	}
	if err := amounts.ValidateSlippage(d.SlippageBps); err != nil {
		return err
	}
	return amounts.ValidateDeadline(d.Deadline)
}

// selectLiquidity returns the liquidity d selects from pos and the whole percent it amounts to.
func selectLiquidity(pos position.Position, d Draft) (*big.Int, uint8, error) {
	if d.Input == InputPercent {
		liquidity, err := amounts.ComputePercentAmounts(pos.Balance, d.Percent)
		return liquidity, d.Percent, err
	}
	full := pos.Balance
	switch d.Input {
	case InputLiquidity:
	case InputAmountA:
		full, _ = pos.Underlying(pos.Balance)
	case InputAmountB:
		_, full = pos.Underlying(pos.Balance)
	default:
		return nil, 0, fmt.Errorf("%w: unknown input %d", amounts.ErrConfiguration, d.Input)
	}
	liquidity, err := amounts.ComputeLiquidityForAmount(pos.Balance, full, d.Amount)
	if err != nil {
		return nil, 0, err
	}
	return liquidity, amounts.PercentOf(liquidity, pos.Balance), nil
}

func (o *Orchestrator) loadPosition(ctx context.Context, pair common.Address) (position.Position, error) {
	account := o.submitter.Address()
	if (account == common.Address{}) {
		return position.Position{}, fmt.Errorf("%w: no account", ErrMissingContext)
	}
	if (pair == common.Address{}) {
		return position.Position{}, fmt.Errorf("%w: no pair", ErrMissingContext)
	}
	pos, err := o.positions.Position(ctx, pair, account)
	if err != nil {
		return position.Position{}, fmt.Errorf("%w: position %s: %v", ErrMissingContext, pair, err)
	}
	return pos, nil
}

// begin claims the single operation slot. The returned context is canceled by Dismiss.
func (o *Orchestrator) begin(ctx context.Context) (context.Context, uint64, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return nil, 0, nil, ErrBusy
	}
	cctx, cancel := context.WithCancel(ctx)
	o.busy = true
	o.cancel = cancel
	gen := o.gen
	return cctx, gen, func() {
		cancel()
		o.mu.Lock()
		o.busy = false
		o.cancel = nil
		o.mu.Unlock()
	}, nil
}

// apply moves to the state reached on ev. o.mu must be held.
func (o *Orchestrator) apply(gen uint64, ev event) error {
	if gen != o.gen {
		return ErrDismissed
	}
	next, err := transition(o.state, ev)
	if err != nil {
		return err
	}
	if next != o.state {
		metrics.RecordTransition(o.state.String(), next.String())
		o.log.Debug("withdrawal state", "from", o.state, "to", next, "event", ev)
	}
	o.state = next
	return nil
}

// failLocked moves to Failed and returns err. o.mu must be held.
func (o *Orchestrator) failLocked(gen uint64, err error) error {
	if gen != o.gen {
		return ErrDismissed
	}
	o.lastErr = err
	if terr := o.apply(gen, evFail); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

// abort returns a fresh attempt to Idle on a fatal error.
func (o *Orchestrator) abort(gen uint64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		return
	}
	o.lastErr = err
	if o.state != StateIdle {
		_ = o.apply(gen, evEdit)
	}
	o.preview = nil
	o.req = nil
}

func (o *Orchestrator) authUsableLocked(pair common.Address, liquidity *big.Int) bool {
	if !o.authState.Authorized() || o.authPair != pair || o.authLiquidity == nil {
		return false
	}
	if o.authLiquidity.Cmp(liquidity) != 0 || !o.authState.Covers(liquidity) {
		return false
	}
	return !o.authState.Expired(o.cfg.Now())
}

func (o *Orchestrator) bindAuthLocked(s permit.State, req Request) {
	o.authState = s
	if s.Kind == permit.NotAuthorized {
		o.authPair = common.Address{}
		o.authLiquidity = nil
		return
	}
	o.authPair = req.Pair
	o.authLiquidity = new(big.Int).Set(req.Liquidity)
}

func (o *Orchestrator) clearAuthLocked() {
	o.authState = permit.State{}
	o.authPair = common.Address{}
	o.authLiquidity = nil
}
