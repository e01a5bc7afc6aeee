package gasest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mojitoswap/lp-withdraw/internal/candidate"
	"github.com/mojitoswap/lp-withdraw/internal/permit"
	"github.com/mojitoswap/lp-withdraw/internal/routerabi"
)

var (
	from   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	router = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

// probeFunc decides the outcome of one probe; it may block.
type probeFunc func(ctx context.Context) (uint64, error)

type fakeBackend struct {
	mu     sync.Mutex
	probes map[routerabi.Method]probeFunc
	calls  map[routerabi.Method]int
}

func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	m, err := routerabi.MethodFromCalldata(msg.Data)
	if err != nil {
		return 0, err
	}
	if msg.To == nil || *msg.To != router || msg.From != from {
		return 0, errors.New("unexpected call target")
	}
	b.mu.Lock()
	if b.calls == nil {
		b.calls = make(map[routerabi.Method]int)
	}
	b.calls[m]++
	fn := b.probes[m]
	b.mu.Unlock()
	if fn == nil {
		return 0, errors.New("no probe configured")
	}
	return fn(ctx)
}

// probesFor maps outcomes onto the three native candidates in preference order.
func probesFor(eth, feeOnTransfer, wrapped probeFunc) map[routerabi.Method]probeFunc {
	return map[routerabi.Method]probeFunc{
		routerabi.RemoveLiquidityETH:                              eth,
		routerabi.RemoveLiquidityETHSupportingFeeOnTransferTokens: feeOnTransfer,
		routerabi.RemoveLiquidity:                                 wrapped,
	}
}

func nativeCandidates(t *testing.T) []candidate.Candidate {
	t.Helper()
	cs, err := candidate.Build(candidate.Params{
		Auth:            permit.State{Kind: permit.ApprovalGranted},
		TokenA:          common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		TokenB:          common.HexToAddress("0x00000000000000000000000000000000000000ee"),
		NativeB:         true,
		Liquidity:       big.NewInt(500_000),
		MinA:            big.NewInt(1),
		MinB:            big.NewInt(1),
		To:              from,
		Deadline:        1_700_001_200,
		WrappedFallback: true,
	})
	if err != nil {
		t.Fatalf("candidate.Build: %v", err)
	}
	if len(cs) != 3 {
		t.Fatalf("candidates: got %d want 3", len(cs))
	}
	return cs
}

func ok(gas uint64) probeFunc {
	return func(context.Context) (uint64, error) { return gas, nil }
}

func fail(msg string) probeFunc {
	return func(context.Context) (uint64, error) { return 0, errors.New(msg) }
}

func newTestEstimator(t *testing.T, b Backend) *Estimator {
	t.Helper()
	e, err := New(b, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestSelect_AllProbesFail(t *testing.T) {
	b := &fakeBackend{probes: probesFor(
		fail("execution reverted: K"),
		fail("execution reverted: TRANSFER_FAILED"),
		fail("execution reverted: INSUFFICIENT_A_AMOUNT"),
	)}
	_, err := newTestEstimator(t, b).Select(context.Background(), from, router, nativeCandidates(t))
	if !errors.Is(err, ErrEstimationExhausted) {
		t.Fatalf("expected ErrEstimationExhausted, got %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for m, n := range b.calls {
		if n != 1 {
			t.Fatalf("%s probed %d times", m, n)
		}
	}
	if len(b.calls) != 3 {
		t.Fatalf("probed methods: got %d want 3", len(b.calls))
	}
}

func TestSelect_PreferenceOrderBeatsCompletionOrder(t *testing.T) {
	// Candidate 1 succeeds before candidate 0's failure is observed.
	oneDone := make(chan struct{})
	b := &fakeBackend{probes: probesFor(
		func(ctx context.Context) (uint64, error) {
			select {
			case <-oneDone:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
			return 0, errors.New("execution reverted")
		},
		func(context.Context) (uint64, error) {
			defer close(oneDone)
			return 200_000, nil
		},
		ok(150_000),
	)}
	est, err := newTestEstimator(t, b).Select(context.Background(), from, router, nativeCandidates(t))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if est.Index != 1 {
		t.Fatalf("index: got %d want 1", est.Index)
	}
	if est.Raw != 200_000 || est.GasLimit != 220_000 {
		t.Fatalf("gas: got raw=%d limit=%d want 200000/220000", est.Raw, est.GasLimit)
	}
}

func TestSelect_EarlierCandidateWinsWhenSlower(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBackend{probes: probesFor(
		func(context.Context) (uint64, error) {
			<-release
			return 100_001, nil
		},
		func(context.Context) (uint64, error) {
			defer close(release)
			return 90_000, nil
		},
		ok(80_000),
	)}
	est, err := newTestEstimator(t, b).Select(context.Background(), from, router, nativeCandidates(t))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if est.Index != 0 {
		t.Fatalf("index: got %d want 0", est.Index)
	}
	// ceil(100001 * 1.1) = 110002
	if est.GasLimit != 110_002 {
		t.Fatalf("gas limit: got %d want 110002", est.GasLimit)
	}
}

func TestSelect_DeterministicAcrossRuns(t *testing.T) {
	for i := 0; i < 20; i++ {
		b := &fakeBackend{probes: probesFor(
			fail("execution reverted"),
			fail("execution reverted"),
			ok(120_000),
		)}
		e, err := New(b, Config{MaxConcurrency: 1 + i%3})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		est, err := e.Select(context.Background(), from, router, nativeCandidates(t))
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if est.Index != 2 {
			t.Fatalf("run %d: index got %d want 2", i, est.Index)
		}
	}
}

func TestSelect_NoCandidates(t *testing.T) {
	_, err := newTestEstimator(t, &fakeBackend{}).Select(context.Background(), from, router, nil)
	if !errors.Is(err, ErrEstimationExhausted) {
		t.Fatalf("expected ErrEstimationExhausted, got %v", err)
	}
}

func TestSelect_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &fakeBackend{probes: probesFor(
		ok(1),
		ok(1),
		ok(1),
	)}
	if _, err := newTestEstimator(t, b).Select(ctx, from, router, nativeCandidates(t)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNew_RejectsBadMargin(t *testing.T) {
	if _, err := New(&fakeBackend{}, Config{MarginBps: 10_000}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(nil, Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
