package gasest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mojitoswap/lp-withdraw/internal/candidate"
	"github.com/mojitoswap/lp-withdraw/internal/eth"
	"github.com/mojitoswap/lp-withdraw/internal/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidConfig = errors.New("gasest: invalid config")
	// ErrEstimationExhausted is returned when no candidate could be estimated. Nothing may be sent.
	ErrEstimationExhausted = errors.New("gasest: estimation exhausted")
)

type Backend interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

type Config struct {
	// MarginBps pads the raw estimate; 11000 = x1.1. Zero selects eth.DefaultGasMarginBps.
	MarginBps uint32
	// MaxConcurrency bounds in-flight probes; zero probes every candidate at once.
	MaxConcurrency int

	Logger *slog.Logger
}

// Estimate is the chosen candidate and its padded gas limit.
type Estimate struct {
	Index    int
	Raw      uint64
	GasLimit uint64
}

type Estimator struct {
	backend Backend
	cfg     Config
	log     *slog.Logger
}

func New(backend Backend, cfg Config) (*Estimator, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.MarginBps == 0 {
		cfg.MarginBps = eth.DefaultGasMarginBps
	}
	if cfg.MarginBps <= 10_000 {
		return nil, fmt.Errorf("%w: margin must be > 10000 bps", ErrInvalidConfig)
	}
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("%w: max concurrency must be >= 0", ErrInvalidConfig)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{backend: backend, cfg: cfg, log: log}, nil
}

type probe struct {
	gas uint64
	err error
}

// Select probes every candidate concurrently and returns the first, in the given preference order,
// whose estimate succeeded. The result does not depend on which probe resolves first.
func (e *Estimator) Select(ctx context.Context, from, router common.Address, cs []candidate.Candidate) (Estimate, error) {
	if len(cs) == 0 {
		return Estimate{}, fmt.Errorf("%w: no candidates", ErrEstimationExhausted)
	}

	results := make([]probe, len(cs))
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.MaxConcurrency > 0 {
		g.SetLimit(e.cfg.MaxConcurrency)
	}
	for i, c := range cs {
		g.Go(func() error {
			to := router
			gas, err := e.backend.EstimateGas(gctx, ethereum.CallMsg{
				From: from,
				To:   &to,
				Data: c.Calldata,
			})
			results[i] = probe{gas: gas, err: err}
			metrics.RecordProbe(c.Method.String(), err == nil)
			// A failed probe is an outcome, not a reason to cancel the others.
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}

	var errs []error
	for i, r := range results {
		if r.err == nil {
			est := Estimate{Index: i, Raw: r.gas, GasLimit: eth.ApplyGasMargin(r.gas, e.cfg.MarginBps)}
			e.log.Debug("gas estimate selected", "method", cs[i].Method, "raw", r.gas, "limit", est.GasLimit)
			return est, nil
		}
		e.log.Debug("gas probe failed", "method", cs[i].Method, "err", r.err)
		errs = append(errs, fmt.Errorf("%s: %w", cs[i].Method, r.err))
	}
	metrics.RecordExhausted()
	return Estimate{}, fmt.Errorf("%w: %w", ErrEstimationExhausted, errors.Join(errs...))
}
