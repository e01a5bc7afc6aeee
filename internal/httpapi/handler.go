package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mojitoswap/lp-withdraw/internal/amounts"
	"github.com/mojitoswap/lp-withdraw/internal/gasest"
	"github.com/mojitoswap/lp-withdraw/internal/permit"
	"github.com/mojitoswap/lp-withdraw/internal/position"
	"github.com/mojitoswap/lp-withdraw/internal/txhistory"
	"github.com/mojitoswap/lp-withdraw/internal/withdrawal"
)

// Session is the withdrawal orchestrator served by the handler.
type Session interface {
	Prepare(ctx context.Context, d withdrawal.Draft) (withdrawal.Preview, error)
	SetPercent(ctx context.Context, percent uint8) (withdrawal.Amounts, error)
	SetAmount(ctx context.Context, in withdrawal.Input, amount *big.Int) (withdrawal.Amounts, error)
	Confirm(ctx context.Context) (txhistory.Record, error)
	Wait(ctx context.Context) (txhistory.Record, error)
	Retry(ctx context.Context) (withdrawal.Preview, error)
	Dismiss()
	Status() withdrawal.Status
}

// History lists past withdrawals.
type History interface {
	ListByAccount(ctx context.Context, account common.Address, limit int) ([]txhistory.Record, error)
}

type Config struct {
	// AuthToken enables bearer-token auth on every /v1 request when set.
	AuthToken string

	// MaxBodyBytes limits request sizes to prevent memory DoS. Defaults to 64 KiB.
	MaxBodyBytes int64

	// MaxWaitSeconds bounds per-request execution time (server-side). Defaults to 300s.
	MaxWaitSeconds int

	// Account owns the served session; history is listed for it.
	Account common.Address
	History History

	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler

	Logger *slog.Logger
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

func NewHandler(session Session, cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.MaxWaitSeconds <= 0 {
		cfg.MaxWaitSeconds = 300
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &handler{session: session, cfg: cfg, log: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("GET /v1/status", h.auth(h.status))
	mux.HandleFunc("POST /v1/prepare", h.auth(h.prepare))
	mux.HandleFunc("POST /v1/percent", h.auth(h.percent))
	mux.HandleFunc("POST /v1/amount", h.auth(h.amount))
	mux.HandleFunc("POST /v1/confirm", h.auth(h.confirm))
	mux.HandleFunc("POST /v1/wait", h.auth(h.wait))
	mux.HandleFunc("POST /v1/retry", h.auth(h.retry))
	mux.HandleFunc("POST /v1/dismiss", h.auth(h.dismiss))
	mux.HandleFunc("GET /v1/history", h.auth(h.history))

	return mux
}

type handler struct {
	session Session
	cfg     Config
	log     *slog.Logger
}

func (h *handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse(h.session.Status()))
}

func (h *handler) prepare(w http.ResponseWriter, r *http.Request) {
	var req PrepareRequest
	if !decodeBody(w, r, h.cfg.MaxBodyBytes, &req, false) {
		return
	}
	if !common.IsHexAddress(req.Pair) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_pair"})
		return
	}
	if req.DeadlineSeconds <= 0 || req.DeadlineSeconds > int64((365*24*time.Hour)/time.Second) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_deadline"})
		return
	}

	in, amount, ok := parseInput(req.Input, req.Amount)
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_amount"})
		return
	}

	ctx, cancel := h.withTimeout(r.Context(), req.TimeoutSeconds)
	defer cancel()

	p, err := h.session.Prepare(ctx, withdrawal.Draft{
		Pair:           common.HexToAddress(req.Pair),
		Input:          in,
		Percent:        req.Percent,
		Amount:         amount,
		SlippageBps:    req.SlippageBps,
		Deadline:       time.Duration(req.DeadlineSeconds) * time.Second,
		ReceiveWrapped: req.ReceiveWrapped,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse(p))
}

func (h *handler) percent(w http.ResponseWriter, r *http.Request) {
	var req PercentRequest
	if !decodeBody(w, r, h.cfg.MaxBodyBytes, &req, false) {
		return
	}
	ctx, cancel := h.withTimeout(r.Context(), 0)
	defer cancel()

	a, err := h.session.SetPercent(ctx, req.Percent)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountsResponse(a))
}

func (h *handler) amount(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeBody(w, r, h.cfg.MaxBodyBytes, &req, false) {
		return
	}
	in, amount, ok := parseInput(req.Input, req.Amount)
	if !ok || in == withdrawal.InputPercent {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_amount"})
		return
	}
	ctx, cancel := h.withTimeout(r.Context(), 0)
	defer cancel()

	a, err := h.session.SetAmount(ctx, in, amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountsResponse(a))
}

// parseInput resolves the input kind and, for the exact-amount inputs, a positive base-10 amount.
func parseInput(input, amount string) (withdrawal.Input, *big.Int, bool) {
	in, err := withdrawal.ParseInput(strings.TrimSpace(input))
	if err != nil {
		return 0, nil, false
	}
	if in == withdrawal.InputPercent {
		return in, nil, true
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok || v.Sign() <= 0 || v.BitLen() > 256 {
		return 0, nil, false
	}
	return in, v, true
}

func (h *handler) confirm(w http.ResponseWriter, r *http.Request) {
	var req WaitRequest
	if !decodeBody(w, r, h.cfg.MaxBodyBytes, &req, true) {
		return
	}
	ctx, cancel := h.withTimeout(r.Context(), req.TimeoutSeconds)
	defer cancel()

	rec, err := h.session.Confirm(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

func (h *handler) wait(w http.ResponseWriter, r *http.Request) {
	var req WaitRequest
	if !decodeBody(w, r, h.cfg.MaxBodyBytes, &req, true) {
		return
	}
	ctx, cancel := h.withTimeout(r.Context(), req.TimeoutSeconds)
	defer cancel()

	rec, err := h.session.Wait(ctx)
	if err != nil {
		if errors.Is(err, withdrawal.ErrSubmissionReverted) {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:       "reverted",
				Reason:      rec.Reason,
				Recoverable: true,
			})
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

func (h *handler) retry(w http.ResponseWriter, r *http.Request) {
	var req WaitRequest
	if !decodeBody(w, r, h.cfg.MaxBodyBytes, &req, true) {
		return
	}
	ctx, cancel := h.withTimeout(r.Context(), req.TimeoutSeconds)
	defer cancel()

	p, err := h.session.Retry(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse(p))
}

func (h *handler) dismiss(w http.ResponseWriter, r *http.Request) {
	h.session.Dismiss()
	writeJSON(w, http.StatusOK, statusResponse(h.session.Status()))
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	if h.cfg.History == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "history_disabled"})
		return
	}
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_limit"})
			return
		}
		limit = n
	}
	ctx, cancel := h.withTimeout(r.Context(), 0)
	defer cancel()

	recs, err := h.cfg.History.ListByAccount(ctx, h.cfg.Account, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := HistoryResponse{Records: make([]RecordResponse, 0, len(recs))}
	for _, rec := range recs {
		out.Records = append(out.Records, recordResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) withTimeout(ctx context.Context, requested int) (context.Context, context.CancelFunc) {
	timeout := time.Duration(h.cfg.MaxWaitSeconds) * time.Second
	if requested > 0 {
		rt := time.Duration(requested) * time.Second
		if rt < timeout {
			timeout = rt
		}
	}
	return context.WithTimeout(ctx, timeout)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "err", err)
	}
	// Avoid leaking internal details by default.
	writeJSON(w, status, ErrorResponse{Error: code, Recoverable: withdrawal.IsRecoverable(err)})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, withdrawal.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, withdrawal.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, withdrawal.ErrDismissed):
		return http.StatusConflict, "dismissed"
	case errors.Is(err, withdrawal.ErrMissingContext):
		return http.StatusUnprocessableEntity, "missing_context"
	case errors.Is(err, amounts.ErrConfiguration):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, permit.ErrAuthorizationRejected):
		return http.StatusForbidden, "authorization_rejected"
	case errors.Is(err, permit.ErrAuthorizationFailed):
		return http.StatusBadGateway, "authorization_failed"
	case errors.Is(err, gasest.ErrEstimationExhausted):
		return http.StatusUnprocessableEntity, "estimation_exhausted"
	case errors.Is(err, withdrawal.ErrPreviewExpired):
		return http.StatusConflict, "preview_expired"
	case errors.Is(err, withdrawal.ErrBroadcastFailed):
		return http.StatusBadGateway, "broadcast_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeBody decodes a JSON body into v. An empty body is accepted when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_json"})
		return false
	}
	// Reject trailing garbage.
	if dec.More() {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_json"})
		return false
	}
	return true
}

func statusResponse(st withdrawal.Status) StatusResponse {
	out := StatusResponse{
		State:         st.State.String(),
		Authorization: st.Auth.Kind.String(),
		Percent:       st.Percent,
	}
	if st.Preview != nil {
		p := previewResponse(*st.Preview)
		out.Preview = &p
	}
	if st.Record != nil {
		rec := recordResponse(*st.Record)
		out.Record = &rec
	}
	if st.Err != nil {
		_, out.Error = classify(st.Err)
		out.Recoverable = withdrawal.IsRecoverable(st.Err)
	}
	return out
}

func previewResponse(p withdrawal.Preview) PreviewResponse {
	return PreviewResponse{
		RequestID:     p.RequestID.String(),
		Pair:          p.Pair.Hex(),
		PairName:      p.PairName,
		TokenA:        tokenResponse(p.TokenA, p.SymbolA),
		TokenB:        tokenResponse(p.TokenB, p.SymbolB),
		Percent:       p.Percent,
		Liquidity:     bigString(p.Liquidity),
		AmountA:       bigString(p.AmountA),
		AmountB:       bigString(p.AmountB),
		MinA:          bigString(p.MinA),
		MinB:          bigString(p.MinB),
		RateAB:        p.RateAB,
		RateBA:        p.RateBA,
		Summary:       p.Summary,
		Method:        p.Method.String(),
		GasLimit:      p.GasLimit,
		Deadline:      p.Deadline,
		Authorization: p.Authorization.String(),
		Warnings:      p.Warnings,
	}
}

func amountsResponse(a withdrawal.Amounts) AmountsResponse {
	return AmountsResponse{
		Percent:   a.Percent,
		Liquidity: bigString(a.Liquidity),
		AmountA:   bigString(a.AmountA),
		AmountB:   bigString(a.AmountB),
	}
}

func tokenResponse(t position.Token, symbol string) TokenResponse {
	return TokenResponse{
		Address:  t.Address.Hex(),
		Symbol:   symbol,
		Decimals: t.Decimals,
		Native:   t.Native,
	}
}

func recordResponse(r txhistory.Record) RecordResponse {
	return RecordResponse{
		TxHash:      r.Hash.Hex(),
		RequestID:   r.RequestID.String(),
		Account:     r.Account.Hex(),
		Pair:        r.Pair.Hex(),
		Method:      r.Method,
		GasLimit:    r.GasLimit,
		Summary:     r.Summary,
		SubmittedAt: r.SubmittedAt.UTC().Format(time.RFC3339),
		Outcome:     r.Outcome.String(),
		Reason:      r.Reason,
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	// Conservative parsing: exact "Bearer <token>" with single space.
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}
