package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/mojitoswap/lp-withdraw/internal/gasest"
	"github.com/mojitoswap/lp-withdraw/internal/permit"
	"github.com/mojitoswap/lp-withdraw/internal/position"
	"github.com/mojitoswap/lp-withdraw/internal/routerabi"
	"github.com/mojitoswap/lp-withdraw/internal/txhistory"
	"github.com/mojitoswap/lp-withdraw/internal/withdrawal"
)

var (
	account  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	pairAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type stubSession struct {
	mu         sync.Mutex
	gotDraft   withdrawal.Draft
	gotPercent uint8
	gotInput   withdrawal.Input
	gotAmount  *big.Int
	dismissed  int

	preview    withdrawal.Preview
	prepareErr error
	record     txhistory.Record
	waitErr    error
	status     withdrawal.Status
}

func (s *stubSession) Prepare(_ context.Context, d withdrawal.Draft) (withdrawal.Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotDraft = d
	return s.preview, s.prepareErr
}

func (s *stubSession) SetPercent(_ context.Context, p uint8) (withdrawal.Amounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotPercent = p
	return withdrawal.Amounts{Percent: p, Liquidity: big.NewInt(int64(p) * 10), AmountA: big.NewInt(1), AmountB: big.NewInt(2)}, nil
}

func (s *stubSession) SetAmount(_ context.Context, in withdrawal.Input, amount *big.Int) (withdrawal.Amounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotInput = in
	s.gotAmount = amount
	return withdrawal.Amounts{Percent: 25, Liquidity: big.NewInt(250), AmountA: new(big.Int).Set(amount), AmountB: big.NewInt(2)}, nil
}

func (s *stubSession) Confirm(context.Context) (txhistory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record
	r.Outcome = txhistory.OutcomePending
	return r, nil
}

func (s *stubSession) Wait(context.Context) (txhistory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record, s.waitErr
}

func (s *stubSession) Retry(context.Context) (withdrawal.Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview, s.prepareErr
}

func (s *stubSession) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dismissed++
	s.status = withdrawal.Status{State: withdrawal.StateIdle}
}

func (s *stubSession) Status() withdrawal.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func testPreview() withdrawal.Preview {
	return withdrawal.Preview{
		RequestID:     uuid.MustParse("5f3c2a4e-1b7d-4c9e-8a6f-2d0e9b8c7a61"),
		Pair:          pairAddr,
		PairName:      "Mojito LPs",
		TokenA:        position.Token{Address: common.HexToAddress("0xc1"), Symbol: "USDC", Decimals: 6},
		TokenB:        position.Token{Address: common.HexToAddress("0xe1"), Symbol: "WETH", Decimals: 18, Native: true, NativeSymbol: "ETH"},
		SymbolA:       "USDC",
		SymbolB:       "ETH",
		Percent:       50,
		Liquidity:     big.NewInt(500),
		AmountA:       big.NewInt(100_000_000),
		AmountB:       big.NewInt(50_000_000_000_000_000),
		MinA:          big.NewInt(99_500_000),
		MinB:          big.NewInt(49_750_000_000_000_000),
		RateAB:        "0.0005",
		RateBA:        "2000",
		Summary:       "Remove 100 USDC and 0.05 ETH",
		Method:        routerabi.RemoveLiquidityETHWithPermit,
		GasLimit:      220_000,
		Deadline:      1_700_001_200,
		Authorization: permit.PermitSigned,
	}
}

func testRecord() txhistory.Record {
	return txhistory.Record{
		Hash:        common.HexToHash("0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"),
		RequestID:   uuid.MustParse("5f3c2a4e-1b7d-4c9e-8a6f-2d0e9b8c7a61"),
		Account:     account,
		Pair:        pairAddr,
		Method:      "removeLiquidityETHWithPermit",
		GasLimit:    220_000,
		Summary:     "Remove 100 USDC and 0.05 ETH",
		SubmittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Outcome:     txhistory.OutcomeConfirmed,
	}
}

func serve(t *testing.T, h http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_RequiresBearerTokenWhenConfigured(t *testing.T) {
	h := NewHandler(&stubSession{}, Config{AuthToken: "secret"})

	rr := serve(t, h, http.MethodGet, "/v1/status", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
	rr = serve(t, h, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: got %d want %d", rr.Code, http.StatusOK)
	}
}

func TestHandler_PrepareParsesDraft(t *testing.T) {
	s := &stubSession{preview: testPreview()}
	h := NewHandler(s, Config{AuthToken: "secret"})

	body := fmt.Sprintf(`{"pair":%q,"percent":50,"slippage_bps":50,"deadline_seconds":1200,"receive_wrapped":true}`, pairAddr.Hex())
	rr := serve(t, h, http.MethodPost, "/v1/prepare", body, "secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}

	s.mu.Lock()
	d := s.gotDraft
	s.mu.Unlock()
	if d.Pair != pairAddr || d.Percent != 50 || d.SlippageBps != 50 || d.Deadline != 20*time.Minute || !d.ReceiveWrapped {
		t.Fatalf("draft: got %+v", d)
	}

	var out PreviewResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Method != "removeLiquidityETHWithPermit" || out.Authorization != "permit_signed" {
		t.Fatalf("method/auth: got %s/%s", out.Method, out.Authorization)
	}
	if out.AmountB != "50000000000000000" || out.MinA != "99500000" {
		t.Fatalf("amounts: got %s/%s", out.AmountB, out.MinA)
	}
	if out.TokenB.Symbol != "ETH" || !out.TokenB.Native {
		t.Fatalf("token b: got %+v", out.TokenB)
	}
}

func TestHandler_PrepareExactAmount(t *testing.T) {
	s := &stubSession{preview: testPreview()}
	h := NewHandler(s, Config{})

	body := fmt.Sprintf(`{"pair":%q,"input":"amount_b","amount":"50000000000000000","slippage_bps":50,"deadline_seconds":1200}`, pairAddr.Hex())
	rr := serve(t, h, http.MethodPost, "/v1/prepare", body, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}
	s.mu.Lock()
	d := s.gotDraft
	s.mu.Unlock()
	if d.Input != withdrawal.InputAmountB || d.Amount == nil || d.Amount.String() != "50000000000000000" {
		t.Fatalf("draft: got %+v", d)
	}
}

func TestHandler_SetAmount(t *testing.T) {
	s := &stubSession{}
	h := NewHandler(s, Config{})

	rr := serve(t, h, http.MethodPost, "/v1/amount", `{"input":"liquidity","amount":"250"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rr.Code, rr.Body.String())
	}
	var out AmountsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Liquidity != "250" || out.Percent != 25 {
		t.Fatalf("amounts: got %+v", out)
	}
	s.mu.Lock()
	in, amount := s.gotInput, s.gotAmount
	s.mu.Unlock()
	if in != withdrawal.InputLiquidity || amount.Int64() != 250 {
		t.Fatalf("session got %s %v", in, amount)
	}

	for _, body := range []string{
		`{"input":"percent","amount":"1"}`,
		`{"input":"liquidity","amount":"0"}`,
		`{"input":"liquidity","amount":"-5"}`,
		`{"input":"liquidity","amount":"1.5"}`,
		`{"input":"shares","amount":"1"}`,
	} {
		rr := serve(t, h, http.MethodPost, "/v1/amount", body, "")
		if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "invalid_amount") {
			t.Fatalf("%s: got %d %s", body, rr.Code, rr.Body.String())
		}
	}
}

func TestHandler_PrepareRejectsBadInput(t *testing.T) {
	h := NewHandler(&stubSession{}, Config{})
	cases := []struct {
		body string
		want string
	}{
		{`{"pair":"nope","percent":50,"slippage_bps":50,"deadline_seconds":60}`, "invalid_pair"},
		{fmt.Sprintf(`{"pair":%q,"percent":50,"slippage_bps":50}`, pairAddr.Hex()), "invalid_deadline"},
		{fmt.Sprintf(`{"pair":%q,"input":"amount_a","slippage_bps":50,"deadline_seconds":60}`, pairAddr.Hex()), "invalid_amount"},
		{`{"pair":"x"}{}`, "invalid_json"},
		{`{"unknown":1}`, "invalid_json"},
	}
	for _, tc := range cases {
		rr := serve(t, h, http.MethodPost, "/v1/prepare", tc.body, "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status got %d want 400", tc.body, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), tc.want) {
			t.Fatalf("%s: body %s missing %s", tc.body, rr.Body.String(), tc.want)
		}
	}
}

func TestHandler_MapsErrors(t *testing.T) {
	cases := []struct {
		err         error
		status      int
		code        string
		recoverable bool
	}{
		{withdrawal.ErrBusy, http.StatusConflict, "busy", false},
		{fmt.Errorf("%w: no account", withdrawal.ErrMissingContext), http.StatusUnprocessableEntity, "missing_context", false},
		{fmt.Errorf("%w: x", gasest.ErrEstimationExhausted), http.StatusUnprocessableEntity, "estimation_exhausted", true},
		{permit.ErrAuthorizationRejected, http.StatusForbidden, "authorization_rejected", false},
		{permit.ErrAuthorizationFailed, http.StatusBadGateway, "authorization_failed", true},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout", true},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal", false},
	}
	for _, tc := range cases {
		s := &stubSession{prepareErr: tc.err}
		h := NewHandler(s, Config{})
		body := fmt.Sprintf(`{"pair":%q,"percent":50,"slippage_bps":50,"deadline_seconds":60}`, pairAddr.Hex())
		rr := serve(t, h, http.MethodPost, "/v1/prepare", body, "")
		if rr.Code != tc.status {
			t.Fatalf("%v: status got %d want %d", tc.err, rr.Code, tc.status)
		}
		var out ErrorResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out.Error != tc.code || out.Recoverable != tc.recoverable {
			t.Fatalf("%v: got %+v want %s/%v", tc.err, out, tc.code, tc.recoverable)
		}
	}
}

func TestHandler_WaitRevertIncludesReason(t *testing.T) {
	rec := testRecord()
	rec.Outcome = txhistory.OutcomeFailed
	rec.Reason = "execution reverted: K"
	s := &stubSession{record: rec, waitErr: fmt.Errorf("%w: %s", withdrawal.ErrSubmissionReverted, rec.Reason)}
	h := NewHandler(s, Config{})

	rr := serve(t, h, http.MethodPost, "/v1/wait", "", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusUnprocessableEntity)
	}
	var out ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Error != "reverted" || out.Reason != rec.Reason || !out.Recoverable {
		t.Fatalf("error: got %+v", out)
	}
}

func TestHandler_HistoryListsAccountRecords(t *testing.T) {
	store := txhistory.NewMemoryStore()
	rec := testRecord()
	if err := store.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	h := NewHandler(&stubSession{}, Config{Account: account, History: store})

	rr := serve(t, h, http.MethodGet, "/v1/history?limit=5", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rr.Code, rr.Body.String())
	}
	var out HistoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Records) != 1 || out.Records[0].TxHash != rec.Hash.Hex() || out.Records[0].Outcome != "confirmed" {
		t.Fatalf("records: got %+v", out.Records)
	}

	rr = serve(t, h, http.MethodGet, "/v1/history?limit=0", "", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("limit=0: got %d want 400", rr.Code)
	}
}

func TestHandler_ServesMetricsWhenConfigured(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("lp_withdraw_gas_exhausted_total 0\n"))
	})
	h := NewHandler(&stubSession{}, Config{AuthToken: "secret", Metrics: metricsHandler})
	rr := serve(t, h, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "lp_withdraw") {
		t.Fatalf("metrics: got %d %s", rr.Code, rr.Body.String())
	}
}
