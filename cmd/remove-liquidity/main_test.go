package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mojitoswap/lp-withdraw/internal/httpapi"
)

const testPair = "0x1111111111111111111111111111111111111111"

type fakeServer struct {
	mu    sync.Mutex
	calls []string

	// waitFailures is the number of /v1/wait calls that report a revert before one confirms.
	waitFailures int
	// waitTimeouts is the number of /v1/wait calls that time out server-side first.
	waitTimeouts int

	prepared httpapi.PrepareRequest
}

func (s *fakeServer) handler() http.Handler {
	preview := httpapi.PreviewResponse{
		Pair:          testPair,
		PairName:      "Mojito LPs",
		TokenA:        httpapi.TokenResponse{Symbol: "USDC"},
		TokenB:        httpapi.TokenResponse{Symbol: "ETH", Native: true},
		Percent:       25,
		Liquidity:     "500000",
		MinA:          "99500000",
		MinB:          "49750000000000000",
		RateAB:        "0.0005",
		RateBA:        "2000",
		Summary:       "Remove 100 USDC and 0.05 ETH",
		Method:        "removeLiquidityETHWithPermit",
		GasLimit:      220_000,
		Deadline:      1_700_001_200,
		Authorization: "permit_signed",
	}
	rec := httpapi.RecordResponse{
		TxHash:  "0xabc",
		Summary: preview.Summary,
		Outcome: "pending",
	}
	write := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/prepare", func(w http.ResponseWriter, r *http.Request) {
		s.record("prepare")
		var req httpapi.PrepareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pair != testPair || (req.Percent != 25 && req.Amount == "") {
			write(w, http.StatusBadRequest, httpapi.ErrorResponse{Error: "invalid_request"})
			return
		}
		s.mu.Lock()
		s.prepared = req
		s.mu.Unlock()
		write(w, http.StatusOK, preview)
	})
	mux.HandleFunc("POST /v1/retry", func(w http.ResponseWriter, r *http.Request) {
		s.record("retry")
		write(w, http.StatusOK, preview)
	})
	mux.HandleFunc("POST /v1/confirm", func(w http.ResponseWriter, r *http.Request) {
		s.record("confirm")
		write(w, http.StatusOK, rec)
	})
	mux.HandleFunc("POST /v1/wait", func(w http.ResponseWriter, r *http.Request) {
		s.record("wait")
		s.mu.Lock()
		timeout := s.waitTimeouts > 0
		if timeout {
			s.waitTimeouts--
		}
		fail := !timeout && s.waitFailures > 0
		if fail {
			s.waitFailures--
		}
		s.mu.Unlock()
		if timeout {
			write(w, http.StatusGatewayTimeout, httpapi.ErrorResponse{Error: "timeout", Recoverable: true})
			return
		}
		if fail {
			write(w, http.StatusUnprocessableEntity, httpapi.ErrorResponse{Error: "reverted", Reason: "K", Recoverable: true})
			return
		}
		out := rec
		out.Outcome = "confirmed"
		write(w, http.StatusOK, out)
	})
	mux.HandleFunc("POST /v1/dismiss", func(w http.ResponseWriter, r *http.Request) {
		s.record("dismiss")
		write(w, http.StatusOK, httpapi.StatusResponse{State: "idle"})
	})
	return mux
}

func (s *fakeServer) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeServer) callLog() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.calls, ",")
}

func runAgainst(t *testing.T, fs *fakeServer, stdin string, extra ...string) (string, error) {
	t.Helper()
	return runWith(t, fs, stdin, append([]string{"--percent", "25"}, extra...)...)
}

func runWith(t *testing.T, fs *fakeServer, stdin string, extra ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(fs.handler())
	t.Cleanup(srv.Close)

	args := append([]string{"--server-url", srv.URL, "--pair", testPair}, extra...)
	var out bytes.Buffer
	err := runMain(args, strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestRunMain_ConfirmsAndWaits(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{}
	out, err := runAgainst(t, fs, "y\n")
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if got := fs.callLog(); got != "prepare,confirm,wait" {
		t.Fatalf("calls: got=%s", got)
	}
	for _, want := range []string{
		"Remove 100 USDC and 0.05 ETH (Mojito LPs)",
		"1 USDC = 0.0005 ETH, 1 ETH = 2000 USDC",
		"submitted 0xabc",
		"confirmed",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunMain_DeclinedPromptDismisses(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{}
	_, err := runAgainst(t, fs, "n\n")
	if !errors.Is(err, errNotConfirmed) {
		t.Fatalf("expected errNotConfirmed, got %v", err)
	}
	if got := fs.callLog(); got != "prepare,dismiss" {
		t.Fatalf("calls: got=%s", got)
	}
}

func TestRunMain_RetriesRecoverableRevert(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{waitFailures: 1}
	if _, err := runAgainst(t, fs, "", "--yes"); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if got := fs.callLog(); got != "prepare,confirm,wait,retry,confirm,wait" {
		t.Fatalf("calls: got=%s", got)
	}
}

func TestRunMain_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{waitFailures: 2}
	_, err := runAgainst(t, fs, "", "--yes")
	var apiErr *httpapi.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "reverted" || apiErr.Reason != "K" {
		t.Fatalf("expected reverted APIError, got %v", err)
	}
}

func TestRunMain_WaitTimeoutWaitsAgain(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{waitTimeouts: 2}
	out, err := runAgainst(t, fs, "", "--yes")
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if got := fs.callLog(); got != "prepare,confirm,wait,wait,wait" {
		t.Fatalf("calls: got=%s", got)
	}
	if !strings.Contains(out, "confirmed") {
		t.Fatalf("output missing outcome:\n%s", out)
	}
}

func TestRunMain_ExactTokenAmount(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{}
	if _, err := runWith(t, fs, "", "--amount-a", "100000000", "--yes"); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	fs.mu.Lock()
	req := fs.prepared
	fs.mu.Unlock()
	if req.Input != "amount_a" || req.Amount != "100000000" || req.Percent != 0 {
		t.Fatalf("prepare request: got %+v", req)
	}
}

func TestParseArgs_Validation(t *testing.T) {
	t.Parallel()

	cases := [][]string{
		{"--percent", "25"},
		{"--pair", testPair, "--percent", "0"},
		{"--pair", testPair, "--percent", "101"},
		{"--pair", testPair, "--percent", "25", "--slippage-bps", "0"},
		{"--pair", testPair, "--percent", "25", "--deadline", "0s"},
		{"--pair", testPair, "--percent", "25", "--max-retries", "-1"},
		{"--pair", testPair, "--percent", "25", "--liquidity", "10"},
		{"--pair", testPair, "--amount-a", "10", "--amount-b", "10"},
		{"--pair", testPair, "--liquidity", "0"},
		{"--pair", testPair, "--amount-b", "1e18"},
	}
	for _, args := range cases {
		if _, err := parseArgs(args); err == nil {
			t.Fatalf("parseArgs(%v): expected error", args)
		}
	}
	if _, err := parseArgs([]string{"--history", "5"}); err != nil {
		t.Fatalf("history mode should not require a pair: %v", err)
	}
}

func TestPrompt(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "": false} {
		var out bytes.Buffer
		got, err := prompt(bufio.NewReader(strings.NewReader(in)), &out, "? ")
		if err != nil {
			t.Fatalf("prompt(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("prompt(%q): got=%v want=%v", in, got, want)
		}
	}
}
