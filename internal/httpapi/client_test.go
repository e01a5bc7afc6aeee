package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mojitoswap/lp-withdraw/internal/withdrawal"
)

func TestClient_RoundTripAgainstHandler(t *testing.T) {
	t.Parallel()

	s := &stubSession{preview: testPreview(), record: testRecord()}
	srv := httptest.NewServer(NewHandler(s, Config{AuthToken: "secret"}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "secret", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	p, err := c.Prepare(ctx, PrepareRequest{
		Pair:            pairAddr.Hex(),
		Percent:         50,
		SlippageBps:     50,
		DeadlineSeconds: 1200,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if p.Summary != "Remove 100 USDC and 0.05 ETH" {
		t.Fatalf("summary: got %q", p.Summary)
	}

	a, err := c.SetPercent(ctx, 30)
	if err != nil {
		t.Fatalf("SetPercent: %v", err)
	}
	if a.Liquidity != "300" {
		t.Fatalf("liquidity: got %s want 300", a.Liquidity)
	}

	a, err = c.SetAmount(ctx, "amount_a", "100")
	if err != nil {
		t.Fatalf("SetAmount: %v", err)
	}
	if a.Liquidity != "250" || a.AmountA != "100" {
		t.Fatalf("amounts: got %+v", a)
	}

	pending, err := c.Confirm(ctx)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if pending.Outcome != "pending" || pending.TxHash[:2] != "0x" {
		t.Fatalf("confirm: got %+v", pending)
	}

	mined, err := c.Wait(ctx, 30)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if mined.Outcome != "confirmed" {
		t.Fatalf("outcome: got %s want confirmed", mined.Outcome)
	}

	st, err := c.Dismiss(ctx)
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if st.State != "idle" {
		t.Fatalf("state: got %s want idle", st.State)
	}
}

func TestClient_ReturnsAPIError(t *testing.T) {
	t.Parallel()

	s := &stubSession{prepareErr: withdrawal.ErrBusy}
	srv := httptest.NewServer(NewHandler(s, Config{}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = c.Retry(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Code != "busy" {
		t.Fatalf("api error: got %+v", apiErr)
	}
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "http://"} {
		if _, err := NewClient(u, ""); !errors.Is(err, ErrInvalidClientConfig) {
			t.Fatalf("%q: expected ErrInvalidClientConfig, got %v", u, err)
		}
	}
}
