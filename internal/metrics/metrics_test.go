package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesRecordedSeries(t *testing.T) {
	RecordAuthorization("permit", "signed")
	RecordProbe("removeLiquidityETH", false)
	RecordExhausted()
	RecordSubmission("removeLiquidity", "confirmed")
	RecordTransition("idle", "authorizing")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`lp_withdraw_auth_results_total{path="permit",result="signed"}`,
		`lp_withdraw_gas_probes_total{method="removeLiquidityETH",ok="false"}`,
		`lp_withdraw_gas_exhausted_total`,
		`lp_withdraw_tx_outcomes_total{method="removeLiquidity",outcome="confirmed"}`,
		`lp_withdraw_orchestrator_transitions_total{from="idle",to="authorizing"}`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing series %s in:\n%s", want, body)
		}
	}
}
