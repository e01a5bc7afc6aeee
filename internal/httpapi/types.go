package httpapi

// PrepareRequest is the request body for POST /v1/prepare.
//
// Input selects what determines the liquidity: "percent" (default) uses Percent, while
// "liquidity", "amount_a" and "amount_b" use Amount, a base-10 integer in base units.
type PrepareRequest struct {
	Pair            string `json:"pair"`
	Input           string `json:"input,omitempty"`
	Percent         uint8  `json:"percent"`
	Amount          string `json:"amount,omitempty"`
	SlippageBps     uint32 `json:"slippage_bps"`
	DeadlineSeconds int64  `json:"deadline_seconds"`
	ReceiveWrapped  bool   `json:"receive_wrapped,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
}

// PercentRequest is the request body for POST /v1/percent.
type PercentRequest struct {
	Percent uint8 `json:"percent"`
}

// AmountRequest is the request body for POST /v1/amount.
type AmountRequest struct {
	Input  string `json:"input"`
	Amount string `json:"amount"`
}

// WaitRequest is the optional request body for POST /v1/wait and the other action endpoints.
type WaitRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

type TokenResponse struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Native   bool   `json:"native,omitempty"`
}

// PreviewResponse carries amounts as base-10 integer strings in token base units.
type PreviewResponse struct {
	RequestID     string        `json:"request_id"`
	Pair          string        `json:"pair"`
	PairName      string        `json:"pair_name"`
	TokenA        TokenResponse `json:"token_a"`
	TokenB        TokenResponse `json:"token_b"`
	Percent       uint8         `json:"percent"`
	Liquidity     string        `json:"liquidity"`
	AmountA       string        `json:"amount_a"`
	AmountB       string        `json:"amount_b"`
	MinA          string        `json:"min_a"`
	MinB          string        `json:"min_b"`
	RateAB        string        `json:"rate_ab,omitempty"`
	RateBA        string        `json:"rate_ba,omitempty"`
	Summary       string        `json:"summary"`
	Method        string        `json:"method"`
	GasLimit      uint64        `json:"gas_limit"`
	Deadline      uint64        `json:"deadline"`
	Authorization string        `json:"authorization"`
	Warnings      []string      `json:"warnings,omitempty"`
}

type AmountsResponse struct {
	Percent   uint8  `json:"percent"`
	Liquidity string `json:"liquidity"`
	AmountA   string `json:"amount_a"`
	AmountB   string `json:"amount_b"`
}

type RecordResponse struct {
	TxHash      string `json:"tx_hash"`
	RequestID   string `json:"request_id"`
	Account     string `json:"account"`
	Pair        string `json:"pair"`
	Method      string `json:"method"`
	GasLimit    uint64 `json:"gas_limit"`
	Summary     string `json:"summary"`
	SubmittedAt string `json:"submitted_at"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
}

type StatusResponse struct {
	State         string           `json:"state"`
	Authorization string           `json:"authorization"`
	Percent       uint8            `json:"percent"`
	Preview       *PreviewResponse `json:"preview,omitempty"`
	Record        *RecordResponse  `json:"record,omitempty"`
	Error         string           `json:"error,omitempty"`
	Recoverable   bool             `json:"recoverable,omitempty"`
}

type HistoryResponse struct {
	Records []RecordResponse `json:"records"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error       string `json:"error"`
	Reason      string `json:"reason,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}
