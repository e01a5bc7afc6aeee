package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mojitoswap/lp-withdraw/internal/httpapi"
)

var errNotConfirmed = errors.New("withdrawal not confirmed")

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	serverURL string
	authToken string

	pair           common.Address
	percent        uint8
	input          string
	amount         string
	slippageBps    uint32
	deadline       time.Duration
	receiveWrapped bool

	yes         bool
	maxRetries  int
	waitSeconds int
	timeout     time.Duration
	history     int
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("remove-liquidity", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	serverURL := fs.String("server-url", "http://127.0.0.1:8090", "withdraw-server base URL")
	tokenEnv := fs.String("auth-env", "LPW_AUTH_TOKEN", "env var containing bearer auth token")
	pairHex := fs.String("pair", "", "pair (LP token) address")
	percent := fs.Uint("percent", 0, "share of the position to withdraw: 1..100")
	liquidity := fs.String("liquidity", "", "exact LP token amount to withdraw, in base units")
	amountA := fs.String("amount-a", "", "exact token A amount to receive, in base units")
	amountB := fs.String("amount-b", "", "exact token B amount to receive, in base units")
	slippageBps := fs.Uint("slippage-bps", 50, "slippage tolerance in bps")
	deadline := fs.Duration("deadline", 20*time.Minute, "transaction deadline from now")
	receiveWrapped := fs.Bool("receive-wrapped", false, "receive the wrapped token instead of the native coin")
	yes := fs.Bool("yes", false, "confirm without prompting")
	maxRetries := fs.Int("max-retries", 1, "retries after a recoverable failure")
	waitSeconds := fs.Int("wait-seconds", 300, "server-side wait for the receipt")
	timeout := fs.Duration("timeout", 10*time.Minute, "overall timeout")
	history := fs.Int("history", 0, "print the N most recent withdrawals and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts := options{
		serverURL:      strings.TrimSpace(*serverURL),
		authToken:      os.Getenv(*tokenEnv),
		slippageBps:    uint32(*slippageBps),
		deadline:       *deadline,
		receiveWrapped: *receiveWrapped,
		yes:            *yes,
		maxRetries:     *maxRetries,
		waitSeconds:    *waitSeconds,
		timeout:        *timeout,
		history:        *history,
	}
	if opts.serverURL == "" {
		return options{}, errors.New("--server-url is required")
	}
	if opts.timeout <= 0 {
		return options{}, errors.New("--timeout must be > 0")
	}
	if opts.maxRetries < 0 {
		return options{}, errors.New("--max-retries must be >= 0")
	}
	if opts.history > 0 {
		return opts, nil
	}
	if !common.IsHexAddress(strings.TrimSpace(*pairHex)) {
		return options{}, errors.New("--pair must be a valid hex address")
	}
	opts.pair = common.HexToAddress(strings.TrimSpace(*pairHex))
	var exact []string
	for _, f := range []struct{ input, flag, value string }{
		{"liquidity", "--liquidity", *liquidity},
		{"amount_a", "--amount-a", *amountA},
		{"amount_b", "--amount-b", *amountB},
	} {
		v := strings.TrimSpace(f.value)
		if v == "" {
			continue
		}
		exact = append(exact, f.flag)
		n, ok := new(big.Int).SetString(v, 10)
		if !ok || n.Sign() <= 0 {
			return options{}, fmt.Errorf("%s must be a positive integer", f.flag)
		}
		opts.input, opts.amount = f.input, n.String()
	}
	switch {
	case len(exact) > 1 || (len(exact) == 1 && *percent != 0):
		return options{}, errors.New("use only one of --percent, --liquidity, --amount-a, --amount-b")
	case len(exact) == 0:
		if *percent < 1 || *percent > 100 {
			return options{}, errors.New("--percent must be in 1..100")
		}
		opts.percent = uint8(*percent)
	}
	if *slippageBps == 0 || *slippageBps >= 10_000 {
		return options{}, errors.New("--slippage-bps must be in 1..9999")
	}
	if opts.deadline < time.Second {
		return options{}, errors.New("--deadline must be >= 1s")
	}
	return opts, nil
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	client, err := httpapi.NewClient(opts.serverURL, opts.authToken)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if opts.history > 0 {
		h, err := client.History(ctx, opts.history)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		for _, r := range h.Records {
			printRecord(stdout, r)
		}
		return nil
	}

	return withdraw(ctx, client, opts, bufio.NewReader(stdin), stdout)
}

func withdraw(ctx context.Context, client *httpapi.Client, opts options, in *bufio.Reader, out io.Writer) error {
	preview, err := client.Prepare(ctx, httpapi.PrepareRequest{
		Pair:            opts.pair.Hex(),
		Input:           opts.input,
		Percent:         opts.percent,
		Amount:          opts.amount,
		SlippageBps:     opts.slippageBps,
		DeadlineSeconds: int64(opts.deadline / time.Second),
		ReceiveWrapped:  opts.receiveWrapped,
	})

	retries := 0
	for {
		if err != nil {
			if !canRetry(err) || retries >= opts.maxRetries {
				return err
			}
			retries++
			fmt.Fprintf(out, "retrying after: %v\n", err)
			preview, err = client.Retry(ctx)
			continue
		}

		printPreview(out, preview)
		if !opts.yes {
			ok, perr := prompt(in, out, "Confirm withdrawal? [y/N] ")
			if perr != nil {
				return perr
			}
			if !ok {
				if _, derr := client.Dismiss(ctx); derr != nil {
					return fmt.Errorf("dismiss: %w", derr)
				}
				return errNotConfirmed
			}
		}

		rec, cerr := client.Confirm(ctx)
		if cerr != nil {
			err = cerr
			continue
		}
		fmt.Fprintf(out, "submitted %s\n", rec.TxHash)

		rec, err = waitMined(ctx, client, opts.waitSeconds, out)
		if err != nil {
			continue
		}
		printRecord(out, rec)
		return nil
	}
}

// waitMined waits for the submitted transaction. A server-side wait timeout leaves it pending, so
// the wait is repeated until ctx ends.
func waitMined(ctx context.Context, client *httpapi.Client, waitSeconds int, out io.Writer) (httpapi.RecordResponse, error) {
	for {
		rec, err := client.Wait(ctx, waitSeconds)
		if err == nil || !isWaitTimeout(err) || ctx.Err() != nil {
			return rec, err
		}
		fmt.Fprintln(out, "still pending")
	}
}

func isWaitTimeout(err error) bool {
	var apiErr *httpapi.APIError
	return errors.As(err, &apiErr) && apiErr.Code == "timeout"
}

func canRetry(err error) bool {
	var apiErr *httpapi.APIError
	return errors.As(err, &apiErr) && apiErr.Recoverable
}

func prompt(in *bufio.Reader, out io.Writer, q string) (bool, error) {
	fmt.Fprint(out, q)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func printPreview(w io.Writer, p httpapi.PreviewResponse) {
	fmt.Fprintf(w, "%s (%s)\n", p.Summary, p.PairName)
	fmt.Fprintf(w, "  liquidity:  %s (%d%%)\n", p.Liquidity, p.Percent)
	fmt.Fprintf(w, "  minimum:    %s %s, %s %s\n", p.MinA, p.TokenA.Symbol, p.MinB, p.TokenB.Symbol)
	if p.RateAB != "" && p.RateBA != "" {
		fmt.Fprintf(w, "  price:      1 %s = %s %s, 1 %s = %s %s\n",
			p.TokenA.Symbol, p.RateAB, p.TokenB.Symbol,
			p.TokenB.Symbol, p.RateBA, p.TokenA.Symbol)
	}
	fmt.Fprintf(w, "  method:     %s (gas limit %d)\n", p.Method, p.GasLimit)
	fmt.Fprintf(w, "  authorized: %s\n", p.Authorization)
	fmt.Fprintf(w, "  deadline:   %s\n", time.Unix(int64(p.Deadline), 0).UTC().Format(time.RFC3339))
	for _, warn := range p.Warnings {
		fmt.Fprintf(w, "  warning:    %s\n", warn)
	}
}

func printRecord(w io.Writer, r httpapi.RecordResponse) {
	line := fmt.Sprintf("%s %s %s %s", r.SubmittedAt, r.TxHash, r.Outcome, r.Summary)
	if r.Reason != "" {
		line += " (" + r.Reason + ")"
	}
	fmt.Fprintln(w, line)
}
