package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mojitoswap/lp-withdraw/internal/blobstore"
	"github.com/mojitoswap/lp-withdraw/internal/eth"
	"github.com/mojitoswap/lp-withdraw/internal/gasest"
	"github.com/mojitoswap/lp-withdraw/internal/httpapi"
	"github.com/mojitoswap/lp-withdraw/internal/metrics"
	"github.com/mojitoswap/lp-withdraw/internal/permit"
	"github.com/mojitoswap/lp-withdraw/internal/position"
	"github.com/mojitoswap/lp-withdraw/internal/queue"
	"github.com/mojitoswap/lp-withdraw/internal/secrets"
	"github.com/mojitoswap/lp-withdraw/internal/signerlease"
	leasepg "github.com/mojitoswap/lp-withdraw/internal/signerlease/postgres"
	"github.com/mojitoswap/lp-withdraw/internal/txhistory"
	txpg "github.com/mojitoswap/lp-withdraw/internal/txhistory/postgres"
	"github.com/mojitoswap/lp-withdraw/internal/withdrawal"
)

func main() {
	var (
		rpcURL      = flag.String("rpc-url", "", "EVM JSON-RPC URL (required)")
		chainIDFlag = flag.Uint64("chain-id", 0, "EVM chain id (required)")
		listenAddr  = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")
		tokenEnv    = flag.String("auth-env", "LPW_AUTH_TOKEN", "env var containing bearer auth token (required)")

		routerHex        = flag.String("router", "", "router contract address (required)")
		wrappedNativeHex = flag.String("wrapped-native", "", "wrapped native token address (required)")
		nativeSymbol     = flag.String("native-symbol", "ETH", "display symbol of the native coin")
		wrappedFallback  = flag.Bool("wrapped-fallback", true, "try removeLiquidity against the wrapped token when native methods fail")
		declinePolicy    = flag.String("decline-policy", "stop", "when the permit signature is declined: stop|fallback")

		keySource = flag.String("key-source", "env", "signer key source: env|aws")
		keyName   = flag.String("key-name", "LPW_PRIVATE_KEY", "env var or secrets manager id holding the hex signer key")

		typedSigner    = flag.String("typed-signer", "local", "permit signer: local|rpc")
		typedSignerURL = flag.String("typed-signer-url", "", "wallet JSON-RPC URL for eth_signTypedData_v4 (required when --typed-signer=rpc)")

		minTipGwei     = flag.Int64("min-tip-gwei", 1, "minimum priority fee (gwei)")
		gasMarginBps   = flag.Uint64("gas-margin-bps", eth.DefaultGasMarginBps, "gas limit margin in bps (11000 = x1.1)")
		maxProbes      = flag.Int("max-probe-concurrency", 0, "max concurrent gas probes (0 = all)")
		pollInterval   = flag.Duration("poll-interval", 2*time.Second, "receipt poll interval")
		tokenCacheSize = flag.Int("token-cache-size", 512, "token metadata cache entries")

		storeDriver = flag.String("store-driver", "memory", "record store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")

		queueDriver  = flag.String("queue-driver", "", "publish record events: kafka|stdio (empty disables)")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueTopic   = flag.String("queue-topic", queue.DefaultRecordTopic, "record events topic")

		archiveDriver = flag.String("archive-driver", "", "record archive driver: s3|memory (empty disables)")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for record archives")
		archivePrefix = flag.String("archive-prefix", "lp-withdraw", "archive key prefix")
		awsRegion     = flag.String("aws-region", "", "AWS region override")

		leaseTTL = flag.Duration("lease-ttl", 30*time.Second, "signer account lease ttl")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *rpcURL == "" || *chainIDFlag == 0 {
		fmt.Fprintln(os.Stderr, "error: --rpc-url and --chain-id are required")
		os.Exit(2)
	}
	router, err := parseAddress("--router", *routerHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	wrappedNative, err := parseAddress("--wrapped-native", *wrappedNativeHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	policy, err := parseDeclinePolicy(*declinePolicy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *gasMarginBps > math.MaxUint32 {
		fmt.Fprintln(os.Stderr, "error: --gas-margin-bps out of range")
		os.Exit(2)
	}

	authToken := os.Getenv(*tokenEnv)
	if authToken == "" {
		fmt.Fprintf(os.Stderr, "error: missing auth token in env %s\n", *tokenEnv)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 10*time.Second)
	defer cancelStartup()

	keys, err := keyProvider(startupCtx, *keySource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	key, err := secrets.LoadSignerKey(startupCtx, keys, *keyName)
	if err != nil {
		log.Error("load signer key", "err", err)
		os.Exit(2)
	}
	signer := eth.NewLocalSigner(key)

	client, err := ethclient.DialContext(startupCtx, *rpcURL)
	if err != nil {
		log.Error("dial rpc", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	chainID := new(big.Int).SetUint64(*chainIDFlag)
	gotChainID, err := client.ChainID(startupCtx)
	if err != nil {
		log.Error("fetch chain id", "err", err)
		os.Exit(1)
	}
	if gotChainID.Cmp(chainID) != 0 {
		log.Error("chain id mismatch", "want", chainID.String(), "got", gotChainID.String())
		os.Exit(2)
	}

	var permitSigner eth.TypedDataSigner = signer
	switch strings.ToLower(strings.TrimSpace(*typedSigner)) {
	case "local":
	case "rpc":
		if strings.TrimSpace(*typedSignerURL) == "" {
			fmt.Fprintln(os.Stderr, "error: --typed-signer-url is required when --typed-signer=rpc")
			os.Exit(2)
		}
		wallet, err := rpc.DialContext(startupCtx, *typedSignerURL)
		if err != nil {
			log.Error("dial typed signer", "err", err)
			os.Exit(1)
		}
		defer wallet.Close()
		rs, err := eth.NewRPCTypedDataSigner(wallet, signer.Address())
		if err != nil {
			log.Error("init typed signer", "err", err)
			os.Exit(2)
		}
		permitSigner = rs
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --typed-signer %q\n", *typedSigner)
		os.Exit(2)
	}

	sender, err := eth.NewSender(client, signer, eth.SenderConfig{
		ChainID:             chainID,
		GasMarginBps:        uint32(*gasMarginBps),
		MinTipCap:           new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000)),
		ReceiptPollInterval: *pollInterval,
	})
	if err != nil {
		log.Error("init sender", "err", err)
		os.Exit(2)
	}

	positions, err := position.NewChainProvider(client, position.Config{
		WrappedNative:  wrappedNative,
		NativeSymbol:   *nativeSymbol,
		TokenCacheSize: *tokenCacheSize,
	})
	if err != nil {
		log.Error("init position provider", "err", err)
		os.Exit(2)
	}

	authorizer, err := permit.NewManager(positions, permitSigner, sender, permit.Config{
		ChainID:       chainID,
		DeclinePolicy: policy,
		Logger:        log,
	})
	if err != nil {
		log.Error("init authorization manager", "err", err)
		os.Exit(2)
	}

	estimator, err := gasest.New(client, gasest.Config{
		MarginBps:      uint32(*gasMarginBps),
		MaxConcurrency: *maxProbes,
		Logger:         log,
	})
	if err != nil {
		log.Error("init gas estimator", "err", err)
		os.Exit(2)
	}

	var (
		pool   *pgxpool.Pool
		store  txhistory.Store
		leases signerlease.Store
	)
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if strings.TrimSpace(*postgresDSN) == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		pool, err = pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := txpg.New(pool)
		if err != nil {
			log.Error("init record store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure record schema", "err", err)
			os.Exit(2)
		}
		store = pgStore

		leaseStore, err := leasepg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := leaseStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		leases = leaseStore
	case "memory":
		store = txhistory.NewMemoryStore()
		leases = signerlease.NewMemoryStore(nil)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	owner := leaseOwner()
	keeper, err := signerlease.Acquire(ctx, leases, sender.Address(), owner, *leaseTTL, log)
	if err != nil {
		log.Error("acquire signer lease", "err", err)
		os.Exit(1)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := keeper.Release(releaseCtx); err != nil {
			log.Warn("release signer lease", "err", err)
		}
	}()
	leaseErrCh := make(chan error, 1)
	go func() { leaseErrCh <- keeper.Run(ctx) }()

	recorders := txhistory.Fanout{store}

	if strings.TrimSpace(*queueDriver) != "" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			Writer:  os.Stdout,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()

		qr, err := txhistory.NewQueueRecorder(producer, *queueTopic)
		if err != nil {
			log.Error("init queue recorder", "err", err)
			os.Exit(2)
		}
		recorders = append(recorders, qr)
	}

	if strings.TrimSpace(*archiveDriver) != "" {
		cfg := blobstore.Config{
			Driver: *archiveDriver,
			Prefix: *archivePrefix,
			Bucket: *archiveBucket,
		}
		if strings.EqualFold(strings.TrimSpace(*archiveDriver), blobstore.DriverS3) {
			s3c, err := blobstore.NewS3Client(startupCtx, *awsRegion)
			if err != nil {
				log.Error("init s3 client", "err", err)
				os.Exit(2)
			}
			cfg.S3Client = s3c
		}
		bs, err := blobstore.New(cfg)
		if err != nil {
			log.Error("init archive store", "err", err)
			os.Exit(2)
		}
		ar, err := txhistory.NewArchiveRecorder(bs)
		if err != nil {
			log.Error("init archive recorder", "err", err)
			os.Exit(2)
		}
		recorders = append(recorders, ar)
	}

	orch, err := withdrawal.New(positions, authorizer, estimator, sender, recorders, withdrawal.Config{
		Router:          router,
		WrappedFallback: *wrappedFallback,
		Logger:          log,
	})
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	handler := httpapi.NewHandler(orch, httpapi.Config{
		AuthToken:      authToken,
		MaxBodyBytes:   64 << 10,
		MaxWaitSeconds: 300,
		Account:        sender.Address(),
		History:        store,
		Metrics:        metrics.Handler(),
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	log.Info("withdraw-server starting",
		"account", sender.Address().Hex(),
		"router", router.Hex(),
		"chainID", chainID.String(),
		"declinePolicy", *declinePolicy,
		"typedSigner", *typedSigner,
		"storeDriver", strings.ToLower(strings.TrimSpace(*storeDriver)),
		"queueDriver", *queueDriver,
		"archiveDriver", *archiveDriver,
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "signal", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	case err := <-leaseErrCh:
		if err != nil {
			log.Error("signer lease", "err", err)
		}
	}

	// An in-flight withdrawal keeps running until its request handler returns.
	orch.Dismiss()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	// Dismissed transactions still unmined stay pending in the record store.
	orch.Close()
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "withdraw-server"
	}
	return host + "/" + uuid.NewString()
}

func parseAddress(name, v string) (common.Address, error) {
	v = strings.TrimSpace(v)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s must be a valid hex address", name)
	}
	a := common.HexToAddress(v)
	if (a == common.Address{}) {
		return common.Address{}, fmt.Errorf("%s must be non-zero", name)
	}
	return a, nil
}

func parseDeclinePolicy(v string) (permit.DeclinePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "stop":
		return permit.DeclineStops, nil
	case "fallback":
		return permit.DeclineFallsBack, nil
	default:
		return 0, fmt.Errorf("unsupported --decline-policy %q", v)
	}
}

func keyProvider(ctx context.Context, source string) (secrets.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", "env":
		return secrets.NewEnv(), nil
	case "aws":
		return secrets.NewAWS(ctx)
	default:
		return nil, fmt.Errorf("unsupported --key-source %q", source)
	}
}
