package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mojitoswap/lp-withdraw/internal/queue"
	"github.com/mojitoswap/lp-withdraw/internal/txhistory"
	txpg "github.com/mojitoswap/lp-withdraw/internal/txhistory/postgres"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup   = flag.String("queue-group", "lp-withdraw-history-ingest", "queue consumer group (required for kafka)")
		queueTopics  = flag.String("queue-topics", queue.DefaultRecordTopic, "comma-separated record event topics")
		maxLineBytes = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*postgresDSN) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required")
		os.Exit(2)
	}
	if strings.EqualFold(strings.TrimSpace(*queueDriver), queue.DriverKafka) && len(queue.SplitCommaList(*queueBrokers)) == 0 {
		fmt.Fprintln(os.Stderr, "error: --queue-brokers is required for --queue-driver=kafka")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := txpg.New(pool)
	if err != nil {
		log.Error("init record store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure record schema", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:       *queueDriver,
		Brokers:      queue.SplitCommaList(*queueBrokers),
		Group:        *queueGroup,
		Topics:       queue.SplitCommaList(*queueTopics),
		Reader:       os.Stdin,
		MaxLineBytes: *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer consumer.Close()

	log.Info("history-ingest started",
		"queueDriver", *queueDriver,
		"queueTopics", *queueTopics,
		"queueGroup", *queueGroup,
	)

	if err := txhistory.Ingest(ctx, consumer, store, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("ingest", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown")
}
