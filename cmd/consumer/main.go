// The consumer service runs the event-pipeline worker groups for a ledger
// partition: ledger-writer (bus metering -> ledger rows), aggregator-metrics
// (derived counters) and audit-logger (structured decision audit lines). A
// small HTTP server exposes liveness and per-group lag.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Garudex-Labs/Caracal/pkg/httpx"
	"github.com/Garudex-Labs/Caracal/pkg/keys"
	"github.com/Garudex-Labs/Caracal/pkg/ledger"
	"github.com/Garudex-Labs/Caracal/pkg/merkle"
	"github.com/Garudex-Labs/Caracal/pkg/metrics"
	"github.com/Garudex-Labs/Caracal/pkg/pipeline"
	"github.com/Garudex-Labs/Caracal/pkg/pricebook"
	"github.com/Garudex-Labs/Caracal/pkg/spending"
	"github.com/Garudex-Labs/Caracal/pkg/store"
	"github.com/Garudex-Labs/Caracal/pkg/telemetry"
)

var (
	exitFatal   = func(log zerolog.Logger, err error) { log.Fatal().Err(err).Msg("consumer") }
	initTeleFn  = telemetry.Init
	openPoolFn  = store.NewPostgresPool
	openRedisFn = store.NewRedis
	listenFn    = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	log := newLogger()
	if err := run(log); err != nil && !errors.Is(err, context.Canceled) {
		exitFatal(log, err)
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(env("LOG_LEVEL", "info")))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "consumer").Logger()
}

func run(log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTele, err := initTeleFn(ctx, "consumer")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTele(context.Background()) }()

	pool, err := openPoolFn(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	var redisClient *redis.Client
	if env("REDIS_ENABLED", "true") == "true" {
		redisClient, err = openRedisFn(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable; spending cache updates skipped")
			redisClient = nil
		}
	}

	brokers := splitList(env("KAFKA_BROKERS", "localhost:9092"))
	partition := int32(envInt("LEDGER_PARTITION", 1))

	book, err := pricebook.Load(env("PRICEBOOK_PATH", "pricebook.json"))
	if err != nil {
		return err
	}
	reloadBook := func() error { return book.Reload(env("PRICEBOOK_PATH", "pricebook.json")) }

	var spendCache *spending.Cache
	if redisClient != nil {
		spendCache = spending.NewCache(redisClient)
	}
	ledgerRepo := &store.LedgerRepo{DB: pool}
	batchRepo := &store.BatchRepo{DB: pool}
	spendSvc := spending.NewService(spendCache, ledgerRepo, log)

	signer, err := loadSigner(log)
	if err != nil {
		return err
	}
	aggregator := merkle.NewAggregator(partition, ledgerRepo, batchRepo, pool, signer, log)
	aggregator.SizeThreshold = envInt("BATCH_SIZE_THRESHOLD", merkle.DefaultSizeThreshold)
	aggregator.TimeThreshold = time.Duration(envInt("BATCH_TIME_THRESHOLD_SEC", 60)) * time.Second
	if err := aggregator.Recover(ctx); err != nil {
		return err
	}

	writer, err := ledger.NewWriter(ctx, pool, partition, spendSvc, aggregator, log)
	if err != nil {
		return err
	}
	defer writer.Close(context.Background())

	registry := metrics.NewRegistry()
	dlqWriter := pipeline.NewPublisher(brokers, pipeline.TopicDLQ)
	defer dlqWriter.Close()

	groups := []struct {
		group   string
		topic   string
		handler pipeline.Handler
	}{
		{pipeline.GroupLedgerWriter, pipeline.TopicMetering, pipeline.LedgerWriterHandler(writer, book, reloadBook, log)},
		{pipeline.GroupMetricsAggregator, pipeline.TopicMetering, pipeline.MetricsAggregatorHandler(registry, book)},
		{pipeline.GroupAuditLogger, pipeline.TopicDecisions, pipeline.AuditLoggerHandler(log, []byte(env("AUDIT_HASH_SALT", "")))},
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		consumers []*pipeline.Consumer
	)
	for _, g := range groups {
		reader, err := pipeline.NewReader(pipeline.ReaderConfig{Brokers: brokers, Topic: g.topic, GroupID: g.group})
		if err != nil {
			return err
		}
		c := pipeline.NewConsumer(g.group, reader, g.handler, pipeline.NewDLQProducer(dlqWriter, g.group), log)
		mu.Lock()
		consumers = append(consumers, c)
		mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer reader.Close()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("group", c.Group).Msg("consumer stopped")
			}
		}()
	}

	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		if err := aggregator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("aggregator stopped")
		}
	}()

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		stats := make([]pipeline.Stats, 0, len(consumers))
		for _, c := range consumers {
			stats = append(stats, c.Stats())
		}
		mu.Unlock()
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "groups": stats})
	})
	r.Get("/metrics", registry.Handler())

	server := &http.Server{
		Addr:              env("HTTP_ADDR", ":8090"),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", server.Addr).Int32("partition", partition).Msg("consumer listening")
	err = listenFn(server)
	wg.Wait()
	<-aggDone
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func loadSigner(log zerolog.Logger) (*keys.Signer, error) {
	keyID := env("MERKLE_SIGNING_KEY_ID", "ledger-root-1")
	if path := env("MERKLE_SIGNING_KEY_FILE", ""); path != "" {
		return keys.LoadSignerFromFile(keyID, path)
	}
	log.Warn().Msg("MERKLE_SIGNING_KEY_FILE unset; using an ephemeral signing key")
	priv, err := keys.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return keys.NewSigner(keyID, priv)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
