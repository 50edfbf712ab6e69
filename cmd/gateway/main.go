// The gateway is the policy-decision service: it evaluates mandates on the
// hot path, manages the mandate lifecycle, serves audit and spending queries,
// and streams live decisions. It owns the decision ledger partition; the
// consumer service owns the metering partition.
package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Garudex-Labs/Caracal/pkg/evaluate"
	"github.com/Garudex-Labs/Caracal/pkg/httpx"
	"github.com/Garudex-Labs/Caracal/pkg/keys"
	"github.com/Garudex-Labs/Caracal/pkg/ledger"
	"github.com/Garudex-Labs/Caracal/pkg/mandate"
	"github.com/Garudex-Labs/Caracal/pkg/merkle"
	"github.com/Garudex-Labs/Caracal/pkg/metrics"
	"github.com/Garudex-Labs/Caracal/pkg/pipeline"
	"github.com/Garudex-Labs/Caracal/pkg/ratelimit"
	"github.com/Garudex-Labs/Caracal/pkg/spending"
	"github.com/Garudex-Labs/Caracal/pkg/store"
	"github.com/Garudex-Labs/Caracal/pkg/stream"
	"github.com/Garudex-Labs/Caracal/pkg/telemetry"
)

type Server struct {
	Pool       *pgxpool.Pool
	Principals *store.PrincipalRepo
	Policies   *store.PolicyRepo
	Mandates   *store.MandateRepo
	Ledger     *store.LedgerRepo
	Batches    *store.BatchRepo
	Keyring    *store.KeyringRepo

	Writer    *ledger.Writer
	Manager   *mandate.Manager
	Evaluator *evaluate.Evaluator
	Spending  *spending.Service
	Prover    *merkle.Prover
	RootKey   *keys.Signer

	Hub              *stream.Hub
	Metrics          *metrics.Registry
	RateLimiter      ratelimit.Limiter
	RateLimitPerMin  int
	RateLimitEnabled bool
	Decisions        pipeline.Publisher
	Partition        int32
	AuthToken        string
	MaxBodyBytes     int64
	Log              zerolog.Logger
}

// Testable variables for main()
var (
	exitFatal   = func(log zerolog.Logger, err error) { log.Fatal().Err(err).Msg("gateway") }
	initTeleFn  = telemetry.Init
	openPoolFn  = store.NewPostgresPool
	openRedisFn = store.NewRedis
	listenFn    = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	log := newLogger()
	if err := run(log); err != nil {
		exitFatal(log, err)
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(env("LOG_LEVEL", "info")))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "gateway").Logger()
	if env("LOG_PRETTY", "false") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func run(log zerolog.Logger) error {
	ctx := context.Background()
	shutdownTele, err := initTeleFn(ctx, "gateway")
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
			log.Warn().Err(err).Msg("redis unavailable; spending cache and rate limiting degrade")
			redisClient = nil
		}
	}

	partition := int32(envInt("LEDGER_PARTITION", 0))

	var spendCache *spending.Cache
	if redisClient != nil {
		spendCache = spending.NewCache(redisClient)
	}
	ledgerRepo := &store.LedgerRepo{DB: pool}
	spendSvc := spending.NewService(spendCache, ledgerRepo, log)

	signer, err := loadSigner(log)
	if err != nil {
		return err
	}
	batchRepo := &store.BatchRepo{DB: pool}
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

	aggCtx, cancelAgg := context.WithCancel(ctx)
	defer cancelAgg()
	go func() {
		if err := aggregator.Run(aggCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("aggregator stopped")
		}
	}()

	principals := &store.PrincipalRepo{DB: pool}
	policies := &store.PolicyRepo{DB: pool}
	mandates := &store.MandateRepo{DB: pool}
	keyring := &store.KeyringRepo{DB: pool}

	keystore := keys.FuncKeyStore(principals.PublicKey)
	evaluator := evaluate.New(mandates, policies, keystore, writer, partition, log)
	evaluator.Deadline = time.Duration(envInt("EVAL_DEADLINE_MS", 100)) * time.Millisecond

	manager := mandate.NewManager(pool, writer, &storeKeyring{repo: keyring}, partition, log)
	manager.Invalidator = evaluator

	var decisions pipeline.Publisher
	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		decisions = pipeline.NewPublisher(brokers, pipeline.TopicDecisions)
		defer decisions.Close()
	}

	registry := metrics.NewRegistry()
	evaluator.Metrics = registry

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, time.Minute)
	} else {
		limiter = ratelimit.NewMemory(time.Minute)
	}

	s := &Server{
		Pool:             pool,
		Principals:       principals,
		Policies:         policies,
		Mandates:         mandates,
		Ledger:           ledgerRepo,
		Batches:          batchRepo,
		Keyring:          keyring,
		Writer:           writer,
		Manager:          manager,
		Evaluator:        evaluator,
		Spending:         spendSvc,
		Prover:           &merkle.Prover{Ledger: ledgerRepo, Batches: batchRepo},
		RootKey:          signer,
		Hub:              stream.NewHub(),
		Metrics:          registry,
		RateLimiter:      limiter,
		RateLimitPerMin:  envInt("RATE_LIMIT_PER_MINUTE", 600),
		RateLimitEnabled: env("RATE_LIMIT_ENABLED", "true") == "true",
		Decisions:        decisions,
		Partition:        partition,
		AuthToken:        env("GATEWAY_AUTH_TOKEN", ""),
		MaxBodyBytes:     int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		Log:              log,
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(httpx.MaxBodyMiddleware(s.MaxBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	api := chi.NewRouter()
	api.Use(httpx.BearerAuthMiddleware(s.AuthToken))
	api.Get("/metrics", s.handleMetrics)
	api.Post("/v1/evaluate", s.withRateLimit(s.handleEvaluate))
	api.Post("/v1/principals", s.handleCreatePrincipal)
	api.Get("/v1/principals/{principal_id}", s.handleGetPrincipal)
	api.Put("/v1/principals/{principal_id}/policy", s.handleSetPolicy)
	api.Get("/v1/principals/{principal_id}/policy", s.handleGetPolicy)
	api.Get("/v1/principals/{principal_id}/policy/history", s.handlePolicyHistory)
	api.Post("/v1/mandates", s.handleIssueMandate)
	api.Get("/v1/mandates/{mandate_id}", s.handleGetMandate)
	api.Post("/v1/mandates/{mandate_id}/delegate", s.handleDelegate)
	api.Post("/v1/mandates/{mandate_id}/revoke", s.handleRevoke)
	api.Get("/v1/ledger", s.handleLedgerQuery)
	api.Get("/v1/ledger/{event_id}/proof", s.handleProof)
	api.Post("/v1/verify", s.handleVerify)
	api.Get("/v1/spending/{principal_id}", s.handleSpending)
	api.Get("/v1/stream", s.handleStream)
	r.Mount("/", api)

	addr := env("HTTP_ADDR", ":8080")
	log.Info().Str("addr", addr).Int32("partition", partition).Msg("gateway listening")
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return listenFn(server)
}

// storeKeyring adapts the keyring repo to the manager's signing interface.
type storeKeyring struct {
	repo *store.KeyringRepo
}

func (k *storeKeyring) SigningKey(ctx context.Context, principalID uuid.UUID) (*ecdsa.PrivateKey, error) {
	der, err := k.repo.Get(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return keys.ParsePrivateKey(der)
}

func loadSigner(log zerolog.Logger) (*keys.Signer, error) {
	keyID := env("MERKLE_SIGNING_KEY_ID", "ledger-root-1")
	if path := env("MERKLE_SIGNING_KEY_FILE", ""); path != "" {
		return keys.LoadSignerFromFile(keyID, path)
	}
	// Ephemeral key: fine for development, useless for long-lived audit.
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
