//go:build integration

package store_test

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Garudex-Labs/Caracal/pkg/evaluate"
	"github.com/Garudex-Labs/Caracal/pkg/keys"
	"github.com/Garudex-Labs/Caracal/pkg/ledger"
	"github.com/Garudex-Labs/Caracal/pkg/mandate"
	"github.com/Garudex-Labs/Caracal/pkg/merkle"
	"github.com/Garudex-Labs/Caracal/pkg/models"
	"github.com/Garudex-Labs/Caracal/pkg/replay"
	"github.com/Garudex-Labs/Caracal/pkg/store"
)

// Run with: go test -tags=integration -timeout 300s ./pkg/store/...

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("caracal"),
		postgres.WithUsername("caracal"),
		postgres.WithPassword("caracal"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, file := range []string{"001_core.sql", "002_ledger.sql", "003_keyring.sql"} {
		sqlBytes, err := readMigration(file)
		if err != nil {
			t.Fatalf("read migration %s: %v", file, err)
		}
		if _, err := pool.Exec(ctx, string(sqlBytes)); err != nil {
			t.Fatalf("apply migration %s: %v", file, err)
		}
	}
	return pool
}

func readMigration(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join("..", "..", "migrations", name))
}

type memKeyring struct {
	repo *store.KeyringRepo
}

func (k *memKeyring) SigningKey(ctx context.Context, principalID uuid.UUID) (*ecdsa.PrivateKey, error) {
	der, err := k.repo.Get(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return keys.ParsePrivateKey(der)
}

func registerPrincipal(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name string) uuid.UUID {
	t.Helper()
	priv, err := keys.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	pubDER, err := keys.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	privDER, err := keys.MarshalPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	principals := &store.PrincipalRepo{DB: pool}
	if err := principals.Create(ctx, models.Principal{
		ID: id, DisplayName: name, PublicKey: pubDER, Active: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := (&store.KeyringRepo{DB: pool}).Put(ctx, id, privDER); err != nil {
		t.Fatal(err)
	}
	return id
}

func setPolicy(t *testing.T, ctx context.Context, pool *pgxpool.Pool, principalID uuid.UUID) {
	t.Helper()
	policies := &store.PolicyRepo{DB: pool}
	_, err := policies.SetActive(ctx, models.AuthorityPolicy{
		ID:                 uuid.New(),
		PrincipalID:        principalID,
		Resources:          []string{"api:**"},
		Actions:            []string{"call", "read"},
		MaxValidityMS:      3_600_000,
		MaxDelegationDepth: 3,
		AllowDelegation:    true,
		CreatedAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newStack(t *testing.T, ctx context.Context, pool *pgxpool.Pool, partition int32) (*ledger.Writer, *merkle.Aggregator, *mandate.Manager, *evaluate.Evaluator, *keys.Signer) {
	t.Helper()
	log := zerolog.Nop()
	ledgerRepo := &store.LedgerRepo{DB: pool}
	batchRepo := &store.BatchRepo{DB: pool}

	signerPriv, err := keys.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := keys.NewSigner("test-root", signerPriv)
	if err != nil {
		t.Fatal(err)
	}
	aggregator := merkle.NewAggregator(partition, ledgerRepo, batchRepo, pool, signer, log)
	if err := aggregator.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	writer, err := ledger.NewWriter(ctx, pool, partition, nil, aggregator, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { writer.Close(context.Background()) })

	manager := mandate.NewManager(pool, writer, &memKeyring{repo: &store.KeyringRepo{DB: pool}}, partition, log)
	principals := &store.PrincipalRepo{DB: pool}
	eval := evaluate.New(&store.MandateRepo{DB: pool}, &store.PolicyRepo{DB: pool},
		keys.FuncKeyStore(principals.PublicKey), writer, partition, log)
	manager.Invalidator = eval
	return writer, aggregator, manager, eval, signer
}

func TestLifecycleIssueEvaluateRevoke(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	_, _, manager, eval, _ := newStack(t, ctx, pool, 0)

	root := registerPrincipal(t, ctx, pool, "root-agent")
	setPolicy(t, ctx, pool, root)
	nowMS := time.Now().UnixMilli()

	// S1: issue then allow.
	m, err := manager.Issue(ctx, mandate.IssueRequest{
		Issuer:      root,
		Subject:     root,
		Resources:   []string{"api:openai:gpt-4"},
		Actions:     []string{"call"},
		NotBeforeMS: nowMS - 1000,
		NotAfterMS:  nowMS + 600_000,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	d := eval.Evaluate(ctx, models.EvaluateRequest{
		MandateID: m.ID, RequestedAction: "call", RequestedResource: "api:openai:gpt-4",
	})
	if !d.Allowed || d.Reason != models.ReasonAllow {
		t.Fatalf("expected allow, got %+v", d)
	}

	// S2: out-of-scope deny with matching ledger event.
	d = eval.Evaluate(ctx, models.EvaluateRequest{
		MandateID: m.ID, RequestedAction: "call", RequestedResource: "api:anthropic:claude",
	})
	if d.Allowed || d.Reason != models.ReasonOutOfScope {
		t.Fatalf("expected OutOfScope, got %+v", d)
	}
	events, err := (&store.LedgerRepo{DB: pool}).Query(ctx, store.QueryFilter{Type: models.EventDecisionDeny})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].Outcome != models.ReasonOutOfScope {
		t.Fatalf("expected decision_deny ledger event, got %+v", events)
	}

	// S3: delegate then cascade revoke.
	delegate := registerPrincipal(t, ctx, pool, "delegate-agent")
	setPolicy(t, ctx, pool, delegate)
	parent, err := manager.Issue(ctx, mandate.IssueRequest{
		Issuer:      root,
		Subject:     delegate,
		Resources:   []string{"api:openai:**"},
		Actions:     []string{"call"},
		NotBeforeMS: nowMS - 1000,
		NotAfterMS:  nowMS + 600_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	child, err := manager.Delegate(ctx, mandate.IssueRequest{
		Issuer:          delegate,
		Subject:         delegate,
		Resources:       []string{"api:openai:gpt-4"},
		Actions:         []string{"call"},
		NotBeforeMS:     nowMS - 500,
		NotAfterMS:      nowMS + 300_000,
		ParentMandateID: &parent.ID,
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if child.Depth != 1 {
		t.Fatalf("expected depth 1, got %d", child.Depth)
	}
	if err := manager.Revoke(ctx, mandate.RevokeRequest{
		Revoker: root, MandateID: parent.ID, Reason: "compromised", Cascade: true,
	}); err != nil {
		t.Fatal(err)
	}
	d = eval.Evaluate(ctx, models.EvaluateRequest{
		MandateID: child.ID, RequestedAction: "call", RequestedResource: "api:openai:gpt-4",
	})
	if d.Allowed || d.Reason != models.ReasonRevoked {
		t.Fatalf("cascade revoke must deny the child, got %+v", d)
	}
	revokes, err := (&store.LedgerRepo{DB: pool}).Query(ctx, store.QueryFilter{Type: models.EventRevoke})
	if err != nil {
		t.Fatal(err)
	}
	if len(revokes) != 2 {
		t.Fatalf("expected revoke events for parent and child, got %d", len(revokes))
	}

	// Double revocation conflicts.
	err = manager.Revoke(ctx, mandate.RevokeRequest{Revoker: root, MandateID: parent.ID, Reason: "again"})
	if !errors.Is(err, mandate.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
}

func TestLedgerDensityAndMerkle(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	writer, aggregator, _, _, signer := newStack(t, ctx, pool, 0)
	aggregator.SizeThreshold = 64

	principal := registerPrincipal(t, ctx, pool, "metered-agent")
	cost := int64(10)
	for i := 0; i < 200; i++ {
		seq := int64(i + 1)
		if _, err := writer.Append(ctx, models.EventBody{
			Partition:      0,
			PrincipalID:    principal,
			Type:           models.EventMetering,
			Resource:       "api:openai:gpt-4",
			CostMinorUnits: &cost,
			Currency:       "USD",
			ProducerSeq:    &seq,
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Dense, strictly increasing ids.
	ledgerRepo := &store.LedgerRepo{DB: pool}
	events, err := ledgerRepo.Range(ctx, 0, 1, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 200 {
		t.Fatalf("expected 200 events, got %d", len(events))
	}
	for i, e := range events {
		if e.ID != int64(i+1) {
			t.Fatalf("gap at index %d: id=%d", i, e.ID)
		}
	}

	// Duplicate producer_seq is a conflict (consumer treats it as a no-op).
	dupSeq := int64(17)
	_, err = writer.Append(ctx, models.EventBody{
		Partition: 0, PrincipalID: principal, Type: models.EventMetering,
		CostMinorUnits: &cost, Currency: "USD", ProducerSeq: &dupSeq,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate seq, got %v", err)
	}

	// Seal everything and verify inclusion proofs (S5).
	for {
		sealed, err := aggregator.SealOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !sealed {
			break
		}
	}
	prover := &merkle.Prover{Ledger: ledgerRepo, Batches: &store.BatchRepo{DB: pool}}
	proof, batch, err := prover.ProveEvent(ctx, 0, 150)
	if err != nil {
		t.Fatal(err)
	}
	if !merkle.VerifyInclusion(proof, batch, signer.Public()) {
		t.Fatal("inclusion proof must verify")
	}
	if err := prover.VerifyRange(ctx, 0, 1, 200, signer.Public()); err != nil {
		t.Fatalf("range verification failed: %v", err)
	}

	// Tamper with one stored event: verification must fail.
	if _, err := pool.Exec(ctx, `UPDATE ledger_events SET cost_minor_units = 999999 WHERE partition=0 AND id=150`); err != nil {
		t.Fatal(err)
	}
	proof2, batch2, err := prover.ProveEvent(ctx, 0, 150)
	if err != nil {
		t.Fatal(err)
	}
	if merkle.VerifyInclusion(proof2, batch2, signer.Public()) {
		t.Fatal("tampered event must not verify")
	}
	if err := prover.VerifyRange(ctx, 0, 1, 200, signer.Public()); err == nil {
		t.Fatal("range verification must fail after tamper")
	}
}

func TestReplayDeterminism(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	writer, _, _, _, _ := newStack(t, ctx, pool, 0)

	principal := registerPrincipal(t, ctx, pool, "replayed-agent")
	for i := 0; i < 50; i++ {
		seq := int64(i + 1)
		cost := int64((i + 1) * 3)
		if _, err := writer.Append(ctx, models.EventBody{
			Partition: 0, PrincipalID: principal, Type: models.EventMetering,
			CostMinorUnits: &cost, Currency: "USD", ProducerSeq: &seq,
		}); err != nil {
			t.Fatal(err)
		}
	}

	r := replay.New(0, &store.LedgerRepo{DB: pool}, &store.BatchRepo{DB: pool}, &store.SnapshotRepo{DB: pool}, zerolog.Nop())
	res1, err := r.FromOffset(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	res2, err := r.FromOffset(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	j1, _ := json.Marshal(res1.State)
	j2, _ := json.Marshal(res2.State)
	if string(j1) != string(j2) {
		t.Fatalf("replay must be deterministic:\n%s\n%s", j1, j2)
	}
	wantTotal := int64(0)
	for i := 1; i <= 50; i++ {
		wantTotal += int64(i * 3)
	}
	if res1.State.Totals[principal.String()] != wantTotal {
		t.Fatalf("expected total %d, got %d", wantTotal, res1.State.Totals[principal.String()])
	}

	// Snapshot then resume replay from it.
	if _, err := r.Snapshot(ctx, res1); err != nil {
		t.Fatal(err)
	}
	res3, err := r.FromSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res3.EventsReplayed != 0 {
		t.Fatalf("snapshot covers the head; expected 0 replayed, got %d", res3.EventsReplayed)
	}
	if res3.State.Totals[principal.String()] != wantTotal {
		t.Fatalf("snapshot state must carry totals, got %d", res3.State.Totals[principal.String()])
	}
}

func TestWriterLockExcludesSecondWriter(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	log := zerolog.Nop()

	w1, err := ledger.NewWriter(ctx, pool, 3, nil, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	defer w1.Close(context.Background())

	_, err = ledger.NewWriter(ctx, pool, 3, nil, nil, log)
	if !errors.Is(err, ledger.ErrWriterLockHeld) {
		t.Fatalf("expected ErrWriterLockHeld, got %v", err)
	}

	// A different partition is free.
	w2, err := ledger.NewWriter(ctx, pool, 4, nil, nil, log)
	if err != nil {
		t.Fatalf("partition 4 must be free: %v", err)
	}
	w2.Close(context.Background())
}
