// The replayer rebuilds derived state from the ledger while consumers are
// stopped: snapshot (or offset) -> replay -> Merkle re-verification. A
// verification failure exits 2 and consumers must stay down.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Garudex-Labs/Caracal/pkg/keys"
	"github.com/Garudex-Labs/Caracal/pkg/replay"
	"github.com/Garudex-Labs/Caracal/pkg/spending"
	"github.com/Garudex-Labs/Caracal/pkg/store"
)

var (
	exitFn      = os.Exit
	openPoolFn  = store.NewPostgresPool
	openRedisFn = store.NewRedis
)

func main() {
	var (
		partition    = flag.Int("partition", 0, "ledger partition to replay")
		fromOffset   = flag.Int64("from-offset", -1, "replay from this ledger id (exclusive); -1 uses the latest snapshot")
		fromSnapshot = flag.Bool("from-snapshot", false, "replay from the latest snapshot")
		verifyOnly   = flag.Bool("verify-only", false, "verify Merkle batches without rebuilding caches")
		takeSnapshot = flag.Bool("snapshot", false, "persist a snapshot of the rebuilt state")
		signerKeyF   = flag.String("signer-pub", "", "PEM file with the batch signing public key (optional)")
	)
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "replayer").Logger()
	ctx := context.Background()

	pool, err := openPoolFn(ctx)
	if err != nil {
		log.Error().Err(err).Msg("db")
		exitFn(1)
		return
	}
	defer pool.Close()

	r := replay.New(int32(*partition), &store.LedgerRepo{DB: pool}, &store.BatchRepo{DB: pool}, &store.SnapshotRepo{DB: pool}, log)

	if !*verifyOnly && strings.EqualFold(env("REDIS_ENABLED", "true"), "true") {
		var redisClient *redis.Client
		if redisClient, err = openRedisFn(ctx); err == nil {
			r.Spending = spending.NewCache(redisClient)
		} else {
			log.Warn().Err(err).Msg("redis unavailable; cache rebuild skipped")
		}
	}
	if *signerKeyF != "" {
		pub, err := loadPublicKey(*signerKeyF)
		if err != nil {
			log.Error().Err(err).Msg("signer public key")
			exitFn(1)
			return
		}
		r.SignerKey = pub
	}

	var result replay.Result
	switch {
	case *fromOffset >= 0:
		result, err = r.FromOffset(ctx, *fromOffset)
	case *fromSnapshot:
		result, err = r.FromSnapshot(ctx)
	default:
		result, err = r.FromSnapshot(ctx)
	}
	if err != nil {
		if errors.Is(err, replay.ErrIntegrity) {
			log.Error().Err(err).Msg("INTEGRITY FAILURE: do not restart consumers")
			exitFn(2)
			return
		}
		log.Error().Err(err).Msg("replay failed")
		exitFn(1)
		return
	}

	if *takeSnapshot {
		if _, err := r.Snapshot(ctx, result); err != nil {
			log.Error().Err(err).Msg("snapshot failed")
			exitFn(1)
			return
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
}

func loadPublicKey(path string) (*ecdsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%s: expected PUBLIC KEY pem block", path)
	}
	return keys.ParsePublicKey(block.Bytes)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
