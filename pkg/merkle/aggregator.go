package merkle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/Garudex-Labs/Caracal/pkg/keys"
	"github.com/Garudex-Labs/Caracal/pkg/models"
	"github.com/Garudex-Labs/Caracal/pkg/store"
)

const (
	DefaultSizeThreshold = 1024
	DefaultTimeThreshold = 60 * time.Second
)

type leaf struct {
	id   int64
	hash []byte
}

// Aggregator seals Merkle batches for one partition. It consumes event
// hashes from the ledger writer via Notify and seals when either the size or
// the time threshold hits. Events live in the ledger before they reach the
// queue, so a lost queue entry is recovered from the high-water mark, never
// lost.
type Aggregator struct {
	Partition     int32
	Ledger        *store.LedgerRepo
	Batches       *store.BatchRepo
	Pool          store.TxBeginner
	Signer        *keys.Signer
	SizeThreshold int
	TimeThreshold time.Duration
	Log           zerolog.Logger
	Now           func() time.Time

	mu       sync.Mutex
	queue    []leaf
	sealedHi int64

	wake chan struct{}
}

func NewAggregator(partition int32, ledger *store.LedgerRepo, batches *store.BatchRepo, pool store.TxBeginner, signer *keys.Signer, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		Partition:     partition,
		Ledger:        ledger,
		Batches:       batches,
		Pool:          pool,
		Signer:        signer,
		SizeThreshold: DefaultSizeThreshold,
		TimeThreshold: DefaultTimeThreshold,
		Log:           log.With().Str("component", "merkle-aggregator").Int32("partition", partition).Logger(),
		Now:           time.Now,
		wake:          make(chan struct{}, 1),
	}
}

// Notify enqueues a freshly appended event. Called by the ledger writer after
// the row is durable; ordering follows append order.
func (a *Aggregator) Notify(e models.LedgerEvent) {
	a.mu.Lock()
	if e.ID > a.sealedHi {
		a.queue = append(a.queue, leaf{id: e.ID, hash: e.ContentHash})
	}
	full := len(a.queue) >= a.SizeThreshold
	a.mu.Unlock()
	if full {
		a.signal()
	}
}

func (a *Aggregator) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Recover reloads unsealed events from the ledger, called once at startup
// before Run. Safe to call again after a sealing error.
func (a *Aggregator) Recover(ctx context.Context) error {
	high, err := a.Batches.SealedHigh(ctx, a.Partition)
	if err != nil {
		return err
	}
	events, err := a.Ledger.Unsealed(ctx, a.Partition, high, a.SizeThreshold*4)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.sealedHi = high
	a.queue = a.queue[:0]
	for _, e := range events {
		a.queue = append(a.queue, leaf{id: e.ID, hash: e.ContentHash})
	}
	a.mu.Unlock()
	a.Log.Info().Int64("sealed_high", high).Int("pending", len(events)).Msg("aggregator recovered")
	return nil
}

// Run drives sealing until ctx is canceled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.TimeThreshold)
	defer ticker.Stop()
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.wake:
		case <-ticker.C:
		}
		for a.pending() > 0 {
			sealed, err := a.SealOnce(ctx)
			if err != nil {
				// Events are already durable in the ledger; hold the batch
				// open, resync the queue from the high-water mark and retry
				// with backoff.
				a.Log.Error().Err(err).Msg("seal failed; batch stays open")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				if rerr := a.Recover(ctx); rerr != nil {
					a.Log.Error().Err(rerr).Msg("queue resync failed")
				}
				break
			}
			backoff = time.Second
			if !sealed {
				break
			}
		}
	}
}

func (a *Aggregator) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// SealOnce seals at most one batch of up to SizeThreshold pending leaves; a
// smaller pending set is sealed as a partial batch. It returns false only
// when nothing is pending (callers loop until it does). Sealing an
// already-sealed range is a no-op thanks to the sealed high-water mark.
func (a *Aggregator) SealOnce(ctx context.Context) (bool, error) {
	a.mu.Lock()
	if len(a.queue) == 0 {
		a.mu.Unlock()
		return false, nil
	}
	n := len(a.queue)
	if n > a.SizeThreshold {
		n = a.SizeThreshold
	}
	batch := make([]leaf, n)
	copy(batch, a.queue[:n])
	a.mu.Unlock()

	first, last := batch[0].id, batch[n-1].id
	if wantLen := int(last - first + 1); wantLen != n {
		// Holes mean the queue raced a recovery; rebuild it.
		return false, fmt.Errorf("non-contiguous seal range [%d,%d] with %d leaves", first, last, n)
	}

	leaves := make([][]byte, n)
	for i, l := range batch {
		leaves[i] = l.hash
	}
	root := Root(leaves)

	batchID, err := a.Batches.NextBatchID(ctx, a.Partition)
	if err != nil {
		return false, err
	}
	sig, err := a.Signer.Sign(SigningPayload(batchID, first, last, root))
	if err != nil {
		return false, fmt.Errorf("sign batch root: %w", err)
	}
	rec := models.MerkleBatch{
		BatchID:      batchID,
		Partition:    a.Partition,
		FirstEventID: first,
		LastEventID:  last,
		RootHash:     root,
		SigningKeyID: a.Signer.KeyID,
		Signature:    sig,
		CreatedMS:    a.Now().UnixMilli(),
	}
	err = store.WithTx(ctx, a.Pool, func(tx pgx.Tx) error {
		batches := &store.BatchRepo{DB: tx}
		ledger := &store.LedgerRepo{DB: tx}
		if err := batches.Insert(ctx, rec); err != nil {
			return err
		}
		return ledger.AssignBatch(ctx, a.Partition, first, last, batchID)
	})
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	a.queue = append(a.queue[:0], a.queue[n:]...)
	if last > a.sealedHi {
		a.sealedHi = last
	}
	a.mu.Unlock()

	a.Log.Info().
		Int64("batch_id", batchID).
		Int64("first_event_id", first).
		Int64("last_event_id", last).
		Int("events", n).
		Msg("batch sealed")
	return true, nil
}
