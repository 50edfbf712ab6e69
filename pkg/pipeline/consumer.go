package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Handler processes one message. It must be idempotent: redelivery after a
// crash between handle and commit is expected.
type Handler func(ctx context.Context, msg kafka.Message) error

var retryBackoffs = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Consumer drives one (group, partition set) subscription. Processing is
// strictly sequential within the reader to preserve partition ordering;
// parallelism comes from running one consumer per partition.
type Consumer struct {
	Group   string
	Reader  Fetcher
	Handler Handler
	DLQ     *DLQProducer
	Log     zerolog.Logger

	processed  atomic.Int64
	retried    atomic.Int64
	deadletter atomic.Int64
	lastCommit atomic.Int64 // unix ms
}

func NewConsumer(group string, reader Fetcher, handler Handler, dlq *DLQProducer, log zerolog.Logger) *Consumer {
	return &Consumer{
		Group:   group,
		Reader:  reader,
		Handler: handler,
		DLQ:     dlq,
		Log:     log.With().Str("component", "consumer").Str("group", group).Logger(),
	}
}

// Stats reports progress counters for the health probe.
type Stats struct {
	Group          string `json:"group"`
	Processed      int64  `json:"processed"`
	Retried        int64  `json:"retried"`
	DeadLettered   int64  `json:"dead_lettered"`
	LastCommitMS   int64  `json:"last_commit_ms"`
	LastCommitAgeS int64  `json:"last_commit_age_s"`
}

func (c *Consumer) Stats() Stats {
	last := c.lastCommit.Load()
	age := int64(0)
	if last > 0 {
		age = (time.Now().UnixMilli() - last) / 1000
	}
	return Stats{
		Group:          c.Group,
		Processed:      c.processed.Load(),
		Retried:        c.retried.Load(),
		DeadLettered:   c.deadletter.Load(),
		LastCommitMS:   last,
		LastCommitAgeS: age,
	}
}

// Run polls until ctx is canceled. Offsets commit synchronously after each
// handled message; a message that fails all retries goes to the dead-letter
// topic and its offset commits so the partition keeps moving.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.Log.Error().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if err := c.processOne(ctx, msg); err != nil {
			// Only commit failures land here; the message will be redelivered.
			c.Log.Error().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
			continue
		}
	}
}

func (c *Consumer) processOne(ctx context.Context, msg kafka.Message) error {
	var handlerErr error
	for attempt := 0; ; attempt++ {
		handlerErr = c.Handler(ctx, msg)
		if handlerErr == nil {
			c.processed.Add(1)
			return c.commit(ctx, msg)
		}
		if attempt >= len(retryBackoffs) {
			break
		}
		c.retried.Add(1)
		c.Log.Warn().Err(handlerErr).
			Int("attempt", attempt+1).
			Int64("offset", msg.Offset).
			Msg("handler failed; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoffs[attempt]):
		}
	}

	c.Log.Error().Err(handlerErr).
		Int64("offset", msg.Offset).
		Str("key", string(msg.Key)).
		Msg("handler exhausted retries; dead-lettering")
	if c.DLQ != nil {
		if err := c.DLQ.Publish(ctx, msg, handlerErr, len(retryBackoffs)); err != nil {
			// Without the DLQ record we must not advance: redeliver instead.
			return err
		}
	}
	c.deadletter.Add(1)
	return c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.Reader.CommitMessages(ctx, msg); err != nil {
		return err
	}
	c.lastCommit.Store(time.Now().UnixMilli())
	return nil
}
