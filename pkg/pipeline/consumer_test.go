package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/Garudex-Labs/Caracal/pkg/models"
)

type fakeFetcher struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return kafka.Message{}, context.Canceled
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return msg, nil
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

type fakePublisher struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (f *fakePublisher) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func fastBackoffs(t *testing.T) {
	t.Helper()
	saved := retryBackoffs
	retryBackoffs = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryBackoffs = saved })
}

func TestConsumerCommitsAfterSuccess(t *testing.T) {
	fetcher := &fakeFetcher{msgs: []kafka.Message{
		{Topic: TopicMetering, Offset: 10, Value: []byte("a")},
		{Topic: TopicMetering, Offset: 11, Value: []byte("b")},
	}}
	var handled []int64
	c := NewConsumer(GroupLedgerWriter, fetcher, func(_ context.Context, msg kafka.Message) error {
		handled = append(handled, msg.Offset)
		return nil
	}, nil, zerolog.Nop())

	err := c.Run(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run ends when the fake drains: %v", err)
	}
	if len(handled) != 2 {
		t.Fatalf("expected 2 handled, got %d", len(handled))
	}
	if len(fetcher.committed) != 2 || fetcher.committed[0] != 10 || fetcher.committed[1] != 11 {
		t.Fatalf("offsets must commit in order after handling: %v", fetcher.committed)
	}
	stats := c.Stats()
	if stats.Processed != 2 || stats.DeadLettered != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	fastBackoffs(t)
	fetcher := &fakeFetcher{msgs: []kafka.Message{
		{Topic: TopicMetering, Partition: 2, Offset: 5, Key: []byte("k"), Value: []byte("poison")},
		{Topic: TopicMetering, Partition: 2, Offset: 6, Value: []byte("fine")},
	}}
	publisher := &fakePublisher{}
	dlq := NewDLQProducer(publisher, GroupLedgerWriter)

	attempts := 0
	var handledAfter []int64
	c := NewConsumer(GroupLedgerWriter, fetcher, func(_ context.Context, msg kafka.Message) error {
		if string(msg.Value) == "poison" {
			attempts++
			return errors.New("handler exploded")
		}
		handledAfter = append(handledAfter, msg.Offset)
		return nil
	}, dlq, zerolog.Nop())

	_ = c.Run(context.Background())

	if attempts != 4 {
		t.Fatalf("expected 1 try + 3 retries, got %d", attempts)
	}
	if len(publisher.msgs) != 1 {
		t.Fatalf("expected one DLQ message, got %d", len(publisher.msgs))
	}
	var record models.DLQEvent
	if err := json.Unmarshal(publisher.msgs[0].Value, &record); err != nil {
		t.Fatal(err)
	}
	if record.RetryCount != 3 {
		t.Fatalf("expected retry_count=3, got %d", record.RetryCount)
	}
	if record.ErrorMessage != "handler exploded" {
		t.Fatalf("error must be populated, got %q", record.ErrorMessage)
	}
	if record.ConsumerGroup != GroupLedgerWriter {
		t.Fatalf("consumer group must be set, got %q", record.ConsumerGroup)
	}
	if record.OriginalTopic != TopicMetering || record.OriginalPartition != 2 || record.OriginalOffset != 5 {
		t.Fatalf("original coordinates must be preserved: %+v", record)
	}

	// The poisoned offset is committed and the partition keeps moving.
	if len(fetcher.committed) != 2 || fetcher.committed[0] != 5 || fetcher.committed[1] != 6 {
		t.Fatalf("expected offsets 5 then 6 committed, got %v", fetcher.committed)
	}
	if len(handledAfter) != 1 || handledAfter[0] != 6 {
		t.Fatalf("subsequent messages must process normally: %v", handledAfter)
	}
	if c.Stats().DeadLettered != 1 {
		t.Fatalf("dead-letter counter must move: %+v", c.Stats())
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) WriteMessages(context.Context, ...kafka.Message) error {
	f.calls++
	return io.ErrClosedPipe
}

func (f *failingPublisher) Close() error { return nil }

func TestConsumerDoesNotAdvancePastFailedDLQ(t *testing.T) {
	fastBackoffs(t)
	fetcher := &fakeFetcher{msgs: []kafka.Message{
		{Topic: TopicMetering, Offset: 7, Value: []byte("poison")},
	}}
	dlq := NewDLQProducer(&failingPublisher{}, GroupLedgerWriter)
	c := NewConsumer(GroupLedgerWriter, fetcher, func(context.Context, kafka.Message) error {
		return errors.New("nope")
	}, dlq, zerolog.Nop())

	_ = c.Run(context.Background())
	if len(fetcher.committed) != 0 {
		t.Fatalf("offset must not commit when the DLQ write failed: %v", fetcher.committed)
	}
}

func TestAuditLoggerHandlerTolerantDecode(t *testing.T) {
	h := AuditLoggerHandler(zerolog.Nop(), []byte("salt"))
	msg := kafka.Message{Value: []byte(`{"version":1,"principal_id":"p","allowed":true,"reason":"Allow","unknown_field":42}`)}
	if err := h(context.Background(), msg); err != nil {
		t.Fatalf("unknown optional fields must be tolerated: %v", err)
	}
	if err := h(context.Background(), kafka.Message{Value: []byte(`{not json`)}); err == nil {
		t.Fatal("broken payloads must error into the retry path")
	}
}

func TestDLQEventFromNilError(t *testing.T) {
	rec := DLQEventFrom(kafka.Message{Topic: "t"}, nil, 3, "g", time.UnixMilli(1700000000000))
	if rec.ErrorMessage != "" || rec.ErrorType != "HandlerFailure" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.FailureTSMS != 1700000000000 {
		t.Fatalf("failure timestamp must be stamped: %d", rec.FailureTSMS)
	}
}
