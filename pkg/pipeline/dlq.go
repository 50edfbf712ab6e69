package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/Garudex-Labs/Caracal/pkg/models"
)

// DLQProducer publishes messages that exhausted their retry budget, wrapped
// with their original coordinates so operators can inspect and re-drive them.
type DLQProducer struct {
	Writer Publisher
	Group  string
	Now    func() time.Time
}

func NewDLQProducer(writer Publisher, group string) *DLQProducer {
	return &DLQProducer{Writer: writer, Group: group, Now: time.Now}
}

// Publish wraps the failed message and writes it to the dead-letter topic.
func (p *DLQProducer) Publish(ctx context.Context, msg kafka.Message, handlerErr error, retryCount int) error {
	event := DLQEventFrom(msg, handlerErr, retryCount, p.Group, p.Now())
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal dlq event: %w", err)
	}
	if err := p.Writer.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: payload}); err != nil {
		return fmt.Errorf("publish dlq event: %w", err)
	}
	return nil
}

// DLQEventFrom builds the dead-letter record for a failed message.
func DLQEventFrom(msg kafka.Message, handlerErr error, retryCount int, group string, at time.Time) models.DLQEvent {
	errMsg := ""
	if handlerErr != nil {
		errMsg = handlerErr.Error()
	}
	return models.DLQEvent{
		DLQID:             uuid.New(),
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		OriginalKey:       string(msg.Key),
		OriginalValue:     msg.Value,
		ErrorType:         "HandlerFailure",
		ErrorMessage:      errMsg,
		RetryCount:        retryCount,
		FailureTSMS:       at.UnixMilli(),
		ConsumerGroup:     group,
	}
}
