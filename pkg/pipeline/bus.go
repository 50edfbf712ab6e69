// Package pipeline moves metering and decision events from the message bus
// into the ledger and derived aggregates. Delivery is at-least-once: offsets
// commit synchronously after the handler succeeds, and handlers are
// idempotent via the (principal_id, producer_seq) uniqueness rule.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Bus topics.
const (
	TopicMetering       = "metering.events"
	TopicDecisions      = "policy.decisions"
	TopicAgentLifecycle = "agent.lifecycle"
	TopicPolicyChanges  = "policy.changes"
	TopicDLQ            = "dlq"
)

// Consumer groups.
const (
	GroupLedgerWriter      = "ledger-writer"
	GroupMetricsAggregator = "aggregator-metrics"
	GroupAuditLogger       = "audit-logger"
)

// Fetcher is the manual-commit read surface of kafka.Reader.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is the write surface of kafka.Writer.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderConfig names one (group, topic) subscription.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader builds a manual-commit reader: offsets are committed explicitly
// after the handler succeeds, never on an interval. New groups start from
// earliest so replays see the full stream.
func NewReader(cfg ReaderConfig) (*kafka.Reader, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	}), nil
}

// NewPublisher builds a writer for one topic.
func NewPublisher(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // partition by key = principal id
		RequiredAcks: kafka.RequireAll,
	}
}
