package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"perp-monitor/internal/logging"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultTopic receives order lifecycle events
const DefaultTopic = "perp.orders.events"

// KafkaSink produces lifecycle events as JSON, keyed by symbol so one
// symbol's events stay ordered within a partition
type KafkaSink struct {
	client       *kgo.Client
	topic        string
	timeout      time.Duration
	logger       *logging.Logger
	produceCount int64
	errorCount   int64
}

// NewKafkaSink connects a producer to brokers
func NewKafkaSink(brokers []string, clientID, topic string, logger *logging.Logger) (*KafkaSink, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DefaultProduceTopic(topic),
	}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	s := &KafkaSink{
		client:  client,
		topic:   topic,
		timeout: 5 * time.Second,
		logger:  logger.WithComponent("kafka-sink"),
	}
	s.logger.WithField("brokers", brokers).Info("event producer initialized")
	return s, nil
}

// Publish produces synchronously with a short timeout. Delivery failures
// are counted and logged; they never fail the order that emitted them.
func (s *KafkaSink) Publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		atomic.AddInt64(&s.errorCount, 1)
		s.logger.WithError(err).Warn("failed to marshal event")
		return
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(e.Symbol),
		Value: data,
	}

	produceCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.ProduceSync(produceCtx, record).FirstErr(); err != nil {
		atomic.AddInt64(&s.errorCount, 1)
		s.logger.WithError(err).Warn("failed to produce %s event for %s", e.Type, e.Symbol)
		return
	}
	atomic.AddInt64(&s.produceCount, 1)
}

// Stats reports produced and failed event counts
func (s *KafkaSink) Stats() (produced, failed int64) {
	return atomic.LoadInt64(&s.produceCount), atomic.LoadInt64(&s.errorCount)
}

// Close flushes and closes the producer
func (s *KafkaSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
