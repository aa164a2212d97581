package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaSink publishes persisted records to a topic, keyed by scope so every
// version of one entity lands on the same partition in order.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *slog.Logger

	// mu guards closed against sends racing Close.
	mu     sync.RWMutex
	closed bool
}

func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Producer.Flush.Messages = 100

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to start kafka producer: %w", err)
	}
	return NewKafkaSinkFromProducer(producer, topic, logger), nil
}

// NewKafkaSinkFromProducer wraps an existing producer.
func NewKafkaSinkFromProducer(producer sarama.AsyncProducer, topic string, logger *slog.Logger) *KafkaSink {
	if topic == "" {
		topic = "system.audit.records"
	}
	if logger == nil {
		logger = slog.Default()
	}

	sink := &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}

	go sink.drainErrors()

	return sink
}

func (k *KafkaSink) Publish(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal failed: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(rec.Scope()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(rec.Event)},
		},
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		k.logger.WarnContext(ctx, "audit: kafka sink closed, record dropped", "scope", rec.Scope())
		return nil
	}

	select {
	case k.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KafkaSink) drainErrors() {
	for err := range k.producer.Errors() {
		k.logger.Error("audit: failed to send record to kafka", "topic", k.topic, "error", err)
	}
}

// Close flushes buffered messages. Later publishes are dropped.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()
	return k.producer.Close()
}
