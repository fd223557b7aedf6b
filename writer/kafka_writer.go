package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	kafka "github.com/segmentio/kafka-go"

	appconfig "cryptocrawler/config"
	"cryptocrawler/logger"
	"cryptocrawler/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes each message as JSON keyed by exchange:symbol:kind,
// so one feed always lands on the same partition.
type KafkaWriter struct {
	writer messageWriter
	topic  string
	log    *logger.Entry

	written atomic.Int64
	failed  atomic.Int64
}

func NewKafkaWriter(cfg appconfig.KafkaConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		BatchTimeout:           cfg.BatchTimeout,
		Async:                  cfg.Async,
		AllowAutoTopicCreation: true,
	}
	kw := newKafkaWriter(w, cfg.Topic)
	kw.log.WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
		"async":   cfg.Async,
	}).Info("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(w messageWriter, topic string) *KafkaWriter {
	return &KafkaWriter{
		writer: w,
		topic:  topic,
		log:    logger.GetLogger().WithComponent("kafka_writer"),
	}
}

func (kw *KafkaWriter) Publish(ctx context.Context, msg models.CanonicalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	km := kafka.Message{
		Key:   []byte(msg.Key()),
		Value: data,
		Time:  msg.FetchedAt,
		Headers: []kafka.Header{
			{Key: "exchange", Value: []byte(msg.Exchange)},
			{Key: "kind", Value: []byte(msg.Kind.String())},
		},
	}
	if err := kw.writer.WriteMessages(ctx, km); err != nil {
		kw.failed.Add(1)
		return fmt.Errorf("write to topic %s: %w", kw.topic, err)
	}
	kw.written.Add(1)
	kw.log.WithFields(logger.Fields{"id": msg.ID, "key": msg.Key()}).Debug("message written to kafka")
	return nil
}

func (kw *KafkaWriter) Stats() (written, failed int64) {
	return kw.written.Load(), kw.failed.Load()
}

func (kw *KafkaWriter) Close() error {
	kw.log.Debug("closing kafka writer")
	return kw.writer.Close()
}
