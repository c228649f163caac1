package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/persistence"
)

// RedisPublisher is the subset of the go-redis client used by RedisSink
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes envelopes on Redis pub/sub channels named
// {prefix}.{kind}.{platform}.{symbol}
type RedisSink struct {
	client RedisPublisher
	prefix string
}

// NewRedisSink creates a Redis pub/sub sink
func NewRedisSink(client RedisPublisher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "market"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, e *Envelope) error {
	b, err := e.ToJSON()
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, e.Channel(s.prefix), b).Err()
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaConfig configures the Kafka writer
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// NewKafkaWriter builds a gzip-compressed writer acking from all replicas
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        1 * time.Second,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// KafkaSink writes envelopes keyed by platform:symbol so one instrument's
// events stay on one partition
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a Kafka sink
func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, e *Envelope) error {
	b, err := e.ToJSON()
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.Key()),
		Value:   b,
		Headers: kafkaHeaders(e),
		Time:    e.Timestamp,
	})
}

// kafkaHeaders carries kind and message id first, then every envelope
// header in key order
func kafkaHeaders(e *Envelope) []kafka.Header {
	headers := make([]kafka.Header, 0, 2+len(e.Headers))
	headers = append(headers,
		kafka.Header{Key: "kind", Value: []byte(e.Kind)},
		kafka.Header{Key: "message_id", Value: []byte(e.MessageID)},
	)
	keys := make([]string, 0, len(e.Headers))
	for k := range e.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(e.Headers[k])})
	}
	return headers
}

// BookCacheSink stores every published order book as the latest for its
// instrument; other kinds pass through untouched
type BookCacheSink struct {
	cache persistence.BookCache
}

// NewBookCacheSink creates a sink backed by cache
func NewBookCacheSink(cache persistence.BookCache) *BookCacheSink {
	return &BookCacheSink{cache: cache}
}

func (s *BookCacheSink) Name() string { return "book_cache" }

func (s *BookCacheSink) Deliver(ctx context.Context, e *Envelope) error {
	if e.Kind != market.KindOrderbook {
		return nil
	}
	var ob market.Orderbook
	if err := json.Unmarshal(e.Payload, &ob); err != nil {
		return fmt.Errorf("decode orderbook payload: %w", err)
	}
	return s.cache.Put(ctx, &ob)
}

// StoreSink persists trades and klines; order books are not stored
type StoreSink struct {
	store persistence.TradeStore
}

// NewStoreSink creates a sink backed by store
func NewStoreSink(store persistence.TradeStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "postgres" }

func (s *StoreSink) Deliver(ctx context.Context, e *Envelope) error {
	switch e.Kind {
	case market.KindTrade:
		var t market.Trade
		if err := json.Unmarshal(e.Payload, &t); err != nil {
			return fmt.Errorf("decode trade payload: %w", err)
		}
		err := s.store.InsertTrade(ctx, persistence.TradeFromEvent(&t))
		if errors.Is(err, persistence.ErrDuplicate) {
			return nil
		}
		return err
	case market.KindKline:
		var k market.Kline
		if err := json.Unmarshal(e.Payload, &k); err != nil {
			return fmt.Errorf("decode kline payload: %w", err)
		}
		return s.store.UpsertKline(ctx, persistence.KlineFromEvent(&k))
	}
	return nil
}

// LogSink writes each envelope as a structured log line
type LogSink struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// NewLogSink logs envelopes at level
func NewLogSink(logger zerolog.Logger, level zerolog.Level) *LogSink {
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, e *Envelope) error {
	s.logger.WithLevel(s.level).
		Str("kind", string(e.Kind)).
		Str("platform", e.Source).
		Str("symbol", e.Symbol).
		Time("ts", e.Timestamp).
		RawJSON("payload", e.Payload).
		Msg("event")
	return nil
}
