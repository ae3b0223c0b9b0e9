package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// ErrEmitterClosed is returned when recording after Close.
var ErrEmitterClosed = errors.New("evidence emitter is closed")

// KafkaConfig holds broker connection and producer behavior settings
// for the evidence topic.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers" json:"brokers"`
	Topic           string        `yaml:"topic" json:"topic"`
	CompressionType string        `yaml:"compression_type" json:"compression_type"` // none, gzip, snappy, lz4, zstd
	RequiredAcks    int           `yaml:"required_acks" json:"required_acks"`       // -1=all, 0=none, 1=leader
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	BufferSize      int           `yaml:"buffer_size" json:"buffer_size"`
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:         []string{"localhost:9092"},
		Topic:           "compliance-evidence",
		CompressionType: "lz4",
		RequiredAcks:    -1, // Evidence must reach all replicas
		BatchSize:       100,
		BatchTimeout:    10 * time.Millisecond,
		MaxRetries:      3,
		WriteTimeout:    30 * time.Second,
		BufferSize:      4096,
	}
}

// Validate checks if the configuration is valid.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("evidence: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("evidence: topic is required")
	}
	switch c.CompressionType {
	case "", "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("evidence: invalid compression type: %s", c.CompressionType)
	}
	return nil
}

func (c *KafkaConfig) compression() kafka.Compression {
	switch c.CompressionType {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "zstd":
		return kafka.Zstd
	case "lz4":
		return kafka.Lz4
	default:
		return 0
	}
}

// KafkaEmitter publishes evidence records to a Kafka topic. Record
// enqueues to a bounded ring buffer and returns immediately; a
// background worker drains the buffer into the producer so the calling
// state machine never blocks on a broker round-trip.
type KafkaEmitter struct {
	writer  *kafka.Writer
	buf     *ringBuffer
	archive *Archiver
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool

	emitted atomic.Int64
	failed  atomic.Int64
}

// NewKafkaEmitter creates an emitter and starts its drain worker.
func NewKafkaEmitter(cfg KafkaConfig, logger *slog.Logger) (*KafkaEmitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxRetries,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.compression(),
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "evidence-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "evidence-writer")
		}),
	}

	e := &KafkaEmitter{
		writer: writer,
		buf:    newRingBuffer(cfg.BufferSize),
		logger: logger,
	}

	e.wg.Add(1)
	go e.drain()

	logger.Info("evidence emitter initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"buffer_size", cfg.BufferSize,
	)
	return e, nil
}

// WithArchive tees every drained record into the S3 archiver. Archival
// is independent of broker delivery: a failed publish is still archived.
func (e *KafkaEmitter) WithArchive(a *Archiver) *KafkaEmitter {
	e.archive = a
	return e
}

// Record enqueues an evidence record and returns its id. A full buffer
// drops the record with a warning rather than blocking the caller.
func (e *KafkaEmitter) Record(ctx context.Context, eventType EventType, severity string, tags, articles []string, metadata map[string]any) uuid.UUID {
	rec := newRecord(eventType, severity, tags, articles, metadata)
	if e.closed.Load() {
		e.logger.Warn("evidence record after close", "evidence_id", rec.ID, "type", eventType)
		return rec.ID
	}
	if err := e.buf.Push(rec); err != nil {
		e.failed.Add(1)
		e.logger.Warn("evidence record dropped",
			"evidence_id", rec.ID,
			"type", eventType,
			"error", err,
		)
	}
	return rec.ID
}

func (e *KafkaEmitter) drain() {
	defer e.wg.Done()

	for {
		rec, err := e.buf.PopBlocking()
		if err != nil {
			return
		}

		if e.archive != nil {
			e.archive.Add(context.Background(), rec)
		}

		value, err := json.Marshal(rec)
		if err != nil {
			e.failed.Add(1)
			e.logger.Error("failed to marshal evidence record", "evidence_id", rec.ID, "error", err)
			continue
		}

		msg := kafka.Message{
			Key:   []byte(rec.ID.String()),
			Value: value,
			Time:  rec.RecordedAt,
		}
		if err := e.writer.WriteMessages(context.Background(), msg); err != nil {
			e.failed.Add(1)
			e.logger.Error("failed to publish evidence record",
				"evidence_id", rec.ID,
				"type", rec.Type,
				"error", err,
			)
			continue
		}
		e.emitted.Add(1)
	}
}

// Stats returns emitter counters.
func (e *KafkaEmitter) Stats() map[string]any {
	return map[string]any{
		"emitted": e.emitted.Load(),
		"failed":  e.failed.Load(),
		"dropped": e.buf.Dropped(),
		"pending": e.buf.Len(),
	}
}

// Close drains buffered records and closes the producer.
func (e *KafkaEmitter) Close() error {
	if e.closed.Swap(true) {
		return ErrEmitterClosed
	}
	e.buf.Close()
	e.wg.Wait()
	return e.writer.Close()
}
