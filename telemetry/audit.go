package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// auditBufferSize bounds the in-memory audit queue. When the queue is
// full, events are dropped and counted rather than blocking the
// pipeline.
const auditBufferSize = 1024

// defaultMaxFileBytes rotates the audit file at 64 MiB.
const defaultMaxFileBytes = 64 << 20

// FileAuditSink appends events as JSONL to a file through a single
// writer goroutine, rotating when the file exceeds its size cap.
type FileAuditSink struct {
	path     string
	maxBytes int64
	logger   core.Logger
	metrics  core.Metrics

	events    chan core.AuditEvent
	closeOnce sync.Once
	done      chan struct{}
}

// NewFileAuditSink opens (creating if needed) the audit file and starts
// the writer.
func NewFileAuditSink(path string, logger core.Logger, metrics core.Metrics) (*FileAuditSink, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &core.NoOpMetrics{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	s := &FileAuditSink{
		path:     path,
		maxBytes: defaultMaxFileBytes,
		logger:   logger,
		metrics:  metrics,
		events:   make(chan core.AuditEvent, auditBufferSize),
		done:     make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// Record enqueues an event without blocking; a full queue drops it.
func (s *FileAuditSink) Record(event core.AuditEvent) {
	select {
	case s.events <- event:
	default:
		s.metrics.Counter("audit_dropped_total", 1, map[string]string{"sink": "file"})
	}
}

// Close drains the queue and stops the writer.
func (s *FileAuditSink) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	<-s.done
	return nil
}

func (s *FileAuditSink) writer() {
	defer close(s.done)

	file, size, err := s.open()
	if err != nil {
		s.logger.Error("Audit file unavailable, events will be dropped", map[string]interface{}{
			"operation": "audit_open",
			"path":      s.path,
			"error":     err.Error(),
		})
	}

	for event := range s.events {
		if file == nil {
			continue
		}
		line, err := json.Marshal(event)
		if err != nil {
			continue
		}
		line = append(line, '\n')
		if n, err := file.Write(line); err == nil {
			size += int64(n)
		}
		if size >= s.maxBytes {
			file.Close()
			rotated := fmt.Sprintf("%s.%s", s.path, time.Now().UTC().Format("20060102T150405"))
			if err := os.Rename(s.path, rotated); err != nil {
				s.logger.Warn("Audit rotation failed", map[string]interface{}{
					"operation": "audit_rotate",
					"error":     err.Error(),
				})
			}
			file, size, _ = s.open()
		}
	}
	if file != nil {
		file.Close()
	}
}

func (s *FileAuditSink) open() (*os.File, int64, error) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// KafkaAuditSink publishes events to a kafka topic for deployments that
// centralize audit trails. Delivery is asynchronous; failures are
// logged and counted, never surfaced to the pipeline.
type KafkaAuditSink struct {
	writer  *kafka.Writer
	logger  core.Logger
	metrics core.Metrics

	events    chan core.AuditEvent
	closeOnce sync.Once
	done      chan struct{}
}

// NewKafkaAuditSink creates a sink writing to topic on brokers.
func NewKafkaAuditSink(brokers []string, topic string, logger core.Logger, metrics core.Metrics) *KafkaAuditSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &core.NoOpMetrics{}
	}
	s := &KafkaAuditSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 100 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		logger:  logger,
		metrics: metrics,
		events:  make(chan core.AuditEvent, auditBufferSize),
		done:    make(chan struct{}),
	}
	go s.publisher()
	return s
}

// Record enqueues an event without blocking; a full queue drops it.
func (s *KafkaAuditSink) Record(event core.AuditEvent) {
	select {
	case s.events <- event:
	default:
		s.metrics.Counter("audit_dropped_total", 1, map[string]string{"sink": "kafka"})
	}
}

// Close drains the queue and closes the writer.
func (s *KafkaAuditSink) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	<-s.done
	return s.writer.Close()
}

func (s *KafkaAuditSink) publisher() {
	defer close(s.done)
	for event := range s.events {
		value, err := json.Marshal(event)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.writer.WriteMessages(ctx, kafka.Message{
			// Keyed by trace id so one request's events stay ordered.
			Key:   []byte(event.TraceID),
			Value: value,
		})
		cancel()
		if err != nil {
			s.metrics.Counter("audit_publish_errors_total", 1, map[string]string{"sink": "kafka"})
			s.logger.Warn("Audit publish failed", map[string]interface{}{
				"operation": "audit_publish",
				"error":     err.Error(),
			})
		}
	}
}
