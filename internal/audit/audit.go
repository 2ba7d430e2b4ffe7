package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/licensedb/engine/internal/store/blob"
)

// EventType classifies audit events.
type EventType string

const (
	EventTypeFetch    EventType = "fetch"
	EventTypeExtract  EventType = "extract"
	EventTypeValidate EventType = "validate"
	EventTypeFallback EventType = "fallback"
	EventTypeError    EventType = "error"
)

// Status is the outcome of the audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusWarning Status = "warning"
)

// Details carries event-specific payload fields.
type Details struct {
	Message     string            `json:"message"`
	Duration    int64             `json:"duration,omitempty"` // milliseconds
	DataSize    int64             `json:"dataSize,omitempty"`
	RecordCount int               `json:"recordCount,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Event is one audit record. The wire shape is one JSON object per line in
// the daily event log.
type Event struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Status    Status    `json:"status"`
	Details   Details   `json:"details"`
}

// Sink is a destination for audit events.
type Sink interface {
	Write(ctx context.Context, event *Event) error
	Close() error
}

// Logger buffers audit events and forwards them to its sinks.
type Logger struct {
	sinks   []Sink
	sinksMu sync.RWMutex

	buffer  chan *Event
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool

	baseLogger *slog.Logger
}

// Config holds audit logger configuration.
type Config struct {
	BufferSize int
}

// DefaultConfig returns default audit config.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// NewLogger creates an audit logger and starts its background writer.
func NewLogger(config Config, baseLogger *slog.Logger) *Logger {
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}

	l := &Logger{
		buffer:     make(chan *Event, config.BufferSize),
		done:       make(chan struct{}),
		baseLogger: baseLogger,
	}
	go l.worker()
	return l
}

// AddSink adds an audit sink.
func (l *Logger) AddSink(sink Sink) {
	l.sinksMu.Lock()
	defer l.sinksMu.Unlock()
	l.sinks = append(l.sinks, sink)
}

// Log queues an audit event for async writing. IDs and timestamps are filled
// in when absent. Never blocks; drops with a warning when the buffer is full
// or the logger is already closed.
func (l *Logger) Log(event *Event) {
	l.stamp(event)

	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		l.baseLogger.Warn("audit logger closed, dropping event",
			slog.String("event_id", event.EventID),
			slog.String("type", string(event.Type)),
		)
		return
	}

	select {
	case l.buffer <- event:
	default:
		l.baseLogger.Warn("audit buffer full, dropping event",
			slog.String("event_id", event.EventID),
			slog.String("type", string(event.Type)),
		)
	}
}

func (l *Logger) stamp(event *Event) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

func (l *Logger) worker() {
	for event := range l.buffer {
		if err := l.writeToSinks(context.Background(), event); err != nil {
			l.baseLogger.Error("failed to write audit event",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)
		}
	}
	close(l.done)
}

func (l *Logger) writeToSinks(ctx context.Context, event *Event) error {
	l.sinksMu.RLock()
	sinks := l.sinks
	l.sinksMu.RUnlock()

	var lastErr error
	for _, sink := range sinks {
		if err := sink.Write(ctx, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Close drains the buffer and closes all sinks. Idempotent; events logged
// after Close are dropped.
func (l *Logger) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()

	close(l.buffer)
	<-l.done

	l.sinksMu.Lock()
	defer l.sinksMu.Unlock()
	for _, sink := range l.sinks {
		sink.Close()
	}
	return nil
}

// ConsoleSink writes audit events through slog.
type ConsoleSink struct {
	logger *slog.Logger
}

// NewConsoleSink creates a console sink.
func NewConsoleSink(logger *slog.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger}
}

func (s *ConsoleSink) Write(ctx context.Context, event *Event) error {
	s.logger.Info("audit event",
		slog.String("event_id", event.EventID),
		slog.String("type", string(event.Type)),
		slog.String("status", string(event.Status)),
		slog.String("message", event.Details.Message),
	)
	return nil
}

func (s *ConsoleSink) Close() error { return nil }

// BlobSink appends events as newline-delimited JSON to one blob per UTC day
// under an events/ prefix.
type BlobSink struct {
	store blob.Store
	mu    sync.Mutex
}

// NewBlobSink creates a blob-backed sink.
func NewBlobSink(store blob.Store) *BlobSink {
	return &BlobSink{store: store}
}

func (s *BlobSink) Write(ctx context.Context, event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	key := "events/" + event.Timestamp.UTC().Format("2006-01-02") + ".ndjson"

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Get(ctx, key)
	if err != nil && err != blob.ErrNotFound {
		return err
	}

	data := append(existing, line...)
	data = append(data, '\n')
	return s.store.Put(ctx, key, data, "application/x-ndjson", nil)
}

func (s *BlobSink) Close() error { return nil }
