package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/storegw/internal/observability"
)

// Logger is the audit logger interface.
type Logger interface {
	// LogEvent writes the event. Failures are reported to the process log,
	// never to the caller.
	LogEvent(ctx context.Context, event *Event)

	// Close releases the output.
	Close() error
}

// Metrics contains audit metrics.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

// NewMetrics creates audit metrics registered with registerer, or with the
// default registerer when nil. Duplicate registration is tolerated.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "storegw"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Total number of audit events",
		},
		[]string{"type", "action", "outcome"},
	)
	if err := registerer.Register(eventsTotal); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				eventsTotal = existing
			}
		}
	}
	return &Metrics{eventsTotal: eventsTotal}
}

// RecordEvent counts an event.
func (m *Metrics) RecordEvent(eventType EventType, action Action, outcome Outcome) {
	if m == nil || m.eventsTotal == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(eventType), string(action), string(outcome)).Inc()
}

type logger struct {
	mu      sync.Mutex
	enc     *json.Encoder
	closer  io.Closer
	logger  observability.Logger
	metrics *Metrics
}

// Option is a functional option for the logger.
type Option func(*logger)

// WithLogger sets the process logger used to report write failures.
func WithLogger(l observability.Logger) Option {
	return func(lg *logger) {
		lg.logger = l
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(lg *logger) {
		lg.metrics = m
	}
}

// NewLogger creates a logger writing to "stdout", "stderr" or the file at
// output, which is opened for appending.
func NewLogger(output string, opts ...Option) (Logger, error) {
	switch output {
	case "", "stdout":
		return NewWriterLogger(os.Stdout, opts...), nil
	case "stderr":
		return NewWriterLogger(os.Stderr, opts...), nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit output: %w", err)
	}
	l := newLogger(f, opts...)
	l.closer = f
	return l, nil
}

// NewWriterLogger creates a logger writing to w. Close does not close w.
func NewWriterLogger(w io.Writer, opts ...Option) Logger {
	return newLogger(w, opts...)
}

func newLogger(w io.Writer, opts ...Option) *logger {
	l := &logger{
		enc:    json.NewEncoder(w),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogEvent implements Logger.
func (l *logger) LogEvent(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	if event.RequestID == "" {
		event.RequestID = observability.RequestIDFromContext(ctx)
	}
	if event.TraceID == "" {
		event.TraceID = observability.TraceIDFromContext(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.SpanIDFromContext(ctx)
	}

	l.metrics.RecordEvent(event.Type, event.Action, event.Outcome)

	l.mu.Lock()
	err := l.enc.Encode(event)
	l.mu.Unlock()
	if err != nil {
		l.logger.Error("failed to write audit event",
			observability.String("action", string(event.Action)),
			observability.Error(err),
		)
	}
}

// Close implements Logger.
func (l *logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

type nopLogger struct{}

// NopLogger returns a logger that discards events.
func NopLogger() Logger { return nopLogger{} }

func (nopLogger) LogEvent(context.Context, *Event) {}
func (nopLogger) Close() error                     { return nil }
