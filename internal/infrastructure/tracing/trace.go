package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/shared/id"
)

// Span represents a single operation: one invocation, commit or host call.
type Span struct {
	SpanID    id.SpanID
	ParentID  id.SpanID
	Name      string
	Service   string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error

	mu   sync.Mutex
	tags map[string]string
}

// Tracer collects finished spans and logs them at debug level.
type Tracer struct {
	service string
	logger  *zap.Logger
	spans   chan *Span
	done    chan struct{}
	once    sync.Once
}

// New creates a new tracer instance
func New(service string, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracer{
		service: service,
		logger:  logger,
		spans:   make(chan *Span, 1000),
		done:    make(chan struct{}),
	}

	// Start span collector
	go t.collectSpans()

	return t
}

// StartSpan creates a new span whose parent is the span carried by ctx.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	parentID, _ := ctx.Value(spanIDKey).(id.SpanID)

	span := &Span{
		SpanID:    id.NewSpanID(),
		ParentID:  parentID,
		Name:      name,
		Service:   t.service,
		StartTime: time.Now(),
		tags:      make(map[string]string),
	}

	return span, context.WithValue(ctx, spanIDKey, span.SpanID)
}

// Finish marks the span as complete
func (s *Span) Finish() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// SetTag adds a tag to the span
func (s *Span) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[key] = value
}

// Tag returns a tag value.
func (s *Span) Tag(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tags[key]
}

// SetError records an error in the span
func (s *Span) SetError(err error) {
	s.Error = err
}

// collectSpans processes completed spans
func (t *Tracer) collectSpans() {
	for {
		select {
		case span := <-t.spans:
			t.processSpan(span)
		case <-t.done:
			return
		}
	}
}

// processSpan logs span data
func (t *Tracer) processSpan(span *Span) {
	fields := []zap.Field{
		zap.String("span_id", span.SpanID.String()),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
		zap.String("service", span.Service),
	}

	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", span.ParentID.String()))
	}

	span.mu.Lock()
	for k, v := range span.tags {
		fields = append(fields, zap.String(k, v))
	}
	span.mu.Unlock()

	if span.Error != nil {
		fields = append(fields, zap.Error(span.Error))
		t.logger.Debug("span completed with error", fields...)
	} else {
		t.logger.Debug("span completed", fields...)
	}
}

// Submit sends a finished span to the collector
func (t *Tracer) Submit(span *Span) {
	if t == nil {
		return
	}
	select {
	case <-t.done:
		return
	default:
	}

	select {
	case t.spans <- span:
	default:
		t.logger.Warn("span buffer full, dropping span",
			zap.String("span_id", span.SpanID.String()),
		)
	}
}

// Close stops the collector. Spans submitted afterwards are dropped.
func (t *Tracer) Close() {
	t.once.Do(func() { close(t.done) })
}

// Context keys for span propagation
type contextKey string

const spanIDKey contextKey = "span_id"

// GetSpanID retrieves the span ID from context
func GetSpanID(ctx context.Context) id.SpanID {
	if spanID, ok := ctx.Value(spanIDKey).(id.SpanID); ok {
		return spanID
	}
	return ""
}

// FormatSpan returns a formatted span string for logging
func FormatSpan(spanID id.SpanID) string {
	return fmt.Sprintf("[span:%s]", spanID)
}
