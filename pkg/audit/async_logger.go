package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/platinummonkey/loom/pkg/observability"
)

// ErrLoggerClosed is returned by Log after Close
var ErrLoggerClosed = errors.New("audit logger closed")

type queuedEvent struct {
	ctx   context.Context
	event *AuditEvent
}

// AsyncLogger hands events to a background worker so callers never block on the sink.
// When the buffer is full the event is dropped and counted.
type AsyncLogger struct {
	next    Logger
	events  chan queuedEvent
	logger  *observability.Logger
	onDrop  func()
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// AsyncOption configures an AsyncLogger
type AsyncOption func(*AsyncLogger)

// WithDropHook is called once per dropped event, e.g. to bump a metric
func WithDropHook(fn func()) AsyncOption {
	return func(l *AsyncLogger) { l.onDrop = fn }
}

// WithDiagnostics sets the logger used to report sink failures
func WithDiagnostics(logger *observability.Logger) AsyncOption {
	return func(l *AsyncLogger) { l.logger = logger }
}

// NewAsyncLogger starts the worker goroutine. bufferSize <= 0 uses 1024.
func NewAsyncLogger(next Logger, bufferSize int, opts ...AsyncOption) *AsyncLogger {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	l := &AsyncLogger{
		next:   next,
		events: make(chan queuedEvent, bufferSize),
		logger: observability.NopLogger(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run()
	return l
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	for q := range l.events {
		l.deliver(q)
	}
}

func (l *AsyncLogger) deliver(q queuedEvent) {
	defer observability.RecoverPanic(l.logger, "audit delivery")
	if err := l.next.Log(q.ctx, q.event); err != nil {
		l.logger.WithError(err).WithField("event_type", string(q.event.EventType)).Warn("audit sink rejected event")
	}
}

// Log enqueues the event without blocking
func (l *AsyncLogger) Log(ctx context.Context, event *AuditEvent) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLoggerClosed
	}

	select {
	case l.events <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		l.dropped.Add(1)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
	return nil
}

// Dropped returns how many events were discarded because the buffer was full
func (l *AsyncLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops accepting events, drains the buffer, and closes the sink
func (l *AsyncLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()

	<-l.done
	return l.next.Close()
}
