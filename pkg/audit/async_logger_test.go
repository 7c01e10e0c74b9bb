package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingLogger holds every Log call until release is closed
type blockingLogger struct {
	mockLogger
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingLogger() *blockingLogger {
	return &blockingLogger{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingLogger) Log(ctx context.Context, event *AuditEvent) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.mockLogger.Log(ctx, event)
}

func TestAsyncLogger_DeliversAndDrainsOnClose(t *testing.T) {
	sink := &mockLogger{}
	logger := NewAsyncLogger(sink, 16)

	for i := 0; i < 10; i++ {
		require.NoError(t, logger.Log(context.Background(), &AuditEvent{EventType: EventTypeRoleUpdate}))
	}
	require.NoError(t, logger.Close())

	assert.Equal(t, 10, sink.count())
	assert.True(t, sink.closed)
	assert.Zero(t, logger.Dropped())
}

func TestAsyncLogger_DropsWhenFull(t *testing.T) {
	sink := newBlockingLogger()
	var hook atomic.Int64
	logger := NewAsyncLogger(sink, 1, WithDropHook(func() { hook.Add(1) }))

	// First event occupies the worker, second fills the buffer.
	require.NoError(t, logger.Log(context.Background(), &AuditEvent{}))
	<-sink.started
	require.NoError(t, logger.Log(context.Background(), &AuditEvent{}))

	// Buffer is full: these are dropped without blocking.
	require.NoError(t, logger.Log(context.Background(), &AuditEvent{}))
	require.NoError(t, logger.Log(context.Background(), &AuditEvent{}))

	assert.Equal(t, int64(2), logger.Dropped())
	assert.Equal(t, int64(2), hook.Load())

	close(sink.release)
	require.NoError(t, logger.Close())
	assert.Equal(t, 2, sink.count())
}

func TestAsyncLogger_DetachesCancellation(t *testing.T) {
	sink := &ctxCheckingLogger{}
	logger := NewAsyncLogger(sink, 4)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, logger.Log(ctx, &AuditEvent{}))
	cancel()
	require.NoError(t, logger.Close())

	assert.NoError(t, sink.seenErr)
}

type ctxCheckingLogger struct {
	mockLogger
	seenErr error
}

func (c *ctxCheckingLogger) Log(ctx context.Context, event *AuditEvent) error {
	c.seenErr = ctx.Err()
	return nil
}

func TestAsyncLogger_LogAfterClose(t *testing.T) {
	logger := NewAsyncLogger(&mockLogger{}, 1)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "close is idempotent")

	err := logger.Log(context.Background(), &AuditEvent{})
	assert.True(t, errors.Is(err, ErrLoggerClosed))
}

func TestAsyncLogger_SinkErrorDoesNotStopWorker(t *testing.T) {
	sink := &mockLogger{logErr: errors.New("sink down")}
	logger := NewAsyncLogger(sink, 4, WithDropHook(func() {}))

	require.NoError(t, logger.Log(context.Background(), &AuditEvent{}))
	require.NoError(t, logger.Log(context.Background(), &AuditEvent{}))
	require.NoError(t, logger.Close())

	assert.Equal(t, 2, sink.count())
}
