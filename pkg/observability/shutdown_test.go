package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManager_DefaultTimeout(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)

	sm = NewShutdownManager(NopLogger(), nil, time.Second)
	assert.Equal(t, time.Second, sm.shutdownTimeout)
}

func TestShutdownManager_RunsFuncsInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, time.Second)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		sm.RegisterShutdownFunc(func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, time.Second)
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	sm.RegisterShutdownFunc(func(context.Context) error { return errA })
	sm.RegisterShutdownFunc(func(context.Context) error { return nil })
	sm.RegisterShutdownFunc(func(context.Context) error { return errB })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestShutdownManager_StopsServer(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(NopLogger(), server, time.Second)

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.ErrorIs(t, server.ListenAndServe(), http.ErrServerClosed)
}

func TestShutdownManager_ExpiredContext(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, time.Second)
	called := false
	sm.RegisterShutdownFunc(func(context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sm.Shutdown(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
