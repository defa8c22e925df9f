package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAndJoin(t *testing.T) {
	svc := NewThreadService(2)
	defer svc.Shutdown()

	_, err := svc.Run("calc", func(ctx context.Context) (any, error) {
		return 42, nil
	}, RunOptions{})
	require.NoError(t, err)

	result, err := svc.Join("calc", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	info, ok := svc.Info("calc")
	require.True(t, ok)
	assert.Equal(t, ThreadCompleted, info.Status)
	assert.False(t, info.EndTime.IsZero())
}

func TestFailedThread(t *testing.T) {
	svc := NewThreadService(1)
	defer svc.Shutdown()

	boom := errors.New("boom")
	var onError error
	var wg sync.WaitGroup
	wg.Add(1)
	_, err := svc.Run("bad", func(ctx context.Context) (any, error) {
		return nil, boom
	}, RunOptions{OnError: func(err error) {
		onError = err
		wg.Done()
	}})
	require.NoError(t, err)

	_, err = svc.Join("bad", time.Second)
	assert.ErrorIs(t, err, boom)
	wg.Wait()
	assert.ErrorIs(t, onError, boom)

	info, _ := svc.Info("bad")
	assert.Equal(t, ThreadFailed, info.Status)
}

func TestPanicBecomesFailure(t *testing.T) {
	svc := NewThreadService(1)
	defer svc.Shutdown()

	_, err := svc.Run("panics", func(ctx context.Context) (any, error) {
		panic("oh no")
	}, RunOptions{})
	require.NoError(t, err)

	_, err = svc.Join("panics", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestDuplicateActiveNameRejected(t *testing.T) {
	svc := NewThreadService(1)
	defer svc.Shutdown()

	release := make(chan struct{})
	_, err := svc.Run("slow", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}, RunOptions{})
	require.NoError(t, err)

	_, err = svc.Run("slow", func(ctx context.Context) (any, error) { return nil, nil }, RunOptions{})
	assert.Error(t, err)

	close(release)
	_, err = svc.Join("slow", time.Second)
	require.NoError(t, err)

	// finished names may be reused
	_, err = svc.Run("slow", func(ctx context.Context) (any, error) { return "again", nil }, RunOptions{})
	assert.NoError(t, err)
}

func TestPriorityOrdering(t *testing.T) {
	svc := NewThreadService(1)
	defer svc.Shutdown()

	gate := make(chan struct{})
	_, err := svc.Run("gate", func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, RunOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) (any, error) {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	// queued while the single worker is busy; high should run first
	_, err = svc.Run("low", record("low"), RunOptions{Priority: PriorityLow})
	require.NoError(t, err)
	_, err = svc.Run("high", record("high"), RunOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	close(gate)

	_, err = svc.Join("low", time.Second)
	require.NoError(t, err)
	_, err = svc.Join("high", time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestTerminatePending(t *testing.T) {
	svc := NewThreadService(1)
	defer svc.Shutdown()

	gate := make(chan struct{})
	defer close(gate)
	_, err := svc.Run("busy", func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, RunOptions{})
	require.NoError(t, err)

	_, err = svc.Run("doomed", func(ctx context.Context) (any, error) { return nil, nil }, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.Terminate("doomed"))

	info, _ := svc.Info("doomed")
	assert.Equal(t, ThreadTerminated, info.Status)
}

func TestTerminateRunningCancelsContext(t *testing.T) {
	svc := NewThreadService(1)
	defer svc.Shutdown()

	started := make(chan struct{})
	_, err := svc.Run("loop", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, RunOptions{})
	require.NoError(t, err)

	<-started
	require.NoError(t, svc.Terminate("loop"))

	assert.Eventually(t, func() bool {
		info, _ := svc.Info("loop")
		return info.Status == ThreadTerminated && !info.EndTime.IsZero()
	}, time.Second, 5*time.Millisecond)
}

func TestJoinTimeout(t *testing.T) {
	svc := NewThreadService(1)
	defer svc.Shutdown()

	release := make(chan struct{})
	defer close(release)
	_, err := svc.Run("slow", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}, RunOptions{})
	require.NoError(t, err)

	_, err = svc.Join("slow", 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
