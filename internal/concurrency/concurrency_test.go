package concurrency

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewPoolRunsAllTasks(t *testing.T) {
	pool := NewPool(context.Background(), 2)

	var done atomic.Int64
	for i := 0; i < 10; i++ {
		pool.Go(func(ctx context.Context) error {
			done.Add(1)
			return nil
		})
	}

	require.NoError(t, pool.Wait())
	require.Equal(t, int64(10), done.Load())
}

func TestTrySendThroughChannel(t *testing.T) {
	ch := make(chan int, 1)
	require.True(t, TrySendThroughChannel(context.Background(), 42, ch))
	require.Equal(t, 42, <-ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, TrySendThroughChannel(ctx, 42, ch))
}
