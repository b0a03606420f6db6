package rtask

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/posit-dev/ark/internal/interrupt"
)

func TestSpawnRunsOnNext(t *testing.T) {
	b := New(nil)
	done := make(chan struct{})
	go func() {
		for !b.Run() {
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()

	val, err := b.Spawn(context.Background(), "add", func(ctx context.Context) (any, error) {
		return 1 + 1, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, val)
	<-done
}

func TestIdleOnlyRunsAfterRegular(t *testing.T) {
	b := New(nil)
	var order []string

	require.NoError(t, b.SpawnIdle("idle", func(ctx context.Context) (any, error) {
		order = append(order, "idle")
		return nil, nil
	}))
	_, err := b.enqueue(context.Background(), KindSync, "sync", func(ctx context.Context) (any, error) {
		order = append(order, "sync")
		return nil, nil
	})
	require.NoError(t, err)
	for b.Run() {
	}
	require.Equal(t, []string{"sync", "idle"}, order)
}

func TestCancelRunningViaInterruptPlane(t *testing.T) {
	plane := interrupt.New()
	b := New(plane)

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := b.Spawn(context.Background(), "blocked", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		result <- err
	}()

	go func() {
		for !b.Run() {
			time.Sleep(time.Millisecond)
		}
	}()

	<-started
	plane.Raise()

	select {
	case err := <-result:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by interrupt plane")
	}
}

func TestQueueFullRejectsSubmission(t *testing.T) {
	b := New(nil)
	for i := 0; i < MaxQueueDepth; i++ {
		require.NoError(t, b.SpawnFireAndForget("fill", func(ctx context.Context) (any, error) { return nil, nil }))
	}
	err := b.SpawnFireAndForget("overflow", func(ctx context.Context) (any, error) { return nil, nil })
	require.Error(t, err)
}

func TestCloseCancelsPending(t *testing.T) {
	b := New(nil)
	_, submitErr := b.enqueue(context.Background(), KindFireAndForget, "pending", func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, submitErr)
	b.Close()
	require.False(t, b.Run())

	err := b.SpawnFireAndForget("after-close", func(ctx context.Context) (any, error) { return nil, nil })
	require.Error(t, err)
}
