package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerStructure(t *testing.T) {
	manager := NewManager(NewQueueWithClient(unreachableClient(), 2))

	assert.NotNil(t, manager.queue)
	assert.NotNil(t, manager.locker)
	assert.Equal(t, time.Minute, manager.sweepInterval)
	assert.Equal(t, SweepLockExpiry, manager.lockExpiry)
	assert.False(t, manager.IsRunning())
	assert.Same(t, manager.queue, manager.GetQueue())
}

func TestManager_SetSweeper(t *testing.T) {
	manager := NewManager(NewQueueWithClient(unreachableClient(), 1))

	manager.SetSweeper(func(ctx context.Context) error { return nil }, 0)
	assert.Equal(t, time.Minute, manager.sweepInterval, "zero keeps the default interval")

	manager.SetSweeper(func(ctx context.Context) error { return nil }, 30*time.Second)
	assert.Equal(t, 30*time.Second, manager.sweepInterval)
	assert.NotNil(t, manager.sweep)
}

func TestManager_StartStop(t *testing.T) {
	manager := NewManager(NewQueueWithClient(unreachableClient(), 1))
	manager.SetSweeper(func(ctx context.Context) error { return nil }, time.Hour)

	assert.False(t, manager.IsRunning())
	manager.Start()
	assert.True(t, manager.IsRunning())
	assert.NotNil(t, manager.queue.cancel)

	manager.Stop()
	assert.False(t, manager.IsRunning())
	assert.Nil(t, manager.queue.cancel)
}

func TestManager_StopWithoutStart(t *testing.T) {
	manager := NewManager(NewQueueWithClient(unreachableClient(), 1))

	assert.False(t, manager.IsRunning())
	manager.Stop()
	assert.False(t, manager.IsRunning())
}

func TestManager_RunSweepOnceWithoutSweeper(t *testing.T) {
	manager := NewManager(NewQueueWithClient(unreachableClient(), 1))

	assert.NoError(t, manager.RunSweepOnce(context.Background()))
}

func TestManager_RunSweepOnceHoldsLock(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	manager := NewManager(NewQueueWithClient(client, 1))
	other := NewManager(NewQueueWithClient(client, 1))

	var (
		mu         sync.Mutex
		innerErr   error
		sweepCalls int
	)
	other.SetSweeper(func(ctx context.Context) error {
		mu.Lock()
		sweepCalls++
		mu.Unlock()
		return nil
	}, 10*time.Second)
	manager.SetSweeper(func(ctx context.Context) error {
		mu.Lock()
		sweepCalls++
		mu.Unlock()
		// A second instance must not get the lock while this sweep runs.
		innerErr = other.RunSweepOnce(ctx)
		return nil
	}, 10*time.Second)

	require.NoError(t, manager.RunSweepOnce(context.Background()))
	assert.ErrorIs(t, innerErr, redsync.ErrFailed)
	assert.Equal(t, 1, sweepCalls)

	// Released afterwards.
	require.NoError(t, other.RunSweepOnce(context.Background()))
	assert.Equal(t, 2, sweepCalls)
}

func TestManager_SweepLockIsExtendedWhileSweeping(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	manager := NewManager(NewQueueWithClient(client, 1))
	manager.lockExpiry = 300 * time.Millisecond
	other := NewManager(NewQueueWithClient(client, 1))
	other.SetSweeper(func(ctx context.Context) error { return nil }, time.Second)

	var innerErr error
	manager.SetSweeper(func(ctx context.Context) error {
		// well past the lock's own expiry
		time.Sleep(800 * time.Millisecond)
		innerErr = other.RunSweepOnce(ctx)
		return nil
	}, time.Second)

	require.NoError(t, manager.RunSweepOnce(context.Background()))
	assert.ErrorIs(t, innerErr, redsync.ErrFailed)
}

func TestRunSweepLocked_SharesTheManagerLock(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	manager := NewManager(NewQueueWithClient(client, 1))

	var innerErr error
	manager.SetSweeper(func(ctx context.Context) error {
		innerErr = RunSweepLocked(ctx, client, func(ctx context.Context) error { return nil })
		return nil
	}, time.Second)
	require.NoError(t, manager.RunSweepOnce(context.Background()))
	assert.ErrorIs(t, innerErr, redsync.ErrFailed)

	ran := false
	require.NoError(t, RunSweepLocked(context.Background(), client, func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestGetManagerSingleton(t *testing.T) {
	globalManager = nil
	managerOnce = sync.Once{}
	t.Cleanup(func() {
		globalManager = nil
		managerOnce = sync.Once{}
	})

	configureTestCache("127.0.0.1", "1", "")
	manager1 := GetManager()
	manager2 := GetManager()

	assert.NotNil(t, manager1)
	assert.Same(t, manager1, manager2, "GetManager should return the same instance")
}
