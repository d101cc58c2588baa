package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

// SweepLockKey is the redsync mutex that keeps retry sweeps to one instance.
const SweepLockKey = "payrecon:lock:retry_sweeper"

// SweepLockExpiry is how long the sweeper lock lives without an extension.
// The holder extends it every third of that while the sweep runs.
const SweepLockExpiry = 2 * time.Minute

// SweepFunc replays due webhook retry records once.
type SweepFunc func(ctx context.Context) error

// Manager runs the job queue together with the periodic webhook retry sweep.
type Manager struct {
	queue         *Queue
	locker        *redsync.Redsync
	sweep         SweepFunc
	sweepInterval time.Duration
	lockExpiry    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the process-wide manager on the shared Redis client.
func GetManager() *Manager {
	managerOnce.Do(func() {
		globalManager = NewManager(NewQueue(env.GetEnvInt("JOBQUEUE_WORKERS", 5)))
	})
	return globalManager
}

func NewManager(queue *Queue) *Manager {
	return &Manager{
		queue:         queue,
		locker:        redsync.New(goredis.NewPool(queue.Client())),
		sweepInterval: env.GetEnvDuration("RETRY_SWEEP_INTERVAL", time.Minute),
		lockExpiry:    SweepLockExpiry,
	}
}

func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// SetSweeper installs the sweep run on every tick. A zero interval keeps the
// configured one. Call before Start.
func (m *Manager) SetSweeper(fn SweepFunc, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep = fn
	if interval > 0 {
		m.sweepInterval = interval
	}
}

func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.queue.Start()

	if m.sweep != nil {
		m.wg.Add(1)
		go m.sweepLoop(ctx, m.sweepInterval)
	}
	log.Info("[JobQueue Manager] started")
}

// Stop ends the sweep loop and drains the queue workers.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	m.wg.Wait()
	m.queue.Stop()
	log.Info("[JobQueue Manager] stopped")
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	log.Infof("[RetrySweeper] running every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunSweepOnce(ctx); err != nil && !errors.Is(err, redsync.ErrFailed) {
				log.Errorf("[RetrySweeper] sweep failed: %v", err)
			}
		}
	}
}

// RunSweepOnce runs one sweep while holding the cluster-wide sweeper lock.
// It returns redsync.ErrFailed when another instance holds the lock.
func (m *Manager) RunSweepOnce(ctx context.Context) error {
	if m.sweep == nil {
		return nil
	}
	return runLocked(ctx, m.locker, m.lockExpiry, m.sweep)
}

// RunSweepLocked runs fn under the same lock the manager's sweeper takes, for
// sweeps started outside paymentd.
func RunSweepLocked(ctx context.Context, client *redis.Client, fn SweepFunc) error {
	return runLocked(ctx, redsync.New(goredis.NewPool(client)), SweepLockExpiry, fn)
}

func runLocked(ctx context.Context, locker *redsync.Redsync, expiry time.Duration, fn SweepFunc) error {
	mutex := locker.NewMutex(SweepLockKey,
		redsync.WithExpiry(expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		log.Debugf("[RetrySweeper] lock held elsewhere, skipping: %v", err)
		return redsync.ErrFailed
	}

	done := make(chan struct{})
	var extender sync.WaitGroup
	extender.Add(1)
	go func() {
		defer extender.Done()
		ticker := time.NewTicker(expiry / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if ok, err := mutex.ExtendContext(context.WithoutCancel(ctx)); !ok || err != nil {
					log.Warnf("[RetrySweeper] extending lock failed: %v", err)
				}
			}
		}
	}()

	defer func() {
		close(done)
		extender.Wait()
		// the sweep ctx may be cancelled by shutdown; the unlock must still go out
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("[RetrySweeper] releasing lock: %v", err)
		}
	}()
	return fn(ctx)
}
