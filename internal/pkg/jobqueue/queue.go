package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
)

// Redis keys. Pending and processing are lists of job ids; delayed is a
// sorted set scored by the unix time a retry becomes due.
const (
	JobKeyPrefix     = "payrecon:job:"
	JobQueueKey      = "payrecon:job_queue"
	JobProcessingKey = "payrecon:job_processing"
	JobDelayedKey    = "payrecon:job_delayed"
	JobStatsKey      = "payrecon:job_stats"
)

const (
	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour

	defaultWorkers      = 3
	retryBackoff        = time.Minute
	stuckAfter          = 10 * time.Minute
	maintenanceInterval = 15 * time.Second
	dequeueWait         = time.Second
)

// ErrNoHandler is returned for jobs whose type has no registered handler.
var ErrNoHandler = errors.New("no handler registered for job type")

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Queue is a reliable Redis job queue. Jobs move atomically from the pending
// list to the processing list, so a crashed worker leaves them recoverable.
type Queue struct {
	client  *redis.Client
	workers int

	handlersMu sync.RWMutex
	handlers   map[JobType]Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue on the shared Redis client.
func NewQueue(workers int) *Queue {
	return NewQueueWithClient(cache.GetClient(), workers)
}

func NewQueueWithClient(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Queue{
		client:   client,
		workers:  workers,
		handlers: make(map[JobType]Handler),
	}
}

// Handle registers the handler for a job type, replacing any previous one.
func (q *Queue) Handle(jobType JobType, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType JobType) (Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

func (q *Queue) Client() *redis.Client {
	return q.client
}

// Start launches the workers and the maintenance loop that promotes due
// retries and recovers stuck jobs.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	log.Infof("[JobQueue] starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.wg.Add(1)
	go q.maintain(ctx)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	q.wg.Wait()
	log.Info("[JobQueue] workers stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for ctx.Err() == nil {
		job, err := q.dequeue(ctx)
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Errorf("[JobQueue] worker %d: dequeue failed: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// a job already taken runs to completion even during shutdown
		q.process(context.WithoutCancel(ctx), job)
	}
}

func (q *Queue) maintain(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.PromoteDue(ctx, time.Now()); err != nil {
				log.Errorf("[JobQueue] promoting delayed jobs failed: %v", err)
			} else if n > 0 {
				log.Debugf("[JobQueue] %d delayed jobs due", n)
			}
			if n, err := q.RecoverStuckJobs(ctx, stuckAfter); err != nil {
				log.Errorf("[JobQueue] stuck job recovery failed: %v", err)
			} else if n > 0 {
				log.Warnf("[JobQueue] recovered %d stuck jobs", n)
			}
		}
	}
}

// EnqueueJob stores a job and pushes it onto the pending list.
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	log.Debugf("[JobQueue] enqueued %s job %s", job.Type, job.ID)
	return job, nil
}

// dequeue blocks briefly for the next job. It returns redis.Nil when the
// queue stayed empty.
func (q *Queue) dequeue(ctx context.Context) (*Job, error) {
	id, err := q.client.BLMove(ctx, JobQueueKey, JobProcessingKey, "RIGHT", "LEFT", dequeueWait).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.load(ctx, id)
	if err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, id)
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, JobKeyPrefix+id).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] save job %s: %v", job.ID, err)
	}
}

// process runs the handler and settles the job: completed jobs are deleted,
// retryable failures wait in the delayed set, the rest stay for inspection.
func (q *Queue) process(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.save(ctx, job)

	h, ok := q.handler(job.Type)
	var err error
	if ok {
		err = h(ctx, job)
	} else {
		err = fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, JobProcessingKey, 1, job.ID)
	switch {
	case err == nil:
		job.MarkAsCompleted()
		pipe.Del(ctx, JobKeyPrefix+job.ID)
		pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusCompleted), 1)
	default:
		job.MarkAsFailed(err.Error())
		if job.IsRetryable() && !errors.Is(err, ErrNoHandler) {
			delay := retryBackoff << (job.RetryCount - 1)
			log.Warnf("[JobQueue] %s job %s failed (attempt %d/%d), retry in %s: %v", job.Type, job.ID, job.RetryCount, job.MaxRetries, delay, err)
			job.MarkAsRetrying()
			pipe.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(time.Now().Add(delay).Unix()), Member: job.ID})
			pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusRetrying), 1)
		} else {
			log.Errorf("[JobQueue] %s job %s failed permanently: %v", job.Type, job.ID, err)
			pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusFailed), 1)
		}
		q.save(ctx, job)
	}
	if _, perr := pipe.Exec(ctx); perr != nil {
		log.Errorf("[JobQueue] settling job %s: %v", job.ID, perr)
	}
}

// PromoteDue moves delayed jobs whose retry time has passed back onto the
// pending list. ZRem decides the winner when several instances race.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, JobDelayedKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, JobQueueKey, id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RecoverStuckJobs requeues jobs that sat in the processing list longer than
// maxAge, which only happens when a worker died mid-job.
func (q *Queue) RecoverStuckJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	recovered := 0
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			// expired, unreadable or already settled
			q.client.LRem(ctx, JobProcessingKey, 1, id)
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}
		log.Warnf("[JobQueue] requeueing %s job %s stuck for %s", job.Type, job.ID, now.Sub(started).Round(time.Second))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered after worker loss"
		job.UpdatedAt = now
		q.save(ctx, job)
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, JobProcessingKey, 1, id)
		pipe.RPush(ctx, JobQueueKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
