package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"zkcredit/credit-prover/logging"
)

const (
	ProofQueue      = "credit_proof_queue"
	ProcessingQueue = "credit_proof_processing_queue"
	FailedQueue     = "credit_failed_queue"

	resultKeyPrefix   = "credit_result_"
	inFlightKeyPrefix = "credit_inflight_"

	ResultTTL   = 1 * time.Hour
	InFlightTTL = 10 * time.Minute
)

type RedisQueue struct {
	Client *redis.Client
	Ctx    context.Context
}

func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = 50
	opts.MinIdleConns = 2
	opts.DialTimeout = 10 * time.Second
	// BLMOVE blocks for up to the dequeue timeout.
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 10 * time.Second
	opts.PoolTimeout = 15 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Logger().Info().
		Str("redis_addr", opts.Addr).
		Int("pool_size", opts.PoolSize).
		Dur("read_timeout", opts.ReadTimeout).
		Msg("Redis client configured")

	return &RedisQueue{Client: client, Ctx: context.Background()}, nil
}

func (rq *RedisQueue) EnqueueProof(job *ProofJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := rq.Client.RPush(rq.Ctx, ProofQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	logging.Logger().Info().
		Str("job_id", job.ID).
		Str("queue", ProofQueue).
		Msg("Job enqueued successfully")
	return nil
}

// DequeueProof atomically moves the next job into the processing list, so a
// crash mid-proof leaves it recoverable. It returns nil, nil on timeout.
func (rq *RedisQueue) DequeueProof(timeout time.Duration) (*ProofJob, error) {
	item, err := rq.Client.BLMove(rq.Ctx, ProofQueue, ProcessingQueue, "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	var job ProofJob
	if err := json.Unmarshal([]byte(item), &job); err != nil {
		rq.Client.LRem(rq.Ctx, ProcessingQueue, 1, item)
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	job.raw = item
	return &job, nil
}

// FinishProcessing drops a dequeued job from the processing list.
func (rq *RedisQueue) FinishProcessing(job *ProofJob) error {
	return rq.Client.LRem(rq.Ctx, ProcessingQueue, 1, job.raw).Err()
}

// RecoverProcessing puts every job left in the processing list back on the
// queue. It must only run while no worker is active.
func (rq *RedisQueue) RecoverProcessing() (int, error) {
	recovered := 0
	for {
		_, err := rq.Client.LMove(rq.Ctx, ProcessingQueue, ProofQueue, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover processing jobs: %w", err)
		}
		recovered++
	}
	if recovered > 0 {
		logging.Logger().Warn().Int("count", recovered).Msg("Requeued jobs interrupted by a restart")
	}
	return recovered, nil
}

func (rq *RedisQueue) AddToFailedQueue(job *ProofJob, jobErr error) error {
	failedJob := map[string]interface{}{
		"original_job": job,
		"error":        jobErr.Error(),
		"failed_at":    time.Now(),
	}
	data, err := json.Marshal(failedJob)
	if err != nil {
		return fmt.Errorf("failed to marshal failed job: %w", err)
	}
	return rq.Client.RPush(rq.Ctx, FailedQueue, data).Err()
}

func (rq *RedisQueue) StoreResult(jobID string, result *JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	key := resultKeyPrefix + jobID
	if err := rq.Client.Set(rq.Ctx, key, data, ResultTTL).Err(); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	logging.Logger().Info().
		Str("job_id", jobID).
		Str("key", key).
		Msg("Result stored successfully")
	return nil
}

// GetResult returns redis.Nil when the job has no stored result.
func (rq *RedisQueue) GetResult(jobID string) (*JobResult, error) {
	data, err := rq.Client.Get(rq.Ctx, resultKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	var result JobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// FindJob reports whether jobID is waiting ("queued") or being proved
// ("processing").
func (rq *RedisQueue) FindJob(jobID string) (string, *ProofJob, error) {
	for _, q := range []struct {
		name   string
		status string
	}{
		{ProofQueue, "queued"},
		{ProcessingQueue, "processing"},
	} {
		items, err := rq.Client.LRange(rq.Ctx, q.name, 0, -1).Result()
		if err != nil {
			return "", nil, fmt.Errorf("failed to search %s: %w", q.name, err)
		}
		for _, item := range items {
			var job ProofJob
			if json.Unmarshal([]byte(item), &job) == nil && job.ID == jobID {
				return q.status, &job, nil
			}
		}
	}
	return "", nil, nil
}

func (rq *RedisQueue) GetQueueStats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, queue := range []string{ProofQueue, ProcessingQueue, FailedQueue} {
		length, err := rq.Client.LLen(rq.Ctx, queue).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get length of %s: %w", queue, err)
		}
		stats[queue] = length
	}
	return stats, nil
}

// GetOrSetInFlightJob registers jobID under key unless another job holds it,
// in which case it returns that job's id and isNew=false.
func (rq *RedisQueue) GetOrSetInFlightJob(key, jobID string) (existingJobID string, isNew bool, err error) {
	redisKey := inFlightKeyPrefix + key
	for attempt := 0; attempt < 2; attempt++ {
		set, err := rq.Client.SetNX(rq.Ctx, redisKey, jobID, InFlightTTL).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to check/set in-flight job: %w", err)
		}
		if set {
			return jobID, true, nil
		}
		existing, err := rq.Client.Get(rq.Ctx, redisKey).Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET.
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to get existing in-flight job: %w", err)
		}
		logging.Logger().Info().
			Str("existing_job_id", existing).
			Str("key", key).
			Msg("Found existing in-flight job")
		return existing, false, nil
	}
	return "", false, fmt.Errorf("in-flight marker for %s keeps expiring", key)
}

func (rq *RedisQueue) DeleteInFlightJob(key string) error {
	if err := rq.Client.Del(rq.Ctx, inFlightKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete in-flight job marker: %w", err)
	}
	return nil
}
