package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/pipeline"
	"zkcredit/credit-prover/prover/common"
)

type ProofJob struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	InFlightKey string          `json:"inflight_key,omitempty"`

	raw string
}

// JobResult is what a finished job leaves behind for the status route.
type JobResult struct {
	Proof     *pipeline.Proof   `json:"proof,omitempty"`
	Outcome   *pipeline.Outcome `json:"outcome,omitempty"`
	ErrorCode string            `json:"errorCode,omitempty"`
	Error     string            `json:"error,omitempty"`
	// Recoverable is meaningful only when Error is set.
	Recoverable bool      `json:"recoverable,omitempty"`
	FinishedAt  time.Time `json:"finishedAt"`
}

func (r *JobResult) Failed() bool {
	return r.Error != ""
}

func (r *JobResult) setError(err error) {
	kind := common.KindOf(err)
	r.ErrorCode = string(kind)
	r.Error = err.Error()
	r.Recoverable = kind == "" || kind.Recoverable()
}

type QueueWorker struct {
	queue    *RedisQueue
	service  *Service
	stopChan chan struct{}
	done     chan struct{}
	// Dequeue blocks at most this long before re-checking stopChan.
	pollTimeout time.Duration
}

func NewQueueWorker(queue *RedisQueue, service *Service) *QueueWorker {
	return &QueueWorker{
		queue:       queue,
		service:     service,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
		pollTimeout: 5 * time.Second,
	}
}

func (w *QueueWorker) Start() {
	defer close(w.done)
	logging.Logger().Info().Str("queue", ProofQueue).Msg("Starting queue worker")

	for {
		select {
		case <-w.stopChan:
			logging.Logger().Info().Str("queue", ProofQueue).Msg("Queue worker stopping")
			return
		default:
			w.processJobs()
		}
	}
}

// Stop signals the worker and waits for the job in hand to finish.
func (w *QueueWorker) Stop() {
	close(w.stopChan)
	<-w.done
}

func (w *QueueWorker) processJobs() {
	job, err := w.queue.DequeueProof(w.pollTimeout)
	if err != nil {
		logging.Logger().Error().Err(err).Str("queue", ProofQueue).Msg("Error dequeuing from queue")
		select {
		case <-time.After(2 * time.Second):
		case <-w.stopChan:
		}
		return
	}
	if job == nil {
		return
	}

	QueueWaitTime.Observe(time.Since(job.CreatedAt).Seconds())
	logging.Logger().Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Msg("Processing proof job")

	result := w.processProofJob(job)
	if err := w.queue.StoreResult(job.ID, result); err != nil {
		logging.Logger().Error().Err(err).Str("job_id", job.ID).Msg("Failed to store job result")
	}
	if err := w.queue.FinishProcessing(job); err != nil {
		logging.Logger().Warn().Err(err).Str("job_id", job.ID).Msg("Failed to clear processing entry")
	}
	if job.InFlightKey != "" {
		if err := w.queue.DeleteInFlightJob(job.InFlightKey); err != nil {
			logging.Logger().Warn().Err(err).Str("job_id", job.ID).Msg("Failed to clear in-flight marker")
		}
	}

	RecordJobComplete(!result.Failed())
	if result.Failed() {
		logging.Logger().Error().
			Str("job_id", job.ID).
			Str("error", result.Error).
			Msg("Failed to process proof job")
		if err := w.queue.AddToFailedQueue(job, fmt.Errorf("%s", result.Error)); err != nil {
			logging.Logger().Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record failed job")
		}
	}
}

func (w *QueueWorker) processProofJob(job *ProofJob) *JobResult {
	var req proveRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		result := &JobResult{FinishedAt: time.Now()}
		result.setError(common.NewError(common.SchemaMismatch, "decode queued request", err))
		return result
	}
	result, err := w.service.execute(context.Background(), &req, "queued")
	if result == nil {
		result = &JobResult{}
	}
	result.FinishedAt = time.Now()
	if err != nil {
		result.setError(err)
	}
	return result
}
