package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const TestRedisURL = "redis://localhost:6379/15"

func setupRedisQueue(t *testing.T) *RedisQueue {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		redisURL = TestRedisURL
	}

	rq, err := NewRedisQueue(redisURL)
	if err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := rq.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("Failed to flush Redis DB: %v", err)
	}
	t.Cleanup(func() {
		rq.Client.FlushDB(context.Background())
		rq.Client.Close()
	})
	return rq
}

func createTestJob(t *testing.T, payload interface{}) *ProofJob {
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &ProofJob{
		ID:        uuid.New().String(),
		Type:      "prove",
		Payload:   data,
		CreatedAt: time.Now(),
	}
}

func TestDequeueMovesJobToProcessing(t *testing.T) {
	rq := setupRedisQueue(t)

	job := createTestJob(t, map[string]string{"address": "0x01"})
	require.NoError(t, rq.EnqueueProof(job))

	status, found, err := rq.FindJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "queued", status)

	got, err := rq.DequeueProof(time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)

	status, _, err = rq.FindJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "processing", status)

	stats, err := rq.GetQueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats[ProofQueue])
	assert.Equal(t, int64(1), stats[ProcessingQueue])

	require.NoError(t, rq.FinishProcessing(got))
	_, found, err = rq.FindJob(job.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestDequeueTimeout(t *testing.T) {
	rq := setupRedisQueue(t)

	start := time.Now()
	job, err := rq.DequeueProof(time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestRecoverProcessingRequeuesInterruptedJobs(t *testing.T) {
	rq := setupRedisQueue(t)

	first := createTestJob(t, map[string]string{"address": "0x01"})
	second := createTestJob(t, map[string]string{"address": "0x02"})
	require.NoError(t, rq.EnqueueProof(first))
	require.NoError(t, rq.EnqueueProof(second))

	_, err := rq.DequeueProof(time.Second)
	require.NoError(t, err)

	recovered, err := rq.RecoverProcessing()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := rq.DequeueProof(time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID, "a recovered job goes back to the head of the queue")
}

func TestInFlightMarker(t *testing.T) {
	rq := setupRedisQueue(t)

	id, isNew, err := rq.GetOrSetInFlightJob("0xabc:1", "job-1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "job-1", id)

	id, isNew, err = rq.GetOrSetInFlightJob("0xabc:1", "job-2")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "job-1", id)

	ttl, err := rq.Client.TTL(context.Background(), inFlightKeyPrefix+"0xabc:1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, rq.DeleteInFlightJob("0xabc:1"))
	_, isNew, err = rq.GetOrSetInFlightJob("0xabc:1", "job-3")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestJobResultStorage(t *testing.T) {
	rq := setupRedisQueue(t)

	_, err := rq.GetResult("missing")
	assert.True(t, errors.Is(err, redis.Nil))

	result := &JobResult{ErrorCode: "stale_proof", Error: "too old", FinishedAt: time.Now()}
	require.NoError(t, rq.StoreResult("job-1", result))

	got, err := rq.GetResult("job-1")
	require.NoError(t, err)
	assert.True(t, got.Failed())
	assert.Equal(t, "stale_proof", got.ErrorCode)

	ttl, err := rq.Client.TTL(context.Background(), resultKeyPrefix+"job-1").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, ResultTTL)
}

func TestQueuedProofEndToEnd(t *testing.T) {
	rq := setupRedisQueue(t)
	f := newFixture(t, true)
	f.service.queue = rq
	handler := f.service.Handler("")

	body, err := json.Marshal(f.proveBody(700, true))
	require.NoError(t, err)
	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/prove?async=true", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post()
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	jobID := accepted["job_id"]
	require.NotEmpty(t, jobID)

	rec = post()
	assert.Equal(t, http.StatusConflict, rec.Code)

	status := func() (int, map[string]interface{}) {
		req := httptest.NewRequest(http.MethodGet, "/prove/status?job_id="+jobID, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		var body map[string]interface{}
		json.Unmarshal(rec.Body.Bytes(), &body)
		return rec.Code, body
	}
	code, statusBody := status()
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "queued", statusBody["status"])

	NewQueueWorker(rq, f.service).processJobs()

	code, statusBody = status()
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", statusBody["status"])

	stored, err := rq.GetResult(jobID)
	require.NoError(t, err)
	require.NotNil(t, stored.Outcome)
	assert.True(t, stored.Outcome.Submission.IsEligible)
	assert.Len(t, f.backend.Transactions(), 1)

	// The in-flight marker is gone, so the same request can be queued again.
	rec = post()
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestFailedJobIsRecorded(t *testing.T) {
	rq := setupRedisQueue(t)
	f := newFixture(t, false)

	job := createTestJob(t, f.proveBody(700, true))
	require.NoError(t, rq.EnqueueProof(job))

	NewQueueWorker(rq, f.service).processJobs()

	result, err := rq.GetResult(job.ID)
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Equal(t, "chain_unavailable", result.ErrorCode)
	assert.True(t, result.Recoverable)

	stats, err := rq.GetQueueStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[FailedQueue])
	assert.Equal(t, int64(0), stats[ProcessingQueue])
}

func TestStatusRejectsUnknownJobs(t *testing.T) {
	rq := setupRedisQueue(t)
	f := newFixture(t, false)
	f.service.queue = rq
	handler := f.service.Handler("")

	for _, tc := range []struct {
		query string
		code  int
	}{
		{"", http.StatusBadRequest},
		{"?job_id=not-a-uuid", http.StatusBadRequest},
		{"?job_id=" + uuid.New().String(), http.StatusNotFound},
	} {
		req := httptest.NewRequest(http.MethodGet, "/prove/status"+tc.query, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, tc.code, rec.Code, tc.query)
	}
}
