package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"zkcredit/credit-prover/chain"
	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/pipeline"
	"zkcredit/credit-prover/prover"
	"zkcredit/credit-prover/prover/common"
	"zkcredit/credit-prover/prover/score"
)

type Config struct {
	ProverAddress  string
	MetricsAddress string
	APIKey         string
	QueueWorkers   int
}

type proveRequest struct {
	Address   string              `json:"address"`
	RequestID string              `json:"requestId,omitempty"`
	Features  score.FeatureVector `json:"features"`
	Threshold uint64              `json:"threshold,omitempty"`
	// Submit proves and then runs the guard and the on-chain submission.
	Submit bool `json:"submit,omitempty"`
}

func (r *proveRequest) inFlightKey() string {
	return strings.ToLower(r.Address) + ":" + r.RequestID
}

func (r *proveRequest) toPipeline() pipeline.ProofRequest {
	return pipeline.ProofRequest{
		Address:   ethcommon.HexToAddress(r.Address),
		Features:  r.Features,
		Threshold: r.Threshold,
	}
}

func parseProveRequest(buf []byte, defaultThreshold uint64) (*proveRequest, error) {
	var req proveRequest
	if err := json.Unmarshal(buf, &req); err != nil {
		return nil, err
	}
	if !ethcommon.IsHexAddress(req.Address) {
		return nil, fmt.Errorf("invalid address %q", req.Address)
	}
	if req.Threshold == 0 {
		req.Threshold = defaultThreshold
	}
	if req.Threshold < prover.MinThreshold || req.Threshold > prover.MaxThreshold {
		return nil, fmt.Errorf("threshold %d outside [%d, %d]", req.Threshold, prover.MinThreshold, prover.MaxThreshold)
	}
	return &req, nil
}

// inFlight rejects a second request for a key while the first is running.
type inFlight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInFlight() *inFlight {
	return &inFlight{keys: make(map[string]struct{})}
}

func (f *inFlight) acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

func (f *inFlight) release(key string) {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
}

// Service holds what the HTTP handlers and queue workers share. reader and
// queue may be nil.
type Service struct {
	pipeline         *pipeline.Pipeline
	reader           *chain.EligibilityReader
	queue            *RedisQueue
	inFlight         *inFlight
	defaultThreshold uint64
}

func NewService(p *pipeline.Pipeline, reader *chain.EligibilityReader, queue *RedisQueue, defaultThreshold uint64) *Service {
	return &Service{
		pipeline:         p,
		reader:           reader,
		queue:            queue,
		inFlight:         newInFlight(),
		defaultThreshold: defaultThreshold,
	}
}

// execute proves and, if asked, submits. On a submission failure the proof is
// still returned so the caller can resubmit it.
func (s *Service) execute(ctx context.Context, req *proveRequest, mode string) (*JobResult, error) {
	if req.Submit && !s.pipeline.CanSubmit() {
		return nil, common.Errorf(common.ChainUnavailable, "submission requested but no chain is configured")
	}

	timer := StartProofTimer(mode)
	proof, err := s.pipeline.Prove(ctx, req.toPipeline(), nil)
	if err != nil {
		timer.ObserveError(err)
		return nil, err
	}
	timer.ObserveDuration()

	result := &JobResult{Proof: proof}
	if !req.Submit {
		return result, nil
	}
	outcome, err := s.pipeline.Submit(ctx, proof.Result, nil)
	result.Outcome = outcome
	if outcome != nil {
		RecordVerdict(outcome.Verdict)
		if outcome.Submission != nil {
			RecordSubmission(err)
		}
	}
	return result, err
}

// route is one endpoint of the prover API. Public routes only read chain
// state or report liveness; everything else needs the operator key.
type route struct {
	path    string
	handler http.Handler
	public  bool
}

func (s *Service) routes() []route {
	routes := []route{
		{path: "/prove", handler: proveHandler{s}},
		{path: "/submit", handler: submitHandler{s}},
		{path: "/score", handler: scoreHandler{}},
		{path: "/eligibility", handler: eligibilityHandler{s}, public: true},
		{path: "/health", handler: healthHandler{}, public: true},
	}
	if s.queue != nil {
		routes = append(routes,
			route{path: "/prove/status", handler: proofStatusHandler{s.queue}},
			route{path: "/queue/stats", handler: queueStatsHandler{s.queue}},
		)
	}
	return routes
}

func (s *Service) Handler(apiKey string) http.Handler {
	key := operatorKey(apiKey)
	mux := http.NewServeMux()
	for _, rt := range s.routes() {
		if rt.public {
			mux.Handle(rt.path, rt.handler)
			continue
		}
		mux.Handle(rt.path, key.require(rt.path, rt.handler))
	}

	corsHandler := handlers.CORS(
		handlers.AllowedHeaders([]string{
			"X-Requested-With",
			"Content-Type",
			"Authorization",
			"X-API-Key",
			"X-Async",
		}),
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
	)
	return corsHandler(mux)
}

func Run(config *Config, s *Service) RunningJob {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: config.MetricsAddress, Handler: metricsMux}
	metricsJob := spawnServerJob(metricsServer, "metrics server")
	logging.Logger().Info().Str("addr", config.MetricsAddress).Msg("metrics server started")

	proverServer := &http.Server{Addr: config.ProverAddress, Handler: s.Handler(config.APIKey)}
	jobs := []RunningJob{metricsJob, spawnServerJob(proverServer, "prover server")}

	if s.queue != nil {
		if _, err := s.queue.RecoverProcessing(); err != nil {
			logging.Logger().Error().Err(err).Msg("Could not recover interrupted jobs")
		}
		workers := config.QueueWorkers
		if workers < 1 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			jobs = append(jobs, workerJob(NewQueueWorker(s.queue, s)))
		}
	}

	logging.Logger().Info().
		Str("addr", config.ProverAddress).
		Bool("queue_enabled", s.queue != nil).
		Bool("submission_enabled", s.pipeline.CanSubmit()).
		Msg("prover server started")

	return CombineJobs(jobs...)
}

func spawnServerJob(server *http.Server, label string) RunningJob {
	start := func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("%s failed: %s", label, err))
		}
	}
	shutdown := func() {
		logging.Logger().Info().Msgf("shutting down %s", label)
		err := server.Shutdown(context.Background())
		if err != nil {
			logging.Logger().Error().Err(err).Msgf("error when shutting down %s", label)
		}
		logging.Logger().Info().Msgf("%s shut down", label)
	}
	return SpawnJob(start, shutdown)
}

type proveHandler struct {
	*Service
}

func (handler proveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		logging.Logger().Error().Err(err).Msg("Error reading request body")
		malformedBodyError(err).send(w)
		return
	}
	req, err := parseProveRequest(buf, handler.defaultThreshold)
	if err != nil {
		malformedBodyError(err).send(w)
		return
	}

	async := r.Header.Get("X-Async") == "true" || r.URL.Query().Get("async") == "true"
	logging.Logger().Info().
		Str("address", req.Address).
		Str("request_id", req.RequestID).
		Bool("submit", req.Submit).
		Bool("async", async).
		Bool("queue_available", handler.queue != nil).
		Msg("Processing prove request")

	if async && handler.queue != nil {
		handler.handleAsyncProof(w, r, req)
		return
	}
	handler.handleSyncProof(w, r, req)
}

func (handler proveHandler) handleAsyncProof(w http.ResponseWriter, r *http.Request, req *proveRequest) {
	jobID := uuid.New().String()
	key := req.inFlightKey()

	existing, isNew, err := handler.queue.GetOrSetInFlightJob(key, jobID)
	if err != nil {
		logging.Logger().Warn().Err(err).Msg("Queue failed, falling back to synchronous processing")
		handler.handleSyncProof(w, r, req)
		return
	}
	if !isNew {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"code":       "duplicate_request",
			"message":    "A proof for this address and request id is already in flight",
			"job_id":     existing,
			"status_url": fmt.Sprintf("/prove/status?job_id=%s", existing),
		})
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		handler.queue.DeleteInFlightJob(key)
		unexpectedError(err).send(w)
		return
	}
	job := &ProofJob{
		ID:          jobID,
		Type:        "prove",
		Payload:     payload,
		CreatedAt:   time.Now(),
		InFlightKey: key,
	}
	if req.Submit {
		job.Type = "prove_and_submit"
	}
	if err := handler.queue.EnqueueProof(job); err != nil {
		handler.queue.DeleteInFlightJob(key)
		logging.Logger().Warn().Err(err).Msg("Queue failed, falling back to synchronous processing")
		handler.handleSyncProof(w, r, req)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":     jobID,
		"status":     "queued",
		"status_url": fmt.Sprintf("/prove/status?job_id=%s", jobID),
		"message":    "Proof generation queued. Use status_url to check progress.",
	})
}

func (handler proveHandler) handleSyncProof(w http.ResponseWriter, r *http.Request, req *proveRequest) {
	key := req.inFlightKey()
	if !handler.inFlight.acquire(key) {
		duplicateRequestError("A proof for this address and request id is already in flight").send(w)
		return
	}
	defer handler.inFlight.release(key)

	result, err := handler.execute(r.Context(), req, "sync")
	if err != nil {
		e := pipelineError(err)
		if result != nil {
			// The proof survived a failed submission; hand it back for a retry.
			writeJSON(w, e.StatusCode, map[string]interface{}{
				"code":    e.Code,
				"message": e.Message,
				"result":  result,
			})
			return
		}
		e.send(w)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type submitHandler struct {
	*Service
}

func (handler submitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !handler.pipeline.CanSubmit() {
		pipelineError(common.Errorf(common.ChainUnavailable, "no chain configured")).send(w)
		return
	}

	var result prover.ProofResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		malformedBodyError(err).send(w)
		return
	}
	if len(result.PublicSignals) != prover.NumPublicSignals {
		malformedBodyError(fmt.Errorf("expected %d public signals, got %d", prover.NumPublicSignals, len(result.PublicSignals))).send(w)
		return
	}

	key := "submit:" + common.ToHex(result.PublicSignals[prover.SignalNullifier])
	if !handler.inFlight.acquire(key) {
		duplicateRequestError("A submission for this nullifier is already in flight").send(w)
		return
	}
	defer handler.inFlight.release(key)

	outcome, err := handler.pipeline.Submit(r.Context(), &result, nil)
	if outcome != nil {
		RecordVerdict(outcome.Verdict)
		if outcome.Submission != nil {
			RecordSubmission(err)
		}
	}
	if err != nil {
		e := pipelineError(err)
		body := map[string]interface{}{"code": e.Code, "message": e.Message}
		if outcome != nil {
			body["errors"] = outcome.Verdict.ErrorStrings()
			body["outcome"] = outcome
		}
		writeJSON(w, e.StatusCode, body)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type scoreHandler struct{}

func (handler scoreHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var features score.FeatureVector
	if err := json.NewDecoder(r.Body).Decode(&features); err != nil {
		malformedBodyError(err).send(w)
		return
	}
	fixed := features.Fixed()
	scores := score.ComputeFixed(fixed)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scores":     scores,
		"display":    scores.Display(),
		"components": score.Explain(fixed),
	})
}

type eligibilityHandler struct {
	*Service
}

func (handler eligibilityHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if handler.reader == nil {
		pipelineError(common.Errorf(common.ChainUnavailable, "no chain configured")).send(w)
		return
	}
	address := r.URL.Query().Get("address")
	if !ethcommon.IsHexAddress(address) {
		malformedBodyError(fmt.Errorf("address parameter must be a hex address")).send(w)
		return
	}
	status, err := handler.reader.Status(r.Context(), ethcommon.HexToAddress(address))
	if err != nil {
		pipelineError(err).send(w)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type proofStatusHandler struct {
	redisQueue *RedisQueue
}

func (handler proofStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		malformedBodyError(fmt.Errorf("job_id parameter required")).send(w)
		return
	}
	if _, err := uuid.Parse(jobID); err != nil {
		invalidJobID := &Error{
			StatusCode: http.StatusBadRequest,
			Code:       "invalid_job_id",
			Message:    "Invalid job ID format. Job ID must be a valid UUID.",
		}
		invalidJobID.send(w)
		return
	}

	result, err := handler.redisQueue.GetResult(jobID)
	if err != nil && !errors.Is(err, redis.Nil) {
		logging.Logger().Error().Err(err).Str("job_id", jobID).Msg("Error retrieving result")
		unexpectedError(err).send(w)
		return
	}
	if result != nil {
		status := "completed"
		if result.Failed() {
			status = "failed"
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id": jobID,
			"status": status,
			"result": result,
		})
		return
	}

	status, job, err := handler.redisQueue.FindJob(jobID)
	if err != nil {
		unexpectedError(err).send(w)
		return
	}
	if job == nil {
		notFound := &Error{
			StatusCode: http.StatusNotFound,
			Code:       "job_not_found",
			Message:    fmt.Sprintf("Job with ID %s not found. It may have expired or never existed.", jobID),
		}
		notFound.send(w)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":     jobID,
		"status":     status,
		"created_at": job.CreatedAt,
		"message":    getStatusMessage(status),
	})
}

func getStatusMessage(status string) string {
	switch status {
	case "queued":
		return "Job is queued and waiting to be processed"
	case "processing":
		return "Job is currently being processed"
	default:
		return "Job status unknown"
	}
}

type queueStatsHandler struct {
	redisQueue *RedisQueue
}

func (handler queueStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := handler.redisQueue.GetQueueStats()
	if err != nil {
		unexpectedError(err).send(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queues":        stats,
		"total_pending": stats[ProofQueue],
		"total_active":  stats[ProcessingQueue],
		"total_failed":  stats[FailedQueue],
		"timestamp":     time.Now().Unix(),
	})
}

type healthHandler struct{}

func (handler healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
