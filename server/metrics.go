package server

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"zkcredit/credit-prover/chain"
	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover/common"
)

var (
	ProofRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_prover_proof_requests_total",
			Help: "Total number of proof requests by processing mode",
		},
		[]string{"mode"},
	)

	ProofGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credit_prover_proof_generation_duration_seconds",
			Help:    "Duration of proof generation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"mode"},
	)

	ProofGenerationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_prover_proof_generation_errors_total",
			Help: "Total number of proof generation errors by error kind",
		},
		[]string{"mode", "kind"},
	)

	GuardVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_prover_guard_verdicts_total",
			Help: "Submission guard verdicts by outcome",
		},
		[]string{"outcome"},
	)

	GuardWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_prover_guard_warnings_total",
			Help: "Submission guard warnings by code",
		},
		[]string{"code"},
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_prover_submissions_total",
			Help: "On-chain submissions by result",
		},
		[]string{"result"},
	)

	RejectedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_prover_rejected_requests_total",
			Help: "Requests refused for a missing or wrong operator key, by route",
		},
		[]string{"route"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_prover_jobs_processed_total",
			Help: "Total number of queued jobs processed",
		},
		[]string{"status"},
	)

	QueueWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credit_prover_queue_wait_time_seconds",
			Help:    "Time spent waiting in queue before processing",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credit_prover_active_jobs",
			Help: "Number of proofs currently being generated",
		},
	)

	ProofMemoryUsage = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credit_prover_proof_memory_usage_bytes",
			Help:    "Heap allocated during proof generation",
			Buckets: prometheus.ExponentialBuckets(1024*1024*16, 2, 10), // 16MB to 8GB
		},
		[]string{"mode"},
	)

	SystemMemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "credit_prover_system_memory_bytes",
			Help: "System memory statistics",
		},
		[]string{"type"}, // heap_alloc, heap_sys, heap_inuse, sys
	)
)

type MetricTimer struct {
	start          time.Time
	mode           string
	startHeapAlloc uint64
}

func readMemStats() runtime.MemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	SystemMemoryUsage.WithLabelValues("heap_alloc").Set(float64(memStats.HeapAlloc))
	SystemMemoryUsage.WithLabelValues("heap_sys").Set(float64(memStats.HeapSys))
	SystemMemoryUsage.WithLabelValues("heap_inuse").Set(float64(memStats.HeapInuse))
	SystemMemoryUsage.WithLabelValues("sys").Set(float64(memStats.Sys))
	return memStats
}

func StartProofTimer(mode string) *MetricTimer {
	ProofRequestsTotal.WithLabelValues(mode).Inc()
	ActiveJobs.Inc()
	memStats := readMemStats()
	return &MetricTimer{
		start:          time.Now(),
		mode:           mode,
		startHeapAlloc: memStats.HeapAlloc,
	}
}

func (t *MetricTimer) ObserveDuration() {
	duration := time.Since(t.start).Seconds()
	ProofGenerationDuration.WithLabelValues(t.mode).Observe(duration)
	ActiveJobs.Dec()

	memStats := readMemStats()
	// GC may have run in between.
	memDelta := int64(memStats.HeapAlloc) - int64(t.startHeapAlloc)
	if memDelta < 0 {
		memDelta = 0
	}
	ProofMemoryUsage.WithLabelValues(t.mode).Observe(float64(memDelta))

	logging.Logger().Info().
		Str("mode", t.mode).
		Float64("duration_sec", duration).
		Uint64("start_heap_mb", t.startHeapAlloc/1024/1024).
		Uint64("end_heap_mb", memStats.HeapAlloc/1024/1024).
		Int64("delta_mb", memDelta/1024/1024).
		Msg("Proof generation completed with memory stats")
}

func (t *MetricTimer) ObserveError(err error) {
	kind := string(common.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	ProofGenerationErrors.WithLabelValues(t.mode, kind).Inc()
	ActiveJobs.Dec()
	readMemStats()
}

func RecordVerdict(v chain.Verdict) {
	if v.IsValid {
		GuardVerdicts.WithLabelValues("pass").Inc()
	} else {
		for _, err := range v.Errors {
			GuardVerdicts.WithLabelValues(string(common.KindOf(err))).Inc()
		}
	}
	for _, w := range v.Warnings {
		GuardWarnings.WithLabelValues(string(w.Code)).Inc()
	}
}

func RecordSubmission(err error) {
	if err == nil {
		SubmissionsTotal.WithLabelValues("confirmed").Inc()
		return
	}
	kind := string(common.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	SubmissionsTotal.WithLabelValues(kind).Inc()
}

func RecordJobComplete(success bool) {
	if success {
		JobsProcessed.WithLabelValues("completed").Inc()
	} else {
		JobsProcessed.WithLabelValues("failed").Inc()
	}
}
