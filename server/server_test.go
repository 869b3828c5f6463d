package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkcredit/credit-prover/chain"
	"zkcredit/credit-prover/chain/chaintest"
	"zkcredit/credit-prover/pipeline"
	"zkcredit/credit-prover/prover"
	"zkcredit/credit-prover/prover/common"
	"zkcredit/credit-prover/prover/score"
)

// cannedRunner answers every witness with a structurally valid proof whose
// public signals come from the bundle. release, when set, holds the answer
// back until it is closed.
type cannedRunner struct {
	started atomic.Int32
	release chan struct{}
}

type cannedSession struct {
	messages chan prover.Message
}

func (s cannedSession) Messages() <-chan prover.Message { return s.messages }
func (s cannedSession) Close() error                    { return nil }

func (r *cannedRunner) Start(ctx context.Context, bundle *prover.WitnessBundle) (prover.Session, error) {
	r.started.Add(1)
	messages := make(chan prover.Message, 3)
	go func() {
		defer close(messages)
		if r.release != nil {
			select {
			case <-r.release:
			case <-ctx.Done():
				return
			}
		}
		messages <- prover.ProgressMessage{Stage: prover.StageWitnessComputed}
		messages <- prover.SuccessMessage{Result: &prover.ProofResult{
			Proof:         cannedProof(),
			PublicSignals: bundle.PublicSignals(),
		}}
	}()
	return cannedSession{messages: messages}, nil
}

func cannedProof() *common.Groth16Proof {
	var c [8]*big.Int
	for i := range c {
		c[i] = big.NewInt(int64(i + 1))
	}
	return common.ProofFromCalldata(c)
}

type fixture struct {
	backend *chaintest.Backend
	runner  *cannedRunner
	service *Service
	handler http.Handler
}

func newFixture(t *testing.T, withChain bool) *fixture {
	t.Helper()
	f := &fixture{backend: chaintest.NewBackend(), runner: &cannedRunner{}}
	opts := pipeline.Options{Generator: prover.NewProofGenerator(f.runner, time.Minute)}
	var reader *chain.EligibilityReader
	if withChain {
		d := f.backend.Deployment(chaintest.DefaultChainID)
		ledger := chain.NewMemoryLedger()
		contract := chain.NewVerifierContract(f.backend, d)
		opts.Guard = chain.NewSubmissionGuard(f.backend, contract, ledger, chain.DefaultGuardOptions())
		opts.Submitter = chain.NewChainSubmitter(f.backend, chain.Deployments{d}, ledger, chain.SubmitterOptions{
			PollInterval: 5 * time.Millisecond,
		})
		reader = chain.NewEligibilityReader(contract)
	}
	f.service = NewService(pipeline.New(opts), reader, nil, 700)
	f.handler = f.service.Handler("")
	return f
}

func (f *fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) proveBody(threshold uint64, submit bool) map[string]interface{} {
	return map[string]interface{}{
		"address":   f.backend.Signer().Address().Hex(),
		"features":  score.ThresholdFeatures(),
		"threshold": threshold,
		"submit":    submit,
	}
}

func decodeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	code, _ := body["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestScoreRoute(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodPost, "/score", score.GoldenFeatures())
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Scores     score.ScoreBreakdown `json:"scores"`
		Display    int64                `json:"display"`
		Components []score.Component    `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, score.GoldenBreakdown(), body.Scores)
	assert.Equal(t, int64(804), body.Display)
	assert.NotEmpty(t, body.Components)
}

func TestProveSync(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodPost, "/prove", f.proveBody(0, false))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result JobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Proof)
	assert.Equal(t, uint64(700), result.Proof.Threshold, "default threshold applies")
	assert.True(t, result.Proof.MeetsThreshold)
	assert.Equal(t, int64(720000), result.Proof.Scores.Total)
	require.Len(t, result.Proof.Result.PublicSignals, prover.NumPublicSignals)
	assert.Equal(t, int64(700000), result.Proof.Result.PublicSignals[prover.SignalThreshold].Int64())
	assert.Nil(t, result.Outcome)
}

func TestProveRejectsBadInput(t *testing.T) {
	f := newFixture(t, false)

	body := f.proveBody(700, false)
	body["address"] = "0x1234"
	rec := f.do(http.MethodPost, "/prove", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_body", decodeCode(t, rec))

	rec = f.do(http.MethodPost, "/prove", f.proveBody(950, false))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/prove", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, f.runner.started.Load())
}

func TestProveAndSubmit(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodPost, "/prove", f.proveBody(700, true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result JobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Outcome)
	require.NotNil(t, result.Outcome.Submission)
	assert.True(t, result.Outcome.Submission.Success)
	assert.True(t, result.Outcome.Submission.IsEligible)
	assert.Len(t, f.backend.Transactions(), 1)

	rec = f.do(http.MethodGet, "/eligibility?address="+f.backend.Signer().Address().Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status chain.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.IsEligible)
	assert.True(t, status.IsProofFresh)
}

func TestSubmitRequiresChain(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(http.MethodPost, "/prove", f.proveBody(700, true))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, string(common.ChainUnavailable), decodeCode(t, rec))
	assert.Zero(t, f.runner.started.Load(), "no proof is generated when it cannot be submitted")

	rec = f.do(http.MethodPost, "/submit", map[string]interface{}{})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = f.do(http.MethodGet, "/eligibility?address="+f.backend.Signer().Address().Hex(), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSubmitRoute(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(http.MethodPost, "/prove", f.proveBody(750, false))
	require.Equal(t, http.StatusOK, rec.Code)
	var proved JobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proved))
	assert.False(t, proved.Proof.MeetsThreshold)

	rec = f.do(http.MethodPost, "/submit", proved.Proof.Result)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome pipeline.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.True(t, outcome.Submission.Success)
	assert.False(t, outcome.Submission.IsEligible)

	rec = f.do(http.MethodPost, "/submit", proved.Proof.Result)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(common.ReplayRejected), decodeCode(t, rec))
	assert.Len(t, f.backend.Transactions(), 1)

	rec = f.do(http.MethodPost, "/submit", map[string]interface{}{"publicSignals": []string{"0x1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDuplicateRequestInFlight(t *testing.T) {
	f := newFixture(t, false)
	f.runner.release = make(chan struct{})

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- f.do(http.MethodPost, "/prove", f.proveBody(700, false))
	}()
	require.Eventually(t, func() bool { return f.runner.started.Load() == 1 }, 5*time.Second, time.Millisecond)

	rec := f.do(http.MethodPost, "/prove", f.proveBody(700, false))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_request", decodeCode(t, rec))

	// A different request id is a different request.
	other := f.proveBody(700, false)
	other["requestId"] = "second"
	second := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		second <- f.do(http.MethodPost, "/prove", other)
	}()
	require.Eventually(t, func() bool { return f.runner.started.Load() == 2 }, 5*time.Second, time.Millisecond)

	close(f.runner.release)
	assert.Equal(t, http.StatusOK, (<-first).Code)
	assert.Equal(t, http.StatusOK, (<-second).Code)

	rec = f.do(http.MethodPost, "/prove", f.proveBody(700, false))
	assert.Equal(t, http.StatusOK, rec.Code, "the key is released once the first request returns")
}

func TestAPIKey(t *testing.T) {
	f := newFixture(t, false)
	handler := f.service.Handler("secret")

	send := func(path string, header, value string) int {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(`{}`)))
		if path == "/health" {
			req.Method = http.MethodGet
		}
		if header != "" {
			req.Header.Set(header, value)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send("/score", "", ""))
	assert.Equal(t, http.StatusUnauthorized, send("/score", "X-API-Key", "wrong"))
	assert.Equal(t, http.StatusOK, send("/score", "X-API-Key", "secret"))
	assert.Equal(t, http.StatusOK, send("/score", "Authorization", "Bearer secret"))
	assert.Equal(t, http.StatusOK, send("/health", "", ""))
}

func TestOnlyPublicRoutesSkipTheOperatorKey(t *testing.T) {
	f := newFixture(t, false)
	handler := f.service.Handler("secret")

	var public []string
	for _, rt := range f.service.routes() {
		req := httptest.NewRequest(http.MethodGet, rt.path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rt.public {
			public = append(public, rt.path)
			assert.NotEqual(t, http.StatusUnauthorized, rec.Code, rt.path)
		} else {
			assert.Equal(t, http.StatusUnauthorized, rec.Code, rt.path)
		}
	}
	assert.ElementsMatch(t, []string{"/eligibility", "/health"}, public)
}

func TestEmptyOperatorKeyOpensEveryRoute(t *testing.T) {
	f := newFixture(t, false)
	handler := f.service.Handler("")

	for _, rt := range f.service.routes() {
		req := httptest.NewRequest(http.MethodGet, rt.path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusUnauthorized, rec.Code, rt.path)
	}
}

func TestPipelineErrorMapping(t *testing.T) {
	cases := []struct {
		kind   common.ErrorKind
		status int
	}{
		{common.SchemaMismatch, http.StatusBadRequest},
		{common.ReplayRejected, http.StatusConflict},
		{common.StaleProof, http.StatusUnprocessableEntity},
		{common.FutureTimestamp, http.StatusUnprocessableEntity},
		{common.ContractReverted, http.StatusUnprocessableEntity},
		{common.ProofTimeout, http.StatusRequestTimeout},
		{common.EngineUnavailable, http.StatusServiceUnavailable},
		{common.NetworkMismatch, http.StatusBadGateway},
		{common.UserRejectedSigning, http.StatusForbidden},
		{common.InsufficientFunds, http.StatusPaymentRequired},
		{common.ArtifactInvalid, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e := pipelineError(common.Errorf(tc.kind, "x"))
		assert.Equal(t, tc.status, e.StatusCode, string(tc.kind))
		assert.Equal(t, string(tc.kind), e.Code)
	}

	e := pipelineError(errors.New("boom"))
	assert.Equal(t, "unexpected_error", e.Code)
}

func TestCombineJobsStopsEverything(t *testing.T) {
	var stopped atomic.Int32
	job := func() RunningJob {
		return SpawnJob(func() {}, func() { stopped.Add(1) })
	}
	combined := CombineJobs(job(), job(), job())
	combined.RequestStop()
	combined.AwaitStop()
	assert.Equal(t, int32(3), stopped.Load())
}
