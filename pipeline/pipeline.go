package pipeline

import (
	"context"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"zkcredit/credit-prover/chain"
	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover"
	"zkcredit/credit-prover/prover/common"
	"zkcredit/credit-prover/prover/nullifier"
	"zkcredit/credit-prover/prover/score"
)

// ProofRequest is one wallet asking to prove its score reaches Threshold
// (300-900 display scale). Nonce and Timestamp default to a fresh random
// nonce and the current time.
type ProofRequest struct {
	Address   ethcommon.Address   `json:"address"`
	Features  score.FeatureVector `json:"features"`
	Threshold uint64              `json:"threshold"`
	Nonce     *big.Int            `json:"-"`
	Timestamp uint64              `json:"timestamp,omitempty"`
}

type Proof struct {
	Result         *prover.ProofResult  `json:"result"`
	Scores         score.ScoreBreakdown `json:"scores"`
	Threshold      uint64               `json:"threshold"`
	MeetsThreshold bool                 `json:"meetsThreshold"`
}

func (p *Proof) Nullifier() *big.Int {
	return p.Result.PublicSignals[prover.SignalNullifier]
}

func (p *Proof) Timestamp() uint64 {
	return p.Result.PublicSignals[prover.SignalTimestamp].Uint64()
}

type Outcome struct {
	Verdict    chain.Verdict           `json:"-"`
	Warnings   []chain.Warning         `json:"warnings,omitempty"`
	Submission *chain.SubmissionResult `json:"submission,omitempty"`
}

// Progress receives stage updates from both halves of a run. Either field may
// be nil.
type Progress struct {
	Proof  func(prover.Stage)
	Submit func(chain.SubmitStage)
}

type Options struct {
	Generator      *prover.ProofGenerator
	Guard          *chain.SubmissionGuard
	Submitter      *chain.ChainSubmitter
	CircuitVersion uint64
	Now            func() time.Time
}

// Pipeline runs score → nullifier → witness → proof and, when a chain is
// configured, guard → submission. A pipeline without Guard and Submitter can
// only prove.
type Pipeline struct {
	generator *prover.ProofGenerator
	guard     *chain.SubmissionGuard
	submitter *chain.ChainSubmitter
	version   uint64
	now       func() time.Time
}

func New(opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CircuitVersion == 0 {
		opts.CircuitVersion = 1
	}
	return &Pipeline{
		generator: opts.Generator,
		guard:     opts.Guard,
		submitter: opts.Submitter,
		version:   opts.CircuitVersion,
		now:       opts.Now,
	}
}

func (p *Pipeline) CanSubmit() bool {
	return p.guard != nil && p.submitter != nil
}

func (p *Pipeline) Prove(ctx context.Context, req ProofRequest, onProgress func(prover.Stage)) (*Proof, error) {
	fixed := req.Features.Fixed()
	scores := score.ComputeFixed(fixed)

	nonce := req.Nonce
	if nonce == nil {
		var err error
		if nonce, err = nullifier.RandomNonce(); err != nil {
			return nil, common.NewError(common.EngineUnavailable, "draw nonce", err)
		}
	}
	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = uint64(p.now().Unix())
	}

	n, err := nullifier.Derive(req.Address, nonce, timestamp, p.version)
	if err != nil {
		return nil, common.NewError(common.SchemaMismatch, "derive nullifier", err)
	}
	bundle, err := prover.BuildWitness(fixed, req.Address, nonce, timestamp, p.version, req.Threshold, scores, n)
	if err != nil {
		return nil, err
	}

	logging.Logger().Info().
		Str("address", req.Address.Hex()).
		Uint64("threshold", req.Threshold).
		Int64("score", scores.Display()).
		Msg("Proving credit threshold")

	result, err := p.generator.Generate(ctx, bundle, onProgress)
	if err != nil {
		return nil, err
	}
	return &Proof{
		Result:         result,
		Scores:         scores,
		Threshold:      req.Threshold,
		MeetsThreshold: scores.Meets(int64(req.Threshold)),
	}, nil
}

// Submit runs the guard and, if it passes, sends the proof. A failed guard
// returns its first hard error together with the full verdict.
func (p *Pipeline) Submit(ctx context.Context, result *prover.ProofResult, onProgress func(chain.SubmitStage)) (*Outcome, error) {
	if !p.CanSubmit() {
		return nil, common.Errorf(common.ChainUnavailable, "no chain configured")
	}
	if result == nil || result.Proof == nil || len(result.PublicSignals) != prover.NumPublicSignals {
		return nil, common.Errorf(common.SchemaMismatch, "proof result must carry a proof and %d public signals", prover.NumPublicSignals)
	}

	n := result.PublicSignals[prover.SignalNullifier]
	ts := result.PublicSignals[prover.SignalTimestamp]
	if !ts.IsUint64() {
		return nil, common.Errorf(common.SchemaMismatch, "timestamp signal out of range")
	}
	verdict := p.guard.Validate(ctx, n, ts.Uint64())
	outcome := &Outcome{Verdict: verdict, Warnings: verdict.Warnings}
	if !verdict.IsValid {
		return outcome, verdict.Err()
	}

	submission, err := p.submitter.Submit(ctx, result.Proof, result.PublicSignals, onProgress)
	outcome.Submission = submission
	return outcome, err
}

func (p *Pipeline) Run(ctx context.Context, req ProofRequest, progress Progress) (*Proof, *Outcome, error) {
	if !p.CanSubmit() {
		return nil, nil, common.Errorf(common.ChainUnavailable, "no chain configured")
	}
	proof, err := p.Prove(ctx, req, progress.Proof)
	if err != nil {
		return nil, nil, err
	}
	outcome, err := p.Submit(ctx, proof.Result, progress.Submit)
	return proof, outcome, err
}
