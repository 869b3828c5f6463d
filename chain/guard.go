package chain

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover/common"
)

const (
	DefaultMaxFutureDrift = 5 * time.Minute
	DefaultValidityWindow = 24 * time.Hour
	DefaultAgeWarning     = time.Hour
)

type WarningCode string

const (
	WarningProofAge WarningCode = "proof_age"
	// A pending transaction to the verifier: weak front-running signal.
	WarningPendingSubmission WarningCode = "pending_submission"
	// A pending submitProof carrying the same nullifier.
	WarningConflictingSubmission WarningCode = "conflicting_submission"
)

type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// Verdict is the outcome of a pre-flight check. Errors block submission,
// warnings do not.
type Verdict struct {
	IsValid  bool      `json:"isValid"`
	Errors   []error   `json:"-"`
	Warnings []Warning `json:"warnings"`
}

// Err is the first hard failure, or nil.
func (v Verdict) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}

func (v Verdict) ErrorStrings() []string {
	out := make([]string, len(v.Errors))
	for i, err := range v.Errors {
		out[i] = err.Error()
	}
	return out
}

type GuardOptions struct {
	MaxFutureDrift time.Duration
	ValidityWindow time.Duration
	AgeWarning     time.Duration
	InspectMempool bool
	Now            func() time.Time
}

func DefaultGuardOptions() GuardOptions {
	return GuardOptions{
		MaxFutureDrift: DefaultMaxFutureDrift,
		ValidityWindow: DefaultValidityWindow,
		AgeWarning:     DefaultAgeWarning,
		InspectMempool: true,
		Now:            time.Now,
	}
}

type SubmissionGuard struct {
	provider Provider
	contract *VerifierContract
	ledger   NullifierLedger
	opts     GuardOptions
}

func NewSubmissionGuard(provider Provider, contract *VerifierContract, ledger NullifierLedger, opts GuardOptions) *SubmissionGuard {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SubmissionGuard{provider: provider, contract: contract, ledger: ledger, opts: opts}
}

// Validate runs the replay, freshness and front-running checks in that order.
// The mempool is only inspected when no hard check failed.
func (g *SubmissionGuard) Validate(ctx context.Context, nullifier *big.Int, timestamp uint64) Verdict {
	var verdict Verdict

	if err := g.checkReplay(ctx, nullifier); err != nil {
		verdict.Errors = append(verdict.Errors, err)
	}

	now := g.opts.Now()
	ts := time.Unix(int64(timestamp), 0)
	switch {
	case timestamp > math.MaxInt64:
		verdict.Errors = append(verdict.Errors, common.Errorf(common.FutureTimestamp,
			"timestamp %d is beyond any representable time", timestamp))
	case ts.After(now.Add(g.opts.MaxFutureDrift)):
		verdict.Errors = append(verdict.Errors, common.Errorf(common.FutureTimestamp,
			"timestamp is %s ahead of local clock, limit %s", ts.Sub(now).Round(time.Second), g.opts.MaxFutureDrift))
	case now.Sub(ts) > g.opts.ValidityWindow:
		verdict.Errors = append(verdict.Errors, common.Errorf(common.StaleProof,
			"timestamp is %s old, validity window %s", now.Sub(ts).Round(time.Second), g.opts.ValidityWindow))
	case now.Sub(ts) > g.opts.AgeWarning:
		verdict.Warnings = append(verdict.Warnings, Warning{
			Code:    WarningProofAge,
			Message: fmt.Sprintf("proof timestamp is %s old", now.Sub(ts).Round(time.Minute)),
		})
	}

	verdict.IsValid = len(verdict.Errors) == 0
	if verdict.IsValid && g.opts.InspectMempool {
		verdict.Warnings = append(verdict.Warnings, g.inspectMempool(ctx, nullifier)...)
	}

	logging.Logger().Info().
		Str("nullifier", common.ToHex(nullifier)).
		Bool("valid", verdict.IsValid).
		Int("errors", len(verdict.Errors)).
		Int("warnings", len(verdict.Warnings)).
		Msg("Submission guard verdict")
	return verdict
}

func (g *SubmissionGuard) checkReplay(ctx context.Context, nullifier *big.Int) error {
	if g.ledger != nil {
		state, err := g.ledger.State(ctx, nullifier)
		if err != nil {
			logging.Logger().Warn().Err(err).Msg("Nullifier ledger unavailable, relying on chain")
		}
		switch state {
		case LedgerUsed:
			return common.Errorf(common.ReplayRejected, "nullifier already submitted by this prover")
		case LedgerReserved:
			return common.Errorf(common.ReplayRejected, "a submission with this nullifier is in flight")
		}
	}
	used, err := g.contract.IsNullifierUsed(ctx, nullifier)
	if err != nil {
		if common.KindOf(err) == "" {
			return common.NewError(common.ChainUnavailable, "nullifier check failed", err)
		}
		return err
	}
	if used {
		return common.Errorf(common.ReplayRejected, "nullifier already used on chain")
	}
	return nil
}

// inspectMempool is advisory. An unavailable mempool yields no warning.
func (g *SubmissionGuard) inspectMempool(ctx context.Context, nullifier *big.Int) []Warning {
	txs, err := g.provider.PendingTransactions(ctx, g.contract.Address())
	if err != nil {
		logging.Logger().Debug().Err(err).Msg("Mempool inspection skipped")
		return nil
	}
	if len(txs) == 0 {
		return nil
	}
	for _, tx := range txs {
		_, signals, ok := UnpackSubmitProof(tx.Data())
		if ok && signals[nullifierSignal] != nil && signals[nullifierSignal].Cmp(nullifier) == 0 {
			return []Warning{{
				Code:    WarningConflictingSubmission,
				Message: fmt.Sprintf("pending transaction %s submits the same nullifier", tx.Hash().Hex()),
			}}
		}
	}
	return []Warning{{
		Code:    WarningPendingSubmission,
		Message: fmt.Sprintf("%d pending transaction(s) to the verifier", len(txs)),
	}}
}
