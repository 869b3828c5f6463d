package common

import (
	"errors"
	"fmt"
	"math/big"
)

type ErrorKind string

const (
	SchemaMismatch         ErrorKind = "schema_mismatch"
	EngineUnavailable      ErrorKind = "engine_unavailable"
	ProofTimeout           ErrorKind = "proof_timeout"
	ProofCancelled         ErrorKind = "proof_cancelled"
	ProofComputationFailed ErrorKind = "proof_computation_failed"
	ReplayRejected         ErrorKind = "replay_rejected"
	StaleProof             ErrorKind = "stale_proof"
	FutureTimestamp        ErrorKind = "future_timestamp"
	NetworkMismatch        ErrorKind = "network_mismatch"
	UserRejectedSigning    ErrorKind = "user_rejected_signing"
	InsufficientFunds      ErrorKind = "insufficient_funds"
	ContractReverted       ErrorKind = "contract_reverted"
	ChainUnavailable       ErrorKind = "chain_unavailable"
	ArtifactInvalid        ErrorKind = "artifact_invalid"
)

// Recoverable reports whether the same request may be retried by the caller.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case SchemaMismatch, ProofTimeout, ReplayRejected:
		return false
	}
	return true
}

type Error struct {
	Kind    ErrorKind
	Reason  string
	ChainID *big.Int
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.ChainID != nil {
		msg += fmt.Sprintf(" (chain %s)", e.ChainID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrReplayRejected)
// holds for every replay rejection regardless of reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrSchemaMismatch         = &Error{Kind: SchemaMismatch}
	ErrEngineUnavailable      = &Error{Kind: EngineUnavailable}
	ErrProofTimeout           = &Error{Kind: ProofTimeout}
	ErrProofCancelled         = &Error{Kind: ProofCancelled}
	ErrProofComputationFailed = &Error{Kind: ProofComputationFailed}
	ErrReplayRejected         = &Error{Kind: ReplayRejected}
	ErrStaleProof             = &Error{Kind: StaleProof}
	ErrFutureTimestamp        = &Error{Kind: FutureTimestamp}
	ErrNetworkMismatch        = &Error{Kind: NetworkMismatch}
	ErrUserRejectedSigning    = &Error{Kind: UserRejectedSigning}
	ErrInsufficientFunds      = &Error{Kind: InsufficientFunds}
	ErrContractReverted       = &Error{Kind: ContractReverted}
	ErrChainUnavailable       = &Error{Kind: ChainUnavailable}
	ErrArtifactInvalid        = &Error{Kind: ArtifactInvalid}
)

func NewError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
