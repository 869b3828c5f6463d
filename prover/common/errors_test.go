package common

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := fmt.Errorf("submit: %w", &Error{Kind: ReplayRejected, Reason: "nullifier already used"})

	assert.True(t, errors.Is(err, ErrReplayRejected))
	assert.False(t, errors.Is(err, ErrStaleProof))
	assert.Equal(t, ReplayRejected, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestErrorMessageCarriesChain(t *testing.T) {
	err := &Error{Kind: NetworkMismatch, Reason: "no verifier deployment", ChainID: big.NewInt(5)}
	assert.Equal(t, "network_mismatch: no verifier deployment (chain 5)", err.Error())
}

func TestRecoverable(t *testing.T) {
	for _, k := range []ErrorKind{SchemaMismatch, ProofTimeout, ReplayRejected} {
		assert.False(t, k.Recoverable(), k)
	}
	for _, k := range []ErrorKind{NetworkMismatch, InsufficientFunds, ContractReverted, ProofCancelled} {
		assert.True(t, k.Recoverable(), k)
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := NewError(ProofComputationFailed, "prove", inner)
	assert.ErrorIs(t, err, inner)
}
