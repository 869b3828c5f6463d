package chain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkcredit/credit-prover/chain"
	"zkcredit/credit-prover/chain/chaintest"
	"zkcredit/credit-prover/prover/common"
)

func TestEligibilityReaderPassThrough(t *testing.T) {
	clock := newClock()
	backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
	d := backend.Deployment(chaintest.DefaultChainID)
	reader := chain.NewEligibilityReader(chain.NewVerifierContract(backend, d))
	user := backend.Signer().Address()
	ctx := context.Background()

	eligible, err := reader.IsEligible(ctx, user)
	require.NoError(t, err)
	assert.False(t, eligible)
	remaining, err := reader.TimeUntilExpiry(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	proofTime := clock.Now().Add(-time.Hour)
	submitter := newSubmitter(backend, chain.Deployments{d}, nil)
	_, err = submitter.Submit(ctx, fakeProof(), signalsFor(user, 21, proofTime, 720000, 700000), nil)
	require.NoError(t, err)

	status, err := reader.Status(ctx, user)
	require.NoError(t, err)
	assert.True(t, status.IsEligible)
	assert.True(t, status.IsProofFresh)
	assert.Equal(t, 23*time.Hour, status.TimeUntilExpiry)
	require.NotNil(t, status.Record)
	assert.Equal(t, int64(720000), status.Record.ScoreTotal.Int64())
	assert.Equal(t, uint64(proofTime.Unix()), status.Record.Timestamp)
	assert.Equal(t, uint64(1), status.Record.Version)
	assert.Equal(t, ethcommon.BigToHash(signalsFor(user, 21, proofTime, 0, 0)[9]).Hex(), status.Record.Nullifier)

	// The record outlives its freshness window but no longer counts.
	clock.Advance(24 * time.Hour)
	eligible, err = reader.IsEligible(ctx, user)
	require.NoError(t, err)
	assert.False(t, eligible)
	fresh, err := reader.IsProofFresh(ctx, user)
	require.NoError(t, err)
	assert.False(t, fresh)
	record, err := reader.Record(ctx, user)
	require.NoError(t, err)
	assert.True(t, record.IsEligible)
}

func TestEligibilityReaderChainFailure(t *testing.T) {
	backend := chaintest.NewBackend()
	reader := chain.NewEligibilityReader(chain.NewVerifierContract(failingCalls{backend}, backend.Deployment(chaintest.DefaultChainID)))

	_, err := reader.IsEligible(context.Background(), backend.Signer().Address())
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrChainUnavailable))
}
