package chain_test

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkcredit/credit-prover/chain"
	"zkcredit/credit-prover/chain/chaintest"
	"zkcredit/credit-prover/prover/common"
)

func newGuard(b chain.Provider, d chain.Deployment, ledger chain.NullifierLedger, clock *fakeClock) *chain.SubmissionGuard {
	opts := chain.DefaultGuardOptions()
	opts.Now = clock.Now
	return chain.NewSubmissionGuard(b, chain.NewVerifierContract(b, d), ledger, opts)
}

func TestGuardFreshness(t *testing.T) {
	clock := newClock()
	backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
	guard := newGuard(backend, backend.Deployment(chaintest.DefaultChainID), chain.NewMemoryLedger(), clock)
	now := clock.Now()

	cases := []struct {
		name    string
		ts      time.Time
		valid   bool
		kind    error
		warning chain.WarningCode
	}{
		{"now", now, true, nil, ""},
		{"five minutes ahead", now.Add(5 * time.Minute), true, nil, ""},
		{"ten minutes ahead", now.Add(10 * time.Minute), false, common.ErrFutureTimestamp, ""},
		{"two hours old", now.Add(-2 * time.Hour), true, nil, chain.WarningProofAge},
		{"just inside window", now.Add(-24*time.Hour + time.Second), true, nil, chain.WarningProofAge},
		{"day and an hour old", now.Add(-25 * time.Hour), false, common.ErrStaleProof, ""},
	}
	for i, tc := range cases {
		verdict := guard.Validate(context.Background(), big.NewInt(int64(100+i)), uint64(tc.ts.Unix()))
		assert.Equal(t, tc.valid, verdict.IsValid, tc.name)
		if tc.kind != nil {
			require.Len(t, verdict.Errors, 1, tc.name)
			assert.True(t, errors.Is(verdict.Err(), tc.kind), tc.name)
		} else {
			assert.NoError(t, verdict.Err(), tc.name)
		}
		if tc.warning != "" {
			require.Len(t, verdict.Warnings, 1, tc.name)
			assert.Equal(t, tc.warning, verdict.Warnings[0].Code, tc.name)
		} else {
			assert.Empty(t, verdict.Warnings, tc.name)
		}
	}
}

func TestGuardTreatsUnrepresentableTimestampAsFuture(t *testing.T) {
	clock := newClock()
	backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
	guard := newGuard(backend, backend.Deployment(chaintest.DefaultChainID), chain.NewMemoryLedger(), clock)

	for _, ts := range []uint64{math.MaxInt64 + 1, math.MaxUint64} {
		verdict := guard.Validate(context.Background(), big.NewInt(7), ts)
		assert.False(t, verdict.IsValid)
		assert.True(t, errors.Is(verdict.Err(), common.ErrFutureTimestamp), "timestamp %d", ts)
		assert.False(t, errors.Is(verdict.Err(), common.ErrStaleProof), "timestamp %d", ts)
		assert.Empty(t, verdict.Warnings)
	}
}

func TestGuardRejectsReplayFromLedger(t *testing.T) {
	clock := newClock()
	backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
	ledger := chain.NewMemoryLedger()
	guard := newGuard(backend, backend.Deployment(chaintest.DefaultChainID), ledger, clock)
	n := big.NewInt(42)

	require.True(t, guard.Validate(context.Background(), n, uint64(clock.Now().Unix())).IsValid)

	require.NoError(t, ledger.Commit(context.Background(), n))
	verdict := guard.Validate(context.Background(), n, uint64(clock.Now().Unix()))
	assert.False(t, verdict.IsValid)
	assert.True(t, errors.Is(verdict.Err(), common.ErrReplayRejected))
	assert.False(t, common.KindOf(verdict.Err()).Recoverable())
	assert.Empty(t, backend.Transactions())
}

func TestGuardRejectsReservedNullifier(t *testing.T) {
	clock := newClock()
	backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
	ledger := chain.NewMemoryLedger()
	guard := newGuard(backend, backend.Deployment(chaintest.DefaultChainID), ledger, clock)
	n := big.NewInt(43)

	ok, err := ledger.Reserve(context.Background(), n)
	require.NoError(t, err)
	require.True(t, ok)
	verdict := guard.Validate(context.Background(), n, uint64(clock.Now().Unix()))
	assert.True(t, errors.Is(verdict.Err(), common.ErrReplayRejected))
}

func TestGuardRejectsNullifierUsedOnChain(t *testing.T) {
	clock := newClock()
	backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
	guard := newGuard(backend, backend.Deployment(chaintest.DefaultChainID), nil, clock)
	n := big.NewInt(44)
	backend.MarkNullifierUsed(n)

	verdict := guard.Validate(context.Background(), n, uint64(clock.Now().Unix()))
	assert.False(t, verdict.IsValid)
	assert.True(t, errors.Is(verdict.Err(), common.ErrReplayRejected))
}

func TestGuardCollectsEveryHardFailure(t *testing.T) {
	clock := newClock()
	backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
	guard := newGuard(backend, backend.Deployment(chaintest.DefaultChainID), nil, clock)
	n := big.NewInt(45)
	backend.MarkNullifierUsed(n)

	verdict := guard.Validate(context.Background(), n, uint64(clock.Now().Add(-48*time.Hour).Unix()))
	require.Len(t, verdict.Errors, 2)
	assert.True(t, errors.Is(verdict.Errors[0], common.ErrReplayRejected))
	assert.True(t, errors.Is(verdict.Errors[1], common.ErrStaleProof))
}

type failingCalls struct {
	*chaintest.Backend
}

func (f failingCalls) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
}

func TestGuardChainQueryFailureIsHard(t *testing.T) {
	clock := newClock()
	backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
	provider := failingCalls{backend}
	guard := newGuard(provider, backend.Deployment(chaintest.DefaultChainID), nil, clock)

	verdict := guard.Validate(context.Background(), big.NewInt(46), uint64(clock.Now().Unix()))
	assert.False(t, verdict.IsValid)
	assert.True(t, errors.Is(verdict.Err(), common.ErrChainUnavailable))
}

func pendingSubmission(t *testing.T, backend *chaintest.Backend, nullifier int64, clock *fakeClock) *types.Transaction {
	data, err := chain.PackSubmitProof(fakeProof().Calldata(), signalsFor(backend.Signer().Address(), nullifier, clock.Now(), 720000, 700000))
	require.NoError(t, err)
	to := backend.Verifier()
	return types.NewTx(&types.LegacyTx{Nonce: 7, GasPrice: big.NewInt(1), Gas: 300000, To: &to, Data: data})
}

func TestGuardMempoolWarnings(t *testing.T) {
	clock := newClock()
	ts := uint64(clock.Now().Unix())

	t.Run("same nullifier", func(t *testing.T) {
		backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
		backend.AddPending(pendingSubmission(t, backend, 77, clock))
		guard := newGuard(backend, backend.Deployment(chaintest.DefaultChainID), nil, clock)

		verdict := guard.Validate(context.Background(), big.NewInt(77), ts)
		assert.True(t, verdict.IsValid)
		require.Len(t, verdict.Warnings, 1)
		assert.Equal(t, chain.WarningConflictingSubmission, verdict.Warnings[0].Code)
	})

	t.Run("other submission", func(t *testing.T) {
		backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
		backend.AddPending(pendingSubmission(t, backend, 78, clock))
		guard := newGuard(backend, backend.Deployment(chaintest.DefaultChainID), nil, clock)

		verdict := guard.Validate(context.Background(), big.NewInt(79), ts)
		assert.True(t, verdict.IsValid)
		require.Len(t, verdict.Warnings, 1)
		assert.Equal(t, chain.WarningPendingSubmission, verdict.Warnings[0].Code)
	})

	t.Run("mempool unavailable", func(t *testing.T) {
		backend := chaintest.NewBackend(chaintest.WithNow(clock.Now))
		backend.AddPending(pendingSubmission(t, backend, 80, clock))
		backend.SetMempoolError(errors.New("the method txpool_content does not exist"))
		guard := newGuard(backend, backend.Deployment(chaintest.DefaultChainID), nil, clock)

		verdict := guard.Validate(context.Background(), big.NewInt(80), ts)
		assert.True(t, verdict.IsValid)
		assert.Empty(t, verdict.Warnings)
	})
}
