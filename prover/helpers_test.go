package prover

import (
	"math/big"
	"sync"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"zkcredit/credit-prover/prover/common"
	"zkcredit/credit-prover/prover/nullifier"
	"zkcredit/credit-prover/prover/score"
)

var (
	testAddress   = ethcommon.HexToAddress("0x71C7656EC7ab88b098defB751B7401B5f6d8976F")
	testNonce     = big.NewInt(987654321)
	testTimestamp = uint64(1760000000)
	testVersion   = uint64(1)
)

func bundleFor(t *testing.T, features score.FixedFeatures, threshold uint64) *WitnessBundle {
	t.Helper()
	n, err := nullifier.Derive(testAddress, testNonce, testTimestamp, testVersion)
	require.NoError(t, err)
	bundle, err := BuildWitness(features, testAddress, testNonce, testTimestamp, testVersion, threshold, score.ComputeFixed(features), n)
	require.NoError(t, err)
	return bundle
}

func goldenBundle(t *testing.T) *WitnessBundle {
	return bundleFor(t, score.GoldenFeatures().Fixed(), 700)
}

type staticSystems struct {
	ps *common.ProofSystem
}

func (s staticSystems) GetSystem(version uint32) (*common.ProofSystem, error) {
	if version != s.ps.CircuitVersion {
		return nil, common.Errorf(common.EngineUnavailable, "no system for version %d", version)
	}
	return s.ps, nil
}

var (
	setupOnce   sync.Once
	setupSystem *common.ProofSystem
	setupErr    error
)

// testSystem runs the trusted setup once per test binary.
func testSystem(t *testing.T) *common.ProofSystem {
	t.Helper()
	setupOnce.Do(func() {
		setupSystem, setupErr = Setup(uint32(testVersion))
	})
	require.NoError(t, setupErr)
	return setupSystem
}
