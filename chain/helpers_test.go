package chain_test

import (
	"math/big"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"zkcredit/credit-prover/chain"
	"zkcredit/credit-prover/chain/chaintest"
	"zkcredit/credit-prover/prover/common"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1760000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fakeProof() *common.Groth16Proof {
	return common.ProofFromCalldata([8]*big.Int{
		big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4),
		big.NewInt(5), big.NewInt(6), big.NewInt(7), big.NewInt(8),
	})
}

// signalsFor builds a public signal vector for user with the given total and
// threshold, both on the ×1000 scale.
func signalsFor(user ethcommon.Address, nullifier int64, timestamp time.Time, total, threshold int64) []*big.Int {
	return []*big.Int{
		new(big.Int).SetBytes(user.Bytes()),
		big.NewInt(210000), big.NewInt(138570), big.NewInt(71340), big.NewInt(48420), big.NewInt(36000),
		big.NewInt(total),
		big.NewInt(threshold),
		big.NewInt(timestamp.Unix()),
		big.NewInt(nullifier),
		big.NewInt(1),
	}
}

func deploymentsFor(b *chaintest.Backend, chainID int64) chain.Deployments {
	return chain.Deployments{b.Deployment(chainID)}
}
