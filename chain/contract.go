package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"

	"zkcredit/credit-prover/prover/nullifier"
)

// VerifierContract issues read-only calls against one verifier deployment.
type VerifierContract struct {
	provider Provider
	address  ethcommon.Address
	chainID  *big.Int
}

func NewVerifierContract(provider Provider, d Deployment) *VerifierContract {
	return &VerifierContract{provider: provider, address: d.Verifier, chainID: d.ChainID}
}

func (v *VerifierContract) Address() ethcommon.Address {
	return v.address
}

func (v *VerifierContract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := VerifierABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := v.address
	out, err := v.provider.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, translateError(err, v.chainID)
	}
	values, err := VerifierABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (v *VerifierContract) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	values, err := v.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	b, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s returned %T", method, values[0])
	}
	return b, nil
}

func (v *VerifierContract) IsNullifierUsed(ctx context.Context, n *big.Int) (bool, error) {
	return v.callBool(ctx, "isNullifierUsed", nullifier.Bytes32(n))
}

func (v *VerifierContract) IsEligible(ctx context.Context, user ethcommon.Address) (bool, error) {
	return v.callBool(ctx, "isEligible", user)
}

func (v *VerifierContract) IsProofFresh(ctx context.Context, user ethcommon.Address) (bool, error) {
	return v.callBool(ctx, "isProofFresh", user)
}

func (v *VerifierContract) TimeUntilExpiry(ctx context.Context, user ethcommon.Address) (*big.Int, error) {
	values, err := v.call(ctx, "getTimeUntilExpiry", user)
	if err != nil {
		return nil, err
	}
	seconds, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getTimeUntilExpiry returned %T", values[0])
	}
	return seconds, nil
}

// EligibilityRecord is the registry's per-address entry.
type EligibilityRecord struct {
	ScoreTotal *big.Int `json:"scoreTotal"`
	Timestamp  uint64   `json:"timestamp"`
	Nullifier  string   `json:"nullifier"`
	Version    uint64   `json:"version"`
	IsEligible bool     `json:"isEligible"`
}

func (v *VerifierContract) EligibilityRecord(ctx context.Context, user ethcommon.Address) (*EligibilityRecord, error) {
	values, err := v.call(ctx, "getEligibilityRecord", user)
	if err != nil {
		return nil, err
	}
	if len(values) != 5 {
		return nil, fmt.Errorf("getEligibilityRecord returned %d values", len(values))
	}
	total, ok1 := values[0].(*big.Int)
	ts, ok2 := values[1].(*big.Int)
	n, ok3 := values[2].([32]byte)
	version, ok4 := values[3].(*big.Int)
	eligible, ok5 := values[4].(bool)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return nil, fmt.Errorf("getEligibilityRecord returned unexpected types")
	}
	return &EligibilityRecord{
		ScoreTotal: total,
		Timestamp:  ts.Uint64(),
		Nullifier:  ethcommon.Hash(n).Hex(),
		Version:    version.Uint64(),
		IsEligible: eligible,
	}, nil
}
