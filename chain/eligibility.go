package chain

import (
	"context"
	"math"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// EligibilityReader exposes the registry's view of an address. Every call
// goes to the chain; state may change between calls.
type EligibilityReader struct {
	contract *VerifierContract
}

func NewEligibilityReader(contract *VerifierContract) *EligibilityReader {
	return &EligibilityReader{contract: contract}
}

func (r *EligibilityReader) IsEligible(ctx context.Context, user ethcommon.Address) (bool, error) {
	return r.contract.IsEligible(ctx, user)
}

func (r *EligibilityReader) IsProofFresh(ctx context.Context, user ethcommon.Address) (bool, error) {
	return r.contract.IsProofFresh(ctx, user)
}

func (r *EligibilityReader) TimeUntilExpiry(ctx context.Context, user ethcommon.Address) (time.Duration, error) {
	seconds, err := r.contract.TimeUntilExpiry(ctx, user)
	if err != nil {
		return 0, err
	}
	if !seconds.IsInt64() || seconds.Int64() > math.MaxInt64/int64(time.Second) {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(seconds.Int64()) * time.Second, nil
}

func (r *EligibilityReader) Record(ctx context.Context, user ethcommon.Address) (*EligibilityRecord, error) {
	return r.contract.EligibilityRecord(ctx, user)
}

// Status is every eligibility read for one address.
type Status struct {
	Address         string             `json:"address"`
	IsEligible      bool               `json:"isEligible"`
	IsProofFresh    bool               `json:"isProofFresh"`
	TimeUntilExpiry time.Duration      `json:"timeUntilExpiry"`
	Record          *EligibilityRecord `json:"record,omitempty"`
}

func (r *EligibilityReader) Status(ctx context.Context, user ethcommon.Address) (*Status, error) {
	eligible, err := r.IsEligible(ctx, user)
	if err != nil {
		return nil, err
	}
	fresh, err := r.IsProofFresh(ctx, user)
	if err != nil {
		return nil, err
	}
	remaining, err := r.TimeUntilExpiry(ctx, user)
	if err != nil {
		return nil, err
	}
	record, err := r.Record(ctx, user)
	if err != nil {
		return nil, err
	}
	return &Status{
		Address:         user.Hex(),
		IsEligible:      eligible,
		IsProofFresh:    fresh,
		TimeUntilExpiry: remaining,
		Record:          record,
	}, nil
}
