package chain

import (
	"context"
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"zkcredit/credit-prover/config"
	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover/common"
)

// Deployment is a verifier contract on one chain.
type Deployment struct {
	Name      string
	ChainID   *big.Int
	RPCURL    string
	Verifier  ethcommon.Address
	FeeMarket bool
}

// Deployments is the set of chains hosting a known verifier. The first entry
// is the switch target when the provider is connected elsewhere.
type Deployments []Deployment

func DeploymentsFromConfig(cfg *config.Config) (Deployments, error) {
	var out Deployments
	if preferred, ok := cfg.PreferredDeployment(); ok {
		out = append(out, fromConfig(preferred))
	}
	for _, d := range cfg.Deployments {
		if len(out) > 0 && out[0].ChainID.Uint64() == d.ChainID {
			continue
		}
		out = append(out, fromConfig(d))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no verifier deployments configured")
	}
	return out, nil
}

func fromConfig(d config.Deployment) Deployment {
	return Deployment{
		Name:      d.Name,
		ChainID:   new(big.Int).SetUint64(d.ChainID),
		RPCURL:    d.RPCURL,
		Verifier:  ethcommon.HexToAddress(d.VerifierAddress),
		FeeMarket: d.FeeMarket,
	}
}

// Endpoints maps chain ids to RPC URLs for EthProvider.SwitchChain.
func (ds Deployments) Endpoints() map[uint64]string {
	out := make(map[uint64]string, len(ds))
	for _, d := range ds {
		if d.RPCURL != "" {
			out[d.ChainID.Uint64()] = d.RPCURL
		}
	}
	return out
}

func (ds Deployments) Lookup(chainID *big.Int) (Deployment, bool) {
	for _, d := range ds {
		if d.ChainID.Cmp(chainID) == 0 {
			return d, true
		}
	}
	return Deployment{}, false
}

// Resolve returns the deployment for the provider's chain. When the provider
// is on an unknown chain it asks for one switch to the preferred deployment
// and fails with NetworkMismatch if that does not help.
func (ds Deployments) Resolve(ctx context.Context, provider Provider) (Deployment, error) {
	if len(ds) == 0 {
		return Deployment{}, common.Errorf(common.NetworkMismatch, "no verifier deployments configured")
	}
	chainID, err := provider.ChainID(ctx)
	if err != nil {
		return Deployment{}, common.NewError(common.ChainUnavailable, "read chain id", err)
	}
	if d, ok := ds.Lookup(chainID); ok {
		return d, nil
	}

	target := ds[0]
	logging.Logger().Warn().
		Str("connected", chainID.String()).
		Str("target", target.ChainID.String()).
		Msg("No verifier on connected chain, switching")
	if err := provider.SwitchChain(ctx, target.ChainID); err != nil {
		return Deployment{}, &common.Error{
			Kind:    common.NetworkMismatch,
			Reason:  fmt.Sprintf("switch to %s failed", target.Name),
			ChainID: chainID,
			Err:     err,
		}
	}
	switched, err := provider.ChainID(ctx)
	if err != nil {
		return Deployment{}, common.NewError(common.ChainUnavailable, "read chain id", err)
	}
	if d, ok := ds.Lookup(switched); ok {
		return d, nil
	}
	return Deployment{}, &common.Error{
		Kind:    common.NetworkMismatch,
		Reason:  "no verifier deployment on connected chain",
		ChainID: switched,
	}
}
