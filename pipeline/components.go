package pipeline

import (
	"context"
	"fmt"
	"os"

	"zkcredit/credit-prover/chain"
	"zkcredit/credit-prover/config"
	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover"
	"zkcredit/credit-prover/prover/common"
)

func KeyManager(cfg *config.Config) *common.LazyKeyManager {
	download := common.DefaultDownloadConfig()
	download.AutoDownload = cfg.Prover.AutoDownload
	artifacts := map[uint32]common.Artifact{
		uint32(cfg.Prover.CircuitVersion): {
			Path:   cfg.Prover.Keys.Path,
			URL:    cfg.Prover.Keys.URL,
			SHA256: cfg.Prover.Keys.SHA256,
		},
	}
	return common.NewLazyKeyManager(artifacts, download)
}

// NewRunner picks the proving isolation. workerCommand is the argv that starts
// a prove-worker for this configuration.
func NewRunner(cfg *config.Config, systems prover.SystemSource, workerCommand []string) prover.Runner {
	if cfg.Prover.Isolation == "process" {
		return &prover.ProcessRunner{Command: workerCommand}
	}
	return &prover.GoroutineRunner{Systems: systems}
}

// LoadSigner returns the configured signer, or nil when the process only
// reads from chain.
func LoadSigner(cfg *config.Config) (chain.Signer, error) {
	if cfg.Chain.ExternalSigner != "" {
		signer, err := chain.NewExternalSigner(cfg.Chain.ExternalSigner, cfg.Chain.SignerAddress)
		if err != nil {
			return nil, err
		}
		return signer, nil
	}
	if cfg.Chain.PrivateKeyEnv == "" {
		return nil, nil
	}
	key := os.Getenv(cfg.Chain.PrivateKeyEnv)
	if key == "" {
		return nil, nil
	}
	signer, err := chain.KeySignerFromHex(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Chain.PrivateKeyEnv, err)
	}
	return signer, nil
}

// DialChain connects to chain.rpc_url, falling back to the preferred
// deployment's endpoint.
func DialChain(ctx context.Context, cfg *config.Config, deployments chain.Deployments) (*chain.EthProvider, error) {
	signer, err := LoadSigner(cfg)
	if err != nil {
		return nil, err
	}
	rpcURL := cfg.Chain.RPCURL
	if rpcURL == "" && len(deployments) > 0 {
		rpcURL = deployments[0].RPCURL
	}
	if rpcURL == "" {
		return nil, fmt.Errorf("no RPC URL configured")
	}
	provider, err := chain.DialEthProvider(ctx, rpcURL, deployments.Endpoints(), signer)
	if err != nil {
		return nil, common.NewError(common.ChainUnavailable, "dial "+rpcURL, err)
	}
	if signer != nil {
		logging.Logger().Info().Str("signer", signer.Address().Hex()).Msg("Signer loaded")
	} else {
		logging.Logger().Warn().Msg("No signer configured, submissions will fail")
	}
	return provider, nil
}

func GuardOptions(cfg *config.Config) chain.GuardOptions {
	opts := chain.DefaultGuardOptions()
	if d := cfg.Guard.MaxFutureDrift.Duration; d > 0 {
		opts.MaxFutureDrift = d
	}
	if d := cfg.Guard.ValidityWindow.Duration; d > 0 {
		opts.ValidityWindow = d
	}
	if d := cfg.Guard.AgeWarning.Duration; d > 0 {
		opts.AgeWarning = d
	}
	opts.InspectMempool = cfg.Guard.InspectMempool
	return opts
}

// FromConfig assembles a pipeline. provider may be nil, in which case the
// pipeline proves but cannot submit.
func FromConfig(cfg *config.Config, runner prover.Runner, provider chain.Provider, deployments chain.Deployments, ledger chain.NullifierLedger) *Pipeline {
	opts := Options{
		Generator:      prover.NewProofGenerator(runner, cfg.Prover.Timeout.Duration),
		CircuitVersion: cfg.Prover.CircuitVersion,
	}
	if provider != nil && len(deployments) > 0 {
		if ledger == nil {
			ledger = chain.NewMemoryLedger()
		}
		contract := chain.NewVerifierContract(provider, deployments[0])
		opts.Guard = chain.NewSubmissionGuard(provider, contract, ledger, GuardOptions(cfg))
		opts.Submitter = chain.NewChainSubmitter(provider, deployments, ledger, chain.SubmitterOptions{
			GasMarginPercent: cfg.Chain.GasMarginPercent,
			PollInterval:     cfg.Chain.ConfirmationPoll.Duration,
		})
	}
	return New(opts)
}
