package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover/common"
)

const (
	DefaultGasMarginPercent = 20
	DefaultPollInterval     = 2 * time.Second
)

type SubmitStage string

const (
	StageNetworkVerified SubmitStage = "network_verified"
	StageGasEstimated    SubmitStage = "gas_estimated"
	StageSigned          SubmitStage = "signed"
	StageSent            SubmitStage = "sent"
	StageConfirmed       SubmitStage = "confirmed"
)

type SubmissionResult struct {
	Success     bool            `json:"success"`
	TxHash      string          `json:"txHash,omitempty"`
	BlockNumber uint64          `json:"blockNumber,omitempty"`
	GasUsed     uint64          `json:"gasUsed,omitempty"`
	IsEligible  bool            `json:"isEligible"`
	ChainID     string          `json:"chainId,omitempty"`
	Event       *ProofSubmitted `json:"-"`
	Error       string          `json:"error,omitempty"`
}

type SubmitterOptions struct {
	GasMarginPercent uint64
	PollInterval     time.Duration
}

func DefaultSubmitterOptions() SubmitterOptions {
	return SubmitterOptions{GasMarginPercent: DefaultGasMarginPercent, PollInterval: DefaultPollInterval}
}

// ChainSubmitter sends proofs to the verifier. It never retries: a failed
// submission is retried by the caller after running the guard again.
type ChainSubmitter struct {
	provider    Provider
	deployments Deployments
	ledger      NullifierLedger
	opts        SubmitterOptions
}

func NewChainSubmitter(provider Provider, deployments Deployments, ledger NullifierLedger, opts SubmitterOptions) *ChainSubmitter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.GasMarginPercent == 0 {
		opts.GasMarginPercent = DefaultGasMarginPercent
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &ChainSubmitter{provider: provider, deployments: deployments, ledger: ledger, opts: opts}
}

// WithGasMargin applies the estimate safety margin.
func WithGasMargin(estimate uint64, percent uint64) uint64 {
	return estimate + estimate*percent/100
}

func (s *ChainSubmitter) Submit(ctx context.Context, proof *common.Groth16Proof, publicSignals []*big.Int, onProgress func(SubmitStage)) (*SubmissionResult, error) {
	progress := func(stage SubmitStage) {
		if onProgress != nil {
			onProgress(stage)
		}
	}
	result := &SubmissionResult{}
	fail := func(err error) (*SubmissionResult, error) {
		result.Error = err.Error()
		return result, err
	}

	if err := checkSubmission(proof, publicSignals); err != nil {
		return fail(err)
	}
	data, err := PackSubmitProof(proof.Calldata(), publicSignals)
	if err != nil {
		return fail(common.NewError(common.SchemaMismatch, "encode submitProof", err))
	}

	deployment, err := s.deployments.Resolve(ctx, s.provider)
	if err != nil {
		return fail(err)
	}
	chainID := deployment.ChainID
	result.ChainID = chainID.String()
	progress(StageNetworkVerified)

	signer := s.provider.Signer()
	if signer == nil {
		return fail(common.Errorf(common.ChainUnavailable, "no signer configured"))
	}

	nullifier := publicSignals[nullifierSignal]
	reserved, err := s.ledger.Reserve(ctx, nullifier)
	if err != nil {
		return fail(common.NewError(common.ChainUnavailable, "nullifier ledger", err))
	}
	if !reserved {
		return fail(common.Errorf(common.ReplayRejected, "nullifier already submitted by this prover"))
	}
	keepReservation := false
	defer func() {
		if !keepReservation {
			if err := s.ledger.Release(context.Background(), nullifier); err != nil {
				logging.Logger().Warn().Err(err).Msg("Failed to release nullifier reservation")
			}
		}
	}()

	tx, err := s.buildTransaction(ctx, deployment, signer.Address(), data)
	if err != nil {
		return fail(err)
	}
	progress(StageGasEstimated)

	signed, err := signer.SignTx(ctx, tx, chainID)
	if err != nil {
		return fail(translateError(err, chainID))
	}
	progress(StageSigned)

	if err := s.provider.SendTransaction(ctx, signed); err != nil {
		return fail(translateError(err, chainID))
	}
	// From here the transaction may be mined regardless of what we observe.
	keepReservation = true
	result.TxHash = signed.Hash().Hex()
	progress(StageSent)
	logging.Logger().Info().
		Str("tx_hash", result.TxHash).
		Str("chain_id", chainID.String()).
		Uint64("gas_limit", signed.Gas()).
		Msg("Proof submitted")

	receipt, err := s.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return fail(&common.Error{Kind: common.ChainUnavailable, Reason: "confirmation not observed for " + result.TxHash, ChainID: chainID, Err: err})
	}
	result.BlockNumber = receipt.BlockNumber.Uint64()
	result.GasUsed = receipt.GasUsed

	if receipt.Status != types.ReceiptStatusSuccessful {
		keepReservation = false
		return fail(&common.Error{Kind: common.ContractReverted, Reason: "transaction " + result.TxHash + " reverted", ChainID: chainID})
	}

	event, err := FindProofSubmitted(receipt.Logs, deployment.Verifier)
	if err != nil {
		logging.Logger().Warn().Err(err).Msg("Could not decode ProofSubmitted event")
	}
	if event != nil {
		result.Event = event
		result.IsEligible = event.IsEligible
	}
	if err := s.ledger.Commit(context.Background(), nullifier); err != nil {
		logging.Logger().Warn().Err(err).Msg("Failed to commit nullifier")
	}

	result.Success = true
	progress(StageConfirmed)
	logging.Logger().Info().
		Str("tx_hash", result.TxHash).
		Uint64("block", result.BlockNumber).
		Uint64("gas_used", result.GasUsed).
		Bool("eligible", result.IsEligible).
		Msg("Proof confirmed")
	return result, nil
}

func checkSubmission(proof *common.Groth16Proof, publicSignals []*big.Int) error {
	if proof == nil {
		return common.Errorf(common.SchemaMismatch, "missing proof")
	}
	if len(publicSignals) != PublicSignalLength {
		return common.Errorf(common.SchemaMismatch, "expected %d public signals, got %d", PublicSignalLength, len(publicSignals))
	}
	for i, v := range proof.Calldata() {
		if v == nil {
			return common.Errorf(common.SchemaMismatch, "proof element %d missing", i)
		}
	}
	for i, v := range publicSignals {
		if v == nil || v.Sign() < 0 {
			return common.Errorf(common.SchemaMismatch, "public signal %d missing or negative", i)
		}
	}
	return nil
}

// buildTransaction estimates gas and prices the transaction. Chains without a
// base fee, or deployments flagged without a fee market, get a legacy
// transaction with an explicit gas price.
func (s *ChainSubmitter) buildTransaction(ctx context.Context, d Deployment, from ethcommon.Address, data []byte) (*types.Transaction, error) {
	to := d.Verifier
	estimate, err := s.provider.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, translateError(err, d.ChainID)
	}
	gasLimit := WithGasMargin(estimate, s.opts.GasMarginPercent)

	nonce, err := s.provider.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, translateError(err, d.ChainID)
	}
	head, err := s.provider.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, translateError(err, d.ChainID)
	}

	if head.BaseFee == nil || !d.FeeMarket {
		gasPrice, err := s.provider.SuggestGasPrice(ctx)
		if err != nil {
			return nil, translateError(err, d.ChainID)
		}
		logging.Logger().Debug().
			Uint64("gas_limit", gasLimit).
			Str("gas_price", gasPrice.String()).
			Msg("Using legacy gas pricing")
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Data:     data,
		}), nil
	}

	tip, err := s.provider.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, translateError(err, d.ChainID)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   d.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	}), nil
}

func (s *ChainSubmitter) waitForReceipt(ctx context.Context, hash ethcommon.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.provider.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt for %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
