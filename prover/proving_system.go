package prover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/constraint/solver"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover/common"
)

type Stage string

const (
	StageWitnessComputed Stage = "witness_computed"
	StageProofComputed   Stage = "proof_computed"
)

type ProofResult struct {
	Proof         *common.Groth16Proof
	PublicSignals []*big.Int
}

type proofResultJSON struct {
	Proof         *common.Groth16Proof `json:"proof"`
	PublicSignals []string             `json:"publicSignals"`
}

func (r *ProofResult) MarshalJSON() ([]byte, error) {
	signals := make([]string, len(r.PublicSignals))
	for i, s := range r.PublicSignals {
		signals[i] = common.ToHex(s)
	}
	return json.Marshal(proofResultJSON{Proof: r.Proof, PublicSignals: signals})
}

func (r *ProofResult) UnmarshalJSON(data []byte) error {
	var raw proofResultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Proof = raw.Proof
	r.PublicSignals = make([]*big.Int, len(raw.PublicSignals))
	for i, s := range raw.PublicSignals {
		r.PublicSignals[i] = new(big.Int)
		if err := common.FromHex(r.PublicSignals[i], s); err != nil {
			return err
		}
	}
	return nil
}

func R1CS() (constraint.ConstraintSystem, error) {
	var circuit CreditScoreCircuit
	return frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
}

func Setup(version uint32) (*common.ProofSystem, error) {
	ccs, err := R1CS()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, err
	}
	return &common.ProofSystem{
		CircuitVersion:   version,
		NumPublic:        NumPublicSignals,
		ProvingKey:       pk,
		VerifyingKey:     vk,
		ConstraintSystem: ccs,
	}, nil
}

// cancellableDiv replaces the division hint so that a cancelled context stops
// the witness solver at its next division.
func cancellableDiv(ctx context.Context) solver.Option {
	return solver.OverrideHint(solver.GetHintID(common.DivHint), func(field *big.Int, inputs []*big.Int, outputs []*big.Int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return common.DivHint(field, inputs, outputs)
	})
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.NewError(common.ProofTimeout, "proof generation exceeded its deadline", err)
	}
	return common.NewError(common.ProofCancelled, "proof generation cancelled", err)
}

// Prove solves the witness, proves, and reports each stage through emit.
// Cancellation is observed while solving; the Groth16 prover itself runs to
// completion once started.
func Prove(ctx context.Context, ps *common.ProofSystem, bundle *WitnessBundle, emit func(Stage)) (*ProofResult, error) {
	if ps.NumPublic != NumPublicSignals {
		return nil, common.Errorf(common.SchemaMismatch, "proving system expects %d public signals, circuit has %d", ps.NumPublic, NumPublicSignals)
	}
	assignment, err := bundle.Assignment()
	if err != nil {
		return nil, err
	}
	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, common.NewError(common.SchemaMismatch, "build witness", err)
	}

	solverOpt := cancellableDiv(ctx)
	if err := ps.ConstraintSystem.IsSolved(witness, solverOpt); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		return nil, common.NewError(common.ProofComputationFailed, "witness does not satisfy the circuit", err)
	}
	if emit != nil {
		emit(StageWitnessComputed)
	}

	logging.Logger().Info().
		Uint64("version", bundle.Version()).
		Int("constraints", ps.ConstraintSystem.GetNbConstraints()).
		Msg("Proving credit score")
	proof, err := groth16.Prove(ps.ConstraintSystem, ps.ProvingKey, witness, backend.WithSolverOptions(solverOpt))
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		return nil, common.NewError(common.ProofComputationFailed, "groth16 prove", err)
	}
	if ctx.Err() != nil {
		return nil, contextError(ctx.Err())
	}

	typed, err := common.ProofFromGnark(proof)
	if err != nil {
		return nil, common.NewError(common.ProofComputationFailed, "convert proof", err)
	}
	if emit != nil {
		emit(StageProofComputed)
	}
	return &ProofResult{Proof: typed, PublicSignals: bundle.PublicSignals()}, nil
}

// Verify checks a proof against the verifying key and public signal vector.
func Verify(vk groth16.VerifyingKey, proof *common.Groth16Proof, publicSignals []*big.Int) error {
	assignment, err := PublicAssignment(publicSignals)
	if err != nil {
		return err
	}
	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return err
	}
	gnarkProof, err := proof.ToGnark()
	if err != nil {
		return fmt.Errorf("invalid proof encoding: %w", err)
	}
	return groth16.Verify(gnarkProof, vk, witness)
}
