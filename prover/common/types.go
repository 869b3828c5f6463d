package common

import (
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
)

// ProofSystem bundles everything needed to prove and verify one circuit
// version. NumPublic guards against loading keys for a different public
// signal layout.
type ProofSystem struct {
	CircuitVersion   uint32
	NumPublic        uint32
	ProvingKey       groth16.ProvingKey
	VerifyingKey     groth16.VerifyingKey
	ConstraintSystem constraint.ConstraintSystem
}
