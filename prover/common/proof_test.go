package common

import (
	"bytes"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalldataLayout(t *testing.T) {
	p := &Groth16Proof{
		A: [2]*big.Int{big.NewInt(1), big.NewInt(2)},
		B: [2][2]*big.Int{{big.NewInt(3), big.NewInt(4)}, {big.NewInt(5), big.NewInt(6)}},
		C: [2]*big.Int{big.NewInt(7), big.NewInt(8)},
	}
	got := p.Calldata()
	want := []int64{1, 2, 4, 3, 6, 5, 7, 8}
	for i, w := range want {
		assert.Equal(t, w, got[i].Int64(), "calldata[%d]", i)
	}

	back := ProofFromCalldata(got)
	assert.Equal(t, p, back)
}

func realProof(t *testing.T) (groth16.Proof, groth16.VerifyingKey, *MinCircuit) {
	t.Helper()
	var circuit MinCircuit
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	require.NoError(t, err)
	pk, vk, err := groth16.Setup(ccs)
	require.NoError(t, err)

	assignment := &MinCircuit{A: 3, B: 11, Out: 3}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	require.NoError(t, err)
	proof, err := groth16.Prove(ccs, pk, w)
	require.NoError(t, err)
	return proof, vk, assignment
}

func TestCalldataMatchesGnarkSerialisation(t *testing.T) {
	proof, _, _ := realProof(t)

	var buf bytes.Buffer
	_, err := proof.WriteRawTo(&buf)
	require.NoError(t, err)
	raw := buf.Bytes()

	typed, err := ProofFromGnark(proof)
	require.NoError(t, err)
	calldata := typed.Calldata()
	for i := 0; i < 8; i++ {
		word := new(big.Int).SetBytes(raw[i*32 : (i+1)*32])
		assert.Equal(t, 0, word.Cmp(calldata[i]), "word %d", i)
	}
}

func TestTypedProofStillVerifies(t *testing.T) {
	proof, vk, assignment := realProof(t)

	typed, err := ProofFromGnark(proof)
	require.NoError(t, err)

	data, err := json.Marshal(typed)
	require.NoError(t, err)
	var decoded Groth16Proof
	require.NoError(t, json.Unmarshal(data, &decoded))

	rebuilt, err := decoded.ToGnark()
	require.NoError(t, err)

	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	require.NoError(t, err)
	require.NoError(t, groth16.Verify(rebuilt, vk, w))
}

func TestToGnarkRejectsPointsOffCurve(t *testing.T) {
	proof, _, _ := realProof(t)
	typed, err := ProofFromGnark(proof)
	require.NoError(t, err)

	typed.A[1] = new(big.Int).Add(typed.A[1], big.NewInt(1))
	_, err = typed.ToGnark()
	assert.Error(t, err)

	typed.A[1] = nil
	_, err = typed.ToGnark()
	assert.Error(t, err)
}
