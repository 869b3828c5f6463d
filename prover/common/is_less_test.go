package common

import (
	"math/big"
	"testing"

	"github.com/reilabs/gnark-lean-extractor/v3/abstractor"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/test"
)

type AssertIsLessCircuit struct {
	A frontend.Variable `gnark:",public"`
	B frontend.Variable `gnark:",secret"`
}

func (circuit *AssertIsLessCircuit) Define(api frontend.API) error {
	abstractor.CallVoid(api, AssertIsLess{A: circuit.A, B: circuit.B, N: ComparisonBits})
	return nil
}

type IsLessCircuit struct {
	A        frontend.Variable `gnark:",public"`
	B        frontend.Variable `gnark:",secret"`
	Expected frontend.Variable `gnark:",public"`
}

func (circuit *IsLessCircuit) Define(api frontend.API) error {
	less := abstractor.Call(api, IsLess{A: circuit.A, B: circuit.B, N: ComparisonBits})
	api.AssertIsEqual(less, circuit.Expected)
	return nil
}

type DivFloorCircuit struct {
	N frontend.Variable `gnark:",public"`
	D frontend.Variable `gnark:",public"`
	Q frontend.Variable `gnark:",public"`
}

func (circuit *DivFloorCircuit) Define(api frontend.API) error {
	q := abstractor.Call(api, Quotient{N: circuit.N, D: circuit.D})
	api.AssertIsEqual(q, circuit.Q)
	return nil
}

type MinCircuit struct {
	A   frontend.Variable
	B   frontend.Variable
	Out frontend.Variable `gnark:",public"`
}

func (circuit *MinCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(abstractor.Call(api, Min{A: circuit.A, B: circuit.B}), circuit.Out)
	return nil
}

var gadgetOpts = []test.TestingOption{
	test.WithBackends(backend.GROTH16),
	test.WithCurves(ecc.BN254),
	test.NoSerializationChecks(),
}

func TestAssertIsLess(t *testing.T) {
	max64 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 64), big.NewInt(1))
	max64Sub1 := new(big.Int).Sub(max64, big.NewInt(1))

	testCases := []struct {
		a        *big.Int
		b        *big.Int
		expected bool
	}{
		{big.NewInt(2), big.NewInt(5), true},
		{big.NewInt(5), big.NewInt(2), false},
		{big.NewInt(3), big.NewInt(3), false},
		{big.NewInt(0), big.NewInt(0), false},
		{big.NewInt(0), big.NewInt(1), true},
		{big.NewInt(100), big.NewInt(1000), true},
		{max64Sub1, max64, true},
		{max64, max64Sub1, false},
	}

	for _, tc := range testCases {
		var circuit AssertIsLessCircuit
		assert := test.NewAssert(t)
		assignment := &AssertIsLessCircuit{A: tc.a, B: tc.b}
		if tc.expected {
			assert.ProverSucceeded(&circuit, assignment, gadgetOpts...)
		} else {
			assert.ProverFailed(&circuit, assignment, gadgetOpts...)
		}
	}
}

func TestIsLess(t *testing.T) {
	testCases := []struct {
		a, b     int64
		expected int
	}{
		{2, 5, 1},
		{5, 2, 0},
		{7, 7, 0},
		{0, 1, 1},
		{1 << 40, 1<<40 + 1, 1},
	}
	for _, tc := range testCases {
		var circuit IsLessCircuit
		assert := test.NewAssert(t)
		assert.ProverSucceeded(&circuit, &IsLessCircuit{A: tc.a, B: tc.b, Expected: tc.expected}, gadgetOpts...)
		assert.ProverFailed(&circuit, &IsLessCircuit{A: tc.a, B: tc.b, Expected: 1 - tc.expected}, gadgetOpts...)
	}
}

func TestDivFloor(t *testing.T) {
	testCases := []struct{ n, d, q int64 }{
		{10, 3, 3},
		{9, 3, 3},
		{0, 7, 0},
		{999, 1000, 0},
		{5000 * 1000, 90, 55555},
	}
	for _, tc := range testCases {
		var circuit DivFloorCircuit
		assert := test.NewAssert(t)
		assert.ProverSucceeded(&circuit, &DivFloorCircuit{N: tc.n, D: tc.d, Q: tc.q}, gadgetOpts...)
		assert.ProverFailed(&circuit, &DivFloorCircuit{N: tc.n, D: tc.d, Q: tc.q + 1}, gadgetOpts...)
	}

	var circuit DivFloorCircuit
	assert := test.NewAssert(t)
	assert.ProverFailed(&circuit, &DivFloorCircuit{N: 10, D: 0, Q: 0}, gadgetOpts...)
}

func TestMin(t *testing.T) {
	var circuit MinCircuit
	assert := test.NewAssert(t)
	assert.ProverSucceeded(&circuit, &MinCircuit{A: 4, B: 9, Out: 4}, gadgetOpts...)
	assert.ProverSucceeded(&circuit, &MinCircuit{A: 1200, B: 1000, Out: 1000}, gadgetOpts...)
	assert.ProverSucceeded(&circuit, &MinCircuit{A: 5, B: 5, Out: 5}, gadgetOpts...)
	assert.ProverFailed(&circuit, &MinCircuit{A: 4, B: 9, Out: 9}, gadgetOpts...)
}
