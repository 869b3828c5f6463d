package common

import (
	"errors"
	"math/big"

	"github.com/consensys/gnark/constraint/solver"
	"github.com/consensys/gnark/frontend"
	"github.com/reilabs/gnark-lean-extractor/v3/abstractor"
)

// ComparisonBits bounds both operands of every comparison and division in the
// score circuit. Features are at most 40 bits and no intermediate product
// exceeds 2^60.
const ComparisonBits = 64

func init() {
	solver.RegisterHint(DivHint)
}

// DivHint computes floor(n / d) and n mod d for non-negative n and d > 0.
func DivHint(_ *big.Int, inputs []*big.Int, outputs []*big.Int) error {
	if len(inputs) != 2 || len(outputs) != 2 {
		return errors.New("DivHint expects 2 inputs and 2 outputs")
	}
	if inputs[1].Sign() == 0 {
		return errors.New("division by zero")
	}
	outputs[0].Quo(inputs[0], inputs[1])
	outputs[1].Rem(inputs[0], inputs[1])
	return nil
}

// Assert A is less than B.
type AssertIsLess struct {
	A frontend.Variable
	B frontend.Variable
	N int
}

// To prevent overflows N (the number of bits) must not be greater than 252 + 1,
// see https://github.com/zkopru-network/zkopru/issues/116
func (gadget AssertIsLess) DefineGadget(api frontend.API) interface{} {
	// Add 2^N to B to ensure a positive number
	oneShifted := new(big.Int).Lsh(big.NewInt(1), uint(gadget.N))
	num := api.Add(gadget.A, api.Sub(*oneShifted, gadget.B))
	api.ToBinary(num, gadget.N)
	return []frontend.Variable{}
}

// IsLess returns 1 when A < B and 0 otherwise. Both operands must be below 2^N.
type IsLess struct {
	A frontend.Variable
	B frontend.Variable
	N int
}

func (gadget IsLess) DefineGadget(api frontend.API) interface{} {
	oneShifted := new(big.Int).Lsh(big.NewInt(1), uint(gadget.N))
	num := api.Add(gadget.A, api.Sub(*oneShifted, gadget.B))
	// A < B exactly when num stays below 2^N, i.e. the top bit is clear.
	bits := api.ToBinary(num, gadget.N+1)
	return api.Sub(1, bits[gadget.N])
}

// RangeCheck asserts In < 2^N.
type RangeCheck struct {
	In frontend.Variable
	N  int
}

func (gadget RangeCheck) DefineGadget(api frontend.API) interface{} {
	api.ToBinary(gadget.In, gadget.N)
	return []frontend.Variable{}
}

// DivFloor returns {floor(N/D), N mod D}. D must be non-zero and both
// operands below 2^ComparisonBits.
type DivFloor struct {
	N frontend.Variable
	D frontend.Variable
}

func (gadget DivFloor) DefineGadget(api frontend.API) interface{} {
	out, err := api.Compiler().NewHint(DivHint, 2, gadget.N, gadget.D)
	if err != nil {
		panic(err)
	}
	q, r := out[0], out[1]
	abstractor.CallVoid(api, RangeCheck{In: q, N: ComparisonBits})
	abstractor.CallVoid(api, RangeCheck{In: r, N: ComparisonBits})
	abstractor.CallVoid(api, AssertIsLess{A: r, B: gadget.D, N: ComparisonBits})
	api.AssertIsEqual(api.Add(api.Mul(q, gadget.D), r), gadget.N)
	return []frontend.Variable{q, r}
}

// Quotient is DivFloor without the remainder.
type Quotient struct {
	N frontend.Variable
	D frontend.Variable
}

func (gadget Quotient) DefineGadget(api frontend.API) interface{} {
	return abstractor.Call1(api, DivFloor{N: gadget.N, D: gadget.D})[0]
}

type Min struct {
	A frontend.Variable
	B frontend.Variable
}

func (gadget Min) DefineGadget(api frontend.API) interface{} {
	less := abstractor.Call(api, IsLess{A: gadget.A, B: gadget.B, N: ComparisonBits})
	return api.Select(less, gadget.A, gadget.B)
}
