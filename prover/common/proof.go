package common

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark/backend/groth16"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
)

// Groth16Proof is a BN254 Groth16 proof with every coordinate as an integer.
// B holds each Fp2 coordinate in natural order {c0, c1}; the calldata layout
// swaps them.
type Groth16Proof struct {
	A [2]*big.Int
	B [2][2]*big.Int
	C [2]*big.Int
}

func ProofFromGnark(p groth16.Proof) (*Groth16Proof, error) {
	bp, ok := p.(*groth16_bn254.Proof)
	if !ok {
		return nil, fmt.Errorf("unsupported proof type %T", p)
	}
	if len(bp.Commitments) > 0 {
		return nil, fmt.Errorf("proof carries %d commitments, the verifier accepts none", len(bp.Commitments))
	}
	return &Groth16Proof{
		A: [2]*big.Int{bp.Ar.X.BigInt(new(big.Int)), bp.Ar.Y.BigInt(new(big.Int))},
		B: [2][2]*big.Int{
			{bp.Bs.X.A0.BigInt(new(big.Int)), bp.Bs.X.A1.BigInt(new(big.Int))},
			{bp.Bs.Y.A0.BigInt(new(big.Int)), bp.Bs.Y.A1.BigInt(new(big.Int))},
		},
		C: [2]*big.Int{bp.Krs.X.BigInt(new(big.Int)), bp.Krs.Y.BigInt(new(big.Int))},
	}, nil
}

// ToGnark rebuilds the gnark proof and checks that every point lies in its group.
func (p *Groth16Proof) ToGnark() (groth16.Proof, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	var bp groth16_bn254.Proof
	bp.Ar.X.SetBigInt(p.A[0])
	bp.Ar.Y.SetBigInt(p.A[1])
	bp.Bs.X.A0.SetBigInt(p.B[0][0])
	bp.Bs.X.A1.SetBigInt(p.B[0][1])
	bp.Bs.Y.A0.SetBigInt(p.B[1][0])
	bp.Bs.Y.A1.SetBigInt(p.B[1][1])
	bp.Krs.X.SetBigInt(p.C[0])
	bp.Krs.Y.SetBigInt(p.C[1])

	if !onG1(&bp.Ar) || !onG1(&bp.Krs) {
		return nil, fmt.Errorf("proof point not on G1")
	}
	if !bp.Bs.IsOnCurve() || !bp.Bs.IsInSubGroup() {
		return nil, fmt.Errorf("proof point not on G2")
	}
	return &bp, nil
}

func onG1(p *bn254.G1Affine) bool {
	return p.IsOnCurve() && p.IsInSubGroup()
}

func (p *Groth16Proof) validate() error {
	for i, v := range p.flat() {
		if v == nil {
			return fmt.Errorf("proof element %d missing", i)
		}
		if v.Sign() < 0 || v.Cmp(bn254.ID.BaseField()) >= 0 {
			return fmt.Errorf("proof element %d out of range", i)
		}
	}
	return nil
}

func (p *Groth16Proof) flat() []*big.Int {
	return []*big.Int{p.A[0], p.A[1], p.B[0][0], p.B[0][1], p.B[1][0], p.B[1][1], p.C[0], p.C[1]}
}

// Calldata is the verifier's uint256[8] layout:
// [A.x, A.y, B.x.c1, B.x.c0, B.y.c1, B.y.c0, C.x, C.y].
// This is the order gnark-crypto serialises uncompressed points in.
func (p *Groth16Proof) Calldata() [8]*big.Int {
	return [8]*big.Int{
		p.A[0], p.A[1],
		p.B[0][1], p.B[0][0],
		p.B[1][1], p.B[1][0],
		p.C[0], p.C[1],
	}
}

func ProofFromCalldata(c [8]*big.Int) *Groth16Proof {
	return &Groth16Proof{
		A: [2]*big.Int{c[0], c[1]},
		B: [2][2]*big.Int{{c[3], c[2]}, {c[5], c[4]}},
		C: [2]*big.Int{c[6], c[7]},
	}
}

type ProofJSON struct {
	Ar  [2]string    `json:"ar"`
	Bs  [2][2]string `json:"bs"`
	Krs [2]string    `json:"krs"`
}

func (p *Groth16Proof) MarshalJSON() ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	c := p.Calldata()
	return json.Marshal(ProofJSON{
		Ar:  [2]string{ToHex(c[0]), ToHex(c[1])},
		Bs:  [2][2]string{{ToHex(c[2]), ToHex(c[3])}, {ToHex(c[4]), ToHex(c[5])}},
		Krs: [2]string{ToHex(c[6]), ToHex(c[7])},
	})
}

func (p *Groth16Proof) UnmarshalJSON(data []byte) error {
	var proofJson ProofJSON
	if err := json.Unmarshal(data, &proofJson); err != nil {
		return err
	}
	proofHexNumbers := [8]string{
		proofJson.Ar[0],
		proofJson.Ar[1],
		proofJson.Bs[0][0],
		proofJson.Bs[0][1],
		proofJson.Bs[1][0],
		proofJson.Bs[1][1],
		proofJson.Krs[0],
		proofJson.Krs[1],
	}
	var c [8]*big.Int
	for i := 0; i < 8; i++ {
		c[i] = new(big.Int)
		if err := FromHex(c[i], proofHexNumbers[i]); err != nil {
			return err
		}
	}
	*p = *ProofFromCalldata(c)
	return p.validate()
}
