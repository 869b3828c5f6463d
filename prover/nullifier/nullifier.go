// Package nullifier derives the one-time proof identifier.
//
// The hash is Poseidon2 over the BN254 scalar field (width 2, 6 full rounds,
// 50 partial rounds) in Merkle-Damgard mode with a zero initial state,
// absorbing address, nonce, timestamp and version in that order. NullifierGadget
// in the prover package instantiates the same permutation in-circuit.
package nullifier

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/utils"
)

const (
	Width         = 2
	FullRounds    = 6
	PartialRounds = 50
	NumInputs     = 4
)

func newPermutation() *poseidon2.Permutation {
	return poseidon2.NewPermutation(Width, FullRounds, PartialRounds)
}

// Hash absorbs inputs left to right: state = compress(state, x).
func Hash(inputs ...*big.Int) (*big.Int, error) {
	perm := newPermutation()
	state := make([]byte, fr.Bytes)
	for i, in := range inputs {
		if in == nil || in.Sign() < 0 || !utils.CheckBigIntInField(in) {
			return nil, fmt.Errorf("input %d is not a field element", i)
		}
		var e fr.Element
		e.SetBigInt(in)
		b := e.Bytes()
		next, err := perm.Compress(state, b[:])
		if err != nil {
			return nil, fmt.Errorf("poseidon2 compress: %w", err)
		}
		state = next
	}
	return new(big.Int).SetBytes(state), nil
}

// Derive returns Poseidon2(address, nonce, timestamp, version).
func Derive(address common.Address, nonce *big.Int, timestamp uint64, version uint64) (*big.Int, error) {
	return Hash(
		AddressToField(address),
		nonce,
		new(big.Int).SetUint64(timestamp),
		new(big.Int).SetUint64(version),
	)
}

// AddressToField is the 160-bit big-endian integer value of the address.
func AddressToField(address common.Address) *big.Int {
	return new(big.Int).SetBytes(address.Bytes())
}

// RandomNonce draws a uniform element of the scalar field.
func RandomNonce() (*big.Int, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return nil, err
	}
	return e.BigInt(new(big.Int)), nil
}

// RandomNonceFromReader is RandomNonce with an explicit entropy source, for
// reproducible tests. It rejects samples until one falls below the modulus.
func RandomNonceFromReader(r io.Reader) (*big.Int, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, fr.Bytes)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		buf[0] &= 0x3f
		n := new(big.Int).SetBytes(buf)
		if utils.CheckBigIntInField(n) {
			return n, nil
		}
	}
}

// Bytes32 is the nullifier as the contract's bytes32 key.
func Bytes32(n *big.Int) [32]byte {
	var out [32]byte
	n.FillBytes(out[:])
	return out
}
