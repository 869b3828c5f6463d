package common

import (
	"fmt"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"

	"zkcredit/credit-prover/logging"
)

func LoadVerifyingKey(filepath string) (groth16.VerifyingKey, error) {
	logging.Logger().Info().Str("filepath", filepath).Msg("start reading verifying key")
	verifyingKey := groth16.NewVerifyingKey(ecc.BN254)
	f, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("error opening verifying key file: %w", err)
	}
	defer f.Close()

	if _, err = verifyingKey.ReadFrom(f); err != nil {
		return nil, NewError(ArtifactInvalid, "read verifying key "+filepath, err)
	}
	return verifyingKey, nil
}

func WriteVerifyingKey(vk groth16.VerifyingKey, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	written, err := vk.WriteTo(file)
	if err != nil {
		return err
	}
	logging.Logger().Info().Int64("bytesWritten", written).Str("path", path).Msg("Verifying key written to file")
	return nil
}

// WriteProvingSystem writes the combined proving system to path and, when
// pathVkey is set, the verifying key on its own.
func WriteProvingSystem(system *ProofSystem, path string, pathVkey string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	written, err := system.WriteTo(file)
	if err != nil {
		return err
	}
	logging.Logger().Info().Int64("bytesWritten", written).Msg("Proving system written to file")

	if pathVkey != "" {
		return WriteVerifyingKey(system.VerifyingKey, pathVkey)
	}
	return nil
}

// ExportSolidity writes a Solidity verifier contract for vk.
func ExportSolidity(vk groth16.VerifyingKey, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return vk.ExportSolidity(file)
}
