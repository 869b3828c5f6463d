package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	ProofLength        = 8
	PublicSignalLength = 11

	// Position of the nullifier in the public signal vector.
	nullifierSignal = 9
)

const verifierABIJSON = `[
  {"type":"function","name":"submitProof","stateMutability":"nonpayable",
   "inputs":[{"name":"proof","type":"uint256[8]"},{"name":"publicSignals","type":"uint256[11]"}],
   "outputs":[]},
  {"type":"function","name":"isNullifierUsed","stateMutability":"view",
   "inputs":[{"name":"nullifier","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isEligible","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isProofFresh","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getTimeUntilExpiry","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getEligibilityRecord","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[
     {"name":"scoreTotal","type":"uint256"},
     {"name":"timestamp","type":"uint256"},
     {"name":"nullifier","type":"bytes32"},
     {"name":"version","type":"uint256"},
     {"name":"isEligible","type":"bool"}]},
  {"type":"event","name":"ProofSubmitted","anonymous":false,
   "inputs":[
     {"name":"user","type":"address","indexed":true},
     {"name":"nullifier","type":"bytes32","indexed":true},
     {"name":"repaymentScore","type":"uint256","indexed":false},
     {"name":"capitalScore","type":"uint256","indexed":false},
     {"name":"longevityScore","type":"uint256","indexed":false},
     {"name":"activityScore","type":"uint256","indexed":false},
     {"name":"protocolScore","type":"uint256","indexed":false},
     {"name":"totalScore","type":"uint256","indexed":false},
     {"name":"threshold","type":"uint256","indexed":false},
     {"name":"isEligible","type":"bool","indexed":false},
     {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"error","name":"NullifierAlreadyUsed","inputs":[{"name":"nullifier","type":"bytes32"}]},
  {"type":"error","name":"InvalidProof","inputs":[]},
  {"type":"error","name":"StaleTimestamp","inputs":[]}
]`

// VerifierABI is the interface of the verifier/registry contract.
var VerifierABI = mustParseABI(verifierABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid verifier abi: %v", err))
	}
	return parsed
}

// PackSubmitProof encodes a submitProof call.
func PackSubmitProof(proof [ProofLength]*big.Int, publicSignals []*big.Int) ([]byte, error) {
	if len(publicSignals) != PublicSignalLength {
		return nil, fmt.Errorf("expected %d public signals, got %d", PublicSignalLength, len(publicSignals))
	}
	var signals [PublicSignalLength]*big.Int
	copy(signals[:], publicSignals)
	return VerifierABI.Pack("submitProof", proof, signals)
}

// UnpackSubmitProof decodes submitProof calldata. ok is false for any other call.
func UnpackSubmitProof(data []byte) (proof [ProofLength]*big.Int, signals [PublicSignalLength]*big.Int, ok bool) {
	if len(data) < 4 {
		return proof, signals, false
	}
	method, err := VerifierABI.MethodById(data[:4])
	if err != nil || method.Name != "submitProof" {
		return proof, signals, false
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(values) != 2 {
		return proof, signals, false
	}
	proof, ok1 := values[0].([ProofLength]*big.Int)
	signals, ok2 := values[1].([PublicSignalLength]*big.Int)
	return proof, signals, ok1 && ok2
}

// ProofSubmitted is the decoded event the verifier emits on a successful
// submission.
type ProofSubmitted struct {
	User           ethcommon.Address
	Nullifier      [32]byte
	RepaymentScore *big.Int
	CapitalScore   *big.Int
	LongevityScore *big.Int
	ActivityScore  *big.Int
	ProtocolScore  *big.Int
	TotalScore     *big.Int
	Threshold      *big.Int
	IsEligible     bool
	Timestamp      *big.Int
}

// FindProofSubmitted returns the first ProofSubmitted event emitted by verifier
// in logs, or nil.
func FindProofSubmitted(logs []*types.Log, verifier ethcommon.Address) (*ProofSubmitted, error) {
	event := VerifierABI.Events["ProofSubmitted"]
	for _, l := range logs {
		if l.Address != verifier || len(l.Topics) != 3 || l.Topics[0] != event.ID {
			continue
		}
		values := make(map[string]interface{})
		if err := VerifierABI.UnpackIntoMap(values, "ProofSubmitted", l.Data); err != nil {
			return nil, fmt.Errorf("decode ProofSubmitted: %w", err)
		}
		ev := &ProofSubmitted{
			User:      ethcommon.BytesToAddress(l.Topics[1].Bytes()),
			Nullifier: l.Topics[2],
		}
		var ok [9]bool
		ev.RepaymentScore, ok[0] = values["repaymentScore"].(*big.Int)
		ev.CapitalScore, ok[1] = values["capitalScore"].(*big.Int)
		ev.LongevityScore, ok[2] = values["longevityScore"].(*big.Int)
		ev.ActivityScore, ok[3] = values["activityScore"].(*big.Int)
		ev.ProtocolScore, ok[4] = values["protocolScore"].(*big.Int)
		ev.TotalScore, ok[5] = values["totalScore"].(*big.Int)
		ev.Threshold, ok[6] = values["threshold"].(*big.Int)
		ev.IsEligible, ok[7] = values["isEligible"].(bool)
		ev.Timestamp, ok[8] = values["timestamp"].(*big.Int)
		for i, good := range ok {
			if !good {
				return nil, fmt.Errorf("decode ProofSubmitted: field %d has unexpected type", i)
			}
		}
		return ev, nil
	}
	return nil, nil
}

// ProofSubmittedLog builds the log the verifier emits for ev.
func ProofSubmittedLog(verifier ethcommon.Address, ev *ProofSubmitted) (*types.Log, error) {
	event := VerifierABI.Events["ProofSubmitted"]
	data, err := event.Inputs.NonIndexed().Pack(
		ev.RepaymentScore, ev.CapitalScore, ev.LongevityScore, ev.ActivityScore, ev.ProtocolScore,
		ev.TotalScore, ev.Threshold, ev.IsEligible, ev.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return &types.Log{
		Address: verifier,
		Topics:  []ethcommon.Hash{event.ID, ethcommon.BytesToHash(ev.User.Bytes()), ev.Nullifier},
		Data:    data,
	}, nil
}
