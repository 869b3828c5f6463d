package prover

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/utils"

	"zkcredit/credit-prover/prover/common"
	"zkcredit/credit-prover/prover/nullifier"
	"zkcredit/credit-prover/prover/score"
)

const (
	MinThreshold = 300
	MaxThreshold = 900
)

// Public signal indices, in circuit declaration order.
const (
	SignalAddress = iota
	SignalRepaymentScore
	SignalCapitalScore
	SignalLongevityScore
	SignalActivityScore
	SignalProtocolScore
	SignalTotalScore
	SignalThreshold
	SignalTimestamp
	SignalNullifier
	SignalVersion
)

var PublicSignalNames = []string{
	"address",
	"repaymentScore",
	"capitalScore",
	"longevityScore",
	"activityScore",
	"protocolScore",
	"totalScore",
	"threshold",
	"timestamp",
	"nullifier",
	"version",
}

func PrivateSignalNames() []string {
	return append(score.FeatureNames(), "nonce")
}

type Signal struct {
	Name  string
	Value *big.Int
}

type signalJSON struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s Signal) MarshalJSON() ([]byte, error) {
	if s.Value == nil {
		return nil, fmt.Errorf("signal %s has no value", s.Name)
	}
	return json.Marshal(signalJSON{Name: s.Name, Value: common.ToHex(s.Value)})
}

func (s *Signal) UnmarshalJSON(data []byte) error {
	var raw signalJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Name = raw.Name
	s.Value = new(big.Int)
	return common.FromHex(s.Value, raw.Value)
}

// WitnessBundle is the complete circuit input, split into the public signals
// that end up on chain and the private signals that never leave the prover.
type WitnessBundle struct {
	Public  []Signal `json:"public"`
	Private []Signal `json:"private"`
}

// BuildWitness lays out the circuit inputs. threshold is on the 300-900
// display scale; the bundle carries it scaled by 1000.
func BuildWitness(
	features score.FixedFeatures,
	address ethcommon.Address,
	nonce *big.Int,
	timestamp uint64,
	version uint64,
	threshold uint64,
	scores score.ScoreBreakdown,
	nullifierValue *big.Int,
) (*WitnessBundle, error) {
	if threshold < MinThreshold || threshold > MaxThreshold {
		return nil, common.Errorf(common.SchemaMismatch, "threshold %d outside [%d, %d]", threshold, MinThreshold, MaxThreshold)
	}
	if nonce == nil || nullifierValue == nil {
		return nil, common.Errorf(common.SchemaMismatch, "nonce and nullifier are required")
	}
	if version > math.MaxUint32 {
		return nil, common.Errorf(common.SchemaMismatch, "circuit version %d exceeds %d", version, uint64(math.MaxUint32))
	}

	public := []*big.Int{
		nullifier.AddressToField(address),
		big.NewInt(scores.Repayment),
		big.NewInt(scores.Capital),
		big.NewInt(scores.Longevity),
		big.NewInt(scores.Activity),
		big.NewInt(scores.Protocol),
		big.NewInt(scores.Total),
		new(big.Int).SetUint64(threshold * uint64(score.Scale)),
		new(big.Int).SetUint64(timestamp),
		new(big.Int).Set(nullifierValue),
		new(big.Int).SetUint64(version),
	}
	bundle := &WitnessBundle{
		Public:  make([]Signal, len(public)),
		Private: make([]Signal, 0, NumPrivateSignals),
	}
	for i, v := range public {
		bundle.Public[i] = Signal{Name: PublicSignalNames[i], Value: v}
	}
	for _, nv := range features.Ordered() {
		bundle.Private = append(bundle.Private, Signal{Name: nv.Name, Value: big.NewInt(nv.Value)})
	}
	bundle.Private = append(bundle.Private, Signal{Name: "nonce", Value: new(big.Int).Set(nonce)})
	return bundle, nil
}

func checkSignals(kind string, got []Signal, want []string) error {
	if len(got) != len(want) {
		return common.Errorf(common.SchemaMismatch, "%s: expected %d signals, got %d", kind, len(want), len(got))
	}
	for i, s := range got {
		if s.Name != want[i] {
			return common.Errorf(common.SchemaMismatch, "%s[%d]: expected %q, got %q", kind, i, want[i], s.Name)
		}
		if s.Value == nil || s.Value.Sign() < 0 || !utils.CheckBigIntInField(s.Value) {
			return common.Errorf(common.SchemaMismatch, "%s[%d] %q is not a field element", kind, i, s.Name)
		}
	}
	return nil
}

// Validate checks the bundle against the circuit's signal schema.
func (w *WitnessBundle) Validate() error {
	if err := checkSignals("public", w.Public, PublicSignalNames); err != nil {
		return err
	}
	return checkSignals("private", w.Private, PrivateSignalNames())
}

// Assignment maps the bundle onto a full circuit assignment.
func (w *WitnessBundle) Assignment() (*CreditScoreCircuit, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	assignment := publicAssignment(w.PublicSignals())
	slots := assignment.Features.slots()
	for i := range slots {
		*slots[i] = w.Private[i].Value
	}
	assignment.Nonce = w.Private[len(slots)].Value
	return assignment, nil
}

func (w *WitnessBundle) PublicSignals() []*big.Int {
	out := make([]*big.Int, len(w.Public))
	for i, s := range w.Public {
		out[i] = s.Value
	}
	return out
}

func (w *WitnessBundle) Version() uint64 {
	if len(w.Public) <= SignalVersion || w.Public[SignalVersion].Value == nil {
		return 0
	}
	return w.Public[SignalVersion].Value.Uint64()
}

func publicAssignment(signals []*big.Int) *CreditScoreCircuit {
	return &CreditScoreCircuit{
		Address:        signals[SignalAddress],
		RepaymentScore: signals[SignalRepaymentScore],
		CapitalScore:   signals[SignalCapitalScore],
		LongevityScore: signals[SignalLongevityScore],
		ActivityScore:  signals[SignalActivityScore],
		ProtocolScore:  signals[SignalProtocolScore],
		TotalScore:     signals[SignalTotalScore],
		Threshold:      signals[SignalThreshold],
		Timestamp:      signals[SignalTimestamp],
		Nullifier:      signals[SignalNullifier],
		Version:        signals[SignalVersion],
	}
}

// PublicAssignment is the verifier-side assignment for a public signal vector.
func PublicAssignment(signals []*big.Int) (*CreditScoreCircuit, error) {
	if len(signals) != NumPublicSignals {
		return nil, common.Errorf(common.SchemaMismatch, "expected %d public signals, got %d", NumPublicSignals, len(signals))
	}
	for i, s := range signals {
		if s == nil || s.Sign() < 0 || !utils.CheckBigIntInField(s) {
			return nil, common.Errorf(common.SchemaMismatch, "public signal %d is not a field element", i)
		}
	}
	return publicAssignment(signals), nil
}
