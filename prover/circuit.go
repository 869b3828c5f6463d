package prover

import (
	"github.com/consensys/gnark/frontend"
	"github.com/reilabs/gnark-lean-extractor/v3/abstractor"

	"zkcredit/credit-prover/prover/common"
	"zkcredit/credit-prover/prover/score"
)

const (
	NumPublicSignals  = 11
	NumPrivateSignals = score.NumFeatures + 1

	AddressBits   = 160
	TimestampBits = 64
)

// FeatureInputs carries the fixed-point features in schema order. The field
// order here, score.FixedFeatures.Ordered and the witness schema must agree.
type FeatureInputs struct {
	CurrentBalance        frontend.Variable
	MaxBalance            frontend.Variable
	MinBalance            frontend.Variable
	AvgBalance            frontend.Variable
	BalanceVolatility     frontend.Variable
	BorrowCount           frontend.Variable
	RepayCount            frontend.Variable
	LiquidationCount      frontend.Variable
	DepositCount          frontend.Variable
	WithdrawCount         frontend.Variable
	TotalProtocolEvents   frontend.Variable
	UniqueProtocols       frontend.Variable
	TotalTransactions     frontend.Variable
	TransactionRegularity frontend.Variable
	AvgTxPerMonth         frontend.Variable
	BurstActivityRatio    frontend.Variable
	UniqueCounterparties  frontend.Variable
	WalletAgeDays         frontend.Variable
	ActiveDays            frontend.Variable
	TotalDays             frontend.Variable
	DaysSinceLastActivity frontend.Variable
	FailedTxRatio         frontend.Variable
	FailedTxCount         frontend.Variable
	LargeBalanceDrops     frontend.Variable
	ZeroBalancePeriods    frontend.Variable
	StablecoinRatio       frontend.Variable
	TotalVolume           frontend.Variable
	AvgTxValue            frontend.Variable
	GasSpent              frontend.Variable
	GovernanceVotes       frontend.Variable
}

func (f *FeatureInputs) slots() []*frontend.Variable {
	return []*frontend.Variable{
		&f.CurrentBalance, &f.MaxBalance, &f.MinBalance, &f.AvgBalance,
		&f.BalanceVolatility, &f.BorrowCount, &f.RepayCount, &f.LiquidationCount,
		&f.DepositCount, &f.WithdrawCount, &f.TotalProtocolEvents, &f.UniqueProtocols,
		&f.TotalTransactions, &f.TransactionRegularity, &f.AvgTxPerMonth, &f.BurstActivityRatio,
		&f.UniqueCounterparties, &f.WalletAgeDays, &f.ActiveDays, &f.TotalDays,
		&f.DaysSinceLastActivity, &f.FailedTxRatio, &f.FailedTxCount, &f.LargeBalanceDrops,
		&f.ZeroBalancePeriods, &f.StablecoinRatio, &f.TotalVolume, &f.AvgTxValue,
		&f.GasSpent, &f.GovernanceVotes,
	}
}

func FeatureInputsFromFixed(f score.FixedFeatures) FeatureInputs {
	var in FeatureInputs
	slots := in.slots()
	for i, nv := range f.Ordered() {
		*slots[i] = nv.Value
	}
	return in
}

// CreditScoreCircuit proves that the public sub-scores are the score engine's
// output on the private features, and that the nullifier binds the address,
// nonce, timestamp and version. Public fields are declared in signal order.
type CreditScoreCircuit struct {
	Address        frontend.Variable `gnark:",public"`
	RepaymentScore frontend.Variable `gnark:",public"`
	CapitalScore   frontend.Variable `gnark:",public"`
	LongevityScore frontend.Variable `gnark:",public"`
	ActivityScore  frontend.Variable `gnark:",public"`
	ProtocolScore  frontend.Variable `gnark:",public"`
	TotalScore     frontend.Variable `gnark:",public"`
	Threshold      frontend.Variable `gnark:",public"`
	Timestamp      frontend.Variable `gnark:",public"`
	Nullifier      frontend.Variable `gnark:",public"`
	Version        frontend.Variable `gnark:",public"`

	Features FeatureInputs `gnark:"features"`
	Nonce    frontend.Variable
}

func (circuit *CreditScoreCircuit) Define(api frontend.API) error {
	for _, f := range circuit.Features.slots() {
		abstractor.CallVoid(api, common.RangeCheck{In: *f, N: score.FeatureBits})
	}
	abstractor.CallVoid(api, common.RangeCheck{In: circuit.Address, N: AddressBits})
	abstractor.CallVoid(api, common.RangeCheck{In: circuit.Timestamp, N: TimestampBits})
	abstractor.CallVoid(api, common.RangeCheck{In: circuit.Version, N: TimestampBits})
	abstractor.CallVoid(api, common.AssertIsLess{A: circuit.Threshold, B: score.MaxTotal + 1, N: common.ComparisonBits})

	scores := abstractor.Call1(api, ScoreGadget{Features: circuit.Features})
	api.AssertIsEqual(scores[0], circuit.RepaymentScore)
	api.AssertIsEqual(scores[1], circuit.CapitalScore)
	api.AssertIsEqual(scores[2], circuit.LongevityScore)
	api.AssertIsEqual(scores[3], circuit.ActivityScore)
	api.AssertIsEqual(scores[4], circuit.ProtocolScore)
	api.AssertIsEqual(scores[5], circuit.TotalScore)

	nullifier := abstractor.Call(api, NullifierGadget{
		Address:   circuit.Address,
		Nonce:     circuit.Nonce,
		Timestamp: circuit.Timestamp,
		Version:   circuit.Version,
	})
	api.AssertIsEqual(nullifier, circuit.Nullifier)
	return nil
}
