package prover

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash"
	"github.com/consensys/gnark/std/permutation/poseidon2"
	"github.com/reilabs/gnark-lean-extractor/v3/abstractor"

	"zkcredit/credit-prover/prover/common"
	"zkcredit/credit-prover/prover/nullifier"
	"zkcredit/credit-prover/prover/score"
)

func isLess(api frontend.API, a, b frontend.Variable) frontend.Variable {
	return abstractor.Call(api, common.IsLess{A: a, B: b, N: common.ComparisonBits})
}

func minOf(api frontend.API, a, b frontend.Variable) frontend.Variable {
	return abstractor.Call(api, common.Min{A: a, B: b})
}

func div(api frontend.API, n, d frontend.Variable) frontend.Variable {
	return abstractor.Call(api, common.Quotient{N: n, D: d})
}

// LogApproxGadget mirrors score.LogApprox. The band is selected first so that
// a single division by the band width remains.
type LogApproxGadget struct {
	In frontend.Variable
}

func (gadget LogApproxGadget) DefineGadget(api frontend.API) interface{} {
	le10 := isLess(api, gadget.In, 11)
	le100 := isLess(api, gadget.In, 101)
	le1000 := isLess(api, gadget.In, 1001)

	base := api.Select(le10, 0, api.Select(le100, 1000, api.Select(le1000, 2000, 3000)))
	start := api.Select(le10, 0, api.Select(le100, 10, api.Select(le1000, 100, 1000)))
	width := api.Select(le10, 10, api.Select(le100, 90, api.Select(le1000, 900, 9000)))

	offset := api.Mul(api.Sub(gadget.In, start), score.Scale)
	return api.Add(base, div(api, offset, width))
}

type LogScaleGadget struct {
	In      frontend.Variable
	LogBase int64
}

func (gadget LogScaleGadget) DefineGadget(api frontend.API) interface{} {
	approx := abstractor.Call(api, LogApproxGadget{In: gadget.In})
	return minOf(api, div(api, api.Mul(approx, score.Scale), gadget.LogBase), score.MaxRatio)
}

func logScale(api frontend.API, v frontend.Variable, logBase int64) frontend.Variable {
	return abstractor.Call(api, LogScaleGadget{In: v, LogBase: logBase})
}

// safeRatio is min(num*1000/den, 1000), or 0 when den is zero.
func safeRatio(api frontend.API, num, den frontend.Variable) (frontend.Variable, frontend.Variable) {
	denIsZero := api.IsZero(den)
	d := api.Select(denIsZero, 1, den)
	ratio := minOf(api, div(api, api.Mul(num, score.Scale), d), score.MaxRatio)
	return api.Select(denIsZero, 0, ratio), denIsZero
}

// ScoreGadget returns {repayment, capital, longevity, activity, protocol, total}
// exactly as score.ComputeFixed does.
type ScoreGadget struct {
	Features FeatureInputs
}

func (gadget ScoreGadget) DefineGadget(api frontend.API) interface{} {
	f := gadget.Features

	repayRatio, noBorrow := safeRatio(api, f.RepayCount, f.BorrowCount)
	bonus := api.Select(api.IsZero(f.LiquidationCount), score.NoLiquidationBonus, 0)
	repayment := api.Select(noBorrow, 0, api.Add(api.Mul(repayRatio, score.RepaymentWeight), bonus))

	stable := isLess(api, f.BalanceVolatility, score.Scale)
	capital := api.Add(
		api.Mul(logScale(api, f.CurrentBalance, score.LogBalanceBase), score.CurrentBalanceWeight),
		api.Select(stable, api.Mul(api.Sub(score.Scale, f.BalanceVolatility), score.StabilityWeight), 0),
		api.Mul(logScale(api, f.MaxBalance, score.LogBalanceBase), score.MaxBalanceWeight),
	)

	activeRatio, _ := safeRatio(api, f.ActiveDays, f.TotalDays)
	longevity := api.Add(
		api.Mul(logScale(api, f.WalletAgeDays, score.LogAgeBase), score.WalletAgeWeight),
		api.Mul(activeRatio, score.ActiveRatioWeight),
	)

	activity := api.Add(
		api.Mul(logScale(api, f.TotalTransactions, score.LogTxBase), score.TxCountWeight),
		api.Mul(minOf(api, f.TransactionRegularity, score.MaxRatio), score.RegularityWeight),
	)

	protocol := api.Add(
		api.Mul(minOf(api, api.Mul(f.TotalProtocolEvents, score.ProtocolEventMultiplier), score.MaxRatio), score.ProtocolEventWeight),
		api.Mul(minOf(api, api.Mul(f.BorrowCount, score.BorrowMultiplier), score.MaxRatio), score.BorrowWeight),
	)

	penalties := api.Add(
		api.Mul(f.LiquidationCount, score.LiquidationPenalty),
		api.Select(isLess(api, score.FailedTxThreshold, f.FailedTxRatio),
			api.Mul(api.Sub(f.FailedTxRatio, score.FailedTxThreshold), score.FailedTxPenaltyRate), 0),
		api.Select(stable, 0, score.VolatilityPenalty),
		api.Mul(f.LargeBalanceDrops, score.BalanceDropPenalty),
		api.Select(isLess(api, score.DormancyThresholdDays, f.DaysSinceLastActivity),
			api.Mul(api.Sub(f.DaysSinceLastActivity, score.DormancyThresholdDays), score.DormancyPenaltyRate), 0),
		api.Select(isLess(api, score.ZeroBalanceThreshold, f.ZeroBalancePeriods),
			api.Mul(api.Sub(f.ZeroBalancePeriods, score.ZeroBalanceThreshold), score.ZeroBalancePenaltyRate), 0),
		api.Select(isLess(api, score.BurstThreshold, f.BurstActivityRatio), score.BurstPenalty, 0),
	)

	positive := api.Add(score.BaseScore, repayment, capital, longevity, activity, protocol)
	// Clamp at zero before minOf so its operands stay in range.
	underwater := api.Sub(1, isLess(api, penalties, positive))
	net := api.Select(underwater, 0, api.Sub(positive, penalties))
	total := minOf(api, net, score.MaxTotal)

	return []frontend.Variable{repayment, capital, longevity, activity, protocol, total}
}

// NullifierGadget is nullifier.Derive in-circuit.
type NullifierGadget struct {
	Address   frontend.Variable
	Nonce     frontend.Variable
	Timestamp frontend.Variable
	Version   frontend.Variable
}

func (gadget NullifierGadget) DefineGadget(api frontend.API) interface{} {
	p, err := poseidon2.NewPoseidon2FromParameters(api, nullifier.Width, nullifier.FullRounds, nullifier.PartialRounds)
	if err != nil {
		panic(err)
	}
	h := hash.NewMerkleDamgardHasher(api, p, 0)
	h.Write(gadget.Address, gadget.Nonce, gadget.Timestamp, gadget.Version)
	return h.Sum()
}
