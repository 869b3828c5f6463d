package score

type Component struct {
	Group string `json:"group"`
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Explain lists every additive term and penalty behind ComputeFixed. Penalties
// carry negative values; the sum of all values plus BaseScore is the unclamped
// total.
func Explain(f FixedFeatures) []Component {
	var stability int64
	if f.BalanceVolatility < Scale {
		stability = (Scale - f.BalanceVolatility) * StabilityWeight
	}
	var repayRatio, bonus int64
	if f.BorrowCount > 0 {
		repayRatio = min64(f.RepayCount*Scale/f.BorrowCount, MaxRatio) * RepaymentWeight
		if f.LiquidationCount == 0 {
			bonus = NoLiquidationBonus
		}
	}
	p := Penalties(f)
	return []Component{
		{"repayment", "repayRatio", repayRatio},
		{"repayment", "noLiquidationBonus", bonus},
		{"capital", "currentBalance", LogScale(f.CurrentBalance, LogBalanceBase) * CurrentBalanceWeight},
		{"capital", "stability", stability},
		{"capital", "maxBalance", LogScale(f.MaxBalance, LogBalanceBase) * MaxBalanceWeight},
		{"longevity", "walletAge", LogScale(f.WalletAgeDays, LogAgeBase) * WalletAgeWeight},
		{"longevity", "activeRatio", activeRatio(f) * ActiveRatioWeight},
		{"activity", "txCount", LogScale(f.TotalTransactions, LogTxBase) * TxCountWeight},
		{"activity", "regularity", min64(f.TransactionRegularity, MaxRatio) * RegularityWeight},
		{"protocol", "events", min64(f.TotalProtocolEvents*ProtocolEventMultiplier, MaxRatio) * ProtocolEventWeight},
		{"protocol", "borrowEngagement", min64(f.BorrowCount*BorrowMultiplier, MaxRatio) * BorrowWeight},
		{"penalty", "liquidation", -p.Liquidation},
		{"penalty", "failedTx", -p.FailedTx},
		{"penalty", "volatility", -p.Volatility},
		{"penalty", "balanceDrop", -p.BalanceDrop},
		{"penalty", "dormancy", -p.Dormancy},
		{"penalty", "zeroBalance", -p.ZeroBalance},
		{"penalty", "burst", -p.Burst},
	}
}
