// Package score derives the credit score from fixed-point wallet features.
//
// Every operation is integer arithmetic with truncating division at scale
// 1000, mirroring CreditScoreCircuit step for step. Changing a constant or a
// rounding step here without changing the circuit makes every proof fail.
package score

const (
	Scale     int64 = 1000
	MaxRatio  int64 = 1000
	BaseScore int64 = 300000
	MaxTotal  int64 = 900000

	// log10(base) * 1000
	LogBalanceBase int64 = 5000
	LogTxBase      int64 = 3000
	LogAgeBase     int64 = 2863

	RepaymentWeight    int64 = 150
	NoLiquidationBonus int64 = 60000

	CurrentBalanceWeight int64 = 90
	StabilityWeight      int64 = 60
	MaxBalanceWeight     int64 = 30

	WalletAgeWeight   int64 = 60
	ActiveRatioWeight int64 = 30

	TxCountWeight    int64 = 30
	RegularityWeight int64 = 30

	ProtocolEventMultiplier int64 = 10
	ProtocolEventWeight     int64 = 30
	BorrowMultiplier        int64 = 100
	BorrowWeight            int64 = 30

	LiquidationPenalty     int64 = 100000
	FailedTxThreshold      int64 = 50
	FailedTxPenaltyRate    int64 = 100
	VolatilityPenalty      int64 = 50000
	BalanceDropPenalty     int64 = 15000
	DormancyThresholdDays  int64 = 180
	DormancyPenaltyRate    int64 = 100
	ZeroBalanceThreshold   int64 = 5
	ZeroBalancePenaltyRate int64 = 10000
	BurstThreshold         int64 = 500
	BurstPenalty           int64 = 30000

	MaxRepayment int64 = 210000
	MaxCapital   int64 = 180000
	MaxLongevity int64 = 90000
	MaxActivity  int64 = 60000
	MaxProtocol  int64 = 60000
)

type ScoreBreakdown struct {
	Repayment int64 `json:"repayment"`
	Capital   int64 `json:"capital"`
	Longevity int64 `json:"longevity"`
	Activity  int64 `json:"activity"`
	Protocol  int64 `json:"protocol"`
	Total     int64 `json:"total"`
}

// Display is the total on the familiar 0-900 scale.
func (s ScoreBreakdown) Display() int64 {
	return s.Total / Scale
}

// Meets reports whether the total reaches an unscaled threshold (e.g. 700).
func (s ScoreBreakdown) Meets(threshold int64) bool {
	return s.Total >= threshold*Scale
}

type logBand struct {
	upper int64 // inclusive
	base  int64
	start int64
	width int64
}

var logBands = []logBand{
	{upper: 10, base: 0, start: 0, width: 10},
	{upper: 100, base: 1000, start: 10, width: 90},
	{upper: 1000, base: 2000, start: 100, width: 900},
	{upper: -1, base: 3000, start: 1000, width: 9000},
}

func bandFor(v int64) logBand {
	for _, b := range logBands {
		if b.upper < 0 || v <= b.upper {
			return b
		}
	}
	return logBands[len(logBands)-1]
}

// LogApprox approximates log10(v)*1000 piecewise linearly.
func LogApprox(v int64) int64 {
	if v < 0 {
		v = 0
	}
	b := bandFor(v)
	return b.base + (v-b.start)*Scale/b.width
}

// LogScale maps v onto [0, 1000] relative to log10(base)*1000.
func LogScale(v, logBase int64) int64 {
	return min64(LogApprox(v)*Scale/logBase, MaxRatio)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func Compute(features FeatureVector) ScoreBreakdown {
	return ComputeFixed(features.Fixed())
}

func ComputeFixed(f FixedFeatures) ScoreBreakdown {
	s := ScoreBreakdown{
		Repayment: repaymentScore(f),
		Capital:   capitalScore(f),
		Longevity: longevityScore(f),
		Activity:  activityScore(f),
		Protocol:  protocolScore(f),
	}
	positive := BaseScore + s.Repayment + s.Capital + s.Longevity + s.Activity + s.Protocol
	penalties := Penalties(f).Sum()
	if penalties >= positive {
		s.Total = 0
	} else {
		s.Total = min64(positive-penalties, MaxTotal)
	}
	return s
}

func repaymentScore(f FixedFeatures) int64 {
	if f.BorrowCount <= 0 {
		return 0
	}
	ratio := min64(f.RepayCount*Scale/f.BorrowCount, MaxRatio)
	score := ratio * RepaymentWeight
	if f.LiquidationCount == 0 {
		score += NoLiquidationBonus
	}
	return score
}

func capitalScore(f FixedFeatures) int64 {
	score := LogScale(f.CurrentBalance, LogBalanceBase) * CurrentBalanceWeight
	if f.BalanceVolatility < Scale {
		score += (Scale - f.BalanceVolatility) * StabilityWeight
	}
	score += LogScale(f.MaxBalance, LogBalanceBase) * MaxBalanceWeight
	return score
}

func activeRatio(f FixedFeatures) int64 {
	if f.TotalDays <= 0 {
		return 0
	}
	return min64(f.ActiveDays*Scale/f.TotalDays, MaxRatio)
}

func longevityScore(f FixedFeatures) int64 {
	return LogScale(f.WalletAgeDays, LogAgeBase)*WalletAgeWeight + activeRatio(f)*ActiveRatioWeight
}

func activityScore(f FixedFeatures) int64 {
	return LogScale(f.TotalTransactions, LogTxBase)*TxCountWeight +
		min64(f.TransactionRegularity, MaxRatio)*RegularityWeight
}

// The borrow term is deliberately not gated on BorrowCount > 0.
func protocolScore(f FixedFeatures) int64 {
	events := min64(f.TotalProtocolEvents*ProtocolEventMultiplier, MaxRatio)
	borrow := min64(f.BorrowCount*BorrowMultiplier, MaxRatio)
	return events*ProtocolEventWeight + borrow*BorrowWeight
}

type PenaltyBreakdown struct {
	Liquidation int64 `json:"liquidation"`
	FailedTx    int64 `json:"failedTx"`
	Volatility  int64 `json:"volatility"`
	BalanceDrop int64 `json:"balanceDrop"`
	Dormancy    int64 `json:"dormancy"`
	ZeroBalance int64 `json:"zeroBalance"`
	Burst       int64 `json:"burst"`
}

func (p PenaltyBreakdown) Sum() int64 {
	return p.Liquidation + p.FailedTx + p.Volatility + p.BalanceDrop + p.Dormancy + p.ZeroBalance + p.Burst
}

func Penalties(f FixedFeatures) PenaltyBreakdown {
	var p PenaltyBreakdown
	p.Liquidation = f.LiquidationCount * LiquidationPenalty
	if f.FailedTxRatio > FailedTxThreshold {
		p.FailedTx = (f.FailedTxRatio - FailedTxThreshold) * FailedTxPenaltyRate
	}
	if f.BalanceVolatility >= Scale {
		p.Volatility = VolatilityPenalty
	}
	p.BalanceDrop = f.LargeBalanceDrops * BalanceDropPenalty
	if f.DaysSinceLastActivity > DormancyThresholdDays {
		p.Dormancy = (f.DaysSinceLastActivity - DormancyThresholdDays) * DormancyPenaltyRate
	}
	if f.ZeroBalancePeriods > ZeroBalanceThreshold {
		p.ZeroBalance = (f.ZeroBalancePeriods - ZeroBalanceThreshold) * ZeroBalancePenaltyRate
	}
	if f.BurstActivityRatio > BurstThreshold {
		p.Burst = BurstPenalty
	}
	return p
}
