package score

import "math"

// FeatureBits bounds every fixed-point feature; the circuit range-checks each
// private feature to this many bits.
const FeatureBits = 40

const MaxFeatureValue int64 = 1<<FeatureBits - 1

// FeatureVector is the raw behavioural summary of a wallet as delivered by the
// feature extraction service. Ratios are in [0, 1] (volatility may exceed 1).
type FeatureVector struct {
	CurrentBalance        float64 `json:"currentBalance"`
	MaxBalance            float64 `json:"maxBalance"`
	MinBalance            float64 `json:"minBalance"`
	AvgBalance            float64 `json:"avgBalance"`
	BalanceVolatility     float64 `json:"balanceVolatility"`
	BorrowCount           float64 `json:"borrowCount"`
	RepayCount            float64 `json:"repayCount"`
	LiquidationCount      float64 `json:"liquidationCount"`
	DepositCount          float64 `json:"depositCount"`
	WithdrawCount         float64 `json:"withdrawCount"`
	TotalProtocolEvents   float64 `json:"totalProtocolEvents"`
	UniqueProtocols       float64 `json:"uniqueProtocols"`
	TotalTransactions     float64 `json:"totalTransactions"`
	TransactionRegularity float64 `json:"transactionRegularity"`
	AvgTxPerMonth         float64 `json:"avgTxPerMonth"`
	BurstActivityRatio    float64 `json:"burstActivityRatio"`
	UniqueCounterparties  float64 `json:"uniqueCounterparties"`
	WalletAgeDays         float64 `json:"walletAgeDays"`
	ActiveDays            float64 `json:"activeDays"`
	TotalDays             float64 `json:"totalDays"`
	DaysSinceLastActivity float64 `json:"daysSinceLastActivity"`
	FailedTxRatio         float64 `json:"failedTxRatio"`
	FailedTxCount         float64 `json:"failedTxCount"`
	LargeBalanceDrops     float64 `json:"largeBalanceDrops"`
	ZeroBalancePeriods    float64 `json:"zeroBalancePeriods"`
	StablecoinRatio       float64 `json:"stablecoinRatio"`
	TotalVolume           float64 `json:"totalVolume"`
	AvgTxValue            float64 `json:"avgTxValue"`
	GasSpent              float64 `json:"gasSpent"`
	GovernanceVotes       float64 `json:"governanceVotes"`
}

// FixedFeatures is FeatureVector after fixed-point conversion. These are the
// values the circuit receives as private inputs.
type FixedFeatures struct {
	CurrentBalance        int64
	MaxBalance            int64
	MinBalance            int64
	AvgBalance            int64
	BalanceVolatility     int64
	BorrowCount           int64
	RepayCount            int64
	LiquidationCount      int64
	DepositCount          int64
	WithdrawCount         int64
	TotalProtocolEvents   int64
	UniqueProtocols       int64
	TotalTransactions     int64
	TransactionRegularity int64
	AvgTxPerMonth         int64
	BurstActivityRatio    int64
	UniqueCounterparties  int64
	WalletAgeDays         int64
	ActiveDays            int64
	TotalDays             int64
	DaysSinceLastActivity int64
	FailedTxRatio         int64
	FailedTxCount         int64
	LargeBalanceDrops     int64
	ZeroBalancePeriods    int64
	StablecoinRatio       int64
	TotalVolume           int64
	AvgTxValue            int64
	GasSpent              int64
	GovernanceVotes       int64
}

// ToFixed floors v*scale into [0, MaxFeatureValue]. NaN maps to 0.
func ToFixed(v float64, scale int64) int64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	x := math.Floor(v * float64(scale))
	if x >= float64(MaxFeatureValue) {
		return MaxFeatureValue
	}
	return int64(x)
}

func (f FeatureVector) Fixed() FixedFeatures {
	return FixedFeatures{
		CurrentBalance:        ToFixed(f.CurrentBalance, 1),
		MaxBalance:            ToFixed(f.MaxBalance, 1),
		MinBalance:            ToFixed(f.MinBalance, 1),
		AvgBalance:            ToFixed(f.AvgBalance, 1),
		BalanceVolatility:     ToFixed(f.BalanceVolatility, Scale),
		BorrowCount:           ToFixed(f.BorrowCount, 1),
		RepayCount:            ToFixed(f.RepayCount, 1),
		LiquidationCount:      ToFixed(f.LiquidationCount, 1),
		DepositCount:          ToFixed(f.DepositCount, 1),
		WithdrawCount:         ToFixed(f.WithdrawCount, 1),
		TotalProtocolEvents:   ToFixed(f.TotalProtocolEvents, 1),
		UniqueProtocols:       ToFixed(f.UniqueProtocols, 1),
		TotalTransactions:     ToFixed(f.TotalTransactions, 1),
		TransactionRegularity: ToFixed(f.TransactionRegularity, Scale),
		AvgTxPerMonth:         ToFixed(f.AvgTxPerMonth, 1),
		BurstActivityRatio:    ToFixed(f.BurstActivityRatio, Scale),
		UniqueCounterparties:  ToFixed(f.UniqueCounterparties, 1),
		WalletAgeDays:         ToFixed(f.WalletAgeDays, 1),
		ActiveDays:            ToFixed(f.ActiveDays, 1),
		TotalDays:             ToFixed(f.TotalDays, 1),
		DaysSinceLastActivity: ToFixed(f.DaysSinceLastActivity, 1),
		FailedTxRatio:         ToFixed(f.FailedTxRatio, Scale),
		FailedTxCount:         ToFixed(f.FailedTxCount, 1),
		LargeBalanceDrops:     ToFixed(f.LargeBalanceDrops, 1),
		ZeroBalancePeriods:    ToFixed(f.ZeroBalancePeriods, 1),
		StablecoinRatio:       ToFixed(f.StablecoinRatio, Scale),
		TotalVolume:           ToFixed(f.TotalVolume, 1),
		AvgTxValue:            ToFixed(f.AvgTxValue, 1),
		GasSpent:              ToFixed(f.GasSpent, 1),
		GovernanceVotes:       ToFixed(f.GovernanceVotes, 1),
	}
}

type NamedValue struct {
	Name  string
	Value int64
}

// Ordered returns the features in private-input order. The order is part of
// the witness schema and must match the circuit's FeatureInputs.
func (f FixedFeatures) Ordered() []NamedValue {
	return []NamedValue{
		{"currentBalance", f.CurrentBalance},
		{"maxBalance", f.MaxBalance},
		{"minBalance", f.MinBalance},
		{"avgBalance", f.AvgBalance},
		{"balanceVolatility", f.BalanceVolatility},
		{"borrowCount", f.BorrowCount},
		{"repayCount", f.RepayCount},
		{"liquidationCount", f.LiquidationCount},
		{"depositCount", f.DepositCount},
		{"withdrawCount", f.WithdrawCount},
		{"totalProtocolEvents", f.TotalProtocolEvents},
		{"uniqueProtocols", f.UniqueProtocols},
		{"totalTransactions", f.TotalTransactions},
		{"transactionRegularity", f.TransactionRegularity},
		{"avgTxPerMonth", f.AvgTxPerMonth},
		{"burstActivityRatio", f.BurstActivityRatio},
		{"uniqueCounterparties", f.UniqueCounterparties},
		{"walletAgeDays", f.WalletAgeDays},
		{"activeDays", f.ActiveDays},
		{"totalDays", f.TotalDays},
		{"daysSinceLastActivity", f.DaysSinceLastActivity},
		{"failedTxRatio", f.FailedTxRatio},
		{"failedTxCount", f.FailedTxCount},
		{"largeBalanceDrops", f.LargeBalanceDrops},
		{"zeroBalancePeriods", f.ZeroBalancePeriods},
		{"stablecoinRatio", f.StablecoinRatio},
		{"totalVolume", f.TotalVolume},
		{"avgTxValue", f.AvgTxValue},
		{"gasSpent", f.GasSpent},
		{"governanceVotes", f.GovernanceVotes},
	}
}

// FeatureNames lists the private feature inputs in schema order.
func FeatureNames() []string {
	ordered := FixedFeatures{}.Ordered()
	names := make([]string, len(ordered))
	for i, nv := range ordered {
		names[i] = nv.Name
	}
	return names
}

const NumFeatures = 30
