package score

// GoldenFeatures is the reference wallet pinned by the golden score test and
// the circuit agreement tests.
func GoldenFeatures() FeatureVector {
	return FeatureVector{
		CurrentBalance:        5000,
		MaxBalance:            8000,
		MinBalance:            1200,
		AvgBalance:            4100,
		BalanceVolatility:     0.1,
		BorrowCount:           10,
		RepayCount:            10,
		LiquidationCount:      0,
		DepositCount:          14,
		WithdrawCount:         9,
		TotalProtocolEvents:   20,
		UniqueProtocols:       4,
		TotalTransactions:     500,
		TransactionRegularity: 0.8,
		AvgTxPerMonth:         37,
		BurstActivityRatio:    0.1,
		UniqueCounterparties:  61,
		WalletAgeDays:         400,
		ActiveDays:            300,
		TotalDays:             400,
		DaysSinceLastActivity: 3,
		FailedTxRatio:         0.02,
		FailedTxCount:         10,
		LargeBalanceDrops:     0,
		ZeroBalancePeriods:    0,
		StablecoinRatio:       0.35,
		TotalVolume:           250000,
		AvgTxValue:            500,
		GasSpent:              2,
		GovernanceVotes:       1,
	}
}

// GoldenBreakdown is ComputeFixed(GoldenFeatures().Fixed()).
func GoldenBreakdown() ScoreBreakdown {
	return ScoreBreakdown{
		Repayment: 210000,
		Capital:   138570,
		Longevity: 71340,
		Activity:  48420,
		Protocol:  36000,
		Total:     804330,
	}
}

// ThresholdFeatures scores exactly 720000: full repayment, protocol, activity
// and longevity, stability only for capital, and six excess zero-balance
// periods (60000 penalty).
func ThresholdFeatures() FeatureVector {
	return FeatureVector{
		BorrowCount:           10,
		RepayCount:            10,
		TotalProtocolEvents:   100,
		TotalTransactions:     1000,
		TransactionRegularity: 1,
		WalletAgeDays:         900,
		ActiveDays:            900,
		TotalDays:             900,
		ZeroBalancePeriods:    11,
	}
}
