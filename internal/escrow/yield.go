package escrow

import "github.com/shopspring/decimal"

const yieldPrecision = 18

var (
	daysPerYear = decimal.NewFromInt(365)
	two         = decimal.NewFromInt(2)
)

// Yield is the simple pro-rata interest accrued over a lock period, split
// evenly between receiver and sender.
type Yield struct {
	Earned         decimal.Decimal
	ReceiverYield  decimal.Decimal
	SenderYield    decimal.Decimal
	ReceiverPayout decimal.Decimal
}

// CalculateYield computes principal × rate × days/365 rounded to 18 decimal
// places. The halves carry one more place so that they sum to Earned exactly.
func CalculateYield(principal decimal.Decimal, lockDays int, rate decimal.Decimal) Yield {
	earned := principal.Mul(rate).Mul(decimal.NewFromInt(int64(lockDays))).DivRound(daysPerYear, yieldPrecision)
	half := earned.DivRound(two, yieldPrecision+1)
	return Yield{
		Earned:         earned,
		ReceiverYield:  half,
		SenderYield:    half,
		ReceiverPayout: principal.Add(half),
	}
}
