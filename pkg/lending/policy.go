package lending

import (
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// Policy holds the lending rules. DefaultPolicy is the reference policy.
type Policy struct {
	BorrowFee      decimal.Decimal
	MaxActiveLoans int
	LoanPeriod     time.Duration
	LateFeePerDay  decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		BorrowFee:      decimal.NewFromInt(3),
		MaxActiveLoans: 3,
		LoanPeriod:     14 * day,
		LateFeePerDay:  decimal.RequireFromString("0.2"),
	}
}

// DueDate is the end of the free borrowing period.
func (p Policy) DueDate(borrowed time.Time) time.Time {
	return borrowed.Add(p.LoanPeriod)
}

// LateFee charges LateFeePerDay for every day, fractions included, past the
// borrowing period. Unlike the exact max(0, days-14) × 0.2 rate, the result is
// rounded to cents (half away from zero) because balances are stored with two
// decimals: one hour late costs 0.01, not 0.0083.
func (p Policy) LateFee(borrowed, returned time.Time) decimal.Decimal {
	lateDays := inDays(returned.Sub(borrowed)).Sub(inDays(p.LoanPeriod))
	if !lateDays.IsPositive() {
		return decimal.Zero
	}
	return lateDays.Mul(p.LateFeePerDay).Round(2)
}

func inDays(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d)).Div(decimal.NewFromInt(int64(day)))
}
