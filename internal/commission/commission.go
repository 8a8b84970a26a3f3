// Package commission computes the platform fee deducted from gross milestone
// amounts before net payout. The calculator is pure; rate and minimum come
// from configuration and are validated at startup.
package commission

// Calculator holds the platform fee parameters. RateBasisPoints is the fee
// in basis points (1/100 of a percent) of the gross amount.
type Calculator struct {
	RateBasisPoints int64
	Minimum         int64
}

// Compute returns the commission for a gross amount:
// max(gross*rate/10000, minimum), floor division on base units.
func (c Calculator) Compute(gross int64) int64 {
	fee := gross * c.RateBasisPoints / 10000
	if fee < c.Minimum {
		fee = c.Minimum
	}
	return fee
}

// Net returns the amount left for the recipient after commission. It never
// goes below zero even when the minimum commission exceeds the gross.
func (c Calculator) Net(gross int64) (net, fee int64) {
	fee = c.Compute(gross)
	if fee > gross {
		fee = gross
	}
	return gross - fee, fee
}
