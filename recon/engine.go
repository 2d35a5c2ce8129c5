// Package recon computes the financial reconciliation of a linked ERP order:
// expected net revenue from the channel fee rules, actual net from the linked
// settlement lines, and the signed difference between the two.
package recon

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vicastello/orderhub_backend/models"
)

// ErrFeeConfigMissing fails a reconciliation fast when a channel has neither
// an active fee rule set nor a manual override for the order.
var ErrFeeConfigMissing = errors.New("fee configuration missing")

// ErrNoLinkedPayments marks an order with no settlement lines to reconcile
// against. Reconciling anyway would report the full expected net as a
// discrepancy for every order that simply has not settled yet.
var ErrNoLinkedPayments = errors.New("no linked payments")

// DefaultTolerance is the discrepancy threshold used when none is configured.
var DefaultTolerance = decimal.NewFromFloat(0.01)

// Input is everything Reconcile depends on. The result is a pure function of
// this value: same input, same result, no hidden state.
type Input struct {
	Order     models.ERPOrder
	Payments  []models.MarketplacePayment
	FeeConfig *models.ChannelFeeConfig
	Override  *models.FeeOverride
	Tolerance decimal.Decimal
}

// Reconcile computes expected vs. actual net for one order.
//
// Expected = gross − fees. Fees come from the manual override when one exists,
// otherwise from the channel rule set (base commission, replaced by the
// highest tier whose threshold the gross reaches).
//
// Actual = signed sum over settlement lines: each contributes abs(amount),
// negated when is_expense is set. The sign is normalized from the flag BEFORE
// aggregation, independent of how the raw amount was stored, so an upstream
// that stores expenses as already-negative amounts cannot double-negate.
//
// A difference beyond the tolerance raises the discrepancy flag; that is data
// for review, never an error.
func Reconcile(in Input) (models.ReconciliationResult, error) {
	if len(in.Payments) == 0 {
		return models.ReconciliationResult{}, ErrNoLinkedPayments
	}

	tolerance := in.Tolerance
	if tolerance.IsZero() {
		tolerance = DefaultTolerance
	}

	fee, overrideApplied, err := feeFor(in)
	if err != nil {
		return models.ReconciliationResult{}, err
	}
	expected := in.Order.GrossAmount.Sub(fee)

	actual := decimal.Zero
	for _, p := range in.Payments {
		contribution := p.Amount.Abs()
		if p.IsExpense {
			contribution = contribution.Neg()
		}
		actual = actual.Add(contribution)
	}

	difference := actual.Sub(expected)

	return models.ReconciliationResult{
		ErpOrderId:      in.Order.ID,
		ExpectedNet:     expected,
		ActualNet:       actual,
		Difference:      difference,
		FeeTotal:        fee,
		OverrideApplied: overrideApplied,
		Discrepancy:     difference.Abs().GreaterThan(tolerance),
		PaymentCount:    len(in.Payments),
		ComputedAt:      time.Now().UTC(),
	}, nil
}

func feeFor(in Input) (decimal.Decimal, bool, error) {
	if in.Override != nil {
		return in.Override.Amount, true, nil
	}
	if in.FeeConfig == nil {
		return decimal.Zero, false, ErrFeeConfigMissing
	}

	rate := in.FeeConfig.BaseRate
	tiers := in.FeeConfig.Tiers()
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Threshold.LessThan(tiers[j].Threshold) })
	for _, tier := range tiers {
		if in.Order.GrossAmount.GreaterThanOrEqual(tier.Threshold) {
			rate = tier.Rate
		}
	}
	return in.Order.GrossAmount.Mul(rate).Round(4), false, nil
}
