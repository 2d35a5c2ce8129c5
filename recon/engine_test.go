package recon

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/vicastello/orderhub_backend/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func payment(amount string, isExpense bool) models.MarketplacePayment {
	return models.MarketplacePayment{Amount: dec(amount), IsExpense: isExpense}
}

func flatFeeConfig(rate string) *models.ChannelFeeConfig {
	return &models.ChannelFeeConfig{Channel: models.ChannelShopmall, Version: 1, BaseRate: dec(rate), Active: true}
}

func tieredFeeConfig(base string, tiers []models.FeeTier) *models.ChannelFeeConfig {
	raw, err := json.Marshal(tiers)
	if err != nil {
		panic(err)
	}
	return &models.ChannelFeeConfig{Channel: models.ChannelShopmall, Version: 2, BaseRate: dec(base), TiersJSON: raw, Active: true}
}

func TestReconcile_SignNormalizedFromExpenseFlag(t *testing.T) {
	cases := []struct {
		name     string
		payments []models.MarketplacePayment
		expected string
	}{
		{
			name:     "income plus expense",
			payments: []models.MarketplacePayment{payment("100", false), payment("30", true)},
			expected: "70",
		},
		{
			name: "expense stored negative must not double negate",
			payments: []models.MarketplacePayment{
				payment("100", false),
				payment("-30", true),
			},
			expected: "70",
		},
		{
			name: "income stored negative is still income",
			payments: []models.MarketplacePayment{
				payment("-100", false),
				payment("30", true),
			},
			expected: "70",
		},
		{
			name: "refund as expense subtracts",
			payments: []models.MarketplacePayment{
				payment("250.50", false),
				payment("250.50", true),
			},
			expected: "0",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Reconcile(Input{
				Order:     models.ERPOrder{ID: 1, GrossAmount: dec("100")},
				Payments:  tc.payments,
				FeeConfig: flatFeeConfig("0"),
			})
			if err != nil {
				t.Fatal(err)
			}
			if !result.ActualNet.Equal(dec(tc.expected)) {
				t.Fatalf("actual net = %s, expected %s", result.ActualNet, tc.expected)
			}
			if result.PaymentCount != len(tc.payments) {
				t.Fatalf("payment count = %d, expected %d", result.PaymentCount, len(tc.payments))
			}
		})
	}
}

func TestReconcile_DiscrepancyFlag(t *testing.T) {
	// Gross 120, zero fee, so expected net is 120. One settlement of 115.
	result, err := Reconcile(Input{
		Order:     models.ERPOrder{ID: 7, GrossAmount: dec("120.00")},
		Payments:  []models.MarketplacePayment{payment("115.00", false)},
		FeeConfig: flatFeeConfig("0"),
		Tolerance: dec("0.01"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Difference.Equal(dec("-5.00")) {
		t.Fatalf("difference = %s, expected -5.00", result.Difference)
	}
	if !result.Discrepancy {
		t.Fatal("difference of -5.00 with tolerance 0.01 must be flagged")
	}
}

func TestReconcile_WithinToleranceNotFlagged(t *testing.T) {
	cases := []struct {
		name        string
		actual      string
		tolerance   string
		discrepancy bool
	}{
		{"exact match", "120.00", "0.01", false},
		{"penny off is within tolerance", "119.99", "0.01", false},
		{"two cents off is flagged", "119.98", "0.01", true},
		{"wide tolerance absorbs more", "119.50", "1.00", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Reconcile(Input{
				Order:     models.ERPOrder{ID: 7, GrossAmount: dec("120.00")},
				Payments:  []models.MarketplacePayment{payment(tc.actual, false)},
				FeeConfig: flatFeeConfig("0"),
				Tolerance: dec(tc.tolerance),
			})
			if err != nil {
				t.Fatal(err)
			}
			if result.Discrepancy != tc.discrepancy {
				t.Fatalf("discrepancy = %v, expected %v (difference %s)", result.Discrepancy, tc.discrepancy, result.Difference)
			}
		})
	}
}

func TestReconcile_FeeTiers(t *testing.T) {
	// Base 10%, 5% at 500, 3% at 2000. Tiers deliberately listed out of order.
	cfg := tieredFeeConfig("0.10", []models.FeeTier{
		{Threshold: dec("2000"), Rate: dec("0.03")},
		{Threshold: dec("500"), Rate: dec("0.05")},
	})

	cases := []struct {
		name  string
		gross string
		fee   string
	}{
		{"below first tier uses base", "100", "10"},
		{"at tier threshold uses tier", "500", "25"},
		{"between tiers uses first tier", "1999.99", "99.9995"},
		{"highest reached tier wins", "3000", "90"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Reconcile(Input{
				Order:     models.ERPOrder{ID: 3, GrossAmount: dec(tc.gross)},
				Payments:  []models.MarketplacePayment{payment(tc.gross, false)},
				FeeConfig: cfg,
			})
			if err != nil {
				t.Fatal(err)
			}
			if !result.FeeTotal.Equal(dec(tc.fee)) {
				t.Fatalf("fee = %s, expected %s", result.FeeTotal, tc.fee)
			}
			expected := dec(tc.gross).Sub(dec(tc.fee))
			if !result.ExpectedNet.Equal(expected) {
				t.Fatalf("expected net = %s, expected %s", result.ExpectedNet, expected)
			}
			if result.OverrideApplied {
				t.Fatal("no override was supplied")
			}
		})
	}
}

func TestReconcile_OverrideWinsOverConfig(t *testing.T) {
	result, err := Reconcile(Input{
		Order:     models.ERPOrder{ID: 9, GrossAmount: dec("1000")},
		Payments:  []models.MarketplacePayment{payment("987.66", false)},
		FeeConfig: flatFeeConfig("0.10"),
		Override:  &models.FeeOverride{ErpOrderId: 9, Amount: dec("12.34")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.FeeTotal.Equal(dec("12.34")) {
		t.Fatalf("fee = %s, expected override amount 12.34", result.FeeTotal)
	}
	if !result.OverrideApplied {
		t.Fatal("override applied flag must be set")
	}
	if !result.ExpectedNet.Equal(dec("987.66")) {
		t.Fatalf("expected net = %s, expected 987.66", result.ExpectedNet)
	}
}

func TestReconcile_OverrideWorksWithoutConfig(t *testing.T) {
	result, err := Reconcile(Input{
		Order:    models.ERPOrder{ID: 9, GrossAmount: dec("100")},
		Payments: []models.MarketplacePayment{payment("95", false)},
		Override: &models.FeeOverride{ErpOrderId: 9, Amount: dec("5")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.ExpectedNet.Equal(dec("95")) {
		t.Fatalf("expected net = %s, expected 95", result.ExpectedNet)
	}
}

func TestReconcile_FeeConfigMissing(t *testing.T) {
	_, err := Reconcile(Input{
		Order:    models.ERPOrder{ID: 2, GrossAmount: dec("100")},
		Payments: []models.MarketplacePayment{payment("100", false)},
	})
	if !errors.Is(err, ErrFeeConfigMissing) {
		t.Fatalf("expected ErrFeeConfigMissing, got %v", err)
	}
}

func TestReconcile_NoLinkedPaymentsIsNotReconciled(t *testing.T) {
	// A freshly synced order with nothing settled against it must not produce
	// a result at all; otherwise every unsettled order shows up as a
	// discrepancy of its full expected net.
	_, err := Reconcile(Input{
		Order:     models.ERPOrder{ID: 4, GrossAmount: dec("100")},
		FeeConfig: flatFeeConfig("0.10"),
	})
	if !errors.Is(err, ErrNoLinkedPayments) {
		t.Fatalf("expected ErrNoLinkedPayments, got %v", err)
	}
}

func TestReconcile_Deterministic(t *testing.T) {
	in := Input{
		Order: models.ERPOrder{ID: 5, GrossAmount: dec("800.25")},
		Payments: []models.MarketplacePayment{
			payment("800.25", false),
			payment("40.01", true),
			payment("-2.50", true),
		},
		FeeConfig: tieredFeeConfig("0.08", []models.FeeTier{{Threshold: dec("500"), Rate: dec("0.06")}}),
	}

	first, err := Reconcile(in)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := Reconcile(in)
		if err != nil {
			t.Fatal(err)
		}
		if !again.ExpectedNet.Equal(first.ExpectedNet) ||
			!again.ActualNet.Equal(first.ActualNet) ||
			!again.Difference.Equal(first.Difference) ||
			again.Discrepancy != first.Discrepancy {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}
