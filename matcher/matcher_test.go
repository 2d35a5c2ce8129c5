package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vicastello/orderhub_backend/models"
)

// fakeStore is an in-memory Store implementation with the same link
// confidence gating as the database-backed one.
type fakeStore struct {
	orders []models.ERPOrder
	links  map[string]*models.OrderLink // keyed by externalID + "/" + channel
}

func newFakeStore(orders ...models.ERPOrder) *fakeStore {
	return &fakeStore{orders: orders, links: map[string]*models.OrderLink{}}
}

func (f *fakeStore) FindOrdersByMarketplaceOrderNo(_ context.Context, orderNo string) ([]models.ERPOrder, error) {
	var out []models.ERPOrder
	for _, o := range f.orders {
		if o.MarketplaceOrderNo != nil && *o.MarketplaceOrderNo == orderNo {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) FindOrdersByNormalizedOrderNo(_ context.Context, channel, normalized string) ([]models.ERPOrder, error) {
	var out []models.ERPOrder
	for _, o := range f.orders {
		if o.Channel != channel || o.MarketplaceOrderNo == nil {
			continue
		}
		if Normalize(channel, *o.MarketplaceOrderNo) == normalized {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) GetLinkByPayment(_ context.Context, paymentExternalID, channel string) (*models.OrderLink, error) {
	return f.links[paymentExternalID+"/"+channel], nil
}

func (f *fakeStore) WriteLink(_ context.Context, erpOrderID int, paymentExternalID, channel, confidence string) (bool, error) {
	key := paymentExternalID + "/" + channel
	if existing, ok := f.links[key]; ok {
		if models.LinkConfidenceRank(confidence) <= models.LinkConfidenceRank(existing.Confidence) {
			return false, nil
		}
	}
	f.links[key] = &models.OrderLink{
		ErpOrderId:        erpOrderID,
		PaymentExternalId: paymentExternalID,
		Channel:           channel,
		Confidence:        confidence,
		MatchedAt:         time.Now().UTC(),
	}
	return true, nil
}

func strPtr(s string) *string { return &s }

func TestMatchPayment_ExactStage(t *testing.T) {
	store := newFakeStore(
		models.ERPOrder{ID: 1, Channel: "shopmall", MarketplaceOrderNo: strPtr("123456789012")},
		models.ERPOrder{ID: 2, Channel: "bazarly", MarketplaceOrderNo: strPtr("BZ-ABC12345")},
	)
	outcome, err := MatchPayment(context.Background(), store, models.MarketplacePayment{
		ExternalId: "123456789012", Channel: "shopmall",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Stage != StageExact || outcome.ErpOrderId != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.Confidence != models.LinkConfidenceExact {
		t.Fatalf("exact stage must link at exact confidence, got %s", outcome.Confidence)
	}
}

func TestMatchPayment_StructuralStage(t *testing.T) {
	// Stored without the bazarly prefix and lowercased, so verbatim equality
	// fails and only the normalized comparison can find it.
	store := newFakeStore(
		models.ERPOrder{ID: 5, Channel: "bazarly", MarketplaceOrderNo: strPtr("abc12345")},
	)
	outcome, err := MatchPayment(context.Background(), store, models.MarketplacePayment{
		ExternalId: "BZ-ABC12345", Channel: "bazarly",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Stage != StageStructural || outcome.ErpOrderId != 5 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestMatchPayment_AmbiguousNeverGuesses(t *testing.T) {
	store := newFakeStore(
		models.ERPOrder{ID: 1, Channel: "shopmall", MarketplaceOrderNo: strPtr("123456789012")},
		models.ERPOrder{ID: 2, Channel: "shopmall", MarketplaceOrderNo: strPtr("123456789012")},
	)
	_, err := MatchPayment(context.Background(), store, models.MarketplacePayment{
		ExternalId: "123456789012", Channel: "shopmall",
	})
	var amb *AmbiguousMatchError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguousMatchError, got %v", err)
	}
	if amb.Stage != StageExact || len(amb.CandidateOrderIds) != 2 {
		t.Fatalf("unexpected ambiguity details: %+v", amb)
	}
}

func TestMatchPayment_DerivedInheritsBaseLink(t *testing.T) {
	store := newFakeStore()
	store.links["X123/shopmall"] = &models.OrderLink{
		ErpOrderId: 42, PaymentExternalId: "X123", Channel: "shopmall",
		Confidence: models.LinkConfidenceExact,
	}

	outcome, err := MatchPayment(context.Background(), store, models.MarketplacePayment{
		ExternalId: "X123_AJUSTE", Channel: "shopmall",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Stage != StageDerived || outcome.ErpOrderId != 42 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.Confidence != models.LinkConfidenceDerived {
		t.Fatalf("adjustment must inherit at derived confidence, got %s", outcome.Confidence)
	}
}

func TestMatchPayment_AdjustmentWithoutBaseLinkStaysUnresolved(t *testing.T) {
	outcome, err := MatchPayment(context.Background(), newFakeStore(), models.MarketplacePayment{
		ExternalId: "X123-ADJ", Channel: "shopmall",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Stage != StageUnresolved {
		t.Fatalf("expected unresolved, got %+v", outcome)
	}
}

func TestMatchPayment_Unresolved(t *testing.T) {
	outcome, err := MatchPayment(context.Background(), newFakeStore(), models.MarketplacePayment{
		ExternalId: "NO-SUCH-ORDER", Channel: "vendora",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Stage != StageUnresolved || outcome.ErpOrderId != 0 {
		t.Fatalf("expected unresolved, got %+v", outcome)
	}
}

func TestMatchPayment_Deterministic(t *testing.T) {
	store := newFakeStore(
		models.ERPOrder{ID: 1, Channel: "shopmall", MarketplaceOrderNo: strPtr("123456789012")},
		models.ERPOrder{ID: 2, Channel: "bazarly", MarketplaceOrderNo: strPtr("BZ-ABC12345")},
		models.ERPOrder{ID: 3, Channel: "vendora", MarketplaceOrderNo: strPtr("A1B2C3D4E5")},
	)
	payment := models.MarketplacePayment{ExternalId: "A1B2C3D4E5", Channel: "vendora"}

	first, err := MatchPayment(context.Background(), store, payment)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := MatchPayment(context.Background(), store, payment)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestWriteLink_ManualLinksAreSticky(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	applied, err := store.WriteLink(ctx, 7, "P-1", "shopmall", models.LinkConfidenceManual)
	if err != nil || !applied {
		t.Fatalf("manual link write failed: applied=%v err=%v", applied, err)
	}

	// An automatic match for the same payment must not displace the manual link.
	applied, err = store.WriteLink(ctx, 99, "P-1", "shopmall", models.LinkConfidenceExact)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("exact confidence must not replace a manual link")
	}
	link, _ := store.GetLinkByPayment(ctx, "P-1", "shopmall")
	if link.ErpOrderId != 7 || link.Confidence != models.LinkConfidenceManual {
		t.Fatalf("manual link was disturbed: %+v", link)
	}

	// Higher confidence replaces lower.
	applied, _ = store.WriteLink(ctx, 11, "P-2", "shopmall", models.LinkConfidenceDerived)
	if !applied {
		t.Fatal("first derived link must apply")
	}
	applied, _ = store.WriteLink(ctx, 12, "P-2", "shopmall", models.LinkConfidenceExact)
	if !applied {
		t.Fatal("exact must replace derived")
	}
	link, _ = store.GetLinkByPayment(ctx, "P-2", "shopmall")
	if link.ErpOrderId != 12 || link.Confidence != models.LinkConfidenceExact {
		t.Fatalf("derived link was not upgraded: %+v", link)
	}
}
