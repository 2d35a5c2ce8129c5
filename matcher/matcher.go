package matcher

import (
	"context"
	"fmt"

	"github.com/vicastello/orderhub_backend/models"
)

// Store is the persistence surface matching depends on. The production
// implementation is gorm-backed; tests substitute an in-memory fake.
type Store interface {
	// FindOrdersByMarketplaceOrderNo returns orders whose marketplace order
	// number equals the identifier verbatim.
	FindOrdersByMarketplaceOrderNo(ctx context.Context, orderNo string) ([]models.ERPOrder, error)
	// FindOrdersByNormalizedOrderNo returns orders of one channel whose
	// normalized marketplace order number equals the normalized identifier.
	FindOrdersByNormalizedOrderNo(ctx context.Context, channel, normalized string) ([]models.ERPOrder, error)
	// GetLinkByPayment returns the existing link for a payment, or nil.
	GetLinkByPayment(ctx context.Context, paymentExternalID, channel string) (*models.OrderLink, error)
	// WriteLink persists a link with confidence gating and reports whether
	// the write was applied.
	WriteLink(ctx context.Context, erpOrderID int, paymentExternalID, channel, confidence string) (bool, error)
}

// AmbiguousMatchError reports that a stage produced more than one equally
// confident candidate. The payment is left unresolved; guessing between
// candidates would silently misattribute money.
type AmbiguousMatchError struct {
	PaymentExternalId string
	Channel           string
	Stage             string
	CandidateOrderIds []int
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("ambiguous match for payment %s/%s at stage %s: %d candidates",
		e.Channel, e.PaymentExternalId, e.Stage, len(e.CandidateOrderIds))
}

// Outcome stages, in the order they are attempted.
const (
	StageExact      = "exact"
	StageStructural = "structural"
	StageDerived    = "derived"
	StageUnresolved = "unresolved"
)

// Outcome is the result of matching one payment. ErpOrderId is zero unless a
// unique match was found.
type Outcome struct {
	Stage      string
	ErpOrderId int
	Confidence string
}

// MatchPayment runs the matching stages for one settlement line, short
// circuiting at the first stage that yields a unique candidate. It returns an
// AmbiguousMatchError when a stage finds several equally plausible orders;
// a clean "no match anywhere" is the StageUnresolved outcome, not an error.
func MatchPayment(ctx context.Context, store Store, payment models.MarketplacePayment) (Outcome, error) {
	// Stage 1: the marketplace order number stored on the ERP side equals the
	// settlement identifier verbatim.
	orders, err := store.FindOrdersByMarketplaceOrderNo(ctx, payment.ExternalId)
	if err != nil {
		return Outcome{}, err
	}
	if len(orders) == 1 {
		return Outcome{Stage: StageExact, ErpOrderId: orders[0].ID, Confidence: models.LinkConfidenceExact}, nil
	}
	if len(orders) > 1 {
		return Outcome{}, ambiguous(payment, StageExact, orders)
	}

	// Stage 2: infer the channel from the identifier's shape, then compare in
	// that channel's normalized form.
	if cls := Classify(payment.ExternalId); cls.Known {
		normalized := Normalize(cls.Channel, payment.ExternalId)
		orders, err = store.FindOrdersByNormalizedOrderNo(ctx, cls.Channel, normalized)
		if err != nil {
			return Outcome{}, err
		}
		if len(orders) == 1 {
			return Outcome{Stage: StageStructural, ErpOrderId: orders[0].ID, Confidence: models.LinkConfidenceExact}, nil
		}
		if len(orders) > 1 {
			return Outcome{}, ambiguous(payment, StageStructural, orders)
		}
	}

	// Stage 3: an adjustment to an already-linked base settlement inherits the
	// base link at derived confidence.
	if base, isAdjustment := BaseExternalID(payment.ExternalId); isAdjustment || payment.IsAdjustment {
		if base != payment.ExternalId {
			link, err := store.GetLinkByPayment(ctx, base, payment.Channel)
			if err != nil {
				return Outcome{}, err
			}
			if link != nil {
				return Outcome{Stage: StageDerived, ErpOrderId: link.ErpOrderId, Confidence: models.LinkConfidenceDerived}, nil
			}
		}
	}

	return Outcome{Stage: StageUnresolved}, nil
}

func ambiguous(payment models.MarketplacePayment, stage string, orders []models.ERPOrder) error {
	ids := make([]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	return &AmbiguousMatchError{
		PaymentExternalId: payment.ExternalId,
		Channel:           payment.Channel,
		Stage:             stage,
		CandidateOrderIds: ids,
	}
}
