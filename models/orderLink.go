package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Link confidence, ordered by trust. A link write only ever replaces a
// strictly lower confidence link; manual links stay until explicitly cleared.
const (
	LinkConfidenceDerived = "derived"
	LinkConfidenceExact   = "exact"
	LinkConfidenceManual  = "manual"
)

var linkConfidenceRank = map[string]int{
	LinkConfidenceDerived: 1,
	LinkConfidenceExact:   2,
	LinkConfidenceManual:  3,
}

// OrderLink joins one ERPOrder to one marketplace settlement line. A payment
// links to at most one ERP order; an ERP order may carry many payments (base
// settlement plus later adjustments).
type OrderLink struct {
	ID                int       `gorm:"primary_key" json:"id"`
	ErpOrderId        int       `gorm:"index;not null" json:"erp_order_id"`
	PaymentExternalId string    `gorm:"uniqueIndex:idx_order_links_payment,priority:1;size:128;not null" json:"payment_external_id"`
	Channel           string    `gorm:"uniqueIndex:idx_order_links_payment,priority:2;size:20;not null" json:"channel"`
	Confidence        string    `gorm:"size:10;not null" json:"confidence"`
	MatchedAt         time.Time `gorm:"not null" json:"matched_at"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func LinkConfidenceRank(confidence string) int {
	return linkConfidenceRank[confidence]
}

// WriteOrderLink establishes a link with confidence gating. The write is
// applied when no link exists for the payment, or atomically replaces an
// existing link of strictly lower confidence. It reports whether the link was
// applied; a concurrent higher-or-equal confidence write wins and leaves this
// one a no-op, so a manual correction and an automatic match can never
// clobber each other.
func WriteOrderLink(ctx context.Context, db *gorm.DB, erpOrderID int, paymentExternalID, channel, confidence string) (bool, error) {
	rank, ok := linkConfidenceRank[confidence]
	if !ok {
		return false, errors.New("unknown link confidence: " + confidence)
	}

	link := OrderLink{
		ErpOrderId:        erpOrderID,
		PaymentExternalId: paymentExternalID,
		Channel:           channel,
		Confidence:        confidence,
		MatchedAt:         time.Now().UTC(),
	}
	err := db.WithContext(ctx).Create(&link).Error
	if err == nil {
		return true, nil
	}
	if !isDuplicateKeyErr(err) {
		return false, err
	}

	var lower []string
	for c, r := range linkConfidenceRank {
		if r < rank {
			lower = append(lower, c)
		}
	}
	if len(lower) == 0 {
		// Derived can never replace anything.
		return false, nil
	}

	res := db.WithContext(ctx).Model(&OrderLink{}).
		Where("payment_external_id = ? AND channel = ? AND confidence IN ?", paymentExternalID, channel, lower).
		Updates(map[string]interface{}{
			"erp_order_id": erpOrderID,
			"confidence":   confidence,
			"matched_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClearOrderLink removes a link explicitly (operator action). Required before
// auto-linking can replace a manual link.
func ClearOrderLink(ctx context.Context, db *gorm.DB, paymentExternalID, channel string) error {
	return db.WithContext(ctx).
		Where("payment_external_id = ? AND channel = ?", paymentExternalID, channel).
		Delete(&OrderLink{}).Error
}

// GetOrderLink returns the link for a payment, or nil when unlinked.
func GetOrderLink(ctx context.Context, db *gorm.DB, paymentExternalID, channel string) (*OrderLink, error) {
	var link OrderLink
	err := db.WithContext(ctx).
		Where("payment_external_id = ? AND channel = ?", paymentExternalID, channel).
		Take(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &link, nil
}
