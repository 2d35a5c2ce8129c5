package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	ChannelERP      = "erp"
	ChannelShopmall = "shopmall"
	ChannelBazarly  = "bazarly"
	ChannelVendora  = "vendora"
)

const (
	PaymentTypeSettlement = "settlement"
	PaymentTypeRefund     = "refund"
	PaymentTypeAdjustment = "adjustment"
	PaymentTypeFee        = "fee"
)

// MarketplacePayment is an order settlement line as reported directly by a
// marketplace channel. It starts life with no relationship to any ERPOrder;
// the matcher establishes that later via OrderLink.
type MarketplacePayment struct {
	ID              int             `gorm:"primary_key" json:"id"`
	ExternalId      string          `gorm:"uniqueIndex:idx_mp_payments_ext;size:128;not null" json:"external_id"`
	Channel         string          `gorm:"uniqueIndex:idx_mp_payments_ext;index;size:20;not null" json:"channel"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	IsExpense       bool            `gorm:"default:false" json:"is_expense"`
	IsRefund        bool            `gorm:"default:false" json:"is_refund"`
	IsAdjustment    bool            `gorm:"default:false" json:"is_adjustment"`
	TransactionType string          `gorm:"size:30" json:"transaction_type"`
	OccurredAt      *time.Time      `json:"occurred_at"`
	RawPayloadJSON  []byte          `gorm:"type:json" json:"raw_payload"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertMarketplacePayment creates or updates a settlement line keyed by
// (external_id, channel). Idempotent like UpsertERPOrder.
func UpsertMarketplacePayment(ctx context.Context, db *gorm.DB, in MarketplacePayment) error {
	if in.ExternalId == "" {
		return errors.New("external id is required")
	}
	if in.Channel == "" {
		return errors.New("channel is required")
	}

	var existing MarketplacePayment
	err := db.WithContext(ctx).
		Where("external_id = ? AND channel = ?", in.ExternalId, in.Channel).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if createErr := db.WithContext(ctx).Create(&in).Error; createErr != nil {
			if isDuplicateKeyErr(createErr) {
				return UpsertMarketplacePayment(ctx, db, in)
			}
			return createErr
		}
		return nil
	}

	updates := map[string]interface{}{
		"amount":           in.Amount,
		"is_expense":       in.IsExpense,
		"is_refund":        in.IsRefund,
		"is_adjustment":    in.IsAdjustment,
		"transaction_type": in.TransactionType,
	}
	if in.OccurredAt != nil {
		updates["occurred_at"] = in.OccurredAt
	}
	if len(in.RawPayloadJSON) > 0 {
		updates["raw_payload_json"] = in.RawPayloadJSON
	}
	return db.WithContext(ctx).Model(&MarketplacePayment{}).
		Where("id = ?", existing.ID).
		Updates(updates).Error
}

// ListUnlinkedPayments returns settlement lines that have no OrderLink yet,
// oldest first so repeated linking passes see a deterministic order.
func ListUnlinkedPayments(ctx context.Context, db *gorm.DB, limit int) ([]MarketplacePayment, error) {
	var payments []MarketplacePayment
	q := db.WithContext(ctx).
		Joins("LEFT JOIN order_links ol ON ol.payment_external_id = marketplace_payments.external_id AND ol.channel = marketplace_payments.channel").
		Where("ol.id IS NULL").
		Order("marketplace_payments.id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ListPaymentsForERPOrder returns every settlement line linked to an ERP order.
func ListPaymentsForERPOrder(ctx context.Context, db *gorm.DB, erpOrderID int) ([]MarketplacePayment, error) {
	var payments []MarketplacePayment
	err := db.WithContext(ctx).
		Joins("JOIN order_links ol ON ol.payment_external_id = marketplace_payments.external_id AND ol.channel = marketplace_payments.channel").
		Where("ol.erp_order_id = ?", erpOrderID).
		Order("marketplace_payments.id ASC").
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}
