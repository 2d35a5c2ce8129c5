package models

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	ERPOrderStatusOpen      = "open"
	ERPOrderStatusInvoiced  = "invoiced"
	ERPOrderStatusShipped   = "shipped"
	ERPOrderStatusCancelled = "cancelled"
)

// ERPOrder is the canonical order as known to the ERP. RawPayloadJSON keeps the
// upstream document verbatim; only the fields the engine depends on are
// projected into typed columns.
type ERPOrder struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	ErpId              string          `gorm:"uniqueIndex;size:64;not null" json:"erp_id"`
	OrderNumber        string          `gorm:"index;size:64" json:"order_number"`
	MarketplaceOrderNo *string         `gorm:"index;size:128" json:"marketplace_order_no"`
	Channel            string          `gorm:"index;size:20" json:"channel"`
	Status             string          `gorm:"size:20" json:"status"`
	GrossAmount        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"gross_amount"`
	ShippingAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"shipping_amount"`
	NetAmount          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"net_amount"`
	OrderedAt          *time.Time      `json:"ordered_at"`
	ErpUpdatedAt       *time.Time      `json:"erp_updated_at"`
	RawPayloadJSON     []byte          `gorm:"type:json" json:"raw_payload"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ERPOrderUpsert carries the fields one sync page reported for an order.
// Pointer fields distinguish "not reported" from "reported empty": a nil field
// never overwrites what an earlier sync stored.
type ERPOrderUpsert struct {
	ErpId              string
	OrderNumber        *string
	MarketplaceOrderNo *string
	Channel            *string
	Status             *string
	GrossAmount        *decimal.Decimal
	ShippingAmount     *decimal.Decimal
	NetAmount          *decimal.Decimal
	OrderedAt          *time.Time
	ErpUpdatedAt       *time.Time
	RawPayload         []byte
}

// UpsertERPOrder creates or updates the order keyed by its ERP identifier.
// Idempotent: the same upsert applied twice yields the same row, and fields the
// upstream stopped reporting keep their last known value.
func UpsertERPOrder(ctx context.Context, db *gorm.DB, in ERPOrderUpsert) (changed bool, err error) {
	if in.ErpId == "" {
		return false, errors.New("erp id is required")
	}

	var existing ERPOrder
	err = db.WithContext(ctx).Where("erp_id = ?", in.ErpId).Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		order := ERPOrder{ErpId: in.ErpId, RawPayloadJSON: in.RawPayload}
		applyERPOrderFields(&order, in)
		if createErr := db.WithContext(ctx).Create(&order).Error; createErr != nil {
			if isDuplicateKeyErr(createErr) {
				// Lost the insert race; fall through to the update path.
				return UpsertERPOrder(ctx, db, in)
			}
			return false, createErr
		}
		return true, nil
	}

	updates := erpOrderUpdates(&existing, in)
	if len(updates) == 0 {
		return false, nil
	}
	res := db.WithContext(ctx).Model(&ERPOrder{}).
		Where("erp_id = ?", in.ErpId).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return true, nil
}

func applyERPOrderFields(order *ERPOrder, in ERPOrderUpsert) {
	if in.OrderNumber != nil {
		order.OrderNumber = *in.OrderNumber
	}
	if in.MarketplaceOrderNo != nil {
		order.MarketplaceOrderNo = in.MarketplaceOrderNo
	}
	if in.Channel != nil {
		order.Channel = *in.Channel
	}
	if in.Status != nil {
		order.Status = *in.Status
	}
	if in.GrossAmount != nil {
		order.GrossAmount = *in.GrossAmount
	}
	if in.ShippingAmount != nil {
		order.ShippingAmount = *in.ShippingAmount
	}
	if in.NetAmount != nil {
		order.NetAmount = *in.NetAmount
	}
	if in.OrderedAt != nil {
		order.OrderedAt = in.OrderedAt
	}
	if in.ErpUpdatedAt != nil {
		order.ErpUpdatedAt = in.ErpUpdatedAt
	}
}

func erpOrderUpdates(existing *ERPOrder, in ERPOrderUpsert) map[string]interface{} {
	updates := map[string]interface{}{}
	if in.OrderNumber != nil && *in.OrderNumber != existing.OrderNumber {
		updates["order_number"] = *in.OrderNumber
	}
	if in.MarketplaceOrderNo != nil {
		if existing.MarketplaceOrderNo == nil || *existing.MarketplaceOrderNo != *in.MarketplaceOrderNo {
			updates["marketplace_order_no"] = *in.MarketplaceOrderNo
		}
	}
	if in.Channel != nil && *in.Channel != existing.Channel {
		updates["channel"] = *in.Channel
	}
	if in.Status != nil && *in.Status != existing.Status {
		updates["status"] = *in.Status
	}
	if in.GrossAmount != nil && !in.GrossAmount.Equal(existing.GrossAmount) {
		updates["gross_amount"] = *in.GrossAmount
	}
	if in.ShippingAmount != nil && !in.ShippingAmount.Equal(existing.ShippingAmount) {
		updates["shipping_amount"] = *in.ShippingAmount
	}
	if in.NetAmount != nil && !in.NetAmount.Equal(existing.NetAmount) {
		updates["net_amount"] = *in.NetAmount
	}
	if in.OrderedAt != nil && !timesEqual(existing.OrderedAt, in.OrderedAt) {
		updates["ordered_at"] = in.OrderedAt
	}
	if in.ErpUpdatedAt != nil && !timesEqual(existing.ErpUpdatedAt, in.ErpUpdatedAt) {
		updates["erp_updated_at"] = in.ErpUpdatedAt
	}
	if len(in.RawPayload) > 0 && !bytes.Equal(existing.RawPayloadJSON, in.RawPayload) {
		updates["raw_payload_json"] = in.RawPayload
	}
	return updates
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// GetERPOrderByErpId loads an order by the upstream ERP identifier.
func GetERPOrderByErpId(ctx context.Context, db *gorm.DB, erpId string) (*ERPOrder, error) {
	var order ERPOrder
	err := db.WithContext(ctx).Where("erp_id = ?", erpId).Take(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}
