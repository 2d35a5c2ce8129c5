package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReconciliationResult is derived, recomputable state attached to one ERPOrder.
// It is a pure function of (order, linked payments, fee configuration) and is
// replaced wholesale on every recomputation, never patched incrementally.
type ReconciliationResult struct {
	ID              int             `gorm:"primary_key" json:"id"`
	ErpOrderId      int             `gorm:"uniqueIndex;not null" json:"erp_order_id"`
	ExpectedNet     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"expected_net"`
	ActualNet       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"actual_net"`
	Difference      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"difference"`
	FeeTotal        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"fee_total"`
	OverrideApplied bool            `gorm:"default:false" json:"override_applied"`
	Discrepancy     bool            `gorm:"index;default:false" json:"discrepancy"`
	PaymentCount    int             `json:"payment_count"`
	ComputedAt      time.Time       `gorm:"not null" json:"computed_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// FeeTier is one conditional commission step: orders with gross >= Threshold
// pay Rate instead of the base rate. Tiers are data so channels can be
// extended without code changes.
type FeeTier struct {
	Threshold decimal.Decimal `json:"threshold"`
	Rate      decimal.Decimal `json:"rate"`
}

// ChannelFeeConfig is the versioned per-channel fee rule set. Only one version
// per channel is active at a time; reconciliation always reads the active one.
type ChannelFeeConfig struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Channel   string          `gorm:"index:idx_fee_config_channel;size:20;not null" json:"channel"`
	Version   int             `gorm:"not null;default:1" json:"version"`
	BaseRate  decimal.Decimal `gorm:"type:decimal(10,6);default:0" json:"base_rate"`
	TiersJSON []byte          `gorm:"type:json" json:"tiers"`
	Active    bool            `gorm:"index:idx_fee_config_channel;default:true" json:"active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *ChannelFeeConfig) Tiers() []FeeTier {
	if len(c.TiersJSON) == 0 {
		return nil
	}
	var tiers []FeeTier
	if err := json.Unmarshal(c.TiersJSON, &tiers); err != nil {
		return nil
	}
	return tiers
}

// FeeOverride is a manually entered flat fee for one specific order. When
// present it wins over the channel rule set.
type FeeOverride struct {
	ID         int             `gorm:"primary_key" json:"id"`
	ErpOrderId int             `gorm:"uniqueIndex;not null" json:"erp_order_id"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Note       string          `gorm:"size:255" json:"note"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetActiveFeeConfig returns the active fee rule set for a channel, or nil
// when the channel has none configured.
func GetActiveFeeConfig(ctx context.Context, db *gorm.DB, channel string) (*ChannelFeeConfig, error) {
	var cfg ChannelFeeConfig
	err := db.WithContext(ctx).
		Where("channel = ? AND active = ?", channel, true).
		Order("version DESC").
		Take(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// GetFeeOverride returns the manual override for an order, or nil.
func GetFeeOverride(ctx context.Context, db *gorm.DB, erpOrderID int) (*FeeOverride, error) {
	var override FeeOverride
	err := db.WithContext(ctx).Where("erp_order_id = ?", erpOrderID).Take(&override).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &override, nil
}

// SaveReconciliationResult replaces the stored result for an order.
func SaveReconciliationResult(ctx context.Context, db *gorm.DB, result ReconciliationResult) error {
	if result.ErpOrderId == 0 {
		return errors.New("erp order id is required")
	}

	var existing ReconciliationResult
	err := db.WithContext(ctx).
		Where("erp_order_id = ?", result.ErpOrderId).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if createErr := db.WithContext(ctx).Create(&result).Error; createErr != nil {
			if isDuplicateKeyErr(createErr) {
				return SaveReconciliationResult(ctx, db, result)
			}
			return createErr
		}
		return nil
	}

	return db.WithContext(ctx).Model(&ReconciliationResult{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"expected_net":     result.ExpectedNet,
			"actual_net":       result.ActualNet,
			"difference":       result.Difference,
			"fee_total":        result.FeeTotal,
			"override_applied": result.OverrideApplied,
			"discrepancy":      result.Discrepancy,
			"payment_count":    result.PaymentCount,
			"computed_at":      result.ComputedAt,
		}).Error
}

// DeleteReconciliationResult removes the stored result for an order. Called
// when the order loses its last link: derived state must not outlive its
// inputs.
func DeleteReconciliationResult(ctx context.Context, db *gorm.DB, erpOrderID int) error {
	return db.WithContext(ctx).
		Where("erp_order_id = ?", erpOrderID).
		Delete(&ReconciliationResult{}).Error
}
