package recon

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vicastello/orderhub_backend/config"
	"github.com/vicastello/orderhub_backend/models"
	"gorm.io/gorm"
)

// RecomputeOrder rebuilds the stored ReconciliationResult for one ERP order
// from scratch. Called whenever an input changes: a payment was linked, the
// order's totals were updated by a later sync, or the fee rules changed.
// Orders on channels without fee rules are skipped, not failed; they become
// reconcilable as soon as the configuration lands.
func RecomputeOrder(ctx context.Context, db *gorm.DB, logger *logrus.Logger, erpOrderID int) error {
	var order models.ERPOrder
	if err := db.WithContext(ctx).Take(&order, erpOrderID).Error; err != nil {
		return err
	}

	payments, err := models.ListPaymentsForERPOrder(ctx, db, order.ID)
	if err != nil {
		return err
	}

	feeCfg, err := loadFeeConfig(ctx, db, order.Channel)
	if err != nil {
		return err
	}
	override, err := models.GetFeeOverride(ctx, db, order.ID)
	if err != nil {
		return err
	}

	result, err := Reconcile(Input{
		Order:     order,
		Payments:  payments,
		FeeConfig: feeCfg,
		Override:  override,
		Tolerance: toleranceFromEnv(),
	})
	if err != nil {
		if errors.Is(err, ErrNoLinkedPayments) {
			// Nothing is linked to this order (anymore); drop any stored
			// result instead of flagging a phantom discrepancy.
			return models.DeleteReconciliationResult(ctx, db, order.ID)
		}
		if errors.Is(err, ErrFeeConfigMissing) {
			logger.WithFields(logrus.Fields{
				"module":       "recon",
				"erp_order_id": order.ID,
				"channel":      order.Channel,
			}).Warn("skipping reconciliation: no fee config for channel")
			return nil
		}
		return err
	}

	return models.SaveReconciliationResult(ctx, db, result)
}

// RecomputeChannel rebuilds results for every linked order of a channel.
// Triggered when that channel's fee configuration changes.
func RecomputeChannel(ctx context.Context, db *gorm.DB, logger *logrus.Logger, channel string) (int, error) {
	var orderIDs []int
	err := db.WithContext(ctx).Model(&models.ERPOrder{}).
		Distinct("erp_orders.id").
		Joins("JOIN order_links ol ON ol.erp_order_id = erp_orders.id").
		Where("erp_orders.channel = ?", channel).
		Order("erp_orders.id ASC").
		Pluck("erp_orders.id", &orderIDs).Error
	if err != nil {
		return 0, err
	}

	recomputed := 0
	for _, id := range orderIDs {
		if err := RecomputeOrder(ctx, db, logger, id); err != nil {
			config.LogError(logger, "recompute.go", "RecomputeChannel", "recomputing order", id, err)
			continue
		}
		recomputed++
	}
	return recomputed, nil
}

// feeConfigCacheTTL keeps active fee configs in redis briefly; recompute
// passes over a whole channel hit the same row thousands of times.
const feeConfigCacheTTL = 5 * time.Minute

func loadFeeConfig(ctx context.Context, db *gorm.DB, channel string) (*models.ChannelFeeConfig, error) {
	if channel == "" {
		return nil, nil
	}
	cacheKey := "FeeConfig:" + channel
	var cached models.ChannelFeeConfig
	if ok, err := config.GetRedisObject(cacheKey, &cached); err == nil && ok {
		return &cached, nil
	}

	cfg, err := models.GetActiveFeeConfig(ctx, db, channel)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		_ = config.SetRedisObject(cacheKey, cfg, feeConfigCacheTTL)
	}
	return cfg, nil
}

// InvalidateFeeConfigCache drops the cached rules for a channel. Call after
// every fee config mutation, before triggering RecomputeChannel.
func InvalidateFeeConfigCache(channel string) {
	_ = config.RemoveRedisKey("FeeConfig:" + channel)
}

func toleranceFromEnv() decimal.Decimal {
	v := strings.TrimSpace(os.Getenv("RECON_TOLERANCE"))
	if v == "" {
		return DefaultTolerance
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return DefaultTolerance
	}
	return d
}
