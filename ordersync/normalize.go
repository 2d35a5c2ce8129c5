package ordersync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vicastello/orderhub_backend/config"
	"github.com/vicastello/orderhub_backend/models"
	"github.com/vicastello/orderhub_backend/recon"
	"gorm.io/gorm"
)

// erpOrderDoc is the stable subset of the upstream ERP order document the
// engine projects into typed columns. Everything else rides along verbatim in
// the raw payload.
type erpOrderDoc struct {
	Id                 string           `json:"id"`
	Number             string           `json:"number"`
	MarketplaceOrderNo *string          `json:"marketplace_order_no"`
	Channel            *string          `json:"channel"`
	Status             *string          `json:"status"`
	Gross              *decimal.Decimal `json:"gross"`
	Shipping           *decimal.Decimal `json:"shipping"`
	Net                *decimal.Decimal `json:"net"`
	OrderedAt          string           `json:"ordered_at"`
	UpdatedAt          string           `json:"updated_at"`
}

// paymentDoc is the stable subset of a marketplace settlement line. The id is
// the marketplace's own order/settlement identifier, which is what the
// matcher later compares against ERP marketplace order numbers.
type paymentDoc struct {
	Id           string          `json:"id"`
	Amount       decimal.Decimal `json:"amount"`
	IsExpense    *bool           `json:"is_expense"`
	IsRefund     *bool           `json:"is_refund"`
	IsAdjustment *bool           `json:"is_adjustment"`
	Type         string          `json:"type"`
	OccurredAt   string          `json:"occurred_at"`
}

// applyRecord normalizes and upserts one raw upstream record for a job's
// stream and channel. It reports whether the record changed stored state.
// Unknown record shapes are logged and skipped, never fatal: one malformed
// upstream document must not wedge the whole stream.
func applyRecord(ctx context.Context, db *gorm.DB, logger *logrus.Logger, job *models.SyncJob, record json.RawMessage) (bool, error) {
	switch job.Stream {
	case models.SyncStreamOrders:
		if job.Channel == models.ChannelERP {
			return applyERPOrderRecord(ctx, db, logger, record)
		}
		return applyPaymentRecord(ctx, db, logger, job.Channel, record)
	default:
		// No typed projection; the worker already warned and the page only
		// advances the cursor.
		return false, nil
	}
}

// streamHasProjection reports whether records of a stream are projected into
// typed rows. Streams without one still keep their cursors current.
func streamHasProjection(stream string) bool {
	return stream == models.SyncStreamOrders
}

// recordUpdatedAt extracts the upstream modification time of a raw record.
// The worker uses the newest one on a page as the cursor watermark.
func recordUpdatedAt(record json.RawMessage) (time.Time, bool) {
	var doc struct {
		UpdatedAt  string `json:"updated_at"`
		OccurredAt string `json:"occurred_at"`
	}
	if err := json.Unmarshal(record, &doc); err != nil {
		return time.Time{}, false
	}
	if t := parseUpstreamTime(doc.UpdatedAt); t != nil {
		return *t, true
	}
	if t := parseUpstreamTime(doc.OccurredAt); t != nil {
		return *t, true
	}
	return time.Time{}, false
}

func applyERPOrderRecord(ctx context.Context, db *gorm.DB, logger *logrus.Logger, record json.RawMessage) (bool, error) {
	var doc erpOrderDoc
	if err := json.Unmarshal(record, &doc); err != nil || strings.TrimSpace(doc.Id) == "" {
		logger.WithFields(logrus.Fields{
			"module": "ordersync",
			"record": truncateRecord(record),
		}).Warn("skipping unparseable erp order record")
		return false, nil
	}

	upsert := models.ERPOrderUpsert{
		ErpId:              strings.TrimSpace(doc.Id),
		MarketplaceOrderNo: doc.MarketplaceOrderNo,
		Channel:            doc.Channel,
		Status:             doc.Status,
		GrossAmount:        doc.Gross,
		ShippingAmount:     doc.Shipping,
		NetAmount:          doc.Net,
		OrderedAt:          parseUpstreamTime(doc.OrderedAt),
		ErpUpdatedAt:       parseUpstreamTime(doc.UpdatedAt),
		RawPayload:         record,
	}
	if doc.Number != "" {
		upsert.OrderNumber = &doc.Number
	}

	changed, err := models.UpsertERPOrder(ctx, db, upsert)
	if err != nil {
		return false, err
	}
	if changed {
		// Totals may have moved; rebuild the stored reconciliation. Orders
		// without linked payments are skipped inside RecomputeOrder.
		if order, lookupErr := models.GetERPOrderByErpId(ctx, db, upsert.ErpId); lookupErr == nil && order != nil {
			if recErr := recon.RecomputeOrder(ctx, db, logger, order.ID); recErr != nil {
				config.LogError(logger, "normalize.go", "applyERPOrderRecord", "recomputing after upsert", order.ID, recErr)
			}
		}
	}
	return changed, nil
}

func applyPaymentRecord(ctx context.Context, db *gorm.DB, logger *logrus.Logger, channel string, record json.RawMessage) (bool, error) {
	var doc paymentDoc
	if err := json.Unmarshal(record, &doc); err != nil || strings.TrimSpace(doc.Id) == "" {
		logger.WithFields(logrus.Fields{
			"module":  "ordersync",
			"channel": channel,
			"record":  truncateRecord(record),
		}).Warn("skipping unparseable settlement record")
		return false, nil
	}

	payment := models.MarketplacePayment{
		ExternalId:      strings.TrimSpace(doc.Id),
		Channel:         channel,
		Amount:          doc.Amount,
		TransactionType: doc.Type,
		OccurredAt:      parseUpstreamTime(doc.OccurredAt),
		RawPayloadJSON:  record,
	}
	// Explicit flags win; fall back to the transaction type when absent.
	payment.IsExpense = boolOr(doc.IsExpense, doc.Type == models.PaymentTypeFee)
	payment.IsRefund = boolOr(doc.IsRefund, doc.Type == models.PaymentTypeRefund)
	payment.IsAdjustment = boolOr(doc.IsAdjustment, doc.Type == models.PaymentTypeAdjustment)

	if err := models.UpsertMarketplacePayment(ctx, db, payment); err != nil {
		return false, err
	}
	return true, nil
}

func boolOr(explicit *bool, fallback bool) bool {
	if explicit != nil {
		return *explicit
	}
	return fallback
}

func parseUpstreamTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func truncateRecord(record json.RawMessage) string {
	const max = 256
	if len(record) <= max {
		return string(record)
	}
	return string(record[:max])
}
