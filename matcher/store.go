package matcher

import (
	"context"

	"github.com/vicastello/orderhub_backend/models"
	"gorm.io/gorm"
)

type gormStore struct {
	db *gorm.DB
}

// NewStore wraps a database handle in the matching Store contract.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) FindOrdersByMarketplaceOrderNo(ctx context.Context, orderNo string) ([]models.ERPOrder, error) {
	if orderNo == "" {
		return nil, nil
	}
	var orders []models.ERPOrder
	err := s.db.WithContext(ctx).
		Where("marketplace_order_no = ?", orderNo).
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *gormStore) FindOrdersByNormalizedOrderNo(ctx context.Context, channel, normalized string) ([]models.ERPOrder, error) {
	if normalized == "" {
		return nil, nil
	}
	// Mirrors matcher.Normalize in SQL: uppercase, channel prefix and dashes
	// stripped. Candidate sets per channel are small enough that the
	// non-sargable expression has not mattered in practice.
	var orders []models.ERPOrder
	err := s.db.WithContext(ctx).
		Where("channel = ? AND marketplace_order_no IS NOT NULL", channel).
		Where("REPLACE(REPLACE(UPPER(TRIM(marketplace_order_no)), 'BZ-', ''), '-', '') = ?", normalized).
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *gormStore) GetLinkByPayment(ctx context.Context, paymentExternalID, channel string) (*models.OrderLink, error) {
	return models.GetOrderLink(ctx, s.db, paymentExternalID, channel)
}

func (s *gormStore) WriteLink(ctx context.Context, erpOrderID int, paymentExternalID, channel, confidence string) (bool, error) {
	return models.WriteOrderLink(ctx, s.db, erpOrderID, paymentExternalID, channel, confidence)
}
