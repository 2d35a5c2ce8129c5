package models

import (
	"log"

	"github.com/vicastello/orderhub_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&SyncJob{}, &SyncLogEntry{}, &SyncCursor{},
		&ERPOrder{}, &MarketplacePayment{},
		&OrderLink{},
		&ReconciliationResult{}, &ChannelFeeConfig{}, &FeeOverride{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
