package models

import "gorm.io/gorm"

// MigrateTable creates or updates every table the service owns.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&MirrorBill{},
		&MirrorInvoice{},
		&MirrorVendor{},
		&MirrorPayment{},
		&MirrorBalance{},
		&TransactionLogEntry{},
		&SyncCursor{},
		&RailConnection{},
		&SyncRun{},
		&SyncRecordError{},
		&ApprovalQueueEntry{},
	)
}
