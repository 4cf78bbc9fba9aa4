package ledger

import (
	"time"

	"gorm.io/gorm"
)

// UserBalance is the current credit balance per user plus the lifetime
// generation counter. Balance is only ever changed through guarded
// UPDATE statements so it can never go negative.
type UserBalance struct {
	UserID              string    `gorm:"primaryKey;size:64" json:"user_id"`
	Balance             int64     `gorm:"not null;default:0" json:"balance"`
	LifetimeGenerations int64     `gorm:"not null;default:0" json:"lifetime_generations"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Transaction is one immutable ledger row. Debits are stored with a
// negative amount, credits and refunds with a positive one. Rows are
// never updated after insert.
type Transaction struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	UserID     string    `gorm:"size:64;not null;index:idx_tx_user" json:"user_id"`
	Amount     int64     `gorm:"not null" json:"amount"`
	Type       string    `gorm:"size:16;not null" json:"type"`
	PipelineID string    `gorm:"size:64;index:idx_tx_pipeline" json:"pipeline_id"`
	JobID      string    `gorm:"size:64" json:"job_id"`
	Reason     string    `gorm:"size:255" json:"reason"`
	AdminID    string    `gorm:"size:64" json:"admin_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }

// InitSchema auto-migrates the ledger tables.
func InitSchema(db *gorm.DB) error {
	return db.AutoMigrate(&UserBalance{}, &Transaction{})
}
