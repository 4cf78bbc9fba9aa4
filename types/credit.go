package types

import "time"

// TransactionType classifies one credit ledger entry.
type TransactionType string

const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
	TransactionRefund TransactionType = "refund"
	TransactionBonus  TransactionType = "bonus"
)

// CreditTransaction is one immutable ledger entry. Debits carry a
// negative amount, credits and refunds a positive one. Never updated
// after creation.
type CreditTransaction struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Amount     int64           `json:"amount"`
	Type       TransactionType `json:"type"`
	PipelineID string          `json:"pipelineId,omitempty"`
	JobID      string          `json:"jobId,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	AdminID    string          `json:"adminId,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}
