// Package ledger keeps user credit balances and the append-only
// transaction history in SQL. Debit and its matching refund are the
// only money movements the pipeline performs; both record a
// transaction row in the same database transaction as the balance
// change.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// Ledger is the credit accounting contract used by the pipeline.
type Ledger interface {
	// Balance returns the current balance, zero for unknown users.
	Balance(ctx context.Context, userID string) (int64, error)

	// Account returns the full balance row, including the lifetime
	// generation counter. Unknown users get a zero-valued row.
	Account(ctx context.Context, userID string) (UserBalance, error)

	// Debit atomically subtracts amount from the balance and records a
	// debit transaction. Fails with resource-exhausted when the balance
	// is insufficient; in that case nothing is written.
	Debit(ctx context.Context, userID string, amount int64, pipelineID, reason string) error

	// Refund returns a previously debited amount and records a refund
	// transaction referencing the same pipeline.
	Refund(ctx context.Context, userID string, amount int64, pipelineID, reason string) error

	// Grant adds credits (purchase or bonus) and records the
	// transaction. adminID is set for operator-initiated grants.
	Grant(ctx context.Context, userID string, amount int64, txType types.TransactionType, reason, adminID string) error

	// IncrementGenerations bumps the lifetime generation counter by one.
	IncrementGenerations(ctx context.Context, userID string) error

	// Transactions lists the most recent ledger rows for a user, newest
	// first.
	Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// GormLedger is the SQL-backed Ledger. Works against postgres, mysql
// and sqlite through gorm dialectors.
type GormLedger struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormLedger(db *gorm.DB, logger *zap.Logger) *GormLedger {
	return &GormLedger{db: db, logger: logger.With(zap.String("component", "credit_ledger"))}
}

func (l *GormLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var ub UserBalance
	err := l.db.WithContext(ctx).First(&ub, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewError(types.ErrInternal, "load balance").WithCause(err)
	}
	return ub.Balance, nil
}

func (l *GormLedger) Account(ctx context.Context, userID string) (UserBalance, error) {
	var ub UserBalance
	err := l.db.WithContext(ctx).First(&ub, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserBalance{UserID: userID}, nil
	}
	if err != nil {
		return UserBalance{}, types.NewError(types.ErrInternal, "load account").WithCause(err)
	}
	return ub, nil
}

func (l *GormLedger) Debit(ctx context.Context, userID string, amount int64, pipelineID, reason string) error {
	if amount <= 0 {
		return types.NewErrorf(types.ErrInvalidArgument, "debit amount must be positive, got %d", amount)
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Guarded decrement: the balance check and the subtraction are
		// one statement, so concurrent debits cannot overdraw.
		res := tx.Model(&UserBalance{}).
			Where("user_id = ? AND balance >= ?", userID, amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.NewErrorf(types.ErrResourceExhausted,
				"insufficient credits: need %d", amount)
		}
		return tx.Create(&Transaction{
			ID:         uuid.NewString(),
			UserID:     userID,
			Amount:     -amount,
			Type:       string(types.TransactionDebit),
			PipelineID: pipelineID,
			Reason:     reason,
		}).Error
	})
	if err != nil {
		if types.GetErrorCode(err) == types.ErrResourceExhausted {
			return err
		}
		return types.NewError(types.ErrInternal, "debit credits").WithCause(err)
	}

	l.logger.Info("credits debited",
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.String("pipeline_id", pipelineID))
	return nil
}

func (l *GormLedger) Refund(ctx context.Context, userID string, amount int64, pipelineID, reason string) error {
	if amount <= 0 {
		return types.NewErrorf(types.ErrInvalidArgument, "refund amount must be positive, got %d", amount)
	}
	if err := l.apply(ctx, userID, amount, Transaction{
		ID:         uuid.NewString(),
		UserID:     userID,
		Amount:     amount,
		Type:       string(types.TransactionRefund),
		PipelineID: pipelineID,
		Reason:     reason,
	}); err != nil {
		return err
	}
	l.logger.Info("credits refunded",
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.String("pipeline_id", pipelineID))
	return nil
}

func (l *GormLedger) Grant(ctx context.Context, userID string, amount int64, txType types.TransactionType, reason, adminID string) error {
	if amount <= 0 {
		return types.NewErrorf(types.ErrInvalidArgument, "grant amount must be positive, got %d", amount)
	}
	if txType != types.TransactionCredit && txType != types.TransactionBonus {
		return types.NewErrorf(types.ErrInvalidArgument, "grant type must be credit or bonus, got %q", txType)
	}
	return l.apply(ctx, userID, amount, Transaction{
		ID:      uuid.NewString(),
		UserID:  userID,
		Amount:  amount,
		Type:    string(txType),
		Reason:  reason,
		AdminID: adminID,
	})
}

// apply upserts the balance row with a positive delta and inserts the
// transaction in one database transaction.
func (l *GormLedger) apply(ctx context.Context, userID string, amount int64, record Transaction) error {
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": now,
			}),
		}).Create(&UserBalance{UserID: userID, Balance: amount, CreatedAt: now, UpdatedAt: now})
		if res.Error != nil {
			return res.Error
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return types.NewError(types.ErrInternal, "apply credit").WithCause(err)
	}
	return nil
}

func (l *GormLedger) IncrementGenerations(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"lifetime_generations": gorm.Expr("lifetime_generations + 1"),
			"updated_at":           now,
		}),
	}).Create(&UserBalance{UserID: userID, LifetimeGenerations: 1, CreatedAt: now, UpdatedAt: now})
	if res.Error != nil {
		return types.NewError(types.ErrInternal, "increment generation counter").WithCause(res.Error)
	}
	return nil
}

func (l *GormLedger) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []Transaction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "list transactions").WithCause(err)
	}
	return rows, nil
}

var _ Ledger = (*GormLedger)(nil)
