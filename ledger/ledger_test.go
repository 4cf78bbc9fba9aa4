package ledger

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

func setupLedger(t *testing.T) *GormLedger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, InitSchema(db))
	return NewGormLedger(db, zap.NewNop())
}

func TestBalanceUnknownUserIsZero(t *testing.T) {
	l := setupLedger(t)
	balance, err := l.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestGrantAndDebit(t *testing.T) {
	ctx := context.Background()
	l := setupLedger(t)

	require.NoError(t, l.Grant(ctx, "u1", 20, types.TransactionCredit, "purchase", ""))
	require.NoError(t, l.Debit(ctx, "u1", 6, "p1", "mesh generation"))

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 14, balance)

	rows, err := l.Transactions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// newest first
	assert.Equal(t, string(types.TransactionDebit), rows[0].Type)
	assert.EqualValues(t, -6, rows[0].Amount)
	assert.Equal(t, "p1", rows[0].PipelineID)
}

func TestDebitInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := setupLedger(t)
	require.NoError(t, l.Grant(ctx, "u1", 4, types.TransactionBonus, "signup bonus", ""))

	err := l.Debit(ctx, "u1", 5, "p1", "mesh generation")
	assert.Equal(t, types.ErrResourceExhausted, types.GetErrorCode(err))

	// nothing written
	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, balance)
	rows, err := l.Transactions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDebitUnknownUser(t *testing.T) {
	err := setupLedger(t).Debit(context.Background(), "nobody", 1, "p1", "x")
	assert.Equal(t, types.ErrResourceExhausted, types.GetErrorCode(err))
}

func TestRefundRestoresNetZero(t *testing.T) {
	ctx := context.Background()
	l := setupLedger(t)
	require.NoError(t, l.Grant(ctx, "u1", 10, types.TransactionCredit, "purchase", ""))

	require.NoError(t, l.Debit(ctx, "u1", 8, "p1", "texture generation"))
	require.NoError(t, l.Refund(ctx, "u1", 8, "p1", "submission failed"))

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, balance)

	rows, err := l.Transactions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	var debit, refund *Transaction
	for i := range rows {
		switch rows[i].Type {
		case string(types.TransactionDebit):
			debit = &rows[i]
		case string(types.TransactionRefund):
			refund = &rows[i]
		}
	}
	require.NotNil(t, debit)
	require.NotNil(t, refund)
	assert.Equal(t, debit.PipelineID, refund.PipelineID)
	assert.EqualValues(t, 0, debit.Amount+refund.Amount)
}

func TestGrantValidation(t *testing.T) {
	ctx := context.Background()
	l := setupLedger(t)

	err := l.Grant(ctx, "u1", 0, types.TransactionCredit, "x", "")
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))

	err = l.Grant(ctx, "u1", 5, types.TransactionDebit, "x", "")
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))
}

func TestIncrementGenerations(t *testing.T) {
	ctx := context.Background()
	l := setupLedger(t)

	require.NoError(t, l.IncrementGenerations(ctx, "u1"))
	require.NoError(t, l.IncrementGenerations(ctx, "u1"))

	var ub UserBalance
	require.NoError(t, l.db.First(&ub, "user_id = ?", "u1").Error)
	assert.EqualValues(t, 2, ub.LifetimeGenerations)
	assert.Zero(t, ub.Balance)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := setupLedger(t)
	require.NoError(t, l.Grant(ctx, "u1", 10, types.TransactionCredit, "purchase", ""))

	var granted int
	for i := 0; i < 5; i++ {
		if err := l.Debit(ctx, "u1", 3, "p1", "mesh generation"); err == nil {
			granted++
		} else {
			assert.Equal(t, types.ErrResourceExhausted, types.GetErrorCode(err))
		}
	}
	assert.Equal(t, 3, granted)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, balance)
}
