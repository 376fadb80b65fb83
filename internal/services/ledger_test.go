package services

import (
	"testing"

	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_DebitNeverGoesNegative(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", "10")

	err := f.store.WithTx(f.ctx, func(tx storage.Tx) error {
		_, err := f.ledger.Debit(f.ctx, tx, alice, decimal.RequireFromString("10.01"), Entry{Type: models.TxnBet})
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, "10.00", f.balance(alice))
	assert.Empty(t, f.transactions(alice))

	err = f.store.WithTx(f.ctx, func(tx storage.Tx) error {
		_, err := f.ledger.Debit(f.ctx, tx, alice, decimal.Zero, Entry{Type: models.TxnBet})
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLedger_CreditAndRecord(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", "0")

	require.NoError(t, f.store.WithTx(f.ctx, func(tx storage.Tx) error {
		txn, err := f.ledger.Credit(f.ctx, tx, alice, decimal.NewFromInt(5), Entry{Type: models.TxnReferralBonus})
		if err != nil {
			return err
		}
		assert.Equal(t, "5.00", txn.BalanceAfter.Decimal.StringFixed(2))
		assert.NotEmpty(t, txn.Reference)

		rec, err := f.ledger.Record(f.ctx, tx, alice, decimal.NewFromInt(1), Entry{Type: models.TxnCommission})
		if err != nil {
			return err
		}
		assert.False(t, rec.BalanceAfter.Valid)
		return nil
	}))
	assert.Equal(t, "5.00", f.balance(alice))
	assert.Len(t, f.transactions(alice), 2)
}

func TestLedger_Reverse(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", "50")

	var pending *models.Transaction
	require.NoError(t, f.store.WithTx(f.ctx, func(tx storage.Tx) error {
		var err error
		pending, err = f.ledger.Debit(f.ctx, tx, alice, decimal.NewFromInt(20), Entry{
			Type:   models.TxnWithdrawal,
			Status: models.TxnPending,
		})
		return err
	}))
	assert.Equal(t, "30.00", f.balance(alice))

	reverse := func() error {
		return f.store.WithTx(f.ctx, func(tx storage.Tx) error {
			return f.ledger.Reverse(f.ctx, tx, pending)
		})
	}
	require.NoError(t, reverse())
	assert.Equal(t, "50.00", f.balance(alice))
	assert.ErrorIs(t, reverse(), apperr.ErrStateConflict)
	assert.Equal(t, "50.00", f.balance(alice))
}
