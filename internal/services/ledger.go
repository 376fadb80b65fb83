package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/ids"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

// debitAttempts bounds the re-read/re-verify loop of a debit.
const debitAttempts = 2

// Entry describes the Transaction written alongside a balance change.
type Entry struct {
	Type        models.TransactionType
	ChallengeID *uuid.UUID
	Description string
	// Status defaults to completed.
	Status models.TransactionStatus
	// Reference defaults to a fresh snowflake id.
	Reference string
}

// Ledger is the only writer of user balances. Every method runs inside the
// caller's unit of work so the balance change and its Transaction commit together.
type Ledger struct {
	env *Env
}

func NewLedger(env *Env) *Ledger {
	return &Ledger{env: env}
}

// Debit subtracts amount after re-reading the balance. The guarded write is
// retried once on a stale read; a second failure is InsufficientFunds.
func (l *Ledger) Debit(ctx context.Context, tx storage.Tx, userID uuid.UUID, amount decimal.Decimal, e Entry) (*models.Transaction, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validationf("debit amount must be positive")
	}

	for attempt := 0; attempt < debitAttempts; attempt++ {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if user.Balance.LessThan(amount) {
			return nil, fmt.Errorf("%w: balance %s is below %s", apperr.ErrInsufficientFunds,
				user.Balance.StringFixed(2), amount.StringFixed(2))
		}

		after, ok, err := tx.AdjustBalance(ctx, userID, amount.Neg())
		if err != nil {
			return nil, err
		}
		if ok {
			return l.record(ctx, tx, userID, amount.Neg(), &after, e)
		}
	}
	return nil, fmt.Errorf("%w: balance changed during debit", apperr.ErrInsufficientFunds)
}

// Credit adds amount to the balance.
func (l *Ledger) Credit(ctx context.Context, tx storage.Tx, userID uuid.UUID, amount decimal.Decimal, e Entry) (*models.Transaction, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validationf("credit amount must be positive")
	}

	after, ok, err := tx.AdjustBalance(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("credit of %s rejected for user %s", amount, userID)
	}
	return l.record(ctx, tx, userID, amount, &after, e)
}

// Record writes a bookkeeping Transaction that moves no balance, such as the
// platform commission attributed to a pact creator.
func (l *Ledger) Record(ctx context.Context, tx storage.Tx, userID uuid.UUID, amount decimal.Decimal, e Entry) (*models.Transaction, error) {
	return l.record(ctx, tx, userID, amount, nil, e)
}

// Reverse credits back a pending debit and marks its Transaction cancelled.
func (l *Ledger) Reverse(ctx context.Context, tx storage.Tx, txn *models.Transaction) error {
	ok, err := tx.UpdateTransactionStatus(ctx, txn.ID, models.TxnPending, models.TxnCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflictf("transaction %s is no longer pending", txn.Reference)
	}
	_, credited, err := tx.AdjustBalance(ctx, txn.UserID, txn.Amount.Abs())
	if err != nil {
		return err
	}
	if !credited {
		return errors.New("reversal credit rejected")
	}
	return nil
}

func (l *Ledger) record(ctx context.Context, tx storage.Tx, userID uuid.UUID, amount decimal.Decimal, after *decimal.Decimal, e Entry) (*models.Transaction, error) {
	status := e.Status
	if status == "" {
		status = models.TxnCompleted
	}
	ref := e.Reference
	if ref == "" {
		ref = ids.NewReference()
	}

	txn := &models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		ChallengeID: e.ChallengeID,
		Type:        e.Type,
		Amount:      amount,
		Status:      status,
		Reference:   ref,
		Description: e.Description,
		CreatedAt:   l.env.now(),
	}
	if after != nil {
		txn.BalanceAfter = decimal.NewNullDecimal(*after)
	}

	if err := tx.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}
