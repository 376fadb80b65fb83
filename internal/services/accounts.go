package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/ids"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/payments"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

// AccountService handles account lifecycle and real-money movements
type AccountService struct {
	env       *Env
	ledger    *Ledger
	processor payments.Processor
}

// NewAccountService creates a new account service
func NewAccountService(env *Env, ledger *Ledger, processor payments.Processor) *AccountService {
	return &AccountService{env: env, ledger: ledger, processor: processor}
}

// ProvisionRequest represents the first call of a verified identity
type ProvisionRequest struct {
	DisplayName string `json:"display_name"`
}

// AmountRequest carries a money amount as a decimal string
type AmountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// KYCRequest is posted by the KYC provider
type KYCRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Status      string `json:"status" binding:"required"`
	AgeVerified bool   `json:"age_verified"`
}

// ProvisionUser creates the account for a verified identity, or returns the
// existing one.
func (s *AccountService) ProvisionUser(ctx context.Context, userID uuid.UUID, req ProvisionRequest) (*models.User, error) {
	name := strings.TrimSpace(req.DisplayName)
	if len(name) > 60 {
		return nil, apperr.Validationf("display name must be at most 60 characters")
	}

	var user *models.User
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		existing, err := tx.GetUser(ctx, userID)
		if err == nil {
			user = existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		now := s.env.now()
		user = &models.User{
			ID:          userID,
			DisplayName: name,
			Balance:     decimal.Zero,
			KYCStatus:   models.KYCNone,
			Status:      models.AccountActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.CreateUser(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser retrieves a user by ID
func (s *AccountService) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user *models.User
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		user, err = tx.GetUser(ctx, userID)
		return err
	})
	return user, err
}

// AcceptTerms stamps the terms acceptance once.
func (s *AccountService) AcceptTerms(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	return s.updateVerification(ctx, userID, func(u *models.User) error {
		if u.TermsAcceptedAt == nil {
			now := s.env.now()
			u.TermsAcceptedAt = &now
		}
		return nil
	})
}

// LinkTelegram stores the chat that receives the user's notifications.
func (s *AccountService) LinkTelegram(ctx context.Context, userID uuid.UUID, chatID int64) (*models.User, error) {
	return s.updateVerification(ctx, userID, func(u *models.User) error {
		u.TelegramChatID = &chatID
		return nil
	})
}

// ApplyKYC records the KYC provider's verdict.
func (s *AccountService) ApplyKYC(ctx context.Context, req KYCRequest) (*models.User, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, apperr.Validationf("invalid user id")
	}
	status, err := models.ParseKYCStatus(req.Status)
	if err != nil {
		return nil, err
	}

	user, err := s.updateVerification(ctx, userID, func(u *models.User) error {
		u.KYCStatus = status
		u.AgeVerified = req.AgeVerified
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.env.logger().Infow("kyc status applied", "user_id", userID, "status", status, "age_verified", req.AgeVerified)
	return user, nil
}

func (s *AccountService) updateVerification(ctx context.Context, userID uuid.UUID, mutate func(u *models.User) error) (*models.User, error) {
	var user *models.User
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := mutate(u); err != nil {
			return err
		}
		u.UpdatedAt = s.env.now()
		if err := tx.UpdateUserVerification(ctx, u); err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ParseAmount validates a positive money amount with at most two decimals.
func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, apperr.Validationf("invalid amount %q", raw)
	}
	if !amount.IsPositive() {
		return decimal.Zero, apperr.Validationf("amount must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return decimal.Zero, apperr.Validationf("amount must have at most two decimal places")
	}
	return amount, nil
}

// Deposit charges the processor and credits the balance only after the charge
// is confirmed.
func (s *AccountService) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Transaction, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validationf("amount must be positive")
	}
	if _, err := s.activeUser(ctx, userID); err != nil {
		return nil, err
	}

	ref := ids.NewReference()
	chargeID, err := s.processor.Charge(ctx, userID, amount, ref)
	if err != nil {
		if errors.Is(err, payments.ErrDeclined) {
			return nil, apperr.Validationf("%v", err)
		}
		return nil, fmt.Errorf("deposit failed: %w", err)
	}

	var txn *models.Transaction
	err = s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		txn, err = s.ledger.Credit(ctx, tx, userID, amount, Entry{
			Type:        models.TxnDeposit,
			Description: "Deposit " + chargeID,
			Reference:   ref,
		})
		return err
	})
	if err != nil {
		s.env.logger().Errorw("charge succeeded but credit failed", "user_id", userID, "reference", ref, "charge_id", chargeID, "error", err)
		return nil, err
	}
	s.env.logger().Infow("deposit credited", "user_id", userID, "amount", amount.StringFixed(2), "reference", ref)
	return txn, nil
}

// Withdraw debits the balance into a pending withdrawal, then pays out. A failed
// payout credits the amount back and cancels the withdrawal.
func (s *AccountService) Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Transaction, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validationf("amount must be positive")
	}
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.KYCStatus != models.KYCVerified {
		return nil, apperr.Forbiddenf("identity verification is required before withdrawing")
	}

	var txn *models.Transaction
	err = s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		txn, err = s.ledger.Debit(ctx, tx, userID, amount, Entry{
			Type:        models.TxnWithdrawal,
			Description: "Withdrawal",
			Status:      models.TxnPending,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	_, payoutErr := s.processor.Payout(ctx, userID, amount, txn.Reference)

	err = s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		if payoutErr != nil {
			return s.ledger.Reverse(ctx, tx, txn)
		}
		ok, err := tx.UpdateTransactionStatus(ctx, txn.ID, models.TxnPending, models.TxnCompleted)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflictf("withdrawal %s is no longer pending", txn.Reference)
		}
		return nil
	})
	if err != nil {
		s.env.logger().Errorw("withdrawal settlement failed", "user_id", userID, "reference", txn.Reference, "error", err)
		return nil, err
	}

	if payoutErr != nil {
		txn.Status = models.TxnCancelled
		s.env.logger().Warnw("withdrawal payout failed, amount returned", "user_id", userID, "reference", txn.Reference, "error", payoutErr)
		if errors.Is(payoutErr, payments.ErrDeclined) {
			return txn, apperr.Validationf("%v", payoutErr)
		}
		return txn, fmt.Errorf("withdrawal failed: %w", payoutErr)
	}

	txn.Status = models.TxnCompleted
	s.env.logger().Infow("withdrawal completed", "user_id", userID, "amount", amount.StringFixed(2), "reference", txn.Reference)
	return txn, nil
}

// ListTransactions returns the most recent transactions first.
func (s *AccountService) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txns []models.Transaction
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		txns, err = tx.ListTransactions(ctx, userID, limit)
		return err
	})
	return txns, err
}

func (s *AccountService) activeUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status != models.AccountActive {
		return nil, apperr.Forbiddenf("account is suspended")
	}
	return user, nil
}
