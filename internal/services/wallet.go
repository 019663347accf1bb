package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quizmaster/internal/models"
)

const depositExperience = 5

const (
	PayoutBank = "bank"
	PayoutUPI  = "upi"
)

type WalletLimits struct {
	MinDeposit    decimal.Decimal
	MaxDeposit    decimal.Decimal
	MinWithdrawal decimal.Decimal
}

func DefaultWalletLimits() WalletLimits {
	return WalletLimits{
		MinDeposit:    decimal.NewFromInt(100),
		MaxDeposit:    decimal.NewFromInt(50000),
		MinWithdrawal: decimal.NewFromInt(100),
	}
}

// ExperienceAwarder is the slice of the gamification engine the wallet needs.
type ExperienceAwarder interface {
	AddExperience(ctx context.Context, userID string, points int) (models.UserLevel, error)
}

// WalletService moves money. Every balance change is written to the user
// record first and then appended to the ledger.
type WalletService struct {
	accounts *AccountService
	ledger   *Ledger
	xp       ExperienceAwarder
	limits   WalletLimits
	logger   *zap.Logger
}

func NewWalletService(accounts *AccountService, ledger *Ledger, xp ExperienceAwarder, limits WalletLimits, logger *zap.Logger) *WalletService {
	return &WalletService{accounts: accounts, ledger: ledger, xp: xp, limits: limits, logger: logger}
}

func (w *WalletService) Limits() WalletLimits { return w.limits }

func (w *WalletService) move(ctx context.Context, userID string, amount decimal.Decimal, typ models.TransactionType, reference string, details *models.PayoutDetails) (models.User, models.Transaction, error) {
	delta := amount.Abs()
	if !typ.Credit() {
		delta = delta.Neg()
	}
	user, err := w.accounts.adjustBalance(ctx, userID, delta)
	if err != nil {
		return models.User{}, models.Transaction{}, err
	}
	tx, err := w.ledger.Record(ctx, models.Transaction{
		UserID:    userID,
		Amount:    amount,
		Type:      typ,
		Reference: reference,
		Details:   details,
	})
	if err != nil {
		w.logger.Error("balance changed but ledger write failed",
			zap.String("user_id", userID),
			zap.String("type", string(typ)),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return user, models.Transaction{}, fmt.Errorf("record %s: %w", typ, err)
	}
	return user, tx, nil
}

// Deposit credits a confirmed payment and awards a small experience bonus.
func (w *WalletService) Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (models.User, models.Transaction, error) {
	if amount.LessThan(w.limits.MinDeposit) || amount.GreaterThan(w.limits.MaxDeposit) {
		return models.User{}, models.Transaction{}, fmt.Errorf("%w: deposit must be between %s and %s",
			ErrAmountOutOfRange, w.limits.MinDeposit, w.limits.MaxDeposit)
	}
	user, tx, err := w.move(ctx, userID, amount, models.TransactionAddFunds, reference, nil)
	if err != nil {
		return user, tx, err
	}
	if w.xp != nil {
		if _, err := w.xp.AddExperience(ctx, userID, depositExperience); err != nil {
			w.logger.Warn("failed to award deposit experience", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return user, tx, nil
}

func validatePayout(d models.PayoutDetails) error {
	switch strings.ToLower(d.Method) {
	case PayoutBank:
		if d.AccountHolder == "" || d.AccountNumber == "" || d.IFSCCode == "" {
			return invalid("bank payouts need account holder, account number and IFSC code")
		}
	case PayoutUPI:
		if d.UPIID == "" {
			return invalid("UPI payouts need a UPI id")
		}
	default:
		return invalid("unknown payout method %q", d.Method)
	}
	return nil
}

func (w *WalletService) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, details models.PayoutDetails) (models.User, models.Transaction, error) {
	if amount.LessThan(w.limits.MinWithdrawal) {
		return models.User{}, models.Transaction{}, fmt.Errorf("%w: minimum withdrawal is %s", ErrAmountOutOfRange, w.limits.MinWithdrawal)
	}
	if err := validatePayout(details); err != nil {
		return models.User{}, models.Transaction{}, err
	}
	details.Method = strings.ToLower(details.Method)
	return w.move(ctx, userID, amount, models.TransactionWithdrawal, "", &details)
}

// Charge debits amount, failing with ErrInsufficientBalance and no change if
// the balance does not cover it.
func (w *WalletService) Charge(ctx context.Context, userID string, amount decimal.Decimal, typ models.TransactionType, reference string) (models.User, models.Transaction, error) {
	if typ.Credit() {
		return models.User{}, models.Transaction{}, invalid("%s is not a debit", typ)
	}
	if !amount.IsPositive() {
		return models.User{}, models.Transaction{}, invalid("charge amount must be positive")
	}
	return w.move(ctx, userID, amount, typ, reference, nil)
}

func (w *WalletService) Credit(ctx context.Context, userID string, amount decimal.Decimal, typ models.TransactionType, reference string) (models.User, models.Transaction, error) {
	if !typ.Credit() {
		return models.User{}, models.Transaction{}, invalid("%s is not a credit", typ)
	}
	if !amount.IsPositive() {
		return models.User{}, models.Transaction{}, invalid("credit amount must be positive")
	}
	return w.move(ctx, userID, amount, typ, reference, nil)
}
