package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quizmaster/internal/models"
	"quizmaster/internal/store"
)

var (
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrOrderAlreadyPaid    = errors.New("order already paid")
	ErrAmountOutOfRange    = errors.New("amount out of range")
)

const ordersCollection = "payment_orders"

type OrderStatus string

const (
	OrderCreated OrderStatus = "created"
	OrderPaid    OrderStatus = "paid"
)

type Prefill struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Order is what the hosted checkout widget is opened with.
type Order struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	AmountMinorUnits int64           `json:"amount_minor_units"`
	Currency         string          `json:"currency"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Prefill          Prefill         `json:"prefill"`
	Status           OrderStatus     `json:"status"`
	PaymentID        string          `json:"payment_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Confirmation is what the checkout callback reports back. Anything other
// than a successful payment with an id counts as not completed.
type Confirmation struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Success   bool   `json:"success"`
}

type Depositor interface {
	Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (models.User, models.Transaction, error)
}

type Config struct {
	Currency     string
	MerchantName string
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
}

type Checkout struct {
	orders *store.Table[Order]
	wallet Depositor
	cfg    Config
	logger *zap.Logger
	Now    func() time.Time
}

func NewCheckout(s store.Store, wallet Depositor, cfg Config, logger *zap.Logger) *Checkout {
	return &Checkout{
		orders: store.NewTable[Order](s, ordersCollection),
		wallet: wallet,
		cfg:    cfg,
		logger: logger,
		Now:    time.Now,
	}
}

// MinorUnits converts an amount to the smallest currency unit, truncating
// anything below it.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}

func (c *Checkout) CreateOrder(ctx context.Context, user models.User, amount decimal.Decimal) (Order, error) {
	if amount.LessThan(c.cfg.MinAmount) || amount.GreaterThan(c.cfg.MaxAmount) {
		return Order{}, fmt.Errorf("%w: deposit must be between %s and %s", ErrAmountOutOfRange, c.cfg.MinAmount, c.cfg.MaxAmount)
	}
	order := Order{
		ID:               uuid.New().String(),
		UserID:           user.ID,
		Amount:           amount,
		AmountMinorUnits: MinorUnits(amount),
		Currency:         c.cfg.Currency,
		Name:             c.cfg.MerchantName,
		Description:      "Add funds to wallet",
		Prefill:          Prefill{Name: user.Username, Email: user.Email},
		Status:           OrderCreated,
		CreatedAt:        c.Now().UTC(),
	}
	if err := c.orders.Insert(ctx, order.ID, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// Confirm credits the wallet for a completed payment. Each order is paid out
// at most once.
func (c *Checkout) Confirm(ctx context.Context, userID string, conf Confirmation) (models.Transaction, error) {
	if !conf.Success || conf.PaymentID == "" {
		return models.Transaction{}, ErrPaymentNotCompleted
	}
	order, err := c.orders.Update(ctx, conf.OrderID, func(o *Order) error {
		if o.UserID != userID {
			return store.ErrNotFound
		}
		if o.Status == OrderPaid {
			return ErrOrderAlreadyPaid
		}
		o.Status = OrderPaid
		o.PaymentID = conf.PaymentID
		return nil
	})
	if err != nil {
		return models.Transaction{}, err
	}

	_, tx, err := c.wallet.Deposit(ctx, userID, order.Amount, conf.PaymentID)
	if err != nil {
		c.logger.Error("deposit for confirmed payment failed",
			zap.String("order_id", order.ID), zap.String("payment_id", conf.PaymentID), zap.Error(err))
		if _, rerr := c.orders.Update(ctx, order.ID, func(o *Order) error {
			o.Status = OrderCreated
			o.PaymentID = ""
			return nil
		}); rerr != nil {
			c.logger.Error("failed to reopen order", zap.String("order_id", order.ID), zap.Error(rerr))
		}
		return models.Transaction{}, err
	}
	c.logger.Info("payment confirmed",
		zap.String("order_id", order.ID), zap.String("user_id", userID), zap.String("amount", order.Amount.String()))
	return tx, nil
}
