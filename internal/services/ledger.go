package services

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quizmaster/internal/metrics"
	"quizmaster/internal/models"
	"quizmaster/internal/store"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type TransactionFilter struct {
	UserID string
	Type   models.TransactionType
	From   time.Time
	// To is inclusive up to the end of its calendar day.
	To time.Time
}

type TransactionPage struct {
	Transactions []models.Transaction `json:"transactions"`
	Total        int                  `json:"total"`
	Page         int                  `json:"page"`
	PageSize     int                  `json:"page_size"`
}

type RevenueReport struct {
	AddFunds decimal.Decimal `json:"add_funds"`
	QuizFees decimal.Decimal `json:"quiz_fees"`
	QuizWins decimal.Decimal `json:"quiz_wins"`
	Total    decimal.Decimal `json:"total"`
}

// Ledger is the append-only transaction log. Record is the only write path.
type Ledger struct {
	transactions *store.Table[models.Transaction]
	logger       *zap.Logger
	Now          func() time.Time
}

func NewLedger(s store.Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		transactions: store.NewTable[models.Transaction](s, transactionsCollection),
		logger:       logger,
		Now:          time.Now,
	}
}

// Record appends tx after normalizing its sign: credits are stored positive,
// fees and withdrawals negative, whatever sign the caller used.
func (l *Ledger) Record(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	if !tx.Type.Valid() {
		return models.Transaction{}, invalid("unknown transaction type %q", tx.Type)
	}
	if tx.UserID == "" {
		return models.Transaction{}, invalid("transaction user is required")
	}
	if tx.Amount.IsZero() {
		return models.Transaction{}, invalid("transaction amount must be non-zero")
	}
	tx.Amount = tx.Amount.Abs()
	if !tx.Type.Credit() {
		tx.Amount = tx.Amount.Neg()
	}
	tx.ID = uuid.New().String()
	if tx.Timestamp.IsZero() {
		tx.Timestamp = l.Now().UTC()
	}
	if err := l.transactions.Insert(ctx, tx.ID, tx); err != nil {
		return models.Transaction{}, err
	}
	metrics.TransactionsRecorded.WithLabelValues(string(tx.Type)).Inc()
	l.logger.Info("transaction recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.String()))
	return tx, nil
}

func (l *Ledger) ListAll(ctx context.Context) ([]models.Transaction, error) {
	return l.transactions.All(ctx)
}

func (l *Ledger) ListForUser(ctx context.Context, userID string) ([]models.Transaction, error) {
	return l.transactions.Filter(ctx, func(tx models.Transaction) bool { return tx.UserID == userID })
}

// TotalRevenue is gross deposits: the sum of add_funds amounts only.
func (l *Ledger) TotalRevenue(ctx context.Context) (decimal.Decimal, error) {
	all, err := l.transactions.All(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, tx := range all {
		if tx.Type == models.TransactionAddFunds {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

// RevenueByType breaks the ledger down for admin reporting. Total counts
// deposits and fees in and subtracts prizes paid out; withdrawals are ignored.
func (l *Ledger) RevenueByType(ctx context.Context) (RevenueReport, error) {
	all, err := l.transactions.All(ctx)
	if err != nil {
		return RevenueReport{}, err
	}
	r := RevenueReport{AddFunds: decimal.Zero, QuizFees: decimal.Zero, QuizWins: decimal.Zero, Total: decimal.Zero}
	for _, tx := range all {
		amount := tx.Amount.Abs()
		switch tx.Type {
		case models.TransactionAddFunds:
			r.AddFunds = r.AddFunds.Add(tx.Amount)
			r.Total = r.Total.Add(tx.Amount)
		case models.TransactionQuizFee:
			r.QuizFees = r.QuizFees.Add(amount)
			r.Total = r.Total.Add(amount)
		case models.TransactionQuizWin:
			r.QuizWins = r.QuizWins.Add(amount)
			r.Total = r.Total.Sub(amount)
		}
	}
	return r, nil
}

// Search filters the ledger, newest first, and returns one page of results.
func (l *Ledger) Search(ctx context.Context, f TransactionFilter, page, pageSize int) (TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	var to time.Time
	if !f.To.IsZero() {
		y, m, d := f.To.Date()
		to = time.Date(y, m, d, 23, 59, 59, 999999999, f.To.Location())
	}

	matched, err := l.transactions.Filter(ctx, func(tx models.Transaction) bool {
		switch {
		case f.UserID != "" && tx.UserID != f.UserID:
			return false
		case f.Type != "" && tx.Type != f.Type:
			return false
		case !f.From.IsZero() && tx.Timestamp.Before(f.From):
			return false
		case !to.IsZero() && tx.Timestamp.After(to):
			return false
		}
		return true
	})
	if err != nil {
		return TransactionPage{}, err
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	result := TransactionPage{Total: len(matched), Page: page, PageSize: pageSize, Transactions: []models.Transaction{}}
	// Compare before multiplying so huge page numbers cannot overflow.
	if page-1 < (len(matched)+pageSize-1)/pageSize {
		start := (page - 1) * pageSize
		end := min(start+pageSize, len(matched))
		result.Transactions = matched[start:end]
	}
	return result, nil
}
