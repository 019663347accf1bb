package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"quizmaster/internal/models"
	"quizmaster/internal/store"
)

const minPasswordLength = 6

type AccountService struct {
	users  *store.Table[models.User]
	emails *store.Table[indexEntry]
	logger *zap.Logger
	Now    func() time.Time
}

func NewAccountService(s store.Store, logger *zap.Logger) *AccountService {
	return &AccountService{
		users:  store.NewTable[models.User](s, usersCollection),
		emails: store.NewTable[indexEntry](s, userEmailsCollection),
		logger: logger,
		Now:    time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account with a zero balance. The email index entry is
// claimed first so two concurrent registrations cannot share an address.
func (s *AccountService) Register(ctx context.Context, username, email, password string) (models.User, error) {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)
	switch {
	case username == "":
		return models.User{}, invalid("username is required")
	case !models.ValidEmail(email):
		return models.User{}, invalid("invalid email address")
	case len(password) < minPasswordLength:
		return models.User{}, invalid("password must be at least %d characters", minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Balance:      decimal.Zero,
		CreatedAt:    s.Now().UTC(),
	}

	if err := s.emails.Insert(ctx, email, indexEntry{ID: user.ID}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.User{}, ErrEmailTaken
		}
		return models.User{}, err
	}
	if err := s.users.Insert(ctx, user.ID, user); err != nil {
		_ = s.emails.Delete(ctx, email)
		return models.User{}, err
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

// Authenticate checks an email and password pair. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (s *AccountService) Authenticate(ctx context.Context, email, password string) (models.User, error) {
	user, err := s.GetByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, ErrInvalidCredentials
	} else if err != nil {
		return models.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *AccountService) Get(ctx context.Context, id string) (models.User, error) {
	return s.users.Get(ctx, id)
}

func (s *AccountService) GetByEmail(ctx context.Context, email string) (models.User, error) {
	entry, err := s.emails.Get(ctx, normalizeEmail(email))
	if err != nil {
		return models.User{}, err
	}
	return s.users.Get(ctx, entry.ID)
}

func (s *AccountService) List(ctx context.Context) ([]models.User, error) {
	return s.users.All(ctx)
}

// Delete removes the account and frees its email. Ledger entries, results and
// progress records are kept.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.emails.Delete(ctx, user.Email); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to release email index", zap.String("user_id", id), zap.Error(err))
	}
	s.logger.Info("user deleted", zap.String("user_id", id))
	return nil
}

// SetBalance overwrites a balance without a ledger entry. Admin corrections only.
func (s *AccountService) SetBalance(ctx context.Context, id string, balance decimal.Decimal) (models.User, error) {
	if balance.IsNegative() {
		return models.User{}, invalid("balance cannot be negative")
	}
	return s.users.Update(ctx, id, func(u *models.User) error {
		u.Balance = balance
		return nil
	})
}

func (s *AccountService) MarkEmailVerified(ctx context.Context, id string) (models.User, error) {
	return s.users.Update(ctx, id, func(u *models.User) error {
		u.EmailVerified = true
		return nil
	})
}

// adjustBalance applies delta to the user's balance with a compare-and-swap,
// refusing to go below zero.
func (s *AccountService) adjustBalance(ctx context.Context, id string, delta decimal.Decimal) (models.User, error) {
	return s.users.Update(ctx, id, func(u *models.User) error {
		next := u.Balance.Add(delta)
		if next.IsNegative() {
			return ErrInsufficientBalance
		}
		u.Balance = next
		return nil
	})
}
